package handlers

import (
	"net/http"

	"bidtrack/internal/services"

	"github.com/gin-gonic/gin"
)

// ExecutionHandler 执行记录查询与实时推送
type ExecutionHandler struct {
	service *services.AutomationService
	hub     *services.ExecutionHub
}

func NewExecutionHandler(service *services.AutomationService, hub *services.ExecutionHub) *ExecutionHandler {
	return &ExecutionHandler{service: service, hub: hub}
}

// ListExecutions 按自动化/实体/状态过滤执行记录
func (h *ExecutionHandler) ListExecutions(c *gin.Context) {
	var req services.ExecutionListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: err.Error()})
		return
	}
	list, total, err := h.service.ListExecutions(c.Request.Context(), c.Param("project_id"), &req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list executions", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, newPaginated(list, total, req.Page, req.PageSize))
}

// GetExecution 获取单条执行记录
func (h *ExecutionHandler) GetExecution(c *gin.Context) {
	exec, err := h.service.GetExecution(c.Request.Context(), c.Param("project_id"), c.Param("id"))
	if err != nil {
		abortWithServiceError(c, "Failed to get execution", err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// RegisterExecutionRoutes 注册路由
func RegisterExecutionRoutes(r *gin.RouterGroup, handler *ExecutionHandler) {
	execs := r.Group("/projects/:project_id/executions")
	{
		execs.GET("", handler.ListExecutions)
		if handler.hub != nil {
			execs.GET("/stream", handler.hub.HandleWebSocket)
		}
		execs.GET("/:id", handler.GetExecution)
	}
}
