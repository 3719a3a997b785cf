package handlers

import (
	"net/http"

	"bidtrack/internal/automation"
	"bidtrack/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AutomationHandler 管理项目下的自动化规则
type AutomationHandler struct {
	service  *services.AutomationService
	entities *services.EntityService
	engine   *automation.Engine
	logger   *logrus.Logger
}

func NewAutomationHandler(service *services.AutomationService, entities *services.EntityService, engine *automation.Engine, logger *logrus.Logger) *AutomationHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationHandler{service: service, entities: entities, engine: engine, logger: logger}
}

// ListAutomations 获取自动化列表
func (h *AutomationHandler) ListAutomations(c *gin.Context) {
	var req services.AutomationListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: err.Error()})
		return
	}
	list, total, err := h.service.ListAutomations(c.Request.Context(), c.Param("project_id"), &req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list automations", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, newPaginated(list, total, req.Page, req.PageSize))
}

// CreateAutomation 创建自动化
func (h *AutomationHandler) CreateAutomation(c *gin.Context) {
	var req services.AutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	req.CreatedBy = c.GetHeader("X-User-ID")

	m, err := h.service.CreateAutomation(c.Request.Context(), c.Param("project_id"), &req)
	if err != nil {
		abortWithServiceError(c, "Failed to create automation", err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

// GetAutomation 获取单个自动化
func (h *AutomationHandler) GetAutomation(c *gin.Context) {
	m, err := h.service.GetAutomation(c.Request.Context(), c.Param("project_id"), c.Param("id"))
	if err != nil {
		abortWithServiceError(c, "Failed to get automation", err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// UpdateAutomation 更新自动化
func (h *AutomationHandler) UpdateAutomation(c *gin.Context) {
	var req services.AutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	m, err := h.service.UpdateAutomation(c.Request.Context(), c.Param("project_id"), c.Param("id"), &req)
	if err != nil {
		abortWithServiceError(c, "Failed to update automation", err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// DeleteAutomation 删除自动化；执行记录保留
func (h *AutomationHandler) DeleteAutomation(c *gin.Context) {
	if err := h.service.DeleteAutomation(c.Request.Context(), c.Param("project_id"), c.Param("id")); err != nil {
		abortWithServiceError(c, "Failed to delete automation", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

type setActiveRequest struct {
	IsActive *bool `json:"is_active" binding:"required"`
}

// SetActive 启用/停用
func (h *AutomationHandler) SetActive(c *gin.Context) {
	var req setActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	m, err := h.service.SetActive(c.Request.Context(), c.Param("project_id"), c.Param("id"), *req.IsActive)
	if err != nil {
		abortWithServiceError(c, "Failed to update automation", err)
		return
	}
	c.JSON(http.StatusOK, m)
}

type runRequest struct {
	EntityType string `json:"entity_type" binding:"required"`
	EntityID   string `json:"entity_id" binding:"required"`
}

// RunAutomation 对指定实体手动执行一次，触发器与启用状态都不检查
func (h *AutomationHandler) RunAutomation(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	ctx := c.Request.Context()
	projectID := c.Param("project_id")

	a, err := h.service.LoadAutomation(ctx, projectID, c.Param("id"))
	if err != nil {
		abortWithServiceError(c, "Failed to run automation", err)
		return
	}
	entity, err := h.entities.GetEntity(ctx, projectID, req.EntityType, req.EntityID)
	if err != nil {
		abortWithServiceError(c, "Failed to run automation", err)
		return
	}

	exec, err := h.engine.RunOne(ctx, a, automation.Event{
		ProjectID:   projectID,
		TriggerType: automation.TriggerEntityUpdated,
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		Data:        entity,
	})
	if err != nil {
		h.logger.WithField("automation_id", a.ID).Errorf("manual run failed: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to run automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, exec)
}

// PreviewEvent 演练：返回会命中的自动化及条件结果，不执行动作
func (h *AutomationHandler) PreviewEvent(c *gin.Context) {
	var evt automation.Event
	if err := c.ShouldBindJSON(&evt); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	evt.ProjectID = c.Param("project_id")
	if err := evt.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid event", Message: err.Error()})
		return
	}
	results, err := h.engine.Preview(c.Request.Context(), evt)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to preview event", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": results, "matched": len(results)})
}

// RegisterAutomationRoutes 注册路由
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	auto := r.Group("/projects/:project_id/automations")
	{
		auto.GET("", handler.ListAutomations)
		auto.POST("", handler.CreateAutomation)
		auto.POST("/preview", handler.PreviewEvent)
		auto.GET("/:id", handler.GetAutomation)
		auto.PUT("/:id", handler.UpdateAutomation)
		auto.DELETE("/:id", handler.DeleteAutomation)
		auto.PATCH("/:id/active", handler.SetActive)
		auto.POST("/:id/run", handler.RunAutomation)
	}
}
