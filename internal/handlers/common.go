package handlers

import (
	"errors"
	"net/http"

	"bidtrack/internal/services"

	"github.com/gin-gonic/gin"
)

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Code    int         `json:"code,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// PaginatedResponse 分页响应结构
type PaginatedResponse struct {
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Pages    int         `json:"pages"`
}

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func newPaginated(data interface{}, total int64, page, pageSize int) PaginatedResponse {
	page, pageSize = services.NormalizePage(page, pageSize)
	pages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return PaginatedResponse{Data: data, Total: total, Page: page, PageSize: pageSize, Pages: pages}
}

// abortWithServiceError 把服务层错误映射为 HTTP 状态
func abortWithServiceError(c *gin.Context, title string, err error) {
	var verr *services.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: title, Message: err.Error(), Details: verr.Problems})
	case services.IsNotFound(err):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: title, Message: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: title, Message: err.Error()})
	}
}
