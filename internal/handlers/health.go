package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HealthHandler 健康检查处理器
type HealthHandler struct {
	db      *gorm.DB
	version string
	breaker BreakerReporter
	queue   QueueReporter
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(db *gorm.DB, version string, breaker BreakerReporter, queue QueueReporter) *HealthHandler {
	return &HealthHandler{db: db, version: version, breaker: breaker, queue: queue}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime     string `json:"uptime"`
	GoVersion  string `json:"go_version"`
	Goroutines int    `json:"goroutines"`
}

var startTime = time.Now()

// Health 健康检查端点；数据库不可用返回 503，AI 熔断只算 degraded
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Timestamp: time.Now().UTC(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:     time.Since(startTime).Round(time.Second).String(),
			GoVersion:  runtime.Version(),
			Goroutines: runtime.NumGoroutine(),
		},
	}

	db := h.checkDatabase(ctx)
	response.Services["database"] = db
	if db.Status != "healthy" {
		response.Status = "unhealthy"
	}

	if h.queue != nil {
		response.Services["engine"] = ServiceInfo{
			Status:  "healthy",
			Details: map[string]interface{}{"queue_depth": h.queue.QueueDepth()},
		}
	}

	if h.breaker != nil {
		stats := h.breaker.Stats()
		info := ServiceInfo{Status: "healthy", Details: stats}
		if stats["state"] != "closed" {
			// 有降级路径，不影响整体可用
			info.Status = "degraded"
			if response.Status == "healthy" {
				response.Status = "degraded"
			}
		}
		response.Services["ai_research"] = info
	}

	statusCode := http.StatusOK
	if response.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, response)
}

// checkDatabase 执行 ping
func (h *HealthHandler) checkDatabase(ctx context.Context) ServiceInfo {
	start := time.Now()
	if h.db == nil {
		return ServiceInfo{Status: "unhealthy", Error: "database connection not initialized"}
	}
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	info := ServiceInfo{Status: "healthy", Latency: time.Since(start).String()}
	if err != nil {
		info.Status = "unhealthy"
		info.Error = err.Error()
		return info
	}
	info.Details = map[string]interface{}{
		"driver":           h.db.Dialector.Name(),
		"open_connections": sqlDB.Stats().OpenConnections,
	}
	return info
}
