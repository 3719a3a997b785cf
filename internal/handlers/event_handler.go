package handlers

import (
	"errors"
	"net/http"

	"bidtrack/internal/automation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EventEmitter accepts domain events for asynchronous processing.
type EventEmitter interface {
	Emit(evt automation.Event) error
}

// EventHandler 事件入口，CRUD 层或外部系统推送领域事件
type EventHandler struct {
	emitter EventEmitter
	logger  *logrus.Logger
}

func NewEventHandler(emitter EventEmitter, logger *logrus.Logger) *EventHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &EventHandler{emitter: emitter, logger: logger}
}

// IngestEvent 接收事件并立即返回 202
func (h *EventHandler) IngestEvent(c *gin.Context) {
	var evt automation.Event
	if err := c.ShouldBindJSON(&evt); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	evt.ProjectID = c.Param("project_id")
	// 外部事件总是从第 0 层开始
	evt.Depth = 0
	evt.OriginAutomationID = ""
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if err := evt.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid event", Message: err.Error()})
		return
	}

	if err := h.emitter.Emit(evt); err != nil {
		switch {
		case errors.Is(err, automation.ErrQueueFull):
			c.Header("Retry-After", "1")
			c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "Queue full", Message: err.Error()})
		case errors.Is(err, automation.ErrCascadeLimit):
			c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: "Cascade limit", Message: err.Error()})
		case errors.Is(err, automation.ErrEngineStopped):
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Engine stopped", Message: err.Error()})
		default:
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid event", Message: err.Error()})
		}
		return
	}

	h.logger.WithFields(logrus.Fields{
		"event_id":     evt.ID,
		"project_id":   evt.ProjectID,
		"trigger_type": evt.TriggerType,
	}).Debug("event accepted")
	c.JSON(http.StatusAccepted, gin.H{"event_id": evt.ID})
}

// RegisterEventRoutes 注册路由；mw 作用于事件入口（限流）
func RegisterEventRoutes(r *gin.RouterGroup, handler *EventHandler, mw ...gin.HandlerFunc) {
	handlersChain := append(mw, handler.IngestEvent)
	r.POST("/projects/:project_id/events", handlersChain...)
}
