package services

import (
	"context"
	"net/http"
	"sync"
	"time"

	"bidtrack/internal/automation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// FeedMessage 推送给订阅者的消息
type FeedMessage struct {
	Type      string                `json:"type"`
	ProjectID string                `json:"project_id"`
	Execution *automation.Execution `json:"execution,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

type feedClient struct {
	id        string
	projectID string
	conn      *websocket.Conn
	send      chan FeedMessage
	hub       *ExecutionHub
}

// ExecutionHub fans persisted executions out to websocket subscribers of the
// same project.
type ExecutionHub struct {
	clients    map[string]*feedClient
	broadcast  chan FeedMessage
	register   chan *feedClient
	unregister chan *feedClient
	done       chan struct{}
	mu         sync.RWMutex
	logger     *logrus.Logger
	upgrader   websocket.Upgrader
}

func NewExecutionHub(logger *logrus.Logger) *ExecutionHub {
	if logger == nil {
		logger = logrus.New()
	}
	return &ExecutionHub{
		clients:    make(map[string]*feedClient),
		broadcast:  make(chan FeedMessage, 256),
		register:   make(chan *feedClient),
		unregister: make(chan *feedClient),
		done:       make(chan struct{}),
		logger:     logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run 事件循环，ctx 取消后断开所有订阅者
func (h *ExecutionHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			h.mu.Unlock()
			h.logger.WithField("project_id", c.projectID).Debugf("feed client %s connected", c.id)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, c := range h.clients {
				if c.projectID != msg.ProjectID {
					continue
				}
				select {
				case c.send <- msg:
				default:
					// 慢消费者直接断开
					close(c.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish is registered as an engine execution listener. It never blocks the
// engine: when the buffer is full the message is dropped.
func (h *ExecutionHub) Publish(exec *automation.Execution) {
	msg := FeedMessage{Type: "execution", ProjectID: exec.ProjectID, Execution: exec, Timestamp: time.Now().UTC()}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.WithField("execution_id", exec.ID).Warn("execution feed buffer full, message dropped")
	}
}

func (h *ExecutionHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket GET /projects/:project_id/executions/stream
func (h *ExecutionHub) HandleWebSocket(c *gin.Context) {
	projectID := c.Param("project_id")
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("websocket upgrade failed")
		return
	}
	client := &feedClient{
		id:        uuid.NewString(),
		projectID: projectID,
		conn:      conn,
		send:      make(chan FeedMessage, 64),
		hub:       h,
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump 只用于感知断开和 pong
func (c *feedClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.WithError(err).Warn("feed client read error")
			}
			return
		}
	}
}

func (c *feedClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
