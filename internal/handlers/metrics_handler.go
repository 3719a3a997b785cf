package handlers

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	appmetrics "bidtrack/internal/metrics"

	"github.com/gin-gonic/gin"
)

// QueueReporter exposes the engine's pending event count.
type QueueReporter interface {
	QueueDepth() int
}

// BreakerReporter exposes circuit breaker state.
type BreakerReporter interface {
	Stats() map[string]interface{}
}

// ClientCounter exposes the number of live feed subscribers.
type ClientCounter interface {
	ClientCount() int
}

// MetricsHandler 自动化引擎指标
type MetricsHandler struct {
	queue     QueueReporter
	breaker   BreakerReporter
	feed      ClientCounter
	startedAt time.Time
}

func NewMetricsHandler(queue QueueReporter, breaker BreakerReporter, feed ClientCounter) *MetricsHandler {
	return &MetricsHandler{queue: queue, breaker: breaker, feed: feed, startedAt: time.Now()}
}

// AutomationMetricsResponse GET /automation/metrics
type AutomationMetricsResponse struct {
	appmetrics.AutomationStats
	QueueDepth    int                    `json:"queue_depth"`
	FeedClients   int                    `json:"feed_clients"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	AIBreaker     map[string]interface{} `json:"ai_breaker,omitempty"`
}

func (h *MetricsHandler) collect() AutomationMetricsResponse {
	resp := AutomationMetricsResponse{
		AutomationStats: appmetrics.AutomationSnapshot(),
		UptimeSeconds:   int64(time.Since(h.startedAt).Seconds()),
	}
	if h.queue != nil {
		resp.QueueDepth = h.queue.QueueDepth()
	}
	if h.feed != nil {
		resp.FeedClients = h.feed.ClientCount()
	}
	if h.breaker != nil {
		resp.AIBreaker = h.breaker.Stats()
	}
	return resp
}

// GetAutomationMetrics JSON 格式
func (h *MetricsHandler) GetAutomationMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.collect())
}

// GetMetrics Prometheus 文本格式
func (h *MetricsHandler) GetMetrics(c *gin.Context) {
	m := h.collect()

	b := &strings.Builder{}
	fmt.Fprintf(b, "# HELP bidtrack_uptime_seconds Total uptime of the instance in seconds\n")
	fmt.Fprintf(b, "# TYPE bidtrack_uptime_seconds counter\n")
	fmt.Fprintf(b, "bidtrack_uptime_seconds %d\n\n", m.UptimeSeconds)

	fmt.Fprintf(b, "# HELP bidtrack_events_accepted_total Events accepted into the queue\n")
	fmt.Fprintf(b, "# TYPE bidtrack_events_accepted_total counter\n")
	fmt.Fprintf(b, "bidtrack_events_accepted_total %d\n\n", m.EventsAccepted)

	writeLabeled(b, "bidtrack_events_dropped_total", "Events refused by the engine", "reason", m.EventsDroppedBy)
	writeLabeled(b, "bidtrack_executions_total", "Recorded automation executions", "status", m.ExecutionsByStatus)
	writeLabeled(b, "bidtrack_action_failures_total", "Failed actions", "action_type", m.ActionFailuresByType)
	writeLabeled(b, "bidtrack_rate_limited_total", "Requests rejected by the rate limiter", "prefix", m.RateLimitedBy)

	fmt.Fprintf(b, "# HELP bidtrack_executions_lost_total Executions that could not be persisted\n")
	fmt.Fprintf(b, "# TYPE bidtrack_executions_lost_total counter\n")
	fmt.Fprintf(b, "bidtrack_executions_lost_total %d\n\n", m.ExecutionsLost)

	fmt.Fprintf(b, "# HELP bidtrack_event_queue_depth Accepted events waiting for a dispatcher\n")
	fmt.Fprintf(b, "# TYPE bidtrack_event_queue_depth gauge\n")
	fmt.Fprintf(b, "bidtrack_event_queue_depth %d\n\n", m.QueueDepth)

	fmt.Fprintf(b, "# HELP bidtrack_feed_clients Live execution feed subscribers\n")
	fmt.Fprintf(b, "# TYPE bidtrack_feed_clients gauge\n")
	fmt.Fprintf(b, "bidtrack_feed_clients %d\n", m.FeedClients)

	c.Header("Content-Type", "text/plain; version=0.0.4")
	c.String(http.StatusOK, b.String())
}

func writeLabeled(b *strings.Builder, name, help, label string, values map[string]uint64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s{%s=%q} %d\n", name, label, k, values[k])
	}
	b.WriteString("\n")
}

// RegisterMetricsRoutes 注册路由
func RegisterMetricsRoutes(r *gin.RouterGroup, handler *MetricsHandler) {
	r.GET("/automation/metrics", handler.GetAutomationMetrics)
}
