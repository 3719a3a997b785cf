package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bidtrack/internal/config"
	appmetrics "bidtrack/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newLimitedRouter(rl config.RateLimitingConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{Security: config.SecurityConfig{RateLimiting: rl}}
	r := gin.New()
	r.POST("/projects/:project_id/events", RateLimitMiddleware(cfg, "events", nil), func(c *gin.Context) {
		c.Status(http.StatusAccepted)
	})
	return r
}

func post(r *gin.Engine, project string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/projects/"+project+"/events", nil)
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	r := newLimitedRouter(config.RateLimitingConfig{Enabled: false})
	for i := 0; i < 50; i++ {
		assert.Equal(t, http.StatusAccepted, post(r, "p1").Code)
	}
}

func TestRateLimitMiddleware_PerProjectBuckets(t *testing.T) {
	appmetrics.Reset()
	r := newLimitedRouter(config.RateLimitingConfig{Enabled: true, RequestsPerMinute: 1, Burst: 2})

	assert.Equal(t, http.StatusAccepted, post(r, "p1").Code)
	assert.Equal(t, http.StatusAccepted, post(r, "p1").Code)

	w := post(r, "p1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate limit exceeded")

	// 其他项目不受影响
	assert.Equal(t, http.StatusAccepted, post(r, "p2").Code)

	total, by := appmetrics.RateLimitSnapshot()
	assert.EqualValues(t, 1, total)
	assert.EqualValues(t, 1, by["events"])
}

func TestLimiterSet_RefillsAndSweeps(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := newLimiterSet(60, 1)
	s.now = func() time.Time { return now }

	ok, _ := s.reserve("a")
	assert.True(t, ok)
	ok, wait := s.reserve("a")
	assert.False(t, ok)
	assert.InDelta(t, time.Second.Seconds(), wait.Seconds(), 0.01)

	now = now.Add(time.Second)
	ok, _ = s.reserve("a")
	assert.True(t, ok, "one token per second at 60 rpm")

	now = now.Add(time.Hour)
	s.reserve("b")
	_, stale := s.limiters["a"]
	assert.False(t, stale, "idle buckets are dropped")
}

func TestProjectKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.RemoteAddr = "10.0.0.7:5555"
	assert.Equal(t, "ip:10.0.0.7", ProjectKey(c))

	c.Params = gin.Params{{Key: "project_id", Value: "p9"}}
	assert.Equal(t, "project:p9", ProjectKey(c))
}

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS(config.CORSConfig{Enabled: true, AllowedOrigins: []string{"https://app.bidtrack.io"}}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "https://app.bidtrack.io")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.bidtrack.io", w.Header().Get("Access-Control-Allow-Origin"))

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
