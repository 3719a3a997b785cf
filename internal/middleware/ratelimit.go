package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"bidtrack/internal/config"
	appmetrics "bidtrack/internal/metrics"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// KeyFunc 从请求中提取限流维度
type KeyFunc func(c *gin.Context) string

// ProjectKey 按 :project_id 路径参数限流，缺省时退回客户端 IP
func ProjectKey(c *gin.Context) string {
	if p := c.Param("project_id"); p != "" {
		return "project:" + p
	}
	if ip := c.ClientIP(); ip != "" {
		return "ip:" + ip
	}
	return "unknown"
}

// limiterSet keeps one token bucket per key. Idle buckets are swept lazily.
type limiterSet struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
	limiters map[string]*entry
	lastGC   time.Time
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newLimiterSet(rpm, burst int) *limiterSet {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm // default burst equals a minute worth
	}
	return &limiterSet{
		limit:    rate.Limit(float64(rpm) / 60.0),
		burst:    burst,
		idleTTL:  10 * time.Minute,
		now:      time.Now,
		limiters: make(map[string]*entry),
	}
}

// reserve 返回是否放行，以及被拒绝时建议的等待时间
func (s *limiterSet) reserve(key string) (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if now.Sub(s.lastGC) > s.idleTTL {
		for k, e := range s.limiters {
			if now.Sub(e.lastSeen) > s.idleTTL {
				delete(s.limiters, k)
			}
		}
		s.lastGC = now
	}
	e, ok := s.limiters[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(s.limit, s.burst)}
		s.limiters[key] = e
	}
	e.lastSeen = now

	r := e.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Minute
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

// RateLimitMiddleware 令牌桶限流，受 cfg.Security.RateLimiting 控制；未启用时直接放行。
// prefix 用于区分指标维度。
func RateLimitMiddleware(cfg *config.Config, prefix string, key KeyFunc) gin.HandlerFunc {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled || rl.RequestsPerMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if key == nil {
		key = ProjectKey
	}
	set := newLimiterSet(rl.RequestsPerMinute, rl.Burst)
	return func(c *gin.Context) {
		ok, wait := set.reserve(key(c))
		if !ok {
			appmetrics.IncRateLimitDrop(prefix)
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Too Many Requests",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
