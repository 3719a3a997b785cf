package services

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerState 熔断器状态
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // 正常
	BreakerOpen                         // 熔断
	BreakerHalfOpen                     // 试探
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerConfig 熔断器配置
type CircuitBreakerConfig struct {
	MaxFailures     int           // 连续失败多少次后熔断
	ResetTimeout    time.Duration // 熔断多久后进入半开
	HalfOpenMaxReqs int           // 半开状态允许的试探请求数
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{MaxFailures: 5, ResetTimeout: 60 * time.Second, HalfOpenMaxReqs: 1}
}

// CircuitBreaker guards a flaky downstream (the AI provider).
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu           sync.Mutex
	state        BreakerState
	failures     int
	openedAt     time.Time
	halfOpenReqs int
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenMaxReqs <= 0 {
		cfg.HalfOpenMaxReqs = def.HalfOpenMaxReqs
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Allow 是否放行本次请求
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false
		}
		cb.state = BreakerHalfOpen
		cb.halfOpenReqs = 1
		return true
	case BreakerHalfOpen:
		if cb.halfOpenReqs < cb.cfg.HalfOpenMaxReqs {
			cb.halfOpenReqs++
			return true
		}
	}
	return false
}

func (cb *CircuitBreaker) OnSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failures = 0
	cb.halfOpenReqs = 0
}

func (cb *CircuitBreaker) OnFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	if cb.state == BreakerHalfOpen || cb.failures >= cb.cfg.MaxFailures {
		cb.state = BreakerOpen
		cb.openedAt = cb.now()
		cb.halfOpenReqs = 0
	}
}

// Do runs fn through the breaker.
func (cb *CircuitBreaker) Do(fn func() error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		cb.OnFailure()
		return err
	}
	cb.OnSuccess()
	return nil
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failures = 0
	cb.halfOpenReqs = 0
}

// Stats 供 /automation/metrics 展示
func (cb *CircuitBreaker) Stats() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]interface{}{
		"state":         cb.state.String(),
		"failure_count": cb.failures,
		"max_failures":  cb.cfg.MaxFailures,
		"reset_timeout": cb.cfg.ResetTimeout.String(),
	}
}
