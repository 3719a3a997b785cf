package cli

import (
	"fmt"
	"strings"

	"bidtrack/internal/automation"
	"bidtrack/internal/config"
	"bidtrack/internal/handlers"
	"bidtrack/internal/middleware"
	"bidtrack/internal/services"
	"bidtrack/pkg/webhook"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// openDB 按配置连接数据库并设置连接池
func openDB(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	dsn := cfg.Database.ConnectionString()
	switch strings.ToLower(cfg.Database.Driver) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		dialector = postgres.Open(dsn)
	}

	level := logger.Warn
	if cfg.Log.Level == "debug" {
		level = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Database.Driver, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Database.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}
	return db, nil
}

// app 组装好的服务与引擎
type app struct {
	cfg    *config.Config
	logger *logrus.Logger
	db     *gorm.DB

	automations *services.AutomationService
	entities    *services.EntityService
	breaker     *services.CircuitBreaker
	hub         *services.ExecutionHub
	engine      *automation.Engine
	scanner     *automation.Scanner
}

func newApp(cfg *config.Config, db *gorm.DB, log *logrus.Logger) *app {
	ac := cfg.Automation
	retry := automation.RetryPolicy{
		MaxAttempts:    ac.Retry.MaxAttempts,
		InitialBackoff: ac.Retry.InitialBackoff,
		MaxBackoff:     ac.Retry.MaxBackoff,
	}
	recorderRetry := retry
	recorderRetry.MaxAttempts = ac.RecorderRetries

	automations := services.NewAutomationService(db, log)
	entities := services.NewEntityService(db, log)

	cb := cfg.Fallback.CircuitBreaker
	breaker := services.NewCircuitBreaker(services.CircuitBreakerConfig{
		MaxFailures:     cb.MaxFailures,
		ResetTimeout:    cb.ResetTimeout,
		HalfOpenMaxReqs: cb.HalfOpenMaxReqs,
	})
	oa := cfg.AI.OpenAI
	research := services.NewResearchService(services.ResearchConfig{
		APIKey:      oa.APIKey,
		BaseURL:     oa.BaseURL,
		Model:       oa.Model,
		Temperature: oa.Temperature,
		MaxTokens:   oa.MaxTokens,
		Timeout:     oa.Timeout,
	}, breaker, log)

	hooks := webhook.NewClient(&webhook.Config{
		UserAgent:     cfg.Webhook.UserAgent,
		DefaultSecret: cfg.Webhook.DefaultSecret,
		Timeout:       ac.WebhookTimeout,
	}, log)

	executor := automation.NewExecutor(automation.Collaborators{
		Entities:  entities,
		Notifier:  services.NewNotificationService(db, log),
		Email:     services.NewEmailService(db, log),
		Webhooks:  hooks,
		Sequences: services.NewSequenceService(db, log),
		Research:  research,
	}, log,
		automation.WithTimeouts(automation.Timeouts{Action: ac.ActionTimeout, Webhook: ac.WebhookTimeout, AIResearch: ac.AITimeout}),
		automation.WithRetryPolicy(retry),
	)
	recorder := automation.NewRecorder(automations, recorderRetry, log)
	engine := automation.NewEngine(automations, entities, executor, recorder, log, automation.Options{
		Dispatchers:     ac.Dispatchers,
		QueueSize:       ac.QueueSize,
		MaxConcurrency:  ac.MaxConcurrency,
		MaxCascadeDepth: ac.MaxCascadeDepth,
	})

	hub := services.NewExecutionHub(log)
	engine.OnExecution(hub.Publish)

	scanner := automation.NewScanner(services.NewScanStore(automations, entities), engine, ac.Scanner.Interval, log)

	return &app{
		cfg:         cfg,
		logger:      log,
		db:          db,
		automations: automations,
		entities:    entities,
		breaker:     breaker,
		hub:         hub,
		engine:      engine,
		scanner:     scanner,
	}
}

// router 注册所有 HTTP 路由
func (a *app) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(middleware.CORS(a.cfg.Security.CORS))
	if a.cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(a.cfg.Monitoring.Tracing.ServiceName))
	}

	metricsHandler := handlers.NewMetricsHandler(a.engine, a.breaker, a.hub)
	health := handlers.NewHealthHandler(a.db, Version, a.breaker, a.engine)
	r.GET("/health", health.Health)
	r.GET("/metrics", metricsHandler.GetMetrics)

	api := r.Group("/api")
	handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(a.automations, a.entities, a.engine, a.logger))
	handlers.RegisterExecutionRoutes(api, handlers.NewExecutionHandler(a.automations, a.hub))
	handlers.RegisterEventRoutes(api, handlers.NewEventHandler(a.engine, a.logger),
		middleware.RateLimitMiddleware(a.cfg, "events", middleware.ProjectKey))
	handlers.RegisterMetricsRoutes(api, metricsHandler)
	api.GET("/health", health.Health)

	return r
}
