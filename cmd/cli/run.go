package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"bidtrack/internal/models"
	"bidtrack/internal/observability"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var runMigrate bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the HTTP server, automation engine and time trigger scanner",
	RunE:  run,
}

func init() {
	runCmd.Flags().BoolVar(&runMigrate, "migrate", false, "run AutoMigrate before starting")
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logrus.StandardLogger()

	// OpenTelemetry 初始化（可选）
	shutdownTracing, err := observability.SetupTracing(context.Background(), cfg.Monitoring.Tracing, Version)
	if err != nil {
		log.Warnf("init tracing: %v", err)
	} else {
		defer func() { _ = shutdownTracing(context.Background()) }()
	}

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	if err := observability.InstrumentDB(db, cfg.Monitoring.Tracing); err != nil {
		log.Warnf("%v", err)
	}
	if runMigrate {
		if err := db.AutoMigrate(models.AllModels()...); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	a := newApp(cfg, db, log)

	bg := a.startBackground()

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: a.router(),
	}
	go func() {
		log.Infof("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}

	engineCtx, engineCancel := context.WithTimeout(context.Background(), cfg.Automation.ShutdownTimeout)
	defer engineCancel()
	if err := bg.shutdown(engineCtx, a); err != nil {
		log.Errorf("Automation engine did not drain: %v", err)
	}

	log.Info("Server exited")
	return nil
}

// background 持有扫描器与推送 hub 的生命周期
type background struct {
	stopScanner context.CancelFunc
	stopHub     context.CancelFunc
	scannerDone chan struct{}
	hubDone     chan struct{}
}

// startBackground 启动 hub、引擎与（可选的）扫描器
func (a *app) startBackground() *background {
	scannerCtx, stopScanner := context.WithCancel(context.Background())
	hubCtx, stopHub := context.WithCancel(context.Background())
	bg := &background{
		stopScanner: stopScanner,
		stopHub:     stopHub,
		scannerDone: make(chan struct{}),
		hubDone:     make(chan struct{}),
	}

	go func() {
		defer close(bg.hubDone)
		a.hub.Run(hubCtx)
	}()
	a.engine.Start()
	if a.cfg.Automation.Scanner.Enabled {
		go func() {
			defer close(bg.scannerDone)
			a.scanner.Run(scannerCtx)
		}()
	} else {
		close(bg.scannerDone)
	}
	return bg
}

// shutdown 先停扫描器，再排空引擎，排空期间的执行仍推送给订阅者，最后停 hub
func (bg *background) shutdown(ctx context.Context, a *app) error {
	bg.stopScanner()
	select {
	case <-bg.scannerDone:
	case <-ctx.Done():
	}

	err := a.engine.Stop(ctx)

	bg.stopHub()
	<-bg.hubDone
	return err
}
