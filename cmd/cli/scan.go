package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one time trigger scan and process the resulting events",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openDB(cfg)
		if err != nil {
			return err
		}
		a := newApp(cfg, db, logrus.StandardLogger())
		n, err := runScan(cmd.Context(), a, time.Now())
		if err != nil {
			return err
		}
		fmt.Printf("emitted %d events\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
}

// runScan 单次扫描并等待引擎处理完所有事件
func runScan(ctx context.Context, a *app, now time.Time) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	a.engine.Start()
	n, scanErr := a.scanner.Scan(ctx, now)

	stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Automation.ShutdownTimeout)
	defer cancel()
	if err := a.engine.Stop(stopCtx); err != nil {
		return n, fmt.Errorf("drain engine: %w", err)
	}
	if scanErr != nil {
		return n, fmt.Errorf("scan: %w", scanErr)
	}
	return n, nil
}
