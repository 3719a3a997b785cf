package cli

import (
	"fmt"

	"bidtrack/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openDB(cfg)
		if err != nil {
			return err
		}
		return migrate(db, logrus.StandardLogger())
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

// 执行记录常见查询的复合索引
var extraIndexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_executions_project_executed ON automation_executions(project_id, executed_at)",
	"CREATE INDEX IF NOT EXISTS idx_executions_automation_executed ON automation_executions(automation_id, executed_at)",
	"CREATE INDEX IF NOT EXISTS idx_tasks_project_due ON tasks(project_id, due_date)",
}

func migrate(db *gorm.DB, log *logrus.Logger) error {
	log.Info("Starting database migration...")
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	for _, stmt := range extraIndexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	log.Info("Database migration completed")
	return nil
}
