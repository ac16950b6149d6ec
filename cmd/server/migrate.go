package main

import (
	"github.com/spf13/cobra"

	"ia-chat-server/internal/database"
	"ia-chat-server/internal/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "执行数据库迁移",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := database.Open(cfg)
		if err != nil {
			return err
		}
		defer database.Close(db)

		logger.L.Info("running database migrations", "driver", cfg.Database.Driver)
		if err := database.AutoMigrate(db); err != nil {
			return err
		}
		logger.L.Info("database migrations completed")
		return nil
	},
}
