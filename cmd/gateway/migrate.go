package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"llm_fanout/internal/config"
	"llm_fanout/internal/storage"
	"llm_fanout/internal/utils"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the schema or indexes of the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := utils.NewLogger("migrate")
			ctx := cmd.Context()

			switch cfg.Store.Backend {
			case config.StorePostgres:
				db, err := openDB(cfg.Database)
				if err != nil {
					return err
				}
				defer db.Close()
				if err := storage.Migrate(ctx, db); err != nil {
					return fmt.Errorf("failed to migrate database: %w", err)
				}
			case config.StoreMongo:
				m, err := openMongo(ctx, cfg.Mongo)
				if err != nil {
					return err
				}
				defer m.Close(ctx)
				if err := m.EnsureIndexes(ctx); err != nil {
					return fmt.Errorf("failed to create mongo indexes: %w", err)
				}
			default:
				logger.Info("Memory store needs no migration")
				return nil
			}

			logger.Info("Store is up to date", "backend", cfg.Store.Backend)
			return nil
		},
	}
}
