package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"llm_fanout/internal/config"
	"llm_fanout/internal/orchestrator"
	"llm_fanout/internal/queue"
)

func dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and redrive dead-lettered provider jobs",
		Long: `Inspect and redrive dead-lettered provider jobs.

Requires REDIS_ENABLED=true; the in-process dead letter queue lives only
as long as the serving process.`,
	}
	cmd.AddCommand(dlqListCmd(), dlqRedriveCmd())
	return cmd
}

func dlqListCmd() *cobra.Command {
	var maxItems int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print dead-lettered jobs as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := dlqClient(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			dlq, err := queue.NewRedisDeadLetterQueue(client, queueConfig(cfg))
			if err != nil {
				return err
			}
			items, err := dlq.List(cmd.Context(), maxItems)
			if err != nil {
				return fmt.Errorf("failed to list dead letters: %w", err)
			}
			if items == nil {
				items = []queue.DeadLetterItem{}
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(items)
		},
	}

	cmd.Flags().IntVar(&maxItems, "max", 50, "maximum number of items to print")
	return cmd
}

func dlqRedriveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "redrive <id>",
		Short: "Put one dead-lettered job back on the provider job queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := dlqClient(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			qcfg := queueConfig(cfg)
			q, err := queue.NewRedisQueue(client, qcfg)
			if err != nil {
				return err
			}
			dlq, err := queue.NewRedisDeadLetterQueue(client, qcfg)
			if err != nil {
				return err
			}
			if err := orchestrator.RedriveDeadLetter(cmd.Context(), q, dlq, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "redriven %s\n", args[0])
			return nil
		},
	}
}

func dlqClient(cfg *config.Config) (*redis.Client, error) {
	if !cfg.Redis.Enabled {
		return nil, errors.New("dead letter commands need REDIS_ENABLED=true")
	}
	return newRedisClient(cfg.Redis), nil
}
