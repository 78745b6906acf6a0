// Command gateway serves the multi-provider response fan-out API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"llm_fanout/internal/config"
	"llm_fanout/internal/utils"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "gateway",
		Short: "Multi-provider LLM response fan-out gateway",
		Long: `Fans one prompt out to several LLM providers through a unified
OpenAI-compatible gateway and keeps every provider's answer side by side.

Configuration is read from the environment.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		migrateCmd(),
		tokenCmd(),
		dlqCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies the log level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	utils.SetDefaultLogLevel(utils.ParseLogLevel(cfg.LogLevel))
	return cfg, nil
}
