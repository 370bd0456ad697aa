package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jaliph/wa-relay/config"
	"github.com/jaliph/wa-relay/utils"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "wa-relay",
	Short: "Relay between a WhatsApp session and an orchestrator webhook",
	Long: "wa-relay keeps a linked WhatsApp session open, forwards every inbound message " +
		"to the orchestrator webhook and sends the orchestrator's replies back.",
	SilenceUsage: true,
	// running without a subcommand serves
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.ini", "path to an optional ini file overriding the environment")
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads the configuration and initializes logging
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	utils.Init(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}

// whatsmeowLevel keeps the library quiet unless debugging
func whatsmeowLevel(level string) string {
	if level == "debug" {
		return level
	}
	return "warn"
}
