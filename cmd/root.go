// Package cmd implements the agentpulse CLI commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/agentpulse/agentpulse/internal/cli"
	"github.com/agentpulse/agentpulse/internal/config"
	"github.com/agentpulse/agentpulse/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version is stamped at build time with -ldflags "-X ...cmd.Version=v1.2.3".
var Version = "dev"

var (
	flagConfig   string
	flagLogLevel string
	flagQuiet    bool
)

var rootCmd = &cobra.Command{
	Use:           "agentpulse",
	Short:         "LLM usage telemetry for agent gateways",
	Long:          "Tail agent gateway logs, capture exact token usage, and ship per-call telemetry to AgentPulse.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		cli.ConfigureColor(cmd.OutOrStdout())
	},
}

// Execute is the main entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "  Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", config.Path(), "Config file path")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Override the configured log level")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress progress output")
}

// loadConfig is the shared config path used by all commands.
func loadConfig() (config.Config, error) {
	cfg, err := config.LoadFrom(flagConfig)
	if err != nil {
		return cfg, err
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	return cfg, nil
}

// newLogger builds the process logger from config, writing to output.
func newLogger(cfg config.Config, output string) (*zap.Logger, error) {
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, output)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	return log.With(zap.String("agent", cfg.Collector.AgentName)), nil
}

func progressf(format string, args ...any) {
	if flagQuiet {
		return
	}
	fmt.Fprintf(os.Stderr, format, args...)
}
