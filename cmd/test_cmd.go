package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentpulse/agentpulse/internal/cli"
	"github.com/agentpulse/agentpulse/internal/collector"
	"github.com/agentpulse/agentpulse/internal/instrument"
	"github.com/agentpulse/agentpulse/internal/model"
	"github.com/agentpulse/agentpulse/internal/sink"

	"github.com/spf13/cobra"
)

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Send a connection-test event to the collector",
	RunE:  runTest,
}

func init() {
	rootCmd.AddCommand(testCmd)
}

func runTest(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Collector.APIKey == "" {
		return errors.New("no API key configured; run `agentpulse init` first")
	}

	fmt.Println()
	fmt.Println("  Testing connection to AgentPulse...")
	fmt.Println()
	fmt.Print(cli.RenderKV("", []cli.KV{
		{Key: "Endpoint", Value: cfg.Collector.Endpoint},
		{Key: "Agent", Value: cfg.Collector.AgentName},
		{Key: "API key", Value: cli.MaskAPIKey(cfg.Collector.APIKey)},
	}))
	fmt.Println()

	log, err := newLogger(cfg, "stderr")
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	client := collector.New(collector.Options{
		APIKey:    cfg.Collector.APIKey,
		Endpoint:  cfg.Collector.Endpoint,
		AgentName: cfg.Collector.AgentName,
		Framework: cfg.Collector.Framework,
		Version:   Version,
	})
	svc := instrument.New(sink.New(client, sink.Options{Logger: log}), instrument.Options{
		TaskContext: "AgentPulse connection test",
		Pricing:     cfg.PricingTable(),
		Logger:      log,
	})

	svc.Track(nil, instrument.TrackOptions{
		Provider: "agentpulse",
		Model:    "connection-test",
		Latency:  time.Millisecond,
		Source:   model.SourceSDK,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	start := time.Now()
	err = svc.Close(ctx)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		fmt.Printf("  %s Connected (%s). Check your dashboard for a connection-test event.\n",
			cli.Status("ok"), cli.FormatLatency(float64(elapsed.Milliseconds())))
		return nil
	case errors.Is(err, collector.ErrUnauthorized):
		fmt.Printf("  %s Invalid or revoked API key.\n", cli.Status("failed"))
	case errors.Is(err, collector.ErrRateLimited):
		fmt.Printf("  %s Rate limited; try again shortly.\n", cli.Status("failed"))
	default:
		fmt.Printf("  %s %v\n", cli.Status("failed"), err)
	}
	return errors.New("connection test failed")
}
