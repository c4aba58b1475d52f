package cmd

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/agentpulse/agentpulse/internal/cli"
	"github.com/agentpulse/agentpulse/internal/config"

	"github.com/spf13/cobra"
)

var flagConfigPricing bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show current configuration",
	RunE:  runConfig,
}

func init() {
	configCmd.Flags().BoolVar(&flagConfigPricing, "pricing", false, "Also list the model pricing table")
	rootCmd.AddCommand(configCmd)
}

func runConfig(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("  Config file: %s\n", flagConfig)
	fmt.Printf("  Data dir:    %s\n", config.Dir())
	if _, err := os.Stat(flagConfig); err == nil {
		fmt.Printf("  Status: %s\n", cli.Status("loaded"))
	} else {
		fmt.Println("  Status: using defaults (no config file)")
	}
	fmt.Println()

	fmt.Print(cli.RenderKV("Collector", []cli.KV{
		{Key: "API key", Value: cli.MaskAPIKey(cfg.Collector.APIKey)},
		{Key: "Endpoint", Value: cfg.Collector.Endpoint},
		{Key: "Agent name", Value: cfg.Collector.AgentName},
		{Key: "Framework", Value: cfg.Collector.Framework},
	}))
	fmt.Println()

	fmt.Print(cli.RenderKV("Daemon", []cli.KV{
		{Key: "Log path", Value: cfg.Daemon.LogPath},
		{Key: "Poll interval", Value: cfg.PollInterval().String()},
		{Key: "Batch", Value: fmt.Sprintf("%d records or %s", cfg.Daemon.BatchSize, cfg.BatchInterval())},
		{Key: "API address", Value: cfg.Daemon.Addr},
		{Key: "PID file", Value: cfg.Daemon.PIDFile},
		{Key: "Idle run TTL", Value: cfg.IdleRunTTL().String()},
		{Key: "Capture wait", Value: fmt.Sprintf("%d x %s", cfg.Daemon.CaptureRetries, cfg.CaptureDelay())},
	}))
	fmt.Println()

	proxyState := "disabled"
	if cfg.Proxy.Enabled {
		proxyState = "enabled"
	}
	proxyKV := []cli.KV{
		{Key: "State", Value: cli.Status(proxyState)},
		{Key: "Port", Value: strconv.Itoa(cfg.Proxy.Port)},
	}
	names := make([]string, 0, len(cfg.Proxy.Upstreams))
	for name := range cfg.Proxy.Upstreams {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		proxyKV = append(proxyKV, cli.KV{Key: "Upstream " + name, Value: cfg.Proxy.Upstreams[name]})
	}
	fmt.Print(cli.RenderKV("Proxy", proxyKV))
	fmt.Println()

	fmt.Print(cli.RenderKV("Runtime", []cli.KV{
		{Key: "Default model", Value: cfg.Model.Default},
		{Key: "Log level", Value: cfg.Logging.Level + " (" + cfg.Logging.Format + ")"},
		{Key: "Tracing", Value: cfg.Tracing.Exporter},
		{Key: "Price overrides", Value: strconv.Itoa(len(cfg.Pricing.Overrides))},
	}))
	fmt.Println()

	if flagConfigPricing {
		table := cfg.PricingTable()
		rows := make([][]string, 0)
		for _, m := range table.Models() {
			p, _ := table.Lookup(m)
			rows = append(rows, []string{
				m,
				fmt.Sprintf("$%.2f", p.InputPerMTok),
				fmt.Sprintf("$%.2f", p.OutputPerMTok),
			})
		}
		fmt.Print(cli.RenderTable(cli.Table{
			Title:   "Pricing (USD per 1M tokens)",
			Headers: []string{"Model", "Input", "Output"},
			Rows:    rows,
		}))
		fmt.Println()
	}

	fmt.Println("  Run `agentpulse init` to reconfigure.")
	return nil
}
