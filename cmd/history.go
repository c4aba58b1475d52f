package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/agentpulse/agentpulse/internal/cli"
	"github.com/agentpulse/agentpulse/internal/config"
	"github.com/agentpulse/agentpulse/internal/model"
	"github.com/agentpulse/agentpulse/internal/pipeline"
	"github.com/agentpulse/agentpulse/internal/store"

	"github.com/spf13/cobra"
)

var (
	flagHistoryDays     int
	flagHistoryProvider string
	flagHistoryModel    string
	flagHistoryStatus   string
	flagHistoryBy       string
	flagHistoryReplay   bool
	flagHistoryLogDir   string
	flagPruneOlderThan  int
)

var historyViews = []string{"summary", "day", "model", "tool", "hour", "cost"}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Usage reports over delivered telemetry",
	Long: "Summarize calls the daemon delivered, stored locally in SQLite. " +
		"With --replay, rebuild the same reports from the gateway log files instead.",
	RunE: runHistory,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete stored records older than a number of days",
	RunE:  runHistoryPrune,
}

func init() {
	historyCmd.PersistentFlags().IntVarP(&flagHistoryDays, "days", "n", 30, "Time window in days")
	historyCmd.Flags().StringVarP(&flagHistoryProvider, "provider", "p", "", "Filter to provider")
	historyCmd.Flags().StringVarP(&flagHistoryModel, "model", "m", "", "Filter to model (substring match)")
	historyCmd.Flags().StringVar(&flagHistoryStatus, "status", "", "Filter to status (success, error, rate_limit)")
	historyCmd.Flags().StringVarP(&flagHistoryBy, "by", "b", "summary", "Report: "+strings.Join(historyViews, ", "))
	historyCmd.Flags().BoolVar(&flagHistoryReplay, "replay", false, "Rebuild from gateway log files instead of the store")
	historyCmd.Flags().StringVar(&flagHistoryLogDir, "log-dir", "", "Log directory for --replay (default from config)")

	historyPruneCmd.Flags().IntVar(&flagPruneOlderThan, "older-than", 90, "Age in days of records to delete")

	historyCmd.AddCommand(historyPruneCmd)
	rootCmd.AddCommand(historyCmd)
}

func runHistory(_ *cobra.Command, _ []string) error {
	view := strings.ToLower(flagHistoryBy)
	if !containsString(historyViews, view) {
		return fmt.Errorf("unknown report %q (want one of %s)", flagHistoryBy, strings.Join(historyViews, ", "))
	}
	if flagHistoryDays <= 0 {
		return errors.New("--days must be positive")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	now := time.Now()
	since := now.AddDate(0, 0, -flagHistoryDays)
	// Load twice the window so the summary can compare with the previous period.
	records, err := loadHistory(cfg, since.AddDate(0, 0, -flagHistoryDays))
	if err != nil {
		return err
	}
	records = applyHistoryFilters(records)

	if len(pipeline.FilterByTime(records, since, now)) == 0 {
		fmt.Println("\n  No LLM calls found in the selected time range.")
		if !flagHistoryReplay {
			fmt.Println("  Start the daemon with `agentpulse start`, or try --replay to read the gateway logs.")
		}
		return nil
	}

	source := "stored"
	if flagHistoryReplay {
		source = "replayed"
	}
	title := fmt.Sprintf("%s  Last %dd (%s)", strings.ToUpper(view), flagHistoryDays, source)
	fmt.Println()
	fmt.Println(cli.RenderTitle(title))
	fmt.Println()

	switch view {
	case "day":
		fmt.Print(renderDays(pipeline.AggregateDays(records, since, now)))
	case "model":
		fmt.Print(renderModels(pipeline.AggregateModels(records, since, now)))
	case "tool":
		fmt.Print(renderTools(pipeline.AggregateTools(records, since, now)))
	case "hour":
		fmt.Print(renderHours(pipeline.AggregateHourly(records, since, now)))
	case "cost":
		totals, providers := pipeline.AggregateCostBreakdown(records, cfg.PricingTable(), since, now)
		fmt.Print(renderCosts(totals, providers))
	default:
		stats := pipeline.Aggregate(records, since, now)
		prev := pipeline.Aggregate(records, since.AddDate(0, 0, -flagHistoryDays), since)
		fmt.Print(renderSummary(stats, prev))
	}
	return nil
}

// loadHistory returns records newer than since, from the store or by
// replaying the gateway logs.
func loadHistory(cfg config.Config, since time.Time) ([]model.TelemetryRecord, error) {
	if !flagHistoryReplay {
		db, err := store.Open(store.DefaultPath(config.Dir()))
		if err != nil {
			return nil, err
		}
		defer func() { _ = db.Close() }()
		return db.LoadRecords(since)
	}

	dir := flagHistoryLogDir
	if dir == "" {
		dir = cfg.Daemon.LogPath
	}
	progressf("  Replaying logs in %s...\n", dir)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	res, err := pipeline.ReplayDir(ctx, dir, pipeline.ReplayOptions{
		DefaultModel: cfg.Model.Default,
		Pricing:      cfg.PricingTable(),
	}, func(current, total int) {
		progressf("\r  %s", cli.RenderProgressBar(current, total, 30))
	})
	if err != nil {
		return nil, err
	}
	progressf("\r  Replayed %s lines from %d files into %s calls    \n",
		cli.FormatNumber(int64(res.Lines)), res.ParsedFiles, cli.FormatNumber(int64(len(res.Records))))
	if res.FileErrors > 0 {
		fmt.Fprintf(os.Stderr, "  %d files could not be read\n", res.FileErrors)
	}
	return pipeline.FilterByTime(res.Records, since, time.Time{}), nil
}

func applyHistoryFilters(records []model.TelemetryRecord) []model.TelemetryRecord {
	filtered := pipeline.FilterByProvider(records, flagHistoryProvider)
	if flagHistoryModel != "" {
		filtered = pipeline.FilterByModel(filtered, flagHistoryModel)
	}
	if flagHistoryStatus != "" {
		filtered = pipeline.FilterByStatus(filtered, model.Status(strings.ToLower(flagHistoryStatus)))
	}
	return filtered
}

func renderSummary(stats, prev model.SummaryStats) string {
	costDay := cli.FormatCost(stats.CostPerDay) + "/day"
	if prev.CostPerDay > 0 {
		delta := stats.CostPerDay - prev.CostPerDay
		sign := "+"
		if delta < 0 {
			sign, delta = "-", -delta
		}
		costDay += fmt.Sprintf("  (%s%s vs prev %dd)", sign, cli.FormatCost(delta), flagHistoryDays)
	}

	rows := [][]string{
		{"Calls", cli.FormatNumber(int64(stats.Calls))},
		{"Errors", cli.FormatNumber(int64(stats.Errors))},
		{"Rate limited", cli.FormatNumber(int64(stats.RateLimited))},
		{"Active days", cli.FormatNumber(int64(stats.ActiveDays))},
		{"---"},
		{"Input tokens", cli.FormatTokens(stats.InputTokens)},
		{"Output tokens", cli.FormatTokens(stats.OutputTokens)},
		{"Total tokens", cli.FormatTokens(stats.TotalTokens)},
		{"Estimated share", cli.FormatPercent(stats.EstimatedShare)},
		{"---"},
		{"Cost", cli.FormatCost(stats.EstimatedCost)},
		{"Cost/day", costDay},
		{"Tokens/day", cli.FormatTokens(stats.TokensPerDay)},
		{"Calls/day", fmt.Sprintf("%.1f", stats.CallsPerDay)},
		{"Avg latency", cli.FormatLatency(stats.AvgLatencyMs)},
	}
	return cli.RenderTable(cli.Table{
		Headers: []string{"Metric", "Value"},
		Rows:    rows,
	})
}

func renderDays(days []model.DailyStats) string {
	rows := make([][]string, 0, len(days))
	for _, d := range days {
		rows = append(rows, []string{
			d.Date.Format("2006-01-02 Mon"),
			cli.FormatNumber(int64(d.Calls)),
			cli.FormatNumber(int64(d.Errors)),
			cli.FormatTokens(d.InputTokens),
			cli.FormatTokens(d.OutputTokens),
			cli.FormatCost(d.EstimatedCost),
		})
	}
	return cli.RenderTable(cli.Table{
		Headers: []string{"Date", "Calls", "Errors", "Input", "Output", "Cost"},
		Rows:    rows,
	})
}

func renderModels(models []model.ModelStats) string {
	rows := make([][]string, 0, len(models))
	for _, ms := range models {
		rows = append(rows, []string{
			ms.Provider + "/" + ms.Model,
			cli.FormatNumber(int64(ms.Calls)),
			cli.FormatTokens(ms.InputTokens),
			cli.FormatTokens(ms.OutputTokens),
			cli.FormatCost(ms.EstimatedCost),
			fmt.Sprintf("%.1f%%", ms.SharePercent),
		})
	}
	return cli.RenderTable(cli.Table{
		Headers: []string{"Model", "Calls", "Input", "Output", "Cost", "Share"},
		Rows:    rows,
	})
}

func renderTools(tools []model.ToolStats) string {
	if len(tools) == 0 {
		return "  No tool calls recorded.\n"
	}
	peak := float64(tools[0].Calls)
	rows := make([][]string, 0, len(tools))
	for _, ts := range tools {
		rows = append(rows, []string{
			ts.Tool,
			cli.FormatNumber(int64(ts.Calls)),
			cli.RenderBar(float64(ts.Calls), peak, 30),
		})
	}
	return cli.RenderTable(cli.Table{
		Headers: []string{"Tool", "Calls", ""},
		Widths:  []int{maxToolWidth(tools), 7, 30},
		Rows:    rows,
	})
}

func maxToolWidth(tools []model.ToolStats) int {
	w := len("Tool")
	for _, t := range tools {
		w = max(w, len(t.Tool))
	}
	return w
}

func renderHours(hours []model.HourlyStats) string {
	var b strings.Builder

	peakCalls := 0
	peakHour := 0
	values := make([]float64, 0, len(hours))
	for _, h := range hours {
		values = append(values, float64(h.Calls))
		if h.Calls > peakCalls {
			peakCalls, peakHour = h.Calls, h.Hour
		}
	}

	for _, h := range hours {
		fmt.Fprintf(&b, "  %02d:00 │ %6s │ %s\n",
			h.Hour, cli.FormatNumber(int64(h.Calls)), cli.RenderBar(float64(h.Calls), float64(peakCalls), 40))
	}
	fmt.Fprintf(&b, "\n  %s\n", cli.RenderSparkline(values))
	fmt.Fprintf(&b, "  Peak: %02d:00 (%s calls, local time)\n", peakHour, cli.FormatNumber(int64(peakCalls)))
	return b.String()
}

func renderCosts(totals pipeline.TokenTypeCosts, providers []pipeline.ProviderCostBreakdown) string {
	rows := make([][]string, 0, len(providers)+2)
	for _, p := range providers {
		rows = append(rows, []string{
			p.Provider,
			cli.FormatNumber(int64(p.Calls)),
			cli.FormatCost(p.InputCost),
			cli.FormatCost(p.OutputCost),
			cli.FormatCost(p.TotalCost),
		})
	}
	rows = append(rows, []string{"---"}, []string{
		"Total", "",
		cli.FormatCost(totals.InputCost),
		cli.FormatCost(totals.OutputCost),
		cli.FormatCost(totals.TotalCost),
	})

	out := cli.RenderTable(cli.Table{
		Headers: []string{"Provider", "Calls", "Input", "Output", "Total"},
		Rows:    rows,
	})
	if totals.Unpriced > 0 {
		out += fmt.Sprintf("\n  %s %d calls used models without pricing and count as $0.\n",
			cli.Muted("note:"), totals.Unpriced)
	}
	return out
}

func runHistoryPrune(_ *cobra.Command, _ []string) error {
	if flagPruneOlderThan <= 0 {
		return errors.New("--older-than must be positive")
	}
	db, err := store.Open(store.DefaultPath(config.Dir()))
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	cutoff := time.Now().AddDate(0, 0, -flagPruneOlderThan)
	n, err := db.PruneBefore(cutoff)
	if err != nil {
		return err
	}
	fmt.Printf("  Deleted %s records older than %s\n", cli.FormatNumber(n), cutoff.Format("2006-01-02"))
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
