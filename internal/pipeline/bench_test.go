package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/agentpulse/agentpulse/internal/model"
)

func BenchmarkReplayFiles(b *testing.B) {
	dir := b.TempDir()
	var files []string
	for f := range 8 {
		var lines []string
		for r := range 500 {
			lines = append(lines, runLines(fmt.Sprintf("f%dr%d", f, r), "2025-06-01")...)
		}
		files = append(files, writeLog(b, dir, fmt.Sprintf("openclaw-2025-06-%02d.log", f+1), lines))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		res, err := ReplayFiles(context.Background(), files, ReplayOptions{}, nil)
		if err != nil {
			b.Fatal(err)
		}
		if len(res.Records) != 8*500 {
			b.Fatalf("got %d records", len(res.Records))
		}
	}
}

func BenchmarkAggregate(b *testing.B) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	models := []string{"claude-haiku-4-5", "gpt-4o", "MiniMax-M2.5", "gemini-2.5-pro"}
	recs := make([]model.TelemetryRecord, 0, 50_000)
	for i := range 50_000 {
		recs = append(recs, model.TelemetryRecord{
			Timestamp:    base.Add(time.Duration(i) * time.Minute),
			Provider:     "p",
			Model:        models[i%len(models)],
			InputTokens:  int64(100 + i%900),
			OutputTokens: int64(50 + i%400),
			CostUSD:      0.001,
			Status:       model.StatusSuccess,
			ToolsUsed:    []string{"exec"},
		})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Aggregate(recs, time.Time{}, time.Time{})
		_ = AggregateDays(recs, time.Time{}, time.Time{})
		_ = AggregateModels(recs, time.Time{}, time.Time{})
		_ = AggregateTools(recs, time.Time{}, time.Time{})
	}
}
