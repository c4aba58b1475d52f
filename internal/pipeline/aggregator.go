// Package pipeline aggregates stored telemetry records into history views.
package pipeline

import (
	"sort"
	"strings"
	"time"

	"github.com/agentpulse/agentpulse/internal/model"
)

// Aggregate computes summary statistics from records within [since, until).
func Aggregate(records []model.TelemetryRecord, since, until time.Time) model.SummaryStats {
	filtered := FilterByTime(records, since, until)

	var stats model.SummaryStats
	activeDays := make(map[string]struct{})
	var latencySum int64
	latencyCount := 0
	estimated := 0

	for _, r := range filtered {
		stats.Calls++
		switch r.Status {
		case model.StatusError:
			stats.Errors++
		case model.StatusRateLimit:
			stats.RateLimited++
		}
		stats.InputTokens += r.InputTokens
		stats.OutputTokens += r.OutputTokens
		stats.EstimatedCost += r.CostUSD

		if r.LatencyMs != nil {
			latencySum += *r.LatencyMs
			latencyCount++
		}
		if r.TokenSource == model.SourceEstimated {
			estimated++
		}
		if !r.Timestamp.IsZero() {
			activeDays[r.Timestamp.Local().Format("2006-01-02")] = struct{}{}
		}
	}

	stats.TotalTokens = stats.InputTokens + stats.OutputTokens
	stats.ActiveDays = len(activeDays)
	if latencyCount > 0 {
		stats.AvgLatencyMs = float64(latencySum) / float64(latencyCount)
	}
	if stats.Calls > 0 {
		stats.EstimatedShare = float64(estimated) / float64(stats.Calls)
	}

	// Per-active-day rates
	if stats.ActiveDays > 0 {
		days := float64(stats.ActiveDays)
		stats.CostPerDay = stats.EstimatedCost / days
		stats.TokensPerDay = int64(float64(stats.TotalTokens) / days)
		stats.CallsPerDay = float64(stats.Calls) / days
	}

	return stats
}

// AggregateDays computes per-day statistics, most recent first. When both
// bounds are set, days without calls are included as zeros.
func AggregateDays(records []model.TelemetryRecord, since, until time.Time) []model.DailyStats {
	filtered := FilterByTime(records, since, until)

	dayMap := make(map[string]*model.DailyStats)

	for _, r := range filtered {
		if r.Timestamp.IsZero() {
			continue
		}
		dayKey := r.Timestamp.Local().Format("2006-01-02")
		ds, ok := dayMap[dayKey]
		if !ok {
			t, _ := time.ParseInLocation("2006-01-02", dayKey, time.Local)
			ds = &model.DailyStats{Date: t}
			dayMap[dayKey] = ds
		}

		ds.Calls++
		if r.Status != model.StatusSuccess {
			ds.Errors++
		}
		ds.InputTokens += r.InputTokens
		ds.OutputTokens += r.OutputTokens
		ds.EstimatedCost += r.CostUSD
	}

	// Fill in every day in the range so gaps show as zeros
	if !since.IsZero() && !until.IsZero() {
		day := startOfDay(since)
		end := until.Local()
		for day.Before(end) {
			dayKey := day.Format("2006-01-02")
			if _, ok := dayMap[dayKey]; !ok {
				dayMap[dayKey] = &model.DailyStats{Date: day}
			}
			day = day.AddDate(0, 0, 1)
		}
	}

	days := make([]model.DailyStats, 0, len(dayMap))
	for _, ds := range dayMap {
		days = append(days, *ds)
	}
	sort.Slice(days, func(i, j int) bool {
		return days[i].Date.After(days[j].Date)
	})

	return days
}

// AggregateModels computes per provider/model statistics, costliest first.
func AggregateModels(records []model.TelemetryRecord, since, until time.Time) []model.ModelStats {
	filtered := FilterByTime(records, since, until)

	modelMap := make(map[string]*model.ModelStats)
	totalCalls := 0

	for _, r := range filtered {
		key := r.Provider + "/" + r.Model
		ms, ok := modelMap[key]
		if !ok {
			ms = &model.ModelStats{Provider: r.Provider, Model: r.Model}
			modelMap[key] = ms
		}
		ms.Calls++
		ms.InputTokens += r.InputTokens
		ms.OutputTokens += r.OutputTokens
		ms.EstimatedCost += r.CostUSD
		totalCalls++
	}

	// Compute share percentages and sort by cost descending
	models := make([]model.ModelStats, 0, len(modelMap))
	for _, ms := range modelMap {
		if totalCalls > 0 {
			ms.SharePercent = float64(ms.Calls) / float64(totalCalls) * 100
		}
		models = append(models, *ms)
	}
	sort.Slice(models, func(i, j int) bool {
		if models[i].EstimatedCost != models[j].EstimatedCost {
			return models[i].EstimatedCost > models[j].EstimatedCost
		}
		if models[i].Calls != models[j].Calls {
			return models[i].Calls > models[j].Calls
		}
		return models[i].Provider+models[i].Model < models[j].Provider+models[j].Model
	})

	return models
}

// AggregateTools counts the calls each tool appeared in, most used first.
func AggregateTools(records []model.TelemetryRecord, since, until time.Time) []model.ToolStats {
	filtered := FilterByTime(records, since, until)

	counts := make(map[string]int)
	for _, r := range filtered {
		for _, tool := range r.ToolsUsed {
			counts[tool]++
		}
	}

	tools := make([]model.ToolStats, 0, len(counts))
	for name, n := range counts {
		tools = append(tools, model.ToolStats{Tool: name, Calls: n})
	}
	sort.Slice(tools, func(i, j int) bool {
		if tools[i].Calls != tools[j].Calls {
			return tools[i].Calls > tools[j].Calls
		}
		return tools[i].Tool < tools[j].Tool
	})
	return tools
}

// AggregateHourly computes call counts by local hour of day.
func AggregateHourly(records []model.TelemetryRecord, since, until time.Time) []model.HourlyStats {
	filtered := FilterByTime(records, since, until)

	hours := make([]model.HourlyStats, 24)
	for i := range hours {
		hours[i].Hour = i
	}

	for _, r := range filtered {
		if r.Timestamp.IsZero() {
			continue
		}
		h := r.Timestamp.Local().Hour()
		hours[h].Calls++
		hours[h].Tokens += r.TotalTokens()
	}

	return hours
}

// FilterByTime returns records whose timestamp falls within [since, until).
// Zero bounds are open.
func FilterByTime(records []model.TelemetryRecord, since, until time.Time) []model.TelemetryRecord {
	if since.IsZero() && until.IsZero() {
		return records
	}

	var result []model.TelemetryRecord
	for _, r := range records {
		if r.Timestamp.IsZero() {
			continue
		}
		if !since.IsZero() && r.Timestamp.Before(since) {
			continue
		}
		if !until.IsZero() && !r.Timestamp.Before(until) {
			continue
		}
		result = append(result, r)
	}
	return result
}

// FilterByProvider returns records whose provider matches exactly, ignoring case.
func FilterByProvider(records []model.TelemetryRecord, provider string) []model.TelemetryRecord {
	if provider == "" {
		return records
	}
	var result []model.TelemetryRecord
	for _, r := range records {
		if strings.EqualFold(r.Provider, provider) {
			result = append(result, r)
		}
	}
	return result
}

// FilterByModel returns records whose model contains the given substring.
func FilterByModel(records []model.TelemetryRecord, modelFilter string) []model.TelemetryRecord {
	if modelFilter == "" {
		return records
	}
	var result []model.TelemetryRecord
	for _, r := range records {
		if containsIgnoreCase(r.Model, modelFilter) {
			result = append(result, r)
		}
	}
	return result
}

// FilterByStatus returns records with the given status.
func FilterByStatus(records []model.TelemetryRecord, status model.Status) []model.TelemetryRecord {
	if status == "" {
		return records
	}
	var result []model.TelemetryRecord
	for _, r := range records {
		if r.Status == status {
			result = append(result, r)
		}
	}
	return result
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func startOfDay(t time.Time) time.Time {
	l := t.Local()
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, time.Local)
}
