package model

import "time"

// SummaryStats holds the top-level aggregate across telemetry records.
type SummaryStats struct {
	Calls       int
	Errors      int
	RateLimited int
	ActiveDays  int

	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64

	EstimatedCost float64
	AvgLatencyMs  float64

	// Share of records whose tokens were estimated rather than measured.
	EstimatedShare float64

	CostPerDay   float64
	TokensPerDay int64
	CallsPerDay  float64
}

// DailyStats holds metrics for a single calendar day.
type DailyStats struct {
	Date          time.Time
	Calls         int
	Errors        int
	InputTokens   int64
	OutputTokens  int64
	EstimatedCost float64
}

// ModelStats holds aggregated metrics for a single provider/model pair.
type ModelStats struct {
	Provider      string
	Model         string
	Calls         int
	InputTokens   int64
	OutputTokens  int64
	EstimatedCost float64
	SharePercent  float64
}

// ToolStats counts how often a tool appeared in LLM calls.
type ToolStats struct {
	Tool  string
	Calls int
}

// HourlyStats holds call counts for one hour of the day.
type HourlyStats struct {
	Hour   int
	Calls  int
	Tokens int64
}
