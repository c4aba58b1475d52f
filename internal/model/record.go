// Package model defines the telemetry types shared across agentpulse.
package model

import "time"

// Status is the outcome of a single LLM call.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusRateLimit Status = "rate_limit"
)

// Token source tags. They tell consumers how much to trust token counts.
const (
	SourceProxy     = "proxy"     // exact, captured from the local proxy
	SourceEstimated = "estimated" // derived from duration or content length
	SourceExact     = "exact"     // reported by the log line itself
	SourceSDK       = "sdk"       // reported by an instrumented client
)

// Message is one prompt message sent to a model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TelemetryRecord describes one completed LLM call. Fields prefixed with an
// underscore in their JSON name are local-only and stripped before sending.
type TelemetryRecord struct {
	ID             string    `json:"_id,omitempty"`
	TokenSource    string    `json:"_token_source,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	InputTokens    int64     `json:"input_tokens"`
	OutputTokens   int64     `json:"output_tokens"`
	CostUSD        float64   `json:"cost_usd"`
	LatencyMs      *int64    `json:"latency_ms"`
	Status         Status    `json:"status"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	TaskContext    string    `json:"task_context,omitempty"`
	ToolsUsed      []string  `json:"tools_used"`
	PromptMessages []Message `json:"prompt_messages"`
	ResponseText   string    `json:"response_text,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
}

// TotalTokens returns input plus output tokens.
func (r TelemetryRecord) TotalTokens() int64 {
	return r.InputTokens + r.OutputTokens
}

// Latency returns a pointer suitable for TelemetryRecord.LatencyMs.
func Latency(ms int64) *int64 {
	return &ms
}
