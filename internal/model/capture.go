package model

import "time"

// TokenCapture is an exact request/response snapshot taken by intercepting
// a provider call. A capture is consumed at most once.
type TokenCapture struct {
	ID             string
	CapturedAt     time.Time
	Provider       string
	Model          string
	InputTokens    int64
	OutputTokens   int64
	PromptMessages []Message
	ResponseText   string
	Claimed        bool
}

// Response shapes recognized by usage normalizers.
const (
	ShapeOpenAI    = "openai"
	ShapeAnthropic = "anthropic"
	ShapeGemini    = "gemini"
	ShapeCohere    = "cohere"
	ShapeTotal     = "total_only"
	ShapeUnknown   = "unknown"
)

// RawUsage is the provider-neutral result of normalizing a response.
type RawUsage struct {
	Shape        string
	Model        string
	InputTokens  int64
	OutputTokens int64
	ResponseText string
	ToolsUsed    []string
}

// Known reports whether the usage came from a recognized shape.
func (u RawUsage) Known() bool {
	return u.Shape != "" && u.Shape != ShapeUnknown
}
