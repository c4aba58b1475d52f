package model

import "time"

// EventKind identifies the variant of a LogEvent.
type EventKind int

const (
	KindRunStart EventKind = iota + 1
	KindToolStart
	KindToolEnd
	KindToolError
	KindPromptEnd
	KindRunDone
	KindAgentEnd
	KindUsage
	KindGenericError
)

var kindNames = map[EventKind]string{
	KindRunStart:     "run_start",
	KindToolStart:    "tool_start",
	KindToolEnd:      "tool_end",
	KindToolError:    "tool_error",
	KindPromptEnd:    "prompt_end",
	KindRunDone:      "run_done",
	KindAgentEnd:     "agent_end",
	KindUsage:        "usage",
	KindGenericError: "error",
}

func (k EventKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// LogEvent is one typed observation parsed from a log line. Only the fields
// relevant to Kind are populated.
type LogEvent struct {
	Kind      EventKind
	Timestamp time.Time
	Subsystem string
	LogLevel  string

	RunID      string
	SessionID  string
	Provider   string
	Model      string
	Tool       string
	ToolCallID string

	DurationMs int64
	Aborted    bool

	// Usage
	InputTokens  int64
	OutputTokens int64
	LatencyMs    *int64
	TokenSource  string

	// ToolError / GenericError
	Error       string
	RateLimited bool
}
