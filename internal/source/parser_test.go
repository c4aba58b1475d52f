package source

import (
	"strings"
	"testing"

	"github.com/agentpulse/agentpulse/internal/model"
)

// envLine wraps a message in the gateway's JSON log envelope.
func envLine(subsystem, level, msg string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `{"0":"` + r.Replace(subsystem) + `","1":"` + r.Replace(msg) +
		`","_meta":{"date":"2025-06-01T10:00:00.000Z","logLevelName":"` + level + `"}}`
}

func mustParse(t *testing.T, line string) model.LogEvent {
	t.Helper()
	ev, ok := ParseLine(line)
	if !ok {
		t.Fatalf("ParseLine(%q) returned no event", line)
	}
	return ev
}

func TestParseLine_RunStart(t *testing.T) {
	ev := mustParse(t, envLine("agent/embedded", "DEBUG",
		"embedded run start: runId=abc123 sessionId=s1 provider=anthropic model=claude-haiku-4-5 thinking=off messageChannel=web"))

	if ev.Kind != model.KindRunStart {
		t.Fatalf("Kind = %v, want run_start", ev.Kind)
	}
	if ev.RunID != "abc123" || ev.SessionID != "s1" {
		t.Errorf("RunID/SessionID = %q/%q", ev.RunID, ev.SessionID)
	}
	if ev.Provider != "anthropic" || ev.Model != "claude-haiku-4-5" {
		t.Errorf("Provider/Model = %q/%q", ev.Provider, ev.Model)
	}
	if ev.Subsystem != "agent/embedded" {
		t.Errorf("Subsystem = %q", ev.Subsystem)
	}
	if ev.Timestamp.IsZero() || ev.Timestamp.Hour() != 10 {
		t.Errorf("Timestamp = %v", ev.Timestamp)
	}
}

func TestParseLine_PromptEnd(t *testing.T) {
	ev := mustParse(t, envLine("agent/embedded", "DEBUG",
		"embedded run prompt end: runId=abc123 sessionId=s1 durationMs=5000"))

	if ev.Kind != model.KindPromptEnd {
		t.Fatalf("Kind = %v, want prompt_end", ev.Kind)
	}
	if ev.DurationMs != 5000 {
		t.Errorf("DurationMs = %d, want 5000", ev.DurationMs)
	}
}

func TestParseLine_RunDone(t *testing.T) {
	// Subsystem may arrive as a JSON-encoded object.
	line := `{"0":"{\"subsystem\":\"agent/embedded\"}","1":"embedded run done: runId=abc123 sessionId=s1 durationMs=7000 aborted=false","_meta":{"date":"2025-06-01T10:00:07Z","logLevelName":"DEBUG"}}`
	ev := mustParse(t, line)

	if ev.Kind != model.KindRunDone {
		t.Fatalf("Kind = %v, want run_done", ev.Kind)
	}
	if ev.Aborted {
		t.Error("Aborted = true, want false")
	}
	if ev.DurationMs != 7000 {
		t.Errorf("DurationMs = %d, want 7000", ev.DurationMs)
	}
	if ev.Subsystem != "agent/embedded" {
		t.Errorf("Subsystem = %q, want agent/embedded", ev.Subsystem)
	}
}

func TestParseLine_ToolEvents(t *testing.T) {
	tests := []struct {
		msg  string
		kind model.EventKind
	}{
		{"embedded run tool start: runId=abc123 tool=exec toolCallId=tc1", model.KindToolStart},
		{"embedded run tool end: runId=abc123 tool=exec toolCallId=tc1", model.KindToolEnd},
		{"embedded run agent end: runId=abc123 sessionId=s1", model.KindAgentEnd},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			ev := mustParse(t, envLine("agent/embedded", "DEBUG", tt.msg))
			if ev.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", ev.Kind, tt.kind)
			}
			if ev.RunID != "abc123" {
				t.Errorf("RunID = %q", ev.RunID)
			}
			if tt.kind != model.KindAgentEnd && ev.Tool != "exec" {
				t.Errorf("Tool = %q, want exec", ev.Tool)
			}
		})
	}
}

func TestParseLine_ToolError(t *testing.T) {
	ev := mustParse(t, envLine("tools", "ERROR", "[tools] exec failed: file not found"))

	if ev.Kind != model.KindToolError {
		t.Fatalf("Kind = %v, want tool_error", ev.Kind)
	}
	if ev.Tool != "exec" {
		t.Errorf("Tool = %q, want exec", ev.Tool)
	}
	if !strings.Contains(ev.Error, "file not found") {
		t.Errorf("Error = %q, want it to mention file not found", ev.Error)
	}
}

func TestParseLine_ErrorLevel(t *testing.T) {
	ev := mustParse(t, envLine("gateway", "ERROR", "provider request failed with status 500"))
	if ev.Kind != model.KindGenericError {
		t.Fatalf("Kind = %v, want error", ev.Kind)
	}
	if ev.RateLimited {
		t.Error("RateLimited = true for a plain error")
	}

	ev = mustParse(t, envLine("gateway", "error", "Rate limit exceeded, retry later"))
	if ev.Kind != model.KindGenericError || !ev.RateLimited {
		t.Errorf("got kind=%v rateLimited=%v, want rate-limited error", ev.Kind, ev.RateLimited)
	}
}

func TestParseLine_Usage(t *testing.T) {
	ev := mustParse(t, envLine("gateway", "INFO", `response usage "prompt_tokens": 500, "completion_tokens": 200`))
	if ev.Kind != model.KindUsage {
		t.Fatalf("Kind = %v, want usage", ev.Kind)
	}
	if ev.InputTokens != 500 || ev.OutputTokens != 200 {
		t.Errorf("tokens = %d/%d, want 500/200", ev.InputTokens, ev.OutputTokens)
	}
	if ev.TokenSource != model.SourceExact {
		t.Errorf("TokenSource = %q, want exact", ev.TokenSource)
	}

	ev = mustParse(t, envLine("gateway", "INFO", `llm response: {"model":"gpt-4o","usage":{"prompt_tokens":10,"completion_tokens":5}}`))
	if ev.Model != "gpt-4o" || ev.InputTokens != 10 || ev.OutputTokens != 5 {
		t.Errorf("got model=%q tokens=%d/%d", ev.Model, ev.InputTokens, ev.OutputTokens)
	}
}

func TestParseLine_Rejects(t *testing.T) {
	lines := map[string]string{
		"empty":              "",
		"whitespace":         "   \t ",
		"invalid json":       `{"0":"agent","1":"embedded run start: runId=x`,
		"not json":           "hello world",
		"uninteresting":      envLine("gateway", "DEBUG", "heartbeat ok"),
		"missing runId":      envLine("agent/embedded", "DEBUG", "embedded run start: sessionId=s1"),
		"non-numeric":        envLine("agent/embedded", "DEBUG", "embedded run prompt end: runId=abc durationMs=fast"),
		"negative duration":  envLine("agent/embedded", "DEBUG", "embedded run done: runId=abc durationMs=-5"),
		"missing durationMs": envLine("agent/embedded", "DEBUG", "embedded run done: runId=abc"),
	}
	for name, line := range lines {
		t.Run(name, func(t *testing.T) {
			if ev, ok := ParseLine(line); ok {
				t.Errorf("ParseLine(%q) = %+v, want no event", line, ev)
			}
		})
	}
}

func TestParseLine_LegacyModelLine(t *testing.T) {
	ev := mustParse(t, "2025-01-01T00:00:00.000Z [gateway] agent model: anthropic/claude-sonnet-4-5 input_tokens=1200 output_tokens=300 latency: 850")

	if ev.Kind != model.KindUsage {
		t.Fatalf("Kind = %v, want usage", ev.Kind)
	}
	if ev.Provider != "anthropic" || ev.Model != "anthropic/claude-sonnet-4-5" {
		t.Errorf("Provider/Model = %q/%q", ev.Provider, ev.Model)
	}
	if ev.InputTokens != 1200 || ev.OutputTokens != 300 {
		t.Errorf("tokens = %d/%d, want 1200/300", ev.InputTokens, ev.OutputTokens)
	}
	if ev.LatencyMs == nil || *ev.LatencyMs != 850 {
		t.Errorf("LatencyMs = %v, want 850", ev.LatencyMs)
	}
	if ev.TokenSource != model.SourceExact {
		t.Errorf("TokenSource = %q, want exact", ev.TokenSource)
	}
}

func TestParseLine_LegacyModelLineEstimates(t *testing.T) {
	ev := mustParse(t, "2025-01-01T00:00:00.000Z [gateway] agent model: gpt-4o")

	if ev.Provider != "unknown" {
		t.Errorf("Provider = %q, want unknown", ev.Provider)
	}
	if ev.TokenSource != model.SourceEstimated {
		t.Errorf("TokenSource = %q, want estimated", ev.TokenSource)
	}
	if ev.InputTokens != 100 || ev.OutputTokens != 50 {
		t.Errorf("tokens = %d/%d, want floor estimate 100/50", ev.InputTokens, ev.OutputTokens)
	}
}

func TestParseLine_LegacyError(t *testing.T) {
	ev := mustParse(t, "2025-01-01T00:00:00.000Z [gateway] rate limit hit for provider minimax")
	if ev.Kind != model.KindGenericError || !ev.RateLimited {
		t.Errorf("got kind=%v rateLimited=%v", ev.Kind, ev.RateLimited)
	}

	ev = mustParse(t, "2025-01-01T00:00:00.000Z [gateway] timeout waiting for upstream")
	if ev.Kind != model.KindGenericError || ev.RateLimited {
		t.Errorf("got kind=%v rateLimited=%v", ev.Kind, ev.RateLimited)
	}
	if ev.Provider != "unknown" || ev.Model != "unknown" {
		t.Errorf("Provider/Model = %q/%q, want unknown/unknown", ev.Provider, ev.Model)
	}
}

func TestParseLine_LegacyCountOverflow(t *testing.T) {
	lines := []string{
		"2025-01-01T00:00:00.000Z [gateway] usage total_tokens=99999999999999999999",
		"2025-01-01T00:00:00.000Z [gateway] usage input_tokens=99999999999999999999 output_tokens=5",
		"2025-01-01T00:00:00.000Z [gateway] agent model: openai/gpt-4o output_tokens=99999999999999999999",
	}
	for _, line := range lines {
		if ev, ok := ParseLine(line); ok {
			t.Errorf("ParseLine(%q) = %+v, want no event", line, ev)
		}
	}
}

func TestParseLine_LegacyUsageTotal(t *testing.T) {
	ev := mustParse(t, "2025-01-01T00:00:00.000Z [gateway] usage total_tokens=1000")
	if ev.InputTokens != 700 || ev.OutputTokens != 300 {
		t.Errorf("tokens = %d/%d, want 700/300", ev.InputTokens, ev.OutputTokens)
	}
	if _, ok := ParseLine("2025-01-01T00:00:00.000Z [gateway] usage report pending"); ok {
		t.Error("usage line without counts produced an event")
	}
}

// FuzzParseLine checks that arbitrary input never panics and that any event
// produced has a known kind.
func FuzzParseLine(f *testing.F) {
	f.Add(envLine("agent/embedded", "DEBUG", "embedded run start: runId=a sessionId=b"))
	f.Add(envLine("tools", "ERROR", "[tools] exec failed: boom"))
	f.Add(envLine("gateway", "INFO", `"prompt_tokens": 1, "completion_tokens": 2`))
	f.Add("2025-01-01T00:00:00.000Z [gateway] agent model: x/y tokens=5")
	f.Add(`{"0":1,"1":{"a":2},"_meta":null}`)
	f.Add("")

	f.Fuzz(func(t *testing.T, line string) {
		ev, ok := ParseLine(line)
		if !ok {
			return
		}
		if ev.Kind < model.KindRunStart || ev.Kind > model.KindGenericError {
			t.Fatalf("unexpected kind %d", ev.Kind)
		}
		if ev.InputTokens < 0 || ev.OutputTokens < 0 {
			t.Fatalf("negative tokens %d/%d", ev.InputTokens, ev.OutputTokens)
		}
	})
}
