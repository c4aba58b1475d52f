// Package source tails agent gateway logs and parses them into typed events.
package source

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/agentpulse/agentpulse/internal/model"
)

// Byte patterns for the cheap pre-filter. A JSON line containing none of
// them cannot produce an event, so it is skipped without decoding.
var (
	patEmbeddedRun = []byte("embedded run")
	patToolsTag    = []byte("[tools]")
	patErrorUpper  = []byte("RROR")
	patErrorLower  = []byte("rror")
	patTokenish    = []byte("oken") // tokens, TokenCount, input_tokens, ...
)

// envelope is the JSON shape of one gateway log line.
type envelope struct {
	Subsystem json.RawMessage `json:"0"`
	Message   json.RawMessage `json:"1"`
	Meta      struct {
		Date         string `json:"date"`
		LogLevelName string `json:"logLevelName"`
	} `json:"_meta"`
}

// field is a key=value token a marker grammar accepts.
type field struct {
	key      string
	required bool
	numeric  bool
}

// matcher recognizes one textual marker and builds an event from its fields.
type matcher struct {
	kind   model.EventKind
	marker string
	fields []field
	build  func(ev *model.LogEvent, vals map[string]string, nums map[string]int64)
}

type matchResult int

const (
	noMatch matchResult = iota
	matched
	invalid
)

// markerMatchers are tried in order; the first marker found in the message wins.
var markerMatchers = []matcher{
	{
		kind:   model.KindRunStart,
		marker: "embedded run start:",
		fields: []field{{key: "runId", required: true}, {key: "sessionId"}, {key: "provider"}, {key: "model"}, {key: "thinking"}, {key: "messageChannel"}},
		build: func(ev *model.LogEvent, v map[string]string, _ map[string]int64) {
			ev.RunID, ev.SessionID, ev.Provider, ev.Model = v["runId"], v["sessionId"], v["provider"], v["model"]
		},
	},
	{
		kind:   model.KindPromptEnd,
		marker: "embedded run prompt end:",
		fields: []field{{key: "runId", required: true}, {key: "sessionId"}, {key: "durationMs", required: true, numeric: true}},
		build: func(ev *model.LogEvent, v map[string]string, n map[string]int64) {
			ev.RunID, ev.SessionID, ev.DurationMs = v["runId"], v["sessionId"], n["durationMs"]
		},
	},
	{
		kind:   model.KindToolStart,
		marker: "embedded run tool start:",
		fields: []field{{key: "runId", required: true}, {key: "tool", required: true}, {key: "toolCallId"}},
		build: func(ev *model.LogEvent, v map[string]string, _ map[string]int64) {
			ev.RunID, ev.Tool, ev.ToolCallID = v["runId"], v["tool"], v["toolCallId"]
		},
	},
	{
		kind:   model.KindToolEnd,
		marker: "embedded run tool end:",
		fields: []field{{key: "runId", required: true}, {key: "tool", required: true}, {key: "toolCallId"}},
		build: func(ev *model.LogEvent, v map[string]string, _ map[string]int64) {
			ev.RunID, ev.Tool, ev.ToolCallID = v["runId"], v["tool"], v["toolCallId"]
		},
	},
	{
		kind:   model.KindRunDone,
		marker: "embedded run done:",
		fields: []field{{key: "runId", required: true}, {key: "sessionId"}, {key: "durationMs", required: true, numeric: true}, {key: "aborted"}},
		build: func(ev *model.LogEvent, v map[string]string, n map[string]int64) {
			ev.RunID, ev.SessionID, ev.DurationMs = v["runId"], v["sessionId"], n["durationMs"]
			ev.Aborted = v["aborted"] == "true"
		},
	},
	{
		kind:   model.KindAgentEnd,
		marker: "embedded run agent end:",
		fields: []field{{key: "runId", required: true}, {key: "sessionId"}},
		build: func(ev *model.LogEvent, v map[string]string, _ map[string]int64) {
			ev.RunID, ev.SessionID = v["runId"], v["sessionId"]
		},
	},
}

// toolFailedRe matches "[tools] <name> failed: <free text>".
var toolFailedRe = regexp.MustCompile(`\[tools\]\s+(\S+)\s+failed:\s*(.*)$`)

// usageFragmentRe matches bare usage pairs such as
// `"prompt_tokens": 500, "completion_tokens": 200`.
var usageFragmentRe = regexp.MustCompile(`(?i)"(?:prompt|input)[_ ]?tokens?":\s*(\d+).*?"(?:completion|output)[_ ]?tokens?":\s*(\d+)`)

// ParseLine turns one raw log line into an event. It reports false for
// empty, malformed or uninteresting lines and never panics.
func ParseLine(line string) (model.LogEvent, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return model.LogEvent{}, false
	}
	if line[0] == '{' {
		return parseEnvelopeLine([]byte(line))
	}
	return parseLegacyLine(line)
}

func parseEnvelopeLine(raw []byte) (model.LogEvent, bool) {
	if !bytes.Contains(raw, patEmbeddedRun) &&
		!bytes.Contains(raw, patToolsTag) &&
		!bytes.Contains(raw, patErrorUpper) &&
		!bytes.Contains(raw, patErrorLower) &&
		!bytes.Contains(raw, patTokenish) {
		return model.LogEvent{}, false
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return model.LogEvent{}, false
	}

	msg := rawString(env.Message)
	base := model.LogEvent{
		Timestamp: parseTimestamp(env.Meta.Date),
		Subsystem: subsystemName(env.Subsystem),
		LogLevel:  env.Meta.LogLevelName,
	}
	return classifyMessage(base, msg)
}

// classifyMessage applies, in priority order: structural markers, the tool
// failure marker, the ERROR level, and embedded usage data.
func classifyMessage(base model.LogEvent, msg string) (model.LogEvent, bool) {
	for _, m := range markerMatchers {
		ev := base
		switch m.apply(msg, &ev) {
		case matched:
			return ev, true
		case invalid:
			return model.LogEvent{}, false
		}
	}

	if sm := toolFailedRe.FindStringSubmatch(msg); sm != nil {
		ev := base
		ev.Kind = model.KindToolError
		ev.Tool = sm[1]
		ev.Error = strings.TrimSpace(sm[2])
		return ev, true
	}

	if strings.EqualFold(base.LogLevel, "ERROR") {
		ev := base
		ev.Kind = model.KindGenericError
		ev.Error = msg
		ev.RateLimited = isRateLimitText(msg)
		return ev, true
	}

	if u, ok := usageFromText(msg); ok {
		ev := base
		ev.Kind = model.KindUsage
		ev.Model = u.Model
		ev.InputTokens = u.InputTokens
		ev.OutputTokens = u.OutputTokens
		ev.TokenSource = model.SourceExact
		return ev, true
	}

	return model.LogEvent{}, false
}

// apply looks for the marker and extracts its key=value grammar. Values are
// whitespace-free tokens; unknown keys are ignored. A missing required key
// or a non-numeric numeric field invalidates the line.
func (m matcher) apply(msg string, ev *model.LogEvent) matchResult {
	idx := strings.Index(msg, m.marker)
	if idx < 0 {
		return noMatch
	}

	allowed := make(map[string]field, len(m.fields))
	for _, f := range m.fields {
		allowed[f.key] = f
	}

	vals := make(map[string]string, len(m.fields))
	for _, tok := range strings.Fields(msg[idx+len(m.marker):]) {
		k, v, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		if _, known := allowed[k]; known {
			vals[k] = v
		}
	}

	nums := make(map[string]int64)
	for _, f := range m.fields {
		v, present := vals[f.key]
		if f.required && (!present || v == "") {
			return invalid
		}
		if f.numeric && present {
			n, err := strconv.ParseUint(v, 10, 63)
			if err != nil {
				return invalid
			}
			nums[f.key] = int64(n)
		}
	}

	ev.Kind = m.kind
	m.build(ev, vals, nums)
	return matched
}

// usageFromText finds usage data embedded in a free-text message, either as
// a JSON object or as a bare "prompt_tokens"/"completion_tokens" fragment.
func usageFromText(msg string) (model.RawUsage, bool) {
	if i := strings.IndexByte(msg, '{'); i >= 0 {
		var obj map[string]any
		dec := json.NewDecoder(strings.NewReader(msg[i:]))
		dec.UseNumber()
		if err := dec.Decode(&obj); err == nil {
			if u, ok := ExtractUsage(obj); ok {
				return u, true
			}
		}
	}

	sm := usageFragmentRe.FindStringSubmatch(msg)
	if sm == nil {
		return model.RawUsage{}, false
	}
	in, err1 := strconv.ParseUint(sm[1], 10, 63)
	out, err2 := strconv.ParseUint(sm[2], 10, 63)
	if err1 != nil || err2 != nil {
		return model.RawUsage{}, false
	}
	return model.RawUsage{Shape: model.ShapeOpenAI, InputTokens: int64(in), OutputTokens: int64(out)}, true
}

// rawString decodes a JSON string, falling back to the raw text for other
// JSON values.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// subsystemName accepts either a plain name or a JSON-encoded object with a
// "subsystem" key.
func subsystemName(raw json.RawMessage) string {
	s := rawString(raw)
	if strings.HasPrefix(s, "{") {
		var obj struct {
			Subsystem string `json:"subsystem"`
		}
		if err := json.Unmarshal([]byte(s), &obj); err == nil && obj.Subsystem != "" {
			return obj.Subsystem
		}
	}
	return s
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTimestamp returns the zero time when s is not a recognized format.
func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func isRateLimitText(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, "rate") && strings.Contains(lower, "limit")
}
