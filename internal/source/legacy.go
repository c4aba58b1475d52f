package source

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/agentpulse/agentpulse/internal/model"
)

// Plain-text gateway lines written by older agent releases, e.g.
//
//	2025-01-01T00:00:00.000Z [gateway] agent model: anthropic/claude-sonnet-4-5 latency: 1200
var (
	legacyModelRe = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}T[\d:.]+Z)\s+\[gateway\]\s+agent model:\s+(\S+)`)
	legacyErrorRe = regexp.MustCompile(`(?i)^(\d{4}-\d{2}-\d{2}T[\d:.]+Z)\s+\[gateway\]\s+(error|rate.limit|auth.error|timeout)`)
	legacyUsageRe = regexp.MustCompile(`(?i)^(\d{4}-\d{2}-\d{2}T[\d:.]+Z)\s+\[gateway\]\s+(?:usage|tokens|token_usage)`)
	legacyTSRe    = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}T[\d:.]+Z)`)

	latencyRe     = regexp.MustCompile(`(?i)(\d+)\s*ms|latency[:\s]+(\d+)`)
	tokenInputRe  = regexp.MustCompile(`(?i)(?:input|prompt|request)[_ ]?tokens?[:\s=]+(\d+)`)
	tokenOutputRe = regexp.MustCompile(`(?i)(?:output|completion|response)[_ ]?tokens?[:\s=]+(\d+)`)
	tokenTotalRe  = regexp.MustCompile(`(?i)(?:total[_ ])?tokens?[:\s=]+(\d+)`)
)

// legacyMatcher pairs a pattern with the function that builds its event.
type legacyMatcher struct {
	re    *regexp.Regexp
	build func(line string, sm []string) (model.LogEvent, bool)
}

var legacyMatchers = []legacyMatcher{
	{re: legacyModelRe, build: buildLegacyModel},
	{re: legacyErrorRe, build: buildLegacyError},
	{re: legacyUsageRe, build: buildLegacyUsage},
}

func parseLegacyLine(line string) (model.LogEvent, bool) {
	for _, m := range legacyMatchers {
		if sm := m.re.FindStringSubmatch(line); sm != nil {
			return m.build(line, sm)
		}
	}
	// Token counts on any other gateway line still count as usage.
	if strings.Contains(line, "[gateway]") {
		if sm := legacyTSRe.FindStringSubmatch(line); sm != nil {
			return buildLegacyUsage(line, sm)
		}
	}
	return model.LogEvent{}, false
}

func buildLegacyModel(line string, sm []string) (model.LogEvent, bool) {
	ev := model.LogEvent{
		Kind:        model.KindUsage,
		Timestamp:   parseTimestamp(sm[1]),
		Subsystem:   "gateway",
		Model:       sm[2],
		TokenSource: model.SourceExact,
	}
	if i := strings.IndexByte(ev.Model, '/'); i >= 0 {
		ev.Provider = ev.Model[:i]
	} else {
		ev.Provider = "unknown"
	}

	in, out, ok, err := tokensFromText(line)
	if err != nil {
		return model.LogEvent{}, false
	}
	if !ok {
		in, out = estimateFromContent(line)
		ev.TokenSource = model.SourceEstimated
	}
	ev.InputTokens, ev.OutputTokens = in, out

	if lm := latencyRe.FindStringSubmatch(line); lm != nil {
		v := lm[1]
		if v == "" {
			v = lm[2]
		}
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			ev.LatencyMs = model.Latency(ms)
		}
	}
	return ev, true
}

func buildLegacyError(line string, sm []string) (model.LogEvent, bool) {
	return model.LogEvent{
		Kind:        model.KindGenericError,
		Timestamp:   parseTimestamp(sm[1]),
		Subsystem:   "gateway",
		Provider:    "unknown",
		Model:       "unknown",
		Error:       line,
		RateLimited: isRateLimitText(sm[2]),
	}, true
}

func buildLegacyUsage(line string, sm []string) (model.LogEvent, bool) {
	in, out, ok, err := tokensFromText(line)
	if err != nil || !ok {
		return model.LogEvent{}, false
	}
	return model.LogEvent{
		Kind:         model.KindUsage,
		Timestamp:    parseTimestamp(sm[1]),
		Subsystem:    "gateway",
		InputTokens:  in,
		OutputTokens: out,
		TokenSource:  model.SourceExact,
	}, true
}

// tokensFromText pulls token counts out of free text: a JSON-style pair
// first, then separate input/output mentions, then a total split 70/30.
// A count that does not fit an int64 is an error.
func tokensFromText(s string) (in, out int64, ok bool, err error) {
	if sm := usageFragmentRe.FindStringSubmatch(s); sm != nil {
		if in, err = strconv.ParseInt(sm[1], 10, 64); err != nil {
			return 0, 0, false, err
		}
		if out, err = strconv.ParseInt(sm[2], 10, 64); err != nil {
			return 0, 0, false, err
		}
		return in, out, in > 0 || out > 0, nil
	}
	if sm := tokenInputRe.FindStringSubmatch(s); sm != nil {
		if in, err = strconv.ParseInt(sm[1], 10, 64); err != nil {
			return 0, 0, false, err
		}
	}
	if sm := tokenOutputRe.FindStringSubmatch(s); sm != nil {
		if out, err = strconv.ParseInt(sm[1], 10, 64); err != nil {
			return 0, 0, false, err
		}
	}
	if in > 0 || out > 0 {
		return in, out, true, nil
	}
	if sm := tokenTotalRe.FindStringSubmatch(s); sm != nil {
		total, err := strconv.ParseInt(sm[1], 10, 64)
		if err != nil {
			return 0, 0, false, err
		}
		if total > 0 {
			in, out = SplitTotal(total)
			return in, out, true, nil
		}
	}
	return 0, 0, false, nil
}

// estimateFromContent guesses tokens from line length when a model line
// carries no counts.
func estimateFromContent(line string) (in, out int64) {
	in = max(100, int64(len(line))/4)
	out = max(50, in/3)
	return in, out
}
