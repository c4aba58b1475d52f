package source

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/agentpulse/agentpulse/internal/model"
)

// ExtractUsage reads token usage from a decoded provider response. It
// understands OpenAI (usage.prompt_tokens), Anthropic (usage.input_tokens),
// Gemini (usageMetadata) and Cohere (meta.tokens) shapes, and splits a bare
// usage.total_tokens 70/30 between input and output. It reports false when
// no usage is present.
func ExtractUsage(data map[string]any) (model.RawUsage, bool) {
	if len(data) == 0 {
		return model.RawUsage{}, false
	}
	modelName, _ := data["model"].(string)

	if usage, ok := data["usage"].(map[string]any); ok {
		if u, ok := usageFromBlock(usage); ok {
			u.Model = modelName
			return u, true
		}
	}

	if meta, ok := data["usageMetadata"].(map[string]any); ok {
		in, hasIn := toInt64(meta["promptTokenCount"])
		out, hasOut := toInt64(meta["candidatesTokenCount"])
		if hasIn || hasOut {
			return model.RawUsage{Shape: model.ShapeGemini, Model: modelName, InputTokens: in, OutputTokens: out}, true
		}
		if total, ok := toInt64(meta["totalTokenCount"]); ok {
			in, out := SplitTotal(total)
			return model.RawUsage{Shape: model.ShapeTotal, Model: modelName, InputTokens: in, OutputTokens: out}, true
		}
	}

	if meta, ok := data["meta"].(map[string]any); ok {
		for _, key := range []string{"tokens", "billed_units"} {
			block, ok := meta[key].(map[string]any)
			if !ok {
				continue
			}
			in, hasIn := toInt64(block["input_tokens"])
			out, hasOut := toInt64(block["output_tokens"])
			if hasIn || hasOut {
				return model.RawUsage{Shape: model.ShapeCohere, Model: modelName, InputTokens: in, OutputTokens: out}, true
			}
		}
	}

	return model.RawUsage{}, false
}

// ExtractUsageJSON is ExtractUsage over a raw JSON body.
func ExtractUsageJSON(body []byte) (model.RawUsage, bool) {
	var data map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return model.RawUsage{}, false
	}
	return ExtractUsage(data)
}

func usageFromBlock(usage map[string]any) (model.RawUsage, bool) {
	if in, ok := toInt64(usage["prompt_tokens"]); ok {
		out, _ := toInt64(usage["completion_tokens"])
		if in > 0 || out > 0 {
			return model.RawUsage{Shape: model.ShapeOpenAI, InputTokens: in, OutputTokens: out}, true
		}
	}
	inA, hasIn := toInt64(usage["input_tokens"])
	outA, hasOut := toInt64(usage["output_tokens"])
	if (hasIn || hasOut) && (inA > 0 || outA > 0) {
		return model.RawUsage{Shape: model.ShapeAnthropic, InputTokens: inA, OutputTokens: outA}, true
	}
	if out, ok := toInt64(usage["completion_tokens"]); ok && out > 0 {
		return model.RawUsage{Shape: model.ShapeOpenAI, OutputTokens: out}, true
	}
	if total, ok := toInt64(usage["total_tokens"]); ok && total > 0 {
		in, out := SplitTotal(total)
		return model.RawUsage{Shape: model.ShapeTotal, InputTokens: in, OutputTokens: out}, true
	}
	return model.RawUsage{}, false
}

// SplitTotal divides a total token count 70/30 between input and output.
// The two halves always sum to total.
func SplitTotal(total int64) (in, out int64) {
	in = total/10*7 + total%10*7/10
	return in, total - in
}

// toInt64 converts a decoded JSON number. Negative and fractional values are
// rejected.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil || i < 0 {
			return 0, false
		}
		return i, true
	case float64:
		if n < 0 || n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case int:
		return int64(n), n >= 0
	case int64:
		return n, n >= 0
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil || i < 0 {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

// Int64Field reads a non-negative integer field from a decoded JSON object.
func Int64Field(m map[string]any, key string) (int64, bool) {
	if m == nil {
		return 0, false
	}
	return toInt64(m[key])
}
