package capture

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"

	"github.com/agentpulse/agentpulse/internal/model"
	"github.com/agentpulse/agentpulse/internal/source"
)

// MaxContentChars caps each captured prompt message.
const MaxContentChars = 2000

// Exchange is one intercepted request/response pair.
type Exchange struct {
	Provider  string
	Request   []byte
	Response  []byte
	Streaming bool
}

// DecodeRequest parses a request body. It returns nil for anything that is
// not a JSON object.
func DecodeRequest(body []byte) map[string]any {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil
	}
	return m
}

// IsStreaming reports whether a decoded request asked for a streamed reply.
func IsStreaming(req map[string]any) bool {
	v, _ := req["stream"].(bool)
	return v
}

// Build turns an exchange into a capture. It reports false when the request
// body is not a JSON object.
func Build(ex Exchange) (model.TokenCapture, bool) {
	req := DecodeRequest(ex.Request)
	if len(req) == 0 {
		return model.TokenCapture{}, false
	}
	c := model.TokenCapture{
		Provider:       ex.Provider,
		Model:          "unknown",
		PromptMessages: ExtractPrompt(ex.Provider, req),
	}
	if m, ok := req["model"].(string); ok && m != "" {
		c.Model = m
	}
	if ex.Streaming {
		c.ResponseText, c.InputTokens, c.OutputTokens = ExtractStream(ex.Provider, ex.Response)
	} else {
		c.ResponseText, c.InputTokens, c.OutputTokens = ExtractResponse(ex.Provider, ex.Response)
	}
	return c, true
}

// ExtractPrompt collects the prompt messages of a chat request. Anthropic
// requests contribute their system prompt first. Content given as a list of
// blocks is reduced to its text blocks joined by spaces.
func ExtractPrompt(provider string, req map[string]any) []model.Message {
	var msgs []model.Message
	if provider == "anthropic" {
		switch sys := req["system"].(type) {
		case string:
			if sys != "" {
				msgs = append(msgs, model.Message{Role: "system", Content: Truncate(sys)})
			}
		case []any:
			if text := joinTextBlocks(sys); text != "" {
				msgs = append(msgs, model.Message{Role: "system", Content: Truncate(text)})
			}
		}
	}

	list, _ := req["messages"].([]any)
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		if role == "" {
			role = "user"
		}
		var content string
		switch c := m["content"].(type) {
		case string:
			content = c
		case []any:
			content = joinTextBlocks(c)
		case nil:
		default:
			b, _ := json.Marshal(c)
			content = string(b)
		}
		msgs = append(msgs, model.Message{Role: role, Content: Truncate(content)})
	}
	return msgs
}

// ExtractResponse reads the reply text and token usage from a non-streaming
// response body.
func ExtractResponse(provider string, body []byte) (text string, in, out int64) {
	resp := DecodeRequest(body)
	if resp == nil {
		return "", 0, 0
	}

	if provider == "anthropic" {
		blocks, _ := resp["content"].([]any)
		var sb strings.Builder
		for _, b := range blocks {
			if block, ok := b.(map[string]any); ok && block["type"] == "text" {
				s, _ := block["text"].(string)
				sb.WriteString(s)
			}
		}
		text = sb.String()
	} else if choices, ok := resp["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if msg, ok := choice["message"].(map[string]any); ok {
				text, _ = msg["content"].(string)
			}
		}
	}

	if u, ok := source.ExtractUsage(resp); ok {
		in, out = u.InputTokens, u.OutputTokens
	}
	return text, in, out
}

// ExtractStream replays a buffered server-sent event stream, collecting text
// deltas and the usage reported along the way. Reading stops at [DONE].
func ExtractStream(provider string, body []byte) (text string, in, out int64) {
	var sb strings.Builder
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			break
		}
		ev := DecodeRequest([]byte(data))
		if ev == nil {
			continue
		}

		if provider == "anthropic" {
			switch ev["type"] {
			case "message_start":
				msg, _ := ev["message"].(map[string]any)
				usage, _ := msg["usage"].(map[string]any)
				if v, ok := source.Int64Field(usage, "input_tokens"); ok {
					in = v
				}
			case "content_block_delta":
				delta, _ := ev["delta"].(map[string]any)
				if delta["type"] == "text_delta" {
					s, _ := delta["text"].(string)
					sb.WriteString(s)
				}
			case "message_delta":
				usage, _ := ev["usage"].(map[string]any)
				if v, ok := source.Int64Field(usage, "output_tokens"); ok {
					out = v
				}
			}
			continue
		}

		if choices, ok := ev["choices"].([]any); ok && len(choices) > 0 {
			if choice, ok := choices[0].(map[string]any); ok {
				delta, _ := choice["delta"].(map[string]any)
				if s, ok := delta["content"].(string); ok {
					sb.WriteString(s)
				}
			}
		}
		if usage, ok := ev["usage"].(map[string]any); ok {
			if v, ok := firstPositive(usage, "prompt_tokens", "input_tokens"); ok {
				in = v
			}
			if v, ok := firstPositive(usage, "completion_tokens", "output_tokens"); ok {
				out = v
			}
		}
	}
	return sb.String(), in, out
}

func firstPositive(m map[string]any, keys ...string) (int64, bool) {
	for _, k := range keys {
		if v, ok := source.Int64Field(m, k); ok && v > 0 {
			return v, true
		}
	}
	return 0, false
}

func joinTextBlocks(blocks []any) string {
	var parts []string
	for _, b := range blocks {
		block, ok := b.(map[string]any)
		if !ok || block["type"] != "text" {
			continue
		}
		s, _ := block["text"].(string)
		parts = append(parts, s)
	}
	return strings.Join(parts, " ")
}

// Truncate cuts s to MaxContentChars runes.
func Truncate(s string) string {
	if len(s) <= MaxContentChars {
		return s
	}
	r := []rune(s)
	if len(r) <= MaxContentChars {
		return s
	}
	return string(r[:MaxContentChars])
}
