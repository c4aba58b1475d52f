package instrument

import (
	"bytes"
	"encoding/json"
	"slices"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentpulse/agentpulse/internal/model"
	"github.com/agentpulse/agentpulse/internal/source"
)

// Normalize reduces a response of any supported shape to RawUsage. It never
// fails: unsupported values come back as ShapeUnknown with zero usage.
func Normalize(response any) model.RawUsage {
	switch r := response.(type) {
	case openai.ChatCompletionResponse:
		return fromOpenAI(r)
	case *openai.ChatCompletionResponse:
		if r == nil {
			return model.RawUsage{Shape: model.ShapeUnknown}
		}
		return fromOpenAI(*r)
	case map[string]any:
		return fromMap(r)
	case json.RawMessage:
		return fromJSON(r)
	case []byte:
		return fromJSON(r)
	case string:
		return fromJSON([]byte(r))
	default:
		return model.RawUsage{Shape: model.ShapeUnknown}
	}
}

func fromOpenAI(r openai.ChatCompletionResponse) model.RawUsage {
	u := model.RawUsage{
		Shape:        model.ShapeOpenAI,
		Model:        r.Model,
		InputTokens:  int64(r.Usage.PromptTokens),
		OutputTokens: int64(r.Usage.CompletionTokens),
	}
	if u.InputTokens == 0 && u.OutputTokens == 0 && r.Usage.TotalTokens > 0 {
		u.Shape = model.ShapeTotal
		u.InputTokens, u.OutputTokens = source.SplitTotal(int64(r.Usage.TotalTokens))
	}
	if len(r.Choices) > 0 {
		msg := r.Choices[0].Message
		u.ResponseText = msg.Content
		for _, tc := range msg.ToolCalls {
			u.ToolsUsed = appendTool(u.ToolsUsed, tc.Function.Name)
		}
	}
	return u
}

func fromJSON(body []byte) model.RawUsage {
	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return model.RawUsage{Shape: model.ShapeUnknown}
	}
	return fromMap(m)
}

// fromMap handles decoded OpenAI, Anthropic, Gemini and Cohere bodies.
func fromMap(m map[string]any) model.RawUsage {
	u, ok := source.ExtractUsage(m)
	if !ok {
		u = model.RawUsage{Shape: model.ShapeUnknown}
		u.Model, _ = m["model"].(string)
	}
	u.ResponseText, u.ToolsUsed = textAndTools(m)
	return u
}

func textAndTools(m map[string]any) (string, []string) {
	var tools []string

	// OpenAI: choices[0].message
	if choices, ok := m["choices"].([]any); ok && len(choices) > 0 {
		choice, _ := choices[0].(map[string]any)
		msg, _ := choice["message"].(map[string]any)
		text, _ := msg["content"].(string)
		calls, _ := msg["tool_calls"].([]any)
		for _, c := range calls {
			call, _ := c.(map[string]any)
			fn, _ := call["function"].(map[string]any)
			name, _ := fn["name"].(string)
			tools = appendTool(tools, name)
		}
		return text, tools
	}

	// Anthropic: content blocks
	if blocks, ok := m["content"].([]any); ok {
		var parts []string
		for _, b := range blocks {
			block, _ := b.(map[string]any)
			switch block["type"] {
			case "text":
				s, _ := block["text"].(string)
				parts = append(parts, s)
			case "tool_use":
				name, _ := block["name"].(string)
				tools = appendTool(tools, name)
			}
		}
		return strings.Join(parts, "\n"), tools
	}

	// Gemini: candidates[0].content.parts
	if cands, ok := m["candidates"].([]any); ok && len(cands) > 0 {
		cand, _ := cands[0].(map[string]any)
		content, _ := cand["content"].(map[string]any)
		partList, _ := content["parts"].([]any)
		var parts []string
		for _, p := range partList {
			part, _ := p.(map[string]any)
			if s, ok := part["text"].(string); ok {
				parts = append(parts, s)
			}
			if fc, ok := part["functionCall"].(map[string]any); ok {
				name, _ := fc["name"].(string)
				tools = appendTool(tools, name)
			}
		}
		return strings.Join(parts, ""), tools
	}

	// Cohere
	text, _ := m["text"].(string)
	return text, tools
}

func appendTool(tools []string, name string) []string {
	if name == "" || slices.Contains(tools, name) {
		return tools
	}
	return append(tools, name)
}
