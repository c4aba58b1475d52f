package instrument

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	openai "github.com/sashabaranov/go-openai"

	"github.com/agentpulse/agentpulse/internal/capture"
	"github.com/agentpulse/agentpulse/internal/model"
)

// Estimator counts tokens in text for a model.
type Estimator func(modelName, text string) int64

// TiktokenEstimate counts tokens with the model's tiktoken encoding, falling
// back to cl100k_base and then to four characters per token.
func TiktokenEstimate(modelName, text string) int64 {
	if text == "" {
		return 0
	}
	tkm, err := tiktoken.EncodingForModel(modelName)
	if err != nil {
		tkm, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		return CharEstimate(modelName, text)
	}
	return int64(len(tkm.Encode(text, nil, nil)))
}

// CharEstimate is the four-characters-per-token rule of thumb.
func CharEstimate(_ string, text string) int64 {
	return int64(len(text) / 4)
}

// ChatCompleter is the subset of *openai.Client the wrapper uses.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// OpenAIClient wraps a go-openai client and records every chat completion.
type OpenAIClient struct {
	svc       *Service
	client    ChatCompleter
	baseURL   string
	provider  string
	estimator Estimator
}

// WrapOpenAI builds a go-openai client from cfg and instruments it. The
// provider is taken from the base URL, so OpenAI-compatible hosts such as
// Groq or DeepSeek are attributed correctly.
func (s *Service) WrapOpenAI(cfg openai.ClientConfig) *OpenAIClient {
	return &OpenAIClient{
		svc:       s,
		client:    openai.NewClientWithConfig(cfg),
		baseURL:   cfg.BaseURL,
		estimator: TiktokenEstimate,
	}
}

// WithProvider pins the provider instead of detecting it.
func (c *OpenAIClient) WithProvider(p string) *OpenAIClient {
	c.provider = p
	return c
}

// WithEstimator replaces the token estimator used for streams that report
// no usage.
func (c *OpenAIClient) WithEstimator(e Estimator) *OpenAIClient {
	if e != nil {
		c.estimator = e
	}
	return c
}

func (c *OpenAIClient) providerFor(modelName string) string {
	if c.provider != "" {
		return c.provider
	}
	return ProviderFromBaseURL(c.baseURL, modelName)
}

// CreateChatCompletion calls the API and records the result or the error.
func (c *OpenAIClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	start := c.svc.now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	opts := TrackOptions{
		Provider: c.providerFor(req.Model),
		Latency:  c.svc.now().Sub(start),
		Messages: promptMessages(req.Messages),
	}
	if err != nil {
		opts.Model = req.Model
		c.svc.TrackError(err, opts)
		return resp, err
	}
	if resp.Model == "" {
		opts.Model = req.Model
	}
	c.svc.Track(resp, opts)
	return resp, nil
}

// CreateChatCompletionStream opens a stream whose record is emitted when the
// stream ends or is closed.
func (c *OpenAIClient) CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*ChatStream, error) {
	start := c.svc.now()
	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		c.svc.TrackError(err, TrackOptions{
			Provider: c.providerFor(req.Model),
			Model:    req.Model,
			Latency:  c.svc.now().Sub(start),
			Messages: promptMessages(req.Messages),
		})
		return nil, err
	}
	return &ChatStream{
		inner:     stream,
		client:    c,
		start:     start,
		model:     req.Model,
		messages:  promptMessages(req.Messages),
		promptRaw: promptText(req.Messages),
	}, nil
}

// ChatStream is an instrumented *openai.ChatCompletionStream.
type ChatStream struct {
	inner  *openai.ChatCompletionStream
	client *OpenAIClient
	start  time.Time

	model     string
	messages  []model.Message
	promptRaw string

	content strings.Builder
	tools   []string
	usage   *openai.Usage

	once sync.Once
}

// Recv returns the next chunk. io.EOF ends the stream and emits its record.
func (s *ChatStream) Recv() (openai.ChatCompletionStreamResponse, error) {
	resp, err := s.inner.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.finish(nil)
		} else {
			s.finish(err)
		}
		return resp, err
	}
	s.observe(resp)
	return resp, nil
}

// Close releases the stream, emitting its record if Recv never reached the end.
func (s *ChatStream) Close() error {
	s.inner.Close()
	s.finish(nil)
	return nil
}

func (s *ChatStream) observe(resp openai.ChatCompletionStreamResponse) {
	if resp.Model != "" {
		s.model = resp.Model
	}
	if resp.Usage != nil {
		u := *resp.Usage
		s.usage = &u
	}
	for _, ch := range resp.Choices {
		s.content.WriteString(ch.Delta.Content)
		for _, tc := range ch.Delta.ToolCalls {
			s.tools = appendTool(s.tools, tc.Function.Name)
		}
	}
}

func (s *ChatStream) finish(err error) {
	s.once.Do(func() {
		svc := s.client.svc
		opts := TrackOptions{
			Provider: s.client.providerFor(s.model),
			Model:    s.model,
			Latency:  svc.now().Sub(s.start),
			Messages: s.messages,
		}
		if err != nil {
			svc.TrackError(err, opts)
			return
		}

		resp := openai.ChatCompletionResponse{
			Model: s.model,
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{
					Role:      openai.ChatMessageRoleAssistant,
					Content:   s.content.String(),
					ToolCalls: toolCalls(s.tools),
				},
			}},
		}
		if s.usage != nil && (s.usage.PromptTokens > 0 || s.usage.CompletionTokens > 0 || s.usage.TotalTokens > 0) {
			resp.Usage = *s.usage
		} else {
			opts.Source = model.SourceEstimated
			resp.Usage = s.estimate()
		}
		svc.Track(resp, opts)
	})
}

// estimate applies the estimator with a floor of one token per side; the
// input side stays zero when there was no prompt text at all.
func (s *ChatStream) estimate() openai.Usage {
	est := s.client.estimator
	var u openai.Usage
	if s.promptRaw != "" {
		u.PromptTokens = int(max(1, est(s.model, s.promptRaw)))
	}
	u.CompletionTokens = int(max(1, est(s.model, s.content.String())))
	return u
}

func toolCalls(names []string) []openai.ToolCall {
	if len(names) == 0 {
		return nil
	}
	calls := make([]openai.ToolCall, 0, len(names))
	for _, n := range names {
		calls = append(calls, openai.ToolCall{
			Type:     openai.ToolTypeFunction,
			Function: openai.FunctionCall{Name: n},
		})
	}
	return calls
}

func messageText(m openai.ChatCompletionMessage) string {
	if m.Content != "" || len(m.MultiContent) == 0 {
		return m.Content
	}
	var parts []string
	for _, p := range m.MultiContent {
		if p.Type == openai.ChatMessagePartTypeText {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, " ")
}

func promptMessages(msgs []openai.ChatCompletionMessage) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		role := m.Role
		if role == "" {
			role = openai.ChatMessageRoleUser
		}
		out = append(out, model.Message{Role: role, Content: capture.Truncate(messageText(m))})
	}
	return out
}

func promptText(msgs []openai.ChatCompletionMessage) string {
	var sb strings.Builder
	for _, m := range msgs {
		sb.WriteString(messageText(m))
	}
	return sb.String()
}
