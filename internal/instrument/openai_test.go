package instrument

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpulse/agentpulse/internal/model"
)

func newOpenAIServer(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func wrapTestClient(svc *Service, srv *httptest.Server) *OpenAIClient {
	cfg := openai.DefaultConfig("sk-test")
	cfg.BaseURL = srv.URL + "/v1"
	return svc.WrapOpenAI(cfg).WithEstimator(func(_, text string) int64 {
		return int64(len(text))
	})
}

func writeSSE(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, c := range chunks {
		_, _ = io.WriteString(w, "data: "+c+"\n\n")
	}
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
}

func chatRequest(stream bool) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:  "gpt-4o",
		Stream: stream,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "be brief"},
			{Role: openai.ChatMessageRoleUser, Content: "hello"},
		},
	}
}

func TestOpenAIClient_CreateChatCompletion(t *testing.T) {
	var gotPath string
	srv := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","model":"gpt-4o-2024-08-06","choices":[{"index":0,"message":{"role":"assistant","content":"hi"}}],"usage":{"prompt_tokens":21,"completion_tokens":4,"total_tokens":25}}`)
	})
	svc, rec := newTestService(Options{})
	c := wrapTestClient(svc, srv)

	resp, err := c.CreateChatCompletion(context.Background(), chatRequest(false))
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Choices[0].Message.Content)
	assert.Equal(t, "/v1/chat/completions", gotPath)

	recs := rec.all()
	require.Len(t, recs, 1)
	got := recs[0]
	assert.Equal(t, "openai", got.Provider)
	assert.Equal(t, "gpt-4o-2024-08-06", got.Model)
	assert.EqualValues(t, 21, got.InputTokens)
	assert.EqualValues(t, 4, got.OutputTokens)
	assert.Equal(t, "hi", got.ResponseText)
	assert.Equal(t, model.SourceSDK, got.TokenSource)
	assert.Equal(t, []model.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hello"},
	}, got.PromptMessages)
	require.NotNil(t, got.LatencyMs)
	assert.Positive(t, *got.LatencyMs)
	assert.Positive(t, got.CostUSD)
}

func TestOpenAIClient_RateLimitError(t *testing.T) {
	srv := newOpenAIServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"Rate limit reached for gpt-4o","type":"requests","code":"rate_limit_exceeded"}}`)
	})
	svc, rec := newTestService(Options{})
	c := wrapTestClient(svc, srv)

	_, err := c.CreateChatCompletion(context.Background(), chatRequest(false))
	require.Error(t, err)

	recs := rec.all()
	require.Len(t, recs, 1)
	assert.Equal(t, model.StatusRateLimit, recs[0].Status)
	assert.Equal(t, "gpt-4o", recs[0].Model)
	assert.Contains(t, recs[0].ErrorMessage, "Rate limit reached")
}

func TestOpenAIClient_StreamWithUsage(t *testing.T) {
	srv := newOpenAIServer(t, func(w http.ResponseWriter, _ *http.Request) {
		writeSSE(w,
			`{"id":"s1","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
			`{"id":"s1","model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"type":"function","function":{"name":"search","arguments":""}}]}}]}`,
			`{"id":"s1","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
			`{"id":"s1","model":"gpt-4o","choices":[],"usage":{"prompt_tokens":30,"completion_tokens":12,"total_tokens":42}}`,
		)
	})
	svc, rec := newTestService(Options{})
	c := wrapTestClient(svc, srv)

	stream, err := c.CreateChatCompletionStream(context.Background(), chatRequest(true))
	require.NoError(t, err)
	var text strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if len(chunk.Choices) > 0 {
			text.WriteString(chunk.Choices[0].Delta.Content)
		}
	}
	require.NoError(t, stream.Close())
	assert.Equal(t, "Hello", text.String())

	recs := rec.all()
	require.Len(t, recs, 1, "EOF and Close emit one record")
	got := recs[0]
	assert.EqualValues(t, 30, got.InputTokens)
	assert.EqualValues(t, 12, got.OutputTokens)
	assert.Equal(t, "Hello", got.ResponseText)
	assert.Equal(t, []string{"search"}, got.ToolsUsed)
	assert.Equal(t, model.SourceSDK, got.TokenSource)
}

func TestOpenAIClient_StreamEstimatesWithoutUsage(t *testing.T) {
	srv := newOpenAIServer(t, func(w http.ResponseWriter, _ *http.Request) {
		writeSSE(w,
			`{"id":"s2","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"Hi there"}}]}`,
		)
	})
	svc, rec := newTestService(Options{})
	c := wrapTestClient(svc, srv)

	stream, err := c.CreateChatCompletionStream(context.Background(), chatRequest(true))
	require.NoError(t, err)
	for {
		if _, err := stream.Recv(); err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
	}

	recs := rec.all()
	require.Len(t, recs, 1)
	got := recs[0]
	assert.Equal(t, model.SourceEstimated, got.TokenSource)
	assert.EqualValues(t, len("be brief")+len("hello"), got.InputTokens)
	assert.EqualValues(t, len("Hi there"), got.OutputTokens)
}

func TestOpenAIClient_StreamClosedEarly(t *testing.T) {
	srv := newOpenAIServer(t, func(w http.ResponseWriter, _ *http.Request) {
		writeSSE(w, `{"id":"s3","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"partial"}}]}`)
	})
	svc, rec := newTestService(Options{})
	c := wrapTestClient(svc, srv)

	stream, err := c.CreateChatCompletionStream(context.Background(), chatRequest(true))
	require.NoError(t, err)
	_, err = stream.Recv()
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	recs := rec.all()
	require.Len(t, recs, 1)
	assert.Equal(t, "partial", recs[0].ResponseText)
	assert.EqualValues(t, len("partial"), recs[0].OutputTokens)
}

func TestCharEstimate(t *testing.T) {
	assert.EqualValues(t, 0, CharEstimate("m", ""))
	assert.EqualValues(t, 2, CharEstimate("m", "12345678"))
	assert.EqualValues(t, 0, TiktokenEstimate("gpt-4o", ""))
}
