package collector

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpulse/agentpulse/internal/model"
)

func sampleRecord() model.TelemetryRecord {
	return model.TelemetryRecord{
		ID:             "local-id",
		TokenSource:    model.SourceProxy,
		Timestamp:      time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		Provider:       "anthropic",
		Model:          "claude-haiku-4-5",
		InputTokens:    500,
		OutputTokens:   250,
		CostUSD:        0.00175,
		LatencyMs:      model.Latency(5000),
		Status:         model.StatusSuccess,
		TaskContext:    "session:s1",
		ToolsUsed:      []string{"exec"},
		PromptMessages: []model.Message{},
	}
}

func TestSendBatch_Payload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"accepted":1}`))
	}))
	defer srv.Close()

	c := New(Options{APIKey: "ap_key", Endpoint: srv.URL, AgentName: "bot", Framework: "openclaw"})
	resp, err := c.SendBatch(context.Background(), []model.TelemetryRecord{sampleRecord()})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Accepted)

	assert.Equal(t, "ap_key", got["api_key"])
	assert.Equal(t, "bot", got["agent_name"])
	assert.Equal(t, "openclaw", got["framework"])
	events, ok := got["events"].([]any)
	require.True(t, ok)
	require.Len(t, events, 1)
	ev := events[0].(map[string]any)
	assert.NotContains(t, ev, "_id")
	assert.NotContains(t, ev, "_token_source")
	assert.Equal(t, "claude-haiku-4-5", ev["model"])
	assert.EqualValues(t, 5000, ev["latency_ms"])
	assert.Equal(t, "session:s1", ev["task_context"])
}

func TestSendBatch_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrUnauthorized},
		{http.StatusTooManyRequests, ErrRateLimited},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := New(Options{APIKey: "k", Endpoint: srv.URL})
			err := c.Send(context.Background(), []model.TelemetryRecord{sampleRecord()})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSendBatch_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Options{APIKey: "k", Endpoint: srv.URL})
	err := c.Send(context.Background(), []model.TelemetryRecord{sampleRecord()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestSendBatch_FollowsPermanentRedirectWithBody(t *testing.T) {
	var finalBody []byte
	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		finalBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer final.Close()
	redirect := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, final.URL, http.StatusPermanentRedirect)
	}))
	defer redirect.Close()

	c := New(Options{APIKey: "k", Endpoint: redirect.URL})
	require.NoError(t, c.Send(context.Background(), []model.TelemetryRecord{sampleRecord()}))
	assert.Contains(t, string(finalBody), `"api_key":"k"`)
}

func TestSendBatch_NoAPIKey(t *testing.T) {
	c := New(Options{Endpoint: "http://127.0.0.1:1"})
	err := c.Send(context.Background(), []model.TelemetryRecord{sampleRecord()})
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestSendBatch_BreakerOpensAfterFailures(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Options{APIKey: "k", Endpoint: srv.URL})
	batch := []model.TelemetryRecord{sampleRecord()}
	for range 3 {
		require.Error(t, c.Send(context.Background(), batch))
	}
	err := c.Send(context.Background(), batch)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState), "got %v", err)
	assert.Equal(t, 3, hits)
	assert.Equal(t, "open", c.BreakerState())
}
