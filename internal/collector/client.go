// Package collector delivers telemetry batches to the AgentPulse ingest API.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/agentpulse/agentpulse/internal/model"
)

const (
	requestTimeout = 10 * time.Second
	maxBodySize    = 1 << 20 // 1 MB
)

var (
	// ErrUnauthorized indicates the API key was rejected.
	ErrUnauthorized = errors.New("collector: unauthorized (API key invalid or revoked)")
	// ErrRateLimited indicates the collector asked us to slow down.
	ErrRateLimited = errors.New("collector: rate limited")
	// ErrNoAPIKey is returned when sending without a configured key.
	ErrNoAPIKey = errors.New("collector: no API key configured")
)

// Options configures a Client.
type Options struct {
	APIKey     string
	Endpoint   string
	AgentName  string
	Framework  string
	Version    string
	HTTPClient *http.Client
}

// Client posts event batches to the collector. Consecutive failures trip a
// circuit breaker so an unreachable collector is not hammered every flush.
type Client struct {
	apiKey    string
	endpoint  string
	agentName string
	framework string
	userAgent string
	http      *http.Client
	breaker   *gobreaker.CircuitBreaker
}

// Response is the collector's reply to an accepted batch.
type Response struct {
	Accepted int    `json:"accepted,omitempty"`
	Message  string `json:"message,omitempty"`
}

type payload struct {
	APIKey    string            `json:"api_key"`
	AgentName string            `json:"agent_name"`
	Framework string            `json:"framework"`
	Events    []json.RawMessage `json:"events"`
}

// New creates a client. The endpoint must be set; the key is checked at
// send time so a client can exist before setup has run.
func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	return &Client{
		apiKey:    strings.TrimSpace(opts.APIKey),
		endpoint:  opts.Endpoint,
		agentName: opts.AgentName,
		framework: opts.Framework,
		userAgent: "agentpulse/" + version,
		http:      hc,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "collector",
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

// Endpoint returns the URL batches are posted to.
func (c *Client) Endpoint() string { return c.endpoint }

// BreakerState returns the circuit breaker state name.
func (c *Client) BreakerState() string { return c.breaker.State().String() }

// Send posts one batch. It satisfies the sink's Sender interface.
func (c *Client) Send(ctx context.Context, records []model.TelemetryRecord) error {
	_, err := c.SendBatch(ctx, records)
	return err
}

// SendBatch posts records and returns the collector's reply. Local-only
// fields, those whose JSON name starts with "_", are stripped first.
func (c *Client) SendBatch(ctx context.Context, records []model.TelemetryRecord) (*Response, error) {
	if c.apiKey == "" {
		return nil, ErrNoAPIKey
	}
	if len(records) == 0 {
		return &Response{}, nil
	}

	events := make([]json.RawMessage, 0, len(records))
	for _, r := range records {
		ev, err := wireEvent(r)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	body, err := json.Marshal(payload{
		APIKey:    c.apiKey,
		AgentName: c.agentName,
		Framework: c.framework,
		Events:    events,
	})
	if err != nil {
		return nil, fmt.Errorf("collector: encoding batch: %w", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Response), nil
}

func (c *Client) post(ctx context.Context, body []byte) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	// bytes.Reader lets the client replay the body across 307/308 redirects.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("collector: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	//nolint:gosec // endpoint is configured by the local user
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("collector: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrUnauthorized
	case http.StatusTooManyRequests:
		return nil, ErrRateLimited
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("collector: reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("collector: unexpected status %d: %s", resp.StatusCode, snippet(data))
	}

	out := &Response{}
	if len(bytes.TrimSpace(data)) > 0 {
		// A non-JSON 2xx body still means the batch was accepted.
		_ = json.Unmarshal(data, out)
	}
	return out, nil
}

// wireEvent encodes a record without its local-only fields.
func wireEvent(r model.TelemetryRecord) (json.RawMessage, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("collector: encoding record: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("collector: encoding record: %w", err)
	}
	for k := range fields {
		if strings.HasPrefix(k, "_") {
			delete(fields, k)
		}
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("collector: encoding record: %w", err)
	}
	return out, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
