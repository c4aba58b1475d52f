package correlate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpulse/agentpulse/internal/model"
)

func TestEstimate(t *testing.T) {
	tests := []struct {
		durationMs int64
		in, out    int64
	}{
		{0, 100, 50},
		{500, 100, 50},
		{1000, 100, 50},
		{2000, 200, 100},
		{5000, 500, 250},
		{5999, 598, 299},
		{300_000_000_000_000_000, 30_000_000_000_000_000, 15_000_000_000_000_000},
		{9_223_372_036_854_775_807, 922_337_203_685_477_580, 461_168_601_842_738_790},
	}
	for _, tt := range tests {
		in, out := Estimate(tt.durationMs)
		assert.Equal(t, tt.in, in, "input for %dms", tt.durationMs)
		assert.Equal(t, tt.out, out, "output for %dms", tt.durationMs)
	}
}

func TestResolver_RetryBound(t *testing.T) {
	src := &fakeCaptures{}
	r := NewResolver(src, 4, 300*time.Millisecond)
	var slept []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	res := r.Resolve(context.Background(), 2000)
	assert.Equal(t, model.SourceEstimated, res.Source)
	assert.EqualValues(t, 200, res.InputTokens)
	assert.Nil(t, res.Capture)
	assert.Equal(t, 4, src.claims)
	assert.Equal(t, []time.Duration{300 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}, slept)
}

func TestResolver_LateCapture(t *testing.T) {
	src := &fakeCaptures{}
	src.onClaim = func(n int) {
		if n == 3 {
			src.items = append(src.items, model.TokenCapture{InputTokens: 7, OutputTokens: 3})
		}
	}
	r := NewResolver(src, 4, time.Millisecond)
	r.sleep = func(context.Context, time.Duration) error { return nil }

	res := r.Resolve(context.Background(), 0)
	require.NotNil(t, res.Capture)
	assert.Equal(t, model.SourceProxy, res.Source)
	assert.EqualValues(t, 7, res.InputTokens)
	assert.Equal(t, 3, src.claims)
}

func TestResolver_NoSourceDoesNotWait(t *testing.T) {
	r := NewResolver(nil, 4, time.Hour)
	r.sleep = func(context.Context, time.Duration) error {
		t.Fatal("resolver slept without a capture source")
		return nil
	}
	res := r.Resolve(context.Background(), 1000)
	assert.Equal(t, model.SourceEstimated, res.Source)
}

func TestResolver_ContextCancelStopsRetries(t *testing.T) {
	src := &fakeCaptures{}
	r := NewResolver(src, 10, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	res := r.Resolve(ctx, 1000)
	assert.Equal(t, model.SourceEstimated, res.Source)
	assert.Equal(t, 1, src.claims)
	assert.Less(t, time.Since(start), time.Second)
}
