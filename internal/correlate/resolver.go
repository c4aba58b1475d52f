package correlate

import (
	"context"
	"time"

	"github.com/agentpulse/agentpulse/internal/metrics"
	"github.com/agentpulse/agentpulse/internal/model"
)

// Capture claim defaults. A log line can land before the proxy has finished
// reading the matching response, so claims are retried briefly.
const (
	DefaultAttempts = 4
	DefaultDelay    = 300 * time.Millisecond
)

// CaptureSource hands out exact captures, each at most once.
type CaptureSource interface {
	Claim() (model.TokenCapture, bool)
}

// Resolution is the outcome of resolving tokens for one prompt cycle.
type Resolution struct {
	InputTokens  int64
	OutputTokens int64
	Source       string
	Capture      *model.TokenCapture
}

// Resolver picks token counts for a finished prompt: an exact capture when
// one can be claimed, otherwise a duration-based estimate.
type Resolver struct {
	source   CaptureSource
	attempts int
	delay    time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewResolver builds a resolver. src may be nil, in which case every
// resolution is an estimate and no time is spent waiting.
func NewResolver(src CaptureSource, attempts int, delay time.Duration) *Resolver {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	if delay < 0 {
		delay = DefaultDelay
	}
	return &Resolver{source: src, attempts: attempts, delay: delay, sleep: sleepCtx}
}

// Resolve claims a capture with up to the configured number of attempts,
// sleeping between them. It never blocks longer than attempts-1 delays and
// returns early when ctx is cancelled.
func (r *Resolver) Resolve(ctx context.Context, durationMs int64) Resolution {
	if r != nil && r.source != nil {
		for attempt := range r.attempts {
			if c, ok := r.source.Claim(); ok {
				metrics.CaptureClaims.WithLabelValues("hit").Inc()
				return Resolution{
					InputTokens:  c.InputTokens,
					OutputTokens: c.OutputTokens,
					Source:       model.SourceProxy,
					Capture:      &c,
				}
			}
			if attempt < r.attempts-1 {
				if err := r.sleep(ctx, r.delay); err != nil {
					break
				}
			}
		}
		metrics.CaptureClaims.WithLabelValues("miss").Inc()
	}

	in, out := Estimate(durationMs)
	return Resolution{InputTokens: in, OutputTokens: out, Source: model.SourceEstimated}
}

// Estimate derives token counts from call duration: 50 output tokens per
// second (at least 50) and twice that as input (at least 100).
func Estimate(durationMs int64) (in, out int64) {
	out = max(50, durationMs/1000*50+durationMs%1000*50/1000)
	in = max(100, out*2)
	return in, out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
