// Package sink buffers telemetry records and flushes them to a sender in
// batches, on size or on a timer.
package sink

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/agentpulse/agentpulse/internal/logging"
	"github.com/agentpulse/agentpulse/internal/metrics"
	"github.com/agentpulse/agentpulse/internal/model"
)

// Defaults matching the collector's expectations.
const (
	DefaultBatchSize = 50
	DefaultInterval  = 30 * time.Second
	DefaultCapacity  = 10_000
)

// Sender delivers one batch. A returned error means nothing was accepted.
type Sender interface {
	Send(ctx context.Context, records []model.TelemetryRecord) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, records []model.TelemetryRecord) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, records []model.TelemetryRecord) error {
	return f(ctx, records)
}

// Options tunes a Sink. Zero values select the defaults.
type Options struct {
	BatchSize int
	Interval  time.Duration
	Capacity  int
	Logger    *zap.Logger
	Tracer    trace.Tracer
	// OnSent, when set, is called with each batch the sender accepted.
	OnSent func([]model.TelemetryRecord)
}

// Stats is a point-in-time view of sink counters.
type Stats struct {
	Buffered int
	Sent     int
	Errors   int
	Dropped  int
	LastSend time.Time
	LastErr  string
}

// Sink is safe for concurrent use. Add may be called from any goroutine;
// flushes are serialized.
type Sink struct {
	sender    Sender
	batchSize int
	interval  time.Duration
	capacity  int
	log       *zap.Logger
	tracer    trace.Tracer
	onSent    func([]model.TelemetryRecord)
	now       func() time.Time

	mu       sync.Mutex
	buf      []model.TelemetryRecord
	lastSend time.Time
	sent     int
	errors   int
	dropped  int
	lastErr  string

	flushMu   sync.Mutex
	kick      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// New creates a sink delivering to sender.
func New(sender Sender, opts Options) *Sink {
	s := &Sink{
		sender:    sender,
		batchSize: opts.BatchSize,
		interval:  opts.Interval,
		capacity:  opts.Capacity,
		log:       logging.OrNop(opts.Logger),
		tracer:    opts.Tracer,
		onSent:    opts.OnSent,
		now:       time.Now,
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if s.batchSize <= 0 {
		s.batchSize = DefaultBatchSize
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.capacity < s.batchSize {
		s.capacity = max(DefaultCapacity, s.batchSize)
	}
	if s.tracer == nil {
		s.tracer = noop.NewTracerProvider().Tracer("sink")
	}
	s.lastSend = s.now()
	return s
}

// Add buffers a record. When the buffer is at capacity the oldest record
// is dropped. Reaching the batch size wakes a running flush loop.
func (s *Sink) Add(rec model.TelemetryRecord) {
	s.mu.Lock()
	if len(s.buf) >= s.capacity {
		s.buf = s.buf[1:]
		s.dropped++
		metrics.RecordsDropped.Inc()
	}
	s.buf = append(s.buf, rec)
	n := len(s.buf)
	s.mu.Unlock()

	metrics.Buffered.Set(float64(n))
	if n >= s.batchSize {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

// ShouldFlush reports whether the buffer reached the batch size, or holds
// data and the interval has passed since the last successful send.
func (s *Sink) ShouldFlush(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) >= s.batchSize {
		return true
	}
	return len(s.buf) > 0 && now.Sub(s.lastSend) >= s.interval
}

// Flush sends everything buffered. The buffer is swapped out under the lock
// and sent without it; on failure the batch is put back in front of any
// records added meanwhile.
func (s *Sink) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	batch := s.buf
	s.buf = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	ctx, span := s.tracer.Start(ctx, "sink.flush", trace.WithAttributes(attribute.Int("records", len(batch))))
	defer span.End()

	start := s.now()
	err := s.sender.Send(ctx, batch)
	metrics.FlushDuration.Observe(s.now().Sub(start).Seconds())

	s.mu.Lock()
	if err != nil {
		merged := make([]model.TelemetryRecord, 0, len(batch)+len(s.buf))
		merged = append(merged, batch...)
		merged = append(merged, s.buf...)
		if over := len(merged) - s.capacity; over > 0 {
			merged = merged[over:]
			s.dropped += over
			metrics.RecordsDropped.Add(float64(over))
		}
		s.buf = merged
		s.errors++
		s.lastErr = err.Error()
	} else {
		s.sent += len(batch)
		s.lastSend = s.now()
		s.lastErr = ""
	}
	buffered, total := len(s.buf), s.sent
	s.mu.Unlock()
	metrics.Buffered.Set(float64(buffered))

	if err != nil {
		metrics.Flushes.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Warn("send failed", zap.Int("records", len(batch)), zap.Error(err))
		return err
	}

	metrics.Flushes.WithLabelValues("ok").Inc()
	metrics.RecordsSent.Add(float64(len(batch)))
	s.log.Info("sent events", zap.Int("records", len(batch)), zap.Int("total", total))
	if s.onSent != nil {
		s.onSent(batch)
	}
	return nil
}

// Start runs a background loop that flushes on the interval and whenever
// the batch size is reached. It returns immediately; Close stops it.
func (s *Sink) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.loop(ctx)
	})
}

func (s *Sink) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
		case <-s.kick:
		}
		if s.ShouldFlush(s.now()) {
			_ = s.Flush(ctx)
		}
	}
}

// Close stops the background loop, if running, and flushes what remains.
// It is safe to call more than once.
func (s *Sink) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		started := true
		s.startOnce.Do(func() { started = false })
		if started {
			<-s.done
		}
		err = s.Flush(ctx)
	})
	return err
}

// Len returns the number of buffered records.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Stats returns current counters.
func (s *Sink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Buffered: len(s.buf),
		Sent:     s.sent,
		Errors:   s.errors,
		Dropped:  s.dropped,
		LastSend: s.lastSend,
		LastErr:  s.lastErr,
	}
}
