// Package daemon runs the log-tailing telemetry loop and its local HTTP API.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/agentpulse/agentpulse/internal/correlate"
	"github.com/agentpulse/agentpulse/internal/logging"
	"github.com/agentpulse/agentpulse/internal/metrics"
	"github.com/agentpulse/agentpulse/internal/model"
	"github.com/agentpulse/agentpulse/internal/proxy"
	"github.com/agentpulse/agentpulse/internal/sink"
	"github.com/agentpulse/agentpulse/internal/source"
)

// Config wires the daemon's components together. Tailer, Correlator and Sink
// are required; Proxy is optional.
type Config struct {
	Tailer     *source.Tailer
	Correlator *correlate.Correlator
	Sink       *sink.Sink
	Proxy      *proxy.Server
	Logger     *zap.Logger
	Tracer     trace.Tracer

	Interval     time.Duration
	Addr         string
	EventsBuffer int

	// Reported by /v1/status.
	Endpoint  string
	AgentName string
	Version   string
	// BreakerState, when set, reports the collector circuit breaker state.
	BreakerState func() string
}

// Snapshot is the cumulative usage seen since the daemon started.
type Snapshot struct {
	At           time.Time `json:"at"`
	Calls        int       `json:"calls"`
	Errors       int       `json:"errors"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
}

// Delta captures snapshot deltas between polls.
type Delta struct {
	Calls        int     `json:"calls"`
	Errors       int     `json:"errors"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

func (d Delta) isZero() bool {
	return d.Calls == 0 &&
		d.Errors == 0 &&
		d.InputTokens == 0 &&
		d.OutputTokens == 0 &&
		d.CostUSD == 0
}

// Event is emitted when a poll produced records.
type Event struct {
	ID        int64                   `json:"id"`
	Type      string                  `json:"type"`
	Timestamp time.Time               `json:"timestamp"`
	Snapshot  Snapshot                `json:"snapshot"`
	Delta     Delta                   `json:"delta"`
	Records   []model.TelemetryRecord `json:"records,omitempty"`
}

// SinkStatus mirrors sink.Stats for JSON.
type SinkStatus struct {
	Buffered int       `json:"buffered"`
	Sent     int       `json:"sent"`
	Errors   int       `json:"errors"`
	Dropped  int       `json:"dropped"`
	LastSend time.Time `json:"last_send"`
	LastErr  string    `json:"last_error,omitempty"`
}

// ProxyStatus describes the capture proxy, when running.
type ProxyStatus struct {
	Addr            string `json:"addr"`
	PendingCaptures int    `json:"pending_captures"`
	DroppedCaptures int    `json:"dropped_captures"`
}

// Status is served at /v1/status.
type Status struct {
	Version         string       `json:"version,omitempty"`
	PID             int          `json:"pid"`
	StartedAt       time.Time    `json:"started_at"`
	LastPollAt      time.Time    `json:"last_poll_at"`
	PollIntervalSec int          `json:"poll_interval_sec"`
	PollCount       int64        `json:"poll_count"`
	LogDir          string       `json:"log_dir"`
	CurrentFile     string       `json:"current_file,omitempty"`
	OpenRuns        int          `json:"open_runs"`
	Endpoint        string       `json:"endpoint,omitempty"`
	AgentName       string       `json:"agent_name,omitempty"`
	Breaker         string       `json:"breaker,omitempty"`
	Summary         Snapshot     `json:"summary"`
	Sink            SinkStatus   `json:"sink"`
	Proxy           *ProxyStatus `json:"proxy,omitempty"`
	LastError       string       `json:"last_error,omitempty"`
	EventCount      int          `json:"event_count"`
	SubscriberCount int          `json:"subscriber_count"`
}

// Service provides the daemon runtime and HTTP API.
type Service struct {
	cfg    Config
	log    *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
	pid    int

	mu          sync.RWMutex
	startedAt   time.Time
	lastPollAt  time.Time
	pollCount   int64
	lastError   string
	currentFile string
	openRuns    int
	snapshot    Snapshot
	nextEventID int64
	events      []Event

	nextSubID int
	subs      map[int]chan Event

	addr net.Addr
}

// New returns a daemon service with the provided config.
func New(cfg Config) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.EventsBuffer < 1 {
		cfg.EventsBuffer = 200
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8789"
	}
	s := &Service{
		cfg:    cfg,
		log:    logging.OrNop(cfg.Logger),
		tracer: cfg.Tracer,
		now:    time.Now,
		pid:    os.Getpid(),
		subs:   make(map[int]chan Event),
	}
	if s.tracer == nil {
		s.tracer = noop.NewTracerProvider().Tracer("daemon")
	}
	s.startedAt = s.now()
	return s
}

// Handler returns the daemon's HTTP API.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/events", s.handleEvents)
	mux.HandleFunc("/v1/stream", s.handleStream)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Addr returns the API's bound address once Run is listening.
func (s *Service) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr != nil {
		return s.addr.String()
	}
	return s.cfg.Addr
}

// Run starts the HTTP API, the optional proxy and the poll loop, and blocks
// until ctx is canceled. Buffered records are flushed before it returns.
func (s *Service) Run(ctx context.Context) error {
	if s.cfg.Tailer == nil || s.cfg.Correlator == nil || s.cfg.Sink == nil {
		return errors.New("daemon: tailer, correlator and sink are required")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("daemon: listening on %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if s.cfg.Proxy != nil {
		if err := s.cfg.Proxy.Start(); err != nil {
			_ = server.Close()
			return err
		}
	}

	s.log.Info("agentpulse daemon started",
		zap.String("api", "http://"+ln.Addr().String()),
		zap.String("log_dir", s.cfg.Tailer.Dir()),
		zap.Duration("poll_interval", s.cfg.Interval),
	)

	wake, err := s.cfg.Tailer.Watch(ctx)
	if err != nil {
		s.log.Warn("file watching unavailable; polling only", zap.Error(err))
	}

	// Seed state so status is useful immediately.
	s.pollOnce(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.shutdown(server)
		case <-ticker.C:
			s.pollOnce(ctx)
		case _, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			s.pollOnce(ctx)
		case err := <-errCh:
			_ = s.shutdown(server)
			return fmt.Errorf("daemon http server: %w", err)
		}
	}
}

func (s *Service) shutdown(server *http.Server) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if s.cfg.Proxy != nil {
		if err := s.cfg.Proxy.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stopping proxy: %w", err))
		}
	}
	buffered := s.cfg.Sink.Len()
	if err := s.cfg.Sink.Close(shutdownCtx); err != nil {
		s.log.Warn("final flush failed", zap.Int("records", buffered), zap.Error(err))
		errs = append(errs, fmt.Errorf("final flush: %w", err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	s.log.Info("agentpulse daemon stopped")
	return errors.Join(errs...)
}

// pollOnce reads new lines, correlates them into records, hands the records
// to the sink and flushes when due.
func (s *Service) pollOnce(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "daemon.poll")
	defer span.End()

	var pollErr error
	lines, err := s.cfg.Tailer.ReadNew()
	if err != nil {
		pollErr = err
		s.log.Warn("reading agent log", zap.Error(err))
	}
	metrics.LinesRead.Add(float64(len(lines)))

	var recs []model.TelemetryRecord
	for _, line := range lines {
		ev, ok := source.ParseLine(line)
		if !ok {
			continue
		}
		metrics.EventsParsed.WithLabelValues(ev.Kind.String()).Inc()
		if rec, ok := s.cfg.Correlator.Handle(ctx, ev); ok {
			s.cfg.Sink.Add(rec)
			recs = append(recs, rec)
		}
	}
	span.SetAttributes(
		attribute.Int("log.lines", len(lines)),
		attribute.Int("records", len(recs)),
	)

	now := s.now()
	if n := s.cfg.Correlator.EvictIdle(now); n > 0 {
		s.log.Info("evicted idle runs", zap.Int("runs", n))
	}
	if s.cfg.Sink.ShouldFlush(now) {
		if err := s.cfg.Sink.Flush(ctx); err != nil {
			pollErr = errors.Join(pollErr, err)
		}
	}

	s.record(now, recs, pollErr)
}

// record folds a poll's outcome into the shared state and publishes an
// event when records were produced.
func (s *Service) record(now time.Time, recs []model.TelemetryRecord, pollErr error) {
	var (
		ev      Event
		publish bool
	)

	s.mu.Lock()
	prev := s.snapshot
	next := prev
	next.At = now
	for _, r := range recs {
		next.Calls++
		if r.Status != model.StatusSuccess {
			next.Errors++
		}
		next.InputTokens += r.InputTokens
		next.OutputTokens += r.OutputTokens
		next.CostUSD += r.CostUSD
	}
	s.snapshot = next
	s.lastPollAt = now
	s.pollCount++
	s.currentFile = s.cfg.Tailer.Current()
	s.openRuns = s.cfg.Correlator.OpenRuns()
	s.lastError = ""
	if pollErr != nil {
		s.lastError = pollErr.Error()
	}

	if delta := diffSnapshots(prev, next); !delta.isZero() {
		s.nextEventID++
		ev = Event{
			ID:        s.nextEventID,
			Type:      "usage_delta",
			Timestamp: now,
			Snapshot:  next,
			Delta:     delta,
			Records:   recs,
		}
		publish = true
	}
	s.mu.Unlock()

	if publish {
		s.publishEvent(ev)
	}
}

func diffSnapshots(prev, curr Snapshot) Delta {
	return Delta{
		Calls:        curr.Calls - prev.Calls,
		Errors:       curr.Errors - prev.Errors,
		InputTokens:  curr.InputTokens - prev.InputTokens,
		OutputTokens: curr.OutputTokens - prev.OutputTokens,
		CostUSD:      curr.CostUSD - prev.CostUSD,
	}
}

func (s *Service) publishEvent(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	if len(s.events) > s.cfg.EventsBuffer {
		s.events = s.events[len(s.events)-s.cfg.EventsBuffer:]
	}

	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	s.mu.Unlock()
}

func (s *Service) snapshotStatus() Status {
	st := s.cfg.Sink.Stats()

	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{
		Version:         s.cfg.Version,
		PID:             s.pid,
		StartedAt:       s.startedAt,
		LastPollAt:      s.lastPollAt,
		PollIntervalSec: int(s.cfg.Interval.Seconds()),
		PollCount:       s.pollCount,
		LogDir:          s.cfg.Tailer.Dir(),
		CurrentFile:     s.currentFile,
		OpenRuns:        s.openRuns,
		Endpoint:        s.cfg.Endpoint,
		AgentName:       s.cfg.AgentName,
		Summary:         s.snapshot,
		Sink: SinkStatus{
			Buffered: st.Buffered,
			Sent:     st.Sent,
			Errors:   st.Errors,
			Dropped:  st.Dropped,
			LastSend: st.LastSend,
			LastErr:  st.LastErr,
		},
		LastError:       s.lastError,
		EventCount:      len(s.events),
		SubscriberCount: len(s.subs),
	}
	if s.cfg.BreakerState != nil {
		status.Breaker = s.cfg.BreakerState()
	}
	if p := s.cfg.Proxy; p != nil {
		status.Proxy = &ProxyStatus{
			Addr:            p.Addr(),
			PendingCaptures: p.Queue().Len(),
			DroppedCaptures: p.Queue().Dropped(),
		}
	}
	return status
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.snapshotStatus())
}

func (s *Service) handleEvents(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	events := make([]Event, len(s.events))
	copy(events, s.events)
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(events)
}

func (s *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan Event, 16)
	id := s.addSubscriber(ch)
	defer s.removeSubscriber(id)

	// Send current snapshot immediately.
	current := Event{
		Type:      "snapshot",
		Timestamp: s.now(),
		Snapshot:  s.snapshotStatus().Summary,
	}
	writeSSE(w, current)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", ev.Type)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
}

func (s *Service) addSubscriber(ch chan Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.subs[id] = ch
	return id
}

func (s *Service) removeSubscriber(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}
