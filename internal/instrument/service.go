// Package instrument records telemetry for LLM calls made directly from Go
// code, as opposed to calls reconstructed from agent logs.
package instrument

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentpulse/agentpulse/internal/config"
	"github.com/agentpulse/agentpulse/internal/logging"
	"github.com/agentpulse/agentpulse/internal/metrics"
	"github.com/agentpulse/agentpulse/internal/model"
)

// Recorder receives finished records. *sink.Sink satisfies it.
type Recorder interface {
	Add(rec model.TelemetryRecord)
}

type closer interface {
	Close(ctx context.Context) error
}

// Options configures a Service.
type Options struct {
	UserID      string
	TaskContext string
	Pricing     *config.PricingTable
	Logger      *zap.Logger
	Now         func() time.Time
}

// TrackOptions describes one call being recorded.
type TrackOptions struct {
	Provider    string // detected from the model when empty
	Model       string // overrides the model found in the response
	Latency     time.Duration
	TaskContext string // overrides the service default
	Messages    []model.Message
	Source      string // token source tag, model.SourceSDK when empty
}

// Service turns SDK responses into telemetry records and hands them to a
// recorder. It is safe for concurrent use.
type Service struct {
	rec     Recorder
	pricing *config.PricingTable
	log     *zap.Logger
	now     func() time.Time

	mu          sync.RWMutex
	userID      string
	taskContext string

	closeOnce sync.Once
	closeErr  error
	closed    bool
}

// New creates a service writing to rec.
func New(rec Recorder, opts Options) *Service {
	s := &Service{
		rec:         rec,
		pricing:     opts.Pricing,
		log:         logging.OrNop(opts.Logger),
		now:         opts.Now,
		userID:      opts.UserID,
		taskContext: opts.TaskContext,
	}
	if s.pricing == nil {
		s.pricing = config.NewPricingTable(nil)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// SetUser sets the user id attached to subsequent records.
func (s *Service) SetUser(id string) {
	s.mu.Lock()
	s.userID = id
	s.mu.Unlock()
}

// SetContext sets the default task context for subsequent records.
func (s *Service) SetContext(ctx string) {
	s.mu.Lock()
	s.taskContext = ctx
	s.mu.Unlock()
}

// Close stops recording and closes the recorder if it can be closed, which
// flushes a sink. Later calls return the first result.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		if c, ok := s.rec.(closer); ok {
			s.closeErr = c.Close(ctx)
		}
	})
	return s.closeErr
}

// Track records a successful call. response may be a go-openai
// ChatCompletionResponse, a decoded JSON map, or a raw JSON body; anything
// else is recorded with zero usage.
func (s *Service) Track(response any, opts TrackOptions) model.TelemetryRecord {
	u := Normalize(response)
	if opts.Model != "" {
		u.Model = opts.Model
	}
	if u.Shape == model.ShapeUnknown {
		s.log.Debug("unrecognized response shape; recording zero usage", zap.String("model", u.Model))
	}
	rec := s.newRecord(u.Model, opts)
	rec.InputTokens = u.InputTokens
	rec.OutputTokens = u.OutputTokens
	rec.ResponseText = u.ResponseText
	if len(u.ToolsUsed) > 0 {
		rec.ToolsUsed = u.ToolsUsed
	}
	rec.CostUSD = s.roundedCost(rec)
	s.emit(rec)
	return rec
}

// TrackError records a failed call. Errors mentioning a rate limit get
// status rate_limit.
func (s *Service) TrackError(err error, opts TrackOptions) model.TelemetryRecord {
	rec := s.newRecord(opts.Model, opts)
	rec.Status = model.StatusError
	if err != nil {
		rec.ErrorMessage = err.Error()
		if IsRateLimit(err) {
			rec.Status = model.StatusRateLimit
		}
	}
	s.emit(rec)
	return rec
}

// IsRateLimit reports whether an error reads like a provider rate limit.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate") && strings.Contains(msg, "limit")
}

func (s *Service) newRecord(modelName string, opts TrackOptions) model.TelemetryRecord {
	if modelName == "" {
		modelName = "unknown"
	}
	s.mu.RLock()
	userID, taskCtx := s.userID, s.taskContext
	s.mu.RUnlock()
	if opts.TaskContext != "" {
		taskCtx = opts.TaskContext
	}

	provider := opts.Provider
	if provider == "" {
		provider = DetectProvider(modelName)
	}
	src := opts.Source
	if src == "" {
		src = model.SourceSDK
	}

	rec := model.TelemetryRecord{
		ID:             uuid.NewString(),
		TokenSource:    src,
		Timestamp:      s.now().UTC(),
		Provider:       provider,
		Model:          modelName,
		Status:         model.StatusSuccess,
		TaskContext:    taskCtx,
		UserID:         userID,
		ToolsUsed:      []string{},
		PromptMessages: opts.Messages,
	}
	if rec.PromptMessages == nil {
		rec.PromptMessages = []model.Message{}
	}
	if opts.Latency > 0 {
		rec.LatencyMs = model.Latency(opts.Latency.Milliseconds())
	}
	return rec
}

func (s *Service) roundedCost(rec model.TelemetryRecord) float64 {
	return config.RoundCost(s.pricing.EstimateCost(rec.Model, rec.InputTokens, rec.OutputTokens))
}

func (s *Service) emit(rec model.TelemetryRecord) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed || s.rec == nil {
		s.log.Warn("instrumentation closed; record discarded", zap.String("model", rec.Model))
		return
	}
	metrics.RecordsEmitted.WithLabelValues(string(rec.Status), rec.TokenSource).Inc()
	metrics.CostUSD.WithLabelValues(rec.Provider).Add(rec.CostUSD)
	s.rec.Add(rec)
}

// providerHints map lowercase model substrings to providers, checked in order.
var providerHints = []struct {
	provider string
	subs     []string
}{
	{"anthropic", []string{"claude"}},
	{"openai", []string{"gpt", "o1", "o3"}},
	{"minimax", []string{"minimax", "abab"}},
	{"google", []string{"gemini"}},
	{"mistral", []string{"mistral", "mixtral"}},
	{"deepseek", []string{"deepseek"}},
	{"xai", []string{"grok"}},
	{"meta", []string{"llama"}},
	{"cohere", []string{"command"}},
}

// DetectProvider guesses a provider from a model name.
func DetectProvider(modelName string) string {
	lower := strings.ToLower(modelName)
	for _, h := range providerHints {
		for _, sub := range h.subs {
			if strings.Contains(lower, sub) {
				return h.provider
			}
		}
	}
	return "unknown"
}

// hostProviders are checked against a client's base URL before falling back
// to the model name.
var hostProviders = []string{"minimax", "together", "groq", "fireworks", "deepseek", "perplexity", "openai"}

// ProviderFromBaseURL names the provider behind an OpenAI-compatible base URL.
// Unrecognized hosts fall back to the model name, then to "openai".
func ProviderFromBaseURL(baseURL, modelName string) string {
	lower := strings.ToLower(baseURL)
	for _, p := range hostProviders {
		if strings.Contains(lower, p) {
			return p
		}
	}
	if p := DetectProvider(modelName); p != "unknown" {
		return p
	}
	return "openai"
}
