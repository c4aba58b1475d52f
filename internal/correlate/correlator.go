// Package correlate turns the interleaved event stream of many agent runs
// into finished telemetry records.
package correlate

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentpulse/agentpulse/internal/config"
	"github.com/agentpulse/agentpulse/internal/logging"
	"github.com/agentpulse/agentpulse/internal/metrics"
	"github.com/agentpulse/agentpulse/internal/model"
)

// Defaults for record assembly.
const (
	DefaultIdleTTL   = time.Hour
	fallbackProvider = "minimax"
	errorProvider    = "openclaw"
	// silentTool only relays output to the user and is not reported.
	silentTool = "message"
)

// Options configures a Correlator.
type Options struct {
	DefaultModel string
	Pricing      *config.PricingTable
	Resolver     *Resolver
	IdleTTL      time.Duration
	Logger       *zap.Logger
	Now          func() time.Time
}

type runState struct {
	model    string
	provider string
	tools    map[string]struct{}
	errors   []string
	opened   uint64
	lastSeen time.Time
}

// Correlator tracks per-run state between prompt cycles. It is driven by a
// single polling loop and is not safe for concurrent use.
type Correlator struct {
	defaultModel string
	pricing      *config.PricingTable
	resolver     *Resolver
	ttl          time.Duration
	log          *zap.Logger
	now          func() time.Time

	runs map[string]*runState
	seq  uint64
}

// New creates a correlator. Zero options fall back to the default model,
// the built-in pricing table, estimate-only resolution and a one hour TTL.
func New(opts Options) *Correlator {
	c := &Correlator{
		defaultModel: opts.DefaultModel,
		pricing:      opts.Pricing,
		resolver:     opts.Resolver,
		ttl:          opts.IdleTTL,
		log:          logging.OrNop(opts.Logger),
		now:          opts.Now,
		runs:         make(map[string]*runState),
	}
	if c.defaultModel == "" {
		c.defaultModel = config.DefaultModel
	}
	if c.pricing == nil {
		c.pricing = config.NewPricingTable(nil)
	}
	if c.resolver == nil {
		c.resolver = NewResolver(nil, 1, 0)
	}
	if c.ttl <= 0 {
		c.ttl = DefaultIdleTTL
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// OpenRuns returns the number of runs with live state.
func (c *Correlator) OpenRuns() int { return len(c.runs) }

// Handle applies one event. It returns a record when the event completes an
// LLM call: a prompt end, a usage line or a generic error.
func (c *Correlator) Handle(ctx context.Context, ev model.LogEvent) (model.TelemetryRecord, bool) {
	var (
		rec model.TelemetryRecord
		ok  bool
	)

	switch ev.Kind {
	case model.KindRunStart:
		run := c.run(ev.RunID)
		c.seq++
		run.opened = c.seq
		run.model, run.provider = ev.Model, ev.Provider

	case model.KindToolStart:
		if ev.Tool != silentTool && ev.Tool != "" {
			c.run(ev.RunID).tools[ev.Tool] = struct{}{}
		}

	case model.KindToolError:
		if run := c.latestRun(); run != nil {
			run.errors = append(run.errors, ev.Tool+": "+ev.Error)
			run.lastSeen = c.now()
		}

	case model.KindPromptEnd:
		rec, ok = c.finishPrompt(ctx, ev), true

	case model.KindRunDone:
		delete(c.runs, ev.RunID)

	case model.KindUsage:
		rec, ok = c.usageRecord(ev), true

	case model.KindGenericError:
		rec, ok = c.errorRecord(ev), true

	case model.KindToolEnd, model.KindAgentEnd:
		// Carry no state.
	}

	metrics.OpenRuns.Set(float64(len(c.runs)))
	if ok {
		metrics.RecordsEmitted.WithLabelValues(string(rec.Status), rec.TokenSource).Inc()
		metrics.CostUSD.WithLabelValues(rec.Provider).Add(rec.CostUSD)
	}
	return rec, ok
}

// EvictIdle drops runs not referenced within the idle TTL of now and
// returns how many were removed.
func (c *Correlator) EvictIdle(now time.Time) int {
	cutoff := now.Add(-c.ttl)
	n := 0
	for id, run := range c.runs {
		if run.lastSeen.Before(cutoff) {
			delete(c.runs, id)
			n++
		}
	}
	if n > 0 {
		metrics.RunsEvicted.Add(float64(n))
		metrics.OpenRuns.Set(float64(len(c.runs)))
		c.log.Info("evicted idle runs", zap.Int("count", n), zap.Duration("ttl", c.ttl))
	}
	return n
}

// run returns the state for id, creating it on first reference.
func (c *Correlator) run(id string) *runState {
	r, ok := c.runs[id]
	if !ok {
		c.seq++
		r = &runState{tools: make(map[string]struct{}), opened: c.seq}
		c.runs[id] = r
	}
	r.lastSeen = c.now()
	return r
}

func (c *Correlator) latestRun() *runState {
	var latest *runState
	for _, r := range c.runs {
		if latest == nil || r.opened > latest.opened {
			latest = r
		}
	}
	return latest
}

func (c *Correlator) finishPrompt(ctx context.Context, ev model.LogEvent) model.TelemetryRecord {
	run := c.run(ev.RunID)

	modelName := run.model
	if modelName == "" {
		modelName = c.defaultModel
	}
	provider := run.provider
	if provider == "" {
		provider = providerOf(modelName)
	}

	res := c.resolver.Resolve(ctx, ev.DurationMs)
	prompt := []model.Message{}
	var response string
	if res.Capture != nil {
		if res.Capture.Model != "" {
			modelName = res.Capture.Model
		}
		if res.Capture.PromptMessages != nil {
			prompt = res.Capture.PromptMessages
		}
		response = res.Capture.ResponseText
	}

	tools := make([]string, 0, len(run.tools))
	for t := range run.tools {
		tools = append(tools, t)
	}
	sort.Strings(tools)

	rec := c.newRecord(ev)
	rec.Provider = provider
	rec.Model = modelName
	rec.InputTokens = res.InputTokens
	rec.OutputTokens = res.OutputTokens
	rec.CostUSD = config.RoundCost(c.pricing.EstimateCost(modelName, res.InputTokens, res.OutputTokens))
	rec.LatencyMs = model.Latency(ev.DurationMs)
	rec.ToolsUsed = tools
	rec.PromptMessages = prompt
	rec.ResponseText = response
	rec.TokenSource = res.Source
	rec.TaskContext = "session:" + orDefault(ev.SessionID, "unknown")
	if len(run.errors) > 0 {
		rec.Status = model.StatusError
		rec.ErrorMessage = strings.Join(run.errors, "; ")
	}

	run.tools = make(map[string]struct{})
	run.errors = nil

	c.log.Info("LLM call",
		zap.String("provider", rec.Provider),
		zap.String("model", rec.Model),
		zap.Int64("duration_ms", ev.DurationMs),
		zap.Int64("input_tokens", rec.InputTokens),
		zap.Int64("output_tokens", rec.OutputTokens),
		zap.Float64("cost_usd", rec.CostUSD),
		zap.Strings("tools", rec.ToolsUsed),
		zap.String("source", rec.TokenSource),
	)
	return rec
}

func (c *Correlator) usageRecord(ev model.LogEvent) model.TelemetryRecord {
	full := orDefault(ev.Model, c.defaultModel)
	provider := ev.Provider
	if provider == "" {
		provider = providerOf(full)
	}

	rec := c.newRecord(ev)
	rec.Provider = provider
	rec.Model = full[strings.LastIndexByte(full, '/')+1:]
	rec.InputTokens = ev.InputTokens
	rec.OutputTokens = ev.OutputTokens
	rec.CostUSD = config.RoundCost(c.pricing.EstimateCost(full, ev.InputTokens, ev.OutputTokens))
	rec.LatencyMs = ev.LatencyMs
	rec.TokenSource = orDefault(ev.TokenSource, model.SourceExact)

	c.log.Info("exact usage",
		zap.String("model", full),
		zap.Int64("input_tokens", rec.InputTokens),
		zap.Int64("output_tokens", rec.OutputTokens),
		zap.Float64("cost_usd", rec.CostUSD),
	)
	return rec
}

func (c *Correlator) errorRecord(ev model.LogEvent) model.TelemetryRecord {
	rec := c.newRecord(ev)
	rec.Provider = orDefault(ev.Provider, errorProvider)
	rec.Model = orDefault(ev.Model, c.defaultModel)
	rec.Status = model.StatusError
	if ev.RateLimited {
		rec.Status = model.StatusRateLimit
	}
	rec.ErrorMessage = orDefault(ev.Error, "Unknown error")
	rec.TokenSource = model.SourceExact

	msg := rec.ErrorMessage
	if len(msg) > 80 {
		msg = msg[:80]
	}
	c.log.Info("error event", zap.String("message", msg), zap.String("status", string(rec.Status)))
	return rec
}

func (c *Correlator) newRecord(ev model.LogEvent) model.TelemetryRecord {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = c.now()
	}
	return model.TelemetryRecord{
		ID:             uuid.NewString(),
		Timestamp:      ts.UTC(),
		Status:         model.StatusSuccess,
		ToolsUsed:      []string{},
		PromptMessages: []model.Message{},
	}
}

// providerOf returns the part of a "provider/model" string before the slash.
func providerOf(modelName string) string {
	if p, _, ok := strings.Cut(modelName, "/"); ok && p != "" {
		return p
	}
	return fallbackProvider
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
