// Package proxy is a local reverse proxy in front of LLM provider APIs. It
// forwards traffic unchanged and records exact token usage for the
// correlator.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/agentpulse/agentpulse/internal/capture"
	"github.com/agentpulse/agentpulse/internal/logging"
	"github.com/agentpulse/agentpulse/internal/metrics"
)

// DefaultUpstreams maps a path prefix to the provider API it forwards to.
var DefaultUpstreams = map[string]string{
	"anthropic": "https://api.anthropic.com",
	"openai":    "https://api.openai.com",
	"minimax":   "https://api.minimax.chat",
	"deepseek":  "https://api.deepseek.com",
	"google":    "https://generativelanguage.googleapis.com",
	"mistral":   "https://api.mistral.ai",
	"groq":      "https://api.groq.com",
	"together":  "https://api.together.xyz",
	"fireworks": "https://api.fireworks.ai",
}

// ErrUnknownProvider is reported for paths whose first segment is not a
// configured provider.
var ErrUnknownProvider = errors.New("proxy: unknown provider")

const (
	upstreamTimeout = 300 * time.Second
	streamChunk     = 4096
	maxCaptureBody  = 16 << 20
)

// Options configures a Server.
type Options struct {
	Addr      string
	Upstreams map[string]string // merged over DefaultUpstreams
	Queue     *capture.Queue
	Logger    *zap.Logger
	Tracer    trace.Tracer
	Client    *http.Client
}

// Server forwards /<provider>/<path> to the provider's API.
type Server struct {
	addr      string
	upstreams map[string]*url.URL
	queue     *capture.Queue
	log       *zap.Logger
	tracer    trace.Tracer
	client    *http.Client

	srv *http.Server
	ln  net.Listener
}

// New validates the upstream table and builds a server. It does not listen.
func New(opts Options) (*Server, error) {
	s := &Server{
		addr:      opts.Addr,
		upstreams: make(map[string]*url.URL),
		queue:     opts.Queue,
		log:       logging.OrNop(opts.Logger),
		tracer:    opts.Tracer,
		client:    opts.Client,
	}
	if s.queue == nil {
		s.queue = capture.NewQueue(capture.DefaultCapacity)
	}
	if s.tracer == nil {
		s.tracer = noop.NewTracerProvider().Tracer("proxy")
	}
	if s.client == nil {
		s.client = &http.Client{
			Timeout: upstreamTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	merged := make(map[string]string, len(DefaultUpstreams)+len(opts.Upstreams))
	for k, v := range DefaultUpstreams {
		merged[k] = v
	}
	for k, v := range opts.Upstreams {
		merged[strings.ToLower(k)] = v
	}
	for name, raw := range merged {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("proxy: invalid upstream for %s: %q", name, raw)
		}
		s.upstreams[name] = u
	}
	return s, nil
}

// Queue returns the capture queue the proxy fills.
func (s *Server) Queue() *capture.Queue { return s.queue }

// Providers returns the configured provider names, sorted.
func (s *Server) Providers() []string {
	names := make([]string, 0, len(s.upstreams))
	for n := range s.upstreams {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Handler returns the proxy's HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(corsPreflight)
	r.HandleFunc("/{provider}", s.forward)
	r.HandleFunc("/{provider}/*", s.forward)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		s.unknownProvider(w, "")
	})
	return r
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("proxy: listening on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("proxy server stopped", zap.Error(err))
		}
	}()
	s.log.Info("LLM proxy listening", zap.String("addr", "http://"+ln.Addr().String()))
	s.log.Info("route provider base URLs through the proxy",
		zap.String("example", "ANTHROPIC_BASE_URL=http://"+ln.Addr().String()+"/anthropic"))
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	s.log.Info("LLM proxy stopped")
	return err
}

func corsPreflight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "*")
		w.WriteHeader(http.StatusOK)
	})
}

func (s *Server) unknownProvider(w http.ResponseWriter, name string) {
	msg := fmt.Sprintf("%v %q. Use one of: %s", ErrUnknownProvider, name, strings.Join(s.Providers(), ", "))
	http.Error(w, msg, http.StatusNotFound)
}

func (s *Server) forward(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(chi.URLParam(r, "provider"))
	base, ok := s.upstreams[provider]
	if !ok {
		s.unknownProvider(w, provider)
		return
	}

	ctx, span := s.tracer.Start(r.Context(), "proxy.forward", trace.WithAttributes(
		attribute.String("llm.provider", provider),
		attribute.String("http.method", r.Method),
	))
	defer span.End()

	reqBody, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Proxy error: reading request body", http.StatusBadRequest)
		return
	}

	var reqJSON map[string]any
	if r.Method == http.MethodPost {
		reqJSON = capture.DecodeRequest(reqBody)
	}
	streaming := capture.IsStreaming(reqJSON)

	target := *base
	target.Path = strings.TrimRight(base.Path, "/") + "/" + chi.URLParam(r, "*")
	target.RawQuery = r.URL.RawQuery

	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), bytes.NewReader(reqBody))
	if err != nil {
		s.fail(w, span, provider, err)
		return
	}
	for k, vs := range r.Header {
		switch strings.ToLower(k) {
		case "host", "transfer-encoding", "content-length", "accept-encoding", "connection":
			continue
		}
		out.Header[k] = append([]string(nil), vs...)
	}

	resp, err := s.client.Do(out)
	if err != nil {
		s.fail(w, span, provider, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	for k, vs := range resp.Header {
		if strings.EqualFold(k, "Transfer-Encoding") {
			continue
		}
		w.Header()[k] = append([]string(nil), vs...)
	}
	w.WriteHeader(resp.StatusCode)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	metrics.ProxyRequests.WithLabelValues(provider, strconv.Itoa(resp.StatusCode)).Inc()

	isSSE := strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
	var respBody []byte
	if streaming || isSSE {
		respBody, err = relayStream(w, resp.Body)
		streaming = true
	} else {
		respBody, err = io.ReadAll(resp.Body)
		if err == nil {
			_, err = w.Write(respBody)
		}
	}
	if err != nil {
		s.log.Warn("proxy relay interrupted", zap.String("provider", provider), zap.Error(err))
		span.RecordError(err)
		return
	}

	if r.Method == http.MethodPost && resp.StatusCode < 400 && len(reqJSON) > 0 {
		s.capture(provider, reqBody, respBody, streaming)
	}
}

func (s *Server) fail(w http.ResponseWriter, span trace.Span, provider string, err error) {
	s.log.Error("proxy forward error", zap.String("provider", provider), zap.Error(err))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	metrics.ProxyRequests.WithLabelValues(provider, strconv.Itoa(http.StatusBadGateway)).Inc()
	http.Error(w, "Proxy error: "+err.Error(), http.StatusBadGateway)
}

// relayStream copies an event stream to the client chunk by chunk, flushing
// after each write, and returns what it relayed for capture.
func relayStream(w http.ResponseWriter, body io.Reader) ([]byte, error) {
	rc := http.NewResponseController(w)
	var buf bytes.Buffer
	chunk := make([]byte, streamChunk)
	for {
		n, err := body.Read(chunk)
		if n > 0 {
			if _, werr := w.Write(chunk[:n]); werr != nil {
				return buf.Bytes(), werr
			}
			_ = rc.Flush()
			if buf.Len() < maxCaptureBody {
				buf.Write(chunk[:n])
			}
		}
		if errors.Is(err, io.EOF) {
			return buf.Bytes(), nil
		}
		if err != nil {
			return buf.Bytes(), err
		}
	}
}

func (s *Server) capture(provider string, reqBody, respBody []byte, streaming bool) {
	c, ok := capture.Build(capture.Exchange{
		Provider:  provider,
		Request:   reqBody,
		Response:  respBody,
		Streaming: streaming,
	})
	if !ok {
		return
	}
	c = s.queue.Push(c)
	metrics.Captures.WithLabelValues(provider).Inc()
	s.log.Info("captured",
		zap.String("provider", provider),
		zap.String("model", c.Model),
		zap.Int64("input_tokens", c.InputTokens),
		zap.Int64("output_tokens", c.OutputTokens),
		zap.Int("prompt_messages", len(c.PromptMessages)),
	)
}
