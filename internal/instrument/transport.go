package instrument

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentpulse/agentpulse/internal/capture"
	"github.com/agentpulse/agentpulse/internal/model"
)

// Transport is an http.RoundTripper that records chat-style exchanges made
// by any HTTP-based SDK. Install it as the SDK's HTTP client transport.
type Transport struct {
	Service  *Service
	Base     http.RoundTripper // http.DefaultTransport when nil
	Provider string            // detected from the request host when empty
}

// HTTPClient returns a client using the transport.
func (t *Transport) HTTPClient() *http.Client {
	return &http.Client{Transport: t}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// RoundTrip forwards the request and records POST exchanges with a JSON
// object body. The response body is handed back to the caller unchanged.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodPost || req.Body == nil || t.Service == nil {
		return t.base().RoundTrip(req)
	}

	reqBody, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, err
	}
	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(reqBody))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(reqBody)), nil
	}

	reqJSON := capture.DecodeRequest(reqBody)
	if len(reqJSON) == 0 {
		return t.base().RoundTrip(out)
	}
	modelName, _ := reqJSON["model"].(string)
	provider := t.Provider
	if provider == "" {
		provider = ProviderFromBaseURL(req.URL.Host, modelName)
		if strings.Contains(strings.ToLower(req.URL.Host), "anthropic") {
			provider = "anthropic"
		}
	}
	ex := &exchange{
		svc:      t.Service,
		provider: provider,
		model:    modelName,
		request:  reqBody,
		prompt:   capture.ExtractPrompt(provider, reqJSON),
		start:    t.Service.now(),
	}

	resp, err := t.base().RoundTrip(out)
	if err != nil {
		ex.fail(err)
		return nil, err
	}
	if resp.StatusCode >= 400 {
		ex.failStatus(resp)
		return resp, nil
	}

	streaming := capture.IsStreaming(reqJSON) ||
		strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
	if streaming {
		resp.Body = &teeBody{rc: resp.Body, ex: ex}
		return resp, nil
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		ex.fail(err)
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	ex.succeed(body)
	return resp, nil
}

type exchange struct {
	svc      *Service
	provider string
	model    string
	request  []byte
	prompt   []model.Message
	start    time.Time
}

func (e *exchange) opts() TrackOptions {
	return TrackOptions{
		Provider: e.provider,
		Latency:  e.svc.now().Sub(e.start),
		Messages: e.prompt,
	}
}

func (e *exchange) succeed(body []byte) {
	opts := e.opts()
	if u := Normalize(json.RawMessage(body)); u.Model == "" {
		opts.Model = e.model
	}
	e.svc.Track(json.RawMessage(body), opts)
}

func (e *exchange) succeedStream(body []byte) {
	c, ok := capture.Build(capture.Exchange{
		Provider:  e.provider,
		Request:   e.request,
		Response:  body,
		Streaming: true,
	})
	if !ok {
		return
	}
	opts := e.opts()
	opts.Model = c.Model
	rec := e.svc.newRecord(c.Model, opts)
	rec.InputTokens = c.InputTokens
	rec.OutputTokens = c.OutputTokens
	rec.ResponseText = c.ResponseText
	rec.CostUSD = e.svc.roundedCost(rec)
	e.svc.emit(rec)
}

func (e *exchange) fail(err error) {
	opts := e.opts()
	opts.Model = e.model
	e.svc.TrackError(err, opts)
}

func (e *exchange) failStatus(resp *http.Response) {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))

	snippet := body
	if len(snippet) > 512 {
		snippet = snippet[:512]
	}
	msg := fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	if resp.StatusCode == http.StatusTooManyRequests {
		msg = "rate limit: " + msg
	}
	e.fail(errors.New(msg))
}

// teeBody copies a streamed body as the caller reads it and records the
// exchange once, at EOF or Close.
type teeBody struct {
	rc   io.ReadCloser
	ex   *exchange
	buf  bytes.Buffer
	once sync.Once
}

func (b *teeBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if n > 0 {
		b.buf.Write(p[:n])
	}
	if err == io.EOF {
		b.done()
	}
	return n, err
}

func (b *teeBody) Close() error {
	err := b.rc.Close()
	b.done()
	return err
}

func (b *teeBody) done() {
	b.once.Do(func() { b.ex.succeedStream(b.buf.Bytes()) })
}
