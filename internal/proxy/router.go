package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/vnmchuo/aegis-gateway/internal/provider"
)

// maxErrorBody caps how much of a non-2xx upstream body is buffered.
const maxErrorBody = 1 << 20

const (
	CodeUnknownProvider     = "unknown_provider"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeUpstreamError       = "upstream_error"
	CodeNotConfigured       = "provider_not_configured"
)

// UpstreamError is returned when no upstream response exists to pass on.
type UpstreamError struct {
	Provider string
	Status   int
	code     string
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.code, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Code() string { return e.code }

// Route sends models with Prefix to Provider.
type Route struct {
	Prefix   string
	Provider string
}

// Fallback retries one provider's quota rejections once on Model.
type Fallback struct {
	Provider string
	Model    string
}

// Recorder receives upstream metrics.
type Recorder interface {
	Fallback(provider string, status int)
	Upstream(provider string, status int)
}

type nopRecorder struct{}

func (nopRecorder) Fallback(string, int) {}
func (nopRecorder) Upstream(string, int) {}

// Response is an upstream answer. Body is set for 2xx responses and must be
// closed by the caller; ErrorBody holds the buffered body otherwise.
type Response struct {
	Provider   string
	Model      string
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	ErrorBody  []byte
	Retried    bool
}

func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

type Router struct {
	upstreams       map[string]provider.Upstream
	breakers        map[string]*gobreaker.CircuitBreaker
	defaultProvider string
	routes          []Route
	fallback        *Fallback
	recorder        Recorder
	logger          *zap.Logger
}

type RouterOption func(*Router)

func WithRoutes(routes []Route) RouterOption {
	return func(r *Router) { r.routes = routes }
}

// WithFallback enables the single quota retry. A zero model disables it.
func WithFallback(f Fallback) RouterOption {
	return func(r *Router) {
		if f.Provider != "" && f.Model != "" {
			r.fallback = &f
		}
	}
}

func WithRecorder(rec Recorder) RouterOption {
	return func(r *Router) { r.recorder = rec }
}

func WithRouterLogger(l *zap.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

func NewRouter(upstreams []provider.Upstream, defaultProvider string, opts ...RouterOption) *Router {
	r := &Router{
		upstreams:       make(map[string]provider.Upstream, len(upstreams)),
		breakers:        make(map[string]*gobreaker.CircuitBreaker, len(upstreams)),
		defaultProvider: defaultProvider,
		recorder:        nopRecorder{},
		logger:          zap.NewNop(),
	}
	for _, up := range upstreams {
		settings := gobreaker.Settings{
			Name:        up.Name(),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}
		r.upstreams[up.Name()] = up
		r.breakers[up.Name()] = gobreaker.NewCircuitBreaker(settings)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Known reports whether name is a configured upstream.
func (r *Router) Known(name string) bool {
	_, ok := r.upstreams[name]
	return ok
}

// Resolve picks the provider for a call: a known override wins, then the
// first matching model prefix, then the default.
func (r *Router) Resolve(override, model string) string {
	if o := strings.ToLower(strings.TrimSpace(override)); r.Known(o) {
		return o
	}
	for _, rt := range r.routes {
		if rt.Prefix != "" && strings.HasPrefix(model, rt.Prefix) {
			return rt.Provider
		}
	}
	return r.defaultProvider
}

// Forward posts body to the named provider. A non-streaming quota rejection
// from the fallback provider is retried exactly once with the fallback model.
func (r *Router) Forward(ctx context.Context, name string, body []byte, stream bool) (*Response, error) {
	up, ok := r.upstreams[name]
	if !ok {
		return nil, &UpstreamError{Provider: name, Status: http.StatusBadRequest, code: CodeUnknownProvider, Err: errors.New("provider not configured")}
	}

	model := modelOf(body)
	resp, err := r.send(ctx, up, body, stream)
	if err != nil {
		return nil, err
	}
	resp.Model = model
	if !r.shouldFallback(up, resp, model, stream) {
		return resp, nil
	}

	retryBody, err := provider.SetField(body, "model", r.fallback.Model)
	if err != nil {
		return resp, nil
	}
	r.logger.Info("upstream quota exhausted, retrying with fallback model",
		zap.String("provider", name),
		zap.String("model", model),
		zap.String("fallback_model", r.fallback.Model),
	)
	retry, err := r.send(ctx, up, retryBody, stream)
	if err != nil {
		r.recorder.Fallback(name, 0)
		return nil, err
	}
	r.recorder.Fallback(name, retry.StatusCode)
	retry.Model = r.fallback.Model
	retry.Retried = true
	return retry, nil
}

func (r *Router) shouldFallback(up provider.Upstream, resp *Response, model string, stream bool) bool {
	f := r.fallback
	switch {
	case f == nil, stream, resp.OK():
		return false
	case up.Name() != f.Provider:
		return false
	case model == "" || model == f.Model:
		return false
	}
	return up.QuotaExhausted(resp.StatusCode, resp.ErrorBody)
}

func (r *Router) send(ctx context.Context, up provider.Upstream, body []byte, stream bool) (*Response, error) {
	cb := r.breakers[up.Name()]

	var (
		httpResp *http.Response
		callErr  error
	)
	_, err := cb.Execute(func() (interface{}, error) {
		httpResp, callErr = up.Do(ctx, body, stream)
		switch {
		case callErr != nil && (ctx.Err() != nil || errors.Is(callErr, provider.ErrMissingAPIKey)):
			// Not the upstream's fault.
			return nil, nil
		case callErr != nil:
			return nil, callErr
		case httpResp.StatusCode >= 500:
			return nil, fmt.Errorf("upstream status %d", httpResp.StatusCode)
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &UpstreamError{Provider: up.Name(), Status: http.StatusServiceUnavailable, code: CodeUpstreamUnavailable, Err: err}
	}
	if callErr != nil {
		if errors.Is(callErr, provider.ErrMissingAPIKey) {
			return nil, &UpstreamError{Provider: up.Name(), Status: http.StatusInternalServerError, code: CodeNotConfigured, Err: callErr}
		}
		return nil, &UpstreamError{Provider: up.Name(), Status: http.StatusBadGateway, code: CodeUpstreamError, Err: callErr}
	}

	r.recorder.Upstream(up.Name(), httpResp.StatusCode)
	resp := &Response{
		Provider:   up.Name(),
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
	}
	if resp.OK() {
		resp.Body = httpResp.Body
		return resp, nil
	}
	defer httpResp.Body.Close()
	resp.ErrorBody, err = io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
	if err != nil {
		r.logger.Warn("read upstream error body", zap.String("provider", up.Name()), zap.Error(err))
	}
	return resp, nil
}

func modelOf(body []byte) string {
	var probe struct {
		Model string `json:"model"`
	}
	_ = json.Unmarshal(body, &probe)
	return probe.Model
}
