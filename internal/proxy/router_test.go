package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/aegis-gateway/internal/provider"
	"github.com/vnmchuo/aegis-gateway/internal/provider/gemini"
	"github.com/vnmchuo/aegis-gateway/internal/provider/openai"
)

const quota429 = `[{"error":{"code":429,"message":"You exceeded your current quota","status":"RESOURCE_EXHAUSTED"}}]`

// upstreamStub records every request body and answers from a script.
type upstreamStub struct {
	mu     sync.Mutex
	bodies []map[string]any
	answer func(n int, w http.ResponseWriter, body map[string]any)
}

func (s *upstreamStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	s.mu.Lock()
	s.bodies = append(s.bodies, body)
	n := len(s.bodies)
	s.mu.Unlock()

	s.answer(n, w, body)
}

func (s *upstreamStub) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bodies)
}

func (s *upstreamStub) body(i int) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bodies[i]
}

type fallbackRecorder struct {
	mu        sync.Mutex
	fallbacks []int
	upstream  map[int]int
}

func (r *fallbackRecorder) Fallback(_ string, status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks = append(r.fallbacks, status)
}

func (r *fallbackRecorder) Upstream(_ string, status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.upstream == nil {
		r.upstream = map[int]int{}
	}
	r.upstream[status]++
}

func newTestRouter(t *testing.T, stub *upstreamStub, opts ...RouterOption) *Router {
	t.Helper()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	upstreams := []provider.Upstream{
		gemini.New("g-key", srv.URL, nil),
		openai.New("o-key", srv.URL),
	}
	opts = append([]RouterOption{
		WithRoutes([]Route{{Prefix: "gemini-", Provider: provider.Gemini}}),
		WithFallback(Fallback{Provider: provider.Gemini, Model: "gemini-2.5-flash"}),
	}, opts...)
	return NewRouter(upstreams, provider.Gemini, opts...)
}

func TestResolve(t *testing.T) {
	r := NewRouter([]provider.Upstream{gemini.New("k", "", nil), openai.New("k", "")}, provider.Gemini,
		WithRoutes([]Route{{Prefix: "gemini-", Provider: provider.Gemini}, {Prefix: "gpt-", Provider: provider.OpenAI}}))

	tests := []struct {
		name     string
		override string
		model    string
		want     string
	}{
		{"known override wins", "openai", "gemini-2.5-pro", "openai"},
		{"override is case insensitive", "  OpenAI ", "gemini-2.5-pro", "openai"},
		{"unknown override ignored", "anthropic", "gpt-4o", "openai"},
		{"prefix route", "", "gemini-2.5-pro", "gemini"},
		{"second prefix route", "", "gpt-4o-mini", "openai"},
		{"default provider", "", "mistral-large", "gemini"},
		{"empty model uses default", "", "", "gemini"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Resolve(tt.override, tt.model))
		})
	}
}

func TestForward_FallbackRetriesExactlyOnce(t *testing.T) {
	stub := &upstreamStub{answer: func(_ int, w http.ResponseWriter, _ map[string]any) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(quota429))
	}}
	rec := &fallbackRecorder{}
	r := newTestRouter(t, stub, WithRecorder(rec))

	resp, err := r.Forward(context.Background(), provider.Gemini, []byte(`{"model":"gemini-2.5-pro","messages":[]}`), false)
	require.NoError(t, err)

	assert.Equal(t, 2, stub.calls(), "one attempt plus exactly one retry")
	assert.Equal(t, "gemini-2.5-pro", stub.body(0)["model"])
	assert.Equal(t, "gemini-2.5-flash", stub.body(1)["model"])
	assert.Contains(t, stub.body(1), "messages", "other fields survive the model rewrite")

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.True(t, resp.Retried)
	assert.Equal(t, "gemini-2.5-flash", resp.Model)
	assert.JSONEq(t, quota429, string(resp.ErrorBody), "second 429 surfaces unchanged")
	assert.Equal(t, []int{http.StatusTooManyRequests}, rec.fallbacks)
	assert.Equal(t, 2, rec.upstream[http.StatusTooManyRequests])
}

func TestForward_FallbackSucceeds(t *testing.T) {
	stub := &upstreamStub{answer: func(n int, w http.ResponseWriter, _ map[string]any) {
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"Quota exceeded for quota metric"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"ok"}`))
	}}
	r := newTestRouter(t, stub)

	resp, err := r.Forward(context.Background(), provider.Gemini, []byte(`{"model":"gemini-2.5-pro"}`), false)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.True(t, resp.OK())
	assert.True(t, resp.Retried)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"ok"}`, string(data))
}

func TestForward_NoFallback(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		body     string
		stream   bool
		answer   string
	}{
		{"streaming is never retried", provider.Gemini, `{"model":"gemini-2.5-pro","stream":true}`, true, quota429},
		{"requested model is the fallback model", provider.Gemini, `{"model":"gemini-2.5-flash"}`, false, quota429},
		{"429 without a quota phrase", provider.Gemini, `{"model":"gemini-2.5-pro"}`, false, `{"error":{"message":"slow down"}}`},
		{"not the fallback provider", provider.OpenAI, `{"model":"gpt-4o"}`, false, quota429},
		{"no model", provider.Gemini, `{}`, false, quota429},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &upstreamStub{answer: func(_ int, w http.ResponseWriter, _ map[string]any) {
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(tt.answer))
			}}
			r := newTestRouter(t, stub)

			resp, err := r.Forward(context.Background(), tt.provider, []byte(tt.body), tt.stream)
			require.NoError(t, err)
			assert.Equal(t, 1, stub.calls())
			assert.False(t, resp.Retried)
			assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		})
	}
}

func TestForward_FallbackDisabled(t *testing.T) {
	stub := &upstreamStub{answer: func(_ int, w http.ResponseWriter, _ map[string]any) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(quota429))
	}}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	r := NewRouter([]provider.Upstream{gemini.New("k", srv.URL, nil)}, provider.Gemini,
		WithFallback(Fallback{Provider: provider.Gemini}))

	_, err := r.Forward(context.Background(), provider.Gemini, []byte(`{"model":"gemini-2.5-pro"}`), false)
	require.NoError(t, err)
	assert.Equal(t, 1, stub.calls())
}

func TestForward_CircuitBreakerOpens(t *testing.T) {
	stub := &upstreamStub{answer: func(_ int, w http.ResponseWriter, _ map[string]any) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom"}}`))
	}}
	r := newTestRouter(t, stub)

	for i := 0; i < 3; i++ {
		resp, err := r.Forward(context.Background(), provider.OpenAI, []byte(`{"model":"gpt-4o"}`), false)
		require.NoError(t, err)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	}

	_, err := r.Forward(context.Background(), provider.OpenAI, []byte(`{"model":"gpt-4o"}`), false)
	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, CodeUpstreamUnavailable, ue.Code())
	assert.Equal(t, http.StatusServiceUnavailable, ue.Status)
	assert.Equal(t, 3, stub.calls(), "open breaker short-circuits")
}

func TestForward_UnknownProvider(t *testing.T) {
	r := NewRouter(nil, provider.Gemini)
	_, err := r.Forward(context.Background(), "anthropic", []byte(`{}`), false)

	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, CodeUnknownProvider, ue.Code())
}

func TestForward_MissingKeyDoesNotTripBreaker(t *testing.T) {
	r := NewRouter([]provider.Upstream{openai.New("", "http://127.0.0.1:0")}, provider.OpenAI)
	for i := 0; i < 5; i++ {
		_, err := r.Forward(context.Background(), provider.OpenAI, []byte(`{}`), false)
		var ue *UpstreamError
		require.True(t, errors.As(err, &ue))
		assert.Equal(t, CodeNotConfigured, ue.Code())
	}
}
