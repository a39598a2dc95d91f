package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/aegis-gateway/internal/gate"
	"github.com/vnmchuo/aegis-gateway/internal/ledger"
	"github.com/vnmchuo/aegis-gateway/internal/policy"
	"github.com/vnmchuo/aegis-gateway/internal/pricing"
	"github.com/vnmchuo/aegis-gateway/internal/provider"
	"github.com/vnmchuo/aegis-gateway/internal/provider/gemini"
	"github.com/vnmchuo/aegis-gateway/internal/provider/openai"
	"github.com/vnmchuo/aegis-gateway/internal/receipt"
	"github.com/vnmchuo/aegis-gateway/internal/ssetap"
)

var now = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

type memorySink struct {
	mu       sync.Mutex
	receipts []*receipt.Receipt
}

func (s *memorySink) Write(_ context.Context, r *receipt.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *memorySink) last(t *testing.T) *receipt.Receipt {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.receipts, "no receipt written")
	return s.receipts[len(s.receipts)-1]
}

type testGateway struct {
	server   http.Handler
	upstream *upstreamStub
	ledger   *ledger.Memory
	sink     *memorySink
	signer   *receipt.Signer
}

func demoPolicy() *policy.TenantPolicy {
	return &policy.TenantPolicy{
		Capabilities: []string{policy.CapabilityInvoke},
		Model:        policy.ModelPolicy{AllowModels: []string{"gpt-4o-mini", "gemini-2.5-*"}},
		Routing:      policy.RoutingPolicy{PrimaryProvider: provider.OpenAI, FallbackProviders: []string{provider.Gemini}},
		Budgets: policy.Budgets{
			PerRunUSD: 0.05,
			PerWindow: policy.WindowBudget{Window: ledger.Day, LimitUSD: 1},
		},
	}
}

func setupTest(t *testing.T, answer func(n int, w http.ResponseWriter, body map[string]any)) *testGateway {
	t.Helper()
	stub := &upstreamStub{answer: answer}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	router := NewRouter([]provider.Upstream{
		openai.New("o-key", srv.URL, openai.WithStreamUsage(true)),
		gemini.New("g-key", srv.URL, nil),
	}, provider.Gemini,
		WithRoutes([]Route{{Prefix: "gemini-", Provider: provider.Gemini}}),
		WithFallback(Fallback{Provider: provider.Gemini, Model: "gemini-2.5-flash"}),
	)

	policies, err := policy.NewFileStore(demoPolicy(), nil)
	require.NoError(t, err)

	signer, err := receipt.NewSigner("local-k1", []byte{0x01, 0x02, 0x03, 0x04})
	require.NoError(t, err)

	oracle := pricing.NewOracle(pricing.Table{
		"openai:gpt-4o-mini":  {InputUSDPer1K: 0.001, OutputUSDPer1K: 0.002},
		"gemini:gemini-2.5-*": {InputUSDPer1K: 0.0003, OutputUSDPer1K: 0.0025},
	}, pricing.Strict)

	clock := func() time.Time { return now }
	l := ledger.NewMemory(ledger.Calendar{}, ledger.WithClock(clock))
	sink := &memorySink{}
	g := gate.New(policies, l, oracle, signer, sink, gate.WithClock(clock))

	h := NewHandler(router, g, policies, l, noop.NewTracerProvider().Tracer("test"), nil)
	h.now = clock

	return &testGateway{
		server:   NewServer(h, ServerConfig{RequireTenantHeader: true}),
		upstream: stub,
		ledger:   l,
		sink:     sink,
		signer:   signer,
	}
}

func (g *testGateway) post(body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-Id", "acme")
	req.Header.Set("X-Run-Id", "run-1")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	g.server.ServeHTTP(w, req)
	return w
}

func (g *testGateway) runSpend(t *testing.T) ledger.Amount {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/v1/budget", nil)
	req.Header.Set("X-Tenant-Id", "acme")
	req.Header.Set("X-Run-Id", "run-1")
	w := httptest.NewRecorder()
	g.server.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Snapshot ledger.Snapshot `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Snapshot.RunSpend
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp["error"]
}

func neverCalled(t *testing.T) func(int, http.ResponseWriter, map[string]any) {
	return func(int, http.ResponseWriter, map[string]any) {
		t.Error("upstream must not be called")
	}
}

func TestHandleChatCompletions_MissingTenantHeaders(t *testing.T) {
	g := setupTest(t, neverCalled(t))
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
	w := httptest.NewRecorder()

	g.server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "missing_identity", errorBody(t, w)["code"])
}

func TestHandleChatCompletions_InvalidBody(t *testing.T) {
	g := setupTest(t, neverCalled(t))

	w := g.post(`{invalid json}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_json", errorBody(t, w)["code"])

	w = g.post(`[1,2,3]`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleChatCompletions_PayloadTooLarge(t *testing.T) {
	g := setupTest(t, neverCalled(t))
	big := fmt.Sprintf(`{"model":"gpt-4o-mini","messages":[{"role":"user","content":%q}]}`, strings.Repeat("a", MaxBodyBytes))

	w := g.post(big, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestHandleChatCompletions_PolicyDenied(t *testing.T) {
	g := setupTest(t, neverCalled(t))

	w := g.post(`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`, map[string]string{HeaderProvider: "openai"})

	assert.Equal(t, http.StatusForbidden, w.Code)
	e := errorBody(t, w)
	assert.Equal(t, "policy", e["code"])
	assert.Equal(t, policy.RuleModel, e["rule"])
	assert.Zero(t, g.runSpend(t).USD)
	assert.Empty(t, g.sink.receipts)
}

func TestHandleChatCompletions_BudgetExceeded(t *testing.T) {
	g := setupTest(t, neverCalled(t))

	// 32768 output tokens at $0.002/1k is about $0.0655, over the $0.05 run budget.
	w := g.post(`{"model":"gpt-4o-mini","max_tokens":32768,"messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{HeaderProvider: "openai"})

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	e := errorBody(t, w)
	assert.Equal(t, "budget_exceeded", e["code"])
	assert.Equal(t, gate.RuleRunUSD, e["rule"])
	assert.InDelta(t, 0.05, e["remainingUsd"], 1e-9)
	assert.Greater(t, e["neededUsd"], 0.065)
}

func TestHandleChatCompletions_Success(t *testing.T) {
	upstreamBody := `{"id":"chatcmpl-1","object":"chat.completion","choices":[],"usage":{"prompt_tokens":100,"completion_tokens":50,"total_tokens":150}}`
	g := setupTest(t, func(_ int, w http.ResponseWriter, _ map[string]any) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Openai-Request-Id", "req-upstream-1")
		w.Header().Set("Set-Cookie", "secret=1")
		_, _ = w.Write([]byte(upstreamBody))
	})

	w := g.post(`{"model":"gpt-4o-mini","max_tokens":50,"messages":[{"role":"user","content":"hello"}]}`,
		map[string]string{HeaderProvider: "openai"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, upstreamBody, w.Body.String())
	assert.Equal(t, "openai", w.Header().Get(HeaderProvider))
	assert.Equal(t, "req-upstream-1", w.Header().Get("Openai-Request-Id"))
	assert.Empty(t, w.Header().Get("Set-Cookie"), "only whitelisted headers are forwarded")

	r := g.sink.last(t)
	assert.True(t, r.Result.OK)
	assert.Equal(t, "req-upstream-1", r.Result.ProviderRequestID)
	require.NotNil(t, r.Result.Usage)
	assert.Equal(t, int64(100), r.Result.Usage.InputTokens)
	assert.Equal(t, int64(50), r.Result.Usage.OutputTokens)
	require.NotNil(t, r.Result.ActualUSD)
	assert.InDelta(t, 0.0002, *r.Result.ActualUSD, 1e-12)
	assert.Equal(t, "acme", r.TenantID)
	assert.Equal(t, "run-1", r.RunID)
	assert.Equal(t, OperationChatCompletions, r.Operation)
	assert.NoError(t, g.signer.Verify(r))

	assert.InDelta(t, 0.0002, g.runSpend(t).USD, 1e-12)
}

func TestHandleChatCompletions_StreamPassthrough(t *testing.T) {
	events := []string{
		"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo \\u00e9\"}}]}\n\n",
		"data: {\"choices\":[],\"usage\":{\"prompt_tokens\":12,\"completion_tokens\":4,\"total_tokens\":16}}\n\n",
		"data: [DONE]\n\n",
	}
	g := setupTest(t, func(_ int, w http.ResponseWriter, _ map[string]any) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, e := range events {
			_, _ = io.WriteString(w, e)
			flusher.Flush()
		}
	})

	w := g.post(`{"model":"gpt-4o-mini","stream":true,"messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{HeaderProvider: "openai"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, strings.Join(events, ""), w.Body.String())
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	sent := g.upstream.body(0)
	assert.Equal(t, map[string]any{"include_usage": true}, sent["stream_options"])

	r := g.sink.last(t)
	assert.True(t, r.Request.Stream)
	require.NotNil(t, r.Result.Usage)
	assert.Equal(t, int64(12), r.Result.Usage.InputTokens)
	assert.Equal(t, int64(4), r.Result.Usage.OutputTokens)
	assert.InDelta(t, 12.0/1000*0.001+4.0/1000*0.002, g.runSpend(t).USD, 1e-12)
}

func TestHandleChatCompletions_UpstreamErrorNormalized(t *testing.T) {
	g := setupTest(t, func(_ int, w http.ResponseWriter, _ map[string]any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad request","type":"invalid_request_error"}}`))
	})

	w := g.post(`{"model":"gpt-4o-mini","messages":[]}`, map[string]string{HeaderProvider: "openai"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "openai", w.Header().Get(HeaderProvider))
	e := errorBody(t, w)
	assert.Equal(t, "bad request", e["message"])
	assert.Equal(t, "invalid_request_error", e["type"])
	assert.Equal(t, "openai", e["provider"])
	assert.Equal(t, float64(http.StatusBadRequest), e["status"])

	r := g.sink.last(t)
	assert.False(t, r.Result.OK)
	assert.Equal(t, http.StatusBadRequest, r.Result.Status)
	assert.Zero(t, g.runSpend(t).USD, "refused calls are refunded")
}

func TestHandleChatCompletions_GeminiFallback(t *testing.T) {
	g := setupTest(t, func(_ int, w http.ResponseWriter, _ map[string]any) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(quota429))
	})

	w := g.post(`{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}]}`, nil)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, 2, g.upstream.calls())
	assert.Equal(t, "gemini-2.5-flash", g.upstream.body(1)["model"])
	e := errorBody(t, w)
	assert.Equal(t, "gemini", e["provider"])
	assert.Equal(t, float64(http.StatusTooManyRequests), e["status"])
	assert.Equal(t, "You exceeded your current quota", e["message"], "second 429 body is surfaced")
}

func TestHandleChatCompletions_UpstreamUnreachable(t *testing.T) {
	g := setupTest(t, func(_ int, w http.ResponseWriter, _ map[string]any) {
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		conn.Close()
	})

	w := g.post(`{"model":"gpt-4o-mini","messages":[]}`, map[string]string{HeaderProvider: "openai"})

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "openai", errorBody(t, w)["provider"])
	r := g.sink.last(t)
	assert.Equal(t, CodeUpstreamError, r.Result.ErrorCode)
	assert.Zero(t, g.runSpend(t).USD)
}

func TestHandleHealthz(t *testing.T) {
	g := setupTest(t, neverCalled(t))
	w := httptest.NewRecorder()
	g.server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want map[string]any
	}{
		{
			name: "openai shape",
			raw:  `{"error":{"message":"m","code":"x"}}`,
			want: map[string]any{"message": "m", "code": "x", "provider": "p", "status": 500},
		},
		{
			name: "gemini array shape",
			raw:  `[{"error":{"message":"m"}}]`,
			want: map[string]any{"message": "m", "provider": "p", "status": 500},
		},
		{
			name: "message shape",
			raw:  `{"message":"m","detail":"d"}`,
			want: map[string]any{"message": "m", "provider": "p", "status": 500},
		},
		{
			name: "plain text",
			raw:  "upstream exploded",
			want: map[string]any{"message": "upstream exploded", "provider": "p", "status": 500},
		},
		{
			name: "empty body",
			raw:  "",
			want: map[string]any{"message": "Upstream error (500)", "provider": "p", "status": 500},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeError("p", 500, []byte(tt.raw))
			assert.Equal(t, map[string]any{"error": tt.want}, got)
		})
	}
}

func TestReceiptUsage(t *testing.T) {
	n := func(v int64) *int64 { return &v }
	tests := []struct {
		name string
		in   *ssetap.Usage
		want *receipt.Usage
	}{
		{"nil", nil, nil},
		{"prompt and completion", &ssetap.Usage{PromptTokens: n(12), CompletionTokens: n(4)}, &receipt.Usage{InputTokens: 12, OutputTokens: 4}},
		{"total only billed as output", &ssetap.Usage{TotalTokens: n(16)}, &receipt.Usage{OutputTokens: 16}},
		{"negative prompt dropped", &ssetap.Usage{PromptTokens: n(-500), CompletionTokens: n(4)}, &receipt.Usage{OutputTokens: 4}},
		{"only negative members", &ssetap.Usage{PromptTokens: n(-1), TotalTokens: n(-1)}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, receiptUsage(tt.in))
		})
	}
}
