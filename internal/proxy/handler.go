package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/aegis-gateway/internal/gate"
	"github.com/vnmchuo/aegis-gateway/internal/ledger"
	"github.com/vnmchuo/aegis-gateway/internal/policy"
	"github.com/vnmchuo/aegis-gateway/internal/receipt"
	"github.com/vnmchuo/aegis-gateway/internal/ssetap"
	"github.com/vnmchuo/aegis-gateway/internal/tenant"
	"github.com/vnmchuo/aegis-gateway/internal/tokens"
)

const (
	// HeaderProvider overrides routing on requests and names the serving
	// provider on responses.
	HeaderProvider = "X-Aegis-Provider"

	MaxBodyBytes = 2_000_000

	OperationChatCompletions = "chat.completions"
)

// forwardedHeaders are copied from a successful upstream response.
var forwardedHeaders = []string{"Content-Type", "X-Request-Id", "Openai-Request-Id"}

type Handler struct {
	router   *Router
	gate     *gate.Gate
	policies policy.Provider
	ledger   ledger.Ledger
	tracer   trace.Tracer
	logger   *zap.Logger
	now      func() time.Time
}

func NewHandler(router *Router, g *gate.Gate, policies policy.Provider, l ledger.Ledger, tracer trace.Tracer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		router:   router,
		gate:     g,
		policies: policies,
		ledger:   l,
		tracer:   tracer,
		logger:   logger,
		now:      time.Now,
	}
}

// exchange tracks what has been written to the client for one call.
type exchange struct {
	w        http.ResponseWriter
	provider string
	written  bool
}

func (x *exchange) writeHeader(status int) {
	x.w.WriteHeader(status)
	x.written = true
}

func (h *Handler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "Payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to read request body")
		return
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON")
		return
	}

	var model string
	_ = json.Unmarshal(fields["model"], &model)
	var stream bool
	_ = json.Unmarshal(fields["stream"], &stream)

	providerName := h.router.Resolve(r.Header.Get(HeaderProvider), model)
	bounds := tokens.UpperBounds(fields)

	ctx, span := h.tracer.Start(ctx, "proxy.chat_completions")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenant.GetTenantID(ctx)),
		attribute.String("request_id", tenant.GetRequestID(ctx)),
		attribute.String("provider", providerName),
		attribute.String("model", model),
		attribute.Bool("stream", stream),
	)

	call := gate.Call{
		TenantID:               tenant.GetTenantID(ctx),
		RunID:                  tenant.GetRunID(ctx),
		RequestID:              tenant.GetRequestID(ctx),
		Provider:               providerName,
		Model:                  model,
		Operation:              OperationChatCompletions,
		Stream:                 stream,
		InputTokensUpperBound:  bounds.Prompt,
		OutputTokensUpperBound: bounds.Completion,
	}

	x := &exchange{w: w, provider: providerName}
	outcome, err := h.gate.Call(ctx, call, func(ctx context.Context, _ gate.Execution) (gate.Result, error) {
		return h.execute(ctx, x, raw, stream)
	})
	if err != nil {
		writeGateError(w, err)
		return
	}

	log := h.logger.With(
		zap.String("request_id", call.RequestID),
		zap.String("receipt_id", outcome.Receipt.ReceiptID),
	)
	if outcome.ExecErr != nil {
		log.Warn("upstream call failed", zap.String("provider", providerName), zap.Error(outcome.ExecErr))
		if !x.written && ctx.Err() == nil {
			status := http.StatusBadGateway
			var ue *UpstreamError
			if errors.As(outcome.ExecErr, &ue) {
				status = ue.Status
			}
			w.Header().Set(HeaderProvider, providerName)
			writeJSON(w, status, normalizeError(providerName, status, []byte(outcome.ExecErr.Error())))
		}
		return
	}
	log.Debug("chat completion served", zap.Int("status", outcome.Result.Status))
}

// execute is the gate executor: it forwards the call and relays the answer
// to the client. Usage parsed from the answer is reported back for
// reconciliation.
func (h *Handler) execute(ctx context.Context, x *exchange, body []byte, stream bool) (gate.Result, error) {
	resp, err := h.router.Forward(ctx, x.provider, body, stream)
	if err != nil {
		var ue *UpstreamError
		if errors.As(err, &ue) {
			return gate.Result{Status: ue.Status, Unbilled: true}, err
		}
		return gate.Result{Status: http.StatusBadGateway, Unbilled: true}, err
	}

	if !resp.OK() {
		x.w.Header().Set(HeaderProvider, resp.Provider)
		x.w.Header().Set("Content-Type", "application/json")
		x.writeHeader(resp.StatusCode)
		_ = json.NewEncoder(x.w).Encode(normalizeError(resp.Provider, resp.StatusCode, resp.ErrorBody))
		// The upstream refused the call, so nothing was spent.
		return gate.Result{
			Status:            resp.StatusCode,
			ProviderRequestID: providerRequestID(resp.Header),
			Unbilled:          true,
		}, nil
	}

	defer resp.Body.Close()
	header := x.w.Header()
	for _, k := range forwardedHeaders {
		if v := resp.Header.Get(k); v != "" {
			header.Set(k, v)
		}
	}
	header.Set(HeaderProvider, resp.Provider)

	if stream {
		return h.relayStream(ctx, x, resp)
	}
	return h.relay(x, resp)
}

func (h *Handler) relay(x *exchange, resp *Response) (gate.Result, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return gate.Result{Status: http.StatusBadGateway}, fmt.Errorf("read upstream body: %w", err)
	}
	x.writeHeader(resp.StatusCode)
	if _, err := x.w.Write(data); err != nil {
		return gate.Result{Status: resp.StatusCode}, fmt.Errorf("write response: %w", err)
	}

	var parsed struct {
		ID    string        `json:"id"`
		Usage *ssetap.Usage `json:"usage"`
	}
	_ = json.Unmarshal(data, &parsed)

	result := gate.Result{OK: true, Status: resp.StatusCode, ProviderRequestID: providerRequestID(resp.Header)}
	if result.ProviderRequestID == "" {
		result.ProviderRequestID = parsed.ID
	}
	result.Usage = receiptUsage(parsed.Usage)
	return result, nil
}

// relayStream copies the SSE body to the client chunk by chunk through a
// usage tap, flushing after every chunk.
func (h *Handler) relayStream(ctx context.Context, x *exchange, resp *Response) (gate.Result, error) {
	tap := ssetap.New(resp.Body)
	defer tap.Close()

	result := gate.Result{OK: true, Status: resp.StatusCode, ProviderRequestID: providerRequestID(resp.Header)}
	flusher, _ := x.w.(http.Flusher)
	x.writeHeader(resp.StatusCode)
	if flusher != nil {
		flusher.Flush()
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := tap.Read(buf)
		if n > 0 {
			if _, werr := x.w.Write(buf[:n]); werr != nil {
				return result, fmt.Errorf("write stream: %w", werr)
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return result, fmt.Errorf("read upstream stream: %w", err)
		}
	}

	summary, err := tap.Wait(ctx)
	if err != nil {
		return result, err
	}
	if summary.Truncated {
		h.logger.Warn("stream usage not observed, settling at estimate", zap.String("provider", resp.Provider))
	}
	if !summary.SawDone {
		h.logger.Debug("stream ended without [DONE]", zap.String("provider", resp.Provider))
	}
	result.Usage = receiptUsage(summary.Usage)
	return result, nil
}

func providerRequestID(h http.Header) string {
	if v := h.Get("Openai-Request-Id"); v != "" {
		return v
	}
	return h.Get("X-Request-Id")
}

// receiptUsage converts reported usage to billable counts. Negative members
// count as missing. When only a total is reported it is billed as output.
func receiptUsage(u *ssetap.Usage) *receipt.Usage {
	if u == nil {
		return nil
	}
	prompt, completion, total := validCount(u.PromptTokens), validCount(u.CompletionTokens), validCount(u.TotalTokens)
	out := &receipt.Usage{}
	if prompt != nil {
		out.InputTokens = *prompt
	}
	if completion != nil {
		out.OutputTokens = *completion
	}
	if prompt == nil && completion == nil {
		if total == nil {
			return nil
		}
		out.OutputTokens = *total
	}
	return out
}

func validCount(n *int64) *int64 {
	if n == nil || *n < 0 {
		return nil
	}
	return n
}

// HandleBudget reports the caller's current window and run spend.
func (h *Handler) HandleBudget(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenant.GetTenantID(ctx)
	runID := tenant.GetRunID(ctx)

	pol, err := h.policies.GetPolicy(ctx, tenantID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, string(gate.KindPolicyUnavailable), err.Error())
		return
	}

	now := h.now()
	window := pol.Budgets.PerWindow.Window
	start := window.Start(now)
	snap, err := h.ledger.Peek(ctx, ledger.PeekRequest{
		TenantID:    tenantID,
		RunID:       runID,
		Window:      window,
		WindowStart: start,
		Limits:      pol.Budgets.Limits(),
		Now:         now,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tenantId":    tenantID,
		"runId":       runID,
		"window":      window,
		"windowStart": start.UTC().Format(time.RFC3339),
		"windowEnd":   window.End(start).UTC().Format(time.RFC3339),
		"hardStop":    pol.Budgets.PerWindow.IsHardStop(),
		"snapshot":    snap,
	})
}

func (h *Handler) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
