// Package gate is the admission controller. For each call it checks policy,
// prices the declared upper bounds, reserves budget, runs the caller's
// executor, reconciles the real cost and emits a signed receipt.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/vnmchuo/aegis-gateway/internal/ledger"
	"github.com/vnmchuo/aegis-gateway/internal/policy"
	"github.com/vnmchuo/aegis-gateway/internal/pricing"
	"github.com/vnmchuo/aegis-gateway/internal/receipt"
)

type Call struct {
	TenantID  string
	RunID     string
	RequestID string

	Provider  string
	Model     string
	Operation string
	Stream    bool

	InputTokensUpperBound  int64
	OutputTokensUpperBound int64
}

// Execution is handed to the executor once budget is reserved.
type Execution struct {
	Policy      *policy.TenantPolicy
	Reservation ledger.Reservation
}

// Result is what the executor reports about the upstream call.
type Result struct {
	OK                bool
	Status            int
	ProviderRequestID string
	Usage             *receipt.Usage
	// Unbilled marks a call the upstream never accepted, so nothing was
	// spent and the reservation is refunded.
	Unbilled bool
}

// Executor performs the upstream call.
type Executor func(ctx context.Context, exec Execution) (Result, error)

// Outcome is returned for every admitted call, including ones whose executor
// failed.
type Outcome struct {
	Result      Result
	Receipt     *receipt.Receipt
	Reservation ledger.Reservation
	Snapshot    ledger.Snapshot
	// ExecErr is the executor's error. It is recorded in the receipt and
	// never returned from Call.
	ExecErr error
}

// Observer receives admission metrics.
type Observer interface {
	Admission(outcome string)
	Spend(provider, model string, usd float64)
}

type nopObserver struct{}

func (nopObserver) Admission(string) {}
func (nopObserver) Spend(string, string, float64) {}

type Gate struct {
	policies policy.Provider
	ledger   ledger.Ledger
	oracle   *pricing.Oracle
	signer   *receipt.Signer
	sink     receipt.Sink

	capability string
	tracer     trace.Tracer
	observer   Observer
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string
}

type Option func(*Gate)

func WithClock(now func() time.Time) Option { return func(g *Gate) { g.now = now } }
func WithReceiptIDs(fn func() string) Option { return func(g *Gate) { g.newID = fn } }
func WithTracer(t trace.Tracer) Option { return func(g *Gate) { g.tracer = t } }
func WithObserver(o Observer) Option { return func(g *Gate) { g.observer = o } }
func WithLogger(l *zap.Logger) Option { return func(g *Gate) { g.logger = l } }
func WithCapability(capability string) Option { return func(g *Gate) { g.capability = capability } }

// New builds a gate. sink must not block; wrap slow sinks in a
// receipt.AsyncSink.
func New(policies policy.Provider, l ledger.Ledger, oracle *pricing.Oracle, signer *receipt.Signer, sink receipt.Sink, opts ...Option) *Gate {
	g := &Gate{
		policies:   policies,
		ledger:     l,
		oracle:     oracle,
		signer:     signer,
		sink:       sink,
		capability: policy.CapabilityInvoke,
		tracer:     noop.NewTracerProvider().Tracer("gate"),
		observer:   nopObserver{},
		logger:     zap.NewNop(),
		now:        time.Now,
		newID:      func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Call admits c, runs exec and settles the reservation. A non-nil error means
// the call was refused before exec ran and no budget was touched; executor
// failures are reported through the Outcome instead.
func (g *Gate) Call(ctx context.Context, c Call, exec Executor) (*Outcome, error) {
	ctx, span := g.tracer.Start(ctx, "aegis.gate.call", trace.WithAttributes(
		attribute.String("provider", c.Provider),
		attribute.String("model", c.Model),
		attribute.String("op", c.Operation),
		attribute.String("tenant_id", c.TenantID),
	))
	defer span.End()

	log := g.logger.With(
		zap.String("tenant_id", c.TenantID),
		zap.String("run_id", c.RunID),
		zap.String("request_id", c.RequestID),
	)

	pol, quote, res, err := g.admit(ctx, c, log)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.observer.Admission(admissionLabel(err))
		return nil, err
	}
	g.observer.Admission("admitted")
	span.SetAttributes(attribute.Float64("estimated_usd", quote.USD))

	result, execErr := runExecutor(ctx, exec, Execution{Policy: pol, Reservation: res}, log)
	canceled := ctx.Err() != nil
	if execErr == nil && canceled {
		execErr = ctx.Err()
	}
	if execErr != nil {
		result = Result{OK: false, Status: 500, Unbilled: result.Unbilled}
	}

	// Bookkeeping must finish even when the caller has gone away.
	bctx := context.WithoutCancel(ctx)

	actual, hasActual, err := g.reconcile(c, quote, res, result)
	if err != nil {
		log.Warn("actual cost unavailable, settling at estimate", zap.Error(err))
		actual, hasActual = res.Charged, false
	}

	var snap ledger.Snapshot
	if canceled || result.Unbilled {
		snap, err = g.ledger.Release(bctx, res.ID)
	} else {
		snap, err = g.ledger.Commit(bctx, res.ID, actual)
	}
	if err != nil {
		log.Error("settle reservation", zap.String("reservation_id", res.ID), zap.Error(err))
	}
	if !canceled && !result.Unbilled {
		g.observer.Spend(c.Provider, c.Model, actual.USD)
	}

	r := g.buildReceipt(c, res, result, actual, hasActual, execErr)
	if err := g.signer.SignReceipt(r); err != nil {
		log.Error("sign receipt", zap.Error(err))
	} else if err := g.sink.Write(bctx, r); err != nil {
		log.Warn("receipt sink write failed", zap.String("receipt_id", r.ReceiptID), zap.Error(err))
	}
	log.Debug("call settled",
		zap.String("receipt_id", r.ReceiptID),
		zap.Bool("ok", result.OK),
		zap.Int("status", result.Status),
		zap.Float64("actual_usd", actual.USD),
	)

	if execErr != nil {
		span.RecordError(execErr)
	}
	return &Outcome{Result: result, Receipt: r, Reservation: res, Snapshot: snap, ExecErr: execErr}, nil
}

// runExecutor turns an executor panic into a *PanicError so the reservation
// is still settled.
func runExecutor(ctx context.Context, exec Executor, x Execution, log *zap.Logger) (result Result, err error) {
	defer func() {
		if v := recover(); v != nil {
			log.Error("executor panicked", zap.Any("panic", v), zap.Stack("stack"))
			result, err = Result{}, &PanicError{Value: v}
		}
	}()
	return exec(ctx, x)
}

func (g *Gate) admit(ctx context.Context, c Call, log *zap.Logger) (*policy.TenantPolicy, pricing.Quote, ledger.Reservation, error) {
	var (
		quote pricing.Quote
		res   ledger.Reservation
	)

	pol, err := g.policies.GetPolicy(ctx, c.TenantID)
	if err != nil {
		return nil, quote, res, &Error{
			Kind:    KindPolicyUnavailable,
			Message: fmt.Sprintf("resolve policy for tenant %s: %v", c.TenantID, err),
			Err:     err,
		}
	}

	if err := policy.Check(pol, g.capability, c.Provider, c.Model); err != nil {
		var v *policy.Violation
		if errors.As(err, &v) {
			return nil, quote, res, &Error{Kind: KindPolicy, Rule: v.Rule, Message: v.Message, Err: err}
		}
		return nil, quote, res, &Error{Kind: KindPolicy, Message: err.Error(), Err: err}
	}

	now := g.now()
	window := pol.Budgets.PerWindow.Window

	quote, err = g.oracle.Estimate(c.Provider, c.Model, c.InputTokensUpperBound, c.OutputTokensUpperBound)
	if err != nil {
		return nil, quote, res, &Error{Kind: KindPricing, Rule: RuleMissingPrice, Message: err.Error(), Err: err}
	}
	if !quote.Known {
		log.Debug("no price configured, enforcing token caps only",
			zap.String("provider", c.Provider), zap.String("model", c.Model))
	}

	estimate := ledger.Amount{USD: quote.USD, Tokens: c.InputTokensUpperBound + c.OutputTokensUpperBound}
	res, snap, err := g.ledger.Reserve(ctx, ledger.ReserveRequest{
		TenantID:     c.TenantID,
		RunID:        c.RunID,
		Window:       window,
		WindowStart:  window.Start(now),
		Limits:       pol.Budgets.Limits(),
		Estimate:     estimate,
		AllowOverage: !pol.Budgets.PerWindow.IsHardStop(),
		Now:          now,
	})
	if err != nil {
		return nil, quote, res, fmt.Errorf("reserve budget: %w", err)
	}
	if res.Denied() {
		rule := exceededRule(estimate, snap)
		return nil, quote, res, &Error{
			Kind:         KindBudgetExceeded,
			Rule:         rule,
			Message:      fmt.Sprintf("budget exceeded: need %.6f USD, %.6f USD remaining", estimate.USD, snap.RemainingUSD()),
			RemainingUSD: snap.RemainingUSD(),
			NeededUSD:    estimate.USD,
		}
	}
	if res.Overage {
		log.Warn("soft budget limit exceeded, admitting with overage",
			zap.String("reservation_id", res.ID), zap.Float64("estimated_usd", estimate.USD))
	}
	return pol, quote, res, nil
}

// reconcile returns the amount to commit. It is the estimate unless the
// executor reported usage.
func (g *Gate) reconcile(c Call, quote pricing.Quote, res ledger.Reservation, result Result) (ledger.Amount, bool, error) {
	if result.Usage == nil {
		return res.Charged, false, nil
	}
	tokens := result.Usage.InputTokens + result.Usage.OutputTokens
	if !quote.Known {
		return ledger.Amount{Tokens: tokens}, false, nil
	}
	actual, err := g.oracle.Actual(c.Provider, c.Model, result.Usage.InputTokens, result.Usage.OutputTokens)
	if err != nil {
		return ledger.Amount{}, false, err
	}
	return ledger.Amount{USD: actual.USD, Tokens: tokens}, true, nil
}

func (g *Gate) buildReceipt(c Call, res ledger.Reservation, result Result, actual ledger.Amount, hasActual bool, execErr error) *receipt.Receipt {
	r := &receipt.Receipt{
		V:         receipt.Version,
		ReceiptID: g.newID(),
		TsMs:      res.CreatedAt.UnixMilli(),
		TenantID:  c.TenantID,
		RunID:     c.RunID,
		Provider:  c.Provider,
		Model:     c.Model,
		Operation: c.Operation,
		Request: receipt.Request{
			RequestID:              c.RequestID,
			Stream:                 c.Stream,
			InputTokensUpperBound:  c.InputTokensUpperBound,
			OutputTokensUpperBound: c.OutputTokensUpperBound,
		},
		Result: receipt.Result{
			OK:                result.OK,
			Status:            result.Status,
			ProviderRequestID: result.ProviderRequestID,
			Usage:             result.Usage,
			EstimatedUSD:      res.Charged.USD,
			Overage:           res.Overage,
		},
	}
	if hasActual {
		usd := actual.USD
		r.Result.ActualUSD = &usd
	}
	if execErr != nil {
		r.Result.ErrorCode = errorCode(execErr)
		r.Result.ErrorMessage = execErr.Error()
	}
	return r
}

func exceededRule(est ledger.Amount, snap ledger.Snapshot) string {
	const epsilon = 1e-12
	switch {
	case est.USD > snap.RemainingRunUSD+epsilon:
		return RuleRunUSD
	case est.USD > snap.RemainingWindowUSD+epsilon:
		return RuleWindowUSD
	}
	return RuleWindowTokens
}

func admissionLabel(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return "denied_" + string(ge.Kind)
	}
	return "error"
}
