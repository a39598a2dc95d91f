// Package receipt defines the signed audit record emitted for every governed
// call, its canonical byte form, and the sinks that persist it.
package receipt

import "context"

// Version is the receipt schema version.
const Version = 1

type Receipt struct {
	V         int    `json:"v"`
	ReceiptID string `json:"receiptId"`
	TsMs      int64  `json:"tsMs"`

	TenantID string `json:"tenantId"`
	RunID    string `json:"runId"`

	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Operation string `json:"operation"`

	Request Request `json:"request"`
	Result  Result  `json:"result"`

	Signature *Signature `json:"signature,omitempty"`
}

type Request struct {
	RequestID              string `json:"requestId"`
	Stream                 bool   `json:"stream"`
	InputTokensUpperBound  int64  `json:"inputTokensUpperBound"`
	OutputTokensUpperBound int64  `json:"outputTokensUpperBound"`
}

type Result struct {
	OK                bool     `json:"ok"`
	Status            int      `json:"status"`
	ProviderRequestID string   `json:"providerRequestId,omitempty"`
	Usage             *Usage   `json:"usage,omitempty"`
	EstimatedUSD      float64  `json:"estimatedUsd"`
	ActualUSD         *float64 `json:"actualUsd,omitempty"`
	ErrorCode         string   `json:"errorCode,omitempty"`
	ErrorMessage      string   `json:"errorMessage,omitempty"`
	// Overage is set when a soft-stop policy admitted the call past a limit.
	Overage bool `json:"overage,omitempty"`
}

type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

type Signature struct {
	Alg   string `json:"alg"`
	KeyID string `json:"keyId"`
	Sig   string `json:"sig"`
}

// Sink persists signed receipts. Writes are best effort.
type Sink interface {
	Write(ctx context.Context, r *Receipt) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r *Receipt) error

func (f SinkFunc) Write(ctx context.Context, r *Receipt) error {
	return f(ctx, r)
}

// Discard drops every receipt.
var Discard Sink = SinkFunc(func(context.Context, *Receipt) error { return nil })
