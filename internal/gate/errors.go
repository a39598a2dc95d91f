package gate

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies why a call was not admitted.
type Kind string

const (
	KindPolicy            Kind = "policy"
	KindBudgetExceeded    Kind = "budget_exceeded"
	KindPricing           Kind = "pricing"
	KindPolicyUnavailable Kind = "policy_unavailable"
)

// Error is returned by Call when admission is refused. Use errors.As.
type Error struct {
	Kind    Kind
	Rule    string
	Message string

	// Set for KindBudgetExceeded.
	RemainingUSD float64
	NeededUSD    float64

	Err error
}

func (e *Error) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Rule, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a gate *Error of kind k.
func IsKind(err error, k Kind) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == k
}

const (
	RuleRunUSD       = "budgets.perRunUsd"
	RuleWindowUSD    = "budgets.perWindow.limitUsd"
	RuleWindowTokens = "budgets.perWindow.limitTokens"
	RuleMissingPrice = "pricing.missing"
)

// PanicError reports an executor that panicked. The call is settled and
// receipted like any other executor failure.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("executor panic: %v", e.Value) }
func (e *PanicError) Code() string  { return "executor_panic" }

// coder is implemented by executor errors that carry their own code.
type coder interface {
	Code() string
}

func errorCode(err error) string {
	var c coder
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case errors.As(err, &c):
		return c.Code()
	}
	return "executor_error"
}
