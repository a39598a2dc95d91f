// Package ledger implements reservation-based budget accounting. Spend is charged
// pessimistically when a reservation is made and reconciled when it is committed
// or refunded when it is released.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnknownReservation   = errors.New("unknown reservation")
	ErrReservationReleased  = errors.New("reservation already released")
	ErrReservationCommitted = errors.New("reservation already committed")
	ErrInvalidWindow        = errors.New("invalid budget window")
)

// Window is the granularity a per-window spending cap applies to.
type Window string

const (
	Minute Window = "minute"
	Hour   Window = "hour"
	Day    Window = "day"
	Month  Window = "month"
)

func (w Window) Valid() bool {
	switch w {
	case Minute, Hour, Day, Month:
		return true
	}
	return false
}

// Start truncates t (in UTC) to the beginning of the calendar bucket for w.
func (w Window) Start(t time.Time) time.Time {
	t = t.UTC()
	switch w {
	case Minute:
		return t.Truncate(time.Minute)
	case Hour:
		return t.Truncate(time.Hour)
	case Day:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
}

// End returns the exclusive end of the calendar bucket starting at start.
func (w Window) End(start time.Time) time.Time {
	if w == Month {
		return start.AddDate(0, 1, 0)
	}
	return start.Add(w.Duration())
}

// Duration is the sliding length of w. A month slides over 30 days.
func (w Window) Duration() time.Duration {
	switch w {
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}

// Amount is a charge against a budget scope.
type Amount struct {
	USD    float64 `json:"usd"`
	Tokens int64   `json:"tokens"`
}

func (a Amount) Add(b Amount) Amount {
	return Amount{USD: a.USD + b.USD, Tokens: a.Tokens + b.Tokens}
}

func (a Amount) Sub(b Amount) Amount {
	return Amount{USD: a.USD - b.USD, Tokens: a.Tokens - b.Tokens}
}

func (a Amount) IsZero() bool {
	return a.USD == 0 && a.Tokens == 0
}

func (a Amount) floor() Amount {
	if a.USD < 0 {
		a.USD = 0
	}
	if a.Tokens < 0 {
		a.Tokens = 0
	}
	return a
}

// Limits are the caps checked at reservation time. WindowTokens of zero means
// the window has no token cap.
type Limits struct {
	WindowUSD    float64 `json:"windowUsd"`
	RunUSD       float64 `json:"runUsd"`
	WindowTokens int64   `json:"windowTokens,omitempty"`
}

type Status string

const (
	StatusOpen      Status = "open"
	StatusCommitted Status = "committed"
	StatusReleased  Status = "released"
)

// Reservation is a provisional charge. A denied reservation carries no id and a
// zero charge; callers must check Denied before treating it as admitted.
type Reservation struct {
	ID          string    `json:"reservationId"`
	TenantID    string    `json:"tenantId"`
	RunID       string    `json:"runId"`
	Window      Window    `json:"window"`
	WindowStart time.Time `json:"windowStart"`
	Charged     Amount    `json:"charged"`
	CreatedAt   time.Time `json:"createdAt"`
	Overage     bool      `json:"overage,omitempty"`
}

func (r Reservation) Denied() bool {
	return r.ID == ""
}

// Snapshot is a read-only view of spend and remaining budget for a window/run pair.
type Snapshot struct {
	WindowSpend           Amount  `json:"windowSpend"`
	RunSpend              Amount  `json:"runSpend"`
	Limits                Limits  `json:"limits"`
	RemainingWindowUSD    float64 `json:"remainingWindowUsd"`
	RemainingRunUSD       float64 `json:"remainingRunUsd"`
	RemainingWindowTokens *int64  `json:"remainingWindowTokens,omitempty"`
}

// RemainingUSD is the tighter of the window and run remainders.
func (s Snapshot) RemainingUSD() float64 {
	return min(s.RemainingWindowUSD, s.RemainingRunUSD)
}

func newSnapshot(l Limits, window, run Amount) Snapshot {
	s := Snapshot{
		WindowSpend:        window,
		RunSpend:           run,
		Limits:             l,
		RemainingWindowUSD: max(0, l.WindowUSD-window.USD),
		RemainingRunUSD:    max(0, l.RunUSD-run.USD),
	}
	if l.WindowTokens > 0 {
		left := max(0, l.WindowTokens-window.Tokens)
		s.RemainingWindowTokens = &left
	}
	return s
}

type ReserveRequest struct {
	TenantID    string
	RunID       string
	Window      Window
	WindowStart time.Time
	Limits      Limits
	Estimate    Amount
	// AllowOverage admits a reservation that exceeds a limit instead of
	// denying it. The reservation is flagged as an overage.
	AllowOverage bool
	Now          time.Time
}

type PeekRequest struct {
	TenantID    string
	RunID       string
	Window      Window
	WindowStart time.Time
	Limits      Limits
	Now         time.Time
}

// Ledger is the reservation/commit/release contract shared by every strategy.
type Ledger interface {
	Reserve(ctx context.Context, req ReserveRequest) (Reservation, Snapshot, error)
	// Commit settles a reservation at its actual cost. Committing an already
	// committed reservation returns the current snapshot without mutating state.
	Commit(ctx context.Context, reservationID string, actual Amount) (Snapshot, error)
	// Release refunds the full charged amount.
	Release(ctx context.Context, reservationID string) (Snapshot, error)
	Peek(ctx context.Context, req PeekRequest) (Snapshot, error)
}

func runKey(tenantID, runID string) scopeKey {
	return scopeKey{kind: runScope, tenant: tenantID, run: runID}
}
