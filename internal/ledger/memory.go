package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// epsilon absorbs float drift when comparing an estimate against a remainder.
const epsilon = 1e-12

type record struct {
	res       Reservation
	limits    Limits
	status    Status
	windowKey scopeKey
	runKey    scopeKey
	entry     *entry
	closedAt  time.Time
}

// Memory is an in-process Ledger. Each accumulator is serialized by its own
// mutex, so reservations for different tenants never contend.
type Memory struct {
	strategy  Strategy
	scopes    *scopeTable
	retention time.Duration
	now       func() time.Time
	newID     func() string

	mu           sync.Mutex // guards reservations; taken after scope locks, never before
	reservations map[string]*record
}

type Option func(*Memory)

func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(m *Memory) { m.newID = newID }
}

// WithRetention sets how long idle run accumulators and terminal reservations
// are kept before Sweep evicts them.
func WithRetention(d time.Duration) Option {
	return func(m *Memory) { m.retention = d }
}

func NewMemory(strategy Strategy, opts ...Option) *Memory {
	if strategy == nil {
		strategy = Calendar{}
	}
	m := &Memory{
		strategy:     strategy,
		scopes:       newScopeTable(),
		retention:    24 * time.Hour,
		now:          time.Now,
		newID:        func() string { return uuid.New().String() },
		reservations: make(map[string]*record),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Strategy() Strategy { return m.strategy }

func (m *Memory) Reserve(_ context.Context, req ReserveRequest) (Reservation, Snapshot, error) {
	if !req.Window.Valid() {
		return Reservation{}, Snapshot{}, fmt.Errorf("%w: %q", ErrInvalidWindow, req.Window)
	}
	now := req.Now
	if now.IsZero() {
		now = m.now()
	}

	wKey := m.strategy.windowKey(req.TenantID, req.Window, req.WindowStart)
	rKey := runKey(req.TenantID, req.RunID)
	wsc := m.scopes.acquire(wKey)
	rsc := m.scopes.acquire(rKey)
	defer m.scopes.release(wsc, rsc)

	lockPair(rsc, wsc)
	defer unlockPair(rsc, wsc)

	snap := newSnapshot(req.Limits, m.strategy.windowSpend(wsc, req.Window, now), rsc.total)
	res := Reservation{
		TenantID:    req.TenantID,
		RunID:       req.RunID,
		Window:      req.Window,
		WindowStart: req.WindowStart,
		CreatedAt:   now,
	}

	over := exceeds(req.Estimate, snap)
	if over && !req.AllowOverage {
		return res, snap, nil
	}

	res.ID = m.newID()
	res.Charged = req.Estimate
	res.Overage = over
	rec := &record{
		res:       res,
		limits:    req.Limits,
		status:    StatusOpen,
		windowKey: wKey,
		runKey:    rKey,
	}
	m.strategy.charge(wsc, rec, req.Estimate)
	m.chargeRun(rsc, req.Estimate, now)
	wsc.open++
	rsc.open++
	wsc.touched = now

	m.mu.Lock()
	m.reservations[res.ID] = rec
	m.mu.Unlock()

	return res, newSnapshot(req.Limits, m.strategy.windowSpend(wsc, req.Window, now), rsc.total), nil
}

func exceeds(est Amount, snap Snapshot) bool {
	if est.USD > snap.RemainingWindowUSD+epsilon || est.USD > snap.RemainingRunUSD+epsilon {
		return true
	}
	if snap.RemainingWindowTokens != nil && est.Tokens > *snap.RemainingWindowTokens {
		return true
	}
	return false
}

func (m *Memory) chargeRun(rsc *scope, delta Amount, now time.Time) {
	rsc.total = rsc.total.Add(delta).floor()
	rsc.touched = now
	rsc.expires = now.Add(m.retention)
}

func (m *Memory) Commit(_ context.Context, reservationID string, actual Amount) (Snapshot, error) {
	return m.settle(reservationID, func(rec *record) (Amount, Status, error) {
		switch rec.status {
		case StatusCommitted:
			return Amount{}, StatusCommitted, nil
		case StatusReleased:
			return Amount{}, StatusReleased, ErrReservationReleased
		}
		return actual.floor().Sub(rec.res.Charged), StatusCommitted, nil
	})
}

func (m *Memory) Release(_ context.Context, reservationID string) (Snapshot, error) {
	return m.settle(reservationID, func(rec *record) (Amount, Status, error) {
		switch rec.status {
		case StatusReleased:
			return Amount{}, StatusReleased, nil
		case StatusCommitted:
			return Amount{}, StatusCommitted, ErrReservationCommitted
		}
		return Amount{}.Sub(rec.res.Charged), StatusReleased, nil
	})
}

// settle moves an open reservation to a terminal status. decide returns the
// delta to apply; a record that is already terminal is never mutated again.
func (m *Memory) settle(id string, decide func(*record) (Amount, Status, error)) (Snapshot, error) {
	m.mu.Lock()
	rec, ok := m.reservations[id]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownReservation, id)
	}

	wsc := m.scopes.acquire(rec.windowKey)
	rsc := m.scopes.acquire(rec.runKey)
	defer m.scopes.release(wsc, rsc)

	lockPair(rsc, wsc)
	defer unlockPair(rsc, wsc)

	now := m.now()
	wasOpen := rec.status == StatusOpen
	delta, next, err := decide(rec)
	if err != nil {
		return m.snapshotLocked(rec, wsc, rsc, now), err
	}
	if wasOpen {
		m.strategy.charge(wsc, rec, delta)
		m.chargeRun(rsc, delta, now)
		rec.res.Charged = rec.res.Charged.Add(delta).floor()
		rec.status = next
		rec.closedAt = now
		wsc.open--
		rsc.open--
		wsc.touched = now
	}
	return m.snapshotLocked(rec, wsc, rsc, now), nil
}

func (m *Memory) snapshotLocked(rec *record, wsc, rsc *scope, now time.Time) Snapshot {
	return newSnapshot(rec.limits, m.strategy.windowSpend(wsc, rec.res.Window, now), rsc.total)
}

func (m *Memory) Peek(_ context.Context, req PeekRequest) (Snapshot, error) {
	if !req.Window.Valid() {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrInvalidWindow, req.Window)
	}
	now := req.Now
	if now.IsZero() {
		now = m.now()
	}
	wsc := m.scopes.acquire(m.strategy.windowKey(req.TenantID, req.Window, req.WindowStart))
	rsc := m.scopes.acquire(runKey(req.TenantID, req.RunID))
	defer m.scopes.release(wsc, rsc)

	lockPair(rsc, wsc)
	defer unlockPair(rsc, wsc)
	return newSnapshot(req.Limits, m.strategy.windowSpend(wsc, req.Window, now), rsc.total), nil
}

// Lookup returns a copy of the reservation and its status.
func (m *Memory) Lookup(id string) (Reservation, Status, bool) {
	m.mu.Lock()
	rec, ok := m.reservations[id]
	m.mu.Unlock()
	if !ok {
		return Reservation{}, "", false
	}
	rsc := m.scopes.acquire(rec.runKey)
	defer m.scopes.release(rsc)
	rsc.mu.Lock()
	defer rsc.mu.Unlock()
	return rec.res, rec.status, true
}
