package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type SweepStats struct {
	Scopes       int
	Reservations int
}

// Sweep evicts terminal reservations closed longer than the retention period
// and accumulators that can no longer affect an admission decision: calendar
// buckets whose window has ended, sliding windows whose entries have all aged
// out and runs idle for the retention period.
func (m *Memory) Sweep(now time.Time) SweepStats {
	var stats SweepStats

	m.mu.Lock()
	candidates := make([]string, 0, len(m.reservations))
	for id := range m.reservations {
		candidates = append(candidates, id)
	}
	m.mu.Unlock()

	for _, id := range candidates {
		if m.evictReservation(id, now) {
			stats.Reservations++
		}
	}
	stats.Scopes = m.scopes.evict(now)
	return stats
}

func (m *Memory) evictReservation(id string, now time.Time) bool {
	m.mu.Lock()
	rec, ok := m.reservations[id]
	m.mu.Unlock()
	if !ok {
		return false
	}

	rsc := m.scopes.acquire(rec.runKey)
	defer m.scopes.release(rsc)
	rsc.mu.Lock()
	defer rsc.mu.Unlock()

	if rec.status == StatusOpen || now.Sub(rec.closedAt) < m.retention {
		return false
	}
	m.mu.Lock()
	delete(m.reservations, id)
	m.mu.Unlock()
	return true
}

// RunSweeper calls Sweep every interval until ctx is done. report, if set,
// receives the stats of every sweep.
func (m *Memory) RunSweeper(ctx context.Context, interval time.Duration, logger *zap.Logger, report func(SweepStats)) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := m.Sweep(m.now())
			if report != nil {
				report(stats)
			}
			if stats.Scopes > 0 || stats.Reservations > 0 {
				logger.Debug("ledger sweep",
					zap.Int("scopes", stats.Scopes),
					zap.Int("reservations", stats.Reservations),
					zap.Int("live_scopes", m.scopes.len()),
				)
			}
		}
	}
}
