package ledger

import (
	"fmt"
	"time"
)

// Strategy decides how per-window spend is keyed and aggregated. Run scopes are
// plain accumulators under every strategy.
type Strategy interface {
	Name() string
	windowKey(tenantID string, w Window, start time.Time) scopeKey
	windowSpend(sc *scope, w Window, now time.Time) Amount
	// charge applies delta to the window scope on behalf of rec.
	charge(sc *scope, rec *record, delta Amount)
}

// Calendar aggregates spend per calendar bucket (tenant, window, windowStart).
type Calendar struct{}

func (Calendar) Name() string { return "calendar" }

func (Calendar) windowKey(tenantID string, w Window, start time.Time) scopeKey {
	return scopeKey{kind: windowScope, tenant: tenantID, window: w, start: start.UnixMilli()}
}

func (Calendar) windowSpend(sc *scope, _ Window, _ time.Time) Amount {
	return sc.total
}

func (Calendar) charge(sc *scope, rec *record, delta Amount) {
	sc.total = sc.total.Add(delta).floor()
	if end := rec.res.Window.End(rec.res.WindowStart); end.After(sc.expires) {
		sc.expires = end
	}
}

// Sliding keeps one timestamped entry per reservation and sums only the entries
// younger than the window duration. Entries that fall out are purged on read.
type Sliding struct{}

func (Sliding) Name() string { return "sliding" }

func (Sliding) windowKey(tenantID string, w Window, _ time.Time) scopeKey {
	return scopeKey{kind: windowScope, tenant: tenantID, window: w}
}

func (Sliding) windowSpend(sc *scope, w Window, now time.Time) Amount {
	cutoff := now.Add(-w.Duration())
	kept := sc.entries[:0]
	for _, e := range sc.entries {
		if !e.at.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(sc.entries); i++ {
		sc.entries[i] = nil
	}
	sc.entries = kept

	var sum Amount
	for _, e := range sc.entries {
		sum = sum.Add(e.amount)
	}
	return sum.floor()
}

func (Sliding) charge(sc *scope, rec *record, delta Amount) {
	if rec.entry == nil {
		rec.entry = &entry{at: rec.res.CreatedAt}
		sc.entries = append(sc.entries, rec.entry)
	}
	// An entry already purged from the window keeps absorbing adjustments
	// without affecting the sum, which is correct once it has aged out.
	rec.entry.amount = rec.entry.amount.Add(delta).floor()
	if end := rec.entry.at.Add(rec.res.Window.Duration()); end.After(sc.expires) {
		sc.expires = end
	}
}

// StrategyByName maps a configuration value to a strategy.
func StrategyByName(name string) (Strategy, error) {
	switch name {
	case "", "calendar":
		return Calendar{}, nil
	case "sliding":
		return Sliding{}, nil
	}
	return nil, fmt.Errorf("unknown ledger strategy %q", name)
}
