package ledger

import (
	"sync"
	"time"
)

type entry struct {
	at     time.Time
	amount Amount
}

// scope is one accumulator: a (tenant, window[, start]) or a (tenant, run).
// Every field except refs is guarded by mu.
type scope struct {
	mu      sync.Mutex
	total   Amount
	entries []*entry
	open    int
	touched time.Time
	expires time.Time

	refs int // guarded by scopeTable.mu
}

type scopeKind uint8

const (
	runScope scopeKind = iota + 1
	windowScope
)

// scopeKey identifies an accumulator. Ids are compared field by field, so no
// tenant or run id can collide with another by embedding a separator.
type scopeKey struct {
	kind   scopeKind
	tenant string
	run    string
	window Window
	start  int64
}

// scopeTable lazily creates scopes and tracks how many callers hold each one,
// so the sweeper never evicts a scope that is about to be locked.
type scopeTable struct {
	mu sync.Mutex
	m  map[scopeKey]*scope
}

func newScopeTable() *scopeTable {
	return &scopeTable{m: make(map[scopeKey]*scope)}
}

func (t *scopeTable) acquire(key scopeKey) *scope {
	t.mu.Lock()
	defer t.mu.Unlock()
	sc, ok := t.m[key]
	if !ok {
		sc = &scope{}
		t.m[key] = sc
	}
	sc.refs++
	return sc
}

func (t *scopeTable) release(scopes ...*scope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sc := range scopes {
		sc.refs--
	}
}

func (t *scopeTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}

// evict drops scopes nobody holds, with no open reservations, whose expiry has passed.
func (t *scopeTable) evict(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for key, sc := range t.m {
		if sc.refs > 0 {
			continue
		}
		sc.mu.Lock()
		idle := sc.open == 0 && !now.Before(sc.expires)
		sc.mu.Unlock()
		if idle {
			delete(t.m, key)
			n++
		}
	}
	return n
}

// lockPair locks the run scope before the window scope. Every ledger operation
// touches exactly one of each, so the fixed order cannot deadlock.
func lockPair(run, window *scope) {
	run.mu.Lock()
	window.mu.Lock()
}

func unlockPair(run, window *scope) {
	window.mu.Unlock()
	run.mu.Unlock()
}
