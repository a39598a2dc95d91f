// Package pricing maps (provider, model) pairs to per-1000-token prices and
// turns token counts into USD.
package pricing

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrMissingPrice = errors.New("missing price")

type Price struct {
	InputUSDPer1K  float64 `yaml:"inputUsdPer1kTokens" json:"inputUsdPer1kTokens"`
	OutputUSDPer1K float64 `yaml:"outputUsdPer1kTokens" json:"outputUsdPer1kTokens"`
}

// Cost returns the USD cost of the given token counts.
func (p Price) Cost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1000*p.InputUSDPer1K + float64(outputTokens)/1000*p.OutputUSDPer1K
}

// Table is keyed by "provider:model". A key ending in "*" matches any model
// with that prefix.
type Table map[string]Price

func Key(provider, model string) string {
	return provider + ":" + model
}

// Lookup returns the exact entry if present, otherwise the longest matching
// wildcard entry.
func (t Table) Lookup(provider, model string) (Price, bool) {
	key := Key(provider, model)
	if p, ok := t[key]; ok {
		return p, true
	}
	var (
		best    Price
		bestLen = -1
	)
	for k, p := range t {
		prefix, ok := strings.CutSuffix(k, "*")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		if len(prefix) > bestLen {
			best, bestLen = p, len(prefix)
		}
	}
	return best, bestLen >= 0
}

type Mode string

const (
	// Strict refuses to admit a call whose price is unknown.
	Strict Mode = "strict"
	// Lenient treats an unknown price as an unknown cost; only token caps apply.
	Lenient Mode = "lenient"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", Strict:
		return Strict, nil
	case Lenient:
		return Lenient, nil
	}
	return "", fmt.Errorf("unknown pricing mode %q", s)
}

// Quote is a USD figure. Known is false when a lenient oracle had no price.
type Quote struct {
	USD   float64
	Known bool
}

type Oracle struct {
	table Table
	mode  Mode
}

func NewOracle(table Table, mode Mode) *Oracle {
	if table == nil {
		table = Table{}
	}
	if mode == "" {
		mode = Strict
	}
	return &Oracle{table: table, mode: mode}
}

func (o *Oracle) Mode() Mode { return o.mode }

// Estimate prices the declared upper bounds.
func (o *Oracle) Estimate(provider, model string, inputUpperBound, outputUpperBound int64) (Quote, error) {
	p, ok := o.table.Lookup(provider, model)
	if !ok {
		if o.mode == Lenient {
			return Quote{}, nil
		}
		return Quote{}, fmt.Errorf("%w for %s", ErrMissingPrice, Key(provider, model))
	}
	return Quote{USD: p.Cost(inputUpperBound, outputUpperBound), Known: true}, nil
}

// Actual applies the estimate formula to observed token counts.
func (o *Oracle) Actual(provider, model string, inputTokens, outputTokens int64) (Quote, error) {
	return o.Estimate(provider, model, inputTokens, outputTokens)
}

// LoadFile reads a YAML mapping of "provider:model" keys to prices.
func LoadFile(path string) (Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}
	var t Table
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("parse pricing file: %w", err)
	}
	for k, p := range t {
		if !strings.Contains(k, ":") {
			return nil, fmt.Errorf("pricing key %q: want provider:model", k)
		}
		if p.InputUSDPer1K < 0 || p.OutputUSDPer1K < 0 {
			return nil, fmt.Errorf("pricing key %q: negative price", k)
		}
	}
	return t, nil
}
