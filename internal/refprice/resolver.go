// Package refprice implements the Reference-Price Resolver from spec
// §4.5: per symbol, it keeps the freshest price from each named source
// and resolves a single oracle-aligned reference price by priority.
// Grounded in the teacher's internal/chainlink/client.go freshness-aware
// GetPriceAtTime/CompareToBinance logic, generalized from "Chainlink vs
// Binance" to an ordered list of named sources.
package refprice

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// SourceKind names a resolver input's role in the priority order.
type SourceKind int

const (
	PrimaryOracle SourceKind = iota
	SecondaryOracle
	Exchange
)

type sample struct {
	price     decimal.Decimal
	timestamp time.Time
}

type sourceState struct {
	kind    SourceKind
	samples map[string]sample // symbol -> latest sample
}

// Resolver maintains the latest (price, timestamp) per (source, symbol)
// and computes the resolved reference price on demand.
type Resolver struct {
	mu         sync.RWMutex
	sources    map[string]*sourceState // source name -> state
	freshness  time.Duration
	lastKnown  map[string]sample // symbol -> last known non-stale value, any source
}

func New(freshness time.Duration) *Resolver {
	return &Resolver{
		sources:   make(map[string]*sourceState),
		freshness: freshness,
		lastKnown: make(map[string]sample),
	}
}

// RegisterSource declares a named source and its priority role. Must be
// called before Update is used for that source.
func (r *Resolver) RegisterSource(name string, kind SourceKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = &sourceState{kind: kind, samples: make(map[string]sample)}
}

// Update records a new price observation from a source for a symbol.
func (r *Resolver) Update(source, symbol string, price decimal.Decimal, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sources[source]
	if !ok {
		return
	}
	st.samples[symbol] = sample{price: price, timestamp: ts}
	if r.fresh(sample{price: price, timestamp: ts}) {
		r.lastKnown[symbol] = sample{price: price, timestamp: ts}
	}
}

func (r *Resolver) fresh(s sample) bool {
	return time.Since(s.timestamp) <= r.freshness
}

// Resolve computes the current reference price for symbol per spec
// §4.5's priority: primary oracle if fresh, else secondary oracle if
// fresh, else the median of fresh exchanges (≥2 required), else the last
// known non-stale value. The second return value names the source used.
func (r *Resolver) Resolve(symbol string) (decimal.Decimal, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var primary, secondary *sample
	var primaryName, secondaryName string
	var exchangeSamples []sample
	var exchangeNames []string

	for name, st := range r.sources {
		s, ok := st.samples[symbol]
		if !ok {
			continue
		}
		switch st.kind {
		case PrimaryOracle:
			if primary == nil || s.timestamp.After(primary.timestamp) {
				sc := s
				primary = &sc
				primaryName = name
			}
		case SecondaryOracle:
			if secondary == nil || s.timestamp.After(secondary.timestamp) {
				sc := s
				secondary = &sc
				secondaryName = name
			}
		case Exchange:
			exchangeSamples = append(exchangeSamples, s)
			exchangeNames = append(exchangeNames, name)
		}
	}

	if primary != nil && r.fresh(*primary) {
		return primary.price, primaryName, true
	}
	if secondary != nil && r.fresh(*secondary) {
		return secondary.price, secondaryName, true
	}

	var fresh []decimal.Decimal
	for _, s := range exchangeSamples {
		if r.fresh(s) {
			fresh = append(fresh, s.price)
		}
	}
	if len(fresh) >= 2 {
		return median(fresh), "exchange_median", true
	}

	if last, ok := r.lastKnown[symbol]; ok {
		return last.price, "last_known", true
	}
	return decimal.Zero, "", false
}

// Spread returns max-min across all fresh sources for symbol, exposed for
// feed-health monitoring per spec §4.5.
func (r *Resolver) Spread(symbol string) (decimal.Decimal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var prices []decimal.Decimal
	for _, st := range r.sources {
		if s, ok := st.samples[symbol]; ok && r.fresh(s) {
			prices = append(prices, s.price)
		}
	}
	if len(prices) == 0 {
		return decimal.Zero, false
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].LessThan(prices[j]) })
	return prices[len(prices)-1].Sub(prices[0]), true
}

func median(vals []decimal.Decimal) decimal.Decimal {
	sorted := make([]decimal.Decimal, len(vals))
	copy(sorted, vals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return sorted[n/2-1].Add(sorted[n/2]).Div(decimal.NewFromInt(2))
}
