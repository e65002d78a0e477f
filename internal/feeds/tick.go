// Package feeds is the Feed Aggregator from spec §2: one goroutine per
// external price source, normalizing ticks into a common schema and
// emitting them on a shared, lossy channel. Grounded in the teacher's
// feeds/binance.go (HTTP-polling source) and internal/chainlink/client.go
// (on-chain oracle source).
package feeds

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is the normalized instantaneous snapshot spec §3 describes.
type Tick struct {
	Timestamp   time.Time
	Symbol      string
	Spot        decimal.Decimal
	UpBid       decimal.Decimal
	UpAsk       decimal.Decimal
	DownBid     decimal.Decimal
	DownAsk     decimal.Decimal
	ImpliedProb decimal.Decimal
	WindowID    string
	SecondsLeft int64
}

// Source is anything the Aggregator can fan in from.
type Source interface {
	// Name identifies the source for logging and for the
	// Reference-Price Resolver's source registry.
	Name() string
}

// Aggregator owns a buffered, lossy channel of ticks. Per spec §5's
// backpressure rule, a full buffer discards its oldest tick so the newest
// one is kept, without blocking the producer — dropped counts are exposed
// as a counter.
type Aggregator struct {
	ticks   chan Tick
	dropped int64
}

func NewAggregator(bufferSize int) *Aggregator {
	return &Aggregator{ticks: make(chan Tick, bufferSize)}
}

// Ticks returns the read side of the shared channel.
func (a *Aggregator) Ticks() <-chan Tick { return a.ticks }

// Publish offers t to the channel. If the buffer is full, the oldest
// buffered tick is discarded to make room for t.
func (a *Aggregator) Publish(t Tick) {
	select {
	case a.ticks <- t:
		return
	default:
	}
	select {
	case <-a.ticks:
		a.dropped++
	default:
	}
	select {
	case a.ticks <- t:
	default:
		a.dropped++
	}
}

// Dropped returns the count of ticks dropped due to backpressure.
func (a *Aggregator) Dropped() int64 { return a.dropped }
