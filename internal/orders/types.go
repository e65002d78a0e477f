package orders

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/winwindow/internal/store"
)

// SignalContext carries forensic/strategy metadata alongside a signal; it
// is optional and purely informational for the Order Manager.
type SignalContext struct {
	Edge             decimal.Decimal
	ModelProbability decimal.Decimal
	Symbol           string
	StrategyID       string
	TokenSide        string // "UP" or "DOWN"
}

// Signal is the fixed schema the Strategy Runner hands to the Order
// Manager, extended from the teacher's strategy.Signal with the fields
// spec §4.3 requires (tokenId, orderType, windowId, marketId, context).
type Signal struct {
	TokenID    string
	Side       store.OrderSide
	Size       decimal.Decimal // dollars for buys, shares for sells
	LimitPrice decimal.Decimal // zero means market order
	OrderType  store.OrderType
	WindowID   string
	MarketID   string
	Context    *SignalContext
}

// BookSnapshot is an optional order-book snapshot captured at decision
// time, stored alongside the order row for forensics.
type BookSnapshot struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

// Result is the uniform return shape across LIVE, PAPER, and DRY_RUN —
// downstream code branches only on Mode, never on the shape of Result.
type Result struct {
	OrderID                  string
	Status                   store.OrderStatus
	FillPrice                decimal.Decimal
	FilledSize               decimal.Decimal
	FeeAmount                decimal.Decimal
	LatencyMs                int64
	IntentID                 uint
	OrderSubmittedToExchange bool
	DBWriteFailed            bool
	SubmittedAt              time.Time
	AckedAt                  time.Time
	OrderBookSnapshot        *BookSnapshot
}
