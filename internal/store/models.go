// Package store is the gorm-backed persistence layer, adapted from the
// teacher's internal/database/database.go dual postgres/sqlite pattern.
// Persistence exclusively owns durable rows; the Order Manager is the
// only writer for orders and order-scoped intents, and the Window
// Manager is the only writer for WindowEvent rows.
package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// IntentState is the WAL's state tag.
type IntentState string

const (
	IntentPending   IntentState = "PENDING"
	IntentExecuting IntentState = "EXECUTING"
	IntentCompleted IntentState = "COMPLETED"
	IntentFailed    IntentState = "FAILED"
)

// IntentKind distinguishes a place from a cancel intent.
type IntentKind string

const (
	IntentPlace  IntentKind = "place"
	IntentCancel IntentKind = "cancel"
)

// Intent is an append-only write-ahead record of an externally-visible
// action about to be (or having been) attempted. Rows are never deleted.
type Intent struct {
	ID        uint        `gorm:"primaryKey"`
	Kind      IntentKind  `gorm:"index;not null"`
	WindowID  string      `gorm:"index;not null"`
	Payload   string      `gorm:"type:text"` // JSON-encoded request parameters
	State     IntentState `gorm:"index;not null"`
	Result    string      `gorm:"type:text"` // JSON-encoded result, set on COMPLETED
	Error     string      `gorm:"type:text"` // set on FAILED
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OrderStatus is the order lifecycle state machine's tag type.
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusUnknown         OrderStatus = "UNKNOWN"
)

// Terminal reports whether s accepts no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusExpired, StatusRejected:
		return true
	default:
		return false
	}
}

// OrderSide and OrderType mirror the exchange's wire vocabulary.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

type OrderType string

const (
	OrderGTC OrderType = "GTC"
	OrderFOK OrderType = "FOK"
	OrderIOC OrderType = "IOC"
)

// ExecutionMode selects how an order is routed.
type ExecutionMode string

const (
	ModeLive   ExecutionMode = "LIVE"
	ModePaper  ExecutionMode = "PAPER"
	ModeDryRun ExecutionMode = "DRY_RUN"
)

// Order is one row per exchange order id (or synthetic id for
// PAPER/DRY_RUN). Mode is immutable once set.
type Order struct {
	ID             uint        `gorm:"primaryKey"`
	OrderID        string      `gorm:"uniqueIndex;not null"`
	IntentID       uint        `gorm:"uniqueIndex:idx_window_token_intent;not null"`
	WindowID       string      `gorm:"uniqueIndex:idx_window_token_intent;index;not null"`
	MarketID       string      `gorm:"index"`
	TokenID        string      `gorm:"uniqueIndex:idx_window_token_intent;index;not null"`
	Side           OrderSide   `gorm:"not null"`
	OrderType      OrderType   `gorm:"not null"`
	LimitPrice     decimal.Decimal `gorm:"type:numeric"`
	Size           decimal.Decimal `gorm:"type:numeric"`
	FilledSize     decimal.Decimal `gorm:"type:numeric"`
	AvgFillPrice   decimal.Decimal `gorm:"type:numeric"`
	FeeAmount      decimal.Decimal `gorm:"type:numeric"`
	Status         OrderStatus `gorm:"index;not null"`
	Mode           ExecutionMode `gorm:"not null"`
	SubmittedAt    time.Time
	AckedAt        time.Time
	FilledAt       *time.Time
	CancelledAt    *time.Time
	ErrorMessage   string
	PositionID     *uint   `gorm:"index"`
	Strategy       string
	Symbol         string
	TokenSide      string
	Edge           decimal.Decimal `gorm:"type:numeric"`
	ModelProbability decimal.Decimal `gorm:"type:numeric"`
	BookSnapshot   string  `gorm:"type:text"`
}

// TableName fixes the table name as "orders".
func (Order) TableName() string { return "orders" }

// PositionLifecycle tracks a position's stage.
type PositionLifecycle string

const (
	LifecycleEntry         PositionLifecycle = "ENTRY"
	LifecycleMonitoring    PositionLifecycle = "MONITORING"
	LifecycleStopTriggered PositionLifecycle = "STOP_TRIGGERED"
	LifecycleTPTriggered   PositionLifecycle = "TP_TRIGGERED"
	LifecycleExitPending   PositionLifecycle = "EXIT_PENDING"
	LifecycleExpiry        PositionLifecycle = "EXPIRY"
	LifecycleClosed        PositionLifecycle = "CLOSED"
)

// Position opens on first buy fill for a (symbol, epoch, side) triple.
type Position struct {
	ID              uint              `gorm:"primaryKey"`
	Symbol          string            `gorm:"index;not null"`
	WindowID        string            `gorm:"index;not null"`
	MarketID        string            `gorm:"index"`
	TokenSide       string            `gorm:"not null"` // "UP" or "DOWN"
	Shares          decimal.Decimal   `gorm:"type:numeric"`
	AvgEntry        decimal.Decimal   `gorm:"type:numeric"`
	HighWaterMark   decimal.Decimal   `gorm:"type:numeric"`
	TrailingActive  bool
	ActivationPrice decimal.Decimal `gorm:"type:numeric"`
	StopPrice       decimal.Decimal `gorm:"type:numeric"`
	StopLossHit     bool
	PeakPnLPct      decimal.Decimal `gorm:"type:numeric"`
	Lifecycle       PositionLifecycle `gorm:"index;not null"`
	Mode            ExecutionMode     `gorm:"not null"`
	OpenedAt        time.Time
	ClosedAt        *time.Time
	RealizedPnL     decimal.Decimal `gorm:"type:numeric"`
}

// Tick is a sampled snapshot persisted for history/metrics; the live path
// streams unsampled ticks over channels and does not wait on this write.
type Tick struct {
	ID          uint      `gorm:"primaryKey"`
	Timestamp   time.Time `gorm:"index"`
	Symbol      string    `gorm:"index"`
	Spot        decimal.Decimal `gorm:"type:numeric"`
	UpBid       decimal.Decimal `gorm:"type:numeric"`
	UpAsk       decimal.Decimal `gorm:"type:numeric"`
	DownBid     decimal.Decimal `gorm:"type:numeric"`
	DownAsk     decimal.Decimal `gorm:"type:numeric"`
	ImpliedProb decimal.Decimal `gorm:"type:numeric"`
	WindowID    string    `gorm:"index"`
	SecondsLeft int64
}

// WindowCloseEvent is the one row per (symbol, epoch) the Window Manager
// owns exclusively. Strike, once set, is immutable.
type WindowCloseEvent struct {
	ID                uint       `gorm:"primaryKey"`
	Symbol            string     `gorm:"index;not null"`
	Epoch             int64      `gorm:"index;not null"`
	WindowID          string     `gorm:"uniqueIndex;not null"`
	OpenTime          time.Time
	CloseTime         time.Time
	Strike            decimal.Decimal `gorm:"type:numeric"`
	StrikeSource      string
	ResolvedDirection string // "UP" | "DOWN", set on close
	OnChainDirection  string // set if later observed
}

// PaperTrade holds DRY_RUN order records, kept isolated from the live
// orders/positions lifecycle (see DESIGN.md Open Question decision #1).
type PaperTrade struct {
	ID           uint      `gorm:"primaryKey"`
	OrderID      string    `gorm:"uniqueIndex;not null"`
	WindowID     string    `gorm:"index"`
	TokenID      string
	Side         OrderSide
	Size         decimal.Decimal `gorm:"type:numeric"`
	FillPrice    decimal.Decimal `gorm:"type:numeric"`
	Strategy     string
	CreatedAt    time.Time
}

// ControlState mirrors the runtime-mutable control surface for audit and
// restart recovery.
type ControlState struct {
	ID                uint   `gorm:"primaryKey"`
	KillSwitch        string `gorm:"not null"`
	TradingMode       string `gorm:"not null"`
	ActiveStrategy    string
	MaxPositionUSD    decimal.Decimal `gorm:"type:numeric"`
	MaxSessionLoss    decimal.Decimal `gorm:"type:numeric"`
	AllowedInstruments string
	AllowedStrategies  string
	UpdatedBy         string
	UpdatedAt         time.Time
}
