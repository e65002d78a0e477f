// Package strategyrunner is the Strategy Runner from the system overview:
// it fans ticks out to registered strategies, enforces admission (is the
// strategy enabled, is the instrument allowed, is the system paused), and
// forwards accepted signals into the Order Manager. Grounded in the
// teacher's strategy/interface.go Strategy/Signal/SignalBuilder, extended
// with the tokenId/windowId/marketId fields the Order Manager's Signal
// schema requires and wired through internal/control for admission instead
// of the teacher's direct-call style.
package strategyrunner

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/winwindow/internal/control"
	"github.com/web3guy0/winwindow/internal/feeds"
	"github.com/web3guy0/winwindow/internal/orders"
	"github.com/web3guy0/winwindow/internal/store"
)

// Signal is what a Strategy emits in response to a tick, mirroring the
// teacher's strategy.Signal but carrying the identifiers the Order Manager
// needs to build an orders.Signal directly.
type Signal struct {
	Market     string
	TokenID    string
	WindowID   string
	Side       store.OrderSide
	TokenSide  string // "UP" or "DOWN"
	Size       decimal.Decimal
	Entry      decimal.Decimal
	TakeProfit decimal.Decimal
	StopLoss   decimal.Decimal
	Confidence decimal.Decimal
	Reason     string
	Strategy   string
}

// Validate mirrors the teacher's Signal.Validate, generalized to both
// buy and sell sides.
func (s *Signal) Validate() error {
	if s.Market == "" || s.TokenID == "" || s.WindowID == "" {
		return fmt.Errorf("strategyrunner: signal missing market/tokenId/windowId")
	}
	if s.Size.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("strategyrunner: signal size must be positive")
	}
	return nil
}

// Strategy is the plug-in interface every strategy implements, matching
// the teacher's shape: OnTick, Enabled, Name, Config.
type Strategy interface {
	Name() string
	OnTick(tick feeds.Tick) *Signal
	Enabled() bool
	Config() map[string]interface{}
}

// Executor is the narrow surface needed from the Order Manager.
type Executor interface {
	Execute(ctx context.Context, sig orders.Signal, mode store.ExecutionMode) (orders.Result, error)
}

// Admitter is the narrow surface needed from the Control Surface.
type Admitter interface {
	AllowSignal(instrument, strategy string) (bool, string)
	Snapshot() control.State
}

// Runner owns the registered strategies and fans ticks into them.
type Runner struct {
	strategies []Strategy
	executor   Executor
	control    Admitter
}

func New(executor Executor, ctl Admitter) *Runner {
	return &Runner{executor: executor, control: ctl}
}

// Register adds a strategy to the fan-out set. Not safe to call
// concurrently with OnTick; call during startup wiring only.
func (r *Runner) Register(s Strategy) {
	r.strategies = append(r.strategies, s)
}

// OnTick pushes tick to every enabled strategy, admits and executes any
// signal that clears the Control Surface's gate.
func (r *Runner) OnTick(ctx context.Context, tick feeds.Tick, mode store.ExecutionMode) {
	for _, s := range r.strategies {
		if !s.Enabled() {
			continue
		}
		sig := s.OnTick(tick)
		if sig == nil {
			continue
		}
		if sig.Strategy == "" {
			sig.Strategy = s.Name()
		}
		r.submit(ctx, sig, mode)
	}
}

func (r *Runner) submit(ctx context.Context, sig *Signal, mode store.ExecutionMode) {
	if err := sig.Validate(); err != nil {
		log.Warn().Err(err).Str("strategy", sig.Strategy).Msg("strategyrunner: dropping invalid signal")
		return
	}

	allowed, reason := r.control.AllowSignal(sig.Market, sig.Strategy)
	if !allowed {
		log.Debug().Str("strategy", sig.Strategy).Str("reason", reason).Msg("strategyrunner: signal blocked by control surface")
		return
	}

	orderType := store.OrderGTC
	if sig.Side == store.SideSell {
		orderType = store.OrderFOK
	}

	osig := orders.Signal{
		TokenID:    sig.TokenID,
		Side:       sig.Side,
		Size:       sig.Size,
		LimitPrice: sig.Entry,
		OrderType:  orderType,
		WindowID:   sig.WindowID,
		MarketID:   sig.Market,
		Context: &orders.SignalContext{
			StrategyID: sig.Strategy,
			TokenSide:  sig.TokenSide,
			Symbol:     sig.Market,
		},
	}

	result, err := r.executor.Execute(ctx, osig, mode)
	if err != nil {
		log.Warn().Err(err).Str("strategy", sig.Strategy).Str("market", sig.Market).
			Msg("strategyrunner: order execution rejected")
		return
	}
	log.Info().Str("strategy", sig.Strategy).Str("order_id", result.OrderID).
		Str("status", string(result.Status)).Msg("strategyrunner: signal executed")
}
