// Package positions is the Position Manager from spec §4.6: it opens a
// position on a buy fill, monitors it tick-by-tick for trailing-stop and
// stop-loss exits, resolves an opposite-direction signal against an
// existing position, and sweeps orphaned positions when a window closes.
// Grounded in the teacher's risk/tp_sl.go TPSLManager (trailing activation
// threshold, high-water-mark trailing, CheckExit shape), adapted from its
// single global-config style to per-position percentages read off
// internal/config.RiskConfig, and from a float-percent-of-price model
// (since the teacher trades raw spot) to a percent-of-entry-cost model
// appropriate to Polymarket's [0,1]-bounded share prices.
package positions

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/winwindow/internal/orders"
	"github.com/web3guy0/winwindow/internal/store"
)

// Executor is the narrow surface the Position Manager needs from the
// Order Manager to close out a position.
type Executor interface {
	Execute(ctx context.Context, sig orders.Signal, mode store.ExecutionMode) (orders.Result, error)
}

// Config carries the exit parameters, sourced from config.RiskConfig.
type Config struct {
	TrailingActivationPct decimal.Decimal // profit fraction that arms trailing
	TrailingStopPct       decimal.Decimal // trail distance below high-water mark
	ProfitFloorPct        decimal.Decimal // minimum locked-in profit once trailing is armed
	StopLossPct           decimal.Decimal // loss fraction that force-closes
	ReversalThresholdPct  decimal.Decimal // min profit required to accept an opposite signal as a close
}

func ConfigFromPercents(trailingActivation, trailingStop, profitFloor, stopLoss, reversalThreshold float64) Config {
	return Config{
		TrailingActivationPct: decimal.NewFromFloat(trailingActivation),
		TrailingStopPct:       decimal.NewFromFloat(trailingStop),
		ProfitFloorPct:        decimal.NewFromFloat(profitFloor),
		StopLossPct:           decimal.NewFromFloat(stopLoss),
		ReversalThresholdPct:  decimal.NewFromFloat(reversalThreshold),
	}
}

// Manager owns the position lifecycle. It is the sole mutator of position
// rows, mirroring the Order Manager's ownership discipline.
type Manager struct {
	store    *store.Store
	executor Executor
	cfg      Config
}

func New(s *store.Store, executor Executor, cfg Config) *Manager {
	return &Manager{store: s, executor: executor, cfg: cfg}
}

// OnFill opens a new position, or adds to an existing open one, when a buy
// order fills. A sell fill against an open position reduces or closes it.
func (m *Manager) OnFill(symbol, windowID, marketID, tokenSide string, side store.OrderSide, shares, price decimal.Decimal, mode store.ExecutionMode) (*store.Position, error) {
	existing, err := m.store.GetOpenPosition(symbol, windowID, tokenSide)
	if err != nil && err != store.ErrNotFound {
		return nil, fmt.Errorf("positions: lookup: %w", err)
	}

	if side == store.SideBuy {
		if err == store.ErrNotFound {
			pos := &store.Position{
				Symbol:        symbol,
				WindowID:      windowID,
				MarketID:      marketID,
				TokenSide:     tokenSide,
				Shares:        shares,
				AvgEntry:      price,
				HighWaterMark: price,
				Lifecycle:     store.LifecycleEntry,
				Mode:          mode,
				OpenedAt:      time.Now(),
			}
			if err := m.store.InsertPosition(pos); err != nil {
				return nil, fmt.Errorf("positions: insert: %w", err)
			}
			log.Info().Str("symbol", symbol).Str("window_id", windowID).Str("side", tokenSide).
				Str("shares", shares.String()).Str("entry", price.String()).Msg("📈 position opened")
			return pos, nil
		}
		newShares := existing.Shares.Add(shares)
		weighted := existing.Shares.Mul(existing.AvgEntry).Add(shares.Mul(price))
		existing.AvgEntry = weighted.Div(newShares).Round(8)
		existing.Shares = newShares
		existing.Lifecycle = store.LifecycleMonitoring
		if err := m.store.UpdatePosition(existing); err != nil {
			return nil, fmt.Errorf("positions: update on add: %w", err)
		}
		return existing, nil
	}

	// Sell fill: reduce or close.
	if err == store.ErrNotFound {
		return nil, fmt.Errorf("positions: sell fill with no open position for %s/%s/%s", symbol, windowID, tokenSide)
	}
	remaining := existing.Shares.Sub(shares)
	pnl := price.Sub(existing.AvgEntry).Mul(shares)
	existing.RealizedPnL = existing.RealizedPnL.Add(pnl)
	if remaining.LessThanOrEqual(decimal.Zero) {
		existing.Shares = decimal.Zero
		existing.Lifecycle = store.LifecycleClosed
		now := time.Now()
		existing.ClosedAt = &now
		log.Info().Str("symbol", symbol).Str("window_id", windowID).Str("side", tokenSide).
			Str("pnl", existing.RealizedPnL.String()).Msg("📉 position closed")
	} else {
		existing.Shares = remaining
	}
	if err := m.store.UpdatePosition(existing); err != nil {
		return nil, fmt.Errorf("positions: update on reduce: %w", err)
	}
	return existing, nil
}

// MonitorWindow evaluates every open position in windowID against
// currentPrice, the resolved reference price for that token side. Mirrors
// the teacher's TPSLManager.CheckExit priority: stop-loss and trailing-stop
// checked first; the window's own expiry (via SweepWindow at window close)
// is the max-hold-time escape hatch, since a position never outlives its
// epoch.
func (m *Manager) MonitorWindow(ctx context.Context, windowID string, currentPrice decimal.Decimal) error {
	open, err := m.store.OpenPositionsForWindow(windowID)
	if err != nil {
		return fmt.Errorf("positions: monitor lookup: %w", err)
	}
	for i := range open {
		if _, err := m.MonitorPosition(ctx, &open[i], currentPrice); err != nil {
			log.Error().Err(err).Uint("position_id", open[i].ID).Msg("positions: monitor failed")
		}
	}
	return nil
}

// MonitorPosition evaluates one position against currentPrice and closes
// it via the Order Manager if a stop-loss, trailing-stop, or profit-floor
// condition trips. Returns true if the position was closed.
func (m *Manager) MonitorPosition(ctx context.Context, pos *store.Position, currentPrice decimal.Decimal) (bool, error) {
	if pos.Lifecycle == store.LifecycleClosed {
		return false, nil
	}

	profitPct := decimal.Zero
	if !pos.AvgEntry.IsZero() {
		profitPct = currentPrice.Sub(pos.AvgEntry).Div(pos.AvgEntry)
	}

	if currentPrice.GreaterThan(pos.HighWaterMark) {
		pos.HighWaterMark = currentPrice
	}

	// Stop-loss: unconditional loss cap.
	lossPct := profitPct.Neg()
	if lossPct.GreaterThanOrEqual(m.cfg.StopLossPct) {
		pos.StopLossHit = true
		pos.Lifecycle = store.LifecycleStopTriggered
		return true, m.closePosition(ctx, pos, currentPrice, "stop_loss")
	}

	// Trailing stop: arm once profit clears the activation threshold, then
	// trail the high-water mark down by TrailingStopPct, never releasing
	// below the profit floor once armed.
	if !pos.TrailingActive && profitPct.GreaterThanOrEqual(m.cfg.TrailingActivationPct) {
		pos.TrailingActive = true
		pos.ActivationPrice = currentPrice
		pos.StopPrice = pos.HighWaterMark.Mul(decimal.NewFromInt(1).Sub(m.cfg.TrailingStopPct))
		log.Debug().Uint("position_id", pos.ID).Str("stop_price", pos.StopPrice.String()).
			Msg("trailing stop armed")
	}

	if pos.TrailingActive {
		floor := pos.AvgEntry.Mul(decimal.NewFromInt(1).Add(m.cfg.ProfitFloorPct))
		trail := pos.HighWaterMark.Mul(decimal.NewFromInt(1).Sub(m.cfg.TrailingStopPct))
		newStop := trail
		if newStop.LessThan(floor) {
			newStop = floor
		}
		if newStop.GreaterThan(pos.StopPrice) {
			pos.StopPrice = newStop
		}
		if currentPrice.LessThanOrEqual(pos.StopPrice) {
			pos.Lifecycle = store.LifecycleTPTriggered
			return true, m.closePosition(ctx, pos, currentPrice, "trailing_stop")
		}
	}

	if profitPct.GreaterThan(pos.PeakPnLPct) {
		pos.PeakPnLPct = profitPct
	}
	pos.Lifecycle = store.LifecycleMonitoring
	if err := m.store.UpdatePosition(pos); err != nil {
		return false, fmt.Errorf("positions: monitor update: %w", err)
	}
	return false, nil
}

// ResolveOpposite implements spec §4.6's opposite-signal rule: a new
// signal on the opposite token side of an existing open position closes
// the position if it is profitable, otherwise the new signal is blocked.
func (m *Manager) ResolveOpposite(ctx context.Context, pos *store.Position, currentPrice decimal.Decimal) (closed bool, blockReason string, err error) {
	profitPct := decimal.Zero
	if !pos.AvgEntry.IsZero() {
		profitPct = currentPrice.Sub(pos.AvgEntry).Div(pos.AvgEntry)
	}
	if profitPct.LessThan(m.cfg.ReversalThresholdPct) {
		return false, "opposite_position_unprofitable", nil
	}
	pos.Lifecycle = store.LifecycleExitPending
	if err := m.closePosition(ctx, pos, currentPrice, "opposite_signal"); err != nil {
		return false, "", err
	}
	return true, "", nil
}

// SweepWindow force-closes every still-open position for windowID at
// expiryPrice, per spec §4.6's orphan-position sweep on window close.
func (m *Manager) SweepWindow(ctx context.Context, windowID string, expiryPrice decimal.Decimal) error {
	open, err := m.store.OpenPositionsForWindow(windowID)
	if err != nil {
		return fmt.Errorf("positions: sweep lookup: %w", err)
	}
	for i := range open {
		pos := &open[i]
		pos.Lifecycle = store.LifecycleExpiry
		if err := m.closePosition(ctx, pos, expiryPrice, "window_expiry"); err != nil {
			log.Error().Err(err).Uint("position_id", pos.ID).Msg("positions: sweep close failed")
		}
	}
	return nil
}

// ForceCloseAll implements control.PositionCloser for kill-switch
// flatten/emergency escalation: every open position across all windows is
// closed at its last known high-water mark (best available reference
// without a live tick in hand).
func (m *Manager) ForceCloseAll(ctx context.Context, reason string) error {
	open, err := m.store.AllOpenPositions()
	if err != nil {
		return fmt.Errorf("positions: force-close-all lookup: %w", err)
	}
	for i := range open {
		pos := &open[i]
		if err := m.closePosition(ctx, pos, pos.HighWaterMark, reason); err != nil {
			log.Error().Err(err).Uint("position_id", pos.ID).Msg("positions: force-close failed")
		}
	}
	return nil
}

func (m *Manager) closePosition(ctx context.Context, pos *store.Position, exitPrice decimal.Decimal, reason string) error {
	if pos.Shares.LessThanOrEqual(decimal.Zero) {
		pos.Lifecycle = store.LifecycleClosed
		return m.store.UpdatePosition(pos)
	}

	marketID := pos.MarketID
	if marketID == "" {
		marketID = pos.Symbol
	}
	sig := orders.Signal{
		TokenID:    pos.Symbol + ":" + pos.TokenSide,
		Side:       store.SideSell,
		Size:       pos.Shares,
		LimitPrice: exitPrice,
		OrderType:  store.OrderFOK,
		WindowID:   pos.WindowID,
		MarketID:   marketID,
		Context: &orders.SignalContext{
			Symbol:     pos.Symbol,
			TokenSide:  pos.TokenSide,
			StrategyID: "position_manager:" + reason,
		},
	}
	res, err := m.executor.Execute(ctx, sig, pos.Mode)
	if err != nil {
		return fmt.Errorf("positions: close order failed: %w", err)
	}

	pnl := res.FillPrice.Sub(pos.AvgEntry).Mul(res.FilledSize)
	pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
	pos.Shares = pos.Shares.Sub(res.FilledSize)
	if pos.Shares.LessThanOrEqual(decimal.Zero) {
		pos.Shares = decimal.Zero
		pos.Lifecycle = store.LifecycleClosed
		now := time.Now()
		pos.ClosedAt = &now
	}
	log.Info().Uint("position_id", pos.ID).Str("reason", reason).Str("pnl", pnl.String()).
		Msg("🏁 position closed")
	return m.store.UpdatePosition(pos)
}
