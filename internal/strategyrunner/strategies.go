package strategyrunner

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/winwindow/internal/feeds"
	"github.com/web3guy0/winwindow/internal/store"
)

// ImpliedBreakout is a momentum strategy on the UP/DOWN implied
// probability spread: it buys the side whose ask has crossed into a
// configured entry band (a strong-but-not-certain move) with a
// conservative take-profit/stop-loss pair, adapted from the teacher's
// Breakout15M (env-configured entry band, per-market cooldown) but driven
// off the window's token book instead of a rolling spot candle.
type ImpliedBreakout struct {
	mu      sync.RWMutex
	enabled bool

	entryMin   decimal.Decimal
	entryMax   decimal.Decimal
	takeProfit decimal.Decimal
	stopLoss   decimal.Decimal
	size       decimal.Decimal
	cooldown   time.Duration

	lastSignal map[string]time.Time
}

func NewImpliedBreakout(entryMin, entryMax, takeProfit, stopLoss, size float64, cooldown time.Duration) *ImpliedBreakout {
	return &ImpliedBreakout{
		enabled:    true,
		entryMin:   decimal.NewFromFloat(entryMin),
		entryMax:   decimal.NewFromFloat(entryMax),
		takeProfit: decimal.NewFromFloat(takeProfit),
		stopLoss:   decimal.NewFromFloat(stopLoss),
		size:       decimal.NewFromFloat(size),
		cooldown:   cooldown,
		lastSignal: make(map[string]time.Time),
	}
}

func (s *ImpliedBreakout) Name() string { return "implied_breakout" }

func (s *ImpliedBreakout) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

func (s *ImpliedBreakout) SetEnabled(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = v
}

func (s *ImpliedBreakout) Config() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"entry_min":   s.entryMin.String(),
		"entry_max":   s.entryMax.String(),
		"take_profit": s.takeProfit.String(),
		"stop_loss":   s.stopLoss.String(),
		"size":        s.size.String(),
	}
}

// OnTick buys UP when UpAsk sits in the entry band (the market already
// leans that way but hasn't fully priced it in) and symmetrically for
// DOWN, once per cooldown window per symbol.
func (s *ImpliedBreakout) OnTick(tick feeds.Tick) *Signal {
	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.lastSignal[tick.Symbol]; ok && time.Since(last) < s.cooldown {
		return nil
	}
	if tick.WindowID == "" {
		return nil
	}

	side, ask := s.pickSide(tick)
	if side == "" {
		return nil
	}

	s.lastSignal[tick.Symbol] = time.Now()

	var tp, sl decimal.Decimal
	if side == "UP" {
		tp = s.takeProfit
		sl = s.stopLoss
	} else {
		tp = decimal.NewFromInt(1).Sub(s.takeProfit)
		sl = decimal.NewFromInt(1).Sub(s.stopLoss)
	}

	log.Debug().Str("symbol", tick.Symbol).Str("side", side).Str("ask", ask.String()).
		Msg("implied_breakout: signal")

	return &Signal{
		Market:     tick.Symbol,
		TokenID:    fmt.Sprintf("%s:%s", tick.Symbol, side),
		WindowID:   tick.WindowID,
		Side:       store.SideBuy,
		TokenSide:  side,
		Size:       s.size,
		Entry:      ask,
		TakeProfit: tp,
		StopLoss:   sl,
		Confidence: decimal.NewFromFloat(0.6),
		Reason:     "implied_probability_breakout",
	}
}

func (s *ImpliedBreakout) pickSide(tick feeds.Tick) (string, decimal.Decimal) {
	if !tick.UpAsk.IsZero() && tick.UpAsk.GreaterThanOrEqual(s.entryMin) && tick.UpAsk.LessThanOrEqual(s.entryMax) {
		return "UP", tick.UpAsk
	}
	if !tick.DownAsk.IsZero() && tick.DownAsk.GreaterThanOrEqual(s.entryMin) && tick.DownAsk.LessThanOrEqual(s.entryMax) {
		return "DOWN", tick.DownAsk
	}
	return "", decimal.Zero
}
