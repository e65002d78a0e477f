// Package control implements the Control Surface from spec §4.8: the
// runtime-mutable kill switch, trading mode, and risk/instrument allow-lists
// that gate every admission point in the engine. Grounded in the teacher's
// risk/gate.go centralized-approval style (single mutex-guarded struct,
// reject-with-reason responses) and in 0xtitan6-polymarket-mm's
// internal/risk/manager.go kill-switch naming (KillSwitch, cooldown), which
// names this surface's concept more directly than the teacher's circuit
// breaker. Every mutation is mirrored to the store.ControlState row so a
// restart recovers the operator's last decision.
package control

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/winwindow/internal/store"
)

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func fromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// KillSwitch is the escalating operator control from spec's glossary: off
// → pause (no new orders) → flatten (cancel + close) → emergency (hard stop).
type KillSwitch string

const (
	KillOff       KillSwitch = "off"
	KillPause     KillSwitch = "pause"
	KillFlatten   KillSwitch = "flatten"
	KillEmergency KillSwitch = "emergency"
)

// TradingMode selects how Execute routes a signal.
type TradingMode string

const (
	ModePaper  TradingMode = "PAPER"
	ModeLive   TradingMode = "LIVE"
	ModeDryRun TradingMode = "DRY_RUN"
)

// Flattener is the narrow surface the Controller needs from the Order and
// Position Managers to carry out a flatten/emergency escalation, factored
// out so tests can substitute fakes.
type Flattener interface {
	CancelAll(ctx context.Context) map[uint]error
}

type PositionCloser interface {
	ForceCloseAll(ctx context.Context, reason string) error
}

// State is a snapshot of the control surface, safe to serialize for the
// Outbound API and Telegram.
type State struct {
	KillSwitch         KillSwitch
	TradingMode        TradingMode
	ActiveStrategy     string
	MaxPositionUSD     float64
	MaxSessionLoss     float64
	AllowedInstruments string // comma list or "*"
	AllowedStrategies  string
	UpdatedBy          string
	UpdatedAt          time.Time
}

// Controller holds the runtime-mutable state behind a mutex and persists
// every change to the control_state row.
type Controller struct {
	mu    sync.RWMutex
	state State

	store     *store.Store
	orders    Flattener
	positions PositionCloser
}

// New loads persisted control state if present, defaulting otherwise to
// kill switch off (trading not stopped) with trading mode PAPER.
func New(s *store.Store, orders Flattener, positions PositionCloser) *Controller {
	c := &Controller{
		store:     s,
		orders:    orders,
		positions: positions,
		state: State{
			KillSwitch:         KillOff,
			TradingMode:        ModePaper,
			AllowedInstruments: "*",
			AllowedStrategies:  "*",
		},
	}
	if cs, err := s.LoadControlState(); err == nil {
		c.state = State{
			KillSwitch:         KillSwitch(cs.KillSwitch),
			TradingMode:        TradingMode(cs.TradingMode),
			ActiveStrategy:     cs.ActiveStrategy,
			MaxPositionUSD:     toFloat(cs.MaxPositionUSD),
			MaxSessionLoss:     toFloat(cs.MaxSessionLoss),
			AllowedInstruments: orDefault(cs.AllowedInstruments, "*"),
			AllowedStrategies:  orDefault(cs.AllowedStrategies, "*"),
			UpdatedBy:          cs.UpdatedBy,
			UpdatedAt:          cs.UpdatedAt,
		}
	}
	return c
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// AllowSignal reports whether a new signal for (instrument, strategy) may
// be admitted right now, per spec §4.8: pause blocks new admission outright;
// flatten/emergency imply pause. Open orders/positions are left to run to
// their natural conclusion under pause (callers outside this check).
func (c *Controller) AllowSignal(instrument, strategy string) (bool, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.state.KillSwitch != KillOff {
		return false, fmt.Sprintf("kill switch is %s", c.state.KillSwitch)
	}
	if !allowListed(c.state.AllowedInstruments, instrument) {
		return false, fmt.Sprintf("instrument %s not in allow-list", instrument)
	}
	if !allowListed(c.state.AllowedStrategies, strategy) {
		return false, fmt.Sprintf("strategy %s not in allow-list", strategy)
	}
	if c.state.ActiveStrategy != "" && c.state.ActiveStrategy != strategy {
		return false, fmt.Sprintf("strategy %s is not the active strategy (%s)", strategy, c.state.ActiveStrategy)
	}
	return true, ""
}

func allowListed(list, name string) bool {
	if list == "" || list == "*" {
		return true
	}
	for _, s := range strings.Split(list, ",") {
		if strings.TrimSpace(s) == name {
			return true
		}
	}
	return false
}

// SetKillSwitch transitions the kill switch and, on escalation into
// flatten or emergency, cancels all open orders and force-closes all open
// positions per spec §4.8. channel identifies the originating control
// surface ("telegram" or "api") for the audit log.
func (c *Controller) SetKillSwitch(ctx context.Context, level KillSwitch, reason, channel string) error {
	switch level {
	case KillOff, KillPause, KillFlatten, KillEmergency:
	default:
		return fmt.Errorf("control: unknown kill switch level %q", level)
	}

	c.mu.Lock()
	prev := c.state.KillSwitch
	if prev == KillEmergency && level != KillEmergency {
		c.mu.Unlock()
		return fmt.Errorf("control: emergency requires an explicit operator reset, not a plain transition")
	}
	c.state.KillSwitch = level
	c.state.UpdatedBy = channel
	c.state.UpdatedAt = time.Now()
	c.mu.Unlock()

	log.Warn().Str("from", string(prev)).Str("to", string(level)).Str("reason", reason).
		Str("channel", channel).Msg("🔴 kill switch changed")

	c.persist()

	if level == KillFlatten || level == KillEmergency {
		if c.orders != nil {
			if failures := c.orders.CancelAll(ctx); len(failures) > 0 {
				for id, err := range failures {
					if err != nil {
						log.Error().Uint("order_id", id).Err(err).Msg("control: cancel-all failure during flatten")
					}
				}
			}
		}
		if c.positions != nil {
			if err := c.positions.ForceCloseAll(ctx, "kill_switch_"+string(level)); err != nil {
				log.Error().Err(err).Msg("control: force-close-all failure during flatten")
			}
		}
	}
	return nil
}

// ResetFromEmergency is the only way out of emergency: an explicit
// operator action back to off.
func (c *Controller) ResetFromEmergency(channel string) error {
	c.mu.Lock()
	if c.state.KillSwitch != KillEmergency {
		c.mu.Unlock()
		return fmt.Errorf("control: not in emergency")
	}
	c.state.KillSwitch = KillOff
	c.state.UpdatedBy = channel
	c.state.UpdatedAt = time.Now()
	c.mu.Unlock()
	log.Warn().Str("channel", channel).Msg("🟢 kill switch reset from emergency")
	c.persist()
	return nil
}

// SetTradingMode transitions into PAPER/LIVE/DRY_RUN. Entering LIVE
// requires liveConfirmed, set from config's WINWINDOW_LIVE_CONFIRMED env
// var and threaded through by the caller — this function never reads the
// environment itself.
func (c *Controller) SetTradingMode(mode TradingMode, liveConfirmed bool, channel string) error {
	switch mode {
	case ModePaper, ModeLive, ModeDryRun:
	default:
		return fmt.Errorf("control: unknown trading mode %q", mode)
	}
	if mode == ModeLive && !liveConfirmed {
		return fmt.Errorf("control: LIVE mode requires operator confirmation")
	}
	c.mu.Lock()
	c.state.TradingMode = mode
	c.state.UpdatedBy = channel
	c.state.UpdatedAt = time.Now()
	c.mu.Unlock()
	log.Warn().Str("mode", string(mode)).Str("channel", channel).Msg("trading mode changed")
	c.persist()
	return nil
}

// SetActiveStrategy restricts admission to a single named strategy, or
// clears the restriction with an empty string.
func (c *Controller) SetActiveStrategy(name, channel string) {
	c.mu.Lock()
	c.state.ActiveStrategy = name
	c.state.UpdatedBy = channel
	c.state.UpdatedAt = time.Now()
	c.mu.Unlock()
	c.persist()
}

// SetRiskLimits updates the session risk caps.
func (c *Controller) SetRiskLimits(maxPositionUSD, maxSessionLoss float64, channel string) {
	c.mu.Lock()
	c.state.MaxPositionUSD = maxPositionUSD
	c.state.MaxSessionLoss = maxSessionLoss
	c.state.UpdatedBy = channel
	c.state.UpdatedAt = time.Now()
	c.mu.Unlock()
	c.persist()
}

// SetAllowList updates the instrument or strategy allow-list ("*" for all).
func (c *Controller) SetAllowList(instruments, strategies, channel string) {
	c.mu.Lock()
	if instruments != "" {
		c.state.AllowedInstruments = instruments
	}
	if strategies != "" {
		c.state.AllowedStrategies = strategies
	}
	c.state.UpdatedBy = channel
	c.state.UpdatedAt = time.Now()
	c.mu.Unlock()
	c.persist()
}

func (c *Controller) persist() {
	s := c.Snapshot()
	cs := &store.ControlState{
		KillSwitch:         string(s.KillSwitch),
		TradingMode:        string(s.TradingMode),
		ActiveStrategy:     s.ActiveStrategy,
		MaxPositionUSD:     fromFloat(s.MaxPositionUSD),
		MaxSessionLoss:     fromFloat(s.MaxSessionLoss),
		AllowedInstruments: s.AllowedInstruments,
		AllowedStrategies:  s.AllowedStrategies,
		UpdatedBy:          s.UpdatedBy,
		UpdatedAt:          s.UpdatedAt,
	}
	if err := c.store.SaveControlState(cs); err != nil {
		log.Error().Err(err).Msg("control: failed to persist control state")
	}
}
