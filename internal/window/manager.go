// Package window implements the Window Manager from spec §4.4: it tracks
// the current 15-minute epoch per symbol, locks the strike at open, and
// fires onWindowEnd with the resolved direction at close. Grounded in the
// teacher's feeds/window_scanner.go polling-loop-plus-subscriber-channel
// pattern, generalized from a single fixed BTC window to any tracked
// symbol and driven by the Reference-Price Resolver instead of scraping
// Polymarket question text.
package window

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/winwindow/internal/refprice"
	"github.com/web3guy0/winwindow/internal/store"
)

// Outcome is the resolved window direction.
type Outcome string

const (
	Up   Outcome = "UP"
	Down Outcome = "DOWN"
)

// Event is delivered to subscribers when a window closes.
type Event struct {
	Symbol  string
	Epoch   int64
	Outcome Outcome
	Strike  decimal.Decimal
	Final   decimal.Decimal
}

type trackedWindow struct {
	epoch  int64
	strike decimal.Decimal
	source string
}

// Manager owns one trackedWindow per symbol and is the sole writer of
// WindowCloseEvent rows.
type Manager struct {
	store        *store.Store
	resolver     *refprice.Resolver
	sizeSeconds  int64
	checkEvery   time.Duration

	mu       sync.Mutex
	windows  map[string]*trackedWindow

	subsMu sync.Mutex
	subs   []chan Event
}

func New(s *store.Store, resolver *refprice.Resolver, sizeSeconds int64, checkEvery time.Duration) *Manager {
	return &Manager{
		store:       s,
		resolver:    resolver,
		sizeSeconds: sizeSeconds,
		checkEvery:  checkEvery,
		windows:     make(map[string]*trackedWindow),
	}
}

// Subscribe returns a buffered channel of window-close events. Delivery
// is non-blocking: a slow subscriber misses events rather than stalling
// the manager, matching the teacher's broadcast pattern.
func (m *Manager) Subscribe() <-chan Event {
	ch := make(chan Event, 32)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) broadcast(ev Event) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Epoch returns the window epoch containing t, aligned to sizeSeconds.
func (m *Manager) Epoch(t time.Time) int64 {
	unix := t.Unix()
	return (unix / m.sizeSeconds) * m.sizeSeconds
}

// WindowID renders a (symbol, epoch) pair as the stable string id used
// throughout orders/positions.
func WindowID(symbol string, epoch int64) string {
	return fmt.Sprintf("%s-%d", symbol, epoch)
}

// Track registers symbol for epoch tracking; call once per symbol before
// Run.
func (m *Manager) Track(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.windows[symbol]; !ok {
		m.windows[symbol] = &trackedWindow{epoch: -1}
	}
}

// Run recurs every checkEvery, per spec §4.4. It blocks until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.checkEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Manager) tick() {
	now := time.Now()
	currentEpoch := m.Epoch(now)

	m.mu.Lock()
	symbols := make([]string, 0, len(m.windows))
	for sym := range m.windows {
		symbols = append(symbols, sym)
	}
	m.mu.Unlock()

	for _, sym := range symbols {
		m.checkSymbol(sym, currentEpoch, now)
	}
}

func (m *Manager) checkSymbol(symbol string, currentEpoch int64, now time.Time) {
	m.mu.Lock()
	tw := m.windows[symbol]
	heldEpoch := tw.epoch
	m.mu.Unlock()

	if heldEpoch == currentEpoch {
		// Already tracking this epoch; freeze the strike on first sight if
		// not yet set.
		m.mu.Lock()
		needsStrike := tw.strike.IsZero()
		m.mu.Unlock()
		if needsStrike {
			m.freezeStrike(symbol, currentEpoch, now)
		}
		return
	}

	if heldEpoch != -1 {
		m.closeWindow(symbol, heldEpoch, now)
	}

	m.mu.Lock()
	tw.epoch = currentEpoch
	tw.strike = decimal.Zero
	tw.source = ""
	m.mu.Unlock()

	m.freezeStrike(symbol, currentEpoch, now)
}

func (m *Manager) freezeStrike(symbol string, epoch int64, now time.Time) {
	price, source, ok := m.resolver.Resolve(symbol)
	if !ok {
		log.Warn().Str("symbol", symbol).Msg("window manager: no reference price available to freeze strike")
		return
	}

	m.mu.Lock()
	tw := m.windows[symbol]
	if !tw.strike.IsZero() {
		m.mu.Unlock()
		return // strike already locked; immutable per spec §3/§8
	}
	tw.strike = price
	tw.source = source
	m.mu.Unlock()

	windowID := WindowID(symbol, epoch)
	ev := &store.WindowCloseEvent{
		Symbol:       symbol,
		Epoch:        epoch,
		WindowID:     windowID,
		OpenTime:     time.Unix(epoch, 0),
		CloseTime:    time.Unix(epoch+m.sizeSeconds, 0),
		Strike:       price,
		StrikeSource: source,
	}
	if err := m.store.UpsertWindowEvent(ev); err != nil {
		log.Error().Err(err).Str("window_id", windowID).Msg("window manager: failed to persist strike")
	}
	log.Info().Str("symbol", symbol).Str("window_id", windowID).
		Str("strike", price.String()).Str("source", source).Msg("🔒 strike locked")
}

func (m *Manager) closeWindow(symbol string, epoch int64, now time.Time) {
	m.mu.Lock()
	tw := m.windows[symbol]
	strike := tw.strike
	m.mu.Unlock()

	final, _, ok := m.resolver.Resolve(symbol)
	if !ok {
		log.Warn().Str("symbol", symbol).Msg("window manager: no reference price available at close")
		return
	}

	outcome := Down
	if final.GreaterThanOrEqual(strike) {
		outcome = Up
	}

	windowID := WindowID(symbol, epoch)
	wev, err := m.store.GetWindowEvent(windowID)
	if err == nil {
		wev.ResolvedDirection = string(outcome)
		_ = m.store.UpsertWindowEvent(wev)
	}

	log.Info().Str("symbol", symbol).Str("window_id", windowID).
		Str("outcome", string(outcome)).Msg("🏁 window resolved")

	m.broadcast(Event{
		Symbol:  symbol,
		Epoch:   epoch,
		Outcome: outcome,
		Strike:  strike,
		Final:   final,
	})
}
