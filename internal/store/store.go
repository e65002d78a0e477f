package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a row lookup finds nothing, mirroring the
// teacher's pattern of a sentinel rather than relying on callers checking
// gorm.ErrRecordNotFound directly.
var ErrNotFound = errors.New("store: record not found")

// Store wraps a gorm connection configured for either postgres or sqlite,
// exactly as the teacher's internal/database/database.go dispatches on the
// dsn prefix.
type Store struct {
	db *gorm.DB
}

// New opens a Store. dsn is either "postgres://..." or "sqlite://path";
// anything else is treated as a bare sqlite file path for convenience.
func New(dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		dialector = postgres.Open(dsn)
	case strings.HasPrefix(dsn, "sqlite://"):
		dialector = sqlite.Open(strings.TrimPrefix(dsn, "sqlite://"))
	default:
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if err := db.AutoMigrate(
		&Intent{},
		&Order{},
		&Position{},
		&Tick{},
		&WindowCloseEvent{},
		&PaperTrade{},
		&ControlState{},
	); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}

	log.Info().Str("dsn", maskDSN(dsn)).Msg("💾 store ready")
	return &Store{db: db}, nil
}

func maskDSN(dsn string) string {
	if i := strings.Index(dsn, "@"); i != -1 {
		return "***" + dsn[i:]
	}
	return dsn
}

// DB exposes the underlying gorm handle for components (the WAL, the
// Order Manager) that need transactional control the narrow methods below
// don't cover.
func (s *Store) DB() *gorm.DB { return s.db }

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- Intents -----------------------------------------------------------

func (s *Store) InsertIntent(in *Intent) error {
	return s.db.Create(in).Error
}

func (s *Store) GetIntent(id uint) (*Intent, error) {
	var in Intent
	if err := s.db.First(&in, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &in, nil
}

func (s *Store) UpdateIntent(in *Intent) error {
	return s.db.Save(in).Error
}

// IntentsInState returns all intents currently in the given state, used by
// the Reconciler to find EXECUTING intents on startup.
func (s *Store) IntentsInState(state IntentState) ([]Intent, error) {
	var out []Intent
	err := s.db.Where("state = ?", state).Find(&out).Error
	return out, err
}

// --- Orders --------------------------------------------------------------

func (s *Store) InsertOrder(o *Order) error {
	return s.db.Create(o).Error
}

func (s *Store) GetOrder(id uint) (*Order, error) {
	var o Order
	if err := s.db.First(&o, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

func (s *Store) GetOrderByOrderID(orderID string) (*Order, error) {
	var o Order
	if err := s.db.Where("order_id = ?", orderID).First(&o).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

// CountActiveOrders counts orders for (windowID, tokenID) whose status is
// not REJECTED or CANCELLED, the window-cap admission check in spec §4.3.
func (s *Store) CountActiveOrders(windowID, tokenID string) (int64, error) {
	var n int64
	err := s.db.Model(&Order{}).
		Where("window_id = ? AND token_id = ? AND status NOT IN ?", windowID, tokenID,
			[]OrderStatus{StatusRejected, StatusCancelled}).
		Count(&n).Error
	return n, err
}

// HasUnknownOrder reports whether an UNKNOWN order already exists for
// (windowID, tokenID), per the conservative default of blocking a second
// signal until reconciliation (DESIGN.md Open Question decision #3).
func (s *Store) HasUnknownOrder(windowID, tokenID string) (bool, error) {
	var n int64
	err := s.db.Model(&Order{}).
		Where("window_id = ? AND token_id = ? AND status = ?", windowID, tokenID, StatusUnknown).
		Count(&n).Error
	return n > 0, err
}

// UpdateOrderColumns applies a whitelisted column update, mirroring the
// COALESCE/whitelist pattern from the LucasAlvesSoares order_manager.go
// reference: only the columns named in the spec's UpdateOrderStatus
// whitelist may ever be written here.
func (s *Store) UpdateOrderColumns(orderID uint, cols map[string]interface{}) error {
	allowed := map[string]bool{
		"status": true, "filled_size": true, "avg_fill_price": true,
		"filled_at": true, "cancelled_at": true, "error_message": true,
		"position_id": true, "fee_amount": true,
	}
	filtered := make(map[string]interface{}, len(cols))
	for k, v := range cols {
		if allowed[k] {
			filtered[k] = v
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	return s.db.Model(&Order{}).Where("id = ?", orderID).Updates(filtered).Error
}

// OpenOrders returns all orders whose status is OPEN or PARTIALLY_FILLED,
// used by CancelAll.
func (s *Store) OpenOrders() ([]Order, error) {
	var out []Order
	err := s.db.Where("status IN ?", []OrderStatus{StatusOpen, StatusPartiallyFilled}).Find(&out).Error
	return out, err
}

// UnknownOrders returns all orders in UNKNOWN status, scanned by the
// Reconciler on startup.
func (s *Store) UnknownOrders() ([]Order, error) {
	var out []Order
	err := s.db.Where("status = ?", StatusUnknown).Find(&out).Error
	return out, err
}

// --- Positions -----------------------------------------------------------

func (s *Store) InsertPosition(p *Position) error {
	return s.db.Create(p).Error
}

func (s *Store) UpdatePosition(p *Position) error {
	return s.db.Save(p).Error
}

func (s *Store) GetOpenPosition(symbol, windowID, tokenSide string) (*Position, error) {
	var p Position
	err := s.db.Where("symbol = ? AND window_id = ? AND token_side = ? AND lifecycle != ?",
		symbol, windowID, tokenSide, LifecycleClosed).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) OpenPositionsForWindow(windowID string) ([]Position, error) {
	var out []Position
	err := s.db.Where("window_id = ? AND lifecycle != ?", windowID, LifecycleClosed).Find(&out).Error
	return out, err
}

func (s *Store) AllOpenPositions() ([]Position, error) {
	var out []Position
	err := s.db.Where("lifecycle != ?", LifecycleClosed).Find(&out).Error
	return out, err
}

// --- Window events ---------------------------------------------------------

func (s *Store) UpsertWindowEvent(ev *WindowCloseEvent) error {
	var existing WindowCloseEvent
	err := s.db.Where("window_id = ?", ev.WindowID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.Create(ev).Error
	}
	if err != nil {
		return err
	}
	ev.ID = existing.ID
	return s.db.Save(ev).Error
}

func (s *Store) GetWindowEvent(windowID string) (*WindowCloseEvent, error) {
	var ev WindowCloseEvent
	if err := s.db.Where("window_id = ?", windowID).First(&ev).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ev, nil
}

// --- Paper trades ----------------------------------------------------------

func (s *Store) InsertPaperTrade(pt *PaperTrade) error {
	return s.db.Create(pt).Error
}

// --- Control state ----------------------------------------------------------

// SaveControlState upserts the single control-state row (id=1).
func (s *Store) SaveControlState(cs *ControlState) error {
	cs.ID = 1
	return s.db.Save(cs).Error
}

func (s *Store) LoadControlState() (*ControlState, error) {
	var cs ControlState
	if err := s.db.First(&cs, 1).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &cs, nil
}

// --- Ticks -----------------------------------------------------------------

// InsertTick persists a sampled tick; callers sample the live stream down
// before calling this, per spec §3's "persisted at a sampled cadence" note.
func (s *Store) InsertTick(t *Tick) error {
	return s.db.Create(t).Error
}
