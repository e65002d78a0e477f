package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/winwindow/internal/exchange"
	"github.com/web3guy0/winwindow/internal/store"
	"github.com/web3guy0/winwindow/internal/wal"
)

var (
	minPrice = decimal.NewFromFloat(0.01)
	maxPrice = decimal.NewFromFloat(0.99)
)

// ExchangeClient is the narrow surface the Order Manager needs from
// internal/exchange.Client, factored out so tests can substitute a fake
// exchange and exercise the six end-to-end scenarios from spec §8
// without any network access.
type ExchangeClient interface {
	PlaceBuy(ctx context.Context, tokenID string, dollars, limit decimal.Decimal, orderType, clientOrderID string) (*exchange.PlaceResponse, error)
	PlaceSell(ctx context.Context, tokenID string, shares, limit decimal.Decimal, orderType, clientOrderID string) (*exchange.PlaceResponse, error)
	Cancel(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (*exchange.PlaceResponse, error)
	GetBestPrices(ctx context.Context, tokenID string) (*exchange.BestPrices, error)
	GetBalance(ctx context.Context) (decimal.Decimal, error)
}

// Config carries the Order Manager's tunables, sourced from
// internal/config.RiskConfig.
type Config struct {
	MaxOrderUSD        decimal.Decimal
	WindowOrderCap      int64
	ConfirmationPoll    time.Duration
	ConfirmationBudget  time.Duration
}

// DefaultConfig mirrors the spec's stated source values: K=2 per window,
// 1s poll interval, 5s total confirmation budget.
func DefaultConfig() Config {
	return Config{
		MaxOrderUSD:        decimal.NewFromInt(5),
		WindowOrderCap:     2,
		ConfirmationPoll:   time.Second,
		ConfirmationBudget: 5 * time.Second,
	}
}

// Manager is the sole mutator of order rows.
type Manager struct {
	store    *store.Store
	wal      *wal.WAL
	exchange ExchangeClient
	cfg      Config

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex // keyed by exchange orderID
}

func New(s *store.Store, w *wal.WAL, ex ExchangeClient, cfg Config) *Manager {
	return &Manager{
		store:    s,
		wal:      w,
		exchange: ex,
		cfg:      cfg,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lockFor(orderID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[orderID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[orderID] = l
	}
	return l
}

// validate enforces spec §4.3 step 1.
func (m *Manager) validate(sig Signal) error {
	if sig.TokenID == "" {
		return newErr(CodeValidation, "tokenId is required")
	}
	if sig.Side != store.SideBuy && sig.Side != store.SideSell {
		return newErr(CodeValidation, "side must be buy or sell")
	}
	if sig.Size.LessThanOrEqual(decimal.Zero) {
		return newErr(CodeValidation, "size must be positive")
	}
	if sig.Size.GreaterThan(m.cfg.MaxOrderUSD) {
		return newErr(CodeValidation, "size %s exceeds per-order cap %s", sig.Size, m.cfg.MaxOrderUSD)
	}
	if !sig.LimitPrice.IsZero() {
		if sig.LimitPrice.LessThan(minPrice) || sig.LimitPrice.GreaterThan(maxPrice) {
			return newErr(CodeValidation, "price %s out of range [0.01, 0.99]", sig.LimitPrice)
		}
	}
	if sig.OrderType == "" {
		return newErr(CodeValidation, "orderType is required")
	}
	if sig.WindowID == "" || sig.MarketID == "" {
		return newErr(CodeValidation, "windowId and marketId are required")
	}
	return nil
}

// Execute dispatches a signal to the LIVE, PAPER, or DRY_RUN path. Result
// has the same shape regardless of mode.
func (m *Manager) Execute(ctx context.Context, sig Signal, mode store.ExecutionMode) (Result, error) {
	if err := m.validate(sig); err != nil {
		return Result{}, err
	}

	if sig.Side == store.SideBuy && mode == store.ModeLive {
		balance, err := m.exchange.GetBalance(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("order manager: balance check failed, proceeding fail-open")
		} else if balance.LessThan(sig.Size) {
			return Result{}, newErr(CodeInsufficientBalance, "balance %s below size %s", balance, sig.Size)
		}
	}

	if err := m.checkWindowCap(sig); err != nil {
		return Result{}, err
	}

	intentID, err := m.wal.LogIntent(store.IntentPlace, sig.WindowID, sig)
	if err != nil {
		return Result{}, wrapErr(CodeStorageError, err, "log intent")
	}
	if err := m.wal.MarkExecuting(intentID); err != nil {
		return Result{}, wrapErr(CodeStorageError, err, "mark executing")
	}

	var result Result
	var execErr error
	switch mode {
	case store.ModeLive:
		result, execErr = m.executeLive(ctx, sig, intentID)
	case store.ModePaper, store.ModeDryRun:
		result, execErr = m.executeSimulated(ctx, sig, mode, intentID)
	default:
		execErr = newErr(CodeValidation, "unknown mode %q", mode)
	}

	if execErr != nil {
		var oe *OrderError
		if errors.As(execErr, &oe) && oe.code == CodeAmbiguousSubmission {
			// Do not mark FAILED: the intent stays EXECUTING so the
			// startup reconciler finds it via wal.Executing() and
			// resolves it by clientOrderId instead of it silently
			// looking resolved to a future admission check.
			return result, execErr
		}
		_ = m.wal.MarkFailed(intentID, execErr)
		return Result{}, execErr
	}

	if err := m.wal.MarkCompleted(intentID, result); err != nil {
		log.Error().Err(err).Uint("intent_id", intentID).Msg("order manager: mark completed failed")
	}
	return result, nil
}

// checkWindowCap enforces spec §4.3 step 3 plus the conservative
// UNKNOWN-gate default from DESIGN.md Open Question decision #3.
func (m *Manager) checkWindowCap(sig Signal) error {
	blocked, err := m.store.HasUnknownOrder(sig.WindowID, sig.TokenID)
	if err != nil {
		log.Warn().Err(err).Msg("order manager: unknown-order gate check failed, bypassing fail-open")
	} else if blocked {
		return newErr(CodeConfirmationTimeout, "an UNKNOWN order already exists for window=%s token=%s", sig.WindowID, sig.TokenID)
	}

	count, err := m.store.CountActiveOrders(sig.WindowID, sig.TokenID)
	if err != nil {
		log.Warn().Err(err).Msg("order manager: window cap check failed, bypassing fail-open")
		return nil
	}
	if count >= m.cfg.WindowOrderCap {
		return newErr(CodeWindowCapExceeded, "window %s token %s already has %d active orders (cap %d)", sig.WindowID, sig.TokenID, count, m.cfg.WindowOrderCap)
	}
	return nil
}

// executeLive implements spec §4.3's LIVE place-order algorithm, steps 6-12.
func (m *Manager) executeLive(ctx context.Context, sig Signal, intentID uint) (Result, error) {
	submittedAt := time.Now()
	clientOrderID := intentClientOrderID(intentID)

	var resp *exchange.PlaceResponse
	var err error
	if sig.Side == store.SideBuy {
		resp, err = m.exchange.PlaceBuy(ctx, sig.TokenID, sig.Size, sig.LimitPrice, string(sig.OrderType), clientOrderID)
	} else {
		resp, err = m.exchange.PlaceSell(ctx, sig.TokenID, sig.Size, sig.LimitPrice, string(sig.OrderType), clientOrderID)
	}
	ackedAt := time.Now()

	if err != nil {
		var ambiguous *exchange.AmbiguousSubmissionError
		if errors.As(err, &ambiguous) {
			// The send may or may not have reached the exchange: neither
			// re-signalling nor marking the intent FAILED is safe. Leave
			// it EXECUTING so the §4.1 reconciler can resolve it by
			// clientOrderId on next startup.
			return Result{
				Status:                   store.StatusUnknown,
				IntentID:                 intentID,
				OrderSubmittedToExchange: false,
				SubmittedAt:              submittedAt,
				AckedAt:                  ackedAt,
			}, wrapErr(CodeAmbiguousSubmission, err, "exchange submission ambiguous, awaiting reconciliation")
		}
		return Result{}, wrapErr(CodeSubmissionFailed, err, "exchange call failed")
	}
	if resp.OrderID == "" {
		return Result{}, newErr(CodeSubmissionFailed, "exchange returned no orderId")
	}

	status := mapExchangeStatus(string(resp.Status), sig.OrderType)

	if sig.OrderType == store.OrderGTC && status == store.StatusOpen {
		status, resp = m.pollConfirmation(ctx, resp.OrderID, sig.OrderType, resp)
	}

	filledSize, fillPrice := extractFill(sig, resp)

	order := &store.Order{
		OrderID:      resp.OrderID,
		IntentID:     intentID,
		WindowID:     sig.WindowID,
		MarketID:     sig.MarketID,
		TokenID:      sig.TokenID,
		Side:         sig.Side,
		OrderType:    sig.OrderType,
		LimitPrice:   sig.LimitPrice,
		Size:         sig.Size,
		FilledSize:   filledSize,
		AvgFillPrice: fillPrice,
		FeeAmount:    resp.Fee,
		Status:       status,
		Mode:         store.ModeLive,
		SubmittedAt:  submittedAt,
		AckedAt:      ackedAt,
	}
	applyContext(order, sig.Context)
	if status.Terminal() {
		if status == store.StatusFilled {
			now := time.Now()
			order.FilledAt = &now
		}
		if status == store.StatusCancelled {
			now := time.Now()
			order.CancelledAt = &now
		}
	}
	if status == store.StatusUnknown {
		order.ErrorMessage = "Order confirmation timed out"
	}

	dbWriteFailed := false
	if err := m.store.InsertOrder(order); err != nil {
		dbWriteFailed = true
		log.Error().Err(err).Str("order_id", resp.OrderID).Msg("🚨 order insert failed after exchange ack — reconciler must close this gap")
	}

	return Result{
		OrderID:                  resp.OrderID,
		Status:                   status,
		FillPrice:                fillPrice,
		FilledSize:               filledSize,
		FeeAmount:                resp.Fee,
		LatencyMs:                ackedAt.Sub(submittedAt).Milliseconds(),
		IntentID:                 intentID,
		OrderSubmittedToExchange: true,
		DBWriteFailed:            dbWriteFailed,
		SubmittedAt:              submittedAt,
		AckedAt:                  ackedAt,
	}, nil
}

// pollConfirmation implements spec §4.3 step 9: poll every
// ConfirmationPoll until a terminal exchange status is observed or the
// ConfirmationBudget elapses. A status observed at exactly the budget
// boundary still counts as in-time per spec §8's boundary behavior.
func (m *Manager) pollConfirmation(ctx context.Context, orderID string, orderType store.OrderType, last *exchange.PlaceResponse) (store.OrderStatus, *exchange.PlaceResponse) {
	deadline := time.Now().Add(m.cfg.ConfirmationBudget)
	ticker := time.NewTicker(m.cfg.ConfirmationPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return store.StatusUnknown, last
		case now := <-ticker.C:
			resp, err := m.exchange.GetOrder(ctx, orderID)
			if err != nil {
				log.Warn().Err(err).Str("order_id", orderID).Msg("order manager: confirmation poll request failed")
			} else {
				if !inRange(resp.PriceFilled) && !resp.PriceFilled.IsZero() {
					log.Warn().Str("order_id", orderID).Str("price", resp.PriceFilled.String()).
						Msg("order manager: discarding out-of-range confirmation-poll price")
				} else {
					last = resp
				}
				status := mapExchangeStatus(string(last.Status), orderType)
				if status.Terminal() {
					return status, last
				}
			}
			if !now.Before(deadline) {
				return store.StatusUnknown, last
			}
		}
	}
}

func inRange(p decimal.Decimal) bool {
	return p.GreaterThanOrEqual(minPrice) && p.LessThanOrEqual(maxPrice)
}

// extractFill takes the fill price from the exchange response, falling
// back to the requested limit price. Filled size comes from the reported
// shares; a buy without shares uses cost divided by the fill price, and a
// sell without shares uses the requested size. A buy that reports neither
// shares nor cost gets a zero filled size.
func extractFill(sig Signal, resp *exchange.PlaceResponse) (filledSize, fillPrice decimal.Decimal) {
	fillPrice = resp.PriceFilled
	if fillPrice.IsZero() {
		fillPrice = sig.LimitPrice
	}

	if sig.Side == store.SideBuy {
		if !resp.Shares.IsZero() {
			filledSize = resp.Shares
		} else if !resp.Cost.IsZero() && !fillPrice.IsZero() {
			filledSize = resp.Cost.Div(fillPrice)
		}
	} else {
		if !resp.Shares.IsZero() {
			filledSize = resp.Shares
		} else {
			filledSize = sig.Size
		}
	}
	return filledSize, fillPrice
}

func applyContext(o *store.Order, c *SignalContext) {
	if c == nil {
		return
	}
	o.Symbol = c.Symbol
	o.Strategy = c.StrategyID
	o.TokenSide = c.TokenSide
	o.Edge = c.Edge
	o.ModelProbability = c.ModelProbability
}

// executeSimulated implements the PAPER/DRY_RUN path from spec §4.3.
func (m *Manager) executeSimulated(ctx context.Context, sig Signal, mode store.ExecutionMode, intentID uint) (Result, error) {
	submittedAt := time.Now()

	fillPrice := sig.LimitPrice
	book, err := m.exchange.GetBestPrices(ctx, sig.TokenID)
	if err == nil && book != nil {
		if sig.Side == store.SideBuy && !book.Ask.IsZero() {
			fillPrice = book.Ask
		} else if sig.Side == store.SideSell && !book.Bid.IsZero() {
			fillPrice = book.Bid
		}
	}

	ackedAt := time.Now()
	prefix := "paper"
	if mode == store.ModeDryRun {
		prefix = "dryrun"
	}
	orderID := fmt.Sprintf("%s-%d-%d", prefix, submittedAt.UnixNano(), intentID)

	filledSize := sig.Size
	if sig.Side == store.SideBuy && !fillPrice.IsZero() {
		filledSize = sig.Size.Div(fillPrice)
	}

	dbWriteFailed := false
	if mode == store.ModeDryRun {
		pt := &store.PaperTrade{
			OrderID:  orderID,
			WindowID: sig.WindowID,
			TokenID:  sig.TokenID,
			Side:     sig.Side,
			Size:     filledSize,
			FillPrice: fillPrice,
		}
		if sig.Context != nil {
			pt.Strategy = sig.Context.StrategyID
		}
		if err := m.store.InsertPaperTrade(pt); err != nil {
			dbWriteFailed = true
			log.Error().Err(err).Str("order_id", orderID).Msg("order manager: paper trade insert failed")
		}
	} else {
		order := &store.Order{
			OrderID:      orderID,
			IntentID:     intentID,
			WindowID:     sig.WindowID,
			MarketID:     sig.MarketID,
			TokenID:      sig.TokenID,
			Side:         sig.Side,
			OrderType:    sig.OrderType,
			LimitPrice:   sig.LimitPrice,
			Size:         sig.Size,
			FilledSize:   filledSize,
			AvgFillPrice: fillPrice,
			Status:       store.StatusFilled,
			Mode:         mode,
			SubmittedAt:  submittedAt,
			AckedAt:      ackedAt,
			FilledAt:     &ackedAt,
		}
		applyContext(order, sig.Context)
		if err := m.store.InsertOrder(order); err != nil {
			dbWriteFailed = true
			log.Error().Err(err).Str("order_id", orderID).Msg("order manager: paper order insert failed")
		}
	}

	return Result{
		OrderID:                  orderID,
		Status:                   store.StatusFilled,
		FillPrice:                fillPrice,
		FilledSize:               filledSize,
		IntentID:                 intentID,
		OrderSubmittedToExchange: false,
		DBWriteFailed:            dbWriteFailed,
		SubmittedAt:              submittedAt,
		AckedAt:                  ackedAt,
	}, nil
}

// UpdateOrderStatus enforces the state machine and whitelists updatable
// columns per spec §4.3.
func (m *Manager) UpdateOrderStatus(orderID uint, newStatus store.OrderStatus, updates map[string]interface{}) error {
	order, err := m.store.GetOrder(orderID)
	if err != nil {
		return newErr(CodeNotFound, "order %d: %v", orderID, err)
	}

	lock := m.lockFor(order.OrderID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read inside the lock: another goroutine may have mutated status
	// while we waited.
	order, err = m.store.GetOrder(orderID)
	if err != nil {
		return newErr(CodeNotFound, "order %d: %v", orderID, err)
	}

	if !validTransition(order.Status, newStatus) {
		return newErr(CodeInvalidTransition, "order %d: %s -> %s is not a legal transition", orderID, order.Status, newStatus)
	}

	cols := map[string]interface{}{"status": newStatus}
	for k, v := range updates {
		cols[k] = v
	}
	if newStatus == store.StatusFilled && order.FilledAt == nil {
		cols["filled_at"] = time.Now()
	}
	if newStatus == store.StatusCancelled && order.CancelledAt == nil {
		cols["cancelled_at"] = time.Now()
	}

	if err := m.store.UpdateOrderColumns(orderID, cols); err != nil {
		return wrapErr(CodeStorageError, err, "update order %d", orderID)
	}

	if newStatus.Terminal() {
		if err := m.wal.MarkCompleted(order.IntentID, map[string]interface{}{"status": newStatus}); err != nil {
			log.Error().Err(err).Uint("intent_id", order.IntentID).Msg("order manager: opportunistic intent completion failed")
		}
	}
	return nil
}

// CancelOrder implements spec §4.3's cancelOrder.
func (m *Manager) CancelOrder(ctx context.Context, orderID uint) error {
	order, err := m.store.GetOrder(orderID)
	if err != nil {
		return newErr(CodeNotFound, "order %d: %v", orderID, err)
	}
	if order.Status != store.StatusOpen && order.Status != store.StatusPartiallyFilled {
		return newErr(CodeInvalidCancelState, "order %d has status %s", orderID, order.Status)
	}

	intentID, err := m.wal.LogIntent(store.IntentCancel, order.WindowID, map[string]interface{}{"order_id": order.OrderID})
	if err != nil {
		return wrapErr(CodeStorageError, err, "log cancel intent")
	}
	if err := m.wal.MarkExecuting(intentID); err != nil {
		return wrapErr(CodeStorageError, err, "mark cancel intent executing")
	}

	start := time.Now()
	if err := m.exchange.Cancel(ctx, order.OrderID); err != nil {
		_ = m.wal.MarkFailed(intentID, err)
		// The order may still be live on the exchange: do not mutate status.
		return wrapErr(CodeSubmissionFailed, err, "cancel order %d", orderID)
	}
	latencyMs := time.Since(start).Milliseconds()

	if err := m.UpdateOrderStatus(orderID, store.StatusCancelled, nil); err != nil {
		return err
	}
	if err := m.wal.MarkCompleted(intentID, map[string]interface{}{"latency_ms": latencyMs}); err != nil {
		log.Error().Err(err).Uint("intent_id", intentID).Msg("order manager: mark cancel intent completed failed")
	}
	return nil
}

// HandlePartialFill implements spec §4.3's handlePartialFill with 10⁻⁸
// rounding on the running average fill price.
func (m *Manager) HandlePartialFill(orderID uint, fillSize, fillPrice decimal.Decimal) error {
	if fillSize.LessThanOrEqual(decimal.Zero) {
		return newErr(CodeValidation, "fillSize must be positive")
	}
	if !inRange(fillPrice) {
		return newErr(CodeValidation, "fillPrice %s out of range [0.01, 0.99]", fillPrice)
	}

	order, err := m.store.GetOrder(orderID)
	if err != nil {
		return newErr(CodeNotFound, "order %d: %v", orderID, err)
	}
	if order.Status != store.StatusOpen && order.Status != store.StatusPartiallyFilled {
		return newErr(CodeInvalidTransition, "order %d has status %s, cannot apply partial fill", orderID, order.Status)
	}

	newFilledSize := order.FilledSize.Add(fillSize)
	weighted := order.FilledSize.Mul(order.AvgFillPrice).Add(fillSize.Mul(fillPrice))
	newAvg := weighted.Div(newFilledSize).Round(8)

	newStatus := store.StatusPartiallyFilled
	if newFilledSize.GreaterThanOrEqual(order.Size) {
		newStatus = store.StatusFilled
	}

	updates := map[string]interface{}{
		"filled_size":    newFilledSize,
		"avg_fill_price": newAvg,
	}
	return m.UpdateOrderStatus(orderID, newStatus, updates)
}

// CancelAll iterates every open order and attempts to cancel it,
// collecting per-order errors without aborting the whole sweep. Used by
// the kill switch on escalation to flatten/emergency.
func (m *Manager) CancelAll(ctx context.Context) map[uint]error {
	open, err := m.store.OpenOrders()
	if err != nil {
		log.Error().Err(err).Msg("order manager: cancel all could not list open orders")
		return nil
	}
	results := make(map[uint]error, len(open))
	for _, o := range open {
		results[o.ID] = m.CancelOrder(ctx, o.ID)
	}
	return results
}
