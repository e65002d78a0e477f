package orders

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/winwindow/internal/store"
)

// Reconciler scans intents in EXECUTING and orders in UNKNOWN on startup,
// per spec §4.1's recovery contract and §9's "Reconciler on startup" note.
// Grounded in the teacher's execution/reconciler.go position-recovery
// pattern, expanded here to the spec's intent/order gap-closing contract.
type Reconciler struct {
	store    *store.Store
	manager  *Manager
}

func NewReconciler(s *store.Store, m *Manager) *Reconciler {
	return &Reconciler{store: s, manager: m}
}

// Run must be called before the engine admits any new signals. It closes
// two kinds of gaps: intents stuck in EXECUTING whose exchange outcome is
// unknown, and orders left in UNKNOWN status from a prior confirmation
// timeout.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.reconcileExecutingIntents(ctx); err != nil {
		return err
	}
	return r.reconcileUnknownOrders(ctx)
}

func (r *Reconciler) reconcileExecutingIntents(ctx context.Context) error {
	executing, err := r.manager.wal.Executing()
	if err != nil {
		return wrapErr(CodeStorageError, err, "list executing intents")
	}
	for _, in := range executing {
		r.reconcileIntent(ctx, in)
	}
	return nil
}

func (r *Reconciler) reconcileIntent(ctx context.Context, in store.Intent) {
	clientOrderID := intentClientOrderID(in.ID)

	resp, err := r.manager.exchange.GetOrder(ctx, clientOrderID)
	if err != nil || resp == nil || resp.OrderID == "" {
		log.Warn().Uint("intent_id", in.ID).Err(err).
			Msg("reconciler: exchange has no record of EXECUTING intent, marking FAILED")
		if mErr := r.manager.wal.MarkFailed(in.ID, errNoExchangeRecord); mErr != nil {
			log.Error().Err(mErr).Uint("intent_id", in.ID).Msg("reconciler: mark failed errored")
		}
		return
	}

	existing, err := r.store.GetOrderByOrderID(resp.OrderID)
	if err == store.ErrNotFound {
		var payload Signal
		_ = json.Unmarshal([]byte(in.Payload), &payload)
		status := mapExchangeStatus(string(resp.Status), payload.OrderType)
		filledSize, fillPrice := extractFill(payload, resp)
		order := &store.Order{
			OrderID:      resp.OrderID,
			IntentID:     in.ID,
			WindowID:     in.WindowID,
			TokenID:      payload.TokenID,
			Side:         payload.Side,
			OrderType:    payload.OrderType,
			LimitPrice:   payload.LimitPrice,
			Size:         payload.Size,
			FilledSize:   filledSize,
			AvgFillPrice: fillPrice,
			Status:       status,
			Mode:         store.ModeLive,
			SubmittedAt:  in.CreatedAt,
			AckedAt:      time.Now(),
		}
		if status.Terminal() && status == store.StatusFilled {
			now := time.Now()
			order.FilledAt = &now
		}
		if err := r.store.InsertOrder(order); err != nil {
			log.Error().Err(err).Uint("intent_id", in.ID).Msg("reconciler: failed to insert recovered order")
			return
		}
		existing = order
	} else if err != nil {
		log.Error().Err(err).Uint("intent_id", in.ID).Msg("reconciler: order lookup failed")
		return
	}

	if err := r.manager.wal.MarkCompleted(in.ID, map[string]interface{}{"order_id": existing.OrderID, "status": existing.Status}); err != nil {
		log.Error().Err(err).Uint("intent_id", in.ID).Msg("reconciler: mark completed errored")
	}
}

func (r *Reconciler) reconcileUnknownOrders(ctx context.Context) error {
	unknown, err := r.store.UnknownOrders()
	if err != nil {
		return wrapErr(CodeStorageError, err, "list unknown orders")
	}
	for _, o := range unknown {
		resp, err := r.manager.exchange.GetOrder(ctx, o.OrderID)
		if err != nil {
			log.Warn().Err(err).Str("order_id", o.OrderID).Msg("reconciler: get order failed, leaving UNKNOWN")
			continue
		}
		status := mapExchangeStatus(string(resp.Status), o.OrderType)
		if !status.Terminal() {
			continue
		}
		filledSize, fillPrice := extractFill(Signal{Side: o.Side, Size: o.Size, LimitPrice: o.LimitPrice}, resp)
		updates := map[string]interface{}{
			"filled_size":    filledSize,
			"avg_fill_price": fillPrice,
		}
		if err := r.manager.UpdateOrderStatus(o.ID, status, updates); err != nil {
			log.Error().Err(err).Str("order_id", o.OrderID).Msg("reconciler: failed to close UNKNOWN order gap")
		}
	}
	return nil
}

// intentClientOrderID renders an intent id as the clientOrderId string the
// exchange request originally carried, per spec §9's "idempotency key"
// note.
func intentClientOrderID(intentID uint) string {
	return "intent-" + strconv.FormatUint(uint64(intentID), 10)
}

var errNoExchangeRecord = newErr(CodeStorageError, "exchange has no record for this intent")
