package orders

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/winwindow/internal/exchange"
	"github.com/web3guy0/winwindow/internal/store"
	"github.com/web3guy0/winwindow/internal/wal"
)

// fakeExchange is a scriptable stand-in for internal/exchange.Client, used
// to drive the six end-to-end scenarios spec §8 spells out without any
// network access.
type fakeExchange struct {
	placeResp   *exchange.PlaceResponse
	placeErr    error
	pollResps   []*exchange.PlaceResponse // consumed in order by successive GetOrder calls
	pollErr     error
	balance     decimal.Decimal
	balanceErr  error
	bestPrices  *exchange.BestPrices
	cancelErr   error
	placeCalls  int
	cancelCalls int

	lastClientOrderID string
}

func (f *fakeExchange) PlaceBuy(ctx context.Context, tokenID string, dollars, limit decimal.Decimal, orderType, clientOrderID string) (*exchange.PlaceResponse, error) {
	f.placeCalls++
	f.lastClientOrderID = clientOrderID
	return f.placeResp, f.placeErr
}

func (f *fakeExchange) PlaceSell(ctx context.Context, tokenID string, shares, limit decimal.Decimal, orderType, clientOrderID string) (*exchange.PlaceResponse, error) {
	f.placeCalls++
	f.lastClientOrderID = clientOrderID
	return f.placeResp, f.placeErr
}

func (f *fakeExchange) Cancel(ctx context.Context, orderID string) error {
	f.cancelCalls++
	return f.cancelErr
}

func (f *fakeExchange) GetOrder(ctx context.Context, orderID string) (*exchange.PlaceResponse, error) {
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if len(f.pollResps) == 0 {
		return f.placeResp, nil
	}
	next := f.pollResps[0]
	f.pollResps = f.pollResps[1:]
	return next, nil
}

func (f *fakeExchange) GetBestPrices(ctx context.Context, tokenID string) (*exchange.BestPrices, error) {
	return f.bestPrices, nil
}

func (f *fakeExchange) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	return f.balance, f.balanceErr
}

func newTestManager(t *testing.T, ex ExchangeClient) (*Manager, *store.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	w := wal.New(s)
	cfg := DefaultConfig()
	cfg.ConfirmationPoll = 10 * time.Millisecond
	cfg.ConfirmationBudget = 35 * time.Millisecond
	return New(s, w, ex, cfg), s
}

func baseSignal() Signal {
	return Signal{
		TokenID:    "t1",
		Side:       store.SideBuy,
		Size:       decimal.NewFromInt(3),
		LimitPrice: decimal.NewFromFloat(0.52),
		OrderType:  store.OrderIOC,
		WindowID:   "btc-15m-1000",
		MarketID:   "m1",
	}
}

// Scenario 1: happy buy, immediate fill.
func TestExecuteLiveImmediateFill(t *testing.T) {
	ex := &fakeExchange{
		placeResp: &exchange.PlaceResponse{
			OrderID: "o1", Status: exchange.RawMatched,
			PriceFilled: decimal.NewFromFloat(0.52), Shares: decimal.NewFromFloat(5.77),
		},
		balance: decimal.NewFromInt(100),
	}
	m, s := newTestManager(t, ex)

	res, err := m.Execute(context.Background(), baseSignal(), store.ModeLive)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != store.StatusFilled {
		t.Fatalf("expected FILLED, got %s", res.Status)
	}
	if !res.OrderSubmittedToExchange {
		t.Fatal("expected OrderSubmittedToExchange=true")
	}
	if !res.FilledSize.Equal(decimal.NewFromFloat(5.77)) {
		t.Fatalf("expected filled size 5.77, got %s", res.FilledSize)
	}

	order, err := s.GetOrderByOrderID("o1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != store.StatusFilled {
		t.Fatalf("expected persisted FILLED, got %s", order.Status)
	}
	if !order.AvgFillPrice.Equal(decimal.NewFromFloat(0.52)) {
		t.Fatalf("expected avg fill price 0.52, got %s", order.AvgFillPrice)
	}

	intent, err := m.wal.Get(res.IntentID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if intent.State != store.IntentCompleted {
		t.Fatalf("expected intent COMPLETED, got %s", intent.State)
	}
}

// Scenario 2: GTC with delayed match via confirmation polling.
func TestExecuteLiveGTCDelayedMatch(t *testing.T) {
	ex := &fakeExchange{
		placeResp: &exchange.PlaceResponse{OrderID: "o2", Status: exchange.RawLive},
		pollResps: []*exchange.PlaceResponse{
			{OrderID: "o2", Status: exchange.RawLive},
			{OrderID: "o2", Status: exchange.RawMatched, PriceFilled: decimal.NewFromFloat(0.52), Shares: decimal.NewFromFloat(5.77)},
		},
		balance: decimal.NewFromInt(100),
	}
	m, s := newTestManager(t, ex)

	sig := baseSignal()
	sig.OrderType = store.OrderGTC

	res, err := m.Execute(context.Background(), sig, store.ModeLive)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != store.StatusFilled {
		t.Fatalf("expected FILLED after polling, got %s", res.Status)
	}

	order, err := s.GetOrderByOrderID("o2")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.FilledAt == nil {
		t.Fatal("expected filled_at to be set")
	}
}

// Scenario 3: confirmation timeout -> UNKNOWN.
func TestExecuteLiveConfirmationTimeout(t *testing.T) {
	ex := &fakeExchange{
		placeResp: &exchange.PlaceResponse{OrderID: "o3", Status: exchange.RawLive},
		// Every poll still reports live; budget elapses before a terminal
		// status is observed.
		pollResps: nil,
		balance:   decimal.NewFromInt(100),
	}
	m, s := newTestManager(t, ex)

	sig := baseSignal()
	sig.OrderType = store.OrderGTC

	res, err := m.Execute(context.Background(), sig, store.ModeLive)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != store.StatusUnknown {
		t.Fatalf("expected UNKNOWN after timeout, got %s", res.Status)
	}

	order, err := s.GetOrderByOrderID("o3")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.ErrorMessage != "Order confirmation timed out" {
		t.Fatalf("expected timeout error message, got %q", order.ErrorMessage)
	}

	// Subsequent execute for same (window, token) is blocked by the
	// UNKNOWN gate (Open Question decision #3).
	_, err = m.Execute(context.Background(), sig, store.ModeLive)
	if err == nil {
		t.Fatal("expected second execute to be blocked while an UNKNOWN order is outstanding")
	}
	oerr, ok := err.(*OrderError)
	if !ok || oerr.OrderErrorCode() != CodeConfirmationTimeout {
		t.Fatalf("expected CONFIRMATION_TIMEOUT code, got %v", err)
	}
}

// Scenario 4: submission exception before any ack.
func TestExecuteLiveSubmissionException(t *testing.T) {
	ex := &fakeExchange{
		placeErr: errors.New("network error"),
		balance:  decimal.NewFromInt(100),
	}
	m, s := newTestManager(t, ex)

	_, err := m.Execute(context.Background(), baseSignal(), store.ModeLive)
	if err == nil {
		t.Fatal("expected error")
	}
	oerr, ok := err.(*OrderError)
	if !ok || oerr.OrderErrorCode() != CodeSubmissionFailed {
		t.Fatalf("expected SUBMISSION_FAILED code, got %v", err)
	}

	open, err := s.OpenOrders()
	if err != nil {
		t.Fatalf("open orders: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected no order row created, got %d", len(open))
	}
}

// Scenario 5: exchange acked but DB insert fails after ack -- dbWriteFailed
// must be true and execute must still report success, never re-submit.
func TestExecuteLiveDBWriteFailureStillReturnsSuccess(t *testing.T) {
	ex := &fakeExchange{
		placeResp: &exchange.PlaceResponse{
			OrderID: "o5", Status: exchange.RawMatched,
			PriceFilled: decimal.NewFromFloat(0.52), Shares: decimal.NewFromFloat(5.77),
		},
		balance: decimal.NewFromInt(100),
	}
	m, s := newTestManager(t, ex)

	// Pre-insert a conflicting row so the manager's own insert of the same
	// order_id fails at the unique-index level, simulating a storage fault
	// after the exchange has already acknowledged the order.
	if err := s.InsertOrder(&store.Order{
		OrderID: "o5", IntentID: 999, WindowID: "other", TokenID: "other",
		Side: store.SideBuy, OrderType: store.OrderIOC, Size: decimal.NewFromInt(1),
		Status: store.StatusFilled, Mode: store.ModeLive,
	}); err != nil {
		t.Fatalf("seed conflicting row: %v", err)
	}

	res, err := m.Execute(context.Background(), baseSignal(), store.ModeLive)
	if err != nil {
		t.Fatalf("execute must still succeed despite db write failure: %v", err)
	}
	if !res.DBWriteFailed {
		t.Fatal("expected DBWriteFailed=true")
	}
	if res.OrderID != "o5" {
		t.Fatalf("expected orderId o5 in result, got %s", res.OrderID)
	}
	if res.Status != store.StatusFilled {
		t.Fatalf("expected reported status FILLED, got %s", res.Status)
	}
}

// Scenario 6: window cap.
func TestExecuteLiveWindowCapExceeded(t *testing.T) {
	ex := &fakeExchange{balance: decimal.NewFromInt(100)}
	m, s := newTestManager(t, ex)

	sig := baseSignal()
	for i := 0; i < 2; i++ {
		if err := s.InsertOrder(&store.Order{
			OrderID: "prior" + string(rune('a'+i)), IntentID: uint(i + 1),
			WindowID: sig.WindowID, TokenID: sig.TokenID,
			Side: store.SideBuy, OrderType: store.OrderIOC, Size: decimal.NewFromInt(1),
			Status: store.StatusOpen, Mode: store.ModeLive,
		}); err != nil {
			t.Fatalf("seed prior order %d: %v", i, err)
		}
	}

	_, err := m.Execute(context.Background(), sig, store.ModeLive)
	if err == nil {
		t.Fatal("expected WindowOrderCapExceeded")
	}
	oerr, ok := err.(*OrderError)
	if !ok || oerr.OrderErrorCode() != CodeWindowCapExceeded {
		t.Fatalf("expected WINDOW_CAP_EXCEEDED code, got %v", err)
	}
	if ex.placeCalls != 0 {
		t.Fatal("exchange must never be called once the window cap is exceeded")
	}
}

func TestValidateRejectsOutOfRangePriceAndOversizedOrder(t *testing.T) {
	ex := &fakeExchange{balance: decimal.NewFromInt(100)}
	m, _ := newTestManager(t, ex)

	boundaryLow := baseSignal()
	boundaryLow.LimitPrice = decimal.NewFromFloat(0.01)
	if err := m.validate(boundaryLow); err != nil {
		t.Fatalf("price 0.01 should be accepted: %v", err)
	}

	boundaryHigh := baseSignal()
	boundaryHigh.LimitPrice = decimal.NewFromFloat(0.99)
	if err := m.validate(boundaryHigh); err != nil {
		t.Fatalf("price 0.99 should be accepted: %v", err)
	}

	tooLow := baseSignal()
	tooLow.LimitPrice = decimal.NewFromFloat(0.001)
	if err := m.validate(tooLow); err == nil {
		t.Fatal("price below 0.01 should be rejected")
	}

	tooHigh := baseSignal()
	tooHigh.LimitPrice = decimal.NewFromFloat(1.00)
	if err := m.validate(tooHigh); err == nil {
		t.Fatal("price 1.00 should be rejected")
	}

	atCap := baseSignal()
	atCap.Size = m.cfg.MaxOrderUSD
	if err := m.validate(atCap); err != nil {
		t.Fatalf("size at cap should be accepted: %v", err)
	}

	overCap := baseSignal()
	overCap.Size = m.cfg.MaxOrderUSD.Add(decimal.NewFromFloat(0.01))
	if err := m.validate(overCap); err == nil {
		t.Fatal("size over cap should be rejected")
	}
}

func TestHandlePartialFillWeightedAverageRounding(t *testing.T) {
	ex := &fakeExchange{}
	m, s := newTestManager(t, ex)

	order := &store.Order{
		OrderID: "o9", IntentID: 1, WindowID: "w1", TokenID: "t1",
		Side: store.SideBuy, OrderType: store.OrderGTC, Size: decimal.NewFromInt(10),
		FilledSize: decimal.Zero, AvgFillPrice: decimal.Zero,
		Status: store.StatusOpen, Mode: store.ModeLive,
	}
	if err := s.InsertOrder(order); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := m.HandlePartialFill(order.ID, decimal.NewFromInt(3), decimal.NewFromFloat(0.50)); err != nil {
		t.Fatalf("first partial fill: %v", err)
	}
	if err := m.HandlePartialFill(order.ID, decimal.NewFromInt(7), decimal.NewFromFloat(0.60)); err != nil {
		t.Fatalf("second partial fill: %v", err)
	}

	got, err := s.GetOrder(order.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.StatusFilled {
		t.Fatalf("expected FILLED once size reached, got %s", got.Status)
	}
	// (3*0.50 + 7*0.60) / 10 = 0.57
	want := decimal.NewFromFloat(0.57)
	if !got.AvgFillPrice.Equal(want) {
		t.Fatalf("expected avg fill price %s, got %s", want, got.AvgFillPrice)
	}
}

func TestCancelOrderDoesNotMutateStatusOnExchangeFailure(t *testing.T) {
	ex := &fakeExchange{cancelErr: errors.New("exchange unreachable")}
	m, s := newTestManager(t, ex)

	order := &store.Order{
		OrderID: "o10", IntentID: 1, WindowID: "w1", TokenID: "t1",
		Side: store.SideBuy, OrderType: store.OrderGTC, Size: decimal.NewFromInt(1),
		Status: store.StatusOpen, Mode: store.ModeLive,
	}
	if err := s.InsertOrder(order); err != nil {
		t.Fatalf("insert: %v", err)
	}

	err := m.CancelOrder(context.Background(), order.ID)
	if err == nil {
		t.Fatal("expected cancel error")
	}

	got, err := s.GetOrder(order.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.StatusOpen {
		t.Fatalf("order status must not mutate on cancel failure, got %s", got.Status)
	}
}

func TestExecuteSimulatedPaperModeFillsImmediately(t *testing.T) {
	ex := &fakeExchange{
		bestPrices: &exchange.BestPrices{Bid: decimal.NewFromFloat(0.48), Ask: decimal.NewFromFloat(0.53)},
	}
	m, s := newTestManager(t, ex)

	res, err := m.Execute(context.Background(), baseSignal(), store.ModePaper)
	if err != nil {
		t.Fatalf("execute paper: %v", err)
	}
	if res.Status != store.StatusFilled {
		t.Fatalf("expected immediate FILLED, got %s", res.Status)
	}
	if res.OrderSubmittedToExchange {
		t.Fatal("paper mode must report OrderSubmittedToExchange=false")
	}
	if !res.FillPrice.Equal(decimal.NewFromFloat(0.53)) {
		t.Fatalf("expected fill at ask 0.53, got %s", res.FillPrice)
	}

	order, err := s.GetOrderByOrderID(res.OrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Mode != store.ModePaper {
		t.Fatalf("expected mode PAPER persisted, got %s", order.Mode)
	}
	if ex.placeCalls != 0 {
		t.Fatal("paper mode must never call the exchange's place endpoints")
	}
}

func TestExecuteSimulatedDryRunWritesOnlyPaperTrade(t *testing.T) {
	ex := &fakeExchange{
		bestPrices: &exchange.BestPrices{Bid: decimal.NewFromFloat(0.48), Ask: decimal.NewFromFloat(0.53)},
	}
	m, s := newTestManager(t, ex)

	res, err := m.Execute(context.Background(), baseSignal(), store.ModeDryRun)
	if err != nil {
		t.Fatalf("execute dry run: %v", err)
	}
	if res.Status != store.StatusFilled {
		t.Fatalf("expected FILLED, got %s", res.Status)
	}

	if _, err := s.GetOrderByOrderID(res.OrderID); err == nil {
		t.Fatal("DRY_RUN must not create an orders row")
	}

	open, err := s.OpenOrders()
	if err != nil {
		t.Fatalf("open orders: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected no orders rows from dry run, got %d", len(open))
	}
}

func TestWindowCapBoundaryAtExactlyK(t *testing.T) {
	ex := &fakeExchange{
		placeResp: &exchange.PlaceResponse{OrderID: "o11", Status: exchange.RawMatched, PriceFilled: decimal.NewFromFloat(0.52), Shares: decimal.NewFromFloat(1.9)},
		balance:   decimal.NewFromInt(100),
	}
	m, s := newTestManager(t, ex)

	sig := baseSignal()
	if err := s.InsertOrder(&store.Order{
		OrderID: "priorA", IntentID: 1, WindowID: sig.WindowID, TokenID: sig.TokenID,
		Side: store.SideBuy, OrderType: store.OrderIOC, Size: decimal.NewFromInt(1),
		Status: store.StatusOpen, Mode: store.ModeLive,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// One active order exists; cap is 2, so a second is still allowed.
	if _, err := m.Execute(context.Background(), sig, store.ModeLive); err != nil {
		t.Fatalf("second order within cap should succeed: %v", err)
	}

	// Now two active orders exist (priorA + o11); a third must be rejected.
	sig2 := baseSignal()
	if _, err := m.Execute(context.Background(), sig2, store.ModeLive); err == nil {
		t.Fatal("third order at (window, token) should exceed the cap of 2")
	}
}

// TestExecutePlacesWithIntentAsClientOrderID covers spec §9's idempotency
// key: the intent id, not the strategy or a random value, must be what the
// exchange call carries as clientOrderId.
func TestExecutePlacesWithIntentAsClientOrderID(t *testing.T) {
	ex := &fakeExchange{
		placeResp: &exchange.PlaceResponse{OrderID: "o1", Status: exchange.RawMatched, PriceFilled: decimal.NewFromFloat(0.52), Shares: decimal.NewFromFloat(5.77)},
		balance:   decimal.NewFromInt(100),
	}
	m, _ := newTestManager(t, ex)

	res, err := m.Execute(context.Background(), baseSignal(), store.ModeLive)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := intentClientOrderID(res.IntentID)
	if ex.lastClientOrderID != want {
		t.Fatalf("expected clientOrderId %q threaded to the exchange call, got %q", want, ex.lastClientOrderID)
	}
}

// TestExecuteLiveAmbiguousSubmissionLeavesIntentExecuting covers spec
// §4.2/§4.7/§7: a post-send timeout must not be treated as a failure the
// strategy is free to retry, and must not be marked FAILED -- it has to
// stay EXECUTING so the reconciler can resolve it by clientOrderId.
func TestExecuteLiveAmbiguousSubmissionLeavesIntentExecuting(t *testing.T) {
	ex := &fakeExchange{
		placeErr: &exchange.AmbiguousSubmissionError{Cause: context.DeadlineExceeded},
		balance:  decimal.NewFromInt(100),
	}
	m, _ := newTestManager(t, ex)

	res, err := m.Execute(context.Background(), baseSignal(), store.ModeLive)
	oerr, ok := err.(*OrderError)
	if !ok || oerr.OrderErrorCode() != CodeAmbiguousSubmission {
		t.Fatalf("expected AMBIGUOUS_SUBMISSION code, got %v", err)
	}
	if res.Status != store.StatusUnknown {
		t.Fatalf("expected UNKNOWN status, got %s", res.Status)
	}
	if res.OrderSubmittedToExchange {
		t.Fatal("expected OrderSubmittedToExchange to not be asserted true when ambiguous")
	}

	intent, err := m.wal.Get(res.IntentID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if intent.State != store.IntentExecuting {
		t.Fatalf("expected intent to remain EXECUTING for the reconciler, got %s", intent.State)
	}
}
