package positions

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/winwindow/internal/orders"
	"github.com/web3guy0/winwindow/internal/store"
)

type fakeExecutor struct {
	fillPrice decimal.Decimal
	calls     int
}

func (f *fakeExecutor) Execute(ctx context.Context, sig orders.Signal, mode store.ExecutionMode) (orders.Result, error) {
	f.calls++
	return orders.Result{
		OrderID:    "exit-1",
		Status:     store.StatusFilled,
		FillPrice:  f.fillPrice,
		FilledSize: sig.Size,
	}, nil
}

func newTestManager(t *testing.T, ex *fakeExecutor) (*Manager, *store.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	cfg := ConfigFromPercents(0.10, 0.05, 0.02, 0.20, 0.05)
	return New(s, ex, cfg), s
}

func TestOnFillOpensPositionOnBuy(t *testing.T) {
	m, _ := newTestManager(t, &fakeExecutor{})
	pos, err := m.OnFill("BTC", "btc-1000", "m1", "UP", store.SideBuy, decimal.NewFromInt(10), decimal.NewFromFloat(0.5), store.ModeLive)
	if err != nil {
		t.Fatalf("on fill: %v", err)
	}
	if pos.Lifecycle != store.LifecycleEntry {
		t.Fatalf("expected ENTRY lifecycle, got %s", pos.Lifecycle)
	}
	if !pos.Shares.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected 10 shares, got %s", pos.Shares)
	}
}

func TestOnFillAveragesWeightedEntryOnAdd(t *testing.T) {
	m, _ := newTestManager(t, &fakeExecutor{})
	_, err := m.OnFill("BTC", "btc-1000", "m1", "UP", store.SideBuy, decimal.NewFromInt(10), decimal.NewFromFloat(0.50), store.ModeLive)
	if err != nil {
		t.Fatalf("first fill: %v", err)
	}
	pos, err := m.OnFill("BTC", "btc-1000", "m1", "UP", store.SideBuy, decimal.NewFromInt(10), decimal.NewFromFloat(0.60), store.ModeLive)
	if err != nil {
		t.Fatalf("second fill: %v", err)
	}
	want := decimal.NewFromFloat(0.55)
	if !pos.AvgEntry.Equal(want) {
		t.Fatalf("expected avg entry %s, got %s", want, pos.AvgEntry)
	}
}

func TestMonitorPositionTriggersStopLoss(t *testing.T) {
	ex := &fakeExecutor{fillPrice: decimal.NewFromFloat(0.38)}
	m, s := newTestManager(t, ex)
	pos, err := m.OnFill("BTC", "btc-1000", "m1", "UP", store.SideBuy, decimal.NewFromInt(10), decimal.NewFromFloat(0.50), store.ModeLive)
	if err != nil {
		t.Fatalf("fill: %v", err)
	}

	// 0.38 is a 24% loss against entry 0.50, which exceeds the 20% stop.
	closed, err := m.MonitorPosition(context.Background(), pos, decimal.NewFromFloat(0.38))
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	if !closed {
		t.Fatal("expected position to close on stop-loss breach")
	}
	if ex.calls != 1 {
		t.Fatalf("expected exactly one exit order, got %d", ex.calls)
	}

	got, err := s.GetOpenPosition("BTC", "btc-1000", "UP")
	if err != store.ErrNotFound {
		t.Fatalf("expected position to no longer be open, got %v / %+v", err, got)
	}
}

func TestMonitorPositionArmsTrailingStopAndExitsOnPullback(t *testing.T) {
	ex := &fakeExecutor{fillPrice: decimal.NewFromFloat(0.60)}
	m, _ := newTestManager(t, ex)
	pos, err := m.OnFill("BTC", "btc-1000", "m1", "UP", store.SideBuy, decimal.NewFromInt(10), decimal.NewFromFloat(0.50), store.ModeLive)
	if err != nil {
		t.Fatalf("fill: %v", err)
	}

	// Profit climbs to 20% (>= 10% activation threshold): trailing arms,
	// stop = hwm * (1 - 0.05) = 0.60 * 0.95 = 0.57.
	closed, err := m.MonitorPosition(context.Background(), pos, decimal.NewFromFloat(0.60))
	if err != nil {
		t.Fatalf("monitor at peak: %v", err)
	}
	if closed {
		t.Fatal("should not close while still above the trailing stop")
	}
	if !pos.TrailingActive {
		t.Fatal("expected trailing to be armed")
	}

	// Price pulls back to 0.56, below the 0.57 trailing stop.
	closed, err = m.MonitorPosition(context.Background(), pos, decimal.NewFromFloat(0.56))
	if err != nil {
		t.Fatalf("monitor on pullback: %v", err)
	}
	if !closed {
		t.Fatal("expected trailing stop to trigger the exit")
	}
	if ex.calls != 1 {
		t.Fatalf("expected exactly one exit order, got %d", ex.calls)
	}
}

func TestResolveOppositeBlocksUnprofitablePosition(t *testing.T) {
	ex := &fakeExecutor{}
	m, _ := newTestManager(t, ex)
	pos, err := m.OnFill("BTC", "btc-1000", "m1", "UP", store.SideBuy, decimal.NewFromInt(10), decimal.NewFromFloat(0.50), store.ModeLive)
	if err != nil {
		t.Fatalf("fill: %v", err)
	}

	closed, reason, err := m.ResolveOpposite(context.Background(), pos, decimal.NewFromFloat(0.49))
	if err != nil {
		t.Fatalf("resolve opposite: %v", err)
	}
	if closed {
		t.Fatal("expected unprofitable opposite signal to be blocked, not closed")
	}
	if reason != "opposite_position_unprofitable" {
		t.Fatalf("expected block reason, got %q", reason)
	}
	if ex.calls != 0 {
		t.Fatal("exchange must not be called when the opposite signal is blocked")
	}
}

func TestResolveOppositeClosesProfitablePosition(t *testing.T) {
	ex := &fakeExecutor{fillPrice: decimal.NewFromFloat(0.60)}
	m, _ := newTestManager(t, ex)
	pos, err := m.OnFill("BTC", "btc-1000", "m1", "UP", store.SideBuy, decimal.NewFromInt(10), decimal.NewFromFloat(0.50), store.ModeLive)
	if err != nil {
		t.Fatalf("fill: %v", err)
	}

	closed, _, err := m.ResolveOpposite(context.Background(), pos, decimal.NewFromFloat(0.60))
	if err != nil {
		t.Fatalf("resolve opposite: %v", err)
	}
	if !closed {
		t.Fatal("expected profitable opposite signal to close the held position")
	}
	if ex.calls != 1 {
		t.Fatalf("expected exactly one close order, got %d", ex.calls)
	}
}

func TestSweepWindowForceClosesOrphans(t *testing.T) {
	ex := &fakeExecutor{fillPrice: decimal.NewFromFloat(0.45)}
	m, s := newTestManager(t, ex)
	if _, err := m.OnFill("BTC", "btc-1000", "m1", "UP", store.SideBuy, decimal.NewFromInt(10), decimal.NewFromFloat(0.50), store.ModeLive); err != nil {
		t.Fatalf("fill: %v", err)
	}

	if err := m.SweepWindow(context.Background(), "btc-1000", decimal.NewFromFloat(0.45)); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	open, err := s.OpenPositionsForWindow("btc-1000")
	if err != nil {
		t.Fatalf("open positions: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected no open positions after sweep, got %d", len(open))
	}
}
