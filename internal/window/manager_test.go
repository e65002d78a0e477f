package window

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/winwindow/internal/refprice"
	"github.com/web3guy0/winwindow/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *refprice.Resolver) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	r := refprice.New(5 * time.Second)
	r.RegisterSource("chainlink", refprice.PrimaryOracle)
	return New(s, r, 900, 10*time.Millisecond), r
}

func TestEpochAlignsToWindowSize(t *testing.T) {
	m, _ := newTestManager(t)
	tm := time.Unix(1000*900+37, 0)
	if got := m.Epoch(tm); got != 1000*900 {
		t.Fatalf("expected epoch %d, got %d", 1000*900, got)
	}
}

func TestStrikeLocksOnceAndIsImmutable(t *testing.T) {
	m, r := newTestManager(t)
	m.Track("BTC")

	now := time.Now()
	r.Update("chainlink", "BTC", decimal.NewFromInt(50000), now)

	epoch := m.Epoch(now)
	m.checkSymbol("BTC", epoch, now)

	ev, err := m.store.GetWindowEvent(WindowID("BTC", epoch))
	if err != nil {
		t.Fatalf("get window event: %v", err)
	}
	if !ev.Strike.Equal(decimal.NewFromInt(50000)) {
		t.Fatalf("expected strike 50000, got %s", ev.Strike)
	}

	// A later tick with a different price must not move the strike.
	r.Update("chainlink", "BTC", decimal.NewFromInt(52000), time.Now())
	m.checkSymbol("BTC", epoch, time.Now())

	ev2, err := m.store.GetWindowEvent(WindowID("BTC", epoch))
	if err != nil {
		t.Fatalf("get window event after second tick: %v", err)
	}
	if !ev2.Strike.Equal(decimal.NewFromInt(50000)) {
		t.Fatalf("strike must be immutable once locked: got %s", ev2.Strike)
	}
}

func TestWindowCloseResolvesUpWhenFinalAtOrAboveStrike(t *testing.T) {
	m, r := newTestManager(t)
	m.Track("BTC")

	now := time.Now()
	r.Update("chainlink", "BTC", decimal.NewFromInt(50000), now)
	epoch := m.Epoch(now)
	m.checkSymbol("BTC", epoch, now)

	sub := m.Subscribe()

	r.Update("chainlink", "BTC", decimal.NewFromInt(50000), time.Now())
	nextEpoch := epoch + m.sizeSeconds
	m.checkSymbol("BTC", nextEpoch, time.Now())

	select {
	case ev := <-sub:
		if ev.Outcome != Up {
			t.Fatalf("expected UP when final equals strike, got %s", ev.Outcome)
		}
	default:
		t.Fatal("expected a window-close event to be broadcast")
	}
}

func TestWindowCloseResolvesDownWhenFinalBelowStrike(t *testing.T) {
	m, r := newTestManager(t)
	m.Track("ETH")

	now := time.Now()
	r.Update("chainlink", "ETH", decimal.NewFromInt(3000), now)
	epoch := m.Epoch(now)
	m.checkSymbol("ETH", epoch, now)

	sub := m.Subscribe()

	r.Update("chainlink", "ETH", decimal.NewFromInt(2900), time.Now())
	nextEpoch := epoch + m.sizeSeconds
	m.checkSymbol("ETH", nextEpoch, time.Now())

	select {
	case ev := <-sub:
		if ev.Outcome != Down {
			t.Fatalf("expected DOWN when final is below strike, got %s", ev.Outcome)
		}
	default:
		t.Fatal("expected a window-close event to be broadcast")
	}
}
