package orders

import (
	"testing"

	"github.com/web3guy0/winwindow/internal/store"
)

func TestValidTransitionTable(t *testing.T) {
	cases := []struct {
		from, to store.OrderStatus
		ok       bool
	}{
		{store.StatusPending, store.StatusOpen, true},
		{store.StatusPending, store.StatusFilled, true},
		{store.StatusPending, store.StatusRejected, true},
		{store.StatusPending, store.StatusUnknown, true},
		{store.StatusPending, store.StatusCancelled, false},
		{store.StatusOpen, store.StatusPartiallyFilled, true},
		{store.StatusOpen, store.StatusFilled, true},
		{store.StatusOpen, store.StatusCancelled, true},
		{store.StatusOpen, store.StatusExpired, true},
		{store.StatusOpen, store.StatusUnknown, true},
		{store.StatusOpen, store.StatusRejected, false},
		{store.StatusOpen, store.StatusPending, false},
		{store.StatusPartiallyFilled, store.StatusPartiallyFilled, true},
		{store.StatusPartiallyFilled, store.StatusFilled, true},
		{store.StatusUnknown, store.StatusFilled, true},
		{store.StatusUnknown, store.StatusCancelled, true},
		{store.StatusUnknown, store.StatusExpired, true},
		{store.StatusUnknown, store.StatusOpen, false},
		{store.StatusFilled, store.StatusOpen, false},
		{store.StatusFilled, store.StatusCancelled, false},
		{store.StatusCancelled, store.StatusFilled, false},
		{store.StatusRejected, store.StatusOpen, false},
		{store.StatusExpired, store.StatusFilled, false},
	}
	for _, c := range cases {
		if got := validTransition(c.from, c.to); got != c.ok {
			t.Errorf("validTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestMapExchangeStatusNeverSilentlyMapsUnknownToOpen(t *testing.T) {
	if got := mapExchangeStatus("something-weird", store.OrderGTC); got == store.StatusOpen {
		t.Fatalf("unknown exchange status must never map to OPEN for a resting order, got %s", got)
	}
	if got := mapExchangeStatus("something-weird", store.OrderGTC); got != store.StatusCancelled {
		t.Fatalf("unknown status for GTC should fall back to CANCELLED, got %s", got)
	}
	if got := mapExchangeStatus("something-weird", store.OrderFOK); got != store.StatusRejected {
		t.Fatalf("unknown status for FOK should fall back to REJECTED, got %s", got)
	}
}

func TestMapExchangeStatusLiveAndMatched(t *testing.T) {
	if got := mapExchangeStatus("live", store.OrderGTC); got != store.StatusOpen {
		t.Fatalf("live -> expected OPEN, got %s", got)
	}
	if got := mapExchangeStatus("matched", store.OrderIOC); got != store.StatusFilled {
		t.Fatalf("matched -> expected FILLED, got %s", got)
	}
}

func TestMapExchangeStatusCancelledFamilySplitsOnOrderType(t *testing.T) {
	for _, raw := range []string{"cancelled", "expired", "killed"} {
		if got := mapExchangeStatus(raw, store.OrderFOK); got != store.StatusRejected {
			t.Errorf("%s + FOK -> expected REJECTED, got %s", raw, got)
		}
		if got := mapExchangeStatus(raw, store.OrderIOC); got != store.StatusRejected {
			t.Errorf("%s + IOC -> expected REJECTED, got %s", raw, got)
		}
		if got := mapExchangeStatus(raw, store.OrderGTC); got != store.StatusCancelled {
			t.Errorf("%s + GTC -> expected CANCELLED, got %s", raw, got)
		}
	}
}
