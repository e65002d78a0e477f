package orders

import "github.com/web3guy0/winwindow/internal/store"

// transitions is the order status transition table from spec §4.3, held
// in a map literal rather than a chain of if-statements. It is consulted
// at run time; statemachine_test.go checks a selection of allowed and
// forbidden pairs against it.
var transitions = map[store.OrderStatus]map[store.OrderStatus]bool{
	store.StatusPending: {
		store.StatusOpen:     true,
		store.StatusFilled:   true,
		store.StatusRejected: true,
		store.StatusUnknown:  true,
	},
	store.StatusOpen: {
		store.StatusPartiallyFilled: true,
		store.StatusFilled:          true,
		store.StatusCancelled:       true,
		store.StatusExpired:         true,
		store.StatusUnknown:         true,
	},
	store.StatusPartiallyFilled: {
		store.StatusPartiallyFilled: true,
		store.StatusFilled:          true,
		store.StatusCancelled:       true,
		store.StatusExpired:         true,
		store.StatusUnknown:         true,
	},
	store.StatusUnknown: {
		store.StatusFilled:    true,
		store.StatusCancelled: true,
		store.StatusExpired:   true,
	},
	// Terminal states accept no further transitions.
	store.StatusFilled:    {},
	store.StatusRejected:  {},
	store.StatusCancelled: {},
	store.StatusExpired:   {},
}

// validTransition reports whether from → to is legal per the state
// machine above.
func validTransition(from, to store.OrderStatus) bool {
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// mapExchangeStatus maps a raw exchange status to the internal tagged
// status, per spec §4.3 step 8. Unknown exchange statuses never silently
// become OPEN — they resolve to REJECTED for immediate orders (FOK/IOC)
// or CANCELLED for resting orders (GTC), matching the conservative rule
// the spec states explicitly for "cancelled|expired|killed".
func mapExchangeStatus(raw string, orderType store.OrderType) store.OrderStatus {
	immediate := orderType == store.OrderFOK || orderType == store.OrderIOC
	switch raw {
	case "live":
		return store.StatusOpen
	case "matched":
		return store.StatusFilled
	case "cancelled", "expired", "killed":
		if immediate {
			return store.StatusRejected
		}
		return store.StatusCancelled
	default:
		if immediate {
			return store.StatusRejected
		}
		return store.StatusCancelled
	}
}
