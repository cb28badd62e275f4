// Package order tracks orders and positions through the order state machine.
package order

import "github.com/coachpo/meltica-trader/internal/schema"

var transitions = map[schema.OrderState]map[schema.OrderState]bool{
	schema.OrderPendingSubmit: {
		schema.OrderSubmitted:       true,
		schema.OrderPartiallyFilled: true,
		schema.OrderFilled:          true,
		schema.OrderPendingCancel:   true,
		schema.OrderCanceled:        true,
		schema.OrderRejected:        true,
		schema.OrderExpired:         true,
	},
	schema.OrderSubmitted: {
		schema.OrderPartiallyFilled: true,
		schema.OrderFilled:          true,
		schema.OrderPendingCancel:   true,
		schema.OrderCanceled:        true,
		schema.OrderRejected:        true,
		schema.OrderExpired:         true,
	},
	schema.OrderPartiallyFilled: {
		schema.OrderPartiallyFilled: true,
		schema.OrderFilled:          true,
		schema.OrderPendingCancel:   true,
		schema.OrderCanceled:        true,
		schema.OrderRejected:        true,
		schema.OrderExpired:         true,
	},
	// A fill may race a cancel request; a refused cancel falls back to the working state.
	schema.OrderPendingCancel: {
		schema.OrderSubmitted:       true,
		schema.OrderPartiallyFilled: true,
		schema.OrderFilled:          true,
		schema.OrderCanceled:        true,
		schema.OrderRejected:        true,
		schema.OrderExpired:         true,
	},
}

// CanTransition reports whether from → to is a valid move. Terminal states have no moves.
func CanTransition(from, to schema.OrderState) bool {
	return transitions[from][to]
}
