package orders

import (
	"errors"
	"fmt"

	"sokoni/internal/models"
)

// ErrAlreadyFinal reports that a racing writer resolved the order into a
// terminal state first. Callers treat it as "observe and no-op", which is
// what makes duplicate callbacks and the sweeper/callback race safe.
var ErrAlreadyFinal = errors.New("order already resolved to a terminal state")

// IllegalTransitionError rejects a transition the state machine does not
// permit, naming both sides so the log pinpoints the bug or race.
type IllegalTransitionError struct {
	From string
	To   string
}

func (e IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition from %q to %q", e.From, e.To)
}

var orderNext = map[models.OrderStatus]map[models.OrderStatus]bool{
	models.OrderPending:    {models.OrderConfirmed: true, models.OrderCancelled: true},
	models.OrderConfirmed:  {models.OrderProcessing: true, models.OrderCancelled: true},
	models.OrderProcessing: {models.OrderShipped: true, models.OrderCancelled: true},
	models.OrderShipped:    {models.OrderDelivered: true},
	models.OrderDelivered:  {models.OrderReturned: true},
	models.OrderCancelled:  {},
	models.OrderReturned:   {},
}

var paymentNext = map[models.PaymentStatus]map[models.PaymentStatus]bool{
	models.PaymentPending:    {models.PaymentProcessing: true, models.PaymentCompleted: true, models.PaymentFailed: true},
	models.PaymentProcessing: {models.PaymentCompleted: true, models.PaymentFailed: true},
	models.PaymentCompleted:  {models.PaymentRefunded: true},
	models.PaymentFailed:     {},
	models.PaymentRefunded:   {},
}

// CanTransition reports whether the fulfilment state machine permits
// from -> to.
func CanTransition(from, to models.OrderStatus) bool {
	return orderNext[from][to]
}

// CanTransitionPayment reports whether the payment state machine permits
// from -> to.
func CanTransitionPayment(from, to models.PaymentStatus) bool {
	return paymentNext[from][to]
}

// statesAllowing lists every state from which the machine permits a move to
// target; the guarded store write uses it as its status-in filter.
func statesAllowing(target models.OrderStatus) []models.OrderStatus {
	var out []models.OrderStatus
	for from, next := range orderNext {
		if next[target] {
			out = append(out, from)
		}
	}
	return out
}

// paymentStatesAllowing is the payment-side counterpart, keeping the guarded
// payment writes in lockstep with the transition table.
func paymentStatesAllowing(target models.PaymentStatus) []models.PaymentStatus {
	var out []models.PaymentStatus
	for from := range paymentNext {
		if CanTransitionPayment(from, target) {
			out = append(out, from)
		}
	}
	return out
}
