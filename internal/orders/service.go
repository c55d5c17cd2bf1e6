package orders

import (
	"context"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"sokoni/internal/inventory"
	"sokoni/internal/models"
	"sokoni/internal/notify"
	"sokoni/internal/store"
)

// Actors recorded on audit entries.
const (
	ActorSystem   = "system"
	ActorCustomer = "customer"
	ActorAdmin    = "admin"
	ActorSweeper  = "sweeper"
)

const estimatedDeliveryLead = 4 * 24 * time.Hour

// Service owns every order lifecycle transition. Each named operation
// validates the move, commits it through a guarded status write, appends an
// audit entry and runs the side effects bound to that transition inside the
// same transaction. When two writers race for a terminal state, the guarded
// write picks one winner and the loser gets ErrAlreadyFinal.
type Service struct {
	tx        store.TxManager
	orders    store.OrderStore
	carts     store.CartStore
	inventory *inventory.Manager
	events    notify.Publisher
}

func NewService(tx store.TxManager, orders store.OrderStore, carts store.CartStore, inv *inventory.Manager, events notify.Publisher) *Service {
	return &Service{tx: tx, orders: orders, carts: carts, inventory: inv, events: events}
}

// Get loads one order.
func (s *Service) Get(ctx context.Context, id primitive.ObjectID) (models.Order, error) {
	return s.orders.FindByID(ctx, id)
}

// GetByCorrelationID resolves the order an asynchronous payment callback
// belongs to.
func (s *Service) GetByCorrelationID(ctx context.Context, correlationID string) (models.Order, error) {
	return s.orders.FindByCorrelationID(ctx, correlationID)
}

// ConfirmPayment records the completed payment attempt, drives the order to
// confirmed and makes the stock holds permanent, all in one transaction. The
// cart-clear signal and the notification event fire after commit; neither
// can roll the confirmation back.
func (s *Service) ConfirmPayment(ctx context.Context, orderID primitive.ObjectID, attempt models.PaymentAttempt) error {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return err
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		ok, err := s.orders.UpdatePaymentStatus(ctx, orderID,
			paymentStatesAllowing(models.PaymentCompleted), models.PaymentCompleted)
		if err != nil {
			return err
		}
		if !ok {
			return s.resolveLostPaymentWrite(ctx, orderID, models.PaymentCompleted)
		}

		attempt.Status = models.PaymentCompleted
		if attempt.At.IsZero() {
			attempt.At = time.Now()
		}
		if err := s.orders.AppendAttempt(ctx, orderID, attempt); err != nil {
			return err
		}

		ok, err = s.orders.UpdateOrderStatus(ctx, orderID,
			[]models.OrderStatus{models.OrderPending}, models.OrderConfirmed,
			models.StatusEvent{
				Status: string(models.OrderConfirmed),
				Reason: "payment completed",
				Actor:  ActorSystem,
				At:     time.Now(),
			})
		if err != nil {
			return err
		}
		if !ok {
			// The sweeper cancelled this order first; roll everything back
			// so the payment write never lands on a dead order.
			return ErrAlreadyFinal
		}

		if err := s.orders.SetEstimatedDelivery(ctx, orderID, time.Now().Add(estimatedDeliveryLead)); err != nil {
			return err
		}
		return s.inventory.Confirm(ctx, orderID)
	})
	if err != nil {
		return err
	}

	if err := s.carts.Clear(ctx, order.UserID); err != nil {
		log.Println("[ORDER] [ERROR] cart clear failed for user", order.UserID.Hex(), ":", err)
	}
	s.events.Publish(notify.EventOrderConfirmed, orderID.Hex(), order)
	return nil
}

// FailPayment records the failed attempt, cancels the order and releases the
// stock holds as one unit.
func (s *Service) FailPayment(ctx context.Context, orderID primitive.ObjectID, attempt models.PaymentAttempt) error {
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		ok, err := s.orders.UpdatePaymentStatus(ctx, orderID,
			paymentStatesAllowing(models.PaymentFailed), models.PaymentFailed)
		if err != nil {
			return err
		}
		if !ok {
			return s.resolveLostPaymentWrite(ctx, orderID, models.PaymentFailed)
		}

		attempt.Status = models.PaymentFailed
		if attempt.At.IsZero() {
			attempt.At = time.Now()
		}
		if err := s.orders.AppendAttempt(ctx, orderID, attempt); err != nil {
			return err
		}

		reason := attempt.FailureReason
		if reason == "" {
			reason = "payment failed"
		}
		if _, err := s.orders.UpdateOrderStatus(ctx, orderID,
			[]models.OrderStatus{models.OrderPending}, models.OrderCancelled,
			models.StatusEvent{
				Status: string(models.OrderCancelled),
				Reason: reason,
				Actor:  ActorSystem,
				At:     time.Now(),
			}); err != nil {
			return err
		}

		return s.inventory.Release(ctx, orderID)
	})
	if err != nil {
		return err
	}

	s.events.Publish(notify.EventPaymentFailed, orderID.Hex(), attempt)
	return nil
}

// resolveLostPaymentWrite decides what losing the guarded payment write
// means: an order already in the state we wanted (duplicate delivery) or any
// other terminal state surfaces as ErrAlreadyFinal; anything else is an
// illegal transition.
func (s *Service) resolveLostPaymentWrite(ctx context.Context, orderID primitive.ObjectID, wanted models.PaymentStatus) error {
	current, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return err
	}
	if current.PaymentStatus.Terminal() {
		return ErrAlreadyFinal
	}
	return IllegalTransitionError{From: string(current.PaymentStatus), To: string(wanted)}
}

// Cancel moves any pre-shipment order to cancelled and releases its holds.
// The client cancel path and operator cancellations both come through here;
// a paid-but-unshipped order is flagged refunded for the external money
// movement.
func (s *Service) Cancel(ctx context.Context, orderID primitive.ObjectID, reason, actor string) error {
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		ok, err := s.orders.UpdateOrderStatus(ctx, orderID,
			statesAllowing(models.OrderCancelled), models.OrderCancelled,
			models.StatusEvent{
				Status: string(models.OrderCancelled),
				Reason: reason,
				Actor:  actor,
				At:     time.Now(),
			})
		if err != nil {
			return err
		}
		if !ok {
			return s.resolveLostOrderWrite(ctx, orderID, models.OrderCancelled)
		}

		// A completed payment on a cancelled order becomes a refund marker;
		// an unresolved one is closed out as failed.
		if _, err := s.orders.UpdatePaymentStatus(ctx, orderID,
			paymentStatesAllowing(models.PaymentRefunded), models.PaymentRefunded); err != nil {
			return err
		}
		if _, err := s.orders.UpdatePaymentStatus(ctx, orderID,
			paymentStatesAllowing(models.PaymentFailed), models.PaymentFailed); err != nil {
			return err
		}

		return s.inventory.Release(ctx, orderID)
	})
	if err != nil {
		return err
	}

	s.events.Publish(notify.EventOrderCancelled, orderID.Hex(), map[string]string{"reason": reason, "actor": actor})
	return nil
}

// Expire is the sweeper's cancellation: it only fires while the order is
// still awaiting payment, and it marks the holds expired rather than
// released. Losing the guarded write means a payment callback resolved the
// order first, and the caller must no-op.
func (s *Service) Expire(ctx context.Context, orderID primitive.ObjectID) error {
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		ok, err := s.orders.UpdateOrderStatus(ctx, orderID,
			[]models.OrderStatus{models.OrderPending}, models.OrderCancelled,
			models.StatusEvent{
				Status: string(models.OrderCancelled),
				Reason: "payment not completed in time",
				Actor:  ActorSweeper,
				At:     time.Now(),
			})
		if err != nil {
			return err
		}
		if !ok {
			return ErrAlreadyFinal
		}

		if _, err := s.orders.UpdatePaymentStatus(ctx, orderID,
			paymentStatesAllowing(models.PaymentFailed), models.PaymentFailed); err != nil {
			return err
		}

		return s.inventory.Expire(ctx, orderID)
	})
	if err != nil {
		return err
	}

	s.events.Publish(notify.EventOrderCancelled, orderID.Hex(), map[string]string{
		"reason": "payment not completed in time",
		"actor":  ActorSweeper,
	})
	return nil
}

// MarkProcessing moves a confirmed order into fulfilment.
func (s *Service) MarkProcessing(ctx context.Context, orderID primitive.ObjectID, actor string) error {
	return s.transition(ctx, orderID, models.OrderConfirmed, models.OrderProcessing,
		models.StatusEvent{
			Status: string(models.OrderProcessing),
			Reason: "order picked for fulfilment",
			Actor:  actor,
			At:     time.Now(),
		})
}

// Ship attaches tracking info and moves the order to shipped.
func (s *Service) Ship(ctx context.Context, orderID primitive.ObjectID, tracking models.TrackingInfo, actor string) error {
	if tracking.ShippedAt.IsZero() {
		tracking.ShippedAt = time.Now()
	}

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.transition(ctx, orderID, models.OrderProcessing, models.OrderShipped,
			models.StatusEvent{
				Status: string(models.OrderShipped),
				Reason: "handed to " + tracking.Carrier,
				Actor:  actor,
				At:     time.Now(),
			}); err != nil {
			return err
		}
		return s.orders.SetTracking(ctx, orderID, tracking)
	})
	if err != nil {
		return err
	}

	s.events.Publish(notify.EventOrderShipped, orderID.Hex(), tracking)
	return nil
}

// Deliver closes out fulfilment and stamps the actual delivery time.
func (s *Service) Deliver(ctx context.Context, orderID primitive.ObjectID, actor string) error {
	now := time.Now()
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.transition(ctx, orderID, models.OrderShipped, models.OrderDelivered,
			models.StatusEvent{
				Status: string(models.OrderDelivered),
				Actor:  actor,
				At:     now,
			}); err != nil {
			return err
		}
		return s.orders.SetDeliveredAt(ctx, orderID, now)
	})
	if err != nil {
		return err
	}

	s.events.Publish(notify.EventOrderDelivered, orderID.Hex(), map[string]string{"deliveredAt": now.Format(time.RFC3339)})
	return nil
}

// MarkReturned records a return of a delivered order.
func (s *Service) MarkReturned(ctx context.Context, orderID primitive.ObjectID, reason, actor string) error {
	err := s.transition(ctx, orderID, models.OrderDelivered, models.OrderReturned,
		models.StatusEvent{
			Status: string(models.OrderReturned),
			Reason: reason,
			Actor:  actor,
			At:     time.Now(),
		})
	if err != nil {
		return err
	}

	s.events.Publish(notify.EventOrderReturned, orderID.Hex(), map[string]string{"reason": reason})
	return nil
}

func (s *Service) transition(ctx context.Context, orderID primitive.ObjectID, from, to models.OrderStatus, ev models.StatusEvent) error {
	ok, err := s.orders.UpdateOrderStatus(ctx, orderID, []models.OrderStatus{from}, to, ev)
	if err != nil {
		return err
	}
	if !ok {
		return s.resolveLostOrderWrite(ctx, orderID, to)
	}
	return nil
}

func (s *Service) resolveLostOrderWrite(ctx context.Context, orderID primitive.ObjectID, wanted models.OrderStatus) error {
	current, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return err
	}
	if current.OrderStatus == wanted || current.OrderStatus.Terminal() {
		return ErrAlreadyFinal
	}
	return IllegalTransitionError{From: string(current.OrderStatus), To: string(wanted)}
}
