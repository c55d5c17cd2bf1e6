package models

// OrderStatus tracks where an order is in its fulfilment lifecycle.
type OrderStatus string

const (
	// OrderPending means the order exists but payment has not completed yet.
	OrderPending    OrderStatus = "pending"
	OrderConfirmed  OrderStatus = "confirmed"
	OrderProcessing OrderStatus = "processing"
	OrderShipped    OrderStatus = "shipped"
	OrderDelivered  OrderStatus = "delivered"
	OrderCancelled  OrderStatus = "cancelled"
	OrderReturned   OrderStatus = "returned"
)

// Terminal reports whether no regular fulfilment transition remains. A
// delivered order may still be returned, which the transition table models
// explicitly.
func (s OrderStatus) Terminal() bool {
	return s == OrderDelivered || s == OrderCancelled || s == OrderReturned
}

// Known reports whether s is one of the defined order statuses.
func (s OrderStatus) Known() bool {
	switch s {
	case OrderPending, OrderConfirmed, OrderProcessing, OrderShipped,
		OrderDelivered, OrderCancelled, OrderReturned:
		return true
	}
	return false
}

// PaymentStatus tracks the payment side of an order independently of
// fulfilment.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
)

func (s PaymentStatus) Terminal() bool {
	return s == PaymentCompleted || s == PaymentFailed || s == PaymentRefunded
}

// ReservationStatus is the lifecycle of a temporary stock hold.
type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationReleased  ReservationStatus = "released"
	ReservationExpired   ReservationStatus = "expired"
)
