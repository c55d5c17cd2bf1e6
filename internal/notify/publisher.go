package notify

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types published for the external notification service.
const (
	EventOrderConfirmed = "order.confirmed"
	EventOrderShipped   = "order.shipped"
	EventOrderDelivered = "order.delivered"
	EventOrderCancelled = "order.cancelled"
	EventOrderReturned  = "order.returned"
	EventPaymentFailed  = "payment.failed"
)

// Envelope wraps every published event with routing metadata. Consumers
// dedupe on EventID and correlate on OrderID.
type Envelope struct {
	EventID      string          `json:"eventId"`
	EventType    string          `json:"eventType"`
	EventVersion int             `json:"eventVersion"`
	OccurredAt   time.Time       `json:"occurredAt"`
	Producer     string          `json:"producer"`
	OrderID      string          `json:"orderId"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Publisher emits order lifecycle events. Publish is fire-and-forget: a
// notification failure must never roll back the order transition that
// produced it, so implementations log instead of returning errors.
type Publisher interface {
	Publish(eventType, orderID string, payload interface{})
}

// Nop discards every event; used in tests and when no broker is configured.
type Nop struct{}

func (Nop) Publish(eventType, orderID string, payload interface{}) {}

func newEnvelope(eventType, orderID string, payload interface{}) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		raw = data
	}
	return Envelope{
		EventID:      uuid.NewString(),
		EventType:    eventType,
		EventVersion: 1,
		OccurredAt:   time.Now(),
		Producer:     "sokoni-checkout",
		OrderID:      orderID,
		Payload:      raw,
	}, nil
}
