package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// StockReservation is a temporary, time-bounded hold of stock for one order
// line. VariantIndex < 0 targets the product's main pool, otherwise the
// variant at that index. Active holds either confirm (the decrement becomes
// permanent), release (explicit cancellation) or expire (reclaimed by the
// sweeper after the hold window).
type StockReservation struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	OrderID      primitive.ObjectID `bson:"orderId" json:"orderId"`
	ProductID    primitive.ObjectID `bson:"productId" json:"productId"`
	Quantity     int                `bson:"quantity" json:"quantity"`
	VariantIndex int                `bson:"variantIndex" json:"variantIndex"`
	Status       ReservationStatus  `bson:"status" json:"status"`
	CreatedAt    time.Time          `bson:"createdAt" json:"createdAt"`
	ExpiresAt    time.Time          `bson:"expiresAt" json:"expiresAt"`
}
