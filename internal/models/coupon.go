package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	CouponPercentage = "percentage"
	CouponFixed      = "fixed"
)

// Coupon is read-only reference data for the pricing calculator; the
// checkout flow never writes it.
type Coupon struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Code      string             `bson:"code" json:"code"`
	Type      string             `bson:"type" json:"type"`
	Value     float64            `bson:"value" json:"value"`
	MinOrder  float64            `bson:"minOrder" json:"minOrder"`
	IsActive  bool               `bson:"isActive" json:"isActive"`
	ExpiresAt *time.Time         `bson:"expiresAt,omitempty" json:"expiresAt,omitempty"`
	CreatedAt time.Time          `bson:"createdAt" json:"createdAt"`
}
