package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// OrderItem is an immutable snapshot of a product line captured at checkout
// time, decoupled from later catalog edits.
type OrderItem struct {
	ProductID    primitive.ObjectID `bson:"productId" json:"productId"`
	Name         string             `bson:"name" json:"name"`
	SKU          string             `bson:"sku,omitempty" json:"sku,omitempty"`
	ImagePath    string             `bson:"imagePath,omitempty" json:"imagePath,omitempty"`
	Price        float64            `bson:"price" json:"price"`
	Quantity     int                `bson:"quantity" json:"quantity"`
	Variant      string             `bson:"variant,omitempty" json:"variant,omitempty"`
	VariantIndex int                `bson:"variantIndex" json:"-"`
	Total        float64            `bson:"total" json:"total"`
}

// OrderAddress is the address snapshot copied onto an order; never a live
// reference into the user document.
type OrderAddress struct {
	Name   string `bson:"name" json:"name"`
	Phone  string `bson:"phone,omitempty" json:"phone,omitempty"`
	Detail string `bson:"detail" json:"detail"`
	City   string `bson:"city,omitempty" json:"city,omitempty"`
	Note   string `bson:"note,omitempty" json:"note,omitempty"`
}

// PaymentAttempt records one try against a payment provider. An order may
// accumulate several, but at most one ends up completed.
type PaymentAttempt struct {
	Provider      string            `bson:"provider" json:"provider"`
	AccountRef    string            `bson:"accountRef,omitempty" json:"accountRef,omitempty"`
	Amount        float64           `bson:"amount" json:"amount"`
	Status        PaymentStatus     `bson:"status" json:"status"`
	ResultCode    string            `bson:"resultCode,omitempty" json:"resultCode,omitempty"`
	FailureReason string            `bson:"failureReason,omitempty" json:"failureReason,omitempty"`
	ProviderRefs  map[string]string `bson:"providerRefs,omitempty" json:"providerRefs,omitempty"`
	At            time.Time         `bson:"at" json:"at"`
}

// PaymentDetails carries provider metadata for an order. CorrelationID is the
// opaque reference handed out by an asynchronous provider at initiation time;
// inbound callbacks are matched back to the order through it.
type PaymentDetails struct {
	Provider      string            `bson:"provider,omitempty" json:"provider,omitempty"`
	CorrelationID string            `bson:"correlationId,omitempty" json:"correlationId,omitempty"`
	Meta          map[string]string `bson:"meta,omitempty" json:"meta,omitempty"`
	Attempts      []PaymentAttempt  `bson:"attempts,omitempty" json:"attempts,omitempty"`
}

// TrackingInfo is set when an order ships.
type TrackingInfo struct {
	Carrier        string    `bson:"carrier" json:"carrier"`
	TrackingNumber string    `bson:"trackingNumber" json:"trackingNumber"`
	ShippedAt      time.Time `bson:"shippedAt" json:"shippedAt"`
}

// StatusEvent is one audit entry in an order's history. Orders keep their
// full transition history, not just the current state.
type StatusEvent struct {
	Status string    `bson:"status" json:"status"`
	Reason string    `bson:"reason,omitempty" json:"reason,omitempty"`
	Actor  string    `bson:"actor" json:"actor"`
	At     time.Time `bson:"at" json:"at"`
}

// Order is the aggregate root for a purchase. The monetary breakdown is
// computed once at creation and never recomputed; total == subtotal + tax +
// shipping - discount. Orders are cancelled, never deleted.
type Order struct {
	ID                primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	OrderNumber       string             `bson:"orderNumber" json:"orderNumber"`
	UserID            primitive.ObjectID `bson:"userId" json:"userId"`
	Items             []OrderItem        `bson:"items" json:"items"`
	Subtotal          float64            `bson:"subtotal" json:"subtotal"`
	Tax               float64            `bson:"taxAmount" json:"taxAmount"`
	Shipping          float64            `bson:"shippingAmount" json:"shippingAmount"`
	Discount          float64            `bson:"discountAmount" json:"discountAmount"`
	Total             float64            `bson:"totalAmount" json:"totalAmount"`
	CouponCode        string             `bson:"couponCode,omitempty" json:"couponCode,omitempty"`
	ShippingAddress   OrderAddress       `bson:"shippingAddress" json:"shippingAddress"`
	BillingAddress    OrderAddress       `bson:"billingAddress" json:"billingAddress"`
	ShippingMethod    string             `bson:"shippingMethod" json:"shippingMethod"`
	PaymentMethod     string             `bson:"paymentMethod" json:"paymentMethod"`
	PaymentStatus     PaymentStatus      `bson:"paymentStatus" json:"paymentStatus"`
	OrderStatus       OrderStatus        `bson:"orderStatus" json:"orderStatus"`
	PaymentDetails    PaymentDetails     `bson:"paymentDetails" json:"paymentDetails"`
	Tracking          *TrackingInfo      `bson:"tracking,omitempty" json:"tracking,omitempty"`
	StatusHistory     []StatusEvent      `bson:"statusHistory" json:"statusHistory"`
	EstimatedDelivery *time.Time         `bson:"estimatedDelivery,omitempty" json:"estimatedDelivery,omitempty"`
	DeliveredAt       *time.Time         `bson:"deliveredAt,omitempty" json:"deliveredAt,omitempty"`
	CreatedAt         time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt         time.Time          `bson:"updatedAt" json:"updatedAt"`
}
