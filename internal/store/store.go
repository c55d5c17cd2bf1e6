package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"sokoni/internal/models"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("not found")

// TxManager runs fn atomically: either every write made inside fn commits or
// none does. The context handed to fn must be used for every store call made
// within the transaction. Nested WithinTx calls join the surrounding
// transaction.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ProductStore exposes the stock-pool writes owned by the inventory manager
// plus the catalog reads checkout needs. A variantIndex below zero addresses
// the product's main pool.
type ProductStore interface {
	FindByID(ctx context.Context, id primitive.ObjectID) (models.Product, error)
	FindByIDs(ctx context.Context, ids []primitive.ObjectID) (map[primitive.ObjectID]models.Product, error)

	// DecrementStock moves qty from the pool into its reserved counter, but
	// only when the pool currently holds at least qty; it reports false with
	// no mutation otherwise. This is the single guarded write that keeps a
	// pool from ever going negative.
	DecrementStock(ctx context.Context, id primitive.ObjectID, variantIndex, qty int) (bool, error)

	// RestoreStock moves qty back from reserved into the pool.
	RestoreStock(ctx context.Context, id primitive.ObjectID, variantIndex, qty int) error

	// FinalizeStock makes a hold permanent: reserved shrinks, purchase
	// analytics grow, the pool stays decremented.
	FinalizeStock(ctx context.Context, id primitive.ObjectID, variantIndex, qty int) error
}

// ReservationStore persists stock holds.
type ReservationStore interface {
	Insert(ctx context.Context, r models.StockReservation) error
	ActiveByOrder(ctx context.Context, orderID primitive.ObjectID) ([]models.StockReservation, error)

	// MarkStatus flips one reservation from -> to; false means the
	// reservation was no longer in from because a concurrent writer
	// resolved it first.
	MarkStatus(ctx context.Context, id primitive.ObjectID, from, to models.ReservationStatus) (bool, error)

	// ExpiredActive lists active reservations whose hold window elapsed
	// before now, oldest first.
	ExpiredActive(ctx context.Context, now time.Time, limit int64) ([]models.StockReservation, error)
}

// OrderStore persists orders. Status writes are guarded: they commit only
// when the current value is still in the allowed set, so racing writers
// resolve to exactly one winner.
type OrderStore interface {
	Insert(ctx context.Context, o *models.Order) error
	FindByID(ctx context.Context, id primitive.ObjectID) (models.Order, error)
	FindByCorrelationID(ctx context.Context, correlationID string) (models.Order, error)
	ListByUser(ctx context.Context, userID primitive.ObjectID, page, limit int64) ([]models.Order, error)
	List(ctx context.Context, status models.OrderStatus, page, limit int64) ([]models.Order, error)

	UpdateOrderStatus(ctx context.Context, id primitive.ObjectID, from []models.OrderStatus, to models.OrderStatus, ev models.StatusEvent) (bool, error)
	UpdatePaymentStatus(ctx context.Context, id primitive.ObjectID, from []models.PaymentStatus, to models.PaymentStatus) (bool, error)

	SetCorrelation(ctx context.Context, id primitive.ObjectID, provider, correlationID string, meta map[string]string) error
	AppendAttempt(ctx context.Context, id primitive.ObjectID, at models.PaymentAttempt) error
	SetTracking(ctx context.Context, id primitive.ObjectID, t models.TrackingInfo) error
	SetEstimatedDelivery(ctx context.Context, id primitive.ObjectID, at time.Time) error
	SetDeliveredAt(ctx context.Context, id primitive.ObjectID, at time.Time) error
}

// CouponStore reads coupon reference data.
type CouponStore interface {
	FindByCode(ctx context.Context, code string) (models.Coupon, error)
}

// CartStore reads and clears the user's cart. Replace exists for the cart
// endpoints; the checkout engine itself only reads and clears.
type CartStore interface {
	FindByUser(ctx context.Context, userID primitive.ObjectID) (models.Cart, error)
	Replace(ctx context.Context, cart models.Cart) error
	Clear(ctx context.Context, userID primitive.ObjectID) error
}

// Stores bundles every store behind one value so wiring stays flat in main.
type Stores struct {
	Tx           TxManager
	Products     ProductStore
	Reservations ReservationStore
	Orders       OrderStore
	Coupons      CouponStore
	Carts        CartStore
}
