package inventory

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"sokoni/internal/models"
	"sokoni/internal/store"
)

// Line is one cart line resolved against the catalog: which product, which
// stock pool (variantIndex < 0 means the main pool) and how many units.
type Line struct {
	ProductID    primitive.ObjectID
	Name         string
	Variant      string
	VariantIndex int
	Quantity     int
}

// Shortfall names one line that could not be satisfied.
type Shortfall struct {
	ProductID primitive.ObjectID `json:"productId"`
	Name      string             `json:"name"`
	Variant   string             `json:"variant,omitempty"`
	Requested int                `json:"requested"`
	Available int                `json:"available"`
}

// InsufficientStockError aggregates every shortfall found in one reserve
// attempt, so the shopper sees all problem lines at once instead of fixing
// them one request at a time.
type InsufficientStockError struct {
	Shortfalls []Shortfall
}

func (e InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, fmt.Sprintf("%s: requested %d, available %d", s.Name, s.Requested, s.Available))
	}
	return "insufficient stock: " + strings.Join(parts, "; ")
}

// Manager is the only component permitted to mutate stock pools. Every other
// part of the engine reads availability through the product store and asks
// the manager to reserve, release or confirm.
type Manager struct {
	tx           store.TxManager
	products     store.ProductStore
	reservations store.ReservationStore
}

func NewManager(tx store.TxManager, products store.ProductStore, reservations store.ReservationStore) *Manager {
	return &Manager{tx: tx, products: products, reservations: reservations}
}

// Validate checks availability for every line without mutating anything,
// reporting every shortfall it finds. A clean Validate is no guarantee a
// later Reserve succeeds; the guarded decrement inside Reserve is what
// actually arbitrates races.
func (m *Manager) Validate(ctx context.Context, lines []Line) error {
	ids := make([]primitive.ObjectID, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.ProductID)
	}

	products, err := m.products.FindByIDs(ctx, ids)
	if err != nil {
		return err
	}

	var shortfalls []Shortfall
	for _, l := range lines {
		p, ok := products[l.ProductID]
		if !ok {
			shortfalls = append(shortfalls, Shortfall{
				ProductID: l.ProductID, Name: l.Name, Variant: l.Variant,
				Requested: l.Quantity, Available: 0,
			})
			continue
		}
		if available := p.PoolStock(l.VariantIndex); available < l.Quantity {
			shortfalls = append(shortfalls, Shortfall{
				ProductID: l.ProductID, Name: p.Name, Variant: l.Variant,
				Requested: l.Quantity, Available: available,
			})
		}
	}
	if len(shortfalls) > 0 {
		return InsufficientStockError{Shortfalls: shortfalls}
	}
	return nil
}

// Reserve places a time-bounded hold for every line, all-or-nothing across
// the whole cart: if any single pool comes up short, the transaction rolls
// back and no pool shows a net change. Each decrement is guarded
// (stock >= qty as part of the write), so two concurrent reservations can
// never jointly overdraw a pool.
func (m *Manager) Reserve(ctx context.Context, orderID primitive.ObjectID, lines []Line, hold time.Duration) error {
	if len(lines) == 0 {
		return nil
	}

	now := time.Now()
	expiry := now.Add(hold)

	return m.tx.WithinTx(ctx, func(ctx context.Context) error {
		for _, l := range lines {
			ok, err := m.products.DecrementStock(ctx, l.ProductID, l.VariantIndex, l.Quantity)
			if err != nil {
				return err
			}
			if !ok {
				// Reload for the actual availability so the rejection names
				// the shortfall. The whole batch aborts here.
				available := 0
				if p, perr := m.products.FindByID(ctx, l.ProductID); perr == nil {
					available = p.PoolStock(l.VariantIndex)
				}
				return InsufficientStockError{Shortfalls: []Shortfall{{
					ProductID: l.ProductID, Name: l.Name, Variant: l.Variant,
					Requested: l.Quantity, Available: available,
				}}}
			}

			err = m.reservations.Insert(ctx, models.StockReservation{
				OrderID:      orderID,
				ProductID:    l.ProductID,
				Quantity:     l.Quantity,
				VariantIndex: l.VariantIndex,
				Status:       models.ReservationActive,
				CreatedAt:    now,
				ExpiresAt:    expiry,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Release restores every active hold belonging to the order back into its
// pool and marks the reservations released. Idempotent: an order with no
// active holds is a no-op.
func (m *Manager) Release(ctx context.Context, orderID primitive.ObjectID) error {
	return m.resolve(ctx, orderID, models.ReservationReleased)
}

// Expire is the sweeper's variant of Release: same stock restoration, but
// the holds are marked expired so the audit trail distinguishes an abandoned
// checkout from an explicit cancellation.
func (m *Manager) Expire(ctx context.Context, orderID primitive.ObjectID) error {
	return m.resolve(ctx, orderID, models.ReservationExpired)
}

func (m *Manager) resolve(ctx context.Context, orderID primitive.ObjectID, to models.ReservationStatus) error {
	return m.tx.WithinTx(ctx, func(ctx context.Context) error {
		active, err := m.reservations.ActiveByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		for _, r := range active {
			flipped, err := m.reservations.MarkStatus(ctx, r.ID, models.ReservationActive, to)
			if err != nil {
				return err
			}
			if !flipped {
				// A concurrent writer resolved this hold first; its stock
				// movement is theirs, not ours.
				continue
			}
			if err := m.products.RestoreStock(ctx, r.ProductID, r.VariantIndex, r.Quantity); err != nil {
				return err
			}
		}
		return nil
	})
}

// Confirm makes every active hold for the order permanent: reservations flip
// to confirmed, the stock decrement stays, and purchase counters grow.
// Idempotent for holds another writer already resolved.
func (m *Manager) Confirm(ctx context.Context, orderID primitive.ObjectID) error {
	return m.tx.WithinTx(ctx, func(ctx context.Context) error {
		active, err := m.reservations.ActiveByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if len(active) == 0 {
			log.Println("[INVENTORY] [WARN] confirm found no active reservations for order", orderID.Hex())
			return nil
		}
		for _, r := range active {
			flipped, err := m.reservations.MarkStatus(ctx, r.ID, models.ReservationActive, models.ReservationConfirmed)
			if err != nil {
				return err
			}
			if !flipped {
				continue
			}
			if err := m.products.FinalizeStock(ctx, r.ProductID, r.VariantIndex, r.Quantity); err != nil {
				return err
			}
		}
		return nil
	})
}
