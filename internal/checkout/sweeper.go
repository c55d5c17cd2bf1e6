package checkout

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"sokoni/internal/orders"
	"sokoni/internal/redisx"
	"sokoni/internal/store"
)

const sweepBatchSize = 200

// Sweeper periodically reclaims reservations whose hold window elapsed
// without a payment result, cancelling the owning order if it is still
// awaiting payment. It runs independently of request traffic so an expired
// backlog never adds latency to a live checkout.
type Sweeper struct {
	interval     time.Duration
	locker       redisx.Locker
	reservations store.ReservationStore
	orders       *orders.Service
}

func NewSweeper(interval time.Duration, locker redisx.Locker, reservations store.ReservationStore, ordersvc *orders.Service) *Sweeper {
	return &Sweeper{
		interval:     interval,
		locker:       locker,
		reservations: reservations,
		orders:       ordersvc,
	}
}

// Run loops until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Println("[SWEEPER] [INFO] started, interval:", s.interval)
	for {
		select {
		case <-ctx.Done():
			log.Println("[SWEEPER] [INFO] stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				log.Println("[SWEEPER] [ERROR] sweep failed:", err)
			}
		}
	}
}

// Sweep performs one pass and reports how many orders it expired. Only one
// replica holds the lease per interval; the rest skip. A failure on one
// order never blocks the release of the others.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	held, err := s.locker.Acquire(ctx, redisx.KeySweeperLease, s.interval)
	if err != nil {
		// Lease unavailable: sweep anyway. Expiry is idempotent, so two
		// replicas sweeping the same batch resolve to one winner per order.
		log.Println("[SWEEPER] [WARN] lease unavailable:", err)
	} else if !held {
		return 0, nil
	}

	runID := uuid.NewString()

	expired, err := s.reservations.ExpiredActive(ctx, time.Now(), sweepBatchSize)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	// One expiry per owning order; its transaction resolves every hold the
	// order has.
	seen := make(map[primitive.ObjectID]bool, len(expired))
	swept := 0
	for _, r := range expired {
		if seen[r.OrderID] {
			continue
		}
		seen[r.OrderID] = true

		err := s.orders.Expire(ctx, r.OrderID)
		switch {
		case err == nil:
			swept++
		case errors.Is(err, orders.ErrAlreadyFinal):
			// A payment callback won the race; nothing to reclaim.
		default:
			log.Printf("[SWEEPER] [ERROR] run %s: order %s: %v", runID, r.OrderID.Hex(), err)
		}
	}

	if swept > 0 {
		log.Printf("[SWEEPER] [INFO] run %s expired %d orders", runID, swept)
	}
	return swept, nil
}
