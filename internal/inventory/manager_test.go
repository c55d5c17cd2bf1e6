package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"sokoni/internal/models"
	"sokoni/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	s := mem.Stores()
	return NewManager(s.Tx, s.Products, s.Reservations), mem
}

func TestReserveDecrementsAndRecords(t *testing.T) {
	m, mem := newTestManager(t)
	p := mem.SeedProduct(models.Product{Name: "Sugar", Stock: 10})
	orderID := primitive.NewObjectID()

	err := m.Reserve(context.Background(), orderID, []Line{
		{ProductID: p.ID, Name: "Sugar", VariantIndex: -1, Quantity: 3},
	}, 30*time.Minute)
	if err != nil {
		t.Fatalf("Reserve returned error: %v", err)
	}

	got := mem.Product(p.ID)
	if got.Stock != 7 || got.Reserved != 3 {
		t.Fatalf("expected stock 7 / reserved 3, got %d / %d", got.Stock, got.Reserved)
	}

	holds := mem.Reservations(orderID)
	if len(holds) != 1 || holds[0].Status != models.ReservationActive {
		t.Fatalf("expected one active reservation, got %+v", holds)
	}
	if !holds[0].ExpiresAt.After(time.Now()) {
		t.Fatal("expected expiry in the future")
	}
}

func TestReserveAllOrNothing(t *testing.T) {
	m, mem := newTestManager(t)
	a := mem.SeedProduct(models.Product{Name: "A", Stock: 10})
	b := mem.SeedProduct(models.Product{Name: "B", Stock: 1})
	orderID := primitive.NewObjectID()

	err := m.Reserve(context.Background(), orderID, []Line{
		{ProductID: a.ID, Name: "A", VariantIndex: -1, Quantity: 2},
		{ProductID: b.ID, Name: "B", VariantIndex: -1, Quantity: 5},
	}, 30*time.Minute)

	var stockErr InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if len(stockErr.Shortfalls) != 1 || stockErr.Shortfalls[0].Available != 1 {
		t.Fatalf("expected shortfall naming B with availability 1, got %+v", stockErr.Shortfalls)
	}

	// Zero net change for both items, including the one that had stock.
	if got := mem.Product(a.ID); got.Stock != 10 || got.Reserved != 0 {
		t.Fatalf("expected A untouched, got stock %d reserved %d", got.Stock, got.Reserved)
	}
	if got := mem.Product(b.ID); got.Stock != 1 || got.Reserved != 0 {
		t.Fatalf("expected B untouched, got stock %d reserved %d", got.Stock, got.Reserved)
	}
	if holds := mem.Reservations(orderID); len(holds) != 0 {
		t.Fatalf("expected no reservations to survive, got %+v", holds)
	}
}

func TestReserveConcurrentSingleUnit(t *testing.T) {
	m, mem := newTestManager(t)
	p := mem.SeedProduct(models.Product{Name: "Last one", Stock: 1})

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.Reserve(context.Background(), primitive.NewObjectID(), []Line{
				{ProductID: p.ID, Name: "Last one", VariantIndex: -1, Quantity: 1},
			}, 30*time.Minute)
		}(i)
	}
	wg.Wait()

	var okCount, conflictCount int
	for _, err := range results {
		var stockErr InsufficientStockError
		switch {
		case err == nil:
			okCount++
		case errors.As(err, &stockErr):
			conflictCount++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if okCount != 1 || conflictCount != 1 {
		t.Fatalf("expected exactly one success and one conflict, got %d/%d", okCount, conflictCount)
	}
	if got := mem.Product(p.ID); got.Stock != 0 || got.Reserved != 1 {
		t.Fatalf("expected stock 0 reserved 1, got %d/%d", got.Stock, got.Reserved)
	}
}

func TestReserveVariantPool(t *testing.T) {
	m, mem := newTestManager(t)
	p := mem.SeedProduct(models.Product{
		Name:  "Shirt",
		Stock: 5,
		Variants: []models.ProductVariant{
			{Name: "S", Stock: 2},
			{Name: "M", Stock: 4},
		},
	})
	orderID := primitive.NewObjectID()

	err := m.Reserve(context.Background(), orderID, []Line{
		{ProductID: p.ID, Name: "Shirt", Variant: "M", VariantIndex: 1, Quantity: 3},
	}, 30*time.Minute)
	if err != nil {
		t.Fatalf("Reserve returned error: %v", err)
	}

	got := mem.Product(p.ID)
	if got.Stock != 5 {
		t.Fatalf("main pool must be untouched, got %d", got.Stock)
	}
	if got.Variants[1].Stock != 1 || got.Variants[1].Reserved != 3 {
		t.Fatalf("expected variant M stock 1 reserved 3, got %d/%d",
			got.Variants[1].Stock, got.Variants[1].Reserved)
	}
}

func TestReleaseRestoresAndIsIdempotent(t *testing.T) {
	m, mem := newTestManager(t)
	p := mem.SeedProduct(models.Product{Name: "Tea", Stock: 8})
	orderID := primitive.NewObjectID()

	if err := m.Reserve(context.Background(), orderID, []Line{
		{ProductID: p.ID, Name: "Tea", VariantIndex: -1, Quantity: 5},
	}, 30*time.Minute); err != nil {
		t.Fatalf("Reserve returned error: %v", err)
	}

	if err := m.Release(context.Background(), orderID); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	if got := mem.Product(p.ID); got.Stock != 8 || got.Reserved != 0 {
		t.Fatalf("expected full restoration, got stock %d reserved %d", got.Stock, got.Reserved)
	}

	// Releasing again must be a no-op, not a double restore.
	if err := m.Release(context.Background(), orderID); err != nil {
		t.Fatalf("second Release returned error: %v", err)
	}
	if got := mem.Product(p.ID); got.Stock != 8 {
		t.Fatalf("second release must not change stock, got %d", got.Stock)
	}
}

func TestConfirmFinalizesHolds(t *testing.T) {
	m, mem := newTestManager(t)
	p := mem.SeedProduct(models.Product{Name: "Rice", Stock: 6})
	orderID := primitive.NewObjectID()

	if err := m.Reserve(context.Background(), orderID, []Line{
		{ProductID: p.ID, Name: "Rice", VariantIndex: -1, Quantity: 2},
	}, 30*time.Minute); err != nil {
		t.Fatalf("Reserve returned error: %v", err)
	}

	if err := m.Confirm(context.Background(), orderID); err != nil {
		t.Fatalf("Confirm returned error: %v", err)
	}

	got := mem.Product(p.ID)
	if got.Stock != 4 || got.Reserved != 0 || got.Purchases != 2 {
		t.Fatalf("expected stock 4 reserved 0 purchases 2, got %d/%d/%d",
			got.Stock, got.Reserved, got.Purchases)
	}
	holds := mem.Reservations(orderID)
	if len(holds) != 1 || holds[0].Status != models.ReservationConfirmed {
		t.Fatalf("expected confirmed reservation, got %+v", holds)
	}

	// Releasing after confirm must not restore confirmed stock.
	if err := m.Release(context.Background(), orderID); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	if got := mem.Product(p.ID); got.Stock != 4 {
		t.Fatalf("release after confirm must not restore stock, got %d", got.Stock)
	}
}

func TestStockConservationUnderChurn(t *testing.T) {
	m, mem := newTestManager(t)
	const initial = 50
	p := mem.SeedProduct(models.Product{Name: "Flour", Stock: initial})

	var wg sync.WaitGroup
	confirmed := make([]int, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			orderID := primitive.NewObjectID()
			qty := i%3 + 1
			if err := m.Reserve(context.Background(), orderID, []Line{
				{ProductID: p.ID, Name: "Flour", VariantIndex: -1, Quantity: qty},
			}, time.Minute); err != nil {
				return
			}
			if i%2 == 0 {
				if m.Confirm(context.Background(), orderID) == nil {
					confirmed[i] = qty
				}
			} else {
				_ = m.Release(context.Background(), orderID)
			}
		}(i)
	}
	wg.Wait()

	totalConfirmed := 0
	for _, q := range confirmed {
		totalConfirmed += q
	}

	got := mem.Product(p.ID)
	if got.Stock < 0 {
		t.Fatalf("stock went negative: %d", got.Stock)
	}
	if got.Reserved != 0 {
		t.Fatalf("expected no dangling reservations at quiescence, reserved=%d", got.Reserved)
	}
	if got.Stock+totalConfirmed != initial {
		t.Fatalf("conservation violated: stock %d + confirmed %d != initial %d",
			got.Stock, totalConfirmed, initial)
	}
}

func TestValidateAggregatesShortfalls(t *testing.T) {
	m, mem := newTestManager(t)
	a := mem.SeedProduct(models.Product{Name: "A", Stock: 1})
	b := mem.SeedProduct(models.Product{Name: "B", Stock: 0})

	err := m.Validate(context.Background(), []Line{
		{ProductID: a.ID, Name: "A", VariantIndex: -1, Quantity: 3},
		{ProductID: b.ID, Name: "B", VariantIndex: -1, Quantity: 1},
	})

	var stockErr InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if len(stockErr.Shortfalls) != 2 {
		t.Fatalf("expected both shortfalls reported at once, got %+v", stockErr.Shortfalls)
	}
}
