package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"sokoni/internal/inventory"
	"sokoni/internal/models"
	"sokoni/internal/notify"
	"sokoni/internal/orders"
	"sokoni/internal/payments"
	"sokoni/internal/pricing"
	"sokoni/internal/redisx"
	"sokoni/internal/store"
)

/* =========================
   TEST DOUBLES
========================= */

type capturingPublisher struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCapturingPublisher() *capturingPublisher {
	return &capturingPublisher{counts: make(map[string]int)}
}

func (p *capturingPublisher) Publish(eventType, orderID string, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[eventType]++
}

func (p *capturingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[eventType]
}

var _ notify.Publisher = (*capturingPublisher)(nil)

// fakeSync answers Initiate inline with a canned result or transport error.
type fakeSync struct {
	name   string
	result payments.Result
	err    error
}

func (f *fakeSync) Name() string { return f.name }

func (f *fakeSync) Initiate(ctx context.Context, order models.Order, d payments.Details) (payments.Result, error) {
	return f.result, f.err
}

func (f *fakeSync) QueryStatus(ctx context.Context, order models.Order) (payments.Result, error) {
	return payments.Result{}, payments.ErrNotPollable
}

// fakePush always acknowledges with pending plus a correlation id, and
// answers polls with a configurable result.
type fakePush struct {
	correlationID string
	poll          payments.Result
	initiations   int
}

func (f *fakePush) Name() string { return "mpesa" }

func (f *fakePush) Initiate(ctx context.Context, order models.Order, d payments.Details) (payments.Result, error) {
	f.initiations++
	return payments.Result{
		Status:        payments.StatusPending,
		CorrelationID: f.correlationID,
		ProviderRefs:  map[string]string{"checkoutRequestId": f.correlationID},
	}, nil
}

func (f *fakePush) QueryStatus(ctx context.Context, order models.Order) (payments.Result, error) {
	return f.poll, nil
}

// strictPush is fakePush with the phone requirement a real push provider
// declares.
type strictPush struct {
	fakePush
}

func (p *strictPush) ValidateDetails(d payments.Details) error {
	if d.Phone == "" {
		return errors.New("phone number is required for mpesa")
	}
	return nil
}

// alwaysFirstDeduper simulates a Redis miss on every delivery, forcing
// duplicates down to the authoritative terminal-state check.
type alwaysFirstDeduper struct{}

func (alwaysFirstDeduper) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}

/* =========================
   FIXTURE
========================= */

type env struct {
	mem     *store.Memory
	svc     *Service
	sweeper *Sweeper
	events  *capturingPublisher
	userID  primitive.ObjectID
}

func testPricing() pricing.Config {
	return pricing.Config{
		TaxRate:               0.16,
		FreeShippingThreshold: 5000,
		ShippingRates:         map[string]float64{"standard": 300, "express": 500},
		RemoteAreas:           map[string]bool{},
		RemoteSurcharge:       1.5,
	}
}

func newEnv(t *testing.T, hold time.Duration, dedup redisx.Deduper, providers ...payments.Provider) *env {
	t.Helper()
	mem := store.NewMemory()
	s := mem.Stores()
	inv := inventory.NewManager(s.Tx, s.Products, s.Reservations)
	events := newCapturingPublisher()
	ordersvc := orders.NewService(s.Tx, s.Orders, s.Carts, inv, events)
	if dedup == nil {
		dedup = redisx.NewMemoryClient()
	}

	svc := NewService(
		Options{Pricing: testPricing(), Hold: hold},
		s, inv, ordersvc, payments.NewRegistry(providers...), dedup,
	)
	sweeper := NewSweeper(time.Minute, redisx.NewMemoryClient(), s.Reservations, ordersvc)

	return &env{
		mem:     mem,
		svc:     svc,
		sweeper: sweeper,
		events:  events,
		userID:  primitive.NewObjectID(),
	}
}

func (e *env) seedCartWith(t *testing.T, stock, qty int) models.Product {
	t.Helper()
	p := e.mem.SeedProduct(models.Product{Name: "Widget", SKU: "A", Price: 1000, Stock: stock})
	e.mem.SeedCart(models.Cart{
		UserID: e.userID,
		Items:  []models.CartItem{{ProductID: p.ID, Quantity: qty}},
	})
	return p
}

func standardRequest(method string) InitiateRequest {
	return InitiateRequest{
		ShippingAddress: models.OrderAddress{Name: "Jane", Detail: "12 Moi Ave", City: "Nairobi"},
		ShippingMethod:  "standard",
		PaymentMethod:   method,
		PaymentDetails:  payments.Details{Phone: "254700000001"},
	}
}

func stkCallbackJSON(correlationID string, resultCode int, desc string) []byte {
	return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{
		"MerchantRequestID":"mr-1","CheckoutRequestID":"%s",
		"ResultCode":%d,"ResultDesc":"%s"}}}`, correlationID, resultCode, desc))
}

/* =========================
   TESTS
========================= */

func TestInitiateSynchronousSuccess(t *testing.T) {
	e := newEnv(t, 30*time.Minute, nil,
		&fakeSync{name: "cod", result: payments.Result{Status: payments.StatusCompleted, ResultCode: "COD"}})
	p := e.seedCartWith(t, 10, 2)
	ctx := context.Background()

	res, err := e.svc.Initiate(ctx, e.userID, standardRequest("cod"))
	if err != nil {
		t.Fatalf("Initiate returned error: %v", err)
	}

	if res.Breakdown.Subtotal != 2000 || res.Breakdown.Tax != 320 ||
		res.Breakdown.Shipping != 300 || res.Breakdown.Total != 2620 {
		t.Fatalf("unexpected breakdown %+v", res.Breakdown)
	}
	if res.Payment.Status != payments.StatusCompleted {
		t.Fatalf("expected completed payment, got %+v", res.Payment)
	}
	if res.Order.OrderStatus != models.OrderConfirmed || res.Order.PaymentStatus != models.PaymentCompleted {
		t.Fatalf("expected confirmed/completed, got %s/%s", res.Order.OrderStatus, res.Order.PaymentStatus)
	}
	if res.Order.Total != 2620 || res.Order.Total != res.Order.Subtotal+res.Order.Tax+res.Order.Shipping-res.Order.Discount {
		t.Fatalf("monetary invariant violated: %+v", res.Order)
	}
	if res.Order.OrderNumber == "" {
		t.Fatal("expected an order number")
	}

	if prod := e.mem.Product(p.ID); prod.Stock != 8 || prod.Reserved != 0 || prod.Purchases != 2 {
		t.Fatalf("expected finalized stock, got %+v", prod)
	}
	holds := e.mem.Reservations(res.Order.ID)
	if len(holds) != 1 || holds[0].Status != models.ReservationConfirmed {
		t.Fatalf("expected confirmed reservation, got %+v", holds)
	}

	stores := e.mem.Stores()
	cart, _ := stores.Carts.FindByUser(ctx, e.userID)
	if len(cart.Items) != 0 {
		t.Fatalf("expected cart cleared, got %+v", cart.Items)
	}
}

func TestInitiateWithCoupon(t *testing.T) {
	e := newEnv(t, 30*time.Minute, nil,
		&fakeSync{name: "cod", result: payments.Result{Status: payments.StatusCompleted}})
	e.seedCartWith(t, 10, 2)
	e.mem.SeedCoupon(models.Coupon{
		Code: "WELCOME10", Type: models.CouponPercentage, Value: 10, MinOrder: 1000, IsActive: true,
	})

	req := standardRequest("cod")
	req.CouponCode = "WELCOME10"

	res, err := e.svc.Initiate(context.Background(), e.userID, req)
	if err != nil {
		t.Fatalf("Initiate returned error: %v", err)
	}
	if res.Breakdown.Discount != 200 || res.Breakdown.Total != 2420 {
		t.Fatalf("expected discount 200 total 2420, got %+v", res.Breakdown)
	}
}

func TestInitiateUnknownCoupon(t *testing.T) {
	e := newEnv(t, 30*time.Minute, nil,
		&fakeSync{name: "cod", result: payments.Result{Status: payments.StatusCompleted}})
	e.seedCartWith(t, 10, 2)

	req := standardRequest("cod")
	req.CouponCode = "NOPE"

	_, err := e.svc.Initiate(context.Background(), e.userID, req)
	var couponErr pricing.CouponError
	if !errors.As(err, &couponErr) {
		t.Fatalf("expected CouponError for unknown code, got %v", err)
	}
}

func TestInitiateInsufficientStockNoPartialHold(t *testing.T) {
	e := newEnv(t, 30*time.Minute, nil,
		&fakeSync{name: "cod", result: payments.Result{Status: payments.StatusCompleted}})
	a := e.mem.SeedProduct(models.Product{Name: "A", Price: 100, Stock: 10})
	b := e.mem.SeedProduct(models.Product{Name: "B", Price: 100, Stock: 1})
	e.mem.SeedCart(models.Cart{UserID: e.userID, Items: []models.CartItem{
		{ProductID: a.ID, Quantity: 2},
		{ProductID: b.ID, Quantity: 5},
	}})

	_, err := e.svc.Initiate(context.Background(), e.userID, standardRequest("cod"))
	var stockErr inventory.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}

	if prod := e.mem.Product(a.ID); prod.Stock != 10 || prod.Reserved != 0 {
		t.Fatalf("expected A untouched, got %+v", prod)
	}
	if prod := e.mem.Product(b.ID); prod.Stock != 1 || prod.Reserved != 0 {
		t.Fatalf("expected B untouched, got %+v", prod)
	}
}

func TestInitiateEmptyCart(t *testing.T) {
	e := newEnv(t, 30*time.Minute, nil,
		&fakeSync{name: "cod", result: payments.Result{Status: payments.StatusCompleted}})

	_, err := e.svc.Initiate(context.Background(), e.userID, standardRequest("cod"))
	var vErr pricing.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError for empty cart, got %v", err)
	}
}

func TestInitiateUnknownPaymentMethod(t *testing.T) {
	e := newEnv(t, 30*time.Minute, nil,
		&fakeSync{name: "cod", result: payments.Result{Status: payments.StatusCompleted}})
	e.seedCartWith(t, 10, 2)

	_, err := e.svc.Initiate(context.Background(), e.userID, standardRequest("crypto"))
	var unknown payments.UnknownMethodError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownMethodError, got %v", err)
	}
}

func TestInitiateMissingProviderDetailsRejectedBeforeOrder(t *testing.T) {
	push := &strictPush{fakePush{correlationID: "ws-co-1"}}
	e := newEnv(t, 30*time.Minute, nil, push)
	p := e.seedCartWith(t, 10, 2)
	ctx := context.Background()

	req := standardRequest("mpesa")
	req.PaymentDetails = payments.Details{}

	_, err := e.svc.Initiate(ctx, e.userID, req)
	var verr pricing.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected a validation error, got %v", err)
	}

	if push.initiations != 0 {
		t.Fatalf("expected no provider call, got %d", push.initiations)
	}
	if prod := e.mem.Product(p.ID); prod.Stock != 10 || prod.Reserved != 0 {
		t.Fatalf("expected untouched stock, got %+v", prod)
	}
	stores := e.mem.Stores()
	if orderDocs, _ := stores.Orders.ListByUser(ctx, e.userID, 1, 10); len(orderDocs) != 0 {
		t.Fatalf("expected no order created, got %d", len(orderDocs))
	}
}

func TestOrderItemsSnapshotCatalogFields(t *testing.T) {
	e := newEnv(t, 30*time.Minute, nil,
		&fakeSync{name: "cod", result: payments.Result{Status: payments.StatusCompleted}})
	p := e.mem.SeedProduct(models.Product{
		Name:      "Widget",
		SKU:       "SKU-42",
		ImagePath: "/img/widget.png",
		Price:     1000,
		Stock:     10,
		Variants: []models.ProductVariant{
			{Name: "large", SKU: "SKU-42-L", Price: 1200, Stock: 5},
		},
	})
	e.mem.SeedCart(models.Cart{
		UserID: e.userID,
		Items: []models.CartItem{
			{ProductID: p.ID, Quantity: 1},
			{ProductID: p.ID, Variant: "large", Quantity: 1},
		},
	})

	res, err := e.svc.Initiate(context.Background(), e.userID, standardRequest("cod"))
	if err != nil {
		t.Fatalf("Initiate returned error: %v", err)
	}

	items := res.Order.Items
	if len(items) != 2 {
		t.Fatalf("expected 2 order items, got %d", len(items))
	}
	if items[0].SKU != "SKU-42" || items[0].ImagePath != "/img/widget.png" {
		t.Fatalf("base item lost catalog snapshot: sku=%q image=%q", items[0].SKU, items[0].ImagePath)
	}
	if items[1].SKU != "SKU-42-L" || items[1].ImagePath != "/img/widget.png" {
		t.Fatalf("variant item lost catalog snapshot: sku=%q image=%q", items[1].SKU, items[1].ImagePath)
	}
}

func TestInitiateProviderUnreachableReleasesStock(t *testing.T) {
	e := newEnv(t, 30*time.Minute, nil,
		&fakeSync{name: "card", err: errors.New("connection refused")})
	p := e.seedCartWith(t, 10, 2)

	res, err := e.svc.Initiate(context.Background(), e.userID, standardRequest("card"))
	if err != nil {
		t.Fatalf("Initiate returned error: %v", err)
	}
	if res.Payment.Status != payments.StatusFailed {
		t.Fatalf("expected failed outcome, got %+v", res.Payment)
	}
	if res.Order.OrderStatus != models.OrderCancelled || res.Order.PaymentStatus != models.PaymentFailed {
		t.Fatalf("expected cancelled/failed, got %s/%s", res.Order.OrderStatus, res.Order.PaymentStatus)
	}
	if prod := e.mem.Product(p.ID); prod.Stock != 10 || prod.Reserved != 0 {
		t.Fatalf("expected stock released, got %+v", prod)
	}
}

func TestInitiateBusinessDeclineSurfacesReason(t *testing.T) {
	e := newEnv(t, 30*time.Minute, nil,
		&fakeSync{name: "card", result: payments.Result{
			Status: payments.StatusFailed, ResultCode: "51", FailureReason: "insufficient funds",
		}})
	p := e.seedCartWith(t, 10, 2)

	res, err := e.svc.Initiate(context.Background(), e.userID, standardRequest("card"))
	if err != nil {
		t.Fatalf("Initiate returned error: %v", err)
	}
	if res.Payment.Status != payments.StatusFailed || res.Payment.FailureReason != "insufficient funds" {
		t.Fatalf("expected decline with reason, got %+v", res.Payment)
	}
	if prod := e.mem.Product(p.ID); prod.Stock != 10 {
		t.Fatalf("expected stock released after decline, got %+v", prod)
	}
}

func TestAsyncFlowPendingThenCallback(t *testing.T) {
	push := &fakePush{correlationID: "ws_CO_TEST1"}
	e := newEnv(t, 30*time.Minute, nil, push)
	p := e.seedCartWith(t, 10, 2)
	ctx := context.Background()

	res, err := e.svc.Initiate(ctx, e.userID, standardRequest("mpesa"))
	if err != nil {
		t.Fatalf("Initiate returned error: %v", err)
	}
	if res.Payment.Status != payments.StatusPending || res.Payment.CorrelationID != "ws_CO_TEST1" {
		t.Fatalf("expected pending ack with correlation id, got %+v", res.Payment)
	}
	if res.Order.PaymentStatus != models.PaymentProcessing {
		t.Fatalf("expected payment processing while awaiting callback, got %s", res.Order.PaymentStatus)
	}
	if res.Order.PaymentDetails.CorrelationID != "ws_CO_TEST1" {
		t.Fatal("correlation id must be persisted before control returns")
	}
	// Holds stay active while the prompt is open on the phone.
	if prod := e.mem.Product(p.ID); prod.Stock != 8 || prod.Reserved != 2 {
		t.Fatalf("expected active hold, got %+v", prod)
	}

	if err := e.svc.HandleCallback(ctx, stkCallbackJSON("ws_CO_TEST1", 0, "ok")); err != nil {
		t.Fatalf("HandleCallback returned error: %v", err)
	}

	got := e.mem.Order(res.Order.ID)
	if got.OrderStatus != models.OrderConfirmed || got.PaymentStatus != models.PaymentCompleted {
		t.Fatalf("expected confirmed/completed after callback, got %s/%s", got.OrderStatus, got.PaymentStatus)
	}
	if prod := e.mem.Product(p.ID); prod.Stock != 8 || prod.Reserved != 0 || prod.Purchases != 2 {
		t.Fatalf("expected stock confirmed, got %+v", prod)
	}
}

func TestDuplicateCallbackIsIdempotent(t *testing.T) {
	push := &fakePush{correlationID: "ws_CO_DUP"}
	// No dedup fast-path: every duplicate reaches the state machine.
	e := newEnv(t, 30*time.Minute, alwaysFirstDeduper{}, push)
	e.seedCartWith(t, 10, 2)
	ctx := context.Background()

	res, err := e.svc.Initiate(ctx, e.userID, standardRequest("mpesa"))
	if err != nil {
		t.Fatalf("Initiate returned error: %v", err)
	}

	payload := stkCallbackJSON("ws_CO_DUP", 0, "ok")
	for i := 0; i < 3; i++ {
		if err := e.svc.HandleCallback(ctx, payload); err != nil {
			t.Fatalf("delivery %d returned error: %v", i, err)
		}
	}

	got := e.mem.Order(res.Order.ID)
	if len(got.PaymentDetails.Attempts) != 1 {
		t.Fatalf("expected exactly one completed attempt, got %d", len(got.PaymentDetails.Attempts))
	}
	if e.events.count(notify.EventOrderConfirmed) != 1 {
		t.Fatalf("expected exactly one confirmed event, got %d", e.events.count(notify.EventOrderConfirmed))
	}
	holds := e.mem.Reservations(res.Order.ID)
	if len(holds) != 1 || holds[0].Status != models.ReservationConfirmed {
		t.Fatalf("expected exactly one confirmed reservation set, got %+v", holds)
	}
}

func TestCallbackFailureReleasesStock(t *testing.T) {
	push := &fakePush{correlationID: "ws_CO_FAIL"}
	e := newEnv(t, 30*time.Minute, nil, push)
	p := e.seedCartWith(t, 10, 2)
	ctx := context.Background()

	res, err := e.svc.Initiate(ctx, e.userID, standardRequest("mpesa"))
	if err != nil {
		t.Fatalf("Initiate returned error: %v", err)
	}

	if err := e.svc.HandleCallback(ctx, stkCallbackJSON("ws_CO_FAIL", 1032, "Request cancelled by user")); err != nil {
		t.Fatalf("HandleCallback returned error: %v", err)
	}

	got := e.mem.Order(res.Order.ID)
	if got.OrderStatus != models.OrderCancelled || got.PaymentStatus != models.PaymentFailed {
		t.Fatalf("expected cancelled/failed, got %s/%s", got.OrderStatus, got.PaymentStatus)
	}
	if prod := e.mem.Product(p.ID); prod.Stock != 10 || prod.Reserved != 0 {
		t.Fatalf("expected stock released, got %+v", prod)
	}
}

func TestCallbackForUnknownOrderStillAcks(t *testing.T) {
	e := newEnv(t, 30*time.Minute, nil, &fakePush{correlationID: "x"})

	if err := e.svc.HandleCallback(context.Background(), stkCallbackJSON("ws_CO_GHOST", 0, "ok")); err != nil {
		t.Fatalf("unknown correlation must not error, got %v", err)
	}
}

func TestStatusPollAppliesTerminalResult(t *testing.T) {
	push := &fakePush{correlationID: "ws_CO_POLL"}
	e := newEnv(t, 30*time.Minute, nil, push)
	e.seedCartWith(t, 10, 2)
	ctx := context.Background()

	res, err := e.svc.Initiate(ctx, e.userID, standardRequest("mpesa"))
	if err != nil {
		t.Fatalf("Initiate returned error: %v", err)
	}

	// Still processing: state untouched.
	push.poll = payments.Result{Status: payments.StatusPending, CorrelationID: "ws_CO_POLL"}
	got, err := e.svc.Status(ctx, e.userID, res.Order.ID)
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if got.PaymentStatus != models.PaymentProcessing {
		t.Fatalf("pending poll must leave state untouched, got %s", got.PaymentStatus)
	}

	// Terminal poll result applies exactly as a callback would.
	push.poll = payments.Result{Status: payments.StatusCompleted, CorrelationID: "ws_CO_POLL", ResultCode: "0"}
	got, err = e.svc.Status(ctx, e.userID, res.Order.ID)
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if got.OrderStatus != models.OrderConfirmed || got.PaymentStatus != models.PaymentCompleted {
		t.Fatalf("expected confirmed/completed after poll, got %s/%s", got.OrderStatus, got.PaymentStatus)
	}
}

func TestStatusHidesOtherUsersOrders(t *testing.T) {
	e := newEnv(t, 30*time.Minute, nil,
		&fakeSync{name: "cod", result: payments.Result{Status: payments.StatusCompleted}})
	e.seedCartWith(t, 10, 2)

	res, err := e.svc.Initiate(context.Background(), e.userID, standardRequest("cod"))
	if err != nil {
		t.Fatalf("Initiate returned error: %v", err)
	}

	_, err = e.svc.Status(context.Background(), primitive.NewObjectID(), res.Order.ID)
	if err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound for foreign order, got %v", err)
	}
}

func TestSweeperReclaimsExpiredHolds(t *testing.T) {
	push := &fakePush{correlationID: "ws_CO_SLOW"}
	// Negative hold: the reservation is born expired.
	e := newEnv(t, -time.Minute, nil, push)
	p := e.seedCartWith(t, 10, 2)
	ctx := context.Background()

	res, err := e.svc.Initiate(ctx, e.userID, standardRequest("mpesa"))
	if err != nil {
		t.Fatalf("Initiate returned error: %v", err)
	}

	swept, err := e.sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep returned error: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected one order expired, got %d", swept)
	}

	got := e.mem.Order(res.Order.ID)
	if got.OrderStatus != models.OrderCancelled || got.PaymentStatus != models.PaymentFailed {
		t.Fatalf("expected cancelled/failed, got %s/%s", got.OrderStatus, got.PaymentStatus)
	}
	if got.StatusHistory[len(got.StatusHistory)-1].Reason != "payment not completed in time" {
		t.Fatalf("expected sweeper reason in audit trail, got %+v", got.StatusHistory)
	}
	if prod := e.mem.Product(p.ID); prod.Stock != 10 || prod.Reserved != 0 {
		t.Fatalf("expected stock reclaimed, got %+v", prod)
	}
	holds := e.mem.Reservations(res.Order.ID)
	if len(holds) != 1 || holds[0].Status != models.ReservationExpired {
		t.Fatalf("expected expired reservation, got %+v", holds)
	}
}

func TestSweeperLosesRaceToCallback(t *testing.T) {
	push := &fakePush{correlationID: "ws_CO_RACE"}
	e := newEnv(t, -time.Minute, nil, push)
	p := e.seedCartWith(t, 10, 2)
	ctx := context.Background()

	res, err := e.svc.Initiate(ctx, e.userID, standardRequest("mpesa"))
	if err != nil {
		t.Fatalf("Initiate returned error: %v", err)
	}

	// Callback lands first, then the sweeper finds the same expired hold.
	if err := e.svc.HandleCallback(ctx, stkCallbackJSON("ws_CO_RACE", 0, "ok")); err != nil {
		t.Fatalf("HandleCallback returned error: %v", err)
	}
	swept, err := e.sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep returned error: %v", err)
	}
	if swept != 0 {
		t.Fatalf("sweeper must no-op on a completed order, swept %d", swept)
	}

	got := e.mem.Order(res.Order.ID)
	if got.OrderStatus != models.OrderConfirmed || got.PaymentStatus != models.PaymentCompleted {
		t.Fatalf("final state must be completed, got %s/%s", got.OrderStatus, got.PaymentStatus)
	}
	// Stock confirmed, not double-released.
	if prod := e.mem.Product(p.ID); prod.Stock != 8 || prod.Reserved != 0 || prod.Purchases != 2 {
		t.Fatalf("expected confirmed stock, got %+v", prod)
	}
}

func TestRetryPaymentAccumulatesAttempts(t *testing.T) {
	push := &fakePush{correlationID: "ws_CO_RETRY"}
	e := newEnv(t, 30*time.Minute, nil, push)
	e.seedCartWith(t, 10, 2)
	ctx := context.Background()

	res, err := e.svc.Initiate(ctx, e.userID, standardRequest("mpesa"))
	if err != nil {
		t.Fatalf("Initiate returned error: %v", err)
	}

	// The push never reached the phone; the shopper asks for another.
	outcome, err := e.svc.RetryPayment(ctx, e.userID, res.Order.ID, "", payments.Details{Phone: "254700000001"})
	if err != nil {
		t.Fatalf("RetryPayment returned error: %v", err)
	}
	if outcome.Status != payments.StatusPending {
		t.Fatalf("expected pending retry, got %+v", outcome)
	}
	if push.initiations != 2 {
		t.Fatalf("expected two provider initiations, got %d", push.initiations)
	}

	// Resolve, then further retries are rejected.
	if err := e.svc.HandleCallback(ctx, stkCallbackJSON("ws_CO_RETRY", 0, "ok")); err != nil {
		t.Fatalf("HandleCallback returned error: %v", err)
	}
	_, err = e.svc.RetryPayment(ctx, e.userID, res.Order.ID, "", payments.Details{})
	var vErr pricing.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError retrying a resolved payment, got %v", err)
	}
}

func TestQuoteDoesNotMutate(t *testing.T) {
	e := newEnv(t, 30*time.Minute, nil,
		&fakeSync{name: "cod", result: payments.Result{Status: payments.StatusCompleted}})
	p := e.seedCartWith(t, 10, 2)

	b, err := e.svc.Quote(context.Background(), e.userID, "standard", "", "Nairobi")
	if err != nil {
		t.Fatalf("Quote returned error: %v", err)
	}
	if b.Total != 2620 {
		t.Fatalf("expected total 2620, got %v", b.Total)
	}
	if prod := e.mem.Product(p.ID); prod.Stock != 10 || prod.Reserved != 0 {
		t.Fatalf("quote must not touch stock, got %+v", prod)
	}
}
