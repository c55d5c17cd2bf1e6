package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"sokoni/internal/models"
)

// Memory is the in-memory store set used by tests. WithinTx holds the store
// mutex for the whole callback and restores a snapshot on error, so the
// all-or-nothing semantics of the Mongo transaction path hold here too.
type Memory struct {
	mu           sync.Mutex
	products     map[primitive.ObjectID]models.Product
	reservations map[primitive.ObjectID]models.StockReservation
	orders       map[primitive.ObjectID]models.Order
	coupons      map[string]models.Coupon
	carts        map[primitive.ObjectID]models.Cart
}

func NewMemory() *Memory {
	return &Memory{
		products:     make(map[primitive.ObjectID]models.Product),
		reservations: make(map[primitive.ObjectID]models.StockReservation),
		orders:       make(map[primitive.ObjectID]models.Order),
		coupons:      make(map[string]models.Coupon),
		carts:        make(map[primitive.ObjectID]models.Cart),
	}
}

// Stores exposes the memory store behind the same bundle main wires for
// Mongo.
func (m *Memory) Stores() Stores {
	return Stores{
		Tx:           (*memTx)(m),
		Products:     (*memProducts)(m),
		Reservations: (*memReservations)(m),
		Orders:       (*memOrders)(m),
		Coupons:      (*memCoupons)(m),
		Carts:        (*memCarts)(m),
	}
}

var (
	_ TxManager        = (*memTx)(nil)
	_ ProductStore     = (*memProducts)(nil)
	_ ReservationStore = (*memReservations)(nil)
	_ OrderStore       = (*memOrders)(nil)
	_ CouponStore      = (*memCoupons)(nil)
	_ CartStore        = (*memCarts)(nil)
)

type txKey struct{}

func inTx(ctx context.Context) bool {
	v, _ := ctx.Value(txKey{}).(bool)
	return v
}

func (m *Memory) lock(ctx context.Context) {
	if !inTx(ctx) {
		m.mu.Lock()
	}
}

func (m *Memory) unlock(ctx context.Context) {
	if !inTx(ctx) {
		m.mu.Unlock()
	}
}

/* =========================
   SEEDING & INSPECTION
========================= */

func (m *Memory) SeedProduct(p models.Product) models.Product {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID.IsZero() {
		p.ID = primitive.NewObjectID()
	}
	m.products[p.ID] = cloneProduct(p)
	return p
}

func (m *Memory) SeedCoupon(c models.Coupon) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID.IsZero() {
		c.ID = primitive.NewObjectID()
	}
	m.coupons[c.Code] = c
}

func (m *Memory) SeedCart(c models.Cart) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID.IsZero() {
		c.ID = primitive.NewObjectID()
	}
	m.carts[c.UserID] = cloneCart(c)
}

func (m *Memory) Product(id primitive.ObjectID) models.Product {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneProduct(m.products[id])
}

func (m *Memory) Order(id primitive.ObjectID) models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneOrder(m.orders[id])
}

func (m *Memory) Reservations(orderID primitive.ObjectID) []models.StockReservation {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.StockReservation
	for _, r := range m.reservations {
		if r.OrderID == orderID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

/* =========================
   TRANSACTIONS
========================= */

type memTx Memory

func (m *memTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if inTx(ctx) {
		return fn(ctx)
	}

	mem := (*Memory)(m)
	mem.mu.Lock()
	defer mem.mu.Unlock()

	snap := mem.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		mem.restore(snap)
		return err
	}
	return nil
}

type memSnapshot struct {
	products     map[primitive.ObjectID]models.Product
	reservations map[primitive.ObjectID]models.StockReservation
	orders       map[primitive.ObjectID]models.Order
	carts        map[primitive.ObjectID]models.Cart
}

func (m *Memory) snapshot() memSnapshot {
	s := memSnapshot{
		products:     make(map[primitive.ObjectID]models.Product, len(m.products)),
		reservations: make(map[primitive.ObjectID]models.StockReservation, len(m.reservations)),
		orders:       make(map[primitive.ObjectID]models.Order, len(m.orders)),
		carts:        make(map[primitive.ObjectID]models.Cart, len(m.carts)),
	}
	for id, p := range m.products {
		s.products[id] = cloneProduct(p)
	}
	for id, r := range m.reservations {
		s.reservations[id] = r
	}
	for id, o := range m.orders {
		s.orders[id] = cloneOrder(o)
	}
	for id, c := range m.carts {
		s.carts[id] = cloneCart(c)
	}
	return s
}

func (m *Memory) restore(s memSnapshot) {
	m.products = s.products
	m.reservations = s.reservations
	m.orders = s.orders
	m.carts = s.carts
}

func cloneProduct(p models.Product) models.Product {
	cp := p
	cp.Variants = append([]models.ProductVariant(nil), p.Variants...)
	cp.Category = append(models.StringList(nil), p.Category...)
	return cp
}

func cloneOrder(o models.Order) models.Order {
	co := o
	co.Items = append([]models.OrderItem(nil), o.Items...)
	co.StatusHistory = append([]models.StatusEvent(nil), o.StatusHistory...)
	co.PaymentDetails.Attempts = append([]models.PaymentAttempt(nil), o.PaymentDetails.Attempts...)
	if o.PaymentDetails.Meta != nil {
		co.PaymentDetails.Meta = make(map[string]string, len(o.PaymentDetails.Meta))
		for k, v := range o.PaymentDetails.Meta {
			co.PaymentDetails.Meta[k] = v
		}
	}
	return co
}

func cloneCart(c models.Cart) models.Cart {
	cc := c
	cc.Items = append([]models.CartItem(nil), c.Items...)
	return cc
}

/* =========================
   PRODUCTS
========================= */

type memProducts Memory

func (m *memProducts) FindByID(ctx context.Context, id primitive.ObjectID) (models.Product, error) {
	mem := (*Memory)(m)
	mem.lock(ctx)
	defer mem.unlock(ctx)

	p, ok := mem.products[id]
	if !ok || p.IsDeleted {
		return models.Product{}, ErrNotFound
	}
	p = cloneProduct(p)
	p.InStock = p.Stock > 0
	return p, nil
}

func (m *memProducts) FindByIDs(ctx context.Context, ids []primitive.ObjectID) (map[primitive.ObjectID]models.Product, error) {
	mem := (*Memory)(m)
	mem.lock(ctx)
	defer mem.unlock(ctx)

	out := make(map[primitive.ObjectID]models.Product, len(ids))
	for _, id := range ids {
		if p, ok := mem.products[id]; ok && !p.IsDeleted {
			p = cloneProduct(p)
			p.InStock = p.Stock > 0
			out[id] = p
		}
	}
	return out, nil
}

func (m *memProducts) DecrementStock(ctx context.Context, id primitive.ObjectID, variantIndex, qty int) (bool, error) {
	mem := (*Memory)(m)
	mem.lock(ctx)
	defer mem.unlock(ctx)

	p, ok := mem.products[id]
	if !ok || p.IsDeleted {
		return false, nil
	}
	p = cloneProduct(p)

	if variantIndex < 0 {
		if p.Stock < qty {
			return false, nil
		}
		p.Stock -= qty
		p.Reserved += qty
	} else {
		if variantIndex >= len(p.Variants) || p.Variants[variantIndex].Stock < qty {
			return false, nil
		}
		p.Variants[variantIndex].Stock -= qty
		p.Variants[variantIndex].Reserved += qty
	}
	p.UpdatedAt = time.Now()
	mem.products[id] = p
	return true, nil
}

func (m *memProducts) RestoreStock(ctx context.Context, id primitive.ObjectID, variantIndex, qty int) error {
	mem := (*Memory)(m)
	mem.lock(ctx)
	defer mem.unlock(ctx)

	p, ok := mem.products[id]
	if !ok {
		return ErrNotFound
	}
	p = cloneProduct(p)
	if variantIndex < 0 {
		p.Stock += qty
		p.Reserved -= qty
	} else if variantIndex < len(p.Variants) {
		p.Variants[variantIndex].Stock += qty
		p.Variants[variantIndex].Reserved -= qty
	}
	p.UpdatedAt = time.Now()
	mem.products[id] = p
	return nil
}

func (m *memProducts) FinalizeStock(ctx context.Context, id primitive.ObjectID, variantIndex, qty int) error {
	mem := (*Memory)(m)
	mem.lock(ctx)
	defer mem.unlock(ctx)

	p, ok := mem.products[id]
	if !ok {
		return ErrNotFound
	}
	p = cloneProduct(p)
	if variantIndex < 0 {
		p.Reserved -= qty
	} else if variantIndex < len(p.Variants) {
		p.Variants[variantIndex].Reserved -= qty
	}
	p.Purchases += qty
	p.UpdatedAt = time.Now()
	mem.products[id] = p
	return nil
}

/* =========================
   RESERVATIONS
========================= */

type memReservations Memory

func (m *memReservations) Insert(ctx context.Context, r models.StockReservation) error {
	mem := (*Memory)(m)
	mem.lock(ctx)
	defer mem.unlock(ctx)

	if r.ID.IsZero() {
		r.ID = primitive.NewObjectID()
	}
	mem.reservations[r.ID] = r
	return nil
}

func (m *memReservations) ActiveByOrder(ctx context.Context, orderID primitive.ObjectID) ([]models.StockReservation, error) {
	mem := (*Memory)(m)
	mem.lock(ctx)
	defer mem.unlock(ctx)

	var out []models.StockReservation
	for _, r := range mem.reservations {
		if r.OrderID == orderID && r.Status == models.ReservationActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memReservations) MarkStatus(ctx context.Context, id primitive.ObjectID, from, to models.ReservationStatus) (bool, error) {
	mem := (*Memory)(m)
	mem.lock(ctx)
	defer mem.unlock(ctx)

	r, ok := mem.reservations[id]
	if !ok || r.Status != from {
		return false, nil
	}
	r.Status = to
	mem.reservations[id] = r
	return true, nil
}

func (m *memReservations) ExpiredActive(ctx context.Context, now time.Time, limit int64) ([]models.StockReservation, error) {
	mem := (*Memory)(m)
	mem.lock(ctx)
	defer mem.unlock(ctx)

	var out []models.StockReservation
	for _, r := range mem.reservations {
		if r.Status == models.ReservationActive && r.ExpiresAt.Before(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

/* =========================
   ORDERS
========================= */

type memOrders Memory

func (m *memOrders) Insert(ctx context.Context, o *models.Order) error {
	mem := (*Memory)(m)
	mem.lock(ctx)
	defer mem.unlock(ctx)

	if o.ID.IsZero() {
		o.ID = primitive.NewObjectID()
	}
	mem.orders[o.ID] = cloneOrder(*o)
	return nil
}

func (m *memOrders) FindByID(ctx context.Context, id primitive.ObjectID) (models.Order, error) {
	mem := (*Memory)(m)
	mem.lock(ctx)
	defer mem.unlock(ctx)

	o, ok := mem.orders[id]
	if !ok {
		return models.Order{}, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (m *memOrders) FindByCorrelationID(ctx context.Context, correlationID string) (models.Order, error) {
	mem := (*Memory)(m)
	mem.lock(ctx)
	defer mem.unlock(ctx)

	for _, o := range mem.orders {
		if o.PaymentDetails.CorrelationID == correlationID && correlationID != "" {
			return cloneOrder(o), nil
		}
	}
	return models.Order{}, ErrNotFound
}

func (m *memOrders) ListByUser(ctx context.Context, userID primitive.ObjectID, page, limit int64) ([]models.Order, error) {
	mem := (*Memory)(m)
	mem.lock(ctx)
	defer mem.unlock(ctx)

	var out []models.Order
	for _, o := range mem.orders {
		if o.UserID == userID {
			out = append(out, cloneOrder(o))
		}
	}
	return paginateOrders(out, page, limit), nil
}

func (m *memOrders) List(ctx context.Context, status models.OrderStatus, page, limit int64) ([]models.Order, error) {
	mem := (*Memory)(m)
	mem.lock(ctx)
	defer mem.unlock(ctx)

	var out []models.Order
	for _, o := range mem.orders {
		if status == "" || o.OrderStatus == status {
			out = append(out, cloneOrder(o))
		}
	}
	return paginateOrders(out, page, limit), nil
}

func paginateOrders(orders []models.Order, page, limit int64) []models.Order {
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })
	start := (page - 1) * limit
	if start >= int64(len(orders)) {
		return []models.Order{}
	}
	end := start + limit
	if end > int64(len(orders)) {
		end = int64(len(orders))
	}
	return orders[start:end]
}

func (m *memOrders) UpdateOrderStatus(ctx context.Context, id primitive.ObjectID, from []models.OrderStatus, to models.OrderStatus, ev models.StatusEvent) (bool, error) {
	mem := (*Memory)(m)
	mem.lock(ctx)
	defer mem.unlock(ctx)

	o, ok := mem.orders[id]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, f := range from {
		if o.OrderStatus == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}
	o = cloneOrder(o)
	o.OrderStatus = to
	o.StatusHistory = append(o.StatusHistory, ev)
	o.UpdatedAt = time.Now()
	mem.orders[id] = o
	return true, nil
}

func (m *memOrders) UpdatePaymentStatus(ctx context.Context, id primitive.ObjectID, from []models.PaymentStatus, to models.PaymentStatus) (bool, error) {
	mem := (*Memory)(m)
	mem.lock(ctx)
	defer mem.unlock(ctx)

	o, ok := mem.orders[id]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, f := range from {
		if o.PaymentStatus == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}
	o = cloneOrder(o)
	o.PaymentStatus = to
	o.UpdatedAt = time.Now()
	mem.orders[id] = o
	return true, nil
}

func (m *memOrders) SetCorrelation(ctx context.Context, id primitive.ObjectID, provider, correlationID string, meta map[string]string) error {
	mem := (*Memory)(m)
	mem.lock(ctx)
	defer mem.unlock(ctx)

	o, ok := mem.orders[id]
	if !ok {
		return ErrNotFound
	}
	o = cloneOrder(o)
	o.PaymentDetails.Provider = provider
	o.PaymentDetails.CorrelationID = correlationID
	if meta != nil {
		o.PaymentDetails.Meta = meta
	}
	o.UpdatedAt = time.Now()
	mem.orders[id] = o
	return nil
}

func (m *memOrders) AppendAttempt(ctx context.Context, id primitive.ObjectID, at models.PaymentAttempt) error {
	mem := (*Memory)(m)
	mem.lock(ctx)
	defer mem.unlock(ctx)

	o, ok := mem.orders[id]
	if !ok {
		return ErrNotFound
	}
	o = cloneOrder(o)
	o.PaymentDetails.Attempts = append(o.PaymentDetails.Attempts, at)
	o.UpdatedAt = time.Now()
	mem.orders[id] = o
	return nil
}

func (m *memOrders) SetTracking(ctx context.Context, id primitive.ObjectID, t models.TrackingInfo) error {
	mem := (*Memory)(m)
	mem.lock(ctx)
	defer mem.unlock(ctx)

	o, ok := mem.orders[id]
	if !ok {
		return ErrNotFound
	}
	o = cloneOrder(o)
	o.Tracking = &t
	o.UpdatedAt = time.Now()
	mem.orders[id] = o
	return nil
}

func (m *memOrders) SetEstimatedDelivery(ctx context.Context, id primitive.ObjectID, at time.Time) error {
	mem := (*Memory)(m)
	mem.lock(ctx)
	defer mem.unlock(ctx)

	o, ok := mem.orders[id]
	if !ok {
		return ErrNotFound
	}
	o = cloneOrder(o)
	o.EstimatedDelivery = &at
	mem.orders[id] = o
	return nil
}

func (m *memOrders) SetDeliveredAt(ctx context.Context, id primitive.ObjectID, at time.Time) error {
	mem := (*Memory)(m)
	mem.lock(ctx)
	defer mem.unlock(ctx)

	o, ok := mem.orders[id]
	if !ok {
		return ErrNotFound
	}
	o = cloneOrder(o)
	o.DeliveredAt = &at
	mem.orders[id] = o
	return nil
}

/* =========================
   COUPONS
========================= */

type memCoupons Memory

func (m *memCoupons) FindByCode(ctx context.Context, code string) (models.Coupon, error) {
	mem := (*Memory)(m)
	mem.lock(ctx)
	defer mem.unlock(ctx)

	c, ok := mem.coupons[code]
	if !ok || !c.IsActive {
		return models.Coupon{}, ErrNotFound
	}
	return c, nil
}

/* =========================
   CARTS
========================= */

type memCarts Memory

func (m *memCarts) FindByUser(ctx context.Context, userID primitive.ObjectID) (models.Cart, error) {
	mem := (*Memory)(m)
	mem.lock(ctx)
	defer mem.unlock(ctx)

	c, ok := mem.carts[userID]
	if !ok {
		return models.Cart{}, ErrNotFound
	}
	return cloneCart(c), nil
}

func (m *memCarts) Replace(ctx context.Context, cart models.Cart) error {
	mem := (*Memory)(m)
	mem.lock(ctx)
	defer mem.unlock(ctx)

	if cart.ID.IsZero() {
		cart.ID = primitive.NewObjectID()
	}
	cart.UpdatedAt = time.Now()
	mem.carts[cart.UserID] = cloneCart(cart)
	return nil
}

func (m *memCarts) Clear(ctx context.Context, userID primitive.ObjectID) error {
	mem := (*Memory)(m)
	mem.lock(ctx)
	defer mem.unlock(ctx)

	c, ok := mem.carts[userID]
	if !ok {
		return nil
	}
	c.Items = []models.CartItem{}
	c.UpdatedAt = time.Now()
	mem.carts[userID] = c
	return nil
}
