package checkout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"sokoni/internal/inventory"
	"sokoni/internal/models"
	"sokoni/internal/orders"
	"sokoni/internal/payments"
	"sokoni/internal/pricing"
	"sokoni/internal/redisx"
	"sokoni/internal/store"
)

// Options is the injected engine configuration.
type Options struct {
	Pricing pricing.Config
	// Hold is how long a reservation waits for payment before the sweeper
	// reclaims it.
	Hold time.Duration
}

// InitiateRequest is everything a checkout needs beyond the stored cart.
type InitiateRequest struct {
	ShippingAddress models.OrderAddress
	BillingAddress  models.OrderAddress
	ShippingMethod  string
	CouponCode      string
	PaymentMethod   string
	PaymentDetails  payments.Details
}

// PaymentOutcome is the payment half of a checkout response: either terminal
// or a pending acknowledgment the client polls on.
type PaymentOutcome struct {
	Status        payments.Status   `json:"status"`
	CorrelationID string            `json:"correlationId,omitempty"`
	ProviderRefs  map[string]string `json:"providerRefs,omitempty"`
	FailureReason string            `json:"failureReason,omitempty"`
}

// InitiateResult is the full checkout response.
type InitiateResult struct {
	Order     models.Order      `json:"order"`
	Breakdown pricing.Breakdown `json:"breakdown"`
	Payment   PaymentOutcome    `json:"payment"`
}

// Service sequences a checkout: snapshot the cart, validate availability,
// price, create the order, reserve stock, request payment. Any failure after
// order creation lands the order in a terminal state with no dangling
// reservation; the sweeper is the backstop for anything that still slips
// through.
type Service struct {
	opts      Options
	products  store.ProductStore
	orderDocs store.OrderStore
	coupons   store.CouponStore
	carts     store.CartStore
	inventory *inventory.Manager
	orders    *orders.Service
	providers payments.Registry
	dedup     redisx.Deduper
}

func NewService(
	opts Options,
	s store.Stores,
	inv *inventory.Manager,
	ordersvc *orders.Service,
	providers payments.Registry,
	dedup redisx.Deduper,
) *Service {
	return &Service{
		opts:      opts,
		products:  s.Products,
		orderDocs: s.Orders,
		coupons:   s.Coupons,
		carts:     s.Carts,
		inventory: inv,
		orders:    ordersvc,
		providers: providers,
		dedup:     dedup,
	}
}

/* =========================
   CART RESOLUTION
========================= */

type resolvedCart struct {
	invLines   []inventory.Line
	priceLines []pricing.Line
	snapshots  []itemSnapshot
}

// itemSnapshot holds the catalog fields copied verbatim onto the order item,
// so later catalog edits never rewrite order history.
type itemSnapshot struct {
	sku       string
	imagePath string
}

func (s *Service) loadCart(ctx context.Context, userID primitive.ObjectID) (models.Cart, error) {
	cart, err := s.carts.FindByUser(ctx, userID)
	if err == store.ErrNotFound || (err == nil && len(cart.Items) == 0) {
		return models.Cart{}, pricing.ValidationError{Reason: "cart is empty"}
	}
	return cart, err
}

// resolveCart joins cart lines against the live catalog, locating the stock
// pool and the pricing inputs for every line.
func (s *Service) resolveCart(ctx context.Context, cart models.Cart) (resolvedCart, error) {
	ids := make([]primitive.ObjectID, 0, len(cart.Items))
	for _, item := range cart.Items {
		ids = append(ids, item.ProductID)
	}

	catalog, err := s.products.FindByIDs(ctx, ids)
	if err != nil {
		return resolvedCart{}, err
	}

	var rc resolvedCart
	for _, item := range cart.Items {
		p, ok := catalog[item.ProductID]
		if !ok {
			return resolvedCart{}, pricing.ValidationError{
				Reason: fmt.Sprintf("product %s is no longer available", item.ProductID.Hex()),
			}
		}

		variantIndex := -1
		variantPrice := 0.0
		sku := p.SKU
		if item.Variant != "" {
			variantIndex = p.VariantByName(item.Variant)
			if variantIndex < 0 {
				return resolvedCart{}, pricing.ValidationError{
					Reason: fmt.Sprintf("%s has no variant %q", p.Name, item.Variant),
				}
			}
			variantPrice = p.Variants[variantIndex].Price
			if p.Variants[variantIndex].SKU != "" {
				sku = p.Variants[variantIndex].SKU
			}
		}

		rc.invLines = append(rc.invLines, inventory.Line{
			ProductID:    p.ID,
			Name:         p.Name,
			Variant:      item.Variant,
			VariantIndex: variantIndex,
			Quantity:     item.Quantity,
		})
		rc.snapshots = append(rc.snapshots, itemSnapshot{
			sku:       sku,
			imagePath: p.ImagePath,
		})
		rc.priceLines = append(rc.priceLines, pricing.Line{
			ProductID:       p.ID,
			Name:            p.Name,
			UnitPrice:       p.Price,
			DiscountPercent: p.Discount,
			VariantPrice:    variantPrice,
			Variant:         item.Variant,
			Quantity:        item.Quantity,
		})
	}
	return rc, nil
}

func (s *Service) resolveCoupon(ctx context.Context, code string) (*models.Coupon, error) {
	if code == "" {
		return nil, nil
	}
	coupon, err := s.coupons.FindByCode(ctx, code)
	if err == store.ErrNotFound {
		return nil, pricing.CouponError{Code: code, Reason: "unknown or inactive code"}
	}
	if err != nil {
		return nil, err
	}
	if coupon.ExpiresAt != nil && coupon.ExpiresAt.Before(time.Now()) {
		return nil, pricing.CouponError{Code: code, Reason: "coupon has expired"}
	}
	return &coupon, nil
}

/* =========================
   QUOTE
========================= */

// Quote prices the caller's current cart without committing anything; it
// only ever touches the pricing calculator and reference data.
func (s *Service) Quote(ctx context.Context, userID primitive.ObjectID, shippingMethod, couponCode, city string) (pricing.Breakdown, error) {
	cart, err := s.loadCart(ctx, userID)
	if err != nil {
		return pricing.Breakdown{}, err
	}
	rc, err := s.resolveCart(ctx, cart)
	if err != nil {
		return pricing.Breakdown{}, err
	}
	coupon, err := s.resolveCoupon(ctx, couponCode)
	if err != nil {
		return pricing.Breakdown{}, err
	}

	return pricing.Calculate(s.opts.Pricing, pricing.Input{
		Lines:          rc.priceLines,
		ShippingMethod: shippingMethod,
		City:           city,
		Coupon:         coupon,
	})
}

/* =========================
   INITIATE
========================= */

// Initiate runs the full checkout sequence for the caller's current cart.
func (s *Service) Initiate(ctx context.Context, userID primitive.ObjectID, req InitiateRequest) (InitiateResult, error) {
	// Reject an unknown method or incomplete payment details before
	// anything is created.
	provider, err := s.providers.Get(req.PaymentMethod)
	if err != nil {
		return InitiateResult{}, err
	}
	if err := validateDetails(provider, req.PaymentDetails); err != nil {
		return InitiateResult{}, err
	}

	cart, err := s.loadCart(ctx, userID)
	if err != nil {
		return InitiateResult{}, err
	}
	rc, err := s.resolveCart(ctx, cart)
	if err != nil {
		return InitiateResult{}, err
	}

	if err := s.inventory.Validate(ctx, rc.invLines); err != nil {
		return InitiateResult{}, err
	}

	coupon, err := s.resolveCoupon(ctx, req.CouponCode)
	if err != nil {
		return InitiateResult{}, err
	}
	breakdown, err := pricing.Calculate(s.opts.Pricing, pricing.Input{
		Lines:          rc.priceLines,
		ShippingMethod: req.ShippingMethod,
		City:           req.ShippingAddress.City,
		Coupon:         coupon,
	})
	if err != nil {
		return InitiateResult{}, err
	}

	order := s.buildOrder(userID, req, rc, breakdown)
	if err := s.orderDocs.Insert(ctx, &order); err != nil {
		return InitiateResult{}, err
	}

	if err := s.inventory.Reserve(ctx, order.ID, rc.invLines, s.opts.Hold); err != nil {
		// The order exists but holds nothing; close it out so it cannot sit
		// in pending forever.
		if cErr := s.orders.Cancel(ctx, order.ID, "inventory reservation failed", orders.ActorSystem); cErr != nil {
			log.Println("[CHECKOUT] [ERROR] failed to cancel order after reserve failure:", cErr)
		}
		return InitiateResult{}, err
	}

	outcome := s.pay(ctx, order, provider, req.PaymentDetails)

	final, err := s.orderDocs.FindByID(ctx, order.ID)
	if err != nil {
		final = order
	}
	return InitiateResult{Order: final, Breakdown: breakdown, Payment: outcome}, nil
}

func (s *Service) buildOrder(userID primitive.ObjectID, req InitiateRequest, rc resolvedCart, b pricing.Breakdown) models.Order {
	now := time.Now()

	items := make([]models.OrderItem, 0, len(b.Items))
	for i, line := range b.Items {
		items = append(items, models.OrderItem{
			ProductID:    line.ProductID,
			Name:         line.Name,
			SKU:          rc.snapshots[i].sku,
			ImagePath:    rc.snapshots[i].imagePath,
			Price:        line.UnitPrice,
			Quantity:     line.Quantity,
			Variant:      line.Variant,
			VariantIndex: rc.invLines[i].VariantIndex,
			Total:        line.Total,
		})
	}

	billing := req.BillingAddress
	if billing.Detail == "" {
		billing = req.ShippingAddress
	}

	return models.Order{
		OrderNumber:     newOrderNumber(now),
		UserID:          userID,
		Items:           items,
		Subtotal:        b.Subtotal,
		Tax:             b.Tax,
		Shipping:        b.Shipping,
		Discount:        b.Discount,
		Total:           b.Total,
		CouponCode:      req.CouponCode,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  billing,
		ShippingMethod:  req.ShippingMethod,
		PaymentMethod:   req.PaymentMethod,
		PaymentStatus:   models.PaymentPending,
		OrderStatus:     models.OrderPending,
		StatusHistory: []models.StatusEvent{{
			Status: string(models.OrderPending),
			Reason: "order created",
			Actor:  orders.ActorCustomer,
			At:     now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newOrderNumber(now time.Time) string {
	return fmt.Sprintf("ORD-%s-%s", now.Format("20060102"),
		strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6]))
}

/* =========================
   PAYMENT
========================= */

// RetryPayment runs another payment attempt against an order whose payment
// has not resolved yet.
func (s *Service) RetryPayment(ctx context.Context, userID, orderID primitive.ObjectID, method string, details payments.Details) (PaymentOutcome, error) {
	order, err := s.orderDocs.FindByID(ctx, orderID)
	if err != nil {
		return PaymentOutcome{}, err
	}
	if order.UserID != userID {
		return PaymentOutcome{}, store.ErrNotFound
	}
	if order.PaymentStatus.Terminal() {
		return PaymentOutcome{}, pricing.ValidationError{
			Reason: fmt.Sprintf("payment already %s", order.PaymentStatus),
		}
	}

	if method == "" {
		method = order.PaymentMethod
	}
	provider, err := s.providers.Get(method)
	if err != nil {
		return PaymentOutcome{}, err
	}
	if err := validateDetails(provider, details); err != nil {
		return PaymentOutcome{}, err
	}

	return s.pay(ctx, order, provider, details), nil
}

// validateDetails asks providers that require shopper-supplied fields to
// check them before any order or reservation exists.
func validateDetails(provider payments.Provider, d payments.Details) error {
	v, ok := provider.(payments.DetailsValidator)
	if !ok {
		return nil
	}
	if err := v.ValidateDetails(d); err != nil {
		return pricing.ValidationError{Reason: err.Error()}
	}
	return nil
}

// pay invokes the provider and applies the outcome to the state machine.
// Synchronous results resolve the order inline; a pending result persists
// the correlation id before control returns, so a callback arriving first
// can always find its order.
func (s *Service) pay(ctx context.Context, order models.Order, provider payments.Provider, details payments.Details) PaymentOutcome {
	result, err := provider.Initiate(ctx, order, details)
	if err != nil {
		// Transport failure, not a decline: fail the order and release the
		// holds so a slow gateway cannot strand inventory.
		log.Printf("[CHECKOUT] [ERROR] %s initiate failed for %s: %v", provider.Name(), order.OrderNumber, err)
		s.applyResult(ctx, order.ID, provider.Name(), payments.Result{
			Status:        payments.StatusFailed,
			FailureReason: "payment provider unavailable",
		}, order.Total)
		return PaymentOutcome{Status: payments.StatusFailed, FailureReason: "payment provider unavailable"}
	}

	if result.Status == payments.StatusPending {
		if err := s.orderDocs.SetCorrelation(ctx, order.ID, provider.Name(), result.CorrelationID, result.ProviderRefs); err != nil {
			log.Println("[CHECKOUT] [ERROR] failed to persist correlation id:", err)
			s.applyResult(ctx, order.ID, provider.Name(), payments.Result{
				Status:        payments.StatusFailed,
				FailureReason: "payment could not be tracked",
			}, order.Total)
			return PaymentOutcome{Status: payments.StatusFailed, FailureReason: "payment could not be tracked"}
		}
		if _, err := s.orderDocs.UpdatePaymentStatus(ctx, order.ID,
			[]models.PaymentStatus{models.PaymentPending}, models.PaymentProcessing); err != nil {
			log.Println("[CHECKOUT] [ERROR] failed to mark payment processing:", err)
		}
		return PaymentOutcome{
			Status:        payments.StatusPending,
			CorrelationID: result.CorrelationID,
			ProviderRefs:  result.ProviderRefs,
		}
	}

	s.applyResult(ctx, order.ID, provider.Name(), result, order.Total)
	return PaymentOutcome{
		Status:        result.Status,
		ProviderRefs:  result.ProviderRefs,
		FailureReason: result.FailureReason,
	}
}

// applyResult drives the state machine with a terminal provider result.
// ErrAlreadyFinal means another path resolved the order first, which is the
// designed outcome of every duplicate/race, so it is swallowed here.
func (s *Service) applyResult(ctx context.Context, orderID primitive.ObjectID, providerName string, result payments.Result, amount float64) {
	attempt := models.PaymentAttempt{
		Provider:      providerName,
		Amount:        amount,
		ResultCode:    result.ResultCode,
		FailureReason: result.FailureReason,
		ProviderRefs:  result.ProviderRefs,
		At:            time.Now(),
	}

	var err error
	switch result.Status {
	case payments.StatusCompleted:
		err = s.orders.ConfirmPayment(ctx, orderID, attempt)
	case payments.StatusFailed:
		err = s.orders.FailPayment(ctx, orderID, attempt)
	default:
		return
	}
	if err != nil && !errors.Is(err, orders.ErrAlreadyFinal) {
		log.Printf("[CHECKOUT] [ERROR] applying %s payment result to %s: %v", result.Status, orderID.Hex(), err)
	}
}

/* =========================
   CALLBACK & STATUS
========================= */

// HandleCallback processes one inbound provider notification. It is safe for
// duplicate deliveries: a Redis fast-path drops repeats cheaply, and the
// guarded terminal-state write is the authoritative check behind it. Every
// return path acknowledges; the provider retries on transport failures only.
func (s *Service) HandleCallback(ctx context.Context, raw []byte) error {
	correlationID, result, err := payments.ParseSTKCallback(raw)
	if err != nil {
		log.Println("[CALLBACK] [ERROR] unparseable payload:", err)
		return err
	}

	first, err := s.dedup.MarkOnce(ctx, redisx.CallbackDedupKey(correlationID, result.ResultCode), redisx.TTLCallbackDedup)
	if err != nil {
		// Redis down: fall through to the authoritative check.
		log.Println("[CALLBACK] [WARN] dedup unavailable:", err)
	} else if !first {
		log.Println("[CALLBACK] [INFO] duplicate delivery ignored:", correlationID)
		return nil
	}

	order, err := s.orderDocs.FindByCorrelationID(ctx, correlationID)
	if err == store.ErrNotFound {
		log.Println("[CALLBACK] [WARN] no order for correlation id:", correlationID)
		return nil
	}
	if err != nil {
		return err
	}
	if order.PaymentStatus.Terminal() {
		log.Println("[CALLBACK] [INFO] order already resolved:", order.OrderNumber)
		return nil
	}

	s.applyResult(ctx, order.ID, order.PaymentDetails.Provider, result, order.Total)
	return nil
}

// Status reports the caller's order, actively polling the provider when the
// payment is still unresolved. A "still processing" poll leaves state
// untouched; a terminal poll result updates state exactly as a callback
// would.
func (s *Service) Status(ctx context.Context, userID, orderID primitive.ObjectID) (models.Order, error) {
	order, err := s.orderDocs.FindByID(ctx, orderID)
	if err != nil {
		return models.Order{}, err
	}
	if order.UserID != userID {
		return models.Order{}, store.ErrNotFound
	}

	if order.PaymentStatus.Terminal() || order.PaymentDetails.CorrelationID == "" {
		return order, nil
	}

	provider, err := s.providers.Get(order.PaymentDetails.Provider)
	if err != nil {
		return order, nil
	}

	result, err := provider.QueryStatus(ctx, order)
	if err != nil {
		if !errors.Is(err, payments.ErrNotPollable) {
			log.Printf("[STATUS] [ERROR] polling %s for %s: %v", provider.Name(), order.OrderNumber, err)
		}
		return order, nil
	}
	if result.Status == payments.StatusPending {
		return order, nil
	}

	s.applyResult(ctx, order.ID, provider.Name(), result, order.Total)
	return s.orderDocs.FindByID(ctx, orderID)
}
