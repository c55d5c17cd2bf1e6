package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"sokoni/internal/checkout"
	"sokoni/internal/inventory"
	"sokoni/internal/models"
	"sokoni/internal/notify"
	"sokoni/internal/orders"
	"sokoni/internal/payments"
	"sokoni/internal/pricing"
	"sokoni/internal/redisx"
	"sokoni/internal/store"
)

func newTestCheckoutService(mem *store.Memory) *checkout.Service {
	s := mem.Stores()
	inv := inventory.NewManager(s.Tx, s.Products, s.Reservations)
	ordersvc := orders.NewService(s.Tx, s.Orders, s.Carts, inv, notify.Nop{})
	return checkout.NewService(
		checkout.Options{
			Pricing: pricing.Config{
				TaxRate:       0.16,
				ShippingRates: map[string]float64{"standard": 300},
			},
			Hold: 30 * time.Minute,
		},
		s, inv, ordersvc, payments.NewRegistry(), redisx.NewMemoryClient(),
	)
}

func TestMpesaCallbackAlwaysAcks(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newTestCheckoutService(store.NewMemory())

	r := gin.New()
	r.POST("/payments/mpesa/callback", MpesaCallback(svc))

	// Even garbage gets the fixed ack; the provider must stop redelivering.
	for _, body := range []string{
		"not json at all",
		`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_NOBODY","ResultCode":0,"ResultDesc":"ok"}}}`,
	} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/payments/mpesa/callback", strings.NewReader(body))
		r.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d for body %q", w.Code, body)
		}
		var ack struct {
			ResultCode int    `json:"ResultCode"`
			ResultDesc string `json:"ResultDesc"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &ack); err != nil {
			t.Fatalf("unparseable ack: %v", err)
		}
		if ack.ResultCode != 0 || ack.ResultDesc != "Accepted" {
			t.Fatalf("unexpected ack %+v", ack)
		}
	}
}

func TestGetProductAvailabilityPools(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mem := store.NewMemory()
	p := mem.SeedProduct(models.Product{
		Name:  "Tea",
		Price: 500,
		Stock: 3,
		Variants: []models.ProductVariant{
			{Name: "500g", Stock: 0},
			{Name: "1kg", Stock: 7},
		},
	})

	r := gin.New()
	r.GET("/products/:id/availability", GetProductAvailability(mem.Stores().Products))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/products/"+p.ID.Hex()+"/availability", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Pools []poolAvailability `json:"pools"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Pools) != 3 {
		t.Fatalf("expected main pool plus two variants, got %+v", resp.Pools)
	}
	if !resp.Pools[0].InStock || resp.Pools[0].Available != 3 {
		t.Fatalf("unexpected main pool %+v", resp.Pools[0])
	}
	if resp.Pools[1].InStock {
		t.Fatalf("empty variant must report out of stock, got %+v", resp.Pools[1])
	}
}

func TestGetProductAvailabilityUnknownID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mem := store.NewMemory()

	r := gin.New()
	r.GET("/products/:id/availability", GetProductAvailability(mem.Stores().Products))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/products/"+primitive.NewObjectID().Hex()+"/availability", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestGetCheckoutSummaryReadsCouponCodeParam(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mem := store.NewMemory()
	svc := newTestCheckoutService(mem)

	userID := primitive.NewObjectID()
	p := mem.SeedProduct(models.Product{Name: "Tea", Price: 1000, Stock: 10})
	mem.SeedCart(models.Cart{UserID: userID, Items: []models.CartItem{{ProductID: p.ID, Quantity: 2}}})
	mem.SeedCoupon(models.Coupon{
		Code: "WELCOME10", Type: models.CouponPercentage, Value: 10, MinOrder: 1000, IsActive: true,
	})

	r := gin.New()
	r.GET("/checkout/summary", func(c *gin.Context) {
		c.Set("userId", userID)
	}, GetCheckoutSummary(svc))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/checkout/summary?couponCode=WELCOME10", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var b pricing.Breakdown
	if err := json.Unmarshal(w.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b.Discount != 200 {
		t.Fatalf("expected coupon discount 200, got %v", b.Discount)
	}
}

func TestCheckoutRequiresAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newTestCheckoutService(store.NewMemory())

	r := gin.New()
	// No auth middleware: the handler itself must refuse when no user was
	// injected.
	r.POST("/checkout", InitiateCheckout(svc))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(`{}`))
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}
