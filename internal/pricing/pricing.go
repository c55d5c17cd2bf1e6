package pricing

import (
	"fmt"
	"math"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"sokoni/internal/models"
)

// Config carries the rates the calculator applies. Tax rate and free-shipping
// threshold are injected, not owned here.
type Config struct {
	TaxRate               float64
	FreeShippingThreshold float64
	// ShippingRates maps shipping method name to its base rate.
	ShippingRates map[string]float64
	// RemoteAreas holds lower-cased city/county names whose shipping cost is
	// multiplied by RemoteSurcharge.
	RemoteAreas     map[string]bool
	RemoteSurcharge float64
}

// Line is one cart line with its product data already resolved. VariantPrice
// above zero overrides both the base price and the product discount.
type Line struct {
	ProductID       primitive.ObjectID
	Name            string
	UnitPrice       float64
	DiscountPercent float64
	VariantPrice    float64
	Variant         string
	Quantity        int
}

// Input is everything one pricing run looks at. Coupon is the resolved coupon
// document, nil when the shopper supplied no code; resolving the code against
// the store is the caller's job so the calculator stays pure.
type Input struct {
	Lines          []Line
	ShippingMethod string
	City           string
	Coupon         *models.Coupon
}

// ItemBreakdown is the per-line part of a Breakdown.
type ItemBreakdown struct {
	ProductID primitive.ObjectID `json:"productId"`
	Name      string             `json:"name"`
	Variant   string             `json:"variant,omitempty"`
	UnitPrice float64            `json:"unitPrice"`
	Quantity  int                `json:"quantity"`
	Total     float64            `json:"total"`
}

// Breakdown is the monetary result of one pricing run.
// Total == Subtotal + Tax + Shipping - Discount.
type Breakdown struct {
	Items    []ItemBreakdown `json:"items"`
	Subtotal float64         `json:"subtotal"`
	Tax      float64         `json:"taxAmount"`
	Shipping float64         `json:"shippingAmount"`
	Discount float64         `json:"discountAmount"`
	Total    float64         `json:"totalAmount"`
}

// ValidationError rejects bad pricing input before any money math happens.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string { return e.Reason }

// CouponError rejects a coupon that cannot apply to this order. An invalid
// code is an error the shopper sees, never a silently ignored discount.
type CouponError struct {
	Code   string
	Reason string
}

func (e CouponError) Error() string {
	return fmt.Sprintf("coupon %q: %s", e.Code, e.Reason)
}

// RemoteAreaSet builds the lookup set Config.RemoteAreas expects from
// configured names, lower-casing and trimming so naturally-cased values
// still match the lower-cased city lookup.
func RemoteAreaSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			set[name] = true
		}
	}
	return set
}

// EffectivePrice resolves the unit price for a line: a variant override wins
// over everything, else a product percentage discount applies to the base
// price.
func EffectivePrice(unitPrice, discountPercent, variantPrice float64) float64 {
	if variantPrice > 0 {
		return variantPrice
	}
	if discountPercent > 0 && discountPercent < 100 {
		return round2(unitPrice * (100 - discountPercent) / 100)
	}
	return unitPrice
}

// Calculate computes the full monetary breakdown for a cart snapshot. It is a
// pure function: no stock is touched and identical input yields identical
// output, so it is safe to call for previews before committing a checkout.
func Calculate(cfg Config, in Input) (Breakdown, error) {
	if len(in.Lines) == 0 {
		return Breakdown{}, ValidationError{Reason: "cart is empty"}
	}

	var b Breakdown
	b.Items = make([]ItemBreakdown, 0, len(in.Lines))

	for _, line := range in.Lines {
		if line.Quantity <= 0 {
			return Breakdown{}, ValidationError{
				Reason: fmt.Sprintf("quantity must be positive for %s", line.Name),
			}
		}

		unit := EffectivePrice(line.UnitPrice, line.DiscountPercent, line.VariantPrice)
		total := round2(unit * float64(line.Quantity))

		b.Items = append(b.Items, ItemBreakdown{
			ProductID: line.ProductID,
			Name:      line.Name,
			Variant:   line.Variant,
			UnitPrice: unit,
			Quantity:  line.Quantity,
			Total:     total,
		})
		b.Subtotal += total
	}
	b.Subtotal = round2(b.Subtotal)

	shipping, err := shippingCost(cfg, in.ShippingMethod, in.City, b.Subtotal)
	if err != nil {
		return Breakdown{}, err
	}
	b.Shipping = shipping

	b.Tax = round2(b.Subtotal * cfg.TaxRate)

	discount, err := couponDiscount(in.Coupon, b.Subtotal)
	if err != nil {
		return Breakdown{}, err
	}
	b.Discount = discount

	b.Total = round2(b.Subtotal + b.Tax + b.Shipping - b.Discount)
	return b, nil
}

func shippingCost(cfg Config, method, city string, subtotal float64) (float64, error) {
	if subtotal >= cfg.FreeShippingThreshold {
		return 0, nil
	}

	rate, ok := cfg.ShippingRates[method]
	if !ok {
		return 0, ValidationError{Reason: fmt.Sprintf("unknown shipping method %q", method)}
	}

	if cfg.RemoteAreas[strings.ToLower(strings.TrimSpace(city))] {
		rate = rate * cfg.RemoteSurcharge
	}
	return round2(rate), nil
}

func couponDiscount(coupon *models.Coupon, subtotal float64) (float64, error) {
	if coupon == nil {
		return 0, nil
	}
	if subtotal < coupon.MinOrder {
		return 0, CouponError{
			Code:   coupon.Code,
			Reason: fmt.Sprintf("order total below minimum of %.2f", coupon.MinOrder),
		}
	}

	switch coupon.Type {
	case models.CouponPercentage:
		return round2(subtotal * coupon.Value / 100), nil
	case models.CouponFixed:
		// A fixed coupon can never push the order negative.
		return round2(math.Min(coupon.Value, subtotal)), nil
	default:
		return 0, CouponError{Code: coupon.Code, Reason: "unknown coupon type"}
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
