package handlers

import (
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"sokoni/internal/checkout"
	"sokoni/internal/models"
	"sokoni/internal/payments"
)

/*
GET /checkout/summary
- prices the caller's current cart without committing anything
- query: shippingMethod (required), couponCode, city
*/
func GetCheckoutSummary(svc *checkout.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		const route = "GET /checkout/summary"
		defer handlePanic(c, route)

		userID, ok := currentUserID(c, route)
		if !ok {
			return
		}

		method := c.Query("shippingMethod")
		if method == "" {
			method = "standard"
		}

		breakdown, err := svc.Quote(c.Request.Context(), userID, method, c.Query("couponCode"), c.Query("city"))
		if err != nil {
			respondWithDomainError(c, route, err)
			return
		}

		c.JSON(http.StatusOK, breakdown)
	}
}

type initiateCheckoutRequest struct {
	ShippingAddress models.OrderAddress `json:"shippingAddress" binding:"required"`
	BillingAddress  models.OrderAddress `json:"billingAddress"`
	ShippingMethod  string              `json:"shippingMethod" binding:"required"`
	CouponCode      string              `json:"couponCode"`
	PaymentMethod   string              `json:"paymentMethod" binding:"required"`
	Phone           string              `json:"phone"`
	CardToken       string              `json:"cardToken"`
}

/*
POST /checkout
- runs the full sequence: validate, price, create order, reserve, pay
- a pending payment returns 202 with the correlation id to poll on
*/
func InitiateCheckout(svc *checkout.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		const route = "POST /checkout"
		defer handlePanic(c, route)

		userID, ok := currentUserID(c, route)
		if !ok {
			return
		}

		var req initiateCheckoutRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondWithError(c, http.StatusBadRequest, route, "invalid request body")
			return
		}

		result, err := svc.Initiate(c.Request.Context(), userID, checkout.InitiateRequest{
			ShippingAddress: req.ShippingAddress,
			BillingAddress:  req.BillingAddress,
			ShippingMethod:  req.ShippingMethod,
			CouponCode:      req.CouponCode,
			PaymentMethod:   req.PaymentMethod,
			PaymentDetails:  payments.Details{Phone: req.Phone, CardToken: req.CardToken},
		})
		if err != nil {
			respondWithDomainError(c, route, err)
			return
		}

		status := http.StatusCreated
		if result.Payment.Status == payments.StatusPending {
			status = http.StatusAccepted
		}
		log.Printf("[%s] order %s created, payment %s", route, result.Order.OrderNumber, result.Payment.Status)
		c.JSON(status, result)
	}
}

type retryPaymentRequest struct {
	PaymentMethod string `json:"paymentMethod"`
	Phone         string `json:"phone"`
	CardToken     string `json:"cardToken"`
}

/*
POST /orders/:id/payment
- runs another payment attempt on an order whose payment is unresolved
*/
func RetryCheckoutPayment(svc *checkout.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		const route = "POST /orders/:id/payment"
		defer handlePanic(c, route)

		userID, ok := currentUserID(c, route)
		if !ok {
			return
		}

		orderID, err := primitive.ObjectIDFromHex(c.Param("id"))
		if err != nil {
			respondWithError(c, http.StatusBadRequest, route, "invalid order id")
			return
		}

		var req retryPaymentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondWithError(c, http.StatusBadRequest, route, "invalid request body")
			return
		}

		outcome, err := svc.RetryPayment(c.Request.Context(), userID, orderID, req.PaymentMethod,
			payments.Details{Phone: req.Phone, CardToken: req.CardToken})
		if err != nil {
			respondWithDomainError(c, route, err)
			return
		}

		status := http.StatusOK
		if outcome.Status == payments.StatusPending {
			status = http.StatusAccepted
		}
		c.JSON(status, outcome)
	}
}

/*
GET /orders/:id/status
- reports the order, polling the provider when payment is still unresolved
*/
func GetCheckoutStatus(svc *checkout.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		const route = "GET /orders/:id/status"
		defer handlePanic(c, route)

		userID, ok := currentUserID(c, route)
		if !ok {
			return
		}

		orderID, err := primitive.ObjectIDFromHex(c.Param("id"))
		if err != nil {
			respondWithError(c, http.StatusBadRequest, route, "invalid order id")
			return
		}

		order, err := svc.Status(c.Request.Context(), userID, orderID)
		if err != nil {
			respondWithDomainError(c, route, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"orderId":       order.ID,
			"orderNumber":   order.OrderNumber,
			"orderStatus":   order.OrderStatus,
			"paymentStatus": order.PaymentStatus,
			"total":         order.Total,
		})
	}
}

/*
POST /payments/mpesa/callback
  - unauthenticated webhook from the payment provider
  - always acknowledges with the fixed shape the provider expects; returning
    an error here only makes the provider redeliver a payload we already
    logged
*/
func MpesaCallback(svc *checkout.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		const route = "POST /payments/mpesa/callback"
		defer handlePanic(c, route)

		raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
		if err != nil {
			log.Printf("[%s] failed to read body: %v", route, err)
		} else if err := svc.HandleCallback(c.Request.Context(), raw); err != nil {
			log.Printf("[%s] callback not applied: %v", route, err)
		}

		c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Accepted"})
	}
}
