package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"sokoni/internal/models"
	"sokoni/internal/orders"
	"sokoni/internal/store"
)

/*
GET /admin/api/orders
- optional ?status= filter, pagination optional
*/
func AdminListOrders(orderDocs store.OrderStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		const route = "GET /admin/api/orders"
		defer handlePanic(c, route)

		page, limit, err := parsePaginationParams(c.Query("page"), c.Query("limit"))
		if err != nil {
			respondWithError(c, http.StatusBadRequest, route, "invalid pagination params")
			return
		}

		status := models.OrderStatus(c.Query("status"))
		if status != "" && !status.Known() {
			respondWithError(c, http.StatusBadRequest, route, "unknown status filter")
			return
		}

		list, err := orderDocs.List(c.Request.Context(), status, page, limit)
		if err != nil {
			respondWithDomainError(c, route, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"data": list,
			"pagination": gin.H{
				"page":  page,
				"limit": limit,
			},
		})
	}
}

func adminOrderID(c *gin.Context, route string) (primitive.ObjectID, bool) {
	orderID, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		respondWithError(c, http.StatusBadRequest, route, "invalid order id")
		return primitive.NilObjectID, false
	}
	return orderID, true
}

func respondWithOrder(c *gin.Context, route string, ordersvc *orders.Service, orderID primitive.ObjectID) {
	order, err := ordersvc.Get(c.Request.Context(), orderID)
	if err != nil {
		respondWithDomainError(c, route, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

/*
POST /admin/api/orders/:id/processing
- confirmed -> processing, fulfilment has started
*/
func AdminMarkProcessing(ordersvc *orders.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		const route = "POST /admin/api/orders/:id/processing"
		defer handlePanic(c, route)

		orderID, ok := adminOrderID(c, route)
		if !ok {
			return
		}

		if err := ordersvc.MarkProcessing(c.Request.Context(), orderID, orders.ActorAdmin); err != nil {
			respondWithDomainError(c, route, err)
			return
		}
		respondWithOrder(c, route, ordersvc, orderID)
	}
}

type shipOrderRequest struct {
	Carrier        string `json:"carrier" binding:"required"`
	TrackingNumber string `json:"trackingNumber" binding:"required"`
}

/*
POST /admin/api/orders/:id/ship
- processing -> shipped, records carrier and tracking number
*/
func AdminShipOrder(ordersvc *orders.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		const route = "POST /admin/api/orders/:id/ship"
		defer handlePanic(c, route)

		orderID, ok := adminOrderID(c, route)
		if !ok {
			return
		}

		var req shipOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondWithError(c, http.StatusBadRequest, route, "carrier and trackingNumber are required")
			return
		}

		tracking := models.TrackingInfo{
			Carrier:        req.Carrier,
			TrackingNumber: req.TrackingNumber,
			ShippedAt:      time.Now(),
		}
		if err := ordersvc.Ship(c.Request.Context(), orderID, tracking, orders.ActorAdmin); err != nil {
			respondWithDomainError(c, route, err)
			return
		}
		respondWithOrder(c, route, ordersvc, orderID)
	}
}

/*
POST /admin/api/orders/:id/deliver
*/
func AdminDeliverOrder(ordersvc *orders.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		const route = "POST /admin/api/orders/:id/deliver"
		defer handlePanic(c, route)

		orderID, ok := adminOrderID(c, route)
		if !ok {
			return
		}

		if err := ordersvc.Deliver(c.Request.Context(), orderID, orders.ActorAdmin); err != nil {
			respondWithDomainError(c, route, err)
			return
		}
		respondWithOrder(c, route, ordersvc, orderID)
	}
}

type returnOrderRequest struct {
	Reason string `json:"reason"`
}

/*
POST /admin/api/orders/:id/return
- delivered -> returned; restocking and refund settlement stay manual
*/
func AdminReturnOrder(ordersvc *orders.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		const route = "POST /admin/api/orders/:id/return"
		defer handlePanic(c, route)

		orderID, ok := adminOrderID(c, route)
		if !ok {
			return
		}

		var req returnOrderRequest
		_ = c.ShouldBindJSON(&req)
		reason := req.Reason
		if reason == "" {
			reason = "returned by customer"
		}

		if err := ordersvc.MarkReturned(c.Request.Context(), orderID, reason, orders.ActorAdmin); err != nil {
			respondWithDomainError(c, route, err)
			return
		}
		respondWithOrder(c, route, ordersvc, orderID)
	}
}

/*
POST /admin/api/orders/:id/cancel
*/
func AdminCancelOrder(ordersvc *orders.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		const route = "POST /admin/api/orders/:id/cancel"
		defer handlePanic(c, route)

		orderID, ok := adminOrderID(c, route)
		if !ok {
			return
		}

		var req returnOrderRequest
		_ = c.ShouldBindJSON(&req)
		reason := req.Reason
		if reason == "" {
			reason = "cancelled by support"
		}

		if err := ordersvc.Cancel(c.Request.Context(), orderID, reason, orders.ActorAdmin); err != nil {
			respondWithDomainError(c, route, err)
			return
		}
		respondWithOrder(c, route, ordersvc, orderID)
	}
}
