package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"sokoni/internal/orders"
	"sokoni/internal/store"
)

/*
GET /orders
- the caller's orders, newest first, pagination optional
*/
func GetMyOrders(orderDocs store.OrderStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		const route = "GET /orders"
		defer handlePanic(c, route)

		userID, ok := currentUserID(c, route)
		if !ok {
			return
		}

		page, limit, err := parsePaginationParams(c.Query("page"), c.Query("limit"))
		if err != nil {
			respondWithError(c, http.StatusBadRequest, route, "invalid pagination params")
			return
		}

		list, err := orderDocs.ListByUser(c.Request.Context(), userID, page, limit)
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

/*
GET /orders/:id
- full document including status history and tracking; owners only
*/
func GetMyOrder(orderDocs store.OrderStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		const route = "GET /orders/:id"
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

		order, err := orderDocs.FindByID(c.Request.Context(), orderID)
		if err != nil {
			respondWithDomainError(c, route, err)
			return
		}
		if order.UserID != userID {
			respondWithError(c, http.StatusNotFound, route, "not found")
			return
		}

		c.JSON(http.StatusOK, order)
	}
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

/*
POST /orders/:id/cancel
  - allowed until the order ships; releases any held stock and refunds a
    completed payment
*/
func CancelMyOrder(ordersvc *orders.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		const route = "POST /orders/:id/cancel"
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

		order, err := ordersvc.Get(c.Request.Context(), orderID)
		if err != nil {
			respondWithDomainError(c, route, err)
			return
		}
		if order.UserID != userID {
			respondWithError(c, http.StatusNotFound, route, "not found")
			return
		}

		var req cancelOrderRequest
		_ = c.ShouldBindJSON(&req)
		reason := req.Reason
		if reason == "" {
			reason = "cancelled by customer"
		}

		if err := ordersvc.Cancel(c.Request.Context(), orderID, reason, orders.ActorCustomer); err != nil {
			respondWithDomainError(c, route, err)
			return
		}

		updated, err := ordersvc.Get(c.Request.Context(), orderID)
		if err != nil {
			respondWithDomainError(c, route, err)
			return
		}
		c.JSON(http.StatusOK, updated)
	}
}
