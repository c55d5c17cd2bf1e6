package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"sokoni/internal/inventory"
	"sokoni/internal/orders"
	"sokoni/internal/payments"
	"sokoni/internal/pricing"
	"sokoni/internal/store"
)

// respondWithDomainError maps engine errors onto HTTP statuses. Stock and
// transition conflicts are 409 so clients can distinguish "try again" from
// "you sent garbage".
func respondWithDomainError(c *gin.Context, route string, err error) {
	var (
		stockErr      inventory.InsufficientStockError
		couponErr     pricing.CouponError
		validationErr pricing.ValidationError
		methodErr     payments.UnknownMethodError
		transitionErr orders.IllegalTransitionError
	)

	switch {
	case errors.As(err, &stockErr):
		log.Printf("[%s] insufficient stock: %v", route, err)
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error":      "insufficient stock",
			"shortfalls": stockErr.Shortfalls,
		})
	case errors.As(err, &couponErr):
		respondWithError(c, http.StatusUnprocessableEntity, route, couponErr.Error())
	case errors.As(err, &validationErr):
		respondWithError(c, http.StatusBadRequest, route, validationErr.Error())
	case errors.As(err, &methodErr):
		respondWithError(c, http.StatusBadRequest, route, methodErr.Error())
	case errors.As(err, &transitionErr):
		respondWithError(c, http.StatusConflict, route, transitionErr.Error())
	case errors.Is(err, orders.ErrAlreadyFinal):
		respondWithError(c, http.StatusConflict, route, "order already in a final state")
	case errors.Is(err, store.ErrNotFound):
		respondWithError(c, http.StatusNotFound, route, "not found")
	default:
		log.Printf("[%s] unexpected error: %v", route, err)
		respondWithError(c, http.StatusInternalServerError, route, "internal server error")
	}
}

// currentUserID reads the user injected by middleware.UserAuth. It aborts
// with 401 when the middleware did not run.
func currentUserID(c *gin.Context, route string) (primitive.ObjectID, bool) {
	value, ok := c.Get("userId")
	if !ok {
		respondWithError(c, http.StatusUnauthorized, route, "unauthorized")
		return primitive.NilObjectID, false
	}
	userID, ok := value.(primitive.ObjectID)
	if !ok {
		respondWithError(c, http.StatusUnauthorized, route, "unauthorized")
		return primitive.NilObjectID, false
	}
	return userID, true
}
