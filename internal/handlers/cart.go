package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"sokoni/internal/models"
	"sokoni/internal/store"
)

/*
GET /cart
- missing document reads as an empty cart
*/
func GetCart(carts store.CartStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		const route = "GET /cart"
		defer handlePanic(c, route)

		userID, ok := currentUserID(c, route)
		if !ok {
			return
		}

		cart, err := carts.FindByUser(c.Request.Context(), userID)
		if err == store.ErrNotFound {
			c.JSON(http.StatusOK, models.Cart{UserID: userID, Items: []models.CartItem{}})
			return
		}
		if err != nil {
			respondWithDomainError(c, route, err)
			return
		}

		c.JSON(http.StatusOK, cart)
	}
}

type putCartItemRequest struct {
	ProductID string `json:"productId" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required"`
	Variant   string `json:"variant"`
}

type putCartRequest struct {
	Items []putCartItemRequest `json:"items"`
}

/*
PUT /cart
  - replaces the whole cart; quantities are validated, availability is not
    (stock is only committed at checkout)
*/
func PutCart(carts store.CartStore, products store.ProductStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		const route = "PUT /cart"
		defer handlePanic(c, route)

		userID, ok := currentUserID(c, route)
		if !ok {
			return
		}

		var req putCartRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondWithError(c, http.StatusBadRequest, route, "invalid request body")
			return
		}

		items := make([]models.CartItem, 0, len(req.Items))
		ids := make([]primitive.ObjectID, 0, len(req.Items))
		for _, item := range req.Items {
			if item.Quantity < 1 {
				respondWithError(c, http.StatusBadRequest, route, "quantity must be at least 1")
				return
			}
			productID, err := primitive.ObjectIDFromHex(item.ProductID)
			if err != nil {
				respondWithError(c, http.StatusBadRequest, route, "invalid product id")
				return
			}
			items = append(items, models.CartItem{
				ProductID: productID,
				Quantity:  item.Quantity,
				Variant:   item.Variant,
			})
			ids = append(ids, productID)
		}

		// Unknown products are rejected here so the cart never references a
		// deleted listing.
		catalog, err := products.FindByIDs(c.Request.Context(), ids)
		if err != nil {
			respondWithDomainError(c, route, err)
			return
		}
		for _, item := range items {
			p, ok := catalog[item.ProductID]
			if !ok {
				respondWithError(c, http.StatusBadRequest, route, "product "+item.ProductID.Hex()+" is no longer available")
				return
			}
			if item.Variant != "" && p.VariantByName(item.Variant) < 0 {
				respondWithError(c, http.StatusBadRequest, route, p.Name+" has no variant "+item.Variant)
				return
			}
		}

		cart := models.Cart{UserID: userID, Items: items, UpdatedAt: time.Now()}
		if err := carts.Replace(c.Request.Context(), cart); err != nil {
			respondWithDomainError(c, route, err)
			return
		}

		c.JSON(http.StatusOK, cart)
	}
}

/*
DELETE /cart
*/
func ClearCart(carts store.CartStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		const route = "DELETE /cart"
		defer handlePanic(c, route)

		userID, ok := currentUserID(c, route)
		if !ok {
			return
		}

		if err := carts.Clear(c.Request.Context(), userID); err != nil {
			respondWithDomainError(c, route, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "cart cleared"})
	}
}
