package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"sokoni/internal/models"
)

/* =======================
   REQUEST MODELS
======================= */

type productVariantRequest struct {
	Name  string  `json:"name" binding:"required"`
	SKU   string  `json:"sku"`
	Price float64 `json:"price"`
	Stock int     `json:"stock"`
}

type ProductCreateRequest struct {
	Name        string                  `json:"name" binding:"required"`
	SKU         string                  `json:"sku"`
	Price       float64                 `json:"price" binding:"required"`
	Discount    float64                 `json:"discount"`
	CategoryIDs []string                `json:"category_id" binding:"required"`
	Description string                  `json:"description"`
	Barcode     string                  `json:"barcode"`
	Brand       string                  `json:"brand"`
	Stock       int                     `json:"stock"`
	Variants    []productVariantRequest `json:"variants"`
	IsActive    *bool                   `json:"isActive"`
}

type ProductUpdateRequest struct {
	Name        *string   `json:"name"`
	SKU         *string   `json:"sku"`
	Price       *float64  `json:"price"`
	Discount    *float64  `json:"discount"`
	CategoryIDs *[]string `json:"category_id"`
	Description *string   `json:"description"`
	Barcode     *string   `json:"barcode"`
	Brand       *string   `json:"brand"`
	IsActive    *bool     `json:"isActive"`
}

/* =======================
   HELPERS
======================= */

func resolveCategoryNamesByIDs(ctx context.Context, db *mongo.Database, ids []string) ([]string, error) {
	seen := map[primitive.ObjectID]struct{}{}
	ordered := make([]primitive.ObjectID, 0, len(ids))

	for _, raw := range ids {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		objectID, err := primitive.ObjectIDFromHex(value)
		if err != nil {
			return nil, fmt.Errorf("invalid category_id: %s", value)
		}
		if _, ok := seen[objectID]; ok {
			continue
		}
		seen[objectID] = struct{}{}
		ordered = append(ordered, objectID)
	}

	if len(ordered) == 0 {
		return nil, fmt.Errorf("category_id required")
	}

	cursor, err := db.Collection("categories").Find(ctx, bson.M{"_id": bson.M{"$in": ordered}})
	if err != nil {
		return nil, err
	}

	var categories []models.Category
	if err := cursor.All(ctx, &categories); err != nil {
		return nil, err
	}

	nameByID := make(map[primitive.ObjectID]string, len(categories))
	for _, category := range categories {
		nameByID[category.ID] = category.Name
	}

	names := make([]string, 0, len(ordered))
	for _, objectID := range ordered {
		name, ok := nameByID[objectID]
		if !ok {
			return nil, fmt.Errorf("category not found: %s", objectID.Hex())
		}
		names = append(names, name)
	}

	return names, nil
}

func validVariants(reqs []productVariantRequest) ([]models.ProductVariant, error) {
	variants := make([]models.ProductVariant, 0, len(reqs))
	seen := map[string]struct{}{}
	for _, v := range reqs {
		name := strings.TrimSpace(v.Name)
		if name == "" {
			return nil, fmt.Errorf("variant name required")
		}
		if _, ok := seen[name]; ok {
			return nil, fmt.Errorf("duplicate variant: %s", name)
		}
		seen[name] = struct{}{}
		if v.Stock < 0 || v.Price < 0 {
			return nil, fmt.Errorf("variant %s: negative stock or price", name)
		}
		variants = append(variants, models.ProductVariant{
			Name:  name,
			SKU:   strings.TrimSpace(v.SKU),
			Price: v.Price,
			Stock: v.Stock,
		})
	}
	return variants, nil
}

/* =======================
   GET (ADMIN) - LIST
======================= */

/*
GET /admin/api/products
- includes inactive products; deleted ones only with ?includeDeleted=true
*/
func GetAllProducts(db *mongo.Database) gin.HandlerFunc {
	return func(c *gin.Context) {
		const route = "GET /admin/api/products"
		defer handlePanic(c, route)

		filter := bson.M{}
		if c.Query("includeDeleted") != "true" {
			filter["isDeleted"] = bson.M{"$ne": true}
		}
		if search := strings.TrimSpace(c.Query("search")); search != "" {
			filter["name"] = bson.M{"$regex": search, "$options": "i"}
		}

		findOptions := options.Find().
			SetSort(bson.D{{Key: "createdAt", Value: -1}})

		if pageStr, limitStr := c.Query("page"), c.Query("limit"); pageStr != "" && limitStr != "" {
			page, limit, err := parsePaginationParams(pageStr, limitStr)
			if err != nil {
				respondWithError(c, http.StatusBadRequest, route, "invalid pagination params")
				return
			}
			findOptions.SetSkip((page - 1) * limit).SetLimit(limit)
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		cursor, err := db.Collection("products").Find(ctx, filter, findOptions)
		if err != nil {
			respondWithError(c, http.StatusInternalServerError, route, "db error")
			return
		}
		defer cursor.Close(ctx)

		products, err := decodeProducts(ctx, cursor)
		if err != nil {
			respondWithError(c, http.StatusInternalServerError, route, "decode error")
			return
		}

		c.JSON(http.StatusOK, gin.H{"data": products})
	}
}

/* =======================
   CREATE
======================= */

/*
POST /admin/api/products
- categories arrive as ids and are stored denormalized by name
*/
func CreateProduct(db *mongo.Database) gin.HandlerFunc {
	return func(c *gin.Context) {
		const route = "POST /admin/api/products"
		defer handlePanic(c, route)

		var req ProductCreateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondWithError(c, http.StatusBadRequest, route, "invalid body")
			return
		}
		if req.Price <= 0 {
			respondWithError(c, http.StatusBadRequest, route, "price must be positive")
			return
		}
		if req.Stock < 0 {
			respondWithError(c, http.StatusBadRequest, route, "stock cannot be negative")
			return
		}
		if req.Discount < 0 || req.Discount >= 100 {
			respondWithError(c, http.StatusBadRequest, route, "discount must be between 0 and 100")
			return
		}

		variants, err := validVariants(req.Variants)
		if err != nil {
			respondWithError(c, http.StatusBadRequest, route, err.Error())
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		categories, err := resolveCategoryNamesByIDs(ctx, db, req.CategoryIDs)
		if err != nil {
			respondWithError(c, http.StatusBadRequest, route, err.Error())
			return
		}

		isActive := true
		if req.IsActive != nil {
			isActive = *req.IsActive
		}

		now := time.Now()
		product := models.Product{
			Name:        strings.TrimSpace(req.Name),
			SKU:         strings.TrimSpace(req.SKU),
			Price:       req.Price,
			Discount:    req.Discount,
			Category:    models.StringList(categories),
			Description: strings.TrimSpace(req.Description),
			Barcode:     strings.TrimSpace(req.Barcode),
			Brand:       strings.TrimSpace(req.Brand),
			Stock:       req.Stock,
			Variants:    variants,
			IsActive:    isActive,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		result, err := db.Collection("products").InsertOne(ctx, product)
		if err != nil {
			if mongo.IsDuplicateKeyError(err) {
				respondWithError(c, http.StatusConflict, route, "barcode already in use")
				return
			}
			respondWithError(c, http.StatusInternalServerError, route, "db error")
			return
		}

		product.ID = result.InsertedID.(primitive.ObjectID)
		product.InStock = product.Stock > 0

		c.JSON(http.StatusCreated, product)
	}
}

/* =======================
   UPDATE
======================= */

/*
PUT /admin/api/products/:id
  - partial update; stock is deliberately absent, only the reservation
    manager writes stock fields
*/
func UpdateProduct(db *mongo.Database) gin.HandlerFunc {
	return func(c *gin.Context) {
		const route = "PUT /admin/api/products/:id"
		defer handlePanic(c, route)

		productID, err := primitive.ObjectIDFromHex(c.Param("id"))
		if err != nil {
			respondWithError(c, http.StatusBadRequest, route, "invalid id")
			return
		}

		var req ProductUpdateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondWithError(c, http.StatusBadRequest, route, "invalid body")
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		update := bson.M{}

		if req.Name != nil {
			name := strings.TrimSpace(*req.Name)
			if name == "" {
				respondWithError(c, http.StatusBadRequest, route, "name cannot be empty")
				return
			}
			update["name"] = name
		}
		if req.SKU != nil {
			update["sku"] = strings.TrimSpace(*req.SKU)
		}
		if req.Price != nil {
			if *req.Price <= 0 {
				respondWithError(c, http.StatusBadRequest, route, "price must be positive")
				return
			}
			update["price"] = *req.Price
		}
		if req.Discount != nil {
			if *req.Discount < 0 || *req.Discount >= 100 {
				respondWithError(c, http.StatusBadRequest, route, "discount must be between 0 and 100")
				return
			}
			update["discount"] = *req.Discount
		}
		if req.CategoryIDs != nil {
			categories, err := resolveCategoryNamesByIDs(ctx, db, *req.CategoryIDs)
			if err != nil {
				respondWithError(c, http.StatusBadRequest, route, err.Error())
				return
			}
			update["category"] = categories
		}
		if req.Description != nil {
			update["description"] = strings.TrimSpace(*req.Description)
		}
		if req.Barcode != nil {
			update["barcode"] = strings.TrimSpace(*req.Barcode)
		}
		if req.Brand != nil {
			update["brand"] = strings.TrimSpace(*req.Brand)
		}
		if req.IsActive != nil {
			update["isActive"] = *req.IsActive
		}

		if len(update) == 0 {
			respondWithError(c, http.StatusBadRequest, route, "no fields to update")
			return
		}
		update["updatedAt"] = time.Now()

		var raw bson.M
		err = db.Collection("products").
			FindOneAndUpdate(
				ctx,
				bson.M{"_id": productID, "isDeleted": bson.M{"$ne": true}},
				bson.M{"$set": update},
				options.FindOneAndUpdate().SetReturnDocument(options.After),
			).
			Decode(&raw)

		if err == mongo.ErrNoDocuments {
			respondWithError(c, http.StatusNotFound, route, "product not found")
			return
		}
		if err != nil {
			respondWithError(c, http.StatusInternalServerError, route, "db error")
			return
		}

		product, err := normalizeProductDocument(raw)
		if err != nil {
			respondWithError(c, http.StatusInternalServerError, route, "decode error")
			return
		}

		c.JSON(http.StatusOK, product)
	}
}

/* =======================
   RESTOCK
======================= */

type restockRequest struct {
	Quantity int    `json:"quantity" binding:"required"`
	Variant  string `json:"variant"`
}

/*
POST /admin/api/products/:id/restock
- the one admin write to stock, additive so it composes with live holds
*/
func RestockProduct(db *mongo.Database) gin.HandlerFunc {
	return func(c *gin.Context) {
		const route = "POST /admin/api/products/:id/restock"
		defer handlePanic(c, route)

		productID, err := primitive.ObjectIDFromHex(c.Param("id"))
		if err != nil {
			respondWithError(c, http.StatusBadRequest, route, "invalid id")
			return
		}

		var req restockRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Quantity < 1 {
			respondWithError(c, http.StatusBadRequest, route, "quantity must be at least 1")
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		filter := bson.M{"_id": productID, "isDeleted": bson.M{"$ne": true}}
		field := "stock"
		if req.Variant != "" {
			filter["variants.name"] = req.Variant
			field = "variants.$.stock"
		}

		result, err := db.Collection("products").UpdateOne(
			ctx,
			filter,
			bson.M{
				"$inc": bson.M{field: req.Quantity},
				"$set": bson.M{"updatedAt": time.Now()},
			},
		)
		if err != nil {
			respondWithError(c, http.StatusInternalServerError, route, "db error")
			return
		}
		if result.MatchedCount == 0 {
			respondWithError(c, http.StatusNotFound, route, "product or variant not found")
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "stock updated"})
	}
}

/* =======================
   DELETE
======================= */

/*
DELETE /admin/api/products/:id
- soft delete; existing orders keep their item snapshots
*/
func DeleteProduct(db *mongo.Database) gin.HandlerFunc {
	return func(c *gin.Context) {
		const route = "DELETE /admin/api/products/:id"
		defer handlePanic(c, route)

		productID, err := primitive.ObjectIDFromHex(c.Param("id"))
		if err != nil {
			respondWithError(c, http.StatusBadRequest, route, "invalid id")
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		now := time.Now()
		result, err := db.Collection("products").UpdateOne(
			ctx,
			bson.M{"_id": productID, "isDeleted": bson.M{"$ne": true}},
			bson.M{"$set": bson.M{
				"isDeleted": true,
				"isActive":  false,
				"deletedAt": now,
				"updatedAt": now,
			}},
		)
		if err != nil {
			respondWithError(c, http.StatusInternalServerError, route, "db error")
			return
		}
		if result.MatchedCount == 0 {
			respondWithError(c, http.StatusNotFound, route, "product not found")
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "product deleted"})
	}
}
