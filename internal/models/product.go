package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ProductVariant is an independently stocked variation of a product (size,
// bundle, colour). A non-zero Price overrides the product price for that
// variant.
type ProductVariant struct {
	Name     string  `bson:"name" json:"name"`
	SKU      string  `bson:"sku,omitempty" json:"sku,omitempty"`
	Price    float64 `bson:"price,omitempty" json:"price,omitempty"`
	Stock    int     `bson:"stock" json:"stock"`
	Reserved int     `bson:"reserved" json:"reserved"`
}

// Product is the catalog document. Stock counts what is currently on the
// shelf (active holds already subtracted); Reserved mirrors the sum of
// active holds for observability. Stock fields are only ever written by the
// inventory reservation manager.
type Product struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Name        string             `bson:"name" json:"name"`
	SKU         string             `bson:"sku,omitempty" json:"sku,omitempty"`
	Price       float64            `bson:"price" json:"price"`
	Discount    float64            `bson:"discount,omitempty" json:"discount,omitempty"`
	Category    StringList         `bson:"category" json:"category"`
	Description string             `bson:"description,omitempty" json:"description,omitempty"`
	Barcode     string             `bson:"barcode,omitempty" json:"barcode,omitempty"`
	Brand       string             `bson:"brand,omitempty" json:"brand,omitempty"`
	ImagePath   string             `bson:"imagePath,omitempty" json:"imagePath,omitempty"`
	Stock       int                `bson:"stock" json:"stock"`
	Reserved    int                `bson:"reserved" json:"reserved"`
	Purchases   int                `bson:"purchases" json:"purchases"`
	Variants    []ProductVariant   `bson:"variants,omitempty" json:"variants,omitempty"`
	InStock     bool               `bson:"-" json:"inStock"`
	IsActive    bool               `bson:"isActive" json:"isActive"`
	IsDeleted   bool               `bson:"isDeleted" json:"isDeleted,omitempty"`
	DeletedAt   *time.Time         `bson:"deletedAt,omitempty" json:"deletedAt,omitempty"`
	CreatedAt   time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt   time.Time          `bson:"updatedAt" json:"updatedAt"`
}

// VariantByName returns the index of the named variant, or -1 when the
// product does not define it. The empty name addresses the main stock pool.
func (p Product) VariantByName(name string) int {
	for i := range p.Variants {
		if p.Variants[i].Name == name {
			return i
		}
	}
	return -1
}

// PoolStock returns the on-shelf quantity for the main pool (index < 0) or a
// variant pool. Unknown variant indexes report zero.
func (p Product) PoolStock(variantIndex int) int {
	if variantIndex < 0 {
		return p.Stock
	}
	if variantIndex >= len(p.Variants) {
		return 0
	}
	return p.Variants[variantIndex].Stock
}
