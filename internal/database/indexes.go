package database

import (
	"context"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func EnsureProductIndexes(db *mongo.Database) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	indexes := db.Collection("products").Indexes()

	barcodeIndex := mongo.IndexModel{
		Keys: bson.D{{Key: "barcode", Value: 1}},
		Options: options.Index().
			SetName("barcode_unique").
			SetUnique(true).
			SetPartialFilterExpression(bson.M{
				"barcode": bson.M{
					"$exists": true,
				},
			}),
	}

	log.Println("EnsureProductIndexes: creating barcode_unique index")
	_, err := indexes.CreateOne(ctx, barcodeIndex)
	if err != nil {
		log.Println("EnsureProductIndexes: barcode index error:", err)
		return err
	}
	return nil
}

func EnsureOrderIndexes(db *mongo.Database) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	indexes := db.Collection("orders").Indexes()

	orderIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "userId", Value: 1}, {Key: "createdAt", Value: -1}},
			Options: options.Index().SetName("userId_createdAt"),
		},
		{
			Keys:    bson.D{{Key: "orderNumber", Value: 1}},
			Options: options.Index().SetName("orderNumber_unique").SetUnique(true),
		},
		// Inbound payment callbacks look orders up by the correlation id the
		// provider handed out at initiation time.
		{
			Keys: bson.D{{Key: "paymentDetails.correlationId", Value: 1}},
			Options: options.Index().
				SetName("correlationId_lookup").
				SetPartialFilterExpression(bson.M{
					"paymentDetails.correlationId": bson.M{"$exists": true},
				}),
		},
	}

	log.Println("EnsureOrderIndexes: creating order indexes")
	_, err := indexes.CreateMany(ctx, orderIndexes)
	if err != nil {
		log.Println("EnsureOrderIndexes: order index error:", err)
		return err
	}
	return nil
}

func EnsureReservationIndexes(db *mongo.Database) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	indexes := db.Collection("reservations").Indexes()

	reservationIndexes := []mongo.IndexModel{
		// The sweeper scans by status and expiry.
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "expiresAt", Value: 1}},
			Options: options.Index().SetName("status_expiresAt"),
		},
		{
			Keys:    bson.D{{Key: "orderId", Value: 1}},
			Options: options.Index().SetName("orderId_lookup"),
		},
	}

	log.Println("EnsureReservationIndexes: creating reservation indexes")
	_, err := indexes.CreateMany(ctx, reservationIndexes)
	if err != nil {
		log.Println("EnsureReservationIndexes: reservation index error:", err)
		return err
	}
	return nil
}

func EnsureCouponIndexes(db *mongo.Database) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	codeIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "code", Value: 1}},
		Options: options.Index().SetName("code_unique").SetUnique(true),
	}

	log.Println("EnsureCouponIndexes: creating code_unique index")
	_, err := db.Collection("coupons").Indexes().CreateOne(ctx, codeIndex)
	if err != nil {
		log.Println("EnsureCouponIndexes: code index error:", err)
		return err
	}
	return nil
}

func EnsureCartIndexes(db *mongo.Database) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	userIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "userId", Value: 1}},
		Options: options.Index().SetName("userId_unique").SetUnique(true),
	}

	log.Println("EnsureCartIndexes: creating userId_unique index")
	_, err := db.Collection("carts").Indexes().CreateOne(ctx, userIndex)
	if err != nil {
		log.Println("EnsureCartIndexes: cart index error:", err)
		return err
	}
	return nil
}
