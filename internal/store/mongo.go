package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"sokoni/internal/models"
)

// NewMongo builds the production store set on top of one *mongo.Database.
// Multi-document atomicity comes from WithinTx; single-document writes rely
// on conditional update filters plus MatchedCount checks.
func NewMongo(db *mongo.Database) Stores {
	return Stores{
		Tx:           &mongoTx{db: db},
		Products:     &mongoProducts{db: db},
		Reservations: &mongoReservations{db: db},
		Orders:       &mongoOrders{db: db},
		Coupons:      &mongoCoupons{db: db},
		Carts:        &mongoCarts{db: db},
	}
}

var (
	_ TxManager        = (*mongoTx)(nil)
	_ ProductStore     = (*mongoProducts)(nil)
	_ ReservationStore = (*mongoReservations)(nil)
	_ OrderStore       = (*mongoOrders)(nil)
	_ CouponStore      = (*mongoCoupons)(nil)
	_ CartStore        = (*mongoCarts)(nil)
)

/* =========================
   TRANSACTIONS
========================= */

type mongoTx struct {
	db *mongo.Database
}

// WithinTx runs fn inside a session transaction. When ctx already carries a
// session (a nested call), fn joins the surrounding transaction instead of
// opening a second one.
func (m *mongoTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if mongo.SessionFromContext(ctx) != nil {
		return fn(ctx)
	}

	session, err := m.db.Client().StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		return nil, fn(sessCtx)
	})
	return err
}

/* =========================
   PRODUCTS
========================= */

type mongoProducts struct {
	db *mongo.Database
}

func (m *mongoProducts) FindByID(ctx context.Context, id primitive.ObjectID) (models.Product, error) {
	var p models.Product
	err := m.db.Collection("products").FindOne(ctx, bson.M{
		"_id":       id,
		"isDeleted": bson.M{"$ne": true},
	}).Decode(&p)
	if err == mongo.ErrNoDocuments {
		return models.Product{}, ErrNotFound
	}
	if err != nil {
		return models.Product{}, err
	}
	p.InStock = p.Stock > 0
	return p, nil
}

func (m *mongoProducts) FindByIDs(ctx context.Context, ids []primitive.ObjectID) (map[primitive.ObjectID]models.Product, error) {
	cursor, err := m.db.Collection("products").Find(ctx, bson.M{
		"_id":       bson.M{"$in": ids},
		"isDeleted": bson.M{"$ne": true},
	})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	out := make(map[primitive.ObjectID]models.Product, len(ids))
	for cursor.Next(ctx) {
		var p models.Product
		if err := cursor.Decode(&p); err != nil {
			return nil, err
		}
		p.InStock = p.Stock > 0
		out[p.ID] = p
	}
	return out, cursor.Err()
}

// stockField returns the bson paths of the pool addressed by variantIndex.
func stockField(variantIndex int) (stock, reserved string) {
	if variantIndex < 0 {
		return "stock", "reserved"
	}
	return fmt.Sprintf("variants.%d.stock", variantIndex),
		fmt.Sprintf("variants.%d.reserved", variantIndex)
}

func (m *mongoProducts) DecrementStock(ctx context.Context, id primitive.ObjectID, variantIndex, qty int) (bool, error) {
	stock, reserved := stockField(variantIndex)

	filter := bson.M{
		"_id":       id,
		"isDeleted": bson.M{"$ne": true},
		stock:       bson.M{"$gte": qty},
	}
	update := bson.M{
		"$inc": bson.M{stock: -qty, reserved: qty},
		"$set": bson.M{"updatedAt": time.Now()},
	}

	res, err := m.db.Collection("products").UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}
	return res.MatchedCount == 1, nil
}

func (m *mongoProducts) RestoreStock(ctx context.Context, id primitive.ObjectID, variantIndex, qty int) error {
	stock, reserved := stockField(variantIndex)

	_, err := m.db.Collection("products").UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$inc": bson.M{stock: qty, reserved: -qty},
		"$set": bson.M{"updatedAt": time.Now()},
	})
	return err
}

func (m *mongoProducts) FinalizeStock(ctx context.Context, id primitive.ObjectID, variantIndex, qty int) error {
	_, reserved := stockField(variantIndex)

	_, err := m.db.Collection("products").UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$inc": bson.M{reserved: -qty, "purchases": qty},
		"$set": bson.M{"updatedAt": time.Now()},
	})
	return err
}

/* =========================
   RESERVATIONS
========================= */

type mongoReservations struct {
	db *mongo.Database
}

func (m *mongoReservations) Insert(ctx context.Context, r models.StockReservation) error {
	_, err := m.db.Collection("reservations").InsertOne(ctx, r)
	return err
}

func (m *mongoReservations) ActiveByOrder(ctx context.Context, orderID primitive.ObjectID) ([]models.StockReservation, error) {
	cursor, err := m.db.Collection("reservations").Find(ctx, bson.M{
		"orderId": orderID,
		"status":  models.ReservationActive,
	})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []models.StockReservation
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *mongoReservations) MarkStatus(ctx context.Context, id primitive.ObjectID, from, to models.ReservationStatus) (bool, error) {
	res, err := m.db.Collection("reservations").UpdateOne(ctx,
		bson.M{"_id": id, "status": from},
		bson.M{"$set": bson.M{"status": to}},
	)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount == 1, nil
}

func (m *mongoReservations) ExpiredActive(ctx context.Context, now time.Time, limit int64) ([]models.StockReservation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "expiresAt", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(limit)
	}

	cursor, err := m.db.Collection("reservations").Find(ctx, bson.M{
		"status":    models.ReservationActive,
		"expiresAt": bson.M{"$lt": now},
	}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []models.StockReservation
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

/* =========================
   ORDERS
========================= */

type mongoOrders struct {
	db *mongo.Database
}

func (m *mongoOrders) Insert(ctx context.Context, o *models.Order) error {
	res, err := m.db.Collection("orders").InsertOne(ctx, o)
	if err != nil {
		return err
	}
	if id, ok := res.InsertedID.(primitive.ObjectID); ok {
		o.ID = id
	}
	return nil
}

func (m *mongoOrders) FindByID(ctx context.Context, id primitive.ObjectID) (models.Order, error) {
	var o models.Order
	err := m.db.Collection("orders").FindOne(ctx, bson.M{"_id": id}).Decode(&o)
	if err == mongo.ErrNoDocuments {
		return models.Order{}, ErrNotFound
	}
	return o, err
}

func (m *mongoOrders) FindByCorrelationID(ctx context.Context, correlationID string) (models.Order, error) {
	var o models.Order
	err := m.db.Collection("orders").FindOne(ctx, bson.M{
		"paymentDetails.correlationId": correlationID,
	}).Decode(&o)
	if err == mongo.ErrNoDocuments {
		return models.Order{}, ErrNotFound
	}
	return o, err
}

func (m *mongoOrders) ListByUser(ctx context.Context, userID primitive.ObjectID, page, limit int64) ([]models.Order, error) {
	return m.list(ctx, bson.M{"userId": userID}, page, limit)
}

func (m *mongoOrders) List(ctx context.Context, status models.OrderStatus, page, limit int64) ([]models.Order, error) {
	filter := bson.M{}
	if status != "" {
		filter["orderStatus"] = status
	}
	return m.list(ctx, filter, page, limit)
}

func (m *mongoOrders) list(ctx context.Context, filter bson.M, page, limit int64) ([]models.Order, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetSkip((page - 1) * limit).
		SetLimit(limit)

	cursor, err := m.db.Collection("orders").Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	orders := make([]models.Order, 0)
	if err := cursor.All(ctx, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (m *mongoOrders) UpdateOrderStatus(ctx context.Context, id primitive.ObjectID, from []models.OrderStatus, to models.OrderStatus, ev models.StatusEvent) (bool, error) {
	res, err := m.db.Collection("orders").UpdateOne(ctx,
		bson.M{"_id": id, "orderStatus": bson.M{"$in": from}},
		bson.M{
			"$set":  bson.M{"orderStatus": to, "updatedAt": time.Now()},
			"$push": bson.M{"statusHistory": ev},
		},
	)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount == 1, nil
}

func (m *mongoOrders) UpdatePaymentStatus(ctx context.Context, id primitive.ObjectID, from []models.PaymentStatus, to models.PaymentStatus) (bool, error) {
	res, err := m.db.Collection("orders").UpdateOne(ctx,
		bson.M{"_id": id, "paymentStatus": bson.M{"$in": from}},
		bson.M{"$set": bson.M{"paymentStatus": to, "updatedAt": time.Now()}},
	)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount == 1, nil
}

func (m *mongoOrders) SetCorrelation(ctx context.Context, id primitive.ObjectID, provider, correlationID string, meta map[string]string) error {
	set := bson.M{
		"paymentDetails.provider":      provider,
		"paymentDetails.correlationId": correlationID,
		"updatedAt":                    time.Now(),
	}
	if meta != nil {
		set["paymentDetails.meta"] = meta
	}
	_, err := m.db.Collection("orders").UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	return err
}

func (m *mongoOrders) AppendAttempt(ctx context.Context, id primitive.ObjectID, at models.PaymentAttempt) error {
	_, err := m.db.Collection("orders").UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$push": bson.M{"paymentDetails.attempts": at},
		"$set":  bson.M{"updatedAt": time.Now()},
	})
	return err
}

func (m *mongoOrders) SetTracking(ctx context.Context, id primitive.ObjectID, t models.TrackingInfo) error {
	_, err := m.db.Collection("orders").UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"tracking": t, "updatedAt": time.Now()},
	})
	return err
}

func (m *mongoOrders) SetEstimatedDelivery(ctx context.Context, id primitive.ObjectID, at time.Time) error {
	_, err := m.db.Collection("orders").UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"estimatedDelivery": at, "updatedAt": time.Now()},
	})
	return err
}

func (m *mongoOrders) SetDeliveredAt(ctx context.Context, id primitive.ObjectID, at time.Time) error {
	_, err := m.db.Collection("orders").UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"deliveredAt": at, "updatedAt": time.Now()},
	})
	return err
}

/* =========================
   COUPONS
========================= */

type mongoCoupons struct {
	db *mongo.Database
}

func (m *mongoCoupons) FindByCode(ctx context.Context, code string) (models.Coupon, error) {
	var cp models.Coupon
	err := m.db.Collection("coupons").FindOne(ctx, bson.M{
		"code":     code,
		"isActive": true,
	}).Decode(&cp)
	if err == mongo.ErrNoDocuments {
		return models.Coupon{}, ErrNotFound
	}
	return cp, err
}

/* =========================
   CARTS
========================= */

type mongoCarts struct {
	db *mongo.Database
}

func (m *mongoCarts) FindByUser(ctx context.Context, userID primitive.ObjectID) (models.Cart, error) {
	var cart models.Cart
	err := m.db.Collection("carts").FindOne(ctx, bson.M{"userId": userID}).Decode(&cart)
	if err == mongo.ErrNoDocuments {
		return models.Cart{}, ErrNotFound
	}
	return cart, err
}

func (m *mongoCarts) Replace(ctx context.Context, cart models.Cart) error {
	cart.UpdatedAt = time.Now()
	opts := options.Replace().SetUpsert(true)
	_, err := m.db.Collection("carts").ReplaceOne(ctx, bson.M{"userId": cart.UserID}, cart, opts)
	return err
}

func (m *mongoCarts) Clear(ctx context.Context, userID primitive.ObjectID) error {
	_, err := m.db.Collection("carts").UpdateOne(ctx, bson.M{"userId": userID}, bson.M{
		"$set": bson.M{"items": []models.CartItem{}, "updatedAt": time.Now()},
	})
	return err
}
