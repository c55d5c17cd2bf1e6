package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"sokoni/internal/checkout"
	"sokoni/internal/config"
	"sokoni/internal/database"
	"sokoni/internal/handlers"
	"sokoni/internal/inventory"
	"sokoni/internal/middleware"
	"sokoni/internal/notify"
	"sokoni/internal/orders"
	"sokoni/internal/payments"
	"sokoni/internal/pricing"
	"sokoni/internal/redisx"
	"sokoni/internal/store"
)

func main() {
	config.Load()
	cfg := config.AppEnv

	client, err := database.Connect(cfg.MongoURI)
	if err != nil {
		log.Fatal(err)
	}

	db := client.Database(cfg.DBName)
	log.Println("MongoDB connected to:", db.Name())

	if err := database.EnsureProductIndexes(db); err != nil {
		log.Printf("product index warning: %v", err)
	}
	if err := database.EnsureOrderIndexes(db); err != nil {
		log.Printf("order index warning: %v", err)
	}
	if err := database.EnsureReservationIndexes(db); err != nil {
		log.Printf("reservation index warning: %v", err)
	}
	if err := database.EnsureCouponIndexes(db); err != nil {
		log.Printf("coupon index warning: %v", err)
	}
	if err := database.EnsureCartIndexes(db); err != nil {
		log.Printf("cart index warning: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores := store.NewMongo(db)

	// Redis backs callback dedup and the sweeper lease. Without it the engine
	// still runs single-replica on the in-process fallback.
	var dedup redisx.Deduper
	var locker redisx.Locker
	redisClient := redisx.New(cfg.RedisAddr)
	if err := redisClient.Ping(rootCtx); err != nil {
		log.Println("redis unavailable, using in-process fallback:", err)
		mem := redisx.NewMemoryClient()
		dedup, locker = mem, mem
	} else {
		dedup, locker = redisClient, redisClient
	}

	publisher := notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.OrderEventsTopic, 256)
	publisher.Start(rootCtx)

	inv := inventory.NewManager(stores.Tx, stores.Products, stores.Reservations)
	ordersvc := orders.NewService(stores.Tx, stores.Orders, stores.Carts, inv, publisher)

	registry := payments.NewRegistry(
		payments.NewMpesa(payments.MpesaConfig{
			BaseURL:        cfg.MpesaBaseURL,
			ConsumerKey:    cfg.MpesaConsumerKey,
			ConsumerSecret: cfg.MpesaConsumerSecret,
			ShortCode:      cfg.MpesaShortCode,
			Passkey:        cfg.MpesaPasskey,
			CallbackURL:    cfg.MpesaCallbackURL,
		}),
		payments.NewCard(payments.CardConfig{
			GatewayURL: cfg.CardGatewayURL,
			APIKey:     cfg.CardGatewayKey,
		}),
		payments.NewBankTransfer(),
		payments.NewCashOnDelivery(),
	)

	checkoutSvc := checkout.NewService(checkout.Options{
		Pricing: pricing.Config{
			TaxRate:               cfg.TaxRate,
			FreeShippingThreshold: cfg.FreeShippingThreshold,
			ShippingRates: map[string]float64{
				"standard": cfg.ShippingRateStandard,
				"express":  cfg.ShippingRateExpress,
			},
			RemoteAreas:     pricing.RemoteAreaSet(cfg.RemoteAreas),
			RemoteSurcharge: cfg.RemoteAreaSurcharge,
		},
		Hold: cfg.ReservationHold,
	}, stores, inv, ordersvc, registry, dedup)

	sweeper := checkout.NewSweeper(cfg.SweepInterval, locker, stores.Reservations, ordersvc)
	go sweeper.Run(rootCtx)

	r := gin.Default()

	r.GET("/products", handlers.GetProducts(db))
	r.GET("/products/:id", handlers.GetProductByID(db))
	r.GET("/products/:id/availability", handlers.GetProductAvailability(stores.Products))
	r.GET("/categories", handlers.GetCategories(db))

	// Provider webhook, unauthenticated by design.
	r.POST("/payments/mpesa/callback", handlers.MpesaCallback(checkoutSvc))

	user := r.Group("/")
	user.Use(middleware.UserAuth(cfg.JWTSecret))
	{
		user.GET("/cart", handlers.GetCart(stores.Carts))
		user.PUT("/cart", handlers.PutCart(stores.Carts, stores.Products))
		user.DELETE("/cart", handlers.ClearCart(stores.Carts))

		user.GET("/checkout/summary", handlers.GetCheckoutSummary(checkoutSvc))
		user.POST("/checkout", handlers.InitiateCheckout(checkoutSvc))

		user.GET("/orders", handlers.GetMyOrders(stores.Orders))
		user.GET("/orders/:id", handlers.GetMyOrder(stores.Orders))
		user.GET("/orders/:id/status", handlers.GetCheckoutStatus(checkoutSvc))
		user.POST("/orders/:id/payment", handlers.RetryCheckoutPayment(checkoutSvc))
		user.POST("/orders/:id/cancel", handlers.CancelMyOrder(ordersvc))
	}

	admin := r.Group("/admin/api")
	admin.Use(middleware.AdminAuth(cfg.JWTSecret))
	{
		admin.GET("/products", handlers.GetAllProducts(db))
		admin.POST("/products", handlers.CreateProduct(db))
		admin.PUT("/products/:id", handlers.UpdateProduct(db))
		admin.POST("/products/:id/restock", handlers.RestockProduct(db))
		admin.DELETE("/products/:id", handlers.DeleteProduct(db))

		admin.GET("/categories", handlers.GetAllCategories(db))
		admin.POST("/categories", handlers.CreateCategory(db))
		admin.PUT("/categories/:id", handlers.UpdateCategory(db))
		admin.DELETE("/categories/:id", handlers.DeleteCategory(db))

		admin.GET("/orders", handlers.AdminListOrders(stores.Orders))
		admin.POST("/orders/:id/processing", handlers.AdminMarkProcessing(ordersvc))
		admin.POST("/orders/:id/ship", handlers.AdminShipOrder(ordersvc))
		admin.POST("/orders/:id/deliver", handlers.AdminDeliverOrder(ordersvc))
		admin.POST("/orders/:id/return", handlers.AdminReturnOrder(ordersvc))
		admin.POST("/orders/:id/cancel", handlers.AdminCancelOrder(ordersvc))
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{Addr: ":" + port, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()
	log.Println("listening on :" + port)

	<-rootCtx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Println("server shutdown:", err)
	}
	publisher.WaitClosed()
	if err := client.Disconnect(shutdownCtx); err != nil {
		log.Println("mongo disconnect:", err)
	}
}
