package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var AppEnv Config

type Config struct {
	MongoURI  string
	DBName    string
	JWTSecret string

	// Pricing. Tax rate and free-shipping threshold are injected here, never
	// hard-coded in the calculator.
	TaxRate               float64
	FreeShippingThreshold float64
	ShippingRateStandard  float64
	ShippingRateExpress   float64
	RemoteAreas           []string
	RemoteAreaSurcharge   float64

	// Checkout engine.
	ReservationHold time.Duration
	SweepInterval   time.Duration

	// Supporting infrastructure.
	RedisAddr        string
	KafkaBrokers     []string
	OrderEventsTopic string

	// Payment providers.
	MpesaBaseURL        string
	MpesaConsumerKey    string
	MpesaConsumerSecret string
	MpesaShortCode      string
	MpesaPasskey        string
	MpesaCallbackURL    string
	CardGatewayURL      string
	CardGatewayKey      string
}

func Load() {
	if err := godotenv.Load(); err != nil {
		log.Println(".env not loaded:", err)
	}
	AppEnv = Config{
		MongoURI:  getEnvOrDefault("MONGO_URI", ""),
		DBName:    getEnvOrDefault("DB_NAME", "sokoni"),
		JWTSecret: getEnvOrDefault("JWT_SECRET", ""),

		TaxRate:               getFloatEnv("TAX_RATE", 0.16),
		FreeShippingThreshold: getFloatEnv("FREE_SHIPPING_THRESHOLD", 5000),
		ShippingRateStandard:  getFloatEnv("SHIPPING_RATE_STANDARD", 300),
		ShippingRateExpress:   getFloatEnv("SHIPPING_RATE_EXPRESS", 500),
		RemoteAreas:           getListEnv("REMOTE_AREAS", nil),
		RemoteAreaSurcharge:   getFloatEnv("REMOTE_AREA_SURCHARGE", 1.5),

		ReservationHold: getDurationEnv("RESERVATION_HOLD_MINUTES", 30, time.Minute),
		SweepInterval:   getDurationEnv("SWEEP_INTERVAL_SECONDS", 60, time.Second),

		RedisAddr:        getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		KafkaBrokers:     getListEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		OrderEventsTopic: getEnvOrDefault("ORDER_EVENTS_TOPIC", "order.events"),

		MpesaBaseURL:        getEnvOrDefault("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke"),
		MpesaConsumerKey:    getEnvOrDefault("MPESA_CONSUMER_KEY", ""),
		MpesaConsumerSecret: getEnvOrDefault("MPESA_CONSUMER_SECRET", ""),
		MpesaShortCode:      getEnvOrDefault("MPESA_SHORTCODE", ""),
		MpesaPasskey:        getEnvOrDefault("MPESA_PASSKEY", ""),
		MpesaCallbackURL:    getEnvOrDefault("MPESA_CALLBACK_URL", ""),
		CardGatewayURL:      getEnvOrDefault("CARD_GATEWAY_URL", ""),
		CardGatewayKey:      getEnvOrDefault("CARD_GATEWAY_KEY", ""),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue int, unit time.Duration) time.Duration {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
			return time.Duration(parsed) * unit
		}
	}
	return time.Duration(defaultValue) * unit
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
