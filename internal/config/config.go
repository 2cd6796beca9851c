package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServiceName string
	HTTPAddr    string
	DBPath      string
	RabbitURL   string // empty disables event publishing

	LowStockThreshold int64
	CartHoldTTL       time.Duration
	CheckoutHoldTTL   time.Duration
	SweepInterval     time.Duration
	CatalogCacheSize  int
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getenvDur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func Load() Config {
	return Config{
		ServiceName: getenv("STOCKROOM_SERVICE_NAME", "stockroom"),
		HTTPAddr:    getenv("STOCKROOM_HTTP_ADDR", ":8080"),
		DBPath:      getenv("STOCKROOM_DB_PATH", "stockroom.db"),
		RabbitURL:   getenv("RABBITMQ_URL", ""),

		LowStockThreshold: getenvInt("STOCKROOM_LOW_STOCK_THRESHOLD", 5),
		// cart holds outlive checkout holds: abandonment window vs. the
		// short lock taken while consuming
		CartHoldTTL:      getenvDur("STOCKROOM_CART_HOLD_TTL", 30*time.Minute),
		CheckoutHoldTTL:  getenvDur("STOCKROOM_CHECKOUT_HOLD_TTL", 5*time.Minute),
		SweepInterval:    getenvDur("STOCKROOM_SWEEP_INTERVAL", 30*time.Second),
		CatalogCacheSize: int(getenvInt("STOCKROOM_CATALOG_CACHE_SIZE", 1024)),
	}
}

const ShutdownGrace = 10 * time.Second
