package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DBSource string
	Port     string
	Env      string

	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string
	KafkaTopic   string

	RailBaseURL string
	RailAPIKey  string
	RailTimeout time.Duration

	PriceFeedURL     string
	PriceTTL         time.Duration
	PriceMarkdownBps int64

	LimitURL string
	AuthURL  string

	SupportedAssets []string
	FeeBps          int64

	IdempotencyTTL time.Duration
	LockTTL        time.Duration
	LockWait       time.Duration

	ReconcileAfter    time.Duration
	ReconcileInterval time.Duration
	ReconcileBatch    int
}

func Load() (*Config, error) {
	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	cfg := &Config{
		DBSource: dbSource,
		Port:     getEnv("SERVER_PORT", "8080"),
		Env:      getEnv("ENVIRONMENT", "development"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		KafkaBrokers: splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "settlement-events"),

		RailBaseURL: getEnv("RAIL_BASE_URL", "http://localhost:9090"),
		RailAPIKey:  os.Getenv("RAIL_API_KEY"),

		PriceFeedURL: getEnv("PRICE_FEED_URL", "http://localhost:9091/v1/prices"),

		LimitURL: getEnv("LIMIT_URL", "http://localhost:9092"),
		AuthURL:  getEnv("AUTH_URL", "http://localhost:9093"),

		SupportedAssets: splitList(getEnv("SUPPORTED_ASSETS", "USDT,BTC,ETH")),
	}

	var err error
	if cfg.RailTimeout, err = getDuration("RAIL_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.PriceTTL, err = getDuration("PRICE_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.PriceMarkdownBps, err = getInt64("PRICE_MARKDOWN_BPS", 0); err != nil {
		return nil, err
	}
	if cfg.FeeBps, err = getInt64("FEE_BPS", 0); err != nil {
		return nil, err
	}
	if cfg.IdempotencyTTL, err = getDuration("IDEMPOTENCY_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.LockTTL, err = getDuration("LOCK_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.LockWait, err = getDuration("LOCK_WAIT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReconcileAfter, err = getDuration("RECONCILE_AFTER", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ReconcileInterval, err = getDuration("RECONCILE_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	batch, err := getInt64("RECONCILE_BATCH", 50)
	if err != nil {
		return nil, err
	}
	cfg.ReconcileBatch = int(batch)

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
