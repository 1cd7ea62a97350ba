// Package oracle supplies USD conversion rates from the upstream price feed,
// cached in Redis with a short TTL and adjusted by a markdown overlay. It is
// read-only with respect to the ledger.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrMiss is the cache-miss sentinel.
var ErrMiss = errors.New("cache miss")

// Cache is the shared price cache. A process-local map would break
// correctness with more than one instance running, so the production
// implementation is Redis.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// RedisCache adapts go-redis to the Cache contract.
type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return val, err
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

type Oracle struct {
	feedURL  string
	client   *http.Client
	cache    Cache
	ttl      time.Duration
	markdown decimal.Decimal
	logger   *zap.Logger
}

// New builds an oracle. markdownBps shades every quote downward, e.g. 200
// bps turns a feed price of 100 into 98.
func New(feedURL string, cache Cache, ttl time.Duration, markdownBps int64, logger *zap.Logger) *Oracle {
	markdown := decimal.NewFromInt(1).Sub(
		decimal.NewFromInt(markdownBps).Div(decimal.NewFromInt(10000)))
	return &Oracle{
		feedURL:  feedURL,
		client:   &http.Client{Timeout: 5 * time.Second},
		cache:    cache,
		ttl:      ttl,
		markdown: markdown,
		logger:   logger,
	}
}

type feedResponse struct {
	Asset    string `json:"asset"`
	USDPrice string `json:"usd_price"`
}

// Price returns the markdown-adjusted USD price for one whole unit of asset.
func (o *Oracle) Price(ctx context.Context, asset string) (decimal.Decimal, error) {
	cacheKey := "price:" + asset

	if cached, err := o.cache.Get(ctx, cacheKey); err == nil {
		if p, perr := decimal.NewFromString(cached); perr == nil {
			return p, nil
		}
	} else if !errors.Is(err, ErrMiss) {
		o.logger.Warn("price cache read failed", zap.String("asset", asset), zap.Error(err))
	}

	price, err := o.fetch(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	marked := price.Mul(o.markdown)

	if err := o.cache.Set(ctx, cacheKey, marked.String(), o.ttl); err != nil {
		o.logger.Warn("price cache write failed", zap.String("asset", asset), zap.Error(err))
	}
	return marked, nil
}

// Rate is the conversion rate from one unit of fromAsset into toAsset, both
// legs already markdown-adjusted.
func (o *Oracle) Rate(ctx context.Context, fromAsset, toAsset string) (decimal.Decimal, error) {
	from, err := o.Price(ctx, fromAsset)
	if err != nil {
		return decimal.Zero, err
	}
	to, err := o.Price(ctx, toAsset)
	if err != nil {
		return decimal.Zero, err
	}
	if to.IsZero() {
		return decimal.Zero, fmt.Errorf("zero price for %s", toAsset)
	}
	return from.DivRound(to, 18), nil
}

func (o *Oracle) fetch(ctx context.Context, asset string) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		o.feedURL+"?asset="+url.QueryEscape(asset), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price feed unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("price feed returned %d for %s", resp.StatusCode, asset)
	}

	var out feedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decimal.Zero, fmt.Errorf("price feed decode: %w", err)
	}
	price, err := decimal.NewFromString(out.USDPrice)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price feed returned bad price %q: %w", out.USDPrice, err)
	}
	return price, nil
}
