package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/punchamoorthee/settleops/internal/audit"
	"github.com/punchamoorthee/settleops/internal/config"
	"github.com/punchamoorthee/settleops/internal/dlock"
	"github.com/punchamoorthee/settleops/internal/guard"
	"github.com/punchamoorthee/settleops/internal/idempotency"
	"github.com/punchamoorthee/settleops/internal/notify"
	"github.com/punchamoorthee/settleops/internal/oracle"
	"github.com/punchamoorthee/settleops/internal/rail"
	"github.com/punchamoorthee/settleops/internal/settlement"
	"github.com/punchamoorthee/settleops/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// The reconciler resolves operations stuck in SUBMITTED by querying the
// provider. It runs alongside the API instances; the per-operation lock
// makes concurrent instances safe.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewStore(cfg.DBSource)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	defer rdb.Close()

	recorder := audit.NewRecorder(audit.NewPostgresSink(db.Db), 1024, logger)
	defer recorder.Close()

	notifier := notify.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	defer notifier.Close()

	svc := settlement.NewService(
		db,
		idempotency.NewStore(rdb, cfg.IdempotencyTTL),
		settlement.NewLocker(dlock.New(rdb)),
		rail.NewHTTPAdapter(cfg.RailBaseURL, cfg.RailAPIKey, cfg.RailTimeout, logger),
		oracle.New(cfg.PriceFeedURL, oracle.NewRedisCache(rdb), cfg.PriceTTL, cfg.PriceMarkdownBps, logger),
		guard.NewHTTPAuthVerifier(cfg.AuthURL, 5*time.Second),
		guard.NewHTTPLimitChecker(cfg.LimitURL, 5*time.Second),
		recorder,
		notifier,
		logger,
		settlement.Config{
			SupportedAssets: cfg.SupportedAssets,
			FeeBps:          cfg.FeeBps,
			LockTTL:         cfg.LockTTL,
			LockWait:        cfg.LockWait,
			ReconcileAfter:  cfg.ReconcileAfter,
			ReconcileBatch:  cfg.ReconcileBatch,
		},
	)

	logger.Info("reconciler starting",
		zap.Duration("interval", cfg.ReconcileInterval),
		zap.Duration("after", cfg.ReconcileAfter),
		zap.Int("batch", cfg.ReconcileBatch))

	ticker := time.NewTicker(cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("reconciler stopping")
			return
		case <-ticker.C:
			n, err := svc.Reconcile(ctx)
			if err != nil {
				logger.Error("reconcile pass failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("reconcile pass complete", zap.Int("resolved", n))
			}
		}
	}
}
