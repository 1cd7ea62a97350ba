package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/settleops/internal/api"
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

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	var logger *zap.Logger
	if cfg.Env == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
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

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	api.NewHandler(svc, logger).Register(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", zap.Error(err))
	}
}
