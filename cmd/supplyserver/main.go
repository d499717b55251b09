// Package main runs the supply layer API server: restaurant registry,
// planning snapshots, reorder proposals, and ledger-backed supplier payouts
// behind one HTTP surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/stockpot-labs/supply_layer/internal/app"
	"github.com/stockpot-labs/supply_layer/internal/app/httpapi"
	"github.com/stockpot-labs/supply_layer/internal/app/services/auth"
	"github.com/stockpot-labs/supply_layer/internal/app/storage/postgres"
	"github.com/stockpot-labs/supply_layer/internal/config"
	"github.com/stockpot-labs/supply_layer/pkg/logger"
)

func main() {
	_ = godotenv.Load() // allow .env for local runs

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	}).WithField("service", "supplyserver")

	log.WithField("environment", cfg.Environment).Info("starting supply layer")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stores app.Stores
	if dsn := cfg.Database.DSN; dsn != "" {
		db, err := sqlx.Open("postgres", dsn)
		if err != nil {
			log.WithError(err).Fatal("open postgres")
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
		if err := db.PingContext(ctx); err != nil {
			log.WithError(err).Fatal("ping postgres")
		}
		if err := postgres.Migrate(db); err != nil {
			log.WithError(err).Fatal("migrate postgres")
		}
		defer db.Close()

		store := postgres.New(db)
		stores = app.Stores{
			Restaurants: store,
			Catalog:     store,
			Intents:     store,
			Pipeline:    store,
		}
		log.Info("using postgres store")
	} else {
		log.Warn("SUPPLY_DB_DSN not set; records are kept in memory and lost on restart")
	}

	if addr := cfg.Redis.Addr; addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			log.WithError(err).Fatal("ping redis")
		}
		defer rdb.Close()

		stores.Replays = auth.NewRedisReplayStore(rdb)
		log.Info("replay markers shared via redis")
	}

	application, err := app.New(cfg, stores, log)
	if err != nil {
		log.WithError(err).Fatal("build application")
	}
	if err := application.Start(ctx); err != nil {
		log.WithError(err).Fatal("start application")
	}

	handler, err := httpapi.NewServer(application, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("build http server")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.WithField("addr", addr).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("application stop")
	}
	log.Info("stopped")
}
