// Command landmarkd runs the HTTP API, the processing worker pool, and the
// PENDING sweeper as one process, in the teacher's single-binary main.go
// style: parse config, build the dependency graph by hand, run.
package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/nitesh/landmarkd/internal/api"
	"github.com/nitesh/landmarkd/internal/cache"
	"github.com/nitesh/landmarkd/internal/config"
	"github.com/nitesh/landmarkd/internal/logging"
	"github.com/nitesh/landmarkd/internal/overpass"
	"github.com/nitesh/landmarkd/internal/queue"
	"github.com/nitesh/landmarkd/internal/retrieval"
	"github.com/nitesh/landmarkd/internal/store"
	"github.com/nitesh/landmarkd/internal/submission"
	"github.com/nitesh/landmarkd/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("landmarkd: failed to load configuration")
	}

	log := logging.New(cfg)
	entry := logrus.NewEntry(log)

	db, err := sql.Open("postgres", cfg.PostgresDSN())
	if err != nil {
		entry.WithError(err).Fatal("landmarkd: failed to open database")
	}
	defer db.Close()

	if err := store.RunMigrations(db); err != nil {
		entry.WithError(err).Fatal("landmarkd: failed to run migrations")
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	pgStore := store.NewPgStore(db)
	hotCache := cache.New(cfg.CacheMaxEntries, cfg.CacheTTL(), entry.WithField("component", "cache"))
	q := queue.NewRedisQueue(redisClient, cfg.QueueTopic, entry.WithField("component", "queue"))
	overpassClient := overpass.New(cfg.OverpassBaseURL, cfg.ExternalTimeout(), cfg.ExternalTransportRetries, entry.WithField("component", "overpass"))

	coordinator := submission.New(pgStore, hotCache, q, cfg.QueryRadiusMeters, cfg.CacheExpirationDuration, entry.WithField("component", "submission"))
	retrievalSvc := retrieval.New(pgStore, hotCache, cfg.QueryRadiusMeters)
	proc := worker.New(pgStore, hotCache, q, overpassClient, cfg.CacheExpirationDuration, entry.WithField("component", "worker"))

	handler := api.NewHandler(coordinator, retrievalSvc, entry.WithField("component", "api"))
	router := gin.New()
	router.Use(gin.Recovery())
	api.RegisterRoutes(router, handler, cfg.WebhookSecret)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go runWorker(ctx, proc, cfg, entry)
	go runSweeper(ctx, proc, cfg, entry)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: router,
	}

	go func() {
		entry.WithField("port", cfg.HTTPPort).Info("landmarkd: listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			entry.WithError(err).Fatal("landmarkd: http server failed")
		}
	}()

	<-ctx.Done()
	entry.Info("landmarkd: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		entry.WithError(err).Error("landmarkd: http shutdown failed")
	}
}

func runWorker(ctx context.Context, proc *worker.Worker, cfg config.Config, log *logrus.Entry) {
	if err := proc.Run(ctx, cfg.ConsumerGroup, cfg.WorkerConcurrency); err != nil && ctx.Err() == nil {
		log.WithError(err).Error("landmarkd: worker pool exited")
	}
}

// runSweeper drives worker.SweepStalePending on a ticker, resolving the §9
// PENDING-starvation open question outside the request/response path.
func runSweeper(ctx context.Context, proc *worker.Worker, cfg config.Config, log *logrus.Entry) {
	ticker := time.NewTicker(cfg.PendingSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := proc.SweepStalePending(ctx, cfg.PendingSweepThreshold); err != nil {
				log.WithError(err).Warn("landmarkd: pending sweep failed")
			}
		}
	}
}
