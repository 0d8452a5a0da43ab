// Command server runs the access list registry: an event-sourced store with a
// REST surface, Prometheus metrics, and a Kafka audit trail.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"regledger/internal/accesslist/audit"
	"regledger/internal/accesslist/handler"
	accmetrics "regledger/internal/accesslist/metrics"
	"regledger/internal/accesslist/service"
	"regledger/internal/accesslist/store"
	"regledger/internal/platform/config"
	"regledger/internal/platform/httpserver"
	"regledger/internal/platform/kafka"
	"regledger/internal/platform/logger"
	"regledger/internal/platform/metrics"
	"regledger/internal/platform/middleware"
	"regledger/internal/platform/postgres"
	"regledger/internal/platform/redis"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		return err
	}

	redisClient, err := redis.New(ctx, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Audit falls back to an in-memory sink when Kafka is not configured, so
	// local development does not need a broker.
	var sink audit.Sink = audit.NewInMemorySink()
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := kafka.NewProducer(ctx, cfg.KafkaBrokers, cfg.AuditTopic, log)
		if err != nil {
			return err
		}
		defer producer.Close()
		if err := producer.EnsureTopic(ctx, 3, 1); err != nil {
			return err
		}
		sink = audit.NewKafkaSink(producer)
	}
	publisher := audit.NewPublisher(sink,
		audit.WithAsyncBuffer(cfg.AuditBufferSize),
		audit.WithLogger(log),
	)
	defer publisher.Close()

	listMetrics := accmetrics.New()
	st := store.NewPostgres(db, listMetrics)
	svc := service.New(st,
		service.WithLogger(log),
		service.WithAuditPublisher(publisher),
	)

	httpMetrics := metrics.New()
	router := chi.NewRouter()
	router.Use(
		middleware.Recovery(log),
		middleware.RequestID,
		middleware.Logger(log),
		httpMetrics.Instrument,
		middleware.Timeout(cfg.RequestTimeout),
		middleware.ContentTypeJSON,
	)
	if redisClient != nil {
		router.Use(middleware.RateLimit(redisClient.Client, cfg.RateLimitPerMinute, log))
	}

	handler.New(svc, log).Register(router)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := httpserver.New(cfg.Addr, router)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("starting server", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutting down", "grace", cfg.ShutdownTimeout)
		return httpserver.Shutdown(srv, cfg.ShutdownTimeout)
	})

	return group.Wait()
}
