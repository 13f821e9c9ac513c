package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/minicommerce/orders/internal/inbound"
	"github.com/minicommerce/orders/internal/schema"
	"github.com/minicommerce/orders/internal/shared/config"
	"github.com/minicommerce/orders/internal/shared/db"
	"github.com/minicommerce/orders/internal/shared/kafkax"
	"github.com/minicommerce/orders/internal/shared/logger"
	"github.com/minicommerce/orders/internal/store"
)

const appName = "order-consumer"

func main() {
	cfg := config.Load()
	log := logger.New(appName, cfg.AppEnv)

	if cfg.DatabaseURL == "" {
		log.Error("config_error", slog.String("err", "DATABASE_URL is empty"))
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := db.OpenPostgres(ctx, db.PostgresConfig{DatabaseURL: cfg.DatabaseURL})
	if err != nil {
		log.Error("db_open_failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer func() { _ = pg.Close() }()

	registry, err := schema.Load()
	if err != nil {
		log.Error("schema_load_failed", slog.String("err", err.Error()))
		os.Exit(1)
	}

	consumer := kafkax.NewConsumer(kafkax.ConsumerConfig{
		Brokers: cfg.KafkaBrokers,
		Topics:  cfg.ConsumerTopics,
		GroupID: cfg.KafkaGroupID,
	})
	defer func() { _ = consumer.Close() }()

	producer := kafkax.NewProducer(kafkax.ProducerConfig{
		Brokers:      cfg.KafkaBrokers,
		ClientID:     appName,
		WriteTimeout: cfg.PublishTimeout,
	})
	defer func() { _ = producer.Close() }()

	reg := prometheus.NewRegistry()
	m := inbound.NewMetrics(reg)

	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("metrics_listen", slog.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics_server_error", slog.String("err", err.Error()))
		}
	}()

	handler := inbound.NewHandler(log, store.NewPostgresStore(pg), registry, cfg.ConsumerMaxRetries, cfg.ConsumerRetryBackoff)
	worker := inbound.NewWorker(log, consumer, handler, producer, m)

	log.Info("consumer_config",
		slog.String("topics", strings.Join(cfg.ConsumerTopics, ",")),
		slog.String("group_id", cfg.KafkaGroupID),
	)

	worker.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
}
