package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mailfeed/internal/decode"
	"mailfeed/internal/repository"
	"mailfeed/internal/webhook"
	"mailfeed/internal/worker"
	"mailfeed/pkg/config"
	"mailfeed/pkg/db"
	"mailfeed/pkg/logger"
	"mailfeed/pkg/mq"
	redisclient "mailfeed/pkg/redis"
	"mailfeed/pkg/util"
)

const (
	queueName  = "notifications.ingest.q"
	routingKey = "notification.status"
)

func main() {
	log := logger.NewLogger()
	defer log.Sync()

	cfg, err := config.Load(config.GetEnv("CONFIG_PATH", "config/base.yaml"))
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}

	log.Info("Starting ingest worker",
		zap.String("events_table", cfg.Pipeline.EventsTable),
		zap.Int("webhook_receivers", len(cfg.Pipeline.WebhookURLs)),
		zap.Int64("max_receive_count", cfg.Pipeline.MaxReceiveCount),
	)

	// Redis: receive counting and webhook dedup.
	rdb := redisclient.NewRedisClient(cfg.Redis)
	defer rdb.Close()

	// Postgres: the durable event store.
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("DB initialization failed", zap.Error(err))
	}
	defer dbConn.Close()

	// DLQ publisher.
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init publisher", zap.Error(err))
	}
	defer publisher.Close()

	if err := publisher.EnsureDLQ(routingKey); err != nil {
		log.Fatal("Failed to declare DLQ queue", zap.Error(err))
	}

	retention := time.Duration(cfg.Pipeline.RetentionDays) * 24 * time.Hour
	decoder := decode.NewDecoder(retention, log)
	eventRepo := repository.NewEventRepository(dbConn, cfg.Pipeline.EventsTable, log)
	dispatcher := webhook.NewDispatcher(cfg.Pipeline.WebhookURLs, webhook.Options{}, log)
	counter := util.NewReceiveCounter(rdb, time.Hour)
	deduper := util.NewDeduper(rdb, time.Hour, log)

	w := worker.New(decoder, eventRepo, dispatcher, counter, publisher, deduper, worker.Config{
		RoutingKey:      routingKey,
		MaxReceiveCount: cfg.Pipeline.MaxReceiveCount,
		Concurrency:     cfg.Pipeline.Concurrency,
	}, log)

	consumer, err := mq.NewConsumer(cfg.MQ.URL, queueName, routingKey, cfg.Pipeline.BatchSize, log)
	if err != nil {
		log.Fatal("Failed to init consumer", zap.Error(err))
	}
	defer consumer.Close()

	consumer.SetHandler(func(ctx context.Context, bodies [][]byte) []mq.Outcome {
		result := w.ProcessBatch(ctx, bodies)
		outcomes := make([]mq.Outcome, len(result.Results))
		for i, res := range result.Results {
			if res.Status == worker.StatusRedeliveryPending {
				outcomes[i] = mq.OutcomeRequeue
			} else {
				outcomes[i] = mq.OutcomeAck
			}
		}
		if result.StatusCode != 200 {
			log.Warn("Batch completed with webhook failures",
				zap.Int("status_code", result.StatusCode),
				zap.Int("batch_size", len(bodies)),
			)
		}
		return outcomes
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := consumer.StartConsuming(ctx); err != nil && err != context.Canceled {
			log.Fatal("Consumer failed", zap.Error(err))
		}
	}()

	// Prometheus endpoint.
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: cfg.Server.MetricsPort, Handler: metricsMux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Metrics server failed", zap.Error(err))
		}
	}()

	log.Info("Ingest worker ready",
		zap.String("queue", queueName),
		zap.String("routing_key", routingKey),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down ingest worker")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
}
