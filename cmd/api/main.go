package main

import (
	"go.uber.org/zap"

	"mailfeed/internal/aggregate"
	"mailfeed/internal/api"
	"mailfeed/internal/repository"
	"mailfeed/pkg/config"
	"mailfeed/pkg/db"
	"mailfeed/pkg/logger"
	"mailfeed/pkg/mq"
)

const routingKey = "notification.status"

func main() {
	log := logger.NewLogger()
	defer log.Sync()

	cfg, err := config.Load(config.GetEnv("CONFIG_PATH", "config/base.yaml"))
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}

	log.Info("Starting dashboard API",
		zap.String("port", cfg.Server.Port),
		zap.String("events_table", cfg.Pipeline.EventsTable),
	)

	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("DB initialization failed", zap.Error(err))
	}
	defer dbConn.Close()

	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init publisher", zap.Error(err))
	}
	defer publisher.Close()

	eventRepo := repository.NewEventRepository(dbConn, cfg.Pipeline.EventsTable, log)
	archiveRepo := repository.NewArchiveRepository(dbConn, cfg.Pipeline.ArchiveTable)
	aggregator := aggregate.New(eventRepo, aggregate.DefaultPeriod, log)

	router := api.NewRouter(
		api.NewMetricsHandler(aggregator),
		api.NewArchiveHandler(archiveRepo),
		api.NewSimulateHandler(publisher, routingKey),
		publisher,
	)

	if err := router.Run(cfg.Server.Port); err != nil {
		log.Fatal("API server failed", zap.Error(err))
	}
}
