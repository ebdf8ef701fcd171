package main

import (
	"context"
	"strings"
	"time"

	"github.com/truongvando/ezstream-sub009/internal/dispatch"
	"github.com/truongvando/ezstream-sub009/internal/fleetstats"
	"github.com/truongvando/ezstream-sub009/internal/handlers"
	"github.com/truongvando/ezstream-sub009/internal/jobs"
	"github.com/truongvando/ezstream-sub009/internal/reconciler"
	"github.com/truongvando/ezstream-sub009/internal/store"
	"github.com/truongvando/ezstream-sub009/pkg/config"
	"github.com/truongvando/ezstream-sub009/pkg/database"
	"github.com/truongvando/ezstream-sub009/pkg/kafka"
	"github.com/truongvando/ezstream-sub009/pkg/logging"
	"github.com/truongvando/ezstream-sub009/pkg/monitoring"
	redisclient "github.com/truongvando/ezstream-sub009/pkg/redis"
	"github.com/truongvando/ezstream-sub009/pkg/server"
	"github.com/truongvando/ezstream-sub009/pkg/version"
)

func main() {
	// Initialize logger
	logger := logging.NewLoggerWithService("harbormaster")

	// Load environment variables
	config.LoadEnv(logger)

	logger.WithField("version", version.Version).Info("Starting Harbormaster stream reconciliation service")

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = config.GetEnv("DATABASE_URL", "")
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	st := store.New(db, logger)

	// Connect to Redis for the fleet stats read model
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	rdb, err := redisclient.NewClient(ctx, redisclient.Config{
		Addr:     config.GetEnv("REDIS_ADDR", "localhost:6379"),
		Password: config.GetEnv("REDIS_PASSWORD", ""),
		DB:       config.GetEnvInt("REDIS_DB", 0),
	})
	cancel()
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer rdb.Close()

	// Kafka producer for outbound agent commands
	brokers := strings.Split(config.GetEnv("KAFKA_BROKERS", "localhost:9092"), ",")
	producer, err := kafka.NewProducer(brokers, "harbormaster", logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka producer")
	}
	defer producer.Close()

	dispatcher := dispatch.New(producer, st, config.GetEnv("KAFKA_COMMAND_TOPIC", dispatch.DefaultTopic), logger)

	fleetTTL := config.GetEnvDuration("FLEET_CACHE_TTL", fleetstats.DefaultTTL)
	fleet := fleetstats.New(rdb, st, fleetTTL, logger)

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("harbormaster", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("harbormaster", version.Version, version.GitCommit)

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(rdb))
	healthChecker.AddCheck("kafka", monitoring.KafkaProducerHealthCheck(producer.GetClient()))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": config.GetEnv("DATABASE_URL", ""),
		"APP_SECRET":   config.GetEnv("APP_SECRET", ""),
	}))

	engineMetrics := reconciler.NewMetrics(metricsCollector)
	engine := reconciler.New(st, dispatcher, logger, engineMetrics)

	// Periodic export of per-VPS stream counters
	exporter := jobs.NewCapacityExporter(jobs.CapacityExporterConfig{
		Store:    st,
		Metrics:  engineMetrics,
		Logger:   logger,
		Interval: config.GetEnvDuration("CAPACITY_EXPORT_INTERVAL", 15*time.Second),
	})
	exporter.Start()
	defer exporter.Stop()

	// Background sweep of unresponsive VPS hosts
	sweeper := jobs.NewStaleVpsSweeper(jobs.StaleVpsSweeperConfig{
		Engine:     engine,
		Logger:     logger,
		Interval:   config.GetEnvDuration("VPS_SWEEP_INTERVAL", time.Minute),
		StaleAfter: config.GetEnvDuration("VPS_STALE_AFTER", 5*time.Minute),
	})
	sweeper.Start()
	defer sweeper.Stop()

	h := handlers.New(engine, st, fleet, handlers.Config{
		AppSecret: config.RequireEnv("APP_SECRET"),
		JWTSecret: config.GetEnv("JWT_SECRET", config.GetEnv("APP_SECRET", "")),
	}, logger)

	router := server.SetupRouter(logger)
	router.Use(metricsCollector.MetricsMiddleware())
	router.GET("/health", healthChecker.Handler())
	router.GET("/metrics", metricsCollector.Handler())
	h.RegisterRoutes(router)

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("harbormaster", "18100")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
