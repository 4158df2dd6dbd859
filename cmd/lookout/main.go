package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"akidetect/internal/bootstrap"
	"akidetect/internal/inference"
	"akidetect/internal/pager"
	"akidetect/internal/pipeline"
	"akidetect/internal/store"
	"akidetect/pkg/config"
	"akidetect/pkg/database"
	"akidetect/pkg/logging"
	"akidetect/pkg/monitoring"
	"akidetect/pkg/server"
	"akidetect/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("lookout")

	// Load environment variables
	config.LoadEnv(logger)

	logger.WithFields(logging.Fields{
		"version": version.Version,
		"commit":  version.GetShortCommit(),
	}).Info("Starting Lookout (AKI Detection Pipeline)")

	mllpAddr := config.RequireEnv("MLLP_ADDRESS")
	pagerAddr := config.RequireEnv("PAGER_ADDRESS")
	metricsPort := config.GetEnv("PROMETHEUS_PORT", "9090")
	databasePath := config.GetEnv("DATABASE_PATH", "/state/aki.db")
	modelPath := config.GetEnv("MODEL_PATH", "/model/aki_model.json")
	historyPath := config.GetEnv("HISTORY_CSV_PATH", "/data/history.csv")

	// Open the feature store
	dbConfig := database.DefaultConfig()
	dbConfig.Path = databasePath
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	if err := database.ApplySchema(db, logger); err != nil {
		logger.WithError(err).Fatal("Failed to apply feature store schema")
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("lookout", version.Version)
	metrics := monitoring.NewMetrics("lookout", version.Version, version.GitCommit)

	featureStore := store.New(db, logger, metrics)

	// Load the predictor; a missing artifact is fatal.
	predictor, err := inference.Load(modelPath)
	if err != nil {
		logger.WithError(err).WithField("path", modelPath).Fatal("Failed to load model artifact")
	}

	pagerClient, err := pager.New(pagerAddr, logger, metrics)
	if err != nil {
		logger.WithError(err).Fatal("Invalid pager address")
	}

	pipeCfg := pipeline.DefaultConfig(mllpAddr)
	pipeCfg.ReadTimeout = config.GetEnvDuration("MLLP_READ_TIMEOUT", pipeCfg.ReadTimeout)
	pipeCfg.ReconnectWait = config.GetEnvDuration("MLLP_RECONNECT_WAIT", pipeCfg.ReconnectWait)
	pipeCfg.ReadBufferSize = config.GetEnvInt("MLLP_READ_BUFFER_BYTES", pipeCfg.ReadBufferSize)

	pipe, err := pipeline.New(pipeCfg, featureStore, predictor, pagerClient, logger, metrics)
	if err != nil {
		logger.WithError(err).Fatal("Invalid upstream address")
	}

	// One-shot historical import against an empty store.
	if err := bootstrap.Run(context.Background(), featureStore, historyPath, logger); err != nil {
		logger.WithError(err).Fatal("Bootstrap import failed")
	}

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"MLLP_ADDRESS":  mllpAddr,
		"PAGER_ADDRESS": pagerAddr,
	}))

	router := server.SetupServiceRouter(logger, "lookout", healthChecker, metrics)

	// Cancel everything on the first termination signal.
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		metrics.SigtermReceived.Inc()
		logger.WithField("signal", sig.String()).Info("Shutdown signal received")
		cancel()
	}()

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		return pipe.Run(ctx)
	})
	g.Go(func() error {
		return server.Start(ctx, server.DefaultConfig("lookout", metricsPort), router, logger)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Fatal("Service failed")
	}
	logger.Info("Lookout stopped")
}
