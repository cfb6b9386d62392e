// Package main provides the API server entry point for the CirclePool
// reconciliation service.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/circlepool/circlepool/internal/api"
	"github.com/circlepool/circlepool/internal/chain"
	"github.com/circlepool/circlepool/internal/config"
	"github.com/circlepool/circlepool/internal/logging"
	"github.com/circlepool/circlepool/internal/retry"
	"github.com/circlepool/circlepool/internal/service"
	"github.com/circlepool/circlepool/internal/storage"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		logging.ParseFormat(cfg.Logging.Format),
	)
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	logger.Info("Connecting to databases...")

	// Postgres may still be coming up when the service starts.
	var postgres *storage.PostgresDB
	err = retry.Do(context.Background(), retry.DefaultConfig(), func(ctx context.Context, attempt int) error {
		var connErr error
		postgres, connErr = storage.NewPostgresDB(&cfg.Database.Postgres)
		if connErr != nil {
			logger.WithError(connErr).WithField("attempt", attempt).Warn("Postgres not ready")
		}
		return connErr
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	redis, err := storage.NewRedisStore(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	logger.Info("Database connections established")

	gateway, err := chain.NewEVMGateway(&cfg.Chain, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize chain gateway")
	}
	logger.WithFields(map[string]interface{}{
		"rpc":      cfg.Chain.RPCURL,
		"contract": cfg.Chain.ContractAddress,
	}).Info("Chain gateway initialized")

	circleRepo := storage.NewCircleRepository(postgres)
	paymentRepo := storage.NewPaymentRepository(postgres)
	runLock := storage.NewRunLock(redis, cfg.Reconciler.LockTTL)

	reconciler, err := service.NewReconciler(&service.ReconcilerConfig{
		Gateway:        gateway,
		Store:          circleRepo,
		Payments:       paymentRepo,
		Guard:          runLock,
		Logger:         logger,
		PayDateBuffer:  cfg.Reconciler.PayDateBuffer,
		DriftTolerance: cfg.Reconciler.DriftTolerance,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize reconciler")
	}

	serverConfig := &api.ServerConfig{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		ReadTimeout: 15 * time.Second,
		// A triggered run waits for on-chain confirmation before it
		// responds, so the write timeout tracks the confirm timeout.
		WriteTimeout:    cfg.Chain.ConfirmTimeout + 30*time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}

	server := api.NewServer(serverConfig, reconciler, runLock, circleRepo, paymentRepo, postgres, redis, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
