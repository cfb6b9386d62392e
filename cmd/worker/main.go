// Package main provides the scheduled worker entry point. It runs the
// lifecycle reconciler on a cron schedule instead of waiting for HTTP
// triggers.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

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

	// Postgres may still be coming up when the worker starts.
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

	gateway, err := chain.NewEVMGateway(&cfg.Chain, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize chain gateway")
	}

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runOnce := func() {
		report, err := reconciler.Run(ctx, service.JobAll)
		if err != nil {
			if errors.Is(err, storage.ErrLockHeld) {
				// Another instance, or an HTTP trigger, is mid-run.
				logger.Info("Skipping scheduled run: lock held")
				return
			}
			logger.WithError(err).Error("Scheduled run failed")
			return
		}
		for job, res := range report.Jobs {
			logger.WithFields(map[string]interface{}{
				"job":          string(job),
				"success":      res.Success,
				"processed":    res.Processed,
				"failed":       res.Failed,
				"skipped":      res.Skipped,
				"inconclusive": res.Inconclusive,
			}).Info("Scheduled job completed")
		}
	}

	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(cfg.Reconciler.CronSchedule, runOnce); err != nil {
		logger.WithError(err).Fatal("Invalid cron schedule")
	}

	c.Start()
	logger.WithField("schedule", cfg.Reconciler.CronSchedule).Info("Worker started")

	// Run immediately on startup so a restart never waits a full tick.
	runOnce()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")
	cancel()
	<-c.Stop().Done()
	logger.Info("Worker exited")
}
