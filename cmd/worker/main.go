package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"campusattend/internal/app"
	"campusattend/internal/attendance"
	"campusattend/internal/clock"
	"campusattend/internal/config"
	"campusattend/internal/logger"
	"campusattend/internal/scheduler"
)

const runLockKey = "attendance:reconcile:lock"

// Worker finalizes attendance on the configured schedule and on request.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file, using environment")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	lg, err := logger.New(&cfg.Log, "attendance-worker")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	if err := run(cfg, lg); err != nil {
		lg.Fatal("worker failed", zap.Error(err))
	}
}

func run(cfg config.App, lg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := app.Open(ctx, cfg, lg)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			lg.Warn("close backends", zap.Error(err))
		}
	}()
	if err := b.CheckWorker(); err != nil {
		return err
	}
	if !b.Shared() {
		lg.Warn("memory queue selected, run requests from the api do not reach the worker")
	}

	clk := clock.System{}
	att := attendance.NewService(b.Store, nil, clk, cfg.LatenessThreshold(), lg.Named("attendance"))
	job := scheduler.NewJob(b.Store, att, clk, cfg.GracePeriod(), cfg.Location(), lg.Named("reconcile"))
	if b.Shared() {
		job.WithLock(b.Redis, runLockKey, cfg.RunLockTTL).WithPublisher(b.Events)
	}

	cr, err := scheduler.NewCron(job, cfg.ReconcileSchedule, cfg.Location(), cfg.RunLockTTL, lg.Named("cron"))
	if err != nil {
		return err
	}
	cr.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error("metrics server failed", zap.Error(err))
		}
	}()

	lg.Info("worker started",
		zap.String("schedule", cfg.ReconcileSchedule),
		zap.String("timezone", cfg.Timezone),
		zap.Duration("grace", cfg.GracePeriod()))
	if err := job.Serve(ctx, b.Jobs); err != nil && !errors.Is(err, context.Canceled) {
		lg.Error("reconcile consumer stopped", zap.Error(err))
	}

	lg.Info("shutdown signal received, waiting for running pass")
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.RunLockTTL)
	defer cancel()
	if err := cr.Stop(stopCtx); err != nil {
		lg.Warn("running pass did not finish in time", zap.Error(err))
	}
	_ = metricsSrv.Shutdown(stopCtx)
	lg.Info("worker stopped")
	return nil
}
