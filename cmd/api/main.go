package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"campusattend/internal/api"
	"campusattend/internal/app"
	"campusattend/internal/attendance"
	"campusattend/internal/clock"
	"campusattend/internal/cloudinary"
	"campusattend/internal/config"
	"campusattend/internal/httpmiddleware"
	"campusattend/internal/logger"
	"campusattend/internal/qrtoken"
	"campusattend/internal/rooms"
	"campusattend/internal/scheduler"
	"campusattend/internal/sessions"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file, using environment")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	lg, err := logger.New(&cfg.Log, "attendance-api")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	// Set Gin mode based on environment
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, lg); err != nil {
		lg.Fatal("http server failed", zap.Error(err))
	}
}

func runHTTP(cfg config.App, lg *zap.Logger) error {
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

	clk := clock.System{}
	rs := rooms.NewService(b.Store, lg.Named("rooms"))
	qr := qrtoken.NewManager(b.Store, qrtoken.NewSignedCodec(cfg.QRSigningKey, cfg.JWTIssuer), clk, cfg.QRValidity(), lg.Named("qr"))
	att := attendance.NewService(b.Store, qr, clk, cfg.LatenessThreshold(), lg.Named("attendance"))
	if b.Shared() {
		att.SetPublisher(b.Events)
	}

	duties := b.APIDuties()
	job := scheduler.NewJob(b.Store, att, clk, cfg.GracePeriod(), cfg.Location(), lg.Named("reconcile"))
	if duties.ServeRequests {
		go func() {
			if err := job.Serve(ctx, b.Jobs); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("reconcile consumer stopped", zap.Error(err))
			}
		}()
	}
	if duties.Schedule {
		if b.Shared() {
			job.WithPublisher(b.Events)
		}
		cr, err := scheduler.NewCron(job, cfg.ReconcileSchedule, cfg.Location(), cfg.RunLockTTL, lg.Named("cron"))
		if err != nil {
			return err
		}
		cr.Start()
		lg.Info("memory store selected, reconciling in the api process")
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.RunLockTTL)
			defer cancel()
			if err := cr.Stop(stopCtx); err != nil {
				lg.Warn("running pass did not finish in time", zap.Error(err))
			}
		}()
	}

	var uploader api.Uploader
	if cfg.Cloudinary.Enabled() {
		uploader = cloudinary.New(cfg.Cloudinary.CloudName, cfg.Cloudinary.APIKey, cfg.Cloudinary.APISecret, cfg.Cloudinary.Folder)
		lg.Info("cloudinary configured", zap.String("cloud", cfg.Cloudinary.CloudName))
	} else {
		lg.Info("cloudinary not configured, justification uploads disabled")
	}

	router := api.NewRouter(api.Deps{
		Sessions:     sessions.NewService(b.Store, rs, clk, lg.Named("sessions")),
		Rooms:        rs,
		Attendance:   att,
		QR:           qr,
		Renderer:     qrtoken.NewRenderer(512, cfg.QRValidity()),
		Jobs:         b.Jobs,
		Uploader:     uploader,
		Clock:        clk,
		Log:          lg,
		SigningKey:   cfg.JWTSigningKey,
		Issuer:       cfg.JWTIssuer,
		ScanLimiter:  httpmiddleware.NewLimiter(cfg.RateLimitPerMin),
		QRValidity:   cfg.QRValidity(),
		CORSOrigins:  cfg.CORSOrigins,
		HealthChecks: b.HealthChecks(),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		lg.Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	lg.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Warn("server forced shutdown", zap.Error(err))
	}
	lg.Info("server exited")
	return nil
}
