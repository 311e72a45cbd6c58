package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/certhub/certhub/internal/audit"
	"github.com/certhub/certhub/internal/auth"
	"github.com/certhub/certhub/internal/config"
	"github.com/certhub/certhub/internal/httpserver"
	"github.com/certhub/certhub/internal/platform"
	"github.com/certhub/certhub/internal/telemetry"
	"github.com/certhub/certhub/pkg/agent"
	"github.com/certhub/certhub/pkg/certificate"
	"github.com/certhub/certhub/pkg/device"
	"github.com/certhub/certhub/pkg/devicecert"
	"github.com/certhub/certhub/pkg/installjob"
	"github.com/certhub/certhub/pkg/jobqueue"
	"github.com/certhub/certhub/pkg/user"
	"github.com/certhub/certhub/pkg/watcher"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the requested mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting certhub",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, db, rdb)
	case "migrate":
		return nil
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	tokens, err := auth.NewTokenService(auth.TokenConfig{
		Secret:           cfg.JWTSecret,
		AccessTTL:        time.Duration(cfg.AccessTokenTTLMin) * time.Minute,
		DeviceTTL:        time.Duration(cfg.DeviceTokenTTLMin) * time.Minute,
		RefreshTTL:       time.Duration(cfg.RefreshTTLDays) * 24 * time.Hour,
		SetPasswordTTL:   time.Duration(cfg.SetPasswordTTLMin) * time.Minute,
		ResetPasswordTTL: time.Duration(cfg.ResetPasswordTTLMin) * time.Minute,
		CookieSecure:     cfg.CookieSecure,
		CookieHTTPOnly:   cfg.CookieHTTPOnly,
		CookieSameSite:   cfg.CookieSameSite,
	})
	if err != nil {
		return fmt.Errorf("creating token service: %w", err)
	}
	limiter := auth.NewRateLimiter(rdb)

	mailer, err := user.NewMailer(user.MailerConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		User:     cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	})
	if err != nil {
		return fmt.Errorf("creating mailer: %w", err)
	}
	if mailer == nil {
		logger.Info("password reset emails disabled (SMTP_HOST not set), tokens will be logged instead")
	}

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg, tokens)

	userSvc := user.NewService(db, tokens, limiter, mailer, logger, user.Config{
		LockoutMaxAttempts: cfg.LockoutMaxAttempts,
		LockoutDuration:    time.Duration(cfg.LockoutMinutes) * time.Minute,
		SetPasswordTTL:     time.Duration(cfg.SetPasswordTTLMin) * time.Minute,
		ResetPasswordTTL:   time.Duration(cfg.ResetPasswordTTLMin) * time.Minute,
		BcryptCost:         cfg.BcryptCost,
	})
	deviceSvc := device.NewService(db)
	certSvc := certificate.NewService(db, cfg.CertsRootPath, cfg.OpenSSLPath, logger)
	installSvc := installjob.NewService(db, deviceSvc, certSvc, limiter, cfg.RetentionKeepUntilMaxHours, time.Duration(cfg.JobTimeoutMinutes)*time.Minute)
	devicecertSvc := devicecert.NewService(db, deviceSvc)
	agentSvc := agent.NewService(db, deviceSvc, tokens, limiter)

	userHandler := user.NewHandler(userSvc, logger)
	deviceHandler := device.NewHandler(deviceSvc, logger)
	certHandler := certificate.NewHandler(certSvc, logger)
	installHandler := installjob.NewHandler(installSvc, logger)
	devicecertHandler := devicecert.NewHandler(devicecertSvc, logger)
	agentHandler := agent.NewHandler(agentSvc, logger)
	auditHandler := audit.NewHandler(db, logger)

	// /api/v1/auth/* is mounted directly on the root router, outside the
	// APIRouter group: login happens before any access token exists. It still
	// runs auth.Middleware so /logout and /me see the caller's identity.
	srv.Router.With(auth.Middleware(tokens, logger)).Mount("/api/v1/auth", userHandler.AuthRoutes())

	srv.APIRouter.Mount("/admin/users", userHandler.AdminRoutes())
	srv.APIRouter.Mount("/admin/devices", deviceHandler.AdminRoutes())
	srv.APIRouter.Mount("/devices/mine", deviceHandler.MineRoutes())
	srv.APIRouter.Mount("/devices/{id}/installed-certs", devicecertHandler.ViewRoutes())

	srv.APIRouter.Mount("/certificados", certHandler.Routes())
	srv.APIRouter.Mount("/certificados", installHandler.InstallRoutes())
	srv.APIRouter.Mount("/admin/certificates", certHandler.AdminRoutes())

	srv.APIRouter.Mount("/install-jobs", installHandler.Routes())
	srv.APIRouter.Mount("/admin", installHandler.AdminRoutes())
	srv.APIRouter.Mount("/audit", auditHandler.Routes())

	// Agent-facing surface: /agent/auth has no token to present, everything
	// else under /agent requires a device identity.
	srv.AgentRouter.Mount("/auth", agentHandler.AuthRoutes())
	srv.AgentRouter.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)
		r.Use(auth.RequireDevice)
		r.Mount("/heartbeat", agentHandler.Routes())
		r.Mount("/", installHandler.AgentRoutes())
		r.Mount("/", devicecertHandler.AgentRoutes())
	})

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	go installSvc.RunReapLoop(ctx, time.Duration(cfg.JobReapIntervalSeconds)*time.Second, func(err error) {
		logger.Error("reaping expired install jobs", "error", err)
	})

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runWorker drives the directory watcher and its job-queue consumer. It
// owns no HTTP surface; the ingestion pipeline it feeds is shared with the
// API process through the certificates table and the job queue.
func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, _ *redis.Client) error {
	orgID, err := uuid.Parse(cfg.DefaultOrgID)
	if err != nil {
		return fmt.Errorf("parsing DEFAULT_ORG_ID %q: %w", cfg.DefaultOrgID, err)
	}

	certSvc := certificate.NewService(db, cfg.CertsRootPath, cfg.OpenSSLPath, logger)
	queue := jobqueue.New(db, "cert-watcher")

	w, err := watcher.New(cfg.CertsRootPath, orgID, queue, cfg.WatcherDebounceSeconds, cfg.WatcherMaxEventsPerMinute, logger)
	if err != nil {
		return fmt.Errorf("starting directory watcher: %w", err)
	}

	go w.Run(ctx)
	go watcher.RunConsumer(ctx, queue, certSvc, "cert-worker-1", 2*time.Second, logger)

	logger.Info("worker started", "watch_dir", cfg.CertsRootPath, "org_id", orgID)
	<-ctx.Done()
	logger.Info("worker shutting down")
	return nil
}
