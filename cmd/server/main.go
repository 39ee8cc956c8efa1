package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/iliyamo/credential-service/internal/config"
	"github.com/iliyamo/credential-service/internal/database"
	"github.com/iliyamo/credential-service/internal/handler"
	"github.com/iliyamo/credential-service/internal/logger"
	"github.com/iliyamo/credential-service/internal/metrics"
	"github.com/iliyamo/credential-service/internal/middleware"
	"github.com/iliyamo/credential-service/internal/queue"
	"github.com/iliyamo/credential-service/internal/repository"
	"github.com/iliyamo/credential-service/internal/router"
	"github.com/iliyamo/credential-service/internal/service"
	"github.com/iliyamo/credential-service/internal/utils"
	"github.com/iliyamo/credential-service/internal/validation"
)

const auditBuffer = 1024

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	lg, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Fatal("server stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, lg *zap.Logger) error {
	db, dialect, err := database.Open(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := database.Migrate(ctx, db, dialect); err != nil {
		return err
	}

	rdb := config.NewRedisClient(ctx)
	if rdb == nil {
		lg.Warn("redis unreachable; rate limiting disabled")
	} else {
		defer rdb.Close()
	}
	limiter := middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb, lg)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	var publisher queue.Publisher = queue.NopPublisher{}
	if cfg.RabbitURL != "" {
		amqpPub := queue.NewAMQPPublisher(cfg.RabbitURL, lg)
		dispatcher := queue.NewDispatcher(amqpPub, auditBuffer, lg)
		publisher = dispatcher
		defer func() {
			dispatcher.Close()
			_ = amqpPub.Close()
		}()
		if cfg.AuditConsumerEnabled {
			go func() {
				err := queue.StartAuditConsumer(ctx, cfg.RabbitURL, cfg.AuditLogPath, lg)
				if err != nil && !errors.Is(err, context.Canceled) {
					lg.Error("audit consumer stopped", zap.Error(err))
				}
			}()
		}
	}

	issuer, err := utils.NewAccessTokenIssuer(utils.IssuerConfig{
		Method:      cfg.JWTSigningMethod,
		Secret:      []byte(cfg.JWTSecret),
		Ed25519Seed: cfg.JWTEd25519Seed,
		Issuer:      cfg.JWTIssuer,
		Audience:    cfg.JWTAudience,
		TTL:         cfg.AccessTTL(),
		Leeway:      cfg.JWTLeeway,
	})
	if err != nil {
		return err
	}

	svc := service.NewCredentialService(service.Deps{
		DB:         db,
		Identities: repository.NewIdentityRepo(db, dialect),
		Tokens:     repository.NewTokenRepo(db, dialect),
		Passwords: utils.NewPasswordHasher(utils.Argon2Params{
			MemoryKiB:   cfg.Argon2MemoryKiB,
			Iterations:  cfg.Argon2Iterations,
			Parallelism: cfg.Argon2Parallelism,
		}),
		TokenHasher: utils.NewTokenHasher(cfg.RefreshHMACKey),
		Issuer:      issuer,
		Policy:      validation.NewPasswordPolicy(cfg.PasswordMinScore),
		Publisher:   publisher,
		Metrics:     m,
		Logger:      lg,
	}, service.Options{
		RefreshTTL:         cfg.RefreshTTL(),
		RefreshTokenBytes:  cfg.RefreshTokenBytes,
		ReuseDetection:     cfg.ReuseDetection,
		LockoutMaxAttempts: cfg.LockoutMaxAttempts,
		LockoutDuration:    cfg.LockoutDuration,
	})

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(
		echomw.Recover(),
		middleware.RequestID(),
		middleware.RequestLogger(lg),
		m.Middleware(),
		echomw.BodyLimit("64K"),
	)
	router.RegisterRoutes(e, db, reg)
	router.RegisterAuth(e, handler.NewAuthHandler(svc, lg), issuer, limiter)

	addr := ":" + cfg.Port
	errCh := make(chan error, 1)
	go func() {
		lg.Info("listening", zap.String("addr", addr), zap.String("env", cfg.Env), zap.String("db", dialect.Name))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	lg.Info("shutting down")
	return e.Shutdown(shutdownCtx)
}
