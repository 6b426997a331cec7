package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/platformsec/session-lifecycle-service/internal/config"
	"github.com/platformsec/session-lifecycle-service/internal/domain"
	"github.com/platformsec/session-lifecycle-service/internal/health"
	"github.com/platformsec/session-lifecycle-service/internal/http/handler"
	"github.com/platformsec/session-lifecycle-service/internal/http/router"
	"github.com/platformsec/session-lifecycle-service/internal/observability"
	"github.com/platformsec/session-lifecycle-service/internal/repository"
	"github.com/platformsec/session-lifecycle-service/internal/security"
	"github.com/platformsec/session-lifecycle-service/internal/service"
)

// StopBackgroundTasksFunc stops any background workers the app started.
type StopBackgroundTasksFunc func()

// Logging bundles the slog logger with the OTLP log provider it may be
// bridged to, so the provider can be handed to the runtime for shutdown.
type Logging struct {
	Logger   *slog.Logger
	Provider *sdklog.LoggerProvider
}

func ProvideLogging(ctx context.Context, cfg *config.Config) (*Logging, error) {
	logger, lp, err := observability.InitLogging(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Logging{Logger: logger, Provider: lp}, nil
}

func ProvideLogger(l *Logging) *slog.Logger { return l.Logger }

func ProvideObservability(ctx context.Context, cfg *config.Config, l *Logging) (*observability.Runtime, error) {
	return observability.InitRuntime(ctx, cfg, l.Logger, l.Provider)
}

func ProvideDatabase(cfg *config.Config, logger *slog.Logger) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.DatabaseDriver {
	case "sqlite":
		dsn := cfg.DatabaseDSN
		if dsn == "" {
			dsn = "file:sessions.db?cache=shared"
		}
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
	default:
		db, err = gorm.Open(postgres.Open(cfg.DatabaseDSN), gormCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&domain.Session{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	logger.Info("database connected", "driver", cfg.DatabaseDriver)
	return db, nil
}

func ProvideRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func ProvideSessionRepository(db *gorm.DB) repository.SessionRepository {
	return repository.NewSessionRepository(db)
}

func ProvideSessionCache(client *redis.Client, cfg *config.Config) service.SessionCache {
	return service.NewRedisSessionCache(client, cfg.CacheKeyPrefix)
}

func ProvideSessionManager(repo repository.SessionRepository, cache service.SessionCache, logger *slog.Logger, cfg *config.Config) service.SessionLifecycle {
	return service.NewSessionManager(repo, cache, logger, service.SessionManagerOptions{
		TokenPepper:      cfg.TokenPepper,
		SessionTTL:       cfg.SessionTTL,
		CacheTTL:         cfg.CacheTTL,
		UserSetTTLMargin: cfg.UserSetTTLMargin,
		OperationTimeout: cfg.OperationTimeout,
	})
}

func ProvideJWTManager(cfg *config.Config) *security.JWTManager {
	return security.NewJWTManager(cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTAccessSecret)
}

func ProvideSessionHandler(sessions service.SessionLifecycle, jwtMgr *security.JWTManager, cfg *config.Config, logger *slog.Logger) *handler.SessionHandler {
	return handler.NewSessionHandler(sessions, jwtMgr, cfg.AccessTokenTTL, logger)
}

func ProvideReadiness(db *gorm.DB, redisClient *redis.Client) *health.ProbeRunner {
	runner := health.NewProbeRunner(5*time.Second, 2*time.Second)
	runner.Register("database", func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	})
	runner.Register("redis", func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})
	return runner
}

func ProvideHTTPHandler(sessionHandler *handler.SessionHandler, jwtMgr *security.JWTManager, readiness *health.ProbeRunner, cfg *config.Config) http.Handler {
	return router.NewRouter(router.Dependencies{
		SessionHandler:      sessionHandler,
		JWTManager:          jwtMgr,
		APIRateLimitRPM:     cfg.APIRateLimitRPM,
		SessionRateLimitRPM: cfg.SessionRateLimitRPM,
		Readiness:           readiness,
		EnableOTelHTTP:      cfg.OTELTracesEnabled,
	})
}

func ProvideHTTPServer(cfg *config.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// ProvideCleanupSweeper starts the hourly sweep that deletes sessions
// whose expiry is far enough in the past that no cache entry can still
// reference them.
func ProvideCleanupSweeper(repo repository.SessionRepository, logger *slog.Logger, cfg *config.Config) StopBackgroundTasksFunc {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-cfg.UserSetTTLMargin)
				removed, err := repo.CleanupExpired(ctx, cutoff)
				if err != nil {
					logger.Error("cleanup sweep failed", "error", err)
					continue
				}
				if removed > 0 {
					logger.Info("cleanup sweep removed sessions", "count", removed)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
