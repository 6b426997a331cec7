//go:build wireinject
// +build wireinject

package app

import (
	"context"

	"github.com/google/wire"

	"github.com/platformsec/session-lifecycle-service/internal/config"
)

func InitializeApp(ctx context.Context) (*App, error) {
	wire.Build(
		config.Load,
		ProvideLogging,
		ProvideLogger,
		ProvideObservability,
		ProvideDatabase,
		ProvideRedisClient,
		ProvideSessionRepository,
		ProvideSessionCache,
		ProvideSessionManager,
		ProvideJWTManager,
		ProvideSessionHandler,
		ProvideReadiness,
		ProvideHTTPHandler,
		ProvideHTTPServer,
		ProvideCleanupSweeper,
		New,
	)
	return nil, nil
}
