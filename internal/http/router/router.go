package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platformsec/session-lifecycle-service/internal/health"
	"github.com/platformsec/session-lifecycle-service/internal/http/handler"
	"github.com/platformsec/session-lifecycle-service/internal/http/middleware"
	"github.com/platformsec/session-lifecycle-service/internal/http/response"
	"github.com/platformsec/session-lifecycle-service/internal/security"
)

type Dependencies struct {
	SessionHandler      *handler.SessionHandler
	JWTManager          *security.JWTManager
	APIRateLimitRPM     int
	SessionRateLimitRPM int
	Readiness           *health.ProbeRunner
	EnableOTelHTTP      bool
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.StructuredRequestLogger)
	r.Use(middleware.NewRateLimiter(dep.APIRateLimitRPM, time.Minute).Middleware())

	sessionLimiter := middleware.NewRateLimiter(dep.SessionRateLimitRPM, time.Minute).Middleware()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if dep.Readiness == nil {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": []any{}})
			return
		}
		ready, results := dep.Readiness.Ready(r.Context())
		if ready {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": results})
			return
		}
		response.Error(w, r, http.StatusServiceUnavailable, "DEPENDENCY_UNREADY", "dependencies are not ready", map[string]any{"checks": results})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.With(sessionLimiter).Post("/", dep.SessionHandler.Create)
			r.Get("/{sessionID}", dep.SessionHandler.Validate)
			r.With(sessionLimiter).Post("/{sessionID}/refresh", dep.SessionHandler.Refresh)
			r.Delete("/{sessionID}", dep.SessionHandler.Revoke)
		})
		r.Route("/users/{userID}/sessions", func(r chi.Router) {
			r.Delete("/", dep.SessionHandler.RevokeUserSessions)
			r.With(
				middleware.AuthMiddleware(dep.JWTManager),
				middleware.RequireRole("admin"),
			).Get("/", dep.SessionHandler.ListUserSessions)
		})
	})

	if dep.EnableOTelHTTP {
		return otelhttp.NewHandler(r, "session-lifecycle-service")
	}
	return r
}
