package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ignite/email-dispatch/internal/auth"
)

// ServiceTokenHeader carries the caller's credential on authenticated routes.
const ServiceTokenHeader = "X-Service-Token"

type contextKey string

const identityKey contextKey = "identity"

// SetupRoutes configures all API routes. Probes and the metrics exposition
// stay open; submission and stats require a valid service token.
func SetupRoutes(h *Handlers, authn *auth.Authenticator, checker *HealthChecker) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	// CORS - callers are backend services, but browser-based admin tools
	// hit /stats directly
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", ServiceTokenHeader},
		ExposedHeaders: []string{"Link"},
		MaxAge:         300,
	}))

	// Probes and metrics (no auth required)
	r.Get("/health", checker.HandleHealth)
	r.Get("/live", checker.HandleLiveness)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Submission and stats (protected by service-token middleware)
	r.Group(func(r chi.Router) {
		r.Use(requireServiceToken(authn))

		r.Post("/send", h.HandleSend)
		r.Post("/send/welcome", h.HandleSendWelcome)
		r.Post("/send/password-reset", h.HandleSendPasswordReset)
		r.Post("/send/group-notification", h.HandleSendGroupNotification)

		r.Get("/stats", h.HandleStats)
	})

	return r
}

// requireServiceToken validates X-Service-Token and stores the caller's
// identity in the request context for attribution.
func requireServiceToken(authn *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			identity, err := authn.Verify(req.Header.Get(ServiceTokenHeader))
			if err != nil {
				respondError(w, http.StatusUnauthorized, err.Error())
				return
			}
			ctx := context.WithValue(req.Context(), identityKey, identity)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

// callerIdentity returns the identity stored by the auth middleware.
func callerIdentity(ctx context.Context) *auth.Identity {
	if id, ok := ctx.Value(identityKey).(*auth.Identity); ok {
		return id
	}
	return &auth.Identity{Name: "unknown"}
}
