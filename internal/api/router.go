package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cdlib/ezidcore/internal/auth"
	"github.com/cdlib/ezidcore/internal/coordinator"
	"github.com/cdlib/ezidcore/internal/monitor"
	"github.com/cdlib/ezidcore/internal/report"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after every component is wired and passed to
// NewRouter as a single struct to keep the constructor signature manageable.
type RouterConfig struct {
	Coord    *coordinator.Coordinator
	Auth     *auth.Service
	Reporter *report.Reporter
	Hub      *monitor.Hub
	Reload   ReloadFunc
	Logger   *zap.Logger

	// Secure controls whether the admin refresh-token cookie is set with
	// the Secure flag. Set to true in production (HTTPS), false in local
	// development.
	Secure bool
}

// NewRouter builds and returns the fully configured Chi router. It exposes
// two surfaces: /ezid, the public identifier-operation protocol (spec.md
// §6), authenticated with HTTP Basic Auth; and /admin, the supplemented
// operator surface (spec.md's "Supplemented features": admin login plus
// create-shoulder's sibling diag-reload, and the status reporter's live
// feed), authenticated with a JWT bearer token.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	idHandler := NewIdentifierHandler(cfg.Coord, cfg.Logger)
	authHandler := NewAuthHandler(cfg.Auth, cfg.Logger, cfg.Secure)
	statusHandler := NewStatusHandler(cfg.Reporter, cfg.Hub, cfg.Reload, cfg.Logger)

	// Pull-based sibling of the /admin/status push feed, scraped by
	// Prometheus rather than subscribed to over the monitor websocket.
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/ezid", func(r chi.Router) {
		r.Use(BasicAuth())

		// Mint a new identifier under a scheme-qualified shoulder, e.g.
		// POST /ezid/shoulder/ark:/13030/fk4
		r.Post("/shoulder/*", idHandler.Mint)

		// Create, read, or update a specific identifier, e.g.
		// PUT|GET|POST /ezid/id/ark:/13030/fk4xyz
		r.Put("/id/*", idHandler.Create)
		r.Get("/id/*", idHandler.Get)
		r.Post("/id/*", idHandler.Set)
	})

	r.Route("/admin", func(r chi.Router) {
		// --- Public admin routes ---
		r.Group(func(r chi.Router) {
			r.Post("/auth/login", authHandler.Login)
			r.Post("/auth/refresh", authHandler.Refresh)
		})

		// --- Authenticated admin routes ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.Auth))

			r.Post("/auth/logout", authHandler.Logout)
			r.Get("/status", statusHandler.Snapshot)
			r.Post("/diag-reload", statusHandler.DiagReload)
			r.Get("/monitor", statusHandler.Monitor)
		})
	})

	return r
}
