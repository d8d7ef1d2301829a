// Package serveapi implements the public page-serving surface. It is the
// per-request hot path: visitor identification, segment resolution, variant
// selection and JSON page rendering.
package serveapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/chameleon-cms/chameleon/internal/config"
	"github.com/chameleon-cms/chameleon/internal/resolver"
	"github.com/chameleon-cms/chameleon/internal/store"
	"github.com/chameleon-cms/chameleon/internal/variants"
)

// API holds the dependencies and router for the serving surface.
type API struct {
	// Router is the Chi multiplexer that handles HTTP requests.
	Router *chi.Mux

	// pages resolves request paths to page records.
	pages store.PageRepository

	// resolver refreshes visitor segment memberships per request.
	resolver *resolver.Service

	// variants selects the page body to serve for the held segments.
	variants *variants.Service

	// cfg carries the visitor cookie settings.
	cfg config.ServeConfig
}

// NewAPI creates the serving API instance.
func NewAPI(pages store.PageRepository, res *resolver.Service, vars *variants.Service, cfg config.ServeConfig) *API {
	if pages == nil {
		panic("serveapi: page repository cannot be nil")
	}
	if res == nil {
		panic("serveapi: resolver service cannot be nil")
	}
	if vars == nil {
		panic("serveapi: variant service cannot be nil")
	}

	api := &API{
		Router:   chi.NewRouter(),
		pages:    pages,
		resolver: res,
		variants: vars,
		cfg:      cfg,
	}

	api.configureRoutes()
	return api
}

// configureRoutes registers the middleware stack and the catch-all page route.
func (a *API) configureRoutes() {
	// RequestID: Adds a unique ID to each request context (essential for tracing).
	a.Router.Use(middleware.RequestID)
	// RealIP: correctly sets the IP if behind a proxy/LB.
	a.Router.Use(middleware.RealIP)
	// Logger: Logs request method, path, status, and duration.
	a.Router.Use(RequestLogger)
	// Recoverer: Prevents the server from crashing on panics, returning 500 instead.
	a.Router.Use(middleware.Recoverer)
	// Metrics: Records request counts and latency.
	a.Router.Use(RequestMetrics)
	// VisitorCookie: identifies the visitor before any page handling runs.
	a.Router.Use(a.VisitorCookie)

	a.Router.Get("/health", a.handleHealthCheck)
	a.Router.Get("/*", a.handleServePage)
}

// handleHealthCheck verifies if the service can serve HTTP.
func (a *API) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"status": "ok"})
}
