// Package adminapi implements the REST API for segment administration.
package adminapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/chameleon-cms/chameleon/internal/populator"
	"github.com/chameleon-cms/chameleon/internal/rules"
	"github.com/chameleon-cms/chameleon/internal/session"
	"github.com/chameleon-cms/chameleon/internal/store"
	"github.com/chameleon-cms/chameleon/internal/variants"
)

// API is the main struct that holds dependencies and the router for the
// administration surface. It follows the Dependency Injection pattern to
// facilitate testing.
type API struct {
	// Router is the Chi multiplexer that handles HTTP requests.
	Router *chi.Mux

	// segments is the data access layer for segments. We use the interface
	// type to allow for mocking in unit tests.
	segments store.SegmentRepository

	// pages is the data access layer for pages and variant metadata.
	pages store.PageRepository

	// users resolves member identities for the CSV export.
	users store.UserRepository

	// registry decodes rule payloads submitted through the API.
	registry *rules.Registry

	// variants implements copy-for-segment and cascade delete.
	variants *variants.Service

	// populator fills a static segment synchronously on create.
	populator *populator.Service

	// sessions supplies durable visit histories for the CSV export.
	sessions session.Store

	// apiKeyHash is the SHA-256 hash of the valid API key.
	apiKeyHash string

	// skipAuth disables authentication when true (test/dev environments only).
	skipAuth bool
}

// Deps bundles the collaborators the API needs.
type Deps struct {
	Segments  store.SegmentRepository
	Pages     store.PageRepository
	Users     store.UserRepository
	Registry  *rules.Registry
	Variants  *variants.Service
	Populator *populator.Service
	Sessions  session.Store
}

// NewAPI creates a new API instance with authentication enabled.
// The apiKeyHash parameter must be the SHA-256 hash of the API key.
func NewAPI(deps Deps, apiKeyHash string) *API {
	return NewAPIWithConfig(deps, apiKeyHash, false)
}

// NewAPIWithConfig creates a new API instance with explicit control over
// authentication. skipAuth is primarily used in tests.
func NewAPIWithConfig(deps Deps, apiKeyHash string, skipAuth bool) *API {
	if deps.Segments == nil {
		panic("adminapi: segment repository cannot be nil")
	}
	if deps.Pages == nil {
		panic("adminapi: page repository cannot be nil")
	}
	if deps.Users == nil {
		panic("adminapi: user repository cannot be nil")
	}
	if deps.Registry == nil {
		panic("adminapi: rule registry cannot be nil")
	}
	if deps.Variants == nil {
		panic("adminapi: variant service cannot be nil")
	}
	if deps.Populator == nil {
		panic("adminapi: populator service cannot be nil")
	}
	if deps.Sessions == nil {
		panic("adminapi: session store cannot be nil")
	}
	if !skipAuth && apiKeyHash == "" {
		panic("adminapi: apiKeyHash cannot be empty when authentication is enabled")
	}

	api := &API{
		Router:     chi.NewRouter(),
		segments:   deps.Segments,
		pages:      deps.Pages,
		users:      deps.Users,
		registry:   deps.Registry,
		variants:   deps.Variants,
		populator:  deps.Populator,
		sessions:   deps.Sessions,
		apiKeyHash: apiKeyHash,
		skipAuth:   skipAuth,
	}

	api.configureRoutes()
	return api
}

// configureRoutes registers the global middleware stack and API endpoints.
func (a *API) configureRoutes() {
	// RequestID: Adds a unique ID to each request context (essential for tracing).
	a.Router.Use(middleware.RequestID)
	// RealIP: correctly sets the IP if behind a proxy/LB.
	a.Router.Use(middleware.RealIP)
	// Logger: Logs request method, path, status, and duration.
	a.Router.Use(RequestLogger)
	// Recoverer: Prevents the server from crashing on panics, returning 500 instead.
	a.Router.Use(middleware.Recoverer)
	// Metrics: Records request counts and latency per route.
	a.Router.Use(RequestMetrics)

	// Public routes (no authentication required)
	a.Router.Get("/health", a.handleHealthCheck)

	// Protected API V1 routes (authentication required)
	a.Router.Route("/api/v1", func(r chi.Router) {
		r.Use(a.authenticateAPIKey)

		r.Route("/segments", func(r chi.Router) {
			r.Post("/", a.handleCreateSegment)
			r.Get("/", a.handleListSegments)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.handleGetSegment)
				r.Patch("/", a.handleUpdateSegment)
				r.Delete("/", a.handleDeleteSegment)
				r.Post("/toggle", a.handleToggleSegment)
				r.Post("/members", a.handleAddMember)
				r.Get("/users.csv", a.handleExportUsers)
			})
		})

		r.Route("/pages", func(r chi.Router) {
			r.Post("/{id}/variants/{segmentID}", a.handleCreateVariant)
			r.Delete("/{id}", a.handleDeletePage)
		})

		r.Get("/summary", a.handleSummary)
	})
}

// handleHealthCheck verifies if the service can serve HTTP.
func (a *API) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"status": "ok"})
}
