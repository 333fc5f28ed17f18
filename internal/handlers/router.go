package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/greenbasket/api/internal/platform/httpx"
)

const (
	apiPrefix      = "/api/v1"
	requestTimeout = 60 * time.Second
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

type middlewareFunc = func(http.Handler) http.Handler

// routeGroup is one mount point under the API prefix. A group with no registrars answers 501 so
// clients can tell an unwired feature from a typo.
type routeGroup struct {
	path        string
	name        string
	registrars  []RouteRegistrar
	middlewares []middlewareFunc
}

// Mount order; reviews share the /orders group so they inherit its authentication.
var groupOrder = []string{"/orders", "/admin", "/cart", "/promotions", "/promotion-targets", "/internal"}

var groupNames = map[string]string{
	"/orders":            "orders",
	"/admin":             "admin",
	"/cart":              "cart",
	"/promotions":        "promotions",
	"/promotion-targets": "promotionTargets",
	"/internal":          "internal",
}

type routerConfig struct {
	middlewares []middlewareFunc
	health      *HealthHandlers
	groups      map[string]*routeGroup
}

func (cfg *routerConfig) group(path string) *routeGroup {
	g, ok := cfg.groups[path]
	if !ok {
		g = &routeGroup{path: path, name: groupNames[path]}
		cfg.groups[path] = g
	}
	return g
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

// NewRouter builds the chi router: request id, real ip and timeout first, then the supplied
// middlewares, the health endpoints and the API groups.
func NewRouter(opts ...Option) chi.Router {
	cfg := &routerConfig{
		middlewares: []middlewareFunc{middleware.RequestID, middleware.RealIP, middleware.Timeout(requestTimeout)},
		groups:      make(map[string]*routeGroup, len(groupOrder)),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})
	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(apiPrefix, func(api chi.Router) {
		for _, path := range groupOrder {
			mountGroup(api, cfg.group(path))
		}
	})
	return r
}

func mountGroup(api chi.Router, g *routeGroup) {
	api.Route(g.path, func(r chi.Router) {
		for _, mw := range g.middlewares {
			if mw != nil {
				r.Use(mw)
			}
		}
		wired := false
		for _, register := range g.registrars {
			if register != nil {
				register(r)
				wired = true
			}
		}
		if !wired {
			notImplemented(r, g.name)
		}
	})
}

func withGroup(path string, reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		g := cfg.group(path)
		g.registrars = append(g.registrars, reg)
	}
}

// WithMiddlewares appends global middleware, applied after the built-in ones.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers overrides the /healthz and /readyz handlers.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

func WithOrderRoutes(reg RouteRegistrar) Option { return withGroup("/orders", reg) }

// WithReviewRoutes registers review endpoints inside the /orders group.
func WithReviewRoutes(reg RouteRegistrar) Option { return withGroup("/orders", reg) }

func WithAdminRoutes(reg RouteRegistrar) Option { return withGroup("/admin", reg) }

func WithCartRoutes(reg RouteRegistrar) Option { return withGroup("/cart", reg) }

func WithPromotionRoutes(reg RouteRegistrar) Option { return withGroup("/promotions", reg) }

func WithPromotionTargetRoutes(reg RouteRegistrar) Option {
	return withGroup("/promotion-targets", reg)
}

func WithInternalRoutes(reg RouteRegistrar) Option { return withGroup("/internal", reg) }

// WithInternalMiddlewares guards the /internal group, typically with service token checks.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		g := cfg.group("/internal")
		g.middlewares = append(g.middlewares, mw...)
	}
}

func notImplemented(r chi.Router, name string) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", fmt.Sprintf("%s routes not implemented", name), http.StatusNotImplemented))
	}
	r.HandleFunc("/*", handler)
	r.HandleFunc("/", handler)
	r.NotFound(handler)
	r.MethodNotAllowed(handler)
}
