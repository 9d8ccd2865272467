// Package server provides the main HTTP server for Switchyard.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/HerbHall/switchyard/internal/registry"
	"github.com/HerbHall/switchyard/internal/version"
	"github.com/HerbHall/switchyard/pkg/plugin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"go.uber.org/zap"
)

// PluginSource provides the server with plugin metadata, state and health.
// Defined here (consumer-side) so tests can stub it.
type PluginSource interface {
	All() []plugin.Plugin
	Get(id string) (plugin.Plugin, bool)
	Stats() registry.Stats
	HealthAll(ctx context.Context) map[string]plugin.HealthStatus
}

// ReadinessChecker verifies that the server is ready to serve traffic.
// Returns nil if ready, an error describing why not otherwise.
type ReadinessChecker func(ctx context.Context) error

// RouteRegistrar allows external packages to register routes and middleware
// on the server without creating import cycles (consumer-side interface).
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
	Middleware() func(http.Handler) http.Handler
}

// SimpleRouteRegistrar can register routes without middleware.
type SimpleRouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Server is the main Switchyard HTTP server.
type Server struct {
	httpServer *http.Server
	plugins    PluginSource
	logger     *zap.Logger
	mux        *http.ServeMux
	ready      ReadinessChecker
}

// New creates a new Server with middleware and routes.
// The auth parameter is optional; pass nil to disable authentication.
// When devMode is true, Swagger UI is served at /swagger/.
// Additional route registrars (streaming, MCP) register extra API routes.
func New(addr string, plugins PluginSource, logger *zap.Logger, ready ReadinessChecker, auth RouteRegistrar, devMode bool, extraRoutes ...SimpleRouteRegistrar) *Server {
	mux := http.NewServeMux()

	s := &Server{
		plugins: plugins,
		logger:  logger,
		mux:     mux,
		ready:   ready,
	}

	s.registerRoutes()
	if auth != nil {
		auth.RegisterRoutes(mux)
	}
	for _, r := range extraRoutes {
		r.RegisterRoutes(mux)
	}

	if devMode {
		mux.Handle("GET /swagger/", httpSwagger.Handler(
			httpSwagger.URL("/swagger/doc.json"),
		))
		logger.Info("swagger UI enabled (dev_mode)", zap.String("path", "/swagger/"))
	}

	// Middleware chain: outermost listed first.
	unthrottled := []string{"/healthz", "/readyz", "/metrics"}
	middlewares := []Middleware{
		RecoveryMiddleware(logger),
		RequestIDMiddleware,
		LoggingMiddleware(logger, MuxRoute(mux), unthrottled),
		SecurityHeadersMiddleware(devMode),
		VersionHeaderMiddleware,
		RateLimitMiddleware(100, 200, unthrottled),
	}
	if auth != nil {
		middlewares = append(middlewares, auth.Middleware())
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           Chain(mux, middlewares...),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: stream connections are long-lived.
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// registerRoutes sets up all core routes.
func (s *Server) registerRoutes() {
	// Unversioned operational endpoints.
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	// Versioned API endpoints.
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/plugins", s.handlePlugins)
	s.mux.HandleFunc("GET /api/v1/plugins/stats", s.handlePluginStats)
	s.mux.HandleFunc("GET /api/v1/plugins/health", s.handlePluginHealth)
	s.mux.HandleFunc("GET /api/v1/plugins/{id}", s.handlePlugin)
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// handleHealthz is a liveness check -- returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadyz checks readiness -- returns 200 if the server can serve traffic.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status  string            `json:"status" example:"ok"`
	Service string            `json:"service" example:"switchyard"`
	Version map[string]string `json:"version"`
	Plugins int               `json:"plugins" example:"3"`
	Errored int               `json:"errored" example:"0"`
}

// PluginResponse describes a registered plugin.
type PluginResponse struct {
	ID           string   `json:"id" example:"reachability"`
	Name         string   `json:"name" example:"Reachability"`
	Version      string   `json:"version" example:"1.0.0"`
	Category     string   `json:"category" example:"network"`
	Description  string   `json:"description" example:"ICMP reachability monitoring of managed hosts"`
	State        string   `json:"state" example:"running"`
	Required     bool     `json:"required"`
	Dependencies []string `json:"dependencies,omitempty"`
	Tools        int      `json:"tools" example:"1"`
	Resources    int      `json:"resources" example:"1"`
	Prompts      int      `json:"prompts" example:"0"`
}

func newPluginResponse(p plugin.Plugin) PluginResponse {
	meta := p.Metadata()
	resp := PluginResponse{
		ID:          meta.ID,
		Name:        meta.Name,
		Version:     meta.Version,
		Category:    meta.Category,
		Description: meta.Description,
		State:       string(p.State()),
		Required:    meta.Required,
		Tools:       len(p.Tools()),
		Resources:   len(p.Resources()),
		Prompts:     len(p.Prompts()),
	}
	for _, d := range p.Dependencies() {
		id := d.ID
		if d.Optional {
			id += "?"
		}
		resp.Dependencies = append(resp.Dependencies, id)
	}
	return resp
}

// handleHealth returns aggregate service health (versioned API endpoint).
//
//	@Summary		Health check
//	@Description	Returns service health status with version information.
//	@Tags			system
//	@Produce		json
//	@Success		200	{object}	HealthResponse
//	@Router			/health [get]
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.plugins.Stats()
	status := "ok"
	if stats.Errored > 0 {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  status,
		Service: "switchyard",
		Version: version.Map(),
		Plugins: stats.Total,
		Errored: stats.Errored,
	})
}

// handlePlugins returns the list of registered plugins.
//
//	@Summary		List plugins
//	@Description	Returns all registered plugins in start order with their metadata and lifecycle state.
//	@Tags			plugins
//	@Produce		json
//	@Security		BearerAuth
//	@Success		200	{array}	PluginResponse
//	@Router			/plugins [get]
func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	plugins := s.plugins.All()
	info := make([]PluginResponse, 0, len(plugins))
	for _, p := range plugins {
		info = append(info, newPluginResponse(p))
	}
	writeJSON(w, http.StatusOK, info)
}

// handlePlugin returns a single plugin.
//
//	@Summary		Get plugin
//	@Description	Returns one registered plugin by ID.
//	@Tags			plugins
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id	path		string	true	"Plugin ID"
//	@Success		200	{object}	PluginResponse
//	@Failure		404	{object}	Problem
//	@Router			/plugins/{id} [get]
func (s *Server) handlePlugin(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, ok := s.plugins.Get(id)
	if !ok {
		WriteError(w, fmt.Errorf("%w: %s", plugin.ErrPluginNotFound, id), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, newPluginResponse(p))
}

// handlePluginStats returns registry counters.
//
//	@Summary		Plugin statistics
//	@Description	Returns plugin counts by category and lifecycle state.
//	@Tags			plugins
//	@Produce		json
//	@Security		BearerAuth
//	@Success		200	{object}	registry.Stats
//	@Router			/plugins/stats [get]
func (s *Server) handlePluginStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.plugins.Stats())
}

// PluginHealth is one entry of GET /plugins/health.
type PluginHealth struct {
	ID string `json:"id" example:"reachability"`
	plugin.HealthStatus
}

// handlePluginHealth runs every plugin's health check.
//
//	@Summary		Plugin health
//	@Description	Runs health checks on all registered plugins. Returns 503 when any plugin is unhealthy.
//	@Tags			plugins
//	@Produce		json
//	@Security		BearerAuth
//	@Success		200	{array}	PluginHealth
//	@Failure		503	{array}	PluginHealth
//	@Router			/plugins/health [get]
func (s *Server) handlePluginHealth(w http.ResponseWriter, r *http.Request) {
	results := s.plugins.HealthAll(r.Context())
	out := make([]PluginHealth, 0, len(results))
	code := http.StatusOK
	for id, h := range results {
		out = append(out, PluginHealth{ID: id, HealthStatus: h})
		if h.Status == plugin.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, code, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
