package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/sxhxliang/frpx/internal/registry"
	"github.com/sxhxliang/frpx/internal/server"
)

// Core is the slice of the rendezvous server the API needs: aggregate
// counters, the in-flight rendezvous ids, and force-disconnect. *server.Server
// satisfies it; tests use a stub.
type Core interface {
	Stats() server.Stats
	PendingIDs() []string
	DisconnectAgent(id, reason string) bool
}

// Ports is the listener port layout reported by /api/config and /api/ports.
type Ports struct {
	Control int `json:"control_port"`
	Proxy   int `json:"proxy_port"`
	Public  int `json:"public_port"`
	API     int `json:"api_port"`
}

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct.
type RouterConfig struct {
	Registry *registry.Registry
	Core     Core
	Ports    Ports
	Logger   *zap.Logger

	// Metrics is the Prometheus scrape handler, mounted at /metrics.
	Metrics http.Handler
}

// NewRouter builds and returns the fully configured Chi router. The API is
// read-only fleet introspection except for DELETE /api/clients/{id}.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	clientHandler := NewClientHandler(cfg.Registry, cfg.Core, cfg.Logger)
	systemHandler := NewSystemHandler(cfg.Registry, cfg.Core, cfg.Ports)

	r.Route("/api", func(r chi.Router) {
		r.Get("/clients", clientHandler.List)
		r.Get("/clients/{id}", clientHandler.GetByID)
		r.Get("/clients/{id}/status", clientHandler.Status)
		r.Get("/clients/{id}/heartbeat", clientHandler.Heartbeat)
		r.Get("/clients/{id}/models", clientHandler.Models)
		r.Delete("/clients/{id}", clientHandler.Delete)

		r.Get("/models", systemHandler.Models)
		r.Get("/monitoring", systemHandler.Monitoring)
		r.Get("/monitoring/{id}", systemHandler.MonitoringByID)

		r.Get("/health", systemHandler.Health)
		r.Get("/stats", systemHandler.Stats)
		r.Get("/connections", systemHandler.Connections)
		r.Get("/connections/pending", systemHandler.PendingConnections)
		r.Get("/config", systemHandler.Config)
		r.Get("/ports", systemHandler.Ports)
	})

	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	return r
}
