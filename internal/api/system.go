package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sxhxliang/frpx/internal/protocol"
	"github.com/sxhxliang/frpx/internal/registry"
)

// SystemHandler serves the fleet-wide and server-level endpoints.
type SystemHandler struct {
	registry *registry.Registry
	core     Core
	ports    Ports
}

func NewSystemHandler(reg *registry.Registry, core Core, ports Ports) *SystemHandler {
	return &SystemHandler{registry: reg, core: core, ports: ports}
}

// Models aggregates the model lists of every connected agent, deduplicated
// by model id. The shape follows the OpenAI list convention so callers can
// point an existing client at it.
func (h *SystemHandler) Models(w http.ResponseWriter, r *http.Request) {
	seen := make(map[string]struct{})
	models := []protocol.Model{}
	for _, e := range h.registry.List() {
		for _, m := range e.Models {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			models = append(models, m)
		}
	}
	Ok(w, map[string]any{
		"object": "list",
		"data":   models,
	})
}

// monitoringView pairs an agent with its most recent system sample.
type monitoringView struct {
	ClientID        string               `json:"client_id"`
	Hostname        string               `json:"hostname,omitempty"`
	LastHeartbeatAt time.Time            `json:"last_heartbeat_at"`
	SystemInfo      *protocol.SystemInfo `json:"system_info,omitempty"`
}

// Monitoring returns the latest system sample for every agent.
func (h *SystemHandler) Monitoring(w http.ResponseWriter, r *http.Request) {
	entries := h.registry.List()
	views := make([]monitoringView, 0, len(entries))
	for _, e := range entries {
		views = append(views, monitoringView{
			ClientID:        e.ID,
			Hostname:        e.Hostname,
			LastHeartbeatAt: e.LastHeartbeatAt,
			SystemInfo:      e.SystemInfo,
		})
	}
	Ok(w, map[string]any{
		"monitoring": views,
		"total":      len(views),
	})
}

// MonitoringByID returns the latest system sample for one agent.
func (h *SystemHandler) MonitoringByID(w http.ResponseWriter, r *http.Request) {
	e, ok := h.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		ErrNotFound(w, "client not found")
		return
	}
	Ok(w, monitoringView{
		ClientID:        e.ID,
		Hostname:        e.Hostname,
		LastHeartbeatAt: e.LastHeartbeatAt,
		SystemInfo:      e.SystemInfo,
	})
}

// Health is the liveness probe.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	stats := h.core.Stats()
	Ok(w, map[string]any{
		"status":         "ok",
		"active_clients": stats.ActiveAgents,
		"uptime_seconds": stats.UptimeSeconds,
	})
}

// Stats returns the server's aggregate counters.
func (h *SystemHandler) Stats(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.core.Stats())
}

// Connections summarizes connection traffic.
func (h *SystemHandler) Connections(w http.ResponseWriter, r *http.Request) {
	stats := h.core.Stats()
	Ok(w, map[string]any{
		"total_connections":   stats.TotalConnections,
		"pending_connections": stats.PendingConnections,
	})
}

// PendingConnections lists the rendezvous ids currently awaiting an agent.
func (h *SystemHandler) PendingConnections(w http.ResponseWriter, r *http.Request) {
	ids := h.core.PendingIDs()
	Ok(w, map[string]any{
		"pending": ids,
		"total":   len(ids),
	})
}

// Config reports the effective server configuration.
func (h *SystemHandler) Config(w http.ResponseWriter, r *http.Request) {
	Ok(w, map[string]any{
		"ports": h.ports,
	})
}

// Ports reports the listener port layout.
func (h *SystemHandler) Ports(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.ports)
}
