package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sxhxliang/frpx/internal/protocol"
	"github.com/sxhxliang/frpx/internal/registry"
)

// ClientHandler serves the per-agent endpoints under /api/clients.
type ClientHandler struct {
	registry *registry.Registry
	core     Core
	logger   *zap.Logger
}

func NewClientHandler(reg *registry.Registry, core Core, logger *zap.Logger) *ClientHandler {
	return &ClientHandler{registry: reg, core: core, logger: logger}
}

// clientView is the JSON representation of one connected agent.
type clientView struct {
	ClientID        string               `json:"client_id"`
	Hostname        string               `json:"hostname,omitempty"`
	ConnectedAt     time.Time            `json:"connected_at"`
	LastHeartbeatAt time.Time            `json:"last_heartbeat_at"`
	SystemInfo      *protocol.SystemInfo `json:"system_info,omitempty"`
	Models          []protocol.Model     `json:"models,omitempty"`
}

func viewOf(e registry.Entry) clientView {
	return clientView{
		ClientID:        e.ID,
		Hostname:        e.Hostname,
		ConnectedAt:     e.ConnectedAt,
		LastHeartbeatAt: e.LastHeartbeatAt,
		SystemInfo:      e.SystemInfo,
		Models:          e.Models,
	}
}

// List returns every connected agent.
func (h *ClientHandler) List(w http.ResponseWriter, r *http.Request) {
	entries := h.registry.List()
	views := make([]clientView, 0, len(entries))
	for _, e := range entries {
		views = append(views, viewOf(e))
	}
	Ok(w, map[string]any{
		"clients": views,
		"total":   len(views),
	})
}

// GetByID returns one agent by its client id.
func (h *ClientHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	e, ok := h.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		ErrNotFound(w, "client not found")
		return
	}
	Ok(w, viewOf(e))
}

// Status reports liveness derived from the last heartbeat.
func (h *ClientHandler) Status(w http.ResponseWriter, r *http.Request) {
	e, ok := h.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		ErrNotFound(w, "client not found")
		return
	}
	idle := time.Since(e.LastHeartbeatAt)
	Ok(w, map[string]any{
		"client_id":               e.ID,
		"online":                  true,
		"last_heartbeat_at":       e.LastHeartbeatAt,
		"seconds_since_heartbeat": int64(idle.Seconds()),
	})
}

// Heartbeat returns the raw last-heartbeat timestamp.
func (h *ClientHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	e, ok := h.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		ErrNotFound(w, "client not found")
		return
	}
	Ok(w, map[string]any{
		"client_id":         e.ID,
		"last_heartbeat_at": e.LastHeartbeatAt,
	})
}

// Models returns the model list one agent advertised.
func (h *ClientHandler) Models(w http.ResponseWriter, r *http.Request) {
	e, ok := h.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		ErrNotFound(w, "client not found")
		return
	}
	models := e.Models
	if models == nil {
		models = []protocol.Model{}
	}
	Ok(w, map[string]any{
		"client_id": e.ID,
		"object":    "list",
		"data":      models,
	})
}

// Delete force-disconnects an agent. The agent's reconnect loop will bring
// it back unless it was decommissioned on its side too.
func (h *ClientHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.core.DisconnectAgent(id, "disconnected by operator") {
		ErrNotFound(w, "client not found")
		return
	}
	h.logger.Info("client disconnected via api", zap.String("client_id", id))
	Ok(w, map[string]any{"client_id": id, "disconnected": true})
}
