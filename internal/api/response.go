// Package api implements the observability REST API for the frpx server.
// It uses Chi as the router and exposes read-only fleet state plus a
// single mutating endpoint for force-disconnecting an agent. Every
// response, success or error, is wrapped in the same envelope:
//
//	{"success": true, "data": <payload>, "timestamp": "..."}
//	{"success": false, "message": "...", "timestamp": "..."}
package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// Response is the standard JSON wrapper for all API responses. The public
// listener writes the same shape on its 401/503 paths so both HTTP surfaces
// of the server speak one error dialect.
type Response struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// writeJSON writes a JSON-encoded envelope with the given status code.
func writeJSON(w http.ResponseWriter, status int, resp Response) {
	resp.Timestamp = time.Now().UTC()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// Ok writes a 200 OK envelope around the payload.
func Ok(w http.ResponseWriter, payload any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: payload})
}

// ErrNotFound writes a 404 Not Found envelope.
func ErrNotFound(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusNotFound, Response{Message: message})
}

// ErrInternal writes a 500 Internal Server Error envelope. The internal
// error detail is intentionally not exposed to the client.
func ErrInternal(w http.ResponseWriter) {
	writeJSON(w, http.StatusInternalServerError, Response{Message: "an internal error occurred"})
}
