// ABOUTME: JSON response helpers shared by the webhook and form servers
// ABOUTME: Every reply is a small JSON object with a status field
package transport

import (
	"encoding/json"
	"net/http"
)

// Status is the body of every server reply.
type Status struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	ID      string `json:"id,omitempty"`
}

// WriteJSON writes v with the given status code.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	// headers are already sent, nothing useful to do on failure
	_ = json.NewEncoder(w).Encode(v)
}

// WriteStatus writes a Status reply.
func WriteStatus(w http.ResponseWriter, code int, status, message string) {
	WriteJSON(w, code, Status{Status: status, Message: message})
}

// HandleHealth answers liveness probes.
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteStatus(w, http.StatusOK, "ok", "")
}
