package handler

import (
	"net/http"
	"time"
)

// handleHealth handles GET /healthz. It reports liveness only: the
// process is up and serving HTTP, regardless of keyspace state.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady handles GET /readyz. It reports readiness: the engine
// has finished loading persisted state and is accepting commands.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := h.status.Ready(); err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "NOT_READY", err.Error())
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]string{
		"status": "ready",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
