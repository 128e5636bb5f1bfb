package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/kvstored/kvstored/internal/infra/buildinfo"
)

// StatusSource supplies the values reported by GET /status and
// GET /readyz.
type StatusSource interface {
	// Ready reports whether the server has finished loading its
	// persisted state and is accepting client traffic.
	Ready() error
	// Databases returns the configured number of logical databases.
	Databases() int
}

// Handler is the HTTP handler for the admin server: health, readiness,
// status, and Prometheus metrics.
type Handler struct {
	logger    *slog.Logger
	status    StatusSource
	metrics   http.Handler
	startedAt time.Time
	mux       *http.ServeMux
}

// New creates a new Handler.
func New(status StatusSource, metrics http.Handler, logger *slog.Logger) *Handler {
	h := &Handler{
		logger:    logger,
		status:    status,
		metrics:   metrics,
		startedAt: time.Now(),
		mux:       http.NewServeMux(),
	}
	h.registerRoutes()
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("GET /healthz", h.handleHealth)
	h.mux.HandleFunc("GET /readyz", h.handleReady)
	h.mux.HandleFunc("GET /status", h.handleStatus)
	h.mux.Handle("GET /metrics", h.metrics)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	info := buildinfo.Get()
	h.writeJSON(w, r, http.StatusOK, StatusResponse{
		Version:   info.Version,
		Commit:    info.Commit,
		GoVersion: info.GoVersion,
		Databases: h.status.Databases(),
		UptimeSec: int64(time.Since(h.startedAt).Seconds()),
	})
}

// writeJSON writes a JSON response with the standard envelope format.
func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	requestID := r.Header.Get("X-Request-ID")
	response := NewResponse(requestID, data)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// writeError writes an error response with the standard envelope format.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	requestID := r.Header.Get("X-Request-ID")
	response := NewErrorResponse(requestID, code, message, nil)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Error-Code", code)
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}
