package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/kvstored/kvstored/internal/server/httpserver/handler"
)

// RouterConfig holds configuration for the HTTP router.
type RouterConfig struct {
	// Status supplies readiness and server status information.
	Status handler.StatusSource

	// Metrics serves the Prometheus /metrics endpoint.
	Metrics http.Handler

	// Logger for request logging.
	Logger *slog.Logger

	// GlobalRateLimit is the rate limit per client IP (requests/second).
	GlobalRateLimit int

	// EnableAudit enables audit logging for all requests.
	EnableAudit bool
}

// NewRouter creates and configures the HTTP router with all routes
// and middleware. Unlike the RESP server, this endpoint set carries
// no authentication of its own — it is meant to be bound to a loopback
// or private management address.
func NewRouter(cfg *RouterConfig) http.Handler {
	h := handler.New(cfg.Status, cfg.Metrics, cfg.Logger)

	var wrapped http.Handler = h
	if cfg.EnableAudit {
		wrapped = Audit(cfg.Logger)(wrapped)
	}
	if cfg.GlobalRateLimit > 0 {
		wrapped = RateLimit(cfg.GlobalRateLimit)(wrapped)
	}
	wrapped = RequestID()(wrapped)
	wrapped = Recover(cfg.Logger)(wrapped)

	return wrapped
}

// DefaultRouterConfig returns default router configuration.
func DefaultRouterConfig() *RouterConfig {
	return &RouterConfig{
		GlobalRateLimit: 100,
		EnableAudit:     false,
	}
}
