// Package shutdown provides graceful shutdown coordination.
//
// This package handles process termination:
//
//   - SIGINT/SIGTERM signal handling
//   - Timeout-based forced shutdown
//   - LIFO cleanup callback registration
//
// Usage:
//
//	h := shutdown.NewHandler(30 * time.Second)
//	h.OnShutdown(func(ctx context.Context) error { return srv.Shutdown(ctx) })
//	err := h.Wait() // blocks until SIGINT/SIGTERM, then runs hooks
package shutdown
