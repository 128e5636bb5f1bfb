// Package handler provides HTTP request handlers for the side-channel
// admin server.
//
// This package contains handlers for the non-RESP endpoints:
//
//   - health.go: liveness and readiness checks
//   - handler.go: routing, JSON envelope helpers, server status
//
// Handlers follow a consistent pattern: parse and validate the
// request, consult the keyspace/persistence engine, format and return
// a JSON response.
package handler
