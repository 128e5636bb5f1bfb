// Usage:
//
//	kvstored [flags]
//	kvstored --config /path/to/config.yaml
//
// The server loads configuration, replays or loads persisted state,
// and starts the RESP listener plus the optional metrics endpoint.
package main
