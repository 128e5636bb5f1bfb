// Package config defines the server configuration structure.
//
//   - spec.go: ServerConfig struct definition
//   - default.go: default configuration values
//   - verify.go: validation (data directory existence, required fields)
//   - sanitize.go: log sanitization (hide sensitive values)
//
// Configuration is loaded via internal/infra/confloader and supports
// multiple sources, in priority order: environment variables, config
// file, built-in defaults. The only command-line flag that affects
// configuration is the config file path.
package config
