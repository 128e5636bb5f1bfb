// Package config defines the server configuration structure.
package config

import "time"

// ServerConfig is the root configuration for kvstored.
type ServerConfig struct {
	Server   ServerSection   `koanf:"server"`
	Storage  StorageSection  `koanf:"storage"`
	Memory   MemorySection   `koanf:"memory"`
	Security SecuritySection `koanf:"security"`
	Log      LogSection      `koanf:"log"`
}

// ServerSection configures the network-facing listeners.
type ServerSection struct {
	// Bind is the address the RESP listener binds to.
	Bind string `koanf:"bind"`
	// Port is the RESP listener TCP port.
	Port int `koanf:"port"`
	// Databases is the number of independently numbered databases.
	Databases int `koanf:"databases"`
	// RequirePass, if non-empty, requires AUTH before any other command.
	RequirePass string `koanf:"requirepass"`
	// IdleTimeout closes a connection idle for longer than this (0 disables).
	IdleTimeout time.Duration `koanf:"timeout"`
	// Hz is the background ticker frequency driving active expiration,
	// autosave evaluation, log fsync, and eviction sweeps.
	Hz int `koanf:"hz"`
	// RateLimit caps commands per second per connection (0 disables).
	RateLimit int `koanf:"rate_limit"`
	// Metrics configures the HTTP metrics/health endpoint.
	Metrics MetricsConfig `koanf:"metrics"`
}

// MetricsConfig configures the optional HTTP metrics/health endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// StorageSection configures persistence behavior.
type StorageSection struct {
	// Dir is the directory holding the snapshot and command-log files.
	Dir string `koanf:"dir"`
	// DBFilename is the snapshot file name within Dir.
	DBFilename string `koanf:"dbfilename"`
	// AppendOnly enables the command log (AOF).
	AppendOnly bool `koanf:"appendonly"`
	// AppendFilename is the command log file name within Dir.
	AppendFilename string `koanf:"appendfilename"`
	// AppendFsync is one of "always", "everysec", "no".
	AppendFsync string `koanf:"appendfsync"`
	// SaveRules are (seconds, changes) autosave rules, evaluated in
	// order; the first rule whose thresholds are both met fires.
	SaveRules []SaveRule `koanf:"save"`
	// SnapshotKeep is how many old snapshots to retain.
	SnapshotKeep int `koanf:"snapshot_keep"`
}

// SaveRule is one autosave threshold pair.
type SaveRule struct {
	Seconds int `koanf:"seconds"`
	Changes int `koanf:"changes"`
}

// MemorySection configures the memory cap and eviction policy.
type MemorySection struct {
	// MaxMemoryBytes is the soft memory cap (0 disables eviction).
	MaxMemoryBytes int64 `koanf:"maxmemory"`
	// Policy is one of "noeviction", "allkeys-random",
	// "volatile-random", "volatile-ttl".
	Policy string `koanf:"maxmemory_policy"`
}

// SecuritySection configures optional at-rest encryption for snapshots
// and the command log.
type SecuritySection struct {
	EncryptionKey string `koanf:"encryption_key"`
	Algorithm     string `koanf:"algorithm"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}
