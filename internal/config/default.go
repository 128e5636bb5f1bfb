// Package config defines the server configuration structure.
package config

import "time"

// Default configuration values.
const (
	DefaultBind      = "127.0.0.1"
	DefaultPort      = 6379
	DefaultDatabases = 16
	DefaultIdleTimeout = 5 * time.Minute
	DefaultHz          = 10
	DefaultRateLimit   = 2000

	DefaultMetricsAddr = "127.0.0.1:9121"

	DefaultDataDir        = "/var/lib/kvstored/data"
	DefaultDBFilename     = "dump.rdb"
	DefaultAppendFilename = "appendonly.aof"
	DefaultAppendFsync    = "everysec"
	DefaultSnapshotKeep   = 3

	DefaultMaxMemoryPolicy = "noeviction"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// DefaultSaveRules mirrors the conventional (seconds, changes) autosave
// thresholds: save if 1 change in 900s, or 10 changes in 300s, or 10000
// changes in 60s.
func DefaultSaveRules() []SaveRule {
	return []SaveRule{
		{Seconds: 900, Changes: 1},
		{Seconds: 300, Changes: 10},
		{Seconds: 60, Changes: 10000},
	}
}

// Default returns the default server configuration.
func Default() *ServerConfig {
	return &ServerConfig{
		Server: ServerSection{
			Bind:        DefaultBind,
			Port:        DefaultPort,
			Databases:   DefaultDatabases,
			IdleTimeout: DefaultIdleTimeout,
			Hz:          DefaultHz,
			RateLimit:   DefaultRateLimit,
			Metrics: MetricsConfig{
				Enabled: false,
				Addr:    DefaultMetricsAddr,
			},
		},
		Storage: StorageSection{
			Dir:            DefaultDataDir,
			DBFilename:     DefaultDBFilename,
			AppendOnly:     false,
			AppendFilename: DefaultAppendFilename,
			AppendFsync:    DefaultAppendFsync,
			SaveRules:      DefaultSaveRules(),
			SnapshotKeep:   DefaultSnapshotKeep,
		},
		Memory: MemorySection{
			MaxMemoryBytes: 0,
			Policy:         DefaultMaxMemoryPolicy,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
