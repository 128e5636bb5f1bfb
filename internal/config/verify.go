// Package config defines the server configuration structure.
package config

import (
	"errors"
	"os"
)

// Verify validates the configuration.
func Verify(cfg *ServerConfig) error {
	if err := verifyServer(&cfg.Server); err != nil {
		return err
	}
	if err := verifyStorage(&cfg.Storage); err != nil {
		return err
	}
	return verifyMemory(&cfg.Memory)
}

func verifyServer(cfg *ServerSection) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if cfg.Databases < 1 {
		return errors.New("server.databases must be at least 1")
	}
	if cfg.Hz < 1 || cfg.Hz > 500 {
		return errors.New("server.hz must be between 1 and 500")
	}
	return nil
}

func verifyStorage(cfg *StorageSection) error {
	if cfg.Dir == "" {
		return errors.New("storage.dir is required")
	}

	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return errors.New("cannot create data directory: " + err.Error())
	}

	if cfg.SnapshotKeep < 1 {
		return errors.New("storage.snapshot_keep must be at least 1")
	}

	switch cfg.AppendFsync {
	case "always", "everysec", "no":
	default:
		return errors.New("storage.appendfsync must be one of: always, everysec, no")
	}

	return nil
}

func verifyMemory(cfg *MemorySection) error {
	switch cfg.Policy {
	case "noeviction", "allkeys-random", "volatile-random", "volatile-ttl":
	default:
		return errors.New("memory.maxmemory_policy must be one of: noeviction, allkeys-random, volatile-random, volatile-ttl")
	}
	return nil
}
