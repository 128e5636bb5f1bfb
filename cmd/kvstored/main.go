// Package main provides the entry point for kvstored.
//
// kvstored is a single-process, in-memory key-value store speaking a
// wire protocol compatible with widely deployed key-value clients:
// strings, lists, hashes, sets, sorted sets, streams, and HyperLogLog,
// with transactions, pub/sub, snapshot and append-only persistence, and
// an optional side-channel HTTP status/metrics endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/kvstored/kvstored/internal/blocking"
	"github.com/kvstored/kvstored/internal/config"
	"github.com/kvstored/kvstored/internal/infra/buildinfo"
	"github.com/kvstored/kvstored/internal/infra/confloader"
	"github.com/kvstored/kvstored/internal/infra/shutdown"
	"github.com/kvstored/kvstored/internal/kvstore"
	"github.com/kvstored/kvstored/internal/persistence/aof"
	"github.com/kvstored/kvstored/internal/persistence/snapshot"
	"github.com/kvstored/kvstored/internal/pubsub"
	"github.com/kvstored/kvstored/internal/server/httpserver"
	"github.com/kvstored/kvstored/internal/server/httpserver/handler"
	"github.com/kvstored/kvstored/internal/server/kvserver"
	"github.com/kvstored/kvstored/internal/telemetry/logger"
	"github.com/kvstored/kvstored/internal/telemetry/metric"
	"github.com/kvstored/kvstored/pkg/crypto/adaptive"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.String())
		return nil
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, slogLog, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	sanitized := config.Sanitize(cfg)
	log.Info("starting kvstored",
		"version", buildinfo.Version,
		"config_file", *configFile,
		"bind", sanitized.Server.Bind,
		"port", sanitized.Server.Port,
		"databases", sanitized.Server.Databases,
		"appendonly", sanitized.Storage.AppendOnly)

	cipher, err := initCipher(cfg)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}

	srv, err := buildServer(cfg, cipher, slogLog, log)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	status := &serverStatus{databases: cfg.Server.Databases, ready: true}
	shutdownHandler := shutdown.NewHandler(30 * time.Second)

	ctx := context.Background()
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	var httpSrv *httpserver.Server
	if cfg.Server.Metrics.Enabled {
		httpSrv = startMetricsServer(cfg, srv, status, slogLog, log)
	}

	var watcher *confloader.Watcher
	if *configFile != "" {
		watcher, err = startConfigWatcher(*configFile, srv, slogLog, log)
		if err != nil {
			log.Warn("configuration hot-reload disabled", "error", err)
			watcher = nil
		}
	}

	// Hooks run in LIFO order: stop accepting new HTTP requests, drain
	// the RESP listener, take a final snapshot, then close the log.
	if watcher != nil {
		shutdownHandler.OnShutdown(func(ctx context.Context) error {
			return watcher.Stop()
		})
	}
	if httpSrv != nil {
		shutdownHandler.OnShutdown(func(ctx context.Context) error {
			log.Info("shutting down metrics server")
			return httpSrv.Shutdown(ctx)
		})
	}
	shutdownHandler.OnShutdown(func(ctx context.Context) error {
		log.Info("draining RESP listener")
		return srv.Shutdown(ctx)
	})
	shutdownHandler.OnShutdown(func(ctx context.Context) error {
		if srv.Snapshot == nil {
			return nil
		}
		log.Info("saving final snapshot")
		_, err := srv.Snapshot.Save(srv.Keyspace)
		return err
	})
	shutdownHandler.OnShutdown(func(ctx context.Context) error {
		if srv.AOF == nil {
			return nil
		}
		log.Info("closing append only file")
		return srv.AOF.Close()
	})

	log.Info("server started", "address", fmt.Sprintf("%s:%d", cfg.Server.Bind, cfg.Server.Port))
	if err := shutdownHandler.Wait(); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}

	log.Info("server stopped gracefully")
	return nil
}

// loadConfig starts from defaults, layers a config file (if given) and
// environment variables over them, then verifies the result.
func loadConfig(configFile string) (*config.ServerConfig, error) {
	cfg := config.Default()

	var opts []confloader.Option
	if configFile != "" {
		opts = append(opts, confloader.WithConfigFile(configFile))
	}
	loader := confloader.NewLoader(opts...)

	if err := loader.Load(cfg); err != nil {
		return nil, err
	}
	if err := config.Verify(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// initLogger installs the redacting default logger and a plain
// slog.Logger built with matching level/format for components (like
// kvserver.Server) that take *slog.Logger directly rather than the
// package's Logger interface.
func initLogger(cfg *config.ServerConfig) (logger.Logger, *slog.Logger, error) {
	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.SetDefault(log)

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Log.Format == "text" || cfg.Log.Format == "console" {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	slogLog := slog.New(h)
	slog.SetDefault(slogLog)

	return log, slogLog, nil
}

// initCipher constructs the at-rest cipher shared by the snapshot and
// append-only writers when security.encryption_key is configured.
func initCipher(cfg *config.ServerConfig) (adaptive.Cipher, error) {
	if cfg.Security.EncryptionKey == "" {
		return nil, nil
	}
	key := []byte(cfg.Security.EncryptionKey)
	if cfg.Security.Algorithm != "" {
		return adaptive.NewWithType(key, adaptive.CipherType(cfg.Security.Algorithm))
	}
	return adaptive.New(key)
}

// buildServer wires the keyspace, registries, and persistence managers
// together. Startup state is recovered from the append-only log when
// one already exists (replaying it takes precedence over the last
// snapshot, matching the log's role as the more current source of
// truth); otherwise the last snapshot, if any, is loaded.
func buildServer(cfg *config.ServerConfig, cipher adaptive.Cipher, slogLog *slog.Logger, log logger.Logger) (*kvserver.Server, error) {
	ks := kvstore.NewKeyspace(cfg.Server.Databases)

	snapMgr, err := snapshot.NewManager(snapshot.Config{
		Dir:            cfg.Storage.Dir,
		Filename:       cfg.Storage.DBFilename,
		RetentionCount: cfg.Storage.SnapshotKeep,
		Cipher:         cipher,
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot manager: %w", err)
	}

	aofCfg := aof.Config{
		Dir:      cfg.Storage.Dir,
		Filename: cfg.Storage.AppendFilename,
		Policy:   aof.ParseFsyncPolicy(cfg.Storage.AppendFsync),
		Cipher:   cipher,
	}
	aofPath := filepath.Join(aofCfg.Dir, aofCfg.Filename)

	existingAOF := false
	if cfg.Storage.AppendOnly {
		if _, err := os.Stat(aofPath); err == nil {
			existingAOF = true
		}
	}

	if !existingAOF {
		if info, err := snapMgr.Load(ks); err != nil && err != snapshot.ErrNoSnapshots {
			return nil, fmt.Errorf("load snapshot: %w", err)
		} else if err == nil {
			log.Info("loaded snapshot", "path", info.Path, "keys", info.KeyCount)
		}
	}

	saveRules := make([]kvserver.SaveRule, 0, len(cfg.Storage.SaveRules))
	for _, r := range cfg.Storage.SaveRules {
		saveRules = append(saveRules, kvserver.SaveRule{Seconds: r.Seconds, Changes: r.Changes})
	}

	srvCfg := &kvserver.Config{
		Address:      fmt.Sprintf("%s:%d", cfg.Server.Bind, cfg.Server.Port),
		RequirePass:  cfg.Server.RequirePass,
		IdleTimeout:  cfg.Server.IdleTimeout,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		Hz:           cfg.Server.Hz,
		RateLimit:    cfg.Server.RateLimit,
		SaveRules:    saveRules,
	}

	// Built with a nil AOF writer so replaying the log below does not
	// re-append the very commands being replayed; the real writer is
	// attached afterward.
	srv := kvserver.New(srvCfg, ks, pubsub.NewRegistry(), blocking.NewRegistry(), snapMgr, nil, slogLog)
	srv.SetMaxMemoryBytes(cfg.Memory.MaxMemoryBytes)
	if policy, ok := kvserver.ParseEvictionPolicy(cfg.Memory.Policy); ok {
		srv.SetEvictionPolicy(policy)
	}

	if cfg.Storage.AppendOnly {
		if existingAOF {
			replayConn := kvserver.NewReplayConn()
			applied, err := aof.Replay(aofPath, cipher, func(_ int, cmd [][]byte) error {
				srv.Execute(context.Background(), replayConn, cmd)
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("replay append only file: %w", err)
			}
			log.Info("replayed append only file", "commands", applied)
		}

		w, err := aof.Open(aofCfg)
		if err != nil {
			return nil, fmt.Errorf("open append only file: %w", err)
		}
		srv.SetAOFConfig(aofCfg)
		srv.AOF = w
	}

	return srv, nil
}

// startConfigWatcher re-reads configFile on every write and applies the
// subset of settings that are safe to change on a running server:
// requirepass, the memory cap, and the eviction policy. Everything else
// (bind address, database count, persistence paths) requires a restart.
func startConfigWatcher(configFile string, srv *kvserver.Server, slogLog *slog.Logger, log logger.Logger) (*confloader.Watcher, error) {
	watcher, err := confloader.NewWatcher(confloader.WithWatcherLogger(slogLog))
	if err != nil {
		return nil, err
	}
	if err := watcher.Watch(configFile); err != nil {
		return nil, err
	}

	watcher.OnChange(func(path string) {
		cfg := config.Default()
		if err := confloader.NewLoader(confloader.WithConfigFile(configFile)).Load(cfg); err != nil {
			log.Error("config reload failed", "error", err)
			return
		}
		if err := config.Verify(cfg); err != nil {
			log.Error("config reload rejected", "error", err)
			return
		}

		srv.SetRequirePass(cfg.Server.RequirePass)
		srv.SetMaxMemoryBytes(cfg.Memory.MaxMemoryBytes)
		if policy, ok := kvserver.ParseEvictionPolicy(cfg.Memory.Policy); ok {
			srv.SetEvictionPolicy(policy)
		}
		log.Info("configuration reloaded", "file", path)
	})

	watcher.StartAsync()
	return watcher, nil
}

// startMetricsServer starts the loopback HTTP status/metrics endpoint
// alongside the RESP listener.
func startMetricsServer(cfg *config.ServerConfig, srv *kvserver.Server, status *serverStatus, slogLog *slog.Logger, log logger.Logger) *httpserver.Server {
	registry := metric.NewRegistry()
	_ = registry.Register(metric.NewCollector(srv.Keyspace))

	router := httpserver.NewRouter(&httpserver.RouterConfig{
		Status:  status,
		Metrics: registry.Handler(),
		Logger:  slogLog,
	})
	httpSrv := httpserver.New(cfg.Server.Metrics.Addr, router)

	go func() {
		log.Info("metrics server listening", "addr", cfg.Server.Metrics.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", "error", err)
		}
	}()

	return httpSrv
}

// serverStatus implements handler.StatusSource.
type serverStatus struct {
	databases int
	ready     bool
}

func (s *serverStatus) Ready() error {
	if !s.ready {
		return fmt.Errorf("server is not ready")
	}
	return nil
}

func (s *serverStatus) Databases() int { return s.databases }

var _ handler.StatusSource = (*serverStatus)(nil)
