package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/trikhub/trikhub/internal/bus"
	"github.com/trikhub/trikhub/internal/config"
	"github.com/trikhub/trikhub/internal/storage"
	"github.com/trikhub/trikhub/internal/worker"
	"github.com/trikhub/trikhub/pkg/gateway"
)

// setupLogging installs the default slog handler. --verbose wins over the
// configured level. The mcp command passes stderr because stdout carries
// the protocol stream.
func setupLogging(out io.Writer, cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(out, opts)
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// loadConfig reads the host config and validates it.
func loadConfig() (*config.Config, string, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("config: %w", err)
	}
	return cfg, cfgPath, nil
}

// buildStorageProvider maps the host config onto a storage backend.
func buildStorageProvider(cfg *config.Config) (storage.Provider, error) {
	return storage.New(storage.Config{
		Backend:     cfg.Storage.Backend,
		Path:        config.ExpandHome(cfg.Storage.SQLitePath),
		PostgresDSN: cfg.Storage.PostgresDSN,
		RedisURL:    cfg.Storage.RedisURL,
	})
}

// buildGateway assembles a gateway from the host config: storage backend,
// layered secrets, and a worker manager for foreign runtimes. Shut it down
// via Gateway.Shutdown, which also stops the workers and closes storage.
func buildGateway(cfg *config.Config, pub bus.EventPublisher) (*gateway.Gateway, error) {
	store, err := buildStorageProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("storage backend: %w", err)
	}

	secrets, err := config.LoadSecrets(config.GlobalSecretsPath(), config.LocalSecretsPath("."))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("secrets: %w", err)
	}

	workers := worker.NewManager(cfg, worker.WithEventPublisher(pub))

	opts := []gateway.Option{
		gateway.WithStorage(store),
		gateway.WithSecrets(secrets),
		gateway.WithDispatcher(workers),
	}
	if pub != nil {
		opts = append(opts, gateway.WithEventPublisher(pub))
	}
	if cfg.Content.TTLMs > 0 {
		opts = append(opts, gateway.WithContentTTL(time.Duration(cfg.Content.TTLMs)*time.Millisecond))
	}
	if cfg.Worker.InvokeTimeoutMs > 0 {
		opts = append(opts, gateway.WithInvokeTimeout(time.Duration(cfg.Worker.InvokeTimeoutMs)*time.Millisecond))
	}
	return gateway.New(opts...), nil
}

// loadTriks loads the configured trik set: the triks directory scan, the
// explicit list entries, and the registry names in the config file itself.
// Per-trik failures are logged, never fatal. An id already registered by an
// earlier phase is skipped silently.
func loadTriks(gw *gateway.Gateway, cfg *config.Config, cfgPath string) []string {
	var loaded []string

	if dir := config.ExpandHome(cfg.Triks.Dir); dir != "" {
		ids, failures := gw.LoadTriksFromDirectory(dir)
		loaded = append(loaded, ids...)
		for path, err := range failures {
			slog.Warn("trik.load_failed", "path", path, "error", err)
		}
	}

	for _, ref := range cfg.Triks.List {
		m, err := gw.LoadTrik(config.ExpandHome(ref.Path))
		if err != nil {
			if !errors.Is(err, gateway.ErrAlreadyLoaded) {
				slog.Warn("trik.load_failed", "path", ref.Path, "error", err)
			}
			continue
		}
		if ref.ID != "" && ref.ID != m.ID {
			gw.UnloadTrik(m.ID)
			slog.Warn("trik.load_failed", "path", ref.Path,
				"error", fmt.Sprintf("manifest id %q does not match configured id %q", m.ID, ref.ID))
			continue
		}
		loaded = append(loaded, m.ID)
	}

	if path := config.ExpandHome(cfgPath); fileExists(path) {
		ids, failures, err := gw.LoadTriksFromConfig(path)
		if err != nil {
			slog.Warn("trik.registry_load_failed", "path", cfgPath, "error", err)
		} else {
			loaded = append(loaded, ids...)
			for name, ferr := range failures {
				if errors.Is(ferr, gateway.ErrAlreadyLoaded) {
					continue
				}
				slog.Warn("trik.load_failed", "trik", name, "error", ferr)
			}
		}
	}

	sort.Strings(loaded)
	return loaded
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
