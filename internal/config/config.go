package config

import (
	"fmt"
	"sync"

	"github.com/trikhub/trikhub/pkg/manifest"
)

// Config is the root configuration for the TrikHub gateway.
type Config struct {
	Server    ServerConfig             `json:"server"`
	Triks     TriksConfig              `json:"triks"`
	Runtimes  map[string]RuntimeConfig `json:"runtimes,omitempty"`
	Storage   StorageConfig            `json:"storage"`
	Content   ContentConfig            `json:"content,omitempty"`
	Worker    WorkerConfig             `json:"worker,omitempty"`
	Sweep     SweepConfig              `json:"sweep,omitempty"`
	Lint      LintConfig               `json:"lint,omitempty"`
	Telemetry TelemetryConfig          `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig          `json:"tailscale,omitempty"`
	Log       LogConfig                `json:"log,omitempty"`
	mu        sync.RWMutex
}

// ServerConfig configures the HTTP facade.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// Token guards the API when set. Comes from TRIKHUB_TOKEN or the config
	// file; Save never writes it back.
	Token        string `json:"-"`
	RateLimitRPM int    `json:"rateLimitRpm"`
}

// TriksConfig says which triks to load at startup.
type TriksConfig struct {
	// Dir is scanned for @scope/name trik directories.
	Dir string `json:"dir,omitempty"`
	// List adds explicit trik directories outside Dir.
	List []TrikRef `json:"list,omitempty"`
}

// TrikRef points at one trik directory. ID is optional; when set, loading
// fails if the manifest's id differs.
type TrikRef struct {
	ID   string `json:"id,omitempty"`
	Path string `json:"path"`
}

// RuntimeConfig tells the gateway how to start a worker for a foreign
// runtime.
type RuntimeConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// StorageConfig selects the trik storage backend.
// PostgresDSN is never read from the config file; only TRIKHUB_POSTGRES_DSN.
type StorageConfig struct {
	Backend     string `json:"backend"`
	SQLitePath  string `json:"sqlitePath,omitempty"`
	PostgresDSN string `json:"-"`
	RedisURL    string `json:"redisUrl,omitempty"`
}

// ContentConfig bounds undelivered passthrough content.
type ContentConfig struct {
	TTLMs int64 `json:"ttlMs,omitempty"`
}

// WorkerConfig bounds runtime worker lifecycle operations.
type WorkerConfig struct {
	StartupTimeoutMs int64 `json:"startupTimeoutMs,omitempty"`
	InvokeTimeoutMs  int64 `json:"invokeTimeoutMs,omitempty"`
}

// SweepConfig schedules expiry sweeps over sessions, content and storage.
type SweepConfig struct {
	// Schedule is a cron expression; empty disables the sweeper.
	Schedule string `json:"schedule,omitempty"`
}

// LintConfig carries defaults for manifest linting.
type LintConfig struct {
	WarningsAsErrors bool `json:"warningsAsErrors,omitempty"`
}

// TelemetryConfig enables OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" or "http"
	ServiceName string `json:"serviceName,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener.
// Requires building with -tags tsnet. Auth key from env only, never persisted.
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	StateDir  string `json:"stateDir,omitempty"`
	AuthKey   string `json:"-"`
	Ephemeral bool   `json:"ephemeral,omitempty"`
	EnableTLS bool   `json:"enableTls,omitempty"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level  string `json:"level,omitempty"`  // debug, info, warn, error
	Format string `json:"format,omitempty"` // text or json
}

// ListenAddr is the host:port the HTTP facade binds.
func (c *Config) ListenAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// RuntimeFor resolves the worker command for a manifest runtime. Falls back
// to the conventional commands when the config has no entry.
func (c *Config) RuntimeFor(rt manifest.Runtime) (RuntimeConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if rc, ok := c.Runtimes[string(rt)]; ok && rc.Command != "" {
		return rc, true
	}
	switch rt {
	case manifest.RuntimeNode:
		return RuntimeConfig{Command: "node"}, true
	case manifest.RuntimePython:
		return RuntimeConfig{Command: "python3"}, true
	default:
		return RuntimeConfig{}, false
	}
}

// Validate reports configuration mistakes an operator should fix before the
// gateway starts.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Storage.Backend {
	case "", "memory", "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, sqlite, postgres, redis", c.Storage.Backend)
	}
	if c.Storage.Backend == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("storage.backend postgres requires TRIKHUB_POSTGRES_DSN")
	}
	if c.Storage.Backend == "redis" && c.Storage.RedisURL == "" {
		return fmt.Errorf("storage.backend redis requires storage.redisUrl or TRIKHUB_REDIS_URL")
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("telemetry.protocol %q is not grpc or http", c.Telemetry.Protocol)
	}
	for name, rc := range c.Runtimes {
		if rc.Command == "" {
			return fmt.Errorf("runtimes.%s.command must not be empty", name)
		}
	}
	return nil
}
