package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         7470,
			RateLimitRPM: 120,
		},
		Triks: TriksConfig{
			Dir: "~/.trikhub/triks",
		},
		Storage: StorageConfig{
			Backend:    "sqlite",
			SQLitePath: "~/.trikhub/storage.db",
		},
		Content: ContentConfig{
			TTLMs: 10 * 60 * 1000,
		},
		Worker: WorkerConfig{
			StartupTimeoutMs: 10_000,
			InvokeTimeoutMs:  60_000,
		},
		Sweep: SweepConfig{
			Schedule: "* * * * *",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath prefers a project-local .trikhub/config.json over the global
// one in the home directory.
func DefaultPath() string {
	local := filepath.Join(".trikhub", "config.json")
	if _, err := os.Stat(local); err == nil {
		return local
	}
	return ExpandHome("~/.trikhub/config.json")
}

// Load reads config from a JSON/JSON5 file, then overlays env vars. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(ExpandHome(path))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("TRIKHUB_TOKEN", &c.Server.Token)
	envStr("TRIKHUB_HOST", &c.Server.Host)
	if v := os.Getenv("TRIKHUB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}

	envStr("TRIKHUB_TRIKS_DIR", &c.Triks.Dir)

	envStr("TRIKHUB_STORAGE_BACKEND", &c.Storage.Backend)
	envStr("TRIKHUB_SQLITE_PATH", &c.Storage.SQLitePath)
	envStr("TRIKHUB_POSTGRES_DSN", &c.Storage.PostgresDSN)
	envStr("TRIKHUB_REDIS_URL", &c.Storage.RedisURL)

	// Worker commands for foreign runtimes
	if v := os.Getenv("TRIKHUB_NODE_WORKER"); v != "" {
		c.setRuntimeCommand("node", v)
	}
	if v := os.Getenv("TRIKHUB_PYTHON_WORKER"); v != "" {
		c.setRuntimeCommand("python", v)
	}

	envStr("TRIKHUB_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("TRIKHUB_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("TRIKHUB_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("TRIKHUB_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TRIKHUB_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	envStr("TRIKHUB_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("TRIKHUB_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("TRIKHUB_TSNET_DIR", &c.Tailscale.StateDir)

	envStr("TRIKHUB_LOG_LEVEL", &c.Log.Level)
	envStr("TRIKHUB_LOG_FORMAT", &c.Log.Format)
}

func (c *Config) setRuntimeCommand(runtime, command string) {
	if c.Runtimes == nil {
		c.Runtimes = make(map[string]RuntimeConfig)
	}
	rc := c.Runtimes[runtime]
	rc.Command = command
	c.Runtimes[runtime] = rc
}

// Save writes the config to a JSON file. Secret fields carry json:"-" tags
// and never reach disk.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	path = ExpandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
