// Package storage provides persistent key-value storage for triks. Each trik
// sees only its own namespace; values are JSON documents; every namespace has
// a byte quota derived from the manifest's storage capabilities.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/trikhub/trikhub/pkg/manifest"
	"github.com/trikhub/trikhub/pkg/trik"
)

// DefaultMaxSizeBytes caps a trik's namespace when the manifest does not set
// maxSizeBytes.
const DefaultMaxSizeBytes = 100 * 1024 * 1024

// Backend names accepted by New.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// ErrEmptyKey is returned for storage operations with an empty key.
var ErrEmptyKey = errors.New("storage key must not be empty")

// QuotaError reports a write that would push a namespace past its quota.
type QuotaError struct {
	TrikID  string
	Current int64
	Adding  int64
	Max     int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("storage quota exceeded for %s: current %d bytes, adding %d bytes, max %d bytes",
		e.TrikID, e.Current, e.Adding, e.Max)
}

// Provider hands out per-trik storage contexts and serves the admin surface.
type Provider interface {
	// ForTrik returns the storage context for trikID. The max namespace size
	// comes from caps.MaxSizeBytes when set, DefaultMaxSizeBytes otherwise.
	ForTrik(trikID string, caps *manifest.StorageCaps) trik.StorageContext

	// Usage reports the bytes currently stored for trikID.
	Usage(ctx context.Context, trikID string) (int64, error)
	// Clear removes everything stored for trikID.
	Clear(ctx context.Context, trikID string) error
	// TrikIDs lists triks that currently have stored data.
	TrikIDs(ctx context.Context) ([]string, error)
	// Sweep purges expired entries and reports how many were removed.
	Sweep(ctx context.Context) (int64, error)

	Close() error
}

// Config selects and parameterises a backend.
type Config struct {
	Backend     string `json:"backend"`
	Path        string `json:"path,omitempty"`
	PostgresDSN string `json:"postgresDsn,omitempty"`
	RedisURL    string `json:"redisUrl,omitempty"`
}

// New builds the configured provider. An empty backend means memory.
func New(cfg Config) (Provider, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryProvider(), nil
	case BackendSQLite:
		if cfg.Path == "" {
			return nil, errors.New("sqlite backend requires a path")
		}
		return NewSQLiteProvider(cfg.Path)
	case BackendPostgres:
		if cfg.PostgresDSN == "" {
			return nil, errors.New("postgres backend requires a DSN")
		}
		return NewPostgresProvider(cfg.PostgresDSN)
	case BackendRedis:
		if cfg.RedisURL == "" {
			return nil, errors.New("redis backend requires a URL")
		}
		return NewRedisProvider(cfg.RedisURL)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func maxSizeFor(caps *manifest.StorageCaps) int64 {
	if caps != nil && caps.MaxSizeBytes > 0 {
		return caps.MaxSizeBytes
	}
	return DefaultMaxSizeBytes
}

// encodeValue normalises a value to its stored JSON form and size.
func encodeValue(value any) ([]byte, int64, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, 0, fmt.Errorf("value is not JSON-serialisable: %w", err)
	}
	return raw, int64(len(raw)), nil
}

func decodeValue(raw []byte) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("stored value is corrupt: %w", err)
	}
	return v, nil
}

// expiresAt returns the absolute expiry in unix milliseconds, or 0 for none.
func expiresAt(nowMs, ttlMs int64) int64 {
	if ttlMs > 0 {
		return nowMs + ttlMs
	}
	return 0
}

// escapeLike escapes %, _ and the escape character itself so a key prefix can
// be used verbatim in a LIKE pattern with ESCAPE '\'.
func escapeLike(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix)
}

func nowMs() int64 { return time.Now().UnixMilli() }
