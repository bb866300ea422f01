package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/titanous/json5"

	"github.com/trikhub/trikhub/pkg/manifest"
	"github.com/trikhub/trikhub/pkg/trik"
)

// secretsFile is the on-disk shape of a secrets file: trik id → key → value.
type secretsFile map[string]map[string]string

// Secrets is a two-layer per-trik secret store. Values from the local
// (project) file shadow values from the global file. Files are plain JSON
// objects keyed by trik id.
type Secrets struct {
	mu         sync.RWMutex
	globalPath string
	localPath  string
	global     secretsFile
	local      secretsFile
}

// GlobalSecretsPath returns the location of the user-wide secrets file.
func GlobalSecretsPath() string {
	return ExpandHome("~/.trikhub/secrets.json")
}

// LocalSecretsPath returns the project-local secrets file relative to dir.
func LocalSecretsPath(dir string) string {
	return filepath.Join(dir, ".trikhub", "secrets.json")
}

// LoadSecrets reads the global and local secrets files. Missing files are
// fine; both layers start empty in that case.
func LoadSecrets(globalPath, localPath string) (*Secrets, error) {
	s := &Secrets{
		globalPath: ExpandHome(globalPath),
		localPath:  localPath,
		global:     secretsFile{},
		local:      secretsFile{},
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewMemorySecrets builds a store from in-memory values, for tests and for
// embedding the gateway without touching the filesystem. The values map is
// treated as the local layer.
func NewMemorySecrets(values map[string]map[string]string) *Secrets {
	s := &Secrets{global: secretsFile{}, local: secretsFile{}}
	for trikID, kv := range values {
		m := make(map[string]string, len(kv))
		for k, v := range kv {
			m[k] = v
		}
		s.local[trikID] = m
	}
	return s
}

// Reload re-reads both files, replacing the in-memory layers.
func (s *Secrets) Reload() error {
	global, err := readSecretsFile(s.globalPath)
	if err != nil {
		return err
	}
	local, err := readSecretsFile(s.localPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.global = global
	s.local = local
	s.mu.Unlock()
	return nil
}

func readSecretsFile(path string) (secretsFile, error) {
	if path == "" {
		return secretsFile{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return secretsFile{}, nil
		}
		return nil, fmt.Errorf("read secrets: %w", err)
	}
	var f secretsFile
	if err := json5.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse secrets %s: %w", path, err)
	}
	if f == nil {
		f = secretsFile{}
	}
	return f, nil
}

// Get resolves a single key for a trik: local layer first, then global.
func (s *Secrets) Get(trikID, key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if kv, ok := s.local[trikID]; ok {
		if v, ok := kv[key]; ok {
			return v, true
		}
	}
	if kv, ok := s.global[trikID]; ok {
		if v, ok := kv[key]; ok {
			return v, true
		}
	}
	return "", false
}

// Set writes a value into the requested layer and persists that layer's
// file. Setting on a store without file paths updates memory only.
func (s *Secrets) Set(trikID, key, value string, global bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	layer, path := s.local, s.localPath
	if global {
		layer, path = s.global, s.globalPath
	}
	if layer[trikID] == nil {
		layer[trikID] = map[string]string{}
	}
	layer[trikID][key] = value
	return writeSecretsFile(path, layer)
}

// Delete removes a key from the requested layer and persists it.
func (s *Secrets) Delete(trikID, key string, global bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	layer, path := s.local, s.localPath
	if global {
		layer, path = s.global, s.globalPath
	}
	if kv, ok := layer[trikID]; ok {
		delete(kv, key)
		if len(kv) == 0 {
			delete(layer, trikID)
		}
	}
	return writeSecretsFile(path, layer)
}

func writeSecretsFile(path string, f secretsFile) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create secrets dir: %w", err)
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode secrets: %w", err)
	}
	// Secrets on disk are user-private.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write secrets: %w", err)
	}
	return nil
}

// ForTrik builds the config context handed to skill code. Only keys the
// manifest declares are visible; everything else reads as not-found even
// when a secrets file contains it. Declared keys with defaults resolve to
// the default when neither layer has a value.
func (s *Secrets) ForTrik(trikID string, m *manifest.Manifest) trik.ConfigContext {
	declared := map[string]bool{}
	var defaults map[string]string
	if m != nil {
		for _, k := range m.DeclaredConfigKeys() {
			declared[k] = true
		}
		defaults = m.ConfigDefaults()
	}
	return &trikConfigContext{store: s, trikID: trikID, declared: declared, defaults: defaults}
}

// ValidateConfig returns the required keys a trik's manifest declares that
// neither layer satisfies, sorted for stable output.
func (s *Secrets) ValidateConfig(trikID string, m *manifest.Manifest) []string {
	if m == nil || m.Config == nil {
		return nil
	}
	var missing []string
	for _, req := range m.Config.Required {
		if _, ok := s.Get(trikID, req.Key); !ok {
			missing = append(missing, req.Key)
		}
	}
	sort.Strings(missing)
	return missing
}

// TrikIDs lists every trik id mentioned in either layer.
func (s *Secrets) TrikIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]bool{}
	for id := range s.global {
		seen[id] = true
	}
	for id := range s.local {
		seen[id] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// trikConfigContext fences secret lookups to manifest-declared keys.
type trikConfigContext struct {
	store    *Secrets
	trikID   string
	declared map[string]bool
	defaults map[string]string
}

func (c *trikConfigContext) Get(key string) (string, bool) {
	if !c.declared[key] {
		return "", false
	}
	if v, ok := c.store.Get(c.trikID, key); ok {
		return v, true
	}
	if v, ok := c.defaults[key]; ok {
		return v, true
	}
	return "", false
}

func (c *trikConfigContext) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

func (c *trikConfigContext) Keys() []string {
	keys := make([]string, 0, len(c.declared))
	for k := range c.declared {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
