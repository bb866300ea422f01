package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/trikhub/trikhub/pkg/manifest"
	"github.com/trikhub/trikhub/pkg/trik"
)

type memoryEntry struct {
	raw       []byte
	size      int64
	createdAt int64
	expiresAt int64
}

// MemoryProvider keeps all namespaces in process memory. It backs triks whose
// manifests opt out of persistence and is the default when no backend is
// configured.
type MemoryProvider struct {
	mu       sync.RWMutex
	contexts map[string]*memoryContext
	now      func() int64
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		contexts: make(map[string]*memoryContext),
		now:      nowMs,
	}
}

func (p *MemoryProvider) ForTrik(trikID string, caps *manifest.StorageCaps) trik.StorageContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.contexts[trikID]; ok {
		return c
	}
	c := &memoryContext{
		trikID:  trikID,
		maxSize: maxSizeFor(caps),
		entries: make(map[string]memoryEntry),
		now:     func() int64 { return p.now() },
	}
	p.contexts[trikID] = c
	return c
}

func (p *MemoryProvider) Usage(_ context.Context, trikID string) (int64, error) {
	p.mu.RLock()
	c, ok := p.contexts[trikID]
	p.mu.RUnlock()
	if !ok {
		return 0, nil
	}
	return c.usage(), nil
}

func (p *MemoryProvider) Clear(_ context.Context, trikID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.contexts, trikID)
	return nil
}

func (p *MemoryProvider) TrikIDs(_ context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.contexts))
	for id, c := range p.contexts {
		if c.len() > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *MemoryProvider) Sweep(_ context.Context) (int64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var removed int64
	for _, c := range p.contexts {
		removed += c.sweep()
	}
	return removed, nil
}

func (p *MemoryProvider) Close() error { return nil }

type memoryContext struct {
	trikID  string
	maxSize int64
	now     func() int64

	mu      sync.RWMutex
	entries map[string]memoryEntry
}

func (c *memoryContext) Get(_ context.Context, key string) (any, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	if e.expiresAt != 0 && e.expiresAt <= c.now() {
		delete(c.entries, key)
		return nil, nil
	}
	return decodeValue(e.raw)
}

func (c *memoryContext) Set(_ context.Context, key string, value any, ttlMs int64) error {
	if key == "" {
		return ErrEmptyKey
	}
	raw, size, err := encodeValue(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	current := c.liveSizeLocked(now)
	var old int64
	if e, ok := c.entries[key]; ok && (e.expiresAt == 0 || e.expiresAt > now) {
		old = e.size
	}
	if current-old+size > c.maxSize {
		return &QuotaError{TrikID: c.trikID, Current: current, Adding: size, Max: c.maxSize}
	}
	c.entries[key] = memoryEntry{
		raw:       raw,
		size:      size,
		createdAt: now,
		expiresAt: expiresAt(now, ttlMs),
	}
	return nil
}

func (c *memoryContext) Delete(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	delete(c.entries, key)
	if e.expiresAt != 0 && e.expiresAt <= c.now() {
		return false, nil
	}
	return true, nil
}

func (c *memoryContext) List(_ context.Context, prefix string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	keys := make([]string, 0, len(c.entries))
	for k, e := range c.entries {
		if e.expiresAt != 0 && e.expiresAt <= now {
			continue
		}
		if prefix != "" && !strings.HasPrefix(k, prefix) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *memoryContext) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	out := make(map[string]any)
	for _, key := range keys {
		v, err := c.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if v != nil {
			out[key] = v
		}
	}
	return out, nil
}

func (c *memoryContext) SetMany(ctx context.Context, entries map[string]any) error {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := c.Set(ctx, k, entries[k], 0); err != nil {
			return err
		}
	}
	return nil
}

func (c *memoryContext) usage() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.liveSizeLocked(c.now())
}

func (c *memoryContext) liveSizeLocked(now int64) int64 {
	var total int64
	for _, e := range c.entries {
		if e.expiresAt != 0 && e.expiresAt <= now {
			continue
		}
		total += e.size
	}
	return total
}

func (c *memoryContext) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *memoryContext) sweep() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var removed int64
	for k, e := range c.entries {
		if e.expiresAt != 0 && e.expiresAt <= now {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}
