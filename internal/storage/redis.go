package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trikhub/trikhub/pkg/manifest"
	"github.com/trikhub/trikhub/pkg/trik"
)

// redisKeyPrefix namespaces every stored entry. Full key layout:
// trikhub:storage:{trikID}:{key}. Trik ids never contain a colon, so the
// first colon after the prefix splits id from key.
const redisKeyPrefix = "trikhub:storage:"

// RedisProvider stores namespaces in redis. Expiry uses native TTLs, so
// Sweep has nothing to do here.
type RedisProvider struct {
	client *redis.Client

	mu       sync.Mutex
	contexts map[string]*redisContext
}

// NewRedisProvider connects using a redis:// URL.
func NewRedisProvider(rawURL string) (*RedisProvider, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisProvider{
		client:   client,
		contexts: make(map[string]*redisContext),
	}, nil
}

func (p *RedisProvider) ForTrik(trikID string, caps *manifest.StorageCaps) trik.StorageContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.contexts[trikID]; ok {
		return c
	}
	c := &redisContext{
		client:  p.client,
		trikID:  trikID,
		maxSize: maxSizeFor(caps),
	}
	p.contexts[trikID] = c
	return c
}

func (p *RedisProvider) Usage(ctx context.Context, trikID string) (int64, error) {
	return scanUsage(ctx, p.client, trikID)
}

func (p *RedisProvider) Clear(ctx context.Context, trikID string) error {
	iter := p.client.Scan(ctx, 0, globEscape(redisKeyPrefix+trikID+":")+"*", 256).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 256 {
			if err := p.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("clear storage for %s: %w", trikID, err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("clear storage for %s: %w", trikID, err)
	}
	if len(batch) > 0 {
		if err := p.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("clear storage for %s: %w", trikID, err)
		}
	}
	return nil
}

func (p *RedisProvider) TrikIDs(ctx context.Context) ([]string, error) {
	iter := p.client.Scan(ctx, 0, globEscape(redisKeyPrefix)+"*", 256).Iterator()
	seen := make(map[string]bool)
	for iter.Next(ctx) {
		rest := strings.TrimPrefix(iter.Val(), redisKeyPrefix)
		if id, _, ok := strings.Cut(rest, ":"); ok {
			seen[id] = true
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list storage triks: %w", err)
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *RedisProvider) Sweep(_ context.Context) (int64, error) { return 0, nil }

func (p *RedisProvider) Close() error { return p.client.Close() }

type redisContext struct {
	client  *redis.Client
	trikID  string
	maxSize int64
}

func (c *redisContext) key(key string) string {
	return redisKeyPrefix + c.trikID + ":" + key
}

func (c *redisContext) Get(ctx context.Context, key string) (any, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage get %q: %w", key, err)
	}
	return decodeValue(raw)
}

func (c *redisContext) Set(ctx context.Context, key string, value any, ttlMs int64) error {
	if key == "" {
		return ErrEmptyKey
	}
	raw, size, err := encodeValue(value)
	if err != nil {
		return err
	}
	current, err := scanUsage(ctx, c.client, c.trikID)
	if err != nil {
		return err
	}
	old, err := c.client.StrLen(ctx, c.key(key)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("storage set %q: %w", key, err)
	}
	if current-old+size > c.maxSize {
		return &QuotaError{TrikID: c.trikID, Current: current, Adding: size, Max: c.maxSize}
	}
	var ttl time.Duration
	if ttlMs > 0 {
		ttl = time.Duration(ttlMs) * time.Millisecond
	}
	if err := c.client.Set(ctx, c.key(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("storage set %q: %w", key, err)
	}
	return nil
}

func (c *redisContext) Delete(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	n, err := c.client.Del(ctx, c.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("storage delete %q: %w", key, err)
	}
	return n > 0, nil
}

func (c *redisContext) List(ctx context.Context, prefix string) ([]string, error) {
	pattern := globEscape(redisKeyPrefix+c.trikID+":"+prefix) + "*"
	iter := c.client.Scan(ctx, 0, pattern, 256).Iterator()
	ns := redisKeyPrefix + c.trikID + ":"
	keys := []string{}
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), ns))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("storage list: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *redisContext) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	if len(keys) == 0 {
		return map[string]any{}, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		if k == "" {
			return nil, ErrEmptyKey
		}
		full[i] = c.key(k)
	}
	vals, err := c.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("storage getMany: %w", err)
	}
	out := make(map[string]any)
	for i, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		decoded, err := decodeValue([]byte(s))
		if err != nil {
			return nil, err
		}
		if decoded != nil {
			out[keys[i]] = decoded
		}
	}
	return out, nil
}

func (c *redisContext) SetMany(ctx context.Context, entries map[string]any) error {
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

// scanUsage sums the byte length of every value in a trik's namespace.
func scanUsage(ctx context.Context, client *redis.Client, trikID string) (int64, error) {
	iter := client.Scan(ctx, 0, globEscape(redisKeyPrefix+trikID+":")+"*", 256).Iterator()
	var total int64
	for iter.Next(ctx) {
		n, err := client.StrLen(ctx, iter.Val()).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return 0, fmt.Errorf("storage usage for %s: %w", trikID, err)
		}
		total += n
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("storage usage for %s: %w", trikID, err)
	}
	return total, nil
}

// globEscape escapes SCAN MATCH metacharacters so a literal prefix matches
// verbatim.
func globEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
