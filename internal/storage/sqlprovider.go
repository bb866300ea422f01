package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/lib/pq"

	"github.com/trikhub/trikhub/pkg/manifest"
	"github.com/trikhub/trikhub/pkg/trik"
)

const (
	dialectSQLite   = "sqlite"
	dialectPostgres = "postgres"
)

// sqlProvider implements Provider on top of database/sql. SQLite and Postgres
// share the schema; queries are written with ? placeholders and rebound for
// Postgres.
type sqlProvider struct {
	db      *sql.DB
	dialect string
	now     func() int64

	mu       sync.Mutex
	contexts map[string]*sqlContext
}

func newSQLProvider(db *sql.DB, dialect string) *sqlProvider {
	return &sqlProvider{
		db:       db,
		dialect:  dialect,
		now:      nowMs,
		contexts: make(map[string]*sqlContext),
	}
}

func (p *sqlProvider) ForTrik(trikID string, caps *manifest.StorageCaps) trik.StorageContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.contexts[trikID]; ok {
		return c
	}
	c := &sqlContext{p: p, trikID: trikID, maxSize: maxSizeFor(caps)}
	p.contexts[trikID] = c
	return c
}

func (p *sqlProvider) Usage(ctx context.Context, trikID string) (int64, error) {
	var total int64
	err := p.db.QueryRowContext(ctx,
		p.q(`SELECT COALESCE(SUM(size_bytes), 0) FROM trik_storage
		     WHERE trik_id = ? AND (expires_at IS NULL OR expires_at > ?)`),
		trikID, p.now(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("storage usage for %s: %w", trikID, err)
	}
	return total, nil
}

func (p *sqlProvider) Clear(ctx context.Context, trikID string) error {
	_, err := p.db.ExecContext(ctx,
		p.q(`DELETE FROM trik_storage WHERE trik_id = ?`), trikID)
	if err != nil {
		return fmt.Errorf("clear storage for %s: %w", trikID, err)
	}
	return nil
}

func (p *sqlProvider) TrikIDs(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		p.q(`SELECT DISTINCT trik_id FROM trik_storage
		     WHERE expires_at IS NULL OR expires_at > ?
		     ORDER BY trik_id`), p.now())
	if err != nil {
		return nil, fmt.Errorf("list storage triks: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *sqlProvider) Sweep(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		p.q(`DELETE FROM trik_storage WHERE expires_at IS NOT NULL AND expires_at <= ?`),
		p.now())
	if err != nil {
		return 0, fmt.Errorf("sweep storage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (p *sqlProvider) Close() error { return p.db.Close() }

// q rebinds ? placeholders to $n for Postgres.
func (p *sqlProvider) q(query string) string {
	if p.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type sqlContext struct {
	p       *sqlProvider
	trikID  string
	maxSize int64
}

func (c *sqlContext) Get(ctx context.Context, key string) (any, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	var raw []byte
	var exp sql.NullInt64
	err := c.p.db.QueryRowContext(ctx,
		c.p.q(`SELECT value, expires_at FROM trik_storage WHERE trik_id = ? AND key = ?`),
		c.trikID, key,
	).Scan(&raw, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage get %q: %w", key, err)
	}
	if exp.Valid && exp.Int64 <= c.p.now() {
		_, _ = c.p.db.ExecContext(ctx,
			c.p.q(`DELETE FROM trik_storage WHERE trik_id = ? AND key = ?`),
			c.trikID, key)
		return nil, nil
	}
	return decodeValue(raw)
}

func (c *sqlContext) Set(ctx context.Context, key string, value any, ttlMs int64) error {
	if key == "" {
		return ErrEmptyKey
	}
	raw, size, err := encodeValue(value)
	if err != nil {
		return err
	}
	now := c.p.now()

	tx, err := c.p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage set %q: %w", key, err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		c.p.q(`SELECT COALESCE(SUM(size_bytes), 0) FROM trik_storage
		       WHERE trik_id = ? AND (expires_at IS NULL OR expires_at > ?)`),
		c.trikID, now,
	).Scan(&current)
	if err != nil {
		return fmt.Errorf("storage set %q: %w", key, err)
	}

	var old int64
	err = tx.QueryRowContext(ctx,
		c.p.q(`SELECT size_bytes FROM trik_storage
		       WHERE trik_id = ? AND key = ? AND (expires_at IS NULL OR expires_at > ?)`),
		c.trikID, key, now,
	).Scan(&old)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("storage set %q: %w", key, err)
	}

	if current-old+size > c.maxSize {
		return &QuotaError{TrikID: c.trikID, Current: current, Adding: size, Max: c.maxSize}
	}

	exp := sql.NullInt64{}
	if e := expiresAt(now, ttlMs); e != 0 {
		exp = sql.NullInt64{Int64: e, Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		c.p.q(`INSERT INTO trik_storage (trik_id, key, value, size_bytes, created_at, expires_at)
		       VALUES (?, ?, ?, ?, ?, ?)
		       ON CONFLICT (trik_id, key) DO UPDATE SET
		           value = excluded.value,
		           size_bytes = excluded.size_bytes,
		           created_at = excluded.created_at,
		           expires_at = excluded.expires_at`),
		c.trikID, key, string(raw), size, now, exp)
	if err != nil {
		return fmt.Errorf("storage set %q: %w", key, err)
	}
	return tx.Commit()
}

func (c *sqlContext) Delete(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	tx, err := c.p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("storage delete %q: %w", key, err)
	}
	defer tx.Rollback()

	var exp sql.NullInt64
	err = tx.QueryRowContext(ctx,
		c.p.q(`SELECT expires_at FROM trik_storage WHERE trik_id = ? AND key = ?`),
		c.trikID, key,
	).Scan(&exp)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage delete %q: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx,
		c.p.q(`DELETE FROM trik_storage WHERE trik_id = ? AND key = ?`),
		c.trikID, key); err != nil {
		return false, fmt.Errorf("storage delete %q: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	live := !exp.Valid || exp.Int64 > c.p.now()
	return live, nil
}

func (c *sqlContext) List(ctx context.Context, prefix string) ([]string, error) {
	query := `SELECT key FROM trik_storage
	          WHERE trik_id = ? AND (expires_at IS NULL OR expires_at > ?)`
	args := []any{c.trikID, c.p.now()}
	if prefix != "" {
		query += ` AND key LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(prefix)+"%")
	}
	query += ` ORDER BY key`

	rows, err := c.p.db.QueryContext(ctx, c.p.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("storage list: %w", err)
	}
	defer rows.Close()
	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (c *sqlContext) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	if c.p.dialect == dialectPostgres {
		return c.getManyPostgres(ctx, keys)
	}
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

// getManyPostgres fetches all keys in one round trip. Expired rows are
// filtered here and left for the sweeper.
func (c *sqlContext) getManyPostgres(ctx context.Context, keys []string) (map[string]any, error) {
	out := make(map[string]any)
	if len(keys) == 0 {
		return out, nil
	}
	for _, key := range keys {
		if key == "" {
			return nil, ErrEmptyKey
		}
	}

	rows, err := c.p.db.QueryContext(ctx,
		`SELECT key, value FROM trik_storage
		 WHERE trik_id = $1 AND key = ANY($2)
		   AND (expires_at IS NULL OR expires_at > $3)`,
		c.trikID, pq.Array(keys), c.p.now())
	if err != nil {
		return nil, fmt.Errorf("storage get many: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		v, err := decodeValue(raw)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, rows.Err()
}

func (c *sqlContext) SetMany(ctx context.Context, entries map[string]any) error {
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
