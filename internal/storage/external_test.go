package storage

import (
	"context"
	"os"
	"testing"
)

// These tests exercise real backing services and are skipped unless the
// corresponding environment variable points at one.

func TestPostgresProviderSuite(t *testing.T) {
	dsn := os.Getenv("TRIKHUB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TRIKHUB_TEST_POSTGRES_DSN not set")
	}
	clock := newFakeClock()
	p, err := NewPostgresProvider(dsn)
	if err != nil {
		t.Fatalf("NewPostgresProvider() error = %v", err)
	}
	t.Cleanup(func() {
		cleanupSuiteNamespaces(t, p)
		p.Close()
	})
	p.(*sqlProvider).now = clock.Now
	testProviderSuite(t, p, clock)
}

func TestRedisProviderSuite(t *testing.T) {
	url := os.Getenv("TRIKHUB_TEST_REDIS_URL")
	if url == "" {
		t.Skip("TRIKHUB_TEST_REDIS_URL not set")
	}
	p, err := NewRedisProvider(url)
	if err != nil {
		t.Fatalf("NewRedisProvider() error = %v", err)
	}
	t.Cleanup(func() {
		cleanupSuiteNamespaces(t, p)
		p.Close()
	})
	testProviderSuite(t, p, nil)
}

func cleanupSuiteNamespaces(t *testing.T, p Provider) {
	t.Helper()
	ctx := context.Background()
	ids, err := p.TrikIDs(ctx)
	if err != nil {
		t.Logf("cleanup: TrikIDs() error = %v", err)
		return
	}
	for _, id := range ids {
		if len(id) > 7 && id[:7] == "@suite/" {
			if err := p.Clear(ctx, id); err != nil {
				t.Logf("cleanup: Clear(%s) error = %v", id, err)
			}
		}
	}
}
