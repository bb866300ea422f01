package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func TestSQLiteProviderSuite(t *testing.T) {
	clock := newFakeClock()
	p, err := NewSQLiteProvider(filepath.Join(t.TempDir(), "storage.db"))
	if err != nil {
		t.Fatalf("NewSQLiteProvider() error = %v", err)
	}
	t.Cleanup(func() { p.Close() })
	p.(*sqlProvider).now = clock.Now
	testProviderSuite(t, p, clock)
}

func TestSQLiteProviderSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.db")
	ctx := context.Background()

	p, err := NewSQLiteProvider(path)
	if err != nil {
		t.Fatalf("NewSQLiteProvider() error = %v", err)
	}
	st := p.ForTrik("@demo/persist", nil)
	if err := st.Set(ctx, "cursor", "page-9", 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	p, err = NewSQLiteProvider(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	t.Cleanup(func() { p.Close() })
	got, err := p.ForTrik("@demo/persist", nil).Get(ctx, "cursor")
	if err != nil {
		t.Fatalf("Get() after reopen error = %v", err)
	}
	if got != "page-9" {
		t.Errorf("Get() after reopen = %v, want page-9", got)
	}
}
