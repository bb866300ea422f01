package storage

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/trikhub/trikhub/pkg/manifest"
)

// fakeClock drives entry expiry in tests. A nil clock skips time-dependent
// subtests (redis expires natively and ignores our clock).
type fakeClock struct {
	ms atomic.Int64
}

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.ms.Store(time.Now().UnixMilli())
	return c
}

func (c *fakeClock) Now() int64          { return c.ms.Load() }
func (c *fakeClock) Advance(d time.Duration) { c.ms.Add(d.Milliseconds()) }

func testProviderSuite(t *testing.T, p Provider, clock *fakeClock) {
	t.Helper()
	ctx := context.Background()

	t.Run("set get round trip", func(t *testing.T) {
		st := p.ForTrik("@suite/roundtrip", nil)
		if err := st.Set(ctx, "doc", map[string]any{"n": 1, "tags": []any{"a"}}, 0); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		got, err := st.Get(ctx, "doc")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		want := map[string]any{"n": float64(1), "tags": []any{"a"}}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Get() = %#v, want %#v", got, want)
		}
	})

	t.Run("get missing returns nil", func(t *testing.T) {
		st := p.ForTrik("@suite/missing", nil)
		got, err := st.Get(ctx, "absent")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got != nil {
			t.Errorf("Get() = %v, want nil", got)
		}
	})

	t.Run("delete reports prior existence", func(t *testing.T) {
		st := p.ForTrik("@suite/delete", nil)
		if err := st.Set(ctx, "gone", "v", 0); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		deleted, err := st.Delete(ctx, "gone")
		if err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if !deleted {
			t.Error("Delete() = false for existing key, want true")
		}
		deleted, err = st.Delete(ctx, "gone")
		if err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if deleted {
			t.Error("Delete() = true for missing key, want false")
		}
	})

	t.Run("list honors literal prefix", func(t *testing.T) {
		st := p.ForTrik("@suite/list", nil)
		for _, k := range []string{"a%b", "a_b", "axb", "other"} {
			if err := st.Set(ctx, k, true, 0); err != nil {
				t.Fatalf("Set(%q) error = %v", k, err)
			}
		}
		keys, err := st.List(ctx, "a%")
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if want := []string{"a%b"}; !reflect.DeepEqual(keys, want) {
			t.Errorf("List(a%%) = %v, want %v", keys, want)
		}
		keys, err = st.List(ctx, "a_")
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if want := []string{"a_b"}; !reflect.DeepEqual(keys, want) {
			t.Errorf("List(a_) = %v, want %v", keys, want)
		}
		keys, err = st.List(ctx, "")
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(keys) != 4 {
			t.Errorf("List(\"\") returned %d keys, want 4", len(keys))
		}
	})

	t.Run("getMany skips missing keys", func(t *testing.T) {
		st := p.ForTrik("@suite/getmany", nil)
		if err := st.SetMany(ctx, map[string]any{"one": 1, "two": 2}); err != nil {
			t.Fatalf("SetMany() error = %v", err)
		}
		got, err := st.GetMany(ctx, []string{"one", "absent", "two"})
		if err != nil {
			t.Fatalf("GetMany() error = %v", err)
		}
		want := map[string]any{"one": float64(1), "two": float64(2)}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("GetMany() = %v, want %v", got, want)
		}
	})

	t.Run("quota counts replaced value once", func(t *testing.T) {
		caps := &manifest.StorageCaps{Enabled: true, MaxSizeBytes: 10}
		st := p.ForTrik("@suite/quota", caps)
		// "12345678" stores as 10 JSON bytes, exactly the quota.
		if err := st.Set(ctx, "a", "12345678", 0); err != nil {
			t.Fatalf("Set() at exact quota error = %v", err)
		}
		err := st.Set(ctx, "b", "", 0)
		var qe *QuotaError
		if !errors.As(err, &qe) {
			t.Fatalf("Set() over quota error = %v, want *QuotaError", err)
		}
		if qe.Max != 10 {
			t.Errorf("QuotaError.Max = %d, want 10", qe.Max)
		}
		// Replacing the existing key frees its old size first.
		if err := st.Set(ctx, "a", "1234567", 0); err != nil {
			t.Errorf("Set() replacing key error = %v", err)
		}
	})

	t.Run("empty key rejected", func(t *testing.T) {
		st := p.ForTrik("@suite/emptykey", nil)
		if err := st.Set(ctx, "", "v", 0); !errors.Is(err, ErrEmptyKey) {
			t.Errorf("Set() error = %v, want ErrEmptyKey", err)
		}
		if _, err := st.Get(ctx, ""); !errors.Is(err, ErrEmptyKey) {
			t.Errorf("Get() error = %v, want ErrEmptyKey", err)
		}
	})

	t.Run("namespaces are isolated", func(t *testing.T) {
		a := p.ForTrik("@suite/iso-a", nil)
		b := p.ForTrik("@suite/iso-b", nil)
		if err := a.Set(ctx, "shared", "from-a", 0); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		if err := b.Set(ctx, "shared", "from-b", 0); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		got, err := a.Get(ctx, "shared")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got != "from-a" {
			t.Errorf("trik A sees %v, want from-a", got)
		}
		if err := p.Clear(ctx, "@suite/iso-a"); err != nil {
			t.Fatalf("Clear() error = %v", err)
		}
		got, err = a.Get(ctx, "shared")
		if err != nil {
			t.Fatalf("Get() after clear error = %v", err)
		}
		if got != nil {
			t.Errorf("cleared namespace still returns %v", got)
		}
		got, err = b.Get(ctx, "shared")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got != "from-b" {
			t.Errorf("trik B lost its entry, got %v", got)
		}
		ids, err := p.TrikIDs(ctx)
		if err != nil {
			t.Fatalf("TrikIDs() error = %v", err)
		}
		var sawA, sawB bool
		for _, id := range ids {
			switch id {
			case "@suite/iso-a":
				sawA = true
			case "@suite/iso-b":
				sawB = true
			}
		}
		if sawA {
			t.Error("TrikIDs() still lists cleared namespace")
		}
		if !sawB {
			t.Error("TrikIDs() does not list live namespace")
		}
	})

	t.Run("usage tracks stored bytes", func(t *testing.T) {
		st := p.ForTrik("@suite/usage", nil)
		if err := st.Set(ctx, "k", "1234", 0); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		usage, err := p.Usage(ctx, "@suite/usage")
		if err != nil {
			t.Fatalf("Usage() error = %v", err)
		}
		if usage != 6 {
			t.Errorf("Usage() = %d, want 6", usage)
		}
	})

	if clock == nil {
		return
	}

	t.Run("expired entries vanish", func(t *testing.T) {
		st := p.ForTrik("@suite/ttl", nil)
		if err := st.Set(ctx, "ephemeral", "v", 5_000); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		if err := st.Set(ctx, "stable", "v", 0); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		got, err := st.Get(ctx, "ephemeral")
		if err != nil || got != "v" {
			t.Fatalf("Get() before expiry = (%v, %v), want (v, nil)", got, err)
		}
		clock.Advance(6 * time.Second)
		got, err = st.Get(ctx, "ephemeral")
		if err != nil {
			t.Fatalf("Get() after expiry error = %v", err)
		}
		if got != nil {
			t.Errorf("Get() after expiry = %v, want nil", got)
		}
		keys, err := st.List(ctx, "")
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if !reflect.DeepEqual(keys, []string{"stable"}) {
			t.Errorf("List() = %v, want [stable]", keys)
		}
	})

	t.Run("entry expires at exactly expiresAt", func(t *testing.T) {
		st := p.ForTrik("@suite/ttl-boundary", nil)
		if err := st.Set(ctx, "edge", "v", 5_000); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		clock.Advance(5 * time.Second)
		got, err := st.Get(ctx, "edge")
		if err != nil {
			t.Fatalf("Get() at expiry error = %v", err)
		}
		if got != nil {
			t.Errorf("Get() at now == expiresAt = %v, want nil", got)
		}
	})

	t.Run("sweep purges expired entries", func(t *testing.T) {
		st := p.ForTrik("@suite/sweep", nil)
		if err := st.Set(ctx, "short", "v", 1_000); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		if err := st.Set(ctx, "long", "v", 0); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		clock.Advance(2 * time.Second)
		removed, err := p.Sweep(ctx)
		if err != nil {
			t.Fatalf("Sweep() error = %v", err)
		}
		if removed < 1 {
			t.Errorf("Sweep() removed %d, want at least 1", removed)
		}
		usage, err := p.Usage(ctx, "@suite/sweep")
		if err != nil {
			t.Fatalf("Usage() error = %v", err)
		}
		if usage != 3 {
			t.Errorf("Usage() after sweep = %d, want 3", usage)
		}
	})
}
