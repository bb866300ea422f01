package gateway

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadTriksFromDirectory(t *testing.T) {
	root := t.TempDir()
	writeTrik(t, root, "search", searchManifestDoc)
	writeTrik(t, filepath.Join(root, "@demo"), "fetch", fetchManifestDoc)

	// Not a trik: no manifest. Skipped without an error.
	if err := os.MkdirAll(filepath.Join(root, "notes"), 0o755); err != nil {
		t.Fatal(err)
	}
	// Hidden directories are ignored.
	writeTrik(t, root, ".hidden", searchManifestDoc)
	// A broken manifest is a recorded failure, not a skip.
	broken := writeTrik(t, root, "broken", `{"schemaVersion": 1}`)

	g := New()
	loaded, failures := g.LoadTriksFromDirectory(root)

	want := []string{"@demo/fetch", "@demo/search"}
	if len(loaded) != len(want) || loaded[0] != want[0] || loaded[1] != want[1] {
		t.Errorf("loaded = %v, want %v", loaded, want)
	}
	if len(failures) != 1 {
		t.Fatalf("failures = %v, want exactly the broken trik", failures)
	}
	if _, ok := failures[broken]; !ok {
		t.Errorf("failures = %v, want key %q", failures, broken)
	}
	if !g.IsLoaded("@demo/search") || !g.IsLoaded("@demo/fetch") {
		t.Error("bulk load did not register both triks")
	}
}

func TestLoadTriksFromDirectoryMissing(t *testing.T) {
	g := New()
	loaded, failures := g.LoadTriksFromDirectory(filepath.Join(t.TempDir(), "absent"))
	if len(loaded) != 0 || len(failures) != 0 {
		t.Errorf("missing dir: loaded = %v, failures = %v", loaded, failures)
	}
}

func TestLoadTriksFromConfig(t *testing.T) {
	base := t.TempDir()
	// Installed package under <base>/triks/<name>.
	writeTrik(t, filepath.Join(base, "triks", "@demo"), "search", searchManifestDoc)
	// Directory entry relative to the config file.
	writeTrik(t, base, "local-fetch", fetchManifestDoc)

	cfg := filepath.Join(base, "config.json")
	doc := `{
  // installed package plus a local checkout
  "triks": ["@demo/search", "local-fetch", "@demo/ghost"]
}`
	if err := os.WriteFile(cfg, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	g := New()
	loaded, failures, err := g.LoadTriksFromConfig(cfg)
	if err != nil {
		t.Fatalf("LoadTriksFromConfig() error = %v", err)
	}
	if len(loaded) != 2 || loaded[0] != "@demo/fetch" || loaded[1] != "@demo/search" {
		t.Errorf("loaded = %v, want [@demo/fetch @demo/search]", loaded)
	}
	ghostErr, ok := failures["@demo/ghost"]
	if !ok {
		t.Fatalf("failures = %v, want entry for @demo/ghost", failures)
	}
	if !strings.Contains(ghostErr.Error(), "not installed") && !strings.Contains(ghostErr.Error(), "not found") {
		t.Errorf("ghost error = %v", ghostErr)
	}
}

func TestLoadTriksFromConfigMissingFile(t *testing.T) {
	g := New()
	if _, _, err := g.LoadTriksFromConfig(filepath.Join(t.TempDir(), "config.json")); err == nil {
		t.Error("LoadTriksFromConfig() accepted a missing file")
	}
}

func TestResolveTrikDirPrefersPath(t *testing.T) {
	base := t.TempDir()
	local := writeTrik(t, base, "mine", searchManifestDoc)
	// Same name also installed; the direct path wins.
	writeTrik(t, filepath.Join(base, "triks"), "mine", fetchManifestDoc)

	got, err := resolveTrikDir(base, "mine")
	if err != nil {
		t.Fatalf("resolveTrikDir() error = %v", err)
	}
	if got != local {
		t.Errorf("resolveTrikDir() = %q, want %q", got, local)
	}

	abs := writeTrik(t, t.TempDir(), "elsewhere", searchManifestDoc)
	got, err = resolveTrikDir(base, abs)
	if err != nil || got != abs {
		t.Errorf("resolveTrikDir(abs) = (%q, %v), want %q", got, err, abs)
	}
}
