package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/trikhub/trikhub/internal/runner"
	"github.com/trikhub/trikhub/pkg/trik"
)

// searchManifestDoc is a host-runtime template trik used across the
// package tests.
const searchManifestDoc = `{
  "schemaVersion": 1,
  "id": "@demo/search",
  "name": "Demo Search",
  "description": "Searches the demo corpus",
  "version": "1.0.0",
  "actions": {
    "search": {
      "description": "Search the corpus",
      "responseMode": "template",
      "inputSchema": {
        "type": "object",
        "properties": {"query": {"type": "string"}},
        "required": ["query"]
      },
      "agentDataSchema": {
        "type": "object",
        "properties": {
          "count": {"type": "integer"},
          "template": {"type": "string", "enum": ["success", "empty"]}
        }
      },
      "responseTemplates": {
        "success": {"text": "Found {{count}} results."},
        "empty": {"text": "No results."}
      }
    }
  },
  "capabilities": {"tools": [], "canRequestClarification": true},
  "limits": {"maxExecutionTimeMs": 30000, "maxLlmCalls": 0, "maxToolCalls": 0},
  "entry": {"module": "skills/search", "export": "default"}
}`

// fetchManifestDoc is a host-runtime passthrough trik.
const fetchManifestDoc = `{
  "schemaVersion": 1,
  "id": "@demo/fetch",
  "name": "Demo Fetch",
  "description": "Fetches a page for the user",
  "version": "1.0.0",
  "actions": {
    "fetch": {
      "responseMode": "passthrough",
      "inputSchema": {
        "type": "object",
        "properties": {"url": {"type": "string"}},
        "required": ["url"]
      },
      "userContentSchema": {
        "type": "object",
        "properties": {
          "contentType": {"type": "string", "enum": ["text/markdown", "text/plain"]},
          "content": {"type": "string"}
        },
        "required": ["contentType", "content"]
      }
    }
  },
  "capabilities": {"tools": [], "canRequestClarification": false},
  "limits": {"maxExecutionTimeMs": 30000, "maxLlmCalls": 0, "maxToolCalls": 0},
  "entry": {"module": "skills/fetch", "export": "default"}
}`

// writeTrik materialises a manifest under root/name and returns the
// trik directory.
func writeTrik(t *testing.T, root, name, doc string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(doc), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return dir
}

// newSearchGateway loads the search trik with skill registered as its
// host entry.
func newSearchGateway(t *testing.T, skill trik.SkillFunc, opts ...Option) *Gateway {
	t.Helper()
	reg := runner.New()
	if skill != nil {
		reg.MustRegister("skills/search", "default", skill)
	}
	g := New(append([]Option{WithRunner(reg)}, opts...)...)
	dir := writeTrik(t, t.TempDir(), "search", searchManifestDoc)
	if _, err := g.LoadTrik(dir); err != nil {
		t.Fatalf("LoadTrik() error = %v", err)
	}
	return g
}

func TestLoadTrikAndToolSurface(t *testing.T) {
	g := New()
	dir := writeTrik(t, t.TempDir(), "search", searchManifestDoc)

	m, err := g.LoadTrik(dir)
	if err != nil {
		t.Fatalf("LoadTrik() error = %v", err)
	}
	if m.ID != "@demo/search" {
		t.Errorf("loaded id = %q, want @demo/search", m.ID)
	}
	if !g.IsLoaded("@demo/search") {
		t.Error("IsLoaded() = false after load")
	}

	defs := g.ToolDefinitions()
	if len(defs) != 1 {
		t.Fatalf("ToolDefinitions() length = %d, want 1", len(defs))
	}
	def := defs[0]
	if def.Name != "@demo/search:search" {
		t.Errorf("tool name = %q, want @demo/search:search", def.Name)
	}
	if def.Description != "Search the corpus" {
		t.Errorf("tool description = %q", def.Description)
	}
	if def.ResponseMode != "template" {
		t.Errorf("tool responseMode = %q, want template", def.ResponseMode)
	}
	if def.InputSchema == nil {
		t.Error("tool inputSchema is nil")
	}

	infos := g.Triks()
	if len(infos) != 1 || infos[0].ID != "@demo/search" {
		t.Fatalf("Triks() = %+v, want one entry for @demo/search", infos)
	}
	if got := infos[0].Actions; len(got) != 1 || got[0] != "search" {
		t.Errorf("Triks()[0].Actions = %v, want [search]", got)
	}
}

func TestLoadTrikDuplicate(t *testing.T) {
	g := New()
	root := t.TempDir()
	first := writeTrik(t, root, "a", searchManifestDoc)
	second := writeTrik(t, root, "b", searchManifestDoc)

	if _, err := g.LoadTrik(first); err != nil {
		t.Fatalf("first LoadTrik() error = %v", err)
	}
	_, err := g.LoadTrik(second)
	if !errors.Is(err, ErrAlreadyLoaded) {
		t.Errorf("second LoadTrik() error = %v, want ErrAlreadyLoaded", err)
	}
}

func TestLoadTrikRejectsUnconstrainedAgentString(t *testing.T) {
	doc := strings.Replace(searchManifestDoc,
		`"count": {"type": "integer"},`,
		`"count": {"type": "integer"}, "title": {"type": "string"},`, 1)
	g := New()
	dir := writeTrik(t, t.TempDir(), "search", doc)

	_, err := g.LoadTrik(dir)
	if err == nil {
		t.Fatal("LoadTrik() accepted an unconstrained agent-visible string")
	}
	if !strings.Contains(err.Error(), "actions.search.agentDataSchema.properties.title") {
		t.Errorf("error does not point at the offending leaf: %v", err)
	}
	if g.IsLoaded("@demo/search") {
		t.Error("rejected trik ended up loaded")
	}
}

func TestUnloadTrik(t *testing.T) {
	g := New()
	dir := writeTrik(t, t.TempDir(), "search", searchManifestDoc)
	if _, err := g.LoadTrik(dir); err != nil {
		t.Fatalf("LoadTrik() error = %v", err)
	}

	if !g.UnloadTrik("@demo/search") {
		t.Error("UnloadTrik() = false for a loaded trik")
	}
	if g.IsLoaded("@demo/search") {
		t.Error("trik still loaded after unload")
	}
	if defs := g.ToolDefinitions(); len(defs) != 0 {
		t.Errorf("ToolDefinitions() length = %d after unload, want 0", len(defs))
	}
	if g.UnloadTrik("@demo/search") {
		t.Error("UnloadTrik() = true for an unknown trik")
	}
}

func TestReloadTrikReplacesManifest(t *testing.T) {
	g := New()
	dir := writeTrik(t, t.TempDir(), "search", searchManifestDoc)
	if _, err := g.LoadTrik(dir); err != nil {
		t.Fatalf("LoadTrik() error = %v", err)
	}

	bumped := strings.Replace(searchManifestDoc, `"version": "1.0.0"`, `"version": "1.1.0"`, 1)
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(bumped), 0o644); err != nil {
		t.Fatalf("rewrite manifest: %v", err)
	}

	m, err := g.ReloadTrik(dir)
	if err != nil {
		t.Fatalf("ReloadTrik() error = %v", err)
	}
	if m.Version != "1.1.0" {
		t.Errorf("reloaded version = %q, want 1.1.0", m.Version)
	}
	loaded, _ := g.Manifest("@demo/search")
	if loaded.Version != "1.1.0" {
		t.Errorf("Manifest() version = %q after reload, want 1.1.0", loaded.Version)
	}
}

func TestDeliverContentExactlyOnce(t *testing.T) {
	g := New()
	ref := g.content.Put("@demo/fetch", "fetch", &trik.PassthroughContent{
		ContentType: "text/markdown",
		Content:     "# hello",
		Metadata:    map[string]any{"sourceUrl": "https://example.com"},
	})

	if !g.HasRef(ref) {
		t.Fatal("HasRef() = false for a fresh reference")
	}
	info, ok := g.RefInfo(ref)
	if !ok || info.TrikID != "@demo/fetch" || info.ContentType != "text/markdown" {
		t.Errorf("RefInfo() = %+v, %v", info, ok)
	}

	d, ok := g.DeliverContent(ref)
	if !ok {
		t.Fatal("DeliverContent() missed a fresh reference")
	}
	if d.Content != "# hello" {
		t.Errorf("delivered content = %q, want # hello", d.Content)
	}
	if d.Receipt.ContentType != "text/markdown" {
		t.Errorf("receipt contentType = %q", d.Receipt.ContentType)
	}
	if d.Receipt.Metadata["sourceUrl"] != "https://example.com" {
		t.Errorf("receipt metadata = %v", d.Receipt.Metadata)
	}

	if _, ok := g.DeliverContent(ref); ok {
		t.Error("DeliverContent() yielded the same reference twice")
	}
	if g.HasRef(ref) {
		t.Error("HasRef() = true after delivery")
	}
}

func TestSweepExpiresContent(t *testing.T) {
	g := New(WithContentTTL(time.Millisecond))
	g.content.Put("@demo/fetch", "fetch", &trik.PassthroughContent{
		ContentType: "text/plain",
		Content:     "stale",
	})
	time.Sleep(10 * time.Millisecond)

	_, contentSwept, _ := g.Sweep(context.Background())
	if contentSwept != 1 {
		t.Errorf("Sweep() contentSwept = %d, want 1", contentSwept)
	}
}

func TestSplitToolName(t *testing.T) {
	tests := []struct {
		tool   string
		trikID string
		action string
		ok     bool
	}{
		{"@demo/search:search", "@demo/search", "search", true},
		{"simple:run", "simple", "run", true},
		{"nocolon", "", "", false},
		{":action", "", "", false},
		{"trik:", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		trikID, action, ok := SplitToolName(tt.tool)
		if trikID != tt.trikID || action != tt.action || ok != tt.ok {
			t.Errorf("SplitToolName(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.tool, trikID, action, ok, tt.trikID, tt.action, tt.ok)
		}
	}
}

func TestToolNameRoundTrip(t *testing.T) {
	name := ToolName("@demo/search", "search")
	trikID, action, ok := SplitToolName(name)
	if !ok || trikID != "@demo/search" || action != "search" {
		t.Errorf("round trip = (%q, %q, %v)", trikID, action, ok)
	}
}

func TestValidateTrikConfig(t *testing.T) {
	doc := strings.Replace(searchManifestDoc,
		`"entry": {"module": "skills/search", "export": "default"}`,
		`"entry": {"module": "skills/search", "export": "default"},
  "config": {"required": [{"key": "API_KEY", "description": "corpus key"}]}`, 1)
	g := New()
	dir := writeTrik(t, t.TempDir(), "search", doc)
	if _, err := g.LoadTrik(dir); err != nil {
		t.Fatalf("LoadTrik() error = %v", err)
	}

	missing, err := g.ValidateTrikConfig("@demo/search")
	if err != nil {
		t.Fatalf("ValidateTrikConfig() error = %v", err)
	}
	if len(missing) != 1 || missing[0] != "API_KEY" {
		t.Errorf("missing = %v, want [API_KEY]", missing)
	}

	if _, err := g.ValidateTrikConfig("@demo/unknown"); err == nil {
		t.Error("ValidateTrikConfig() accepted an unknown trik")
	}
}

func TestResultJSONShape(t *testing.T) {
	raw, err := json.Marshal(ErrorResult(CodeTrikNotFound, "nope"))
	if err != nil {
		t.Fatalf("marshal error result: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["success"] != false || m["code"] != "TRIK_NOT_FOUND" || m["error"] != "nope" {
		t.Errorf("error result shape = %v", m)
	}
	for _, absent := range []string{"agentData", "templateText", "userContentRef", "questions"} {
		if _, ok := m[absent]; ok {
			t.Errorf("error result carries %q", absent)
		}
	}
}
