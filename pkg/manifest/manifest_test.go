package manifest

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// baseManifest returns a minimal valid manifest document that tests mutate.
func baseManifest() map[string]any {
	return map[string]any{
		"schemaVersion": 1,
		"id":            "@demo/search",
		"name":          "Demo Search",
		"description":   "Searches demo articles",
		"version":       "1.0.0",
		"actions": map[string]any{
			"search": map[string]any{
				"description":  "Search articles",
				"responseMode": "template",
				"inputSchema": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"q": map[string]any{"type": "string"},
					},
					"required": []any{"q"},
				},
				"agentDataSchema": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"template": map[string]any{"type": "string", "enum": []any{"success", "empty"}},
						"count":    map[string]any{"type": "integer"},
					},
					"required": []any{"template"},
				},
				"responseTemplates": map[string]any{
					"success": map[string]any{"text": "Found {{count}} results."},
					"empty":   map[string]any{"text": "No results."},
				},
			},
		},
		"capabilities": map[string]any{
			"tools":                   []any{},
			"canRequestClarification": false,
		},
		"limits": map[string]any{
			"maxExecutionTimeMs": 30000,
			"maxLlmCalls":        5,
			"maxToolCalls":       10,
		},
		"entry": map[string]any{
			"module": "./graph.js",
			"export": "graph",
		},
	}
}

func marshalManifest(t *testing.T, doc map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestParseValid(t *testing.T) {
	m, err := Parse(marshalManifest(t, baseManifest()))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if m.ID != "@demo/search" {
		t.Errorf("ID = %q, want %q", m.ID, "@demo/search")
	}
	if len(m.Actions) != 1 {
		t.Errorf("len(Actions) = %d, want 1", len(m.Actions))
	}
	action, ok := m.Actions["search"]
	if !ok {
		t.Fatal("action search missing")
	}
	if action.ResponseMode != ResponseModeTemplate {
		t.Errorf("ResponseMode = %q, want template", action.ResponseMode)
	}
	if got := action.ResponseTemplates["success"].Text; got != "Found {{count}} results." {
		t.Errorf("success template = %q", got)
	}
}

func TestParseStructuralErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(doc map[string]any)
	}{
		{
			name:   "missing id",
			mutate: func(doc map[string]any) { delete(doc, "id") },
		},
		{
			name:   "wrong schema version",
			mutate: func(doc map[string]any) { doc["schemaVersion"] = 2 },
		},
		{
			name:   "bad version string",
			mutate: func(doc map[string]any) { doc["version"] = "one" },
		},
		{
			name:   "no actions",
			mutate: func(doc map[string]any) { doc["actions"] = map[string]any{} },
		},
		{
			name: "template action without templates",
			mutate: func(doc map[string]any) {
				action := doc["actions"].(map[string]any)["search"].(map[string]any)
				delete(action, "responseTemplates")
			},
		},
		{
			name: "passthrough action without user content schema",
			mutate: func(doc map[string]any) {
				doc["actions"] = map[string]any{
					"read": map[string]any{
						"responseMode": "passthrough",
						"inputSchema":  map[string]any{"type": "object"},
					},
				}
			},
		},
		{
			name: "unknown runtime",
			mutate: func(doc map[string]any) {
				doc["entry"].(map[string]any)["runtime"] = "ruby"
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := baseManifest()
			tt.mutate(doc)
			_, err := Parse(marshalManifest(t, doc))
			if err == nil {
				t.Fatal("Parse() error = nil, want validation error")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error type = %T, want *ValidationError", err)
			}
			if len(verr.Issues) == 0 {
				t.Error("ValidationError carries no issues")
			}
		})
	}
}

func TestRuntimeDefaultsToHost(t *testing.T) {
	tests := []struct {
		name    string
		runtime string
		want    Runtime
	}{
		{name: "omitted", runtime: "", want: RuntimeGo},
		{name: "node", runtime: "node", want: RuntimeNode},
		{name: "python", runtime: "python", want: RuntimePython},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Manifest{Entry: Entry{Runtime: Runtime(tt.runtime)}}
			if got := m.Runtime(); got != tt.want {
				t.Errorf("Runtime() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDeclaredConfigKeys(t *testing.T) {
	m := &Manifest{
		Config: &ConfigSection{
			Required: []ConfigRequirement{{Key: "API_KEY", Description: "api key"}},
			Optional: []ConfigRequirement{{Key: "REGION", Description: "region", Default: "eu"}},
		},
	}
	keys := m.DeclaredConfigKeys()
	want := []string{"API_KEY", "REGION"}
	if len(keys) != len(want) {
		t.Fatalf("DeclaredConfigKeys() = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
	defaults := m.ConfigDefaults()
	if defaults["REGION"] != "eu" {
		t.Errorf("ConfigDefaults()[REGION] = %q, want eu", defaults["REGION"])
	}

	var none Manifest
	if got := none.DeclaredConfigKeys(); got != nil {
		t.Errorf("DeclaredConfigKeys() without config = %v, want nil", got)
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Issues: []Issue{
		{Path: "actions.search", Message: "broken"},
		{Message: "also broken"},
	}}
	msg := err.Error()
	if !strings.Contains(msg, "actions.search: broken") {
		t.Errorf("Error() = %q, missing pathed issue", msg)
	}
	if !strings.Contains(msg, "also broken") {
		t.Errorf("Error() = %q, missing pathless issue", msg)
	}
}
