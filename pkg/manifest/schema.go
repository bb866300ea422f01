package manifest

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema is a JSON Schema document kept in raw map form. Keeping the raw
// shape lets manifests carry any schema keyword while the gateway only
// interprets the subset it needs.
type Schema map[string]any

// Types returns the declared type(s), handling both the scalar and array forms.
func (s Schema) Types() []string {
	switch t := s["type"].(type) {
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, v := range t {
			if str, ok := v.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// HasType reports whether the schema's type includes t.
func (s Schema) HasType(t string) bool {
	for _, typ := range s.Types() {
		if typ == t {
			return true
		}
	}
	return false
}

// Properties returns the properties map, or nil.
func (s Schema) Properties() map[string]Schema {
	props, ok := s["properties"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]Schema, len(props))
	for name, v := range props {
		if m, ok := v.(map[string]any); ok {
			out[name] = Schema(m)
		}
	}
	return out
}

// Items returns the items schema, or nil.
func (s Schema) Items() Schema {
	if m, ok := s["items"].(map[string]any); ok {
		return Schema(m)
	}
	return nil
}

// Defs returns the $defs map, or nil.
func (s Schema) Defs() map[string]Schema {
	defs, ok := s["$defs"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]Schema, len(defs))
	for name, v := range defs {
		if m, ok := v.(map[string]any); ok {
			out[name] = Schema(m)
		}
	}
	return out
}

// Enum returns the enum values, or nil.
func (s Schema) Enum() []any {
	vals, _ := s["enum"].([]any)
	return vals
}

// HasConst reports whether the schema pins a const value.
func (s Schema) HasConst() bool {
	_, ok := s["const"]
	return ok
}

// Pattern returns the pattern keyword, or "".
func (s Schema) Pattern() string {
	p, _ := s["pattern"].(string)
	return p
}

// Format returns the format keyword, or "".
func (s Schema) Format() string {
	f, _ := s["format"].(string)
	return f
}

// Issue is one validation finding, addressed by a dotted path into the
// document.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationError carries the full list of findings from a failed validation.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.String()
	}
	return "invalid manifest: " + strings.Join(parts, "; ")
}

// documentSchema is the fixed structural schema every manifest must satisfy.
// Mode-dependent action shapes are encoded as an anyOf over the two variants.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "schemaVersion": {"const": 1},
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "version": {"type": "string", "pattern": "^\\d+\\.\\d+\\.\\d+"},
    "actions": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "anyOf": [
          {"$ref": "#/$defs/templateAction"},
          {"$ref": "#/$defs/passthroughAction"}
        ]
      }
    },
    "capabilities": {
      "type": "object",
      "properties": {
        "tools": {"type": "array", "items": {"type": "string"}},
        "canRequestClarification": {"type": "boolean"},
        "session": {
          "type": "object",
          "properties": {
            "enabled": {"type": "boolean"},
            "maxDurationMs": {"type": "number", "minimum": 0},
            "maxHistoryEntries": {"type": "number", "minimum": 0}
          },
          "required": ["enabled"]
        },
        "storage": {
          "type": "object",
          "properties": {
            "enabled": {"type": "boolean"},
            "maxSizeBytes": {"type": "number", "minimum": 0},
            "persistent": {"type": "boolean"}
          },
          "required": ["enabled"]
        }
      },
      "required": ["tools", "canRequestClarification"]
    },
    "limits": {
      "type": "object",
      "properties": {
        "maxExecutionTimeMs": {"type": "number", "minimum": 0},
        "maxLlmCalls": {"type": "number", "minimum": 0},
        "maxToolCalls": {"type": "number", "minimum": 0}
      },
      "required": ["maxExecutionTimeMs", "maxLlmCalls", "maxToolCalls"]
    },
    "entry": {
      "type": "object",
      "properties": {
        "module": {"type": "string", "minLength": 1},
        "export": {"type": "string", "minLength": 1},
        "runtime": {"type": "string", "enum": ["node", "python", "go"]}
      },
      "required": ["module", "export"]
    },
    "config": {
      "type": "object",
      "properties": {
        "required": {"type": "array", "items": {"$ref": "#/$defs/configRequirement"}},
        "optional": {"type": "array", "items": {"$ref": "#/$defs/configRequirement"}}
      }
    },
    "author": {"type": "string"},
    "repository": {"type": "string"},
    "license": {"type": "string"}
  },
  "required": ["schemaVersion", "id", "name", "description", "version", "actions", "capabilities", "limits", "entry"],
  "$defs": {
    "configRequirement": {
      "type": "object",
      "properties": {
        "key": {"type": "string", "minLength": 1},
        "description": {"type": "string"},
        "default": {"type": "string"}
      },
      "required": ["key", "description"]
    },
    "templateAction": {
      "type": "object",
      "properties": {
        "description": {"type": "string"},
        "responseMode": {"const": "template"},
        "inputSchema": {"type": "object"},
        "agentDataSchema": {"type": "object"},
        "responseTemplates": {
          "type": "object",
          "minProperties": 1,
          "additionalProperties": {
            "type": "object",
            "properties": {
              "text": {"type": "string"},
              "condition": {"type": "string"}
            },
            "required": ["text"]
          }
        },
        "userContentSchema": {"type": "object"}
      },
      "required": ["responseMode", "inputSchema", "agentDataSchema", "responseTemplates"]
    },
    "passthroughAction": {
      "type": "object",
      "properties": {
        "description": {"type": "string"},
        "responseMode": {"const": "passthrough"},
        "inputSchema": {"type": "object"},
        "userContentSchema": {"type": "object"}
      },
      "required": ["responseMode", "inputSchema", "userContentSchema"]
    }
  }
}`

const documentSchemaURL = "https://trikhub.local/schemas/manifest.schema.json"

var compiledDocumentSchema = mustCompileDocumentSchema()

func mustCompileDocumentSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(documentSchemaURL, strings.NewReader(documentSchema)); err != nil {
		panic(fmt.Sprintf("manifest schema load failed: %v", err))
	}
	compiled, err := c.Compile(documentSchemaURL)
	if err != nil {
		panic(fmt.Sprintf("manifest schema compile failed: %v", err))
	}
	return compiled
}

// ValidateDocument checks a decoded manifest document against the structural
// schema. It returns nil when the document is well-formed.
func ValidateDocument(doc any) []Issue {
	err := compiledDocumentSchema.Validate(doc)
	if err == nil {
		return nil
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []Issue{{Message: err.Error()}}
	}
	issues := flattenValidationError(verr)
	if len(issues) == 0 {
		issues = []Issue{{Path: pointerToPath(verr.InstanceLocation), Message: verr.Message}}
	}
	return issues
}

// flattenValidationError collects the leaf causes of a validation error so the
// caller sees concrete findings rather than the anyOf summary.
func flattenValidationError(verr *jsonschema.ValidationError) []Issue {
	if len(verr.Causes) == 0 {
		return []Issue{{Path: pointerToPath(verr.InstanceLocation), Message: verr.Message}}
	}
	var issues []Issue
	for _, cause := range verr.Causes {
		issues = append(issues, flattenValidationError(cause)...)
	}
	return issues
}

// pointerToPath converts a JSON pointer ("/a/b/0") to a dotted path ("a.b.0").
func pointerToPath(ptr string) string {
	trimmed := strings.TrimPrefix(ptr, "/")
	if trimmed == "" {
		return ""
	}
	parts := strings.Split(trimmed, "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		parts[i] = strings.ReplaceAll(p, "~0", "~")
	}
	return strings.Join(parts, ".")
}
