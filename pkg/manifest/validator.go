package manifest

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator compiles and caches JSON Schemas for runtime data validation
// (action inputs, agent data, user content). Safe for concurrent use.
type Validator struct {
	mu    sync.Mutex
	cache map[string]*jsonschema.Schema
}

func NewValidator() *Validator {
	return &Validator{cache: make(map[string]*jsonschema.Schema)}
}

// Validate checks data against the given schema. The id keys the compiled
// schema cache and must be stable per (trik, action, channel). Findings are
// returned as issues; a non-nil error means the schema itself was unusable.
func (v *Validator) Validate(id string, schema Schema, data any) ([]Issue, error) {
	compiled, err := v.compiled(id, schema)
	if err != nil {
		return nil, err
	}

	// Round-trip through JSON so struct-typed callers validate the same
	// document shape the wire would carry.
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode data for validation: %w", err)
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return nil, fmt.Errorf("decode data for validation: %w", err)
	}

	verr := compiled.Validate(instance)
	if verr == nil {
		return nil, nil
	}
	if ve, ok := verr.(*jsonschema.ValidationError); ok {
		return flattenValidationError(ve), nil
	}
	return []Issue{{Message: verr.Error()}}, nil
}

// Clear drops every cached schema. Callers use it after a reload.
func (v *Validator) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache = make(map[string]*jsonschema.Schema)
}

func (v *Validator) compiled(id string, schema Schema) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if compiled, ok := v.cache[id]; ok {
		return compiled, nil
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema %q: %w", id, err)
	}
	schemaURL := "https://trikhub.local/schemas/" + url.PathEscape(id) + ".json"
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("load schema %q: %w", id, err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema %q: %w", id, err)
	}
	v.cache[id] = compiled
	return compiled, nil
}
