// Package runner executes triks whose runtime matches the host. Go skills
// are compiled into the gateway binary and registered explicitly; the
// manifest entry's module/export pair names the registration. Dispatch
// goes through the same contexts and timeouts as subprocess workers, just
// without a process boundary.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/trikhub/trikhub/pkg/manifest"
	"github.com/trikhub/trikhub/pkg/trik"
)

// ErrNotRegistered reports that no compiled-in skill matches a manifest
// entry.
var ErrNotRegistered = errors.New("no registered skill for entry")

// Key names one registration: the manifest entry's module, plus the export
// when the module hosts more than one skill.
func Key(module, export string) string {
	if export == "" || export == "default" {
		return module
	}
	return module + "#" + export
}

// Registry maps manifest entries to compiled-in skills.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]trik.Skill
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{skills: make(map[string]trik.Skill)}
}

// Register binds a skill to a module/export pair. Registering the same
// pair twice is a wiring bug and fails.
func (r *Registry) Register(module, export string, s trik.Skill) error {
	if s == nil {
		return errors.New("nil skill")
	}
	key := Key(module, export)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.skills[key]; exists {
		return fmt.Errorf("skill %q already registered", key)
	}
	r.skills[key] = s
	return nil
}

// MustRegister is Register for package init blocks.
func (r *Registry) MustRegister(module, export string, s trik.Skill) {
	if err := r.Register(module, export, s); err != nil {
		panic(err)
	}
}

// Resolve looks up the skill for a manifest entry.
func (r *Registry) Resolve(entry manifest.Entry) (trik.Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[Key(entry.Module, entry.Export)]
	return s, ok
}

// Keys lists every registration, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.skills))
	for k := range r.skills {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Invoke runs the skill bound to entry with the same timeout contract as a
// worker dispatch: in is passed through unchanged and the deadline comes
// from timeoutMs when positive.
func (r *Registry) Invoke(ctx context.Context, entry manifest.Entry, in trik.Input, timeoutMs int64) (*trik.Output, error) {
	s, ok := r.Resolve(entry)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, Key(entry.Module, entry.Export))
	}

	if timeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}

	type result struct {
		out *trik.Output
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := s.Invoke(ctx, in)
		ch <- result{out, err}
	}()

	select {
	case res := <-ch:
		return res.out, res.err
	case <-ctx.Done():
		// The goroutine keeps running; a well-behaved skill honours ctx.
		return nil, ctx.Err()
	}
}
