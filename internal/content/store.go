// Package content holds passthrough output between invocation and delivery.
// The agent only ever sees the opaque reference; the content itself stays
// here until the user-side caller collects it exactly once or the TTL runs
// out. There is deliberately no enumeration API.
package content

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trikhub/trikhub/pkg/trik"
)

// DefaultTTL bounds how long undelivered content is retained.
const DefaultTTL = 10 * time.Minute

// Reference is the metadata view of a stored item. It never includes the
// content body.
type Reference struct {
	Ref         string `json:"ref"`
	TrikID      string `json:"trikId"`
	Action      string `json:"actionName"`
	ContentType string `json:"contentType"`
	CreatedAt   int64  `json:"createdAt"`
	ExpiresAt   int64  `json:"expiresAt"`
}

type item struct {
	meta    Reference
	content *trik.PassthroughContent
}

// Store is the process-wide receipt store.
type Store struct {
	mu    sync.Mutex
	items map[string]*item
	ttl   time.Duration
	now   func() int64
}

// NewStore builds a store; ttl <= 0 selects DefaultTTL.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		items: make(map[string]*item),
		ttl:   ttl,
		now:   func() int64 { return time.Now().UnixMilli() },
	}
}

// Put stores content and returns a fresh opaque reference.
func (s *Store) Put(trikID, action string, content *trik.PassthroughContent) string {
	ref := uuid.NewString()
	now := s.now()
	s.mu.Lock()
	s.items[ref] = &item{
		meta: Reference{
			Ref:         ref,
			TrikID:      trikID,
			Action:      action,
			ContentType: content.ContentType,
			CreatedAt:   now,
			ExpiresAt:   now + s.ttl.Milliseconds(),
		},
		content: content,
	}
	s.mu.Unlock()
	return ref
}

// Take removes and returns the content for ref. Each reference yields its
// content at most once; expired or unknown refs miss.
func (s *Store) Take(ref string) (*trik.PassthroughContent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[ref]
	if !ok {
		return nil, false
	}
	delete(s.items, ref)
	if it.meta.ExpiresAt <= s.now() {
		return nil, false
	}
	return it.content, true
}

// Has reports whether ref is live without consuming it.
func (s *Store) Has(ref string) bool {
	_, ok := s.Info(ref)
	return ok
}

// Info returns the metadata for a live ref without consuming the content.
func (s *Store) Info(ref string) (*Reference, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[ref]
	if !ok {
		return nil, false
	}
	if it.meta.ExpiresAt <= s.now() {
		delete(s.items, ref)
		return nil, false
	}
	meta := it.meta
	return &meta, true
}

// Sweep drops expired undelivered items and reports how many were removed.
func (s *Store) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for ref, it := range s.items {
		if it.meta.ExpiresAt <= now {
			delete(s.items, ref)
			removed++
		}
	}
	return removed
}

// Len reports how many undelivered items are held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Clear drops everything at gateway shutdown.
func (s *Store) Clear() {
	s.mu.Lock()
	s.items = make(map[string]*item)
	s.mu.Unlock()
}
