// Package gateway is the security boundary between LLM agents and trik
// skills. It owns the loaded manifests, computes the tool surface,
// dispatches invocations in-process or to runtime workers, and enforces
// the two-channel output contract: constrained agent-visible data versus
// opaque passthrough content behind receipt references.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/trikhub/trikhub/internal/bus"
	"github.com/trikhub/trikhub/internal/config"
	"github.com/trikhub/trikhub/internal/content"
	"github.com/trikhub/trikhub/internal/runner"
	"github.com/trikhub/trikhub/internal/sessions"
	"github.com/trikhub/trikhub/internal/storage"
	"github.com/trikhub/trikhub/pkg/manifest"
	"github.com/trikhub/trikhub/pkg/protocol"
	"github.com/trikhub/trikhub/pkg/trik"
)

// ErrAlreadyLoaded reports a second load of a trik id that is registered.
var ErrAlreadyLoaded = errors.New("trik already loaded")

// ToolDefinition is one entry of the computed tool surface, the pure data
// product a host binds to its tool-calling model.
type ToolDefinition struct {
	Name         string                `json:"name"`
	Description  string                `json:"description"`
	InputSchema  manifest.Schema       `json:"inputSchema"`
	ResponseMode manifest.ResponseMode `json:"responseMode"`
}

// TrikInfo summarises one loaded trik for inventories.
type TrikInfo struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Version        string           `json:"version"`
	Description    string           `json:"description,omitempty"`
	Runtime        manifest.Runtime `json:"runtime"`
	Actions        []string         `json:"actions"`
	SessionEnabled bool             `json:"sessionEnabled"`
	StorageEnabled bool             `json:"storageEnabled"`
	Dir            string           `json:"dir,omitempty"`
}

// loadedTrik pairs a manifest with the directory its modules resolve from.
type loadedTrik struct {
	manifest *manifest.Manifest
	dir      string
}

type toolBinding struct {
	trikID string
	action string
}

// Gateway owns manifests, sessions, passthrough content, storage handles,
// and dispatch. One instance per process; hosts that want sharing take it
// by reference.
type Gateway struct {
	log        *slog.Logger
	validator  *manifest.Validator
	sessions   *sessions.Manager
	content    *content.Store
	store      storage.Provider
	ephemeral  *storage.MemoryProvider
	secrets    *config.Secrets
	dispatcher Dispatcher
	runner     *runner.Registry
	pub        bus.EventPublisher

	contentTTL    time.Duration
	invokeTimeout time.Duration

	mu    sync.RWMutex
	triks map[string]*loadedTrik
	tools map[string]toolBinding
}

// New builds a Gateway. Without options it is fully in-memory: memory
// storage, empty secrets, no worker dispatcher.
func New(opts ...Option) *Gateway {
	g := &Gateway{
		log:           slog.Default(),
		validator:     manifest.NewValidator(),
		sessions:      sessions.NewManager(),
		ephemeral:     storage.NewMemoryProvider(),
		secrets:       config.NewMemorySecrets(nil),
		runner:        runner.New(),
		invokeTimeout: 60 * time.Second,
		triks:         make(map[string]*loadedTrik),
		tools:         make(map[string]toolBinding),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.store == nil {
		g.store = storage.NewMemoryProvider()
	}
	g.content = content.NewStore(g.contentTTL)
	return g
}

// LoadTrik parses, validates, and registers the trik at path. The path may
// be the manifest's directory or a packaged repository whose manifest sits
// one level down. Loading a trik id twice fails.
func (g *Gateway) LoadTrik(path string) (*manifest.Manifest, error) {
	loc, err := manifest.Locate(path)
	if err != nil {
		return nil, err
	}
	m, err := manifest.Load(loc.Dir)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	if _, exists := g.triks[m.ID]; exists {
		g.mu.Unlock()
		return nil, fmt.Errorf("trik %q: %w", m.ID, ErrAlreadyLoaded)
	}
	g.triks[m.ID] = &loadedTrik{manifest: m, dir: loc.Dir}
	for name := range m.Actions {
		g.tools[ToolName(m.ID, name)] = toolBinding{trikID: m.ID, action: name}
	}
	g.mu.Unlock()

	g.log.Info("gateway.trik.loaded",
		"trik", m.ID,
		"version", m.Version,
		"runtime", m.Runtime(),
		"actions", len(m.Actions),
	)
	g.broadcast(protocol.EventTrikLoaded, map[string]any{
		"trikId":  m.ID,
		"version": m.Version,
		"actions": actionNames(m),
	})
	return m, nil
}

// UnloadTrik removes a trik and its tools. Sessions and stored state are
// left alone; storage admin handles those separately.
func (g *Gateway) UnloadTrik(trikID string) bool {
	g.mu.Lock()
	lt, ok := g.triks[trikID]
	if ok {
		delete(g.triks, trikID)
		for name := range lt.manifest.Actions {
			delete(g.tools, ToolName(trikID, name))
		}
	}
	g.mu.Unlock()
	if ok {
		// Compiled schemas are keyed by trik and action; a later load of the
		// same id may carry different schemas, so the cache must not survive.
		g.validator.Clear()
		g.log.Info("gateway.trik.unloaded", "trik", trikID)
		g.broadcast(protocol.EventTrikUnloaded, map[string]any{"trikId": trikID})
	}
	return ok
}

// ReloadTrik replaces a trik in place: the manifest at path is loaded and
// any previous registration of the same id is dropped first. Used by the
// directory watcher.
func (g *Gateway) ReloadTrik(path string) (*manifest.Manifest, error) {
	loc, err := manifest.Locate(path)
	if err != nil {
		return nil, err
	}
	m, err := manifest.Load(loc.Dir)
	if err != nil {
		return nil, err
	}
	g.UnloadTrik(m.ID)
	return g.LoadTrik(path)
}

// LoadTriksFromDirectory loads every trik found directly under dir.
// Directories named "@scope" are namespace folders and are scanned one
// level deeper. Per-trik failures are collected; one bad trik does not
// stop the rest.
func (g *Gateway) LoadTriksFromDirectory(dir string) ([]string, map[string]error) {
	var loaded []string
	failures := make(map[string]error)

	for _, candidate := range trikCandidates(dir) {
		m, err := g.LoadTrik(candidate)
		if err != nil {
			if isNotATrik(err) {
				continue
			}
			failures[candidate] = err
			continue
		}
		loaded = append(loaded, m.ID)
	}
	sort.Strings(loaded)
	return loaded, failures
}

// ToolDefinitions returns the computed tool surface, sorted by name.
func (g *Gateway) ToolDefinitions() []ToolDefinition {
	g.mu.RLock()
	defer g.mu.RUnlock()

	defs := make([]ToolDefinition, 0, len(g.tools))
	for name, binding := range g.tools {
		lt := g.triks[binding.trikID]
		act := lt.manifest.Actions[binding.action]
		defs = append(defs, ToolDefinition{
			Name:         name,
			Description:  toolDescription(lt.manifest, binding.action, act),
			InputSchema:  act.InputSchema,
			ResponseMode: act.ResponseMode,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Triks lists every loaded trik, sorted by id.
func (g *Gateway) Triks() []TrikInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()

	infos := make([]TrikInfo, 0, len(g.triks))
	for id, lt := range g.triks {
		infos = append(infos, TrikInfo{
			ID:             id,
			Name:           lt.manifest.Name,
			Version:        lt.manifest.Version,
			Description:    lt.manifest.Description,
			Runtime:        lt.manifest.Runtime(),
			Actions:        actionNames(lt.manifest),
			SessionEnabled: lt.manifest.SessionEnabled(),
			StorageEnabled: lt.manifest.StorageEnabled(),
			Dir:            lt.dir,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Manifest returns the loaded manifest for a trik id.
func (g *Gateway) Manifest(trikID string) (*manifest.Manifest, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	lt, ok := g.triks[trikID]
	if !ok {
		return nil, false
	}
	return lt.manifest, true
}

// IsLoaded reports whether a trik id is registered.
func (g *Gateway) IsLoaded(trikID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.triks[trikID]
	return ok
}

// DeliverContent redeems a passthrough receipt. The first call returns the
// content and removes it; later calls (and expired refs) return false.
func (g *Gateway) DeliverContent(ref string) (*Delivery, bool) {
	pc, ok := g.content.Take(ref)
	if !ok {
		return nil, false
	}
	g.broadcast(protocol.EventContentDelivered, map[string]any{"ref": ref})
	return &Delivery{
		Content: pc.Content,
		Receipt: Receipt{ContentType: pc.ContentType, Metadata: pc.Metadata},
	}, true
}

// HasRef reports whether a receipt reference is live without redeeming it.
func (g *Gateway) HasRef(ref string) bool {
	return g.content.Has(ref)
}

// RefInfo returns a receipt's metadata without redeeming the content.
func (g *Gateway) RefInfo(ref string) (*content.Reference, bool) {
	return g.content.Info(ref)
}

// ValidateTrikConfig lists required config keys the secrets store cannot
// satisfy for a loaded trik.
func (g *Gateway) ValidateTrikConfig(trikID string) ([]string, error) {
	m, ok := g.Manifest(trikID)
	if !ok {
		return nil, fmt.Errorf("trik %q not loaded", trikID)
	}
	return g.secrets.ValidateConfig(trikID, m), nil
}

// StorageUsage reports a trik's live storage bytes from the backend that
// serves it.
func (g *Gateway) StorageUsage(ctx context.Context, trikID string) (int64, error) {
	return g.providerFor(trikID).Usage(ctx, trikID)
}

// ClearStorage drops every storage entry of a trik.
func (g *Gateway) ClearStorage(ctx context.Context, trikID string) error {
	return g.providerFor(trikID).Clear(ctx, trikID)
}

// ActiveSessions reports how many sessions are live.
func (g *Gateway) ActiveSessions() int { return g.sessions.ActiveCount() }

// Sweep expires stale sessions, passthrough content, and storage entries.
// Used by the cron sweeper and the storage admin CLI.
func (g *Gateway) Sweep(ctx context.Context) (sessionsSwept, contentSwept int, storageSwept int64) {
	sessionsSwept = g.sessions.Sweep()
	contentSwept = g.content.Sweep()

	n, err := g.store.Sweep(ctx)
	if err != nil {
		g.log.Warn("gateway.sweep.storage_failed", "error", err)
	}
	m, err := g.ephemeral.Sweep(ctx)
	if err != nil {
		g.log.Warn("gateway.sweep.storage_failed", "error", err)
	}
	storageSwept = n + m

	if sessionsSwept > 0 {
		g.broadcast(protocol.EventSessionExpired, map[string]any{"count": sessionsSwept})
	}
	if contentSwept > 0 {
		g.broadcast(protocol.EventContentExpired, map[string]any{"count": contentSwept})
	}
	return sessionsSwept, contentSwept, storageSwept
}

// Shutdown stops workers, closes storage, and clears sessions and content.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.broadcast(protocol.EventShutdown, nil)

	if s, ok := g.dispatcher.(interface {
		Shutdown(context.Context, time.Duration)
	}); ok {
		s.Shutdown(ctx, 5*time.Second)
	}

	g.sessions.Clear()
	g.content.Clear()
	if err := g.store.Close(); err != nil {
		g.log.Warn("gateway.shutdown.storage_close", "error", err)
	}
	_ = g.ephemeral.Close()
	g.log.Info("gateway.shutdown")
}

// ToolName joins a trik id and action into the tool-surface name.
func ToolName(trikID, action string) string {
	return trikID + ":" + action
}

// SplitToolName splits a tool-surface name back into trik id and action.
// Trik ids never contain a colon, so the first one separates.
func SplitToolName(tool string) (trikID, action string, ok bool) {
	trikID, action, ok = strings.Cut(tool, ":")
	if !ok || trikID == "" || action == "" {
		return "", "", false
	}
	return trikID, action, true
}

// storageFor hands a trik its storage context, routing non-persistent
// declarations to the in-memory provider.
func (g *Gateway) storageFor(trikID string, caps *manifest.StorageCaps) trik.StorageContext {
	if caps != nil && caps.Persistent != nil && !*caps.Persistent {
		return g.ephemeral.ForTrik(trikID, caps)
	}
	return g.store.ForTrik(trikID, caps)
}

// providerFor picks the provider that owns a trik's stored entries.
func (g *Gateway) providerFor(trikID string) storage.Provider {
	g.mu.RLock()
	lt, ok := g.triks[trikID]
	g.mu.RUnlock()
	if ok {
		caps := lt.manifest.Capabilities.Storage
		if caps != nil && caps.Persistent != nil && !*caps.Persistent {
			return g.ephemeral
		}
	}
	return g.store
}

func (g *Gateway) broadcast(name string, payload any) {
	if g.pub == nil {
		return
	}
	g.pub.Broadcast(bus.Event{Name: name, Payload: payload})
}

func actionNames(m *manifest.Manifest) []string {
	names := make([]string, 0, len(m.Actions))
	for name := range m.Actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func toolDescription(m *manifest.Manifest, action string, act manifest.Action) string {
	if act.Description != "" {
		return act.Description
	}
	return fmt.Sprintf("%s action of %s", action, m.Name)
}
