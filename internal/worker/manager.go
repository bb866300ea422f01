package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/trikhub/trikhub/internal/bus"
	"github.com/trikhub/trikhub/internal/config"
	"github.com/trikhub/trikhub/pkg/manifest"
	"github.com/trikhub/trikhub/pkg/protocol"
	"github.com/trikhub/trikhub/pkg/trik"
)

// Status describes one runtime worker for diagnostics.
type Status struct {
	Runtime string  `json:"runtime"`
	Ready   bool    `json:"ready"`
	PID     int     `json:"pid,omitempty"`
	Uptime  float64 `json:"uptimeSeconds,omitempty"`
}

// Manager keeps one worker per foreign runtime. Workers are spawned
// lazily on first use; a worker that died is replaced on the next invoke,
// not eagerly.
type Manager struct {
	cfg *config.Config
	log *slog.Logger
	pub bus.EventPublisher

	mu      sync.Mutex
	workers map[string]*Worker
	closed  bool

	spawning singleflight.Group
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// WithEventPublisher broadcasts worker lifecycle events on pub.
func WithEventPublisher(pub bus.EventPublisher) ManagerOption {
	return func(m *Manager) { m.pub = pub }
}

// NewManager builds a Manager resolving runtime commands from cfg.
func NewManager(cfg *config.Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:     cfg,
		log:     slog.Default(),
		workers: make(map[string]*Worker),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WorkerFor returns a ready worker for runtime, spawning or respawning one
// if needed. Concurrent callers for the same runtime share a single spawn.
func (m *Manager) WorkerFor(ctx context.Context, runtime string) (*Worker, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("worker manager is shut down")
	}
	if w, ok := m.workers[runtime]; ok && w.Ready() {
		m.mu.Unlock()
		return w, nil
	}
	m.mu.Unlock()

	v, err, _ := m.spawning.Do(runtime, func() (any, error) {
		m.mu.Lock()
		if w, ok := m.workers[runtime]; ok && w.Ready() {
			m.mu.Unlock()
			return w, nil
		}
		m.mu.Unlock()
		return m.spawn(ctx, runtime)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Worker), nil
}

func (m *Manager) spawn(ctx context.Context, runtime string) (*Worker, error) {
	rc, ok := m.cfg.RuntimeFor(manifest.Runtime(runtime))
	if !ok {
		return nil, fmt.Errorf("no worker command configured for runtime %q", runtime)
	}

	spec := Spec{
		Runtime:        runtime,
		Command:        rc.Command,
		Args:           rc.Args,
		Env:            rc.Env,
		StartupTimeout: time.Duration(m.cfg.Worker.StartupTimeoutMs) * time.Millisecond,
		InvokeTimeout:  time.Duration(m.cfg.Worker.InvokeTimeoutMs) * time.Millisecond,
	}
	w := NewWorker(spec, m.log)
	if err := w.Start(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.workers[runtime] = w
	m.mu.Unlock()

	m.broadcast(protocol.EventWorkerSpawned, map[string]any{"runtime": runtime, "pid": w.PID()})
	go m.watchExit(w)
	return w, nil
}

func (m *Manager) watchExit(w *Worker) {
	<-w.Exited()
	m.broadcast(protocol.EventWorkerExited, map[string]any{"runtime": w.Runtime(), "pid": w.PID()})
	// Leave the dead worker in the map; WorkerFor sees Ready()==false and
	// respawns on next use.
}

// Invoke routes one action invocation to the runtime's worker.
func (m *Manager) Invoke(ctx context.Context, runtime string, params *protocol.InvokeParams, storage trik.StorageContext) (*trik.Output, error) {
	w, err := m.WorkerFor(ctx, runtime)
	if err != nil {
		return nil, err
	}
	return w.Invoke(ctx, params, storage)
}

// Statuses reports the state of every spawned worker.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.workers))
	for rt, w := range m.workers {
		out = append(out, Status{
			Runtime: rt,
			Ready:   w.Ready(),
			PID:     w.PID(),
			Uptime:  w.Uptime().Seconds(),
		})
	}
	return out
}

// Shutdown stops all workers in parallel and rejects further use.
func (m *Manager) Shutdown(ctx context.Context, grace time.Duration) {
	m.mu.Lock()
	m.closed = true
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*Worker)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			if err := w.Shutdown(ctx, grace); err != nil {
				m.log.Warn("worker.shutdown_failed", "runtime", w.Runtime(), "error", err)
			}
		}(w)
	}
	wg.Wait()
}

func (m *Manager) broadcast(name string, payload any) {
	if m.pub == nil {
		return
	}
	m.pub.Broadcast(bus.Event{Name: name, Payload: payload})
}
