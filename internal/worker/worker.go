package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trikhub/trikhub/pkg/protocol"
	"github.com/trikhub/trikhub/pkg/trik"
)

const (
	defaultStartupTimeout = 10 * time.Second
	defaultInvokeTimeout  = 60 * time.Second
	// killDelay is added to the grace period before the process is killed.
	killDelay = time.Second
)

// ErrNotReady reports that the worker process is not accepting invokes.
var ErrNotReady = errors.New("worker not ready")

// Spec describes how to launch one runtime worker.
type Spec struct {
	Runtime string
	Command string
	Args    []string
	Env     map[string]string

	StartupTimeout time.Duration
	InvokeTimeout  time.Duration
}

// Worker is one long-running runtime subprocess. All triks of a runtime
// share it; invokes are serialized per worker, and the per-invoke storage
// handle is attached only while that invoke is outstanding.
type Worker struct {
	spec Spec
	log  *slog.Logger

	cmd       *exec.Cmd
	conn      *Conn
	startedAt time.Time
	ready     atomic.Bool

	invokeMu sync.Mutex
	storMu   sync.Mutex
	storage  trik.StorageContext

	exitOnce sync.Once
	exited   chan struct{}
	exitErr  error
}

// NewWorker builds a worker from spec without starting it.
func NewWorker(spec Spec, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	if spec.StartupTimeout <= 0 {
		spec.StartupTimeout = defaultStartupTimeout
	}
	if spec.InvokeTimeout <= 0 {
		spec.InvokeTimeout = defaultInvokeTimeout
	}
	return &Worker{
		spec:   spec,
		log:    log.With("runtime", spec.Runtime),
		exited: make(chan struct{}),
	}
}

// Start launches the subprocess, wires its stdio, and waits for a passing
// health check before declaring the worker ready.
func (w *Worker) Start(ctx context.Context) error {
	cmd := exec.Command(w.spec.Command, w.spec.Args...)
	cmd.Env = os.Environ()
	for k, v := range w.spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s worker: %w", w.spec.Runtime, err)
	}
	w.cmd = cmd
	w.startedAt = time.Now()
	w.conn = NewConn(stdout, stdin, w.handleRequest, w.log)

	// Worker diagnostics arrive on stderr; stdout is protocol-only.
	go w.drainStderr(stderr)
	go w.waitExit()

	hctx, cancel := context.WithTimeout(ctx, w.spec.StartupTimeout)
	defer cancel()
	health, err := w.Health(hctx)
	if err != nil {
		w.Kill()
		return fmt.Errorf("%s worker startup health: %w", w.spec.Runtime, err)
	}
	if health.Status != protocol.HealthStatusOK {
		w.Kill()
		return fmt.Errorf("%s worker unhealthy at startup: %s", w.spec.Runtime, health.Status)
	}

	w.ready.Store(true)
	w.log.Info("worker.spawned", "pid", w.PID(), "command", w.spec.Command)
	return nil
}

func (w *Worker) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		w.log.Warn("worker.stderr", "line", line)
	}
}

func (w *Worker) waitExit() {
	err := w.cmd.Wait()
	w.exitOnce.Do(func() {
		w.exitErr = err
		w.ready.Store(false)
		if w.conn != nil {
			w.conn.CloseWithError(fmt.Errorf("%w: process exited: %v", ErrConnClosed, err))
		}
		close(w.exited)
	})
	w.log.Warn("worker.exited", "pid", w.PID(), "error", err)
}

// Invoke runs one action on the worker. storage is attached for the
// duration of the call so worker-originated storage.* requests resolve
// against the invoking trik's namespace, and detached before returning.
func (w *Worker) Invoke(ctx context.Context, params *protocol.InvokeParams, storage trik.StorageContext) (*trik.Output, error) {
	if !w.ready.Load() {
		return nil, ErrNotReady
	}

	w.invokeMu.Lock()
	defer w.invokeMu.Unlock()

	w.storMu.Lock()
	w.storage = storage
	w.storMu.Unlock()
	defer func() {
		w.storMu.Lock()
		w.storage = nil
		w.storMu.Unlock()
	}()

	timeout := w.spec.InvokeTimeout
	if params.TimeoutMs > 0 {
		timeout = time.Duration(params.TimeoutMs) * time.Millisecond
	}
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := w.conn.Call(ictx, protocol.MethodInvoke, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("invoke %s:%s timed out after %s: %w",
				params.TrikID, params.Action, timeout, context.DeadlineExceeded)
		}
		return nil, err
	}

	var out trik.Output
	if err := resp.DecodeResult(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health asks the worker for a liveness report.
func (w *Worker) Health(ctx context.Context) (*protocol.HealthResult, error) {
	resp, err := w.conn.Call(ctx, protocol.MethodHealth, nil)
	if err != nil {
		return nil, err
	}
	var h protocol.HealthResult
	if err := resp.DecodeResult(&h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Shutdown asks the worker to exit and kills it if it lingers past the
// grace period.
func (w *Worker) Shutdown(ctx context.Context, grace time.Duration) error {
	w.ready.Store(false)
	if grace <= 0 {
		grace = 5 * time.Second
	}

	rctx, cancel := context.WithTimeout(ctx, grace)
	_, err := w.conn.Call(rctx, protocol.MethodShutdown, &protocol.ShutdownParams{
		GracePeriodMs: grace.Milliseconds(),
	})
	cancel()
	if err != nil {
		w.log.Debug("worker.shutdown_rpc_failed", "error", err)
	}

	select {
	case <-w.exited:
		return nil
	case <-time.After(grace + killDelay):
		w.log.Warn("worker.shutdown_timeout", "pid", w.PID())
		w.Kill()
	case <-ctx.Done():
		w.Kill()
	}

	select {
	case <-w.exited:
	case <-time.After(killDelay):
	}
	return nil
}

// Kill terminates the process immediately. Outstanding calls fail through
// the connection close triggered by process exit.
func (w *Worker) Kill() {
	if w.cmd != nil && w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
}

// Ready reports whether the worker accepts invokes.
func (w *Worker) Ready() bool { return w.ready.Load() }

// Alive reports whether the process is still running.
func (w *Worker) Alive() bool {
	select {
	case <-w.exited:
		return false
	default:
		return w.cmd != nil
	}
}

// Exited is closed once the process has exited.
func (w *Worker) Exited() <-chan struct{} { return w.exited }

// PID returns the subprocess pid, or 0 before start.
func (w *Worker) PID() int {
	if w.cmd == nil || w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

// Runtime names the runtime this worker serves.
func (w *Worker) Runtime() string { return w.spec.Runtime }

// Uptime reports how long the process has been running.
func (w *Worker) Uptime() time.Duration {
	if w.startedAt.IsZero() {
		return 0
	}
	return time.Since(w.startedAt)
}

// handleRequest answers worker-originated requests. Only storage.* methods
// exist today, and they are valid only while an invoke holds a storage
// handle.
func (w *Worker) handleRequest(ctx context.Context, req *protocol.Request) *protocol.Response {
	if !strings.HasPrefix(req.Method, protocol.StorageMethodPrefix) {
		return protocol.NewErrorResponse(req.ID, protocol.CodeMethodNotFound,
			fmt.Sprintf("unknown method %q", req.Method), nil)
	}

	w.storMu.Lock()
	store := w.storage
	w.storMu.Unlock()
	if store == nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodeStorageError,
			"storage not available outside an invoke", nil)
	}
	return dispatchStorage(ctx, store, req)
}
