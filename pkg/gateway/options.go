package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/trikhub/trikhub/internal/bus"
	"github.com/trikhub/trikhub/internal/config"
	"github.com/trikhub/trikhub/internal/runner"
	"github.com/trikhub/trikhub/internal/storage"
	"github.com/trikhub/trikhub/pkg/protocol"
	"github.com/trikhub/trikhub/pkg/trik"
)

// Dispatcher routes an invocation to a foreign-runtime worker.
// *worker.Manager is the production implementation; tests install fakes.
type Dispatcher interface {
	Invoke(ctx context.Context, runtime string, params *protocol.InvokeParams, storage trik.StorageContext) (*trik.Output, error)
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(log *slog.Logger) Option {
	return func(g *Gateway) { g.log = log }
}

// WithStorage sets the persistent storage provider. Triks that declare
// non-persistent storage still go to an in-memory provider.
func WithStorage(p storage.Provider) Option {
	return func(g *Gateway) { g.store = p }
}

// WithSecrets sets the layered secrets store backing per-trik config.
func WithSecrets(s *config.Secrets) Option {
	return func(g *Gateway) { g.secrets = s }
}

// WithDispatcher sets the worker dispatcher for foreign runtimes.
func WithDispatcher(d Dispatcher) Option {
	return func(g *Gateway) { g.dispatcher = d }
}

// WithRunner sets the registry of compiled-in host-runtime skills.
func WithRunner(r *runner.Registry) Option {
	return func(g *Gateway) { g.runner = r }
}

// WithEventPublisher broadcasts gateway lifecycle events on pub.
func WithEventPublisher(pub bus.EventPublisher) Option {
	return func(g *Gateway) { g.pub = pub }
}

// WithContentTTL overrides the passthrough content window.
func WithContentTTL(ttl time.Duration) Option {
	return func(g *Gateway) { g.contentTTL = ttl }
}

// WithInvokeTimeout sets the execution budget applied when a manifest does
// not declare a tighter maxExecutionTimeMs.
func WithInvokeTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.invokeTimeout = d }
}
