package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/trikhub/trikhub/internal/bus"
	"github.com/trikhub/trikhub/internal/config"
	"github.com/trikhub/trikhub/internal/server"
	"github.com/trikhub/trikhub/internal/sweep"
	"github.com/trikhub/trikhub/internal/tracing"
)

var watchTriks bool

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway and its HTTP facade",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
	cmd.Flags().BoolVar(&watchTriks, "watch", false, "reload triks when files under the triks directory change")
	return cmd
}

func runServe() {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	setupLogging(os.Stdout, cfg)

	shutdownTracing, err := tracing.Setup(context.Background(), cfg.Telemetry, Version)
	if err != nil {
		slog.Error("tracing setup failed", "error", err)
		os.Exit(1)
	}

	msgBus := bus.New()

	gw, err := buildGateway(cfg, msgBus)
	if err != nil {
		slog.Error("gateway setup failed", "error", err)
		os.Exit(1)
	}

	loaded := loadTriks(gw, cfg, cfgPath)

	// Graceful shutdown: the first SIGINT/SIGTERM cancels ctx, which stops
	// the HTTP server, the watcher, and the sweeper.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// The watcher, the sweeper, and the HTTP server run under one group:
	// a server failure cancels the helpers, and Wait holds the shutdown
	// path until all three have stopped.
	g, gctx := errgroup.WithContext(ctx)

	if watchTriks {
		if w, werr := newTrikWatcher(gw, config.ExpandHome(cfg.Triks.Dir)); werr != nil {
			slog.Warn("trik watcher unavailable", "error", werr)
		} else {
			g.Go(func() error {
				w.run(gctx)
				return nil
			})
		}
	}

	if cfg.Sweep.Schedule != "" {
		sw, serr := sweep.New(gw, cfg.Sweep.Schedule)
		if serr != nil {
			slog.Error("sweep schedule invalid", "error", serr)
			os.Exit(1)
		}
		g.Go(func() error {
			sw.Run(gctx)
			return nil
		})
	}

	srv := server.New(cfg, gw, msgBus)

	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		cancel()
	}()

	backend := cfg.Storage.Backend
	if backend == "" {
		backend = "memory"
	}
	slog.Info("trikhub gateway starting",
		"version", Version,
		"triks", len(loaded),
		"tools", len(gw.ToolDefinitions()),
		"storage", backend,
	)

	// Tailscale listener: build the mux first, then pass it to initTailscale
	// so the same routes are served on both the main listener and the
	// tailnet. Compiled via build tags: `go build -tags tsnet` to enable.
	mux := srv.BuildMux()
	tsCleanup := initTailscale(ctx, cfg, mux)
	if tsCleanup != nil {
		defer tsCleanup()
	}
	if cfg.Tailscale.Hostname != "" && cfg.Server.Host == "0.0.0.0" {
		slog.Info("tailscale enabled; consider TRIKHUB_HOST=127.0.0.1 for localhost-only plus tailnet access")
	}

	g.Go(func() error {
		return srv.Start(gctx)
	})
	if err := g.Wait(); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}

	// Listener is down; drain workers, close storage, flush spans.
	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	gw.Shutdown(shCtx)
	if err := shutdownTracing(shCtx); err != nil {
		slog.Warn("tracing shutdown failed", "error", err)
	}
}
