//go:build tsnet

package cmd

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"tailscale.com/tsnet"

	"github.com/trikhub/trikhub/internal/config"
)

// initTailscale joins the tailnet and serves the gateway mux on a tsnet
// listener alongside the main one. Returns a cleanup func, or nil when
// tailscale is not configured or the listener could not start.
func initTailscale(ctx context.Context, cfg *config.Config, mux *http.ServeMux) func() {
	if cfg.Tailscale.Hostname == "" {
		return nil
	}

	ts := &tsnet.Server{
		Hostname:  cfg.Tailscale.Hostname,
		Dir:       config.ExpandHome(cfg.Tailscale.StateDir),
		AuthKey:   cfg.Tailscale.AuthKey,
		Ephemeral: cfg.Tailscale.Ephemeral,
	}

	var (
		ln  net.Listener
		err error
	)
	if cfg.Tailscale.EnableTLS {
		ln, err = ts.ListenTLS("tcp", ":443")
	} else {
		ln, err = ts.Listen("tcp", ":80")
	}
	if err != nil {
		slog.Error("tailscale listener failed", "hostname", cfg.Tailscale.Hostname, "error", err)
		_ = ts.Close()
		return nil
	}

	httpSrv := &http.Server{Handler: mux}
	go func() {
		if serr := httpSrv.Serve(ln); serr != nil && serr != http.ErrServerClosed {
			slog.Error("tailscale serve failed", "error", serr)
		}
	}()
	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shCtx)
	}()

	scheme := "http"
	if cfg.Tailscale.EnableTLS {
		scheme = "https"
	}
	slog.Info("tailscale listener ready", "url", scheme+"://"+cfg.Tailscale.Hostname)

	return func() {
		_ = httpSrv.Close()
		_ = ts.Close()
	}
}
