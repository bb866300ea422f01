//go:build !tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/trikhub/trikhub/internal/config"
)

// initTailscale is a no-op unless the binary is built with -tags tsnet.
func initTailscale(ctx context.Context, cfg *config.Config, mux *http.ServeMux) func() {
	if cfg.Tailscale.Hostname != "" {
		slog.Warn("tailscale configured but this binary was built without -tags tsnet")
	}
	return nil
}
