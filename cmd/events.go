package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"
)

func eventsCmd() *cobra.Command {
	var wsURL string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the gateway event stream",
		Long: "Events connects to a running gateway's websocket event stream and\n" +
			"prints one JSON event per line until interrupted.",
		Run: func(cmd *cobra.Command, args []string) {
			runEvents(wsURL)
		},
	}
	cmd.Flags().StringVar(&wsURL, "url", "", "event stream URL (default ws://<server.host>:<server.port>/api/v1/events)")
	return cmd
}

func runEvents(wsURL string) {
	cfg, _, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	setupLogging(os.Stderr, cfg)

	if wsURL == "" {
		host := cfg.Server.Host
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		wsURL = fmt.Sprintf("ws://%s:%d/api/v1/events", host, cfg.Server.Port)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := &websocket.DialOptions{}
	if cfg.Server.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + cfg.Server.Token}}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", wsURL, err)
		os.Exit(1)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	fmt.Fprintf(os.Stderr, "connected to %s\n", wsURL)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// Interrupt closes the context before the read fails.
			if ctx.Err() != nil {
				return
			}
			fmt.Fprintf(os.Stderr, "stream closed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
	}
}
