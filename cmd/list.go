package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/trikhub/trikhub/internal/config"
	"github.com/trikhub/trikhub/pkg/gateway"
)

func listCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the configured triks",
		Run: func(cmd *cobra.Command, args []string) {
			runList(jsonOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit the inventory as JSON")
	return cmd
}

func runList(jsonOut bool) {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Listing loads manifests only; the in-memory gateway never opens the
	// storage backend. Its own loaded-events stay quiet, load failures warn
	// through the default logger.
	gw := gateway.New(gateway.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	loadTriks(gw, cfg, cfgPath)
	infos := gw.Triks()

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(infos); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if len(infos) == 0 {
		fmt.Printf("no triks found (dir: %s)\n", config.ExpandHome(cfg.Triks.Dir))
		return
	}
	printTrikTable(infos)
}

func printTrikTable(infos []gateway.TrikInfo) {
	headers := []string{"ID", "VERSION", "RUNTIME", "ACTIONS", "CAPS", "NAME"}
	rows := make([][]string, 0, len(infos))
	for _, info := range infos {
		rows = append(rows, []string{
			info.ID,
			info.Version,
			string(info.Runtime),
			strings.Join(info.Actions, ","),
			capsLabel(info),
			info.Name,
		})
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	printRow := func(cells []string) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			parts[i] = runewidth.FillRight(cell, widths[i])
		}
		fmt.Println(strings.TrimRight(strings.Join(parts, "  "), " "))
	}
	printRow(headers)
	for _, row := range rows {
		printRow(row)
	}
}

func capsLabel(info gateway.TrikInfo) string {
	var caps []string
	if info.SessionEnabled {
		caps = append(caps, "session")
	}
	if info.StorageEnabled {
		caps = append(caps, "storage")
	}
	if len(caps) == 0 {
		return "-"
	}
	return strings.Join(caps, "+")
}
