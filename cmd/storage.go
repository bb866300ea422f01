package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/trikhub/trikhub/internal/storage"
)

func storageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Inspect and manage trik storage",
		Long: "Storage operates directly on the configured backend, without a\n" +
			"running gateway. With the memory backend there is nothing to see.",
	}
	cmd.AddCommand(
		storageListCmd(),
		storageUsageCmd(),
		storageClearCmd(),
		storageSweepCmd(),
	)
	return cmd
}

func storageListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List triks that have stored data",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(func(ctx context.Context, p storage.Provider) error {
				ids, err := p.TrikIDs(ctx)
				if err != nil {
					return err
				}
				if len(ids) == 0 {
					fmt.Println("no stored data")
					return nil
				}
				for _, id := range ids {
					used, err := p.Usage(ctx, id)
					if err != nil {
						return err
					}
					fmt.Printf("%-40s %s\n", id, formatBytes(used))
				}
				return nil
			})
		},
	}
}

func storageUsageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "usage <trikId>",
		Short: "Report bytes stored for one trik",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(func(ctx context.Context, p storage.Provider) error {
				used, err := p.Usage(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("%s: %s (%d bytes)\n", args[0], formatBytes(used), used)
				return nil
			})
		},
	}
}

func storageClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <trikId>",
		Short: "Remove everything stored for one trik",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(func(ctx context.Context, p storage.Provider) error {
				if err := p.Clear(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("cleared storage for %s\n", args[0])
				return nil
			})
		},
	}
}

func storageSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Purge expired entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(func(ctx context.Context, p storage.Provider) error {
				removed, err := p.Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("removed %d expired entries\n", removed)
				return nil
			})
		},
	}
}

// withStorage opens the configured backend, runs fn with a deadline, and
// closes it.
func withStorage(fn func(ctx context.Context, p storage.Provider) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(os.Stderr, cfg)

	if cfg.Storage.Backend == "" || cfg.Storage.Backend == storage.BackendMemory {
		fmt.Fprintln(os.Stderr, "storage backend is memory; nothing persists outside a running gateway")
	}

	p, err := buildStorageProvider(cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, p)
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
