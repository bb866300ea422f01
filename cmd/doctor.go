package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/trikhub/trikhub/internal/config"
	"github.com/trikhub/trikhub/internal/lint"
	"github.com/trikhub/trikhub/internal/storage"
	"github.com/trikhub/trikhub/pkg/gateway"
	"github.com/trikhub/trikhub/pkg/manifest"
	"github.com/trikhub/trikhub/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("trikhub doctor")
	fmt.Printf("  Version:  %s (wire protocol %s)\n", Version, protocol.Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, defaults apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Config invalid: %s\n", err)
	}

	checkStorageHealth(cfg)
	secrets := checkSecrets()
	infos := inventoryTriks(cfg, cfgPath)
	checkRuntimes(cfg, infos)
	checkTriks(secrets, infos)

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkStorageHealth(cfg *config.Config) {
	fmt.Println()
	fmt.Println("  Storage:")
	backend := cfg.Storage.Backend
	if backend == "" {
		backend = storage.BackendMemory
	}
	fmt.Printf("    %-12s %s\n", "Backend:", backend)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch backend {
	case storage.BackendMemory:
		fmt.Printf("    %-12s OK (nothing persists)\n", "Status:")
	case storage.BackendSQLite:
		path := config.ExpandHome(cfg.Storage.SQLitePath)
		fmt.Printf("    %-12s %s\n", "Path:", path)
		if path == "" {
			fmt.Printf("    %-12s sqlitePath not configured\n", "Status:")
			return
		}
		db, err := sql.Open("sqlite", path)
		if err == nil {
			err = db.PingContext(ctx)
			db.Close()
		}
		printStorageStatus(err)
	case storage.BackendPostgres:
		if cfg.Storage.PostgresDSN == "" {
			fmt.Printf("    %-12s TRIKHUB_POSTGRES_DSN not set\n", "Status:")
			return
		}
		db, err := sql.Open("pgx", cfg.Storage.PostgresDSN)
		if err == nil {
			err = db.PingContext(ctx)
			db.Close()
		}
		printStorageStatus(err)
	case storage.BackendRedis:
		opts, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			fmt.Printf("    %-12s BAD URL (%s)\n", "Status:", err)
			return
		}
		client := redis.NewClient(opts)
		err = client.Ping(ctx).Err()
		client.Close()
		printStorageStatus(err)
	}
}

func printStorageStatus(err error) {
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
	} else {
		fmt.Printf("    %-12s OK\n", "Status:")
	}
}

func checkSecrets() *config.Secrets {
	fmt.Println()
	fmt.Println("  Secrets:")
	global := config.GlobalSecretsPath()
	local := config.LocalSecretsPath(".")
	printFileStatus("Global:", global)
	printFileStatus("Local:", local)

	secrets, err := config.LoadSecrets(global, local)
	if err != nil {
		fmt.Printf("    %-12s %s\n", "Error:", err)
		return nil
	}
	return secrets
}

func printFileStatus(label, path string) {
	if _, err := os.Stat(path); err != nil {
		fmt.Printf("    %-12s %s (not found)\n", label, path)
	} else {
		fmt.Printf("    %-12s %s (OK)\n", label, path)
	}
}

// inventoryTriks loads the configured trik set into a throwaway in-memory
// gateway. Load failures surface as log lines in the report.
func inventoryTriks(cfg *config.Config, cfgPath string) []gateway.TrikInfo {
	gw := gateway.New(gateway.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	loadTriks(gw, cfg, cfgPath)
	return gw.Triks()
}

func checkRuntimes(cfg *config.Config, infos []gateway.TrikInfo) {
	fmt.Println()
	fmt.Println("  Runtimes:")

	needed := make(map[manifest.Runtime]bool)
	for _, info := range infos {
		if info.Runtime != manifest.HostRuntime {
			needed[info.Runtime] = true
		}
	}
	for name := range cfg.Runtimes {
		needed[manifest.Runtime(name)] = true
	}
	if len(needed) == 0 {
		fmt.Println("    (no foreign-runtime triks loaded)")
		return
	}

	names := make([]string, 0, len(needed))
	for rt := range needed {
		names = append(names, string(rt))
	}
	sort.Strings(names)
	for _, name := range names {
		rc, ok := cfg.RuntimeFor(manifest.Runtime(name))
		if !ok {
			fmt.Printf("    %-12s no command configured\n", name+":")
			continue
		}
		checkBinary(rc.Command)
	}
}

func checkTriks(secrets *config.Secrets, infos []gateway.TrikInfo) {
	fmt.Println()
	fmt.Println("  Triks:")
	if len(infos) == 0 {
		fmt.Println("    (none loaded)")
		return
	}

	for _, info := range infos {
		var notes []string
		rep := lint.Run(info.Dir, lint.Options{})
		if errs, warns, _ := rep.Counts(); errs+warns > 0 {
			notes = append(notes, fmt.Sprintf("%d error(s), %d warning(s)", errs, warns))
		}
		if secrets != nil {
			if m, err := manifest.Load(info.Dir); err == nil {
				if missing := secrets.ValidateConfig(info.ID, m); len(missing) > 0 {
					notes = append(notes, "missing config: "+strings.Join(missing, ", "))
				}
			}
		}
		status := "OK"
		if len(notes) > 0 {
			status = strings.Join(notes, "; ")
		}
		fmt.Printf("    %-24s %s\n", info.ID+":", status)
	}
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
