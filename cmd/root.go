package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/trikhub/trikhub/internal/config"
	"github.com/trikhub/trikhub/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/trikhub/trikhub/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "trikhub",
	Short: "TrikHub — security gateway for agent skills",
	Long: "TrikHub loads trik manifests, exposes their actions as a constrained tool\n" +
		"surface, and escorts every result across the agent boundary: structured\n" +
		"data through declared templates, free-form content behind one-time\n" +
		"receipt references the agent never reads.",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: .trikhub/config.json or $TRIKHUB_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(lintCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(storageCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("trikhub %s (wire protocol %s)\n", Version, protocol.Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("TRIKHUB_CONFIG"); v != "" {
		return v
	}
	return config.DefaultPath()
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
