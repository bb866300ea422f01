package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/trikhub/trikhub/internal/config"
	"github.com/trikhub/trikhub/internal/lint"
)

func lintCmd() *cobra.Command {
	var (
		warningsAsErrors bool
		skip             []string
		publish          bool
		jsonOut          bool
	)
	cmd := &cobra.Command{
		Use:   "lint [dir]",
		Short: "Audit a trik before install or publish",
		Long: "Lint checks the manifest's structure and agent-data constraints,\n" +
			"recommends the fields publishers tend to forget, and scans\n" +
			"same-runtime source for capability violations.\n\n" +
			"Exits 1 when any error-severity finding remains.",
		Args: cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}

			report := lint.Run(dir, lint.Options{
				WarningsAsErrors: warningsAsErrors || cfg.Lint.WarningsAsErrors,
				Skip:             skip,
				CheckEntryPoint:  publish,
			})

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report.Diagnostics); err != nil {
					fmt.Fprintln(os.Stderr, err)
					os.Exit(1)
				}
			} else {
				printLintReport(dir, report)
			}

			if report.HasErrors() {
				os.Exit(1)
			}
		},
	}
	cmd.Flags().BoolVar(&warningsAsErrors, "warnings-as-errors", false, "treat warnings as errors")
	cmd.Flags().StringArrayVar(&skip, "skip", nil, "rule to skip (repeatable)")
	cmd.Flags().BoolVar(&publish, "publish", false, "publish mode: also require the entry artifact to exist")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit diagnostics as JSON")
	return cmd
}

func printLintReport(dir string, report *lint.Report) {
	if len(report.Diagnostics) == 0 {
		fmt.Printf("%s: clean\n", dir)
		return
	}
	for _, d := range report.Diagnostics {
		pos := d.File
		switch {
		case d.Line > 0 && d.Column > 0:
			pos = fmt.Sprintf("%s:%d:%d", d.File, d.Line, d.Column)
		case d.Line > 0:
			pos = fmt.Sprintf("%s:%d", d.File, d.Line)
		}
		if pos != "" {
			fmt.Printf("%s: %s: %s [%s]\n", pos, d.Severity, d.Message, d.Rule)
		} else {
			fmt.Printf("%s: %s [%s]\n", d.Severity, d.Message, d.Rule)
		}
	}
	errs, warns, infos := report.Counts()
	fmt.Printf("\n%d error(s), %d warning(s), %d info\n", errs, warns, infos)
}
