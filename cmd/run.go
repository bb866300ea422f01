package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/trikhub/trikhub/pkg/gateway"
)

func runCmd() *cobra.Command {
	var (
		inputJSON   string
		sessionID   string
		answersJSON string
		trikDirs    []string
		deliver     bool
	)
	cmd := &cobra.Command{
		Use:   "run <trikId:action>",
		Short: "Execute one tool call and print the result",
		Long: "Run executes a single action through the full gateway pipeline\n" +
			"(validation, dispatch, output shaping) and prints the JSON result.\n" +
			"With --deliver, a passthrough receipt is redeemed immediately and the\n" +
			"delivery printed as a second JSON document.",
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runOnce(args[0], inputJSON, sessionID, answersJSON, trikDirs, deliver)
		},
	}
	cmd.Flags().StringVarP(&inputJSON, "input", "i", "", "action input as JSON")
	cmd.Flags().StringVar(&sessionID, "session", "", "resume an existing session id")
	cmd.Flags().StringVar(&answersJSON, "answers", "", "clarification answers as JSON")
	cmd.Flags().StringArrayVar(&trikDirs, "trik", nil, "extra trik directory to load (repeatable)")
	cmd.Flags().BoolVar(&deliver, "deliver", false, "redeem a passthrough receipt immediately")
	return cmd
}

func runOnce(tool, inputJSON, sessionID, answersJSON string, trikDirs []string, deliver bool) {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	// Result JSON goes to stdout; logs stay on stderr.
	setupLogging(os.Stderr, cfg)

	var input any
	if inputJSON != "" {
		if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
			fmt.Fprintf(os.Stderr, "invalid --input: %v\n", err)
			os.Exit(1)
		}
	}
	var answers map[string]any
	if answersJSON != "" {
		if err := json.Unmarshal([]byte(answersJSON), &answers); err != nil {
			fmt.Fprintf(os.Stderr, "invalid --answers: %v\n", err)
			os.Exit(1)
		}
	}

	gw, err := buildGateway(cfg, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	for _, dir := range trikDirs {
		if _, err := gw.LoadTrik(dir); err != nil && !errors.Is(err, gateway.ErrAlreadyLoaded) {
			fmt.Fprintf(os.Stderr, "load %s: %v\n", dir, err)
			os.Exit(1)
		}
	}
	loadTriks(gw, cfg, cfgPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res := gw.ExecuteTool(ctx, tool, input, &gateway.ExecuteOptions{
		SessionID:            sessionID,
		ClarificationAnswers: answers,
	})
	printJSON(res)

	if deliver && res.UserContentRef != "" {
		if d, ok := gw.DeliverContent(res.UserContentRef); ok {
			printJSON(d)
		}
	}

	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	gw.Shutdown(shCtx)

	if !res.Success {
		os.Exit(1)
	}
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}
