package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/trikhub/trikhub/pkg/gateway"
)

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the tool surface as an MCP stdio server",
		Long: "Mcp exposes every loaded trik action as an MCP tool over stdio.\n" +
			"Results are returned as JSON text; passthrough content stays behind\n" +
			"its receipt ref and is never put in a tool result.",
		Run: func(cmd *cobra.Command, args []string) {
			runMCP()
		},
	}
}

var mcpNameCharset = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// mcpToolName maps a tool-surface name onto the conservative charset MCP
// clients accept: "@acme/weather:forecast" becomes "acme_weather_forecast".
func mcpToolName(surface string) string {
	return mcpNameCharset.ReplaceAllString(strings.TrimPrefix(surface, "@"), "_")
}

func runMCP() {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	// Stdout carries the protocol stream; everything else goes to stderr.
	setupLogging(os.Stderr, cfg)

	gw, err := buildGateway(cfg, nil)
	if err != nil {
		slog.Error("failed to build gateway", "error", err)
		os.Exit(1)
	}
	loadTriks(gw, cfg, cfgPath)

	sessionTriks := make(map[string]bool)
	for _, info := range gw.Triks() {
		sessionTriks[info.ID] = info.SessionEnabled
	}

	s := server.NewMCPServer("trikhub", Version, server.WithToolCapabilities(true))

	registered := make(map[string]string)
	for _, def := range gw.ToolDefinitions() {
		name := mcpToolName(def.Name)
		if prev, dup := registered[name]; dup {
			slog.Warn("mcp tool name collision, skipping", "tool", def.Name, "collides_with", prev)
			continue
		}
		registered[name] = def.Name

		desc := def.Description
		if trikID, _, ok := gateway.SplitToolName(def.Name); ok && sessionTriks[trikID] {
			desc += " Pass _sessionId from a previous result to continue the session, " +
				"and _clarificationAnswers when answering clarification questions."
		}

		raw, err := json.Marshal(def.InputSchema)
		if err != nil {
			slog.Warn("mcp tool schema unusable, skipping", "tool", def.Name, "error", err)
			continue
		}

		surface := def.Name
		s.AddTool(mcp.NewToolWithRawSchema(name, desc, raw),
			func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return callTool(ctx, gw, surface, req)
			})
	}

	slog.Info("mcp server ready", "tools", len(registered))
	serveErr := server.ServeStdio(s)

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	gw.Shutdown(shCtx)

	if serveErr != nil {
		slog.Error("mcp server stopped", "error", serveErr)
		os.Exit(1)
	}
}

// callTool peels the reserved session arguments off the MCP arguments map and
// runs the invocation. The full result, receipt ref included, is returned as
// JSON text; the content behind the ref is redeemed out of band.
func callTool(ctx context.Context, gw *gateway.Gateway, tool string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()

	var opts gateway.ExecuteOptions
	if v, ok := args["_sessionId"].(string); ok {
		opts.SessionID = v
		delete(args, "_sessionId")
	}
	if v, ok := args["_clarificationAnswers"].(map[string]any); ok {
		opts.ClarificationAnswers = v
		delete(args, "_clarificationAnswers")
	}

	var input any
	if len(args) > 0 {
		input = args
	}
	res := gw.ExecuteTool(ctx, tool, input, &opts)

	out, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(out)), nil
}
