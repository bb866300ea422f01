package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/trikhub/trikhub/pkg/manifest"
)

var (
	trikIDPattern  = regexp.MustCompile(`^(@[a-z0-9][a-z0-9-]*/)?[a-z0-9][a-z0-9._-]*$`)
	versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+`)
	actionPattern  = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)
)

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Scaffold a new trik interactively",
		Long: "Init asks for the basics and writes a manifest.json that passes\n" +
			"validation, plus a stub entry module for node and python runtimes.\n" +
			"Without a directory argument the trik id becomes the directory.",
		Args: cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			runInit(dir, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing manifest.json")
	return cmd
}

type initAnswers struct {
	ID            string
	Name          string
	Description   string
	Version       string
	Runtime       string
	Action        string
	ResponseMode  string
	Clarification bool
	Session       bool
	Storage       bool
}

func runInit(dir string, force bool) {
	a := initAnswers{Version: "0.1.0", Action: "run"}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Trik id").
				Description("lowercase, optionally scoped: weather or @acme/weather").
				Value(&a.ID).
				Validate(func(s string) error {
					if !trikIDPattern.MatchString(s) {
						return errors.New("use lowercase letters, digits, . _ -, optional @scope/ prefix")
					}
					return nil
				}),
			huh.NewInput().
				Title("Display name").
				Value(&a.Name).
				Validate(notEmpty("name")),
			huh.NewInput().
				Title("Description").
				Value(&a.Description).
				Validate(notEmpty("description")),
			huh.NewInput().
				Title("Version").
				Value(&a.Version).
				Validate(func(s string) error {
					if !versionPattern.MatchString(s) {
						return errors.New("use semantic versioning, e.g. 0.1.0")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Runtime").
				Options(huh.NewOptions("node", "python", "go")...).
				Value(&a.Runtime),
			huh.NewInput().
				Title("First action").
				Value(&a.Action).
				Validate(func(s string) error {
					if !actionPattern.MatchString(s) {
						return errors.New("use a letter followed by letters, digits, _ or -")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Response mode").
				Description("template: constrained data for the agent; passthrough: opaque content for the user").
				Options(huh.NewOptions("template", "passthrough")...).
				Value(&a.ResponseMode),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("May the trik ask clarification questions?").
				Value(&a.Clarification),
			huh.NewConfirm().
				Title("Enable multi-turn sessions?").
				Value(&a.Session),
			huh.NewConfirm().
				Title("Enable persistent storage?").
				Value(&a.Storage),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Fprintln(os.Stderr, "init cancelled")
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}

	if dir == "" {
		dir = a.ID
	}
	if err := writeScaffold(dir, a, force); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Println("\nnext steps:")
	fmt.Printf("  trikhub lint %s\n", dir)
	fmt.Printf("  trikhub run %s:%s --trik %s --input '{}'\n", a.ID, a.Action, dir)
	if a.Runtime == "go" {
		fmt.Printf("  register a compiled-in skill for entry %q before serving\n", a.ID)
	}
}

func writeScaffold(dir string, a initAnswers, force bool) error {
	m := buildScaffoldManifest(a)
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	// The scaffold must pass the same checks loading applies.
	if _, err := manifest.Parse(data); err != nil {
		return fmt.Errorf("scaffold failed validation: %w", err)
	}

	manifestPath := filepath.Join(dir, manifest.FileName)
	if !force {
		if _, err := os.Stat(manifestPath); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", manifestPath)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(manifestPath, append(data, '\n'), 0o644); err != nil {
		return err
	}
	fmt.Printf("created %s\n", manifestPath)

	if stub, name := stubEntry(a); stub != "" {
		stubPath := filepath.Join(dir, name)
		if _, err := os.Stat(stubPath); err == nil {
			return nil
		}
		if err := os.WriteFile(stubPath, []byte(stub), 0o644); err != nil {
			return err
		}
		fmt.Printf("created %s\n", stubPath)
	}
	return nil
}

func buildScaffoldManifest(a initAnswers) *manifest.Manifest {
	action := manifest.Action{
		Description: fmt.Sprintf("%s action for %s", a.Action, a.Name),
		InputSchema: manifest.Schema{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
		},
		ResponseMode: manifest.ResponseMode(a.ResponseMode),
	}
	switch action.ResponseMode {
	case manifest.ResponseModePassthrough:
		action.UserContentSchema = manifest.Schema{"type": "string"}
	default:
		action.AgentDataSchema = manifest.Schema{
			"type": "object",
			"properties": map[string]any{
				"count":  map[string]any{"type": "integer"},
				"status": map[string]any{"type": "string", "enum": []any{"ok", "empty"}},
			},
			"required": []any{"count", "status"},
		}
		action.ResponseTemplates = map[string]manifest.ResponseTemplate{
			"default": {Text: "Found {{count}} result(s), status {{status}}."},
		}
	}

	m := &manifest.Manifest{
		SchemaVersion: 1,
		ID:            a.ID,
		Name:          a.Name,
		Description:   a.Description,
		Version:       a.Version,
		Actions:       map[string]manifest.Action{a.Action: action},
		Capabilities: manifest.Capabilities{
			Tools:                   []string{},
			CanRequestClarification: a.Clarification,
		},
		Limits: manifest.Limits{MaxExecutionTimeMs: 30000},
		Entry:  scaffoldEntry(a),
	}
	if a.Session {
		m.Capabilities.Session = &manifest.SessionCaps{Enabled: true}
	}
	if a.Storage {
		m.Capabilities.Storage = &manifest.StorageCaps{Enabled: true}
	}
	return m
}

func scaffoldEntry(a initAnswers) manifest.Entry {
	switch a.Runtime {
	case "python":
		return manifest.Entry{Module: "main.py", Export: "handler", Runtime: manifest.RuntimePython}
	case "go":
		return manifest.Entry{Module: a.ID, Export: "default", Runtime: manifest.RuntimeGo}
	default:
		return manifest.Entry{Module: "index.js", Export: "default", Runtime: manifest.RuntimeNode}
	}
}

func stubEntry(a initAnswers) (content, name string) {
	passthrough := a.ResponseMode == string(manifest.ResponseModePassthrough)
	switch a.Runtime {
	case "node":
		if passthrough {
			return fmt.Sprintf(`export default async function (input) {
  return {
    userContent: { contentType: "text/plain", content: "hello from %s" },
  };
}
`, a.ID), "index.js"
		}
		return `export default async function (input) {
  return { agentData: { count: 0, status: "empty" } };
}
`, "index.js"
	case "python":
		if passthrough {
			return fmt.Sprintf(`def handler(input):
    return {"userContent": {"contentType": "text/plain", "content": "hello from %s"}}
`, a.ID), "main.py"
		}
		return `def handler(input):
    return {"agentData": {"count": 0, "status": "empty"}}
`, "main.py"
	}
	return "", ""
}

func notEmpty(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}
