// Package lint statically audits a trik before install or publish. It checks
// the manifest's structure and agent-data constraints, recommends the fields
// publishers tend to forget, and scans same-runtime source for capability
// violations. The linter is a pure function of the directory it is given; it
// performs no network I/O.
package lint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/trikhub/trikhub/pkg/manifest"
)

// Severity orders diagnostics for exit-code and display purposes.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Rule names, stable across releases so --skip keeps working.
const (
	RuleValidManifest        = "valid-manifest"
	RuleNoFreeStrings        = "no-free-strings-in-agent-data"
	RuleTemplateFieldsExist  = "template-fields-exist"
	RuleHasResponseTemplates = "has-response-templates"
	RuleDefaultTemplate      = "default-template-recommended"
	RuleManifestCompleteness = "manifest-completeness"
	RuleEntryPointExists     = "entry-point-exists"
	RuleForbiddenImport      = "forbidden-import"
	RuleDynamicExecution     = "dynamic-execution"
	RuleUndeclaredTool       = "undeclared-tool"
	RuleEnvAccess            = "env-access"
)

// Diagnostic is one finding. Line and Column are 1-based and zero when the
// finding has no source position.
type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	File     string   `json:"file,omitempty"`
	Line     int      `json:"line,omitempty"`
	Column   int      `json:"column,omitempty"`
}

// Options selects rule behaviour.
type Options struct {
	// WarningsAsErrors promotes every warning to an error.
	WarningsAsErrors bool
	// Skip names rules to drop entirely.
	Skip []string
	// CheckEntryPoint asserts the entry artifact exists. Publish mode; off
	// for plain lint because builds often happen after.
	CheckEntryPoint bool
}

// Report collects the diagnostics of one run.
type Report struct {
	Diagnostics []Diagnostic
}

// HasErrors reports whether any diagnostic is an error.
func (r *Report) HasErrors() bool {
	for _, d := range r.Diagnostics {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Counts tallies diagnostics by severity.
func (r *Report) Counts() (errors, warnings, infos int) {
	for _, d := range r.Diagnostics {
		switch d.Severity {
		case SeverityError:
			errors++
		case SeverityWarning:
			warnings++
		default:
			infos++
		}
	}
	return errors, warnings, infos
}

type reporter struct {
	opts  Options
	skip  map[string]bool
	diags []Diagnostic
}

func (r *reporter) add(d Diagnostic) {
	if r.skip[d.Rule] {
		return
	}
	if r.opts.WarningsAsErrors && d.Severity == SeverityWarning {
		d.Severity = SeverityError
	}
	r.diags = append(r.diags, d)
}

// Run lints the trik at dir and returns every finding. Missing or broken
// manifests are findings too, never panics or partial state.
func Run(dir string, opts Options) *Report {
	r := &reporter{opts: opts, skip: make(map[string]bool)}
	for _, rule := range opts.Skip {
		r.skip[rule] = true
	}

	loc, err := manifest.Locate(dir)
	if err != nil {
		r.add(Diagnostic{
			Rule:     RuleValidManifest,
			Severity: SeverityError,
			Message:  "manifest.json not found",
			File:     dir,
		})
		return &Report{Diagnostics: r.diags}
	}
	file := relTo(dir, loc.ManifestPath)

	data, err := os.ReadFile(loc.ManifestPath)
	if err != nil {
		r.add(Diagnostic{
			Rule:     RuleValidManifest,
			Severity: SeverityError,
			Message:  fmt.Sprintf("read manifest: %v", err),
			File:     file,
		})
		return &Report{Diagnostics: r.diags}
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		r.add(Diagnostic{
			Rule:     RuleValidManifest,
			Severity: SeverityError,
			Message:  fmt.Sprintf("manifest is not valid JSON: %v", err),
			File:     file,
		})
		return &Report{Diagnostics: r.diags}
	}
	for _, issue := range manifest.ValidateDocument(doc) {
		r.add(Diagnostic{
			Rule:     RuleValidManifest,
			Severity: SeverityError,
			Message:  issue.String(),
			File:     file,
		})
	}

	var m manifest.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		// Cannot type the document; the structural findings above are all we
		// can say.
		return &Report{Diagnostics: r.diags}
	}

	lintActions(r, &m, file)
	lintCompleteness(r, &m, file)
	if opts.CheckEntryPoint {
		lintEntryPoint(r, loc, &m, file)
	}
	lintGoSource(r, loc.Dir, &m)

	return &Report{Diagnostics: r.diags}
}

func lintActions(r *reporter, m *manifest.Manifest, file string) {
	for _, name := range sortedActionNames(m) {
		act := m.Actions[name]
		if act.ResponseMode != manifest.ResponseModeTemplate {
			continue
		}
		base := "actions." + name

		if len(act.ResponseTemplates) == 0 {
			r.add(Diagnostic{
				Rule:     RuleHasResponseTemplates,
				Severity: SeverityError,
				Message:  fmt.Sprintf("action %q declares no response templates", name),
				File:     file,
			})
		}
		for _, issue := range manifest.CheckAgentDataSchema(act.AgentDataSchema, base+".agentDataSchema") {
			r.add(Diagnostic{
				Rule:     RuleNoFreeStrings,
				Severity: SeverityError,
				Message:  issue.String(),
				File:     file,
			})
		}
		for _, issue := range manifest.CheckTemplates(act, base) {
			r.add(Diagnostic{
				Rule:     RuleTemplateFieldsExist,
				Severity: SeverityError,
				Message:  issue.String(),
				File:     file,
			})
		}
		if len(act.ResponseTemplates) > 1 {
			if _, ok := act.ResponseTemplates["success"]; !ok {
				r.add(Diagnostic{
					Rule:     RuleDefaultTemplate,
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("action %q has multiple templates but no %q entry; selection then requires agentData.template every time", name, "success"),
					File:     file,
				})
			}
		}
	}
}

// highExecutionTimeMs is the limit above which a manifest's execution budget
// draws a warning.
const highExecutionTimeMs = 120_000

func lintCompleteness(r *reporter, m *manifest.Manifest, file string) {
	if m.Description == "" {
		r.add(Diagnostic{
			Rule:     RuleManifestCompleteness,
			Severity: SeverityInfo,
			Message:  "description is empty",
			File:     file,
		})
	}
	if m.Author == "" {
		r.add(Diagnostic{
			Rule:     RuleManifestCompleteness,
			Severity: SeverityInfo,
			Message:  "author not set",
			File:     file,
		})
	}
	if m.License == "" {
		r.add(Diagnostic{
			Rule:     RuleManifestCompleteness,
			Severity: SeverityInfo,
			Message:  "license not set",
			File:     file,
		})
	}
	if m.Limits.MaxExecutionTimeMs > highExecutionTimeMs {
		r.add(Diagnostic{
			Rule:     RuleManifestCompleteness,
			Severity: SeverityWarning,
			Message:  "maxExecutionTimeMs is very high (>2min)",
			File:     file,
		})
	}
	if m.Config != nil && len(m.Config.Required) > 0 {
		keys := make([]string, 0, len(m.Config.Required))
		for _, req := range m.Config.Required {
			keys = append(keys, req.Key)
		}
		sort.Strings(keys)
		r.add(Diagnostic{
			Rule:     RuleManifestCompleteness,
			Severity: SeverityInfo,
			Message:  "requires configuration keys: " + strings.Join(keys, ", "),
			File:     file,
		})
	}
}

func lintEntryPoint(r *reporter, loc *manifest.Location, m *manifest.Manifest, file string) {
	// Host-runtime entries are registry keys, not files.
	if m.Runtime() == manifest.HostRuntime {
		return
	}
	entry := filepath.Join(loc.Dir, filepath.FromSlash(m.Entry.Module))
	if _, err := os.Stat(entry); err != nil {
		r.add(Diagnostic{
			Rule:     RuleEntryPointExists,
			Severity: SeverityError,
			Message:  fmt.Sprintf("entry point not found: %s", m.Entry.Module),
			File:     file,
		})
	}
}

func sortedActionNames(m *manifest.Manifest) []string {
	names := make([]string, 0, len(m.Actions))
	for name := range m.Actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func relTo(base, path string) string {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return path
	}
	return rel
}
