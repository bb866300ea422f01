package manifest

import (
	"fmt"
	"regexp"
	"sort"
)

// safeStringFormats are the only format values that constrain a string enough
// to be agent-visible. Everything else leaves room for injected instructions.
var safeStringFormats = map[string]bool{
	"id":        true,
	"date":      true,
	"date-time": true,
	"time":      true,
	"uuid":      true,
	"email":     true,
	"uri":       true,
	"url":       true,
}

var placeholderPattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

// ConstrainedString reports whether a string schema pins its values via a
// non-empty enum, a const, a pattern, or a safe format.
func ConstrainedString(s Schema) bool {
	if len(s.Enum()) > 0 {
		return true
	}
	if s.HasConst() {
		return true
	}
	if s.Pattern() != "" {
		return true
	}
	return safeStringFormats[s.Format()]
}

// CheckAgentDataSchema walks an agentDataSchema and reports every string leaf
// that is not constrained. base is the dotted path prefix for findings.
func CheckAgentDataSchema(s Schema, base string) []Issue {
	var issues []Issue
	walkStringLeaves(s, base, &issues)
	return issues
}

func walkStringLeaves(s Schema, path string, issues *[]Issue) {
	if s == nil {
		return
	}
	if s.HasType("string") && !ConstrainedString(s) {
		*issues = append(*issues, Issue{
			Path:    path,
			Message: "unconstrained string in agent-visible data: declare enum, const, pattern, or a safe format (id, date, date-time, time, uuid, email, uri, url)",
		})
	}
	props := s.Properties()
	for _, name := range sortedKeys(props) {
		walkStringLeaves(props[name], path+".properties."+name, issues)
	}
	if items := s.Items(); items != nil {
		walkStringLeaves(items, path+".items", issues)
	}
	defs := s.Defs()
	for _, name := range sortedKeys(defs) {
		walkStringLeaves(defs[name], path+".$defs."+name, issues)
	}
}

// CheckTemplates verifies every {{name}} placeholder in the action's response
// templates resolves to a declared agentDataSchema property.
func CheckTemplates(action Action, base string) []Issue {
	props := action.AgentDataSchema.Properties()
	var issues []Issue
	for _, id := range sortedTemplateIDs(action.ResponseTemplates) {
		tpl := action.ResponseTemplates[id]
		for _, match := range placeholderPattern.FindAllStringSubmatch(tpl.Text, -1) {
			name := match[1]
			if _, ok := props[name]; ok {
				continue
			}
			issues = append(issues, Issue{
				Path:    fmt.Sprintf("%s.responseTemplates.%s", base, id),
				Message: fmt.Sprintf("placeholder {{%s}} does not match any agentDataSchema property", name),
			})
		}
	}
	return issues
}

// SecurityIssues runs the agent-visible data checks over every template
// action. Findings are collected, not short-circuited, so a linter can report
// all of them at once.
func (m *Manifest) SecurityIssues() []Issue {
	var issues []Issue
	names := make([]string, 0, len(m.Actions))
	for name := range m.Actions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		action := m.Actions[name]
		if action.ResponseMode != ResponseModeTemplate {
			continue
		}
		base := "actions." + name
		issues = append(issues, CheckAgentDataSchema(action.AgentDataSchema, base+".agentDataSchema")...)
		issues = append(issues, CheckTemplates(action, base)...)
	}
	return issues
}

func sortedKeys(m map[string]Schema) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedTemplateIDs(m map[string]ResponseTemplate) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
