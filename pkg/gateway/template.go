package gateway

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/trikhub/trikhub/pkg/manifest"
)

var placeholderRe = regexp.MustCompile(`\{\{(\w+)\}\}`)

// selectTemplate picks the response template for one invocation. An
// agentData field named "template" selects by id; otherwise "success" is
// used when present, else a single declared template, else nothing
// matches.
func selectTemplate(act manifest.Action, agentData map[string]any) (manifest.ResponseTemplate, error) {
	templates := act.ResponseTemplates
	if len(templates) == 0 {
		return manifest.ResponseTemplate{}, fmt.Errorf("action declares no response templates")
	}

	if tv, ok := agentData["template"]; ok {
		id, ok := tv.(string)
		if !ok {
			return manifest.ResponseTemplate{}, fmt.Errorf("agentData.template is %T, want string", tv)
		}
		t, ok := templates[id]
		if !ok {
			return manifest.ResponseTemplate{}, fmt.Errorf("agentData selected unknown template %q (have %v)",
				id, templateIDs(templates))
		}
		return t, nil
	}

	if t, ok := templates["success"]; ok {
		return t, nil
	}
	if len(templates) == 1 {
		for _, t := range templates {
			return t, nil
		}
	}
	return manifest.ResponseTemplate{}, fmt.Errorf(
		"no template selected: agentData has no template field, no \"success\" entry, and %d candidates",
		len(templates))
}

// renderTemplate substitutes {{name}} placeholders from data. Placeholders
// with no matching field stay literal.
func renderTemplate(text string, data map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(text, func(match string) string {
		name := match[2 : len(match)-2]
		v, ok := data[name]
		if !ok || v == nil {
			return match
		}
		return formatValue(v)
	})
}

// formatValue stringifies one agentData field for template insertion.
// Numbers render without a float tail; structured values render as JSON.
func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		raw, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(raw)
	}
}

// asObject normalises agentData to a map for template selection and
// rendering. Non-object data (legal when the schema allows it) renders
// no placeholders.
func asObject(agentData any) map[string]any {
	if m, ok := agentData.(map[string]any); ok {
		return m
	}
	raw, err := json.Marshal(agentData)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{}
	}
	return m
}

func templateIDs(templates map[string]manifest.ResponseTemplate) []string {
	ids := make([]string, 0, len(templates))
	for id := range templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
