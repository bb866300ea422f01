// Package manifest models trik manifests and enforces the gateway's
// load-time contract: structural shape plus the agent-visible data rules
// that keep free-form strings out of the agent channel.
package manifest

// ResponseMode selects how an action's output crosses the agent boundary.
type ResponseMode string

const (
	// ResponseModeTemplate returns constrained structured data rendered
	// through a declared template.
	ResponseModeTemplate ResponseMode = "template"
	// ResponseModePassthrough returns free-form content to the user via an
	// opaque receipt reference; the agent never sees the content.
	ResponseModePassthrough ResponseMode = "passthrough"
)

// Runtime identifies the execution environment for a trik's entry module.
type Runtime string

const (
	RuntimeNode   Runtime = "node"
	RuntimePython Runtime = "python"
	RuntimeGo     Runtime = "go"
)

// HostRuntime is the runtime served in-process by this gateway.
const HostRuntime = RuntimeGo

// Manifest is the immutable, per-trik contract. It is the single source of
// truth for what a trik may do and how its output is shaped.
type Manifest struct {
	SchemaVersion int               `json:"schemaVersion"`
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	Version       string            `json:"version"`
	Actions       map[string]Action `json:"actions"`
	Capabilities  Capabilities      `json:"capabilities"`
	Limits        Limits            `json:"limits"`
	Entry         Entry             `json:"entry"`
	Config        *ConfigSection    `json:"config,omitempty"`
	Author        string            `json:"author,omitempty"`
	Repository    string            `json:"repository,omitempty"`
	License       string            `json:"license,omitempty"`
}

// Action is one named operation on a trik.
type Action struct {
	Description  string       `json:"description,omitempty"`
	InputSchema  Schema       `json:"inputSchema"`
	ResponseMode ResponseMode `json:"responseMode"`

	// Template mode only.
	AgentDataSchema   Schema                      `json:"agentDataSchema,omitempty"`
	ResponseTemplates map[string]ResponseTemplate `json:"responseTemplates,omitempty"`

	// Passthrough mode only.
	UserContentSchema Schema `json:"userContentSchema,omitempty"`
}

// ResponseTemplate is a declared agent-facing text with {{field}} placeholders.
type ResponseTemplate struct {
	Text      string `json:"text"`
	Condition string `json:"condition,omitempty"`
}

// Capabilities declares what a trik is allowed to use.
type Capabilities struct {
	Tools                   []string     `json:"tools"`
	CanRequestClarification bool         `json:"canRequestClarification"`
	Session                 *SessionCaps `json:"session,omitempty"`
	Storage                 *StorageCaps `json:"storage,omitempty"`
}

// SessionCaps bounds multi-turn session state.
type SessionCaps struct {
	Enabled           bool  `json:"enabled"`
	MaxDurationMs     int64 `json:"maxDurationMs,omitempty"`
	MaxHistoryEntries int   `json:"maxHistoryEntries,omitempty"`
}

// StorageCaps bounds persistent key-value storage.
type StorageCaps struct {
	Enabled      bool  `json:"enabled"`
	MaxSizeBytes int64 `json:"maxSizeBytes,omitempty"`
	Persistent   *bool `json:"persistent,omitempty"`
}

// ConfigRequirement names one secret the trik reads at runtime.
type ConfigRequirement struct {
	Key         string `json:"key"`
	Description string `json:"description"`
	Default     string `json:"default,omitempty"`
}

// ConfigSection lists the secrets a trik may access. Keys not listed here are
// invisible to the trik even when configured.
type ConfigSection struct {
	Required []ConfigRequirement `json:"required,omitempty"`
	Optional []ConfigRequirement `json:"optional,omitempty"`
}

// Limits caps resource use for one invocation.
type Limits struct {
	MaxExecutionTimeMs int64 `json:"maxExecutionTimeMs"`
	MaxLlmCalls        int   `json:"maxLlmCalls"`
	MaxToolCalls       int   `json:"maxToolCalls"`
}

// Entry points to the executable artifact.
type Entry struct {
	Module  string  `json:"module"`
	Export  string  `json:"export"`
	Runtime Runtime `json:"runtime,omitempty"`
}

// Runtime returns the declared runtime, defaulting to the host runtime when
// the entry omits it.
func (m *Manifest) Runtime() Runtime {
	if m.Entry.Runtime != "" {
		return m.Entry.Runtime
	}
	return HostRuntime
}

// SessionEnabled reports whether the trik declared session support.
func (m *Manifest) SessionEnabled() bool {
	return m.Capabilities.Session != nil && m.Capabilities.Session.Enabled
}

// StorageEnabled reports whether the trik declared storage support.
func (m *Manifest) StorageEnabled() bool {
	return m.Capabilities.Storage != nil && m.Capabilities.Storage.Enabled
}

// DeclaredConfigKeys returns every secret key the manifest declares, required
// first. The config store uses this to fence the trik's view of secrets.
func (m *Manifest) DeclaredConfigKeys() []string {
	if m.Config == nil {
		return nil
	}
	keys := make([]string, 0, len(m.Config.Required)+len(m.Config.Optional))
	for _, r := range m.Config.Required {
		keys = append(keys, r.Key)
	}
	for _, o := range m.Config.Optional {
		keys = append(keys, o.Key)
	}
	return keys
}

// ConfigDefaults returns default values for optional secrets that declare one.
func (m *Manifest) ConfigDefaults() map[string]string {
	if m.Config == nil {
		return nil
	}
	var defaults map[string]string
	for _, o := range m.Config.Optional {
		if o.Default == "" {
			continue
		}
		if defaults == nil {
			defaults = make(map[string]string)
		}
		defaults[o.Key] = o.Default
	}
	return defaults
}
