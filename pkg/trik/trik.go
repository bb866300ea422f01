// Package trik defines the contract between the gateway and skill
// implementations: the input a skill receives, the output it returns, and
// the storage/config contexts injected per invocation.
package trik

import (
	"context"

	"github.com/trikhub/trikhub/pkg/manifest"
)

// Skill is the single entry point a compiled-in skill implements. Foreign
// runtime skills satisfy the same contract across the worker channel.
type Skill interface {
	Invoke(ctx context.Context, in Input) (*Output, error)
}

// SkillFunc adapts a function to the Skill interface.
type SkillFunc func(ctx context.Context, in Input) (*Output, error)

func (f SkillFunc) Invoke(ctx context.Context, in Input) (*Output, error) {
	return f(ctx, in)
}

// Input carries one invocation into a skill.
type Input struct {
	Action string
	// Payload is the caller's input, already validated against the action's
	// inputSchema.
	Payload any
	// Session is nil when the manifest does not enable sessions.
	Session *SessionContext
	// Config exposes only the secrets the manifest declared.
	Config ConfigContext
	// Storage is nil when the manifest does not enable storage.
	Storage StorageContext
	// ClarificationAnswers holds the user's answers when re-invoking after a
	// clarification round.
	ClarificationAnswers map[string]any
}

// SessionContext is the session view passed to a skill.
type SessionContext struct {
	SessionID string         `json:"sessionId"`
	History   []HistoryEntry `json:"history"`
}

// HistoryEntry is one prior invocation in a session. Passthrough content is
// never recorded here.
type HistoryEntry struct {
	Timestamp int64  `json:"timestamp"`
	Action    string `json:"action"`
	Input     any    `json:"input"`
	AgentData any    `json:"agentData,omitempty"`
}

// PassthroughContent is free-form output that flows to the user without the
// agent reading it.
type PassthroughContent struct {
	ContentType string         `json:"contentType"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Clarification question types.
const (
	QuestionTypeText           = "text"
	QuestionTypeMultipleChoice = "multiple_choice"
	QuestionTypeBoolean        = "boolean"
)

// ClarificationQuestion asks the user for missing detail before the skill can
// finish.
type ClarificationQuestion struct {
	QuestionID   string   `json:"questionId"`
	QuestionText string   `json:"questionText"`
	QuestionType string   `json:"questionType"`
	Options      []string `json:"options,omitempty"`
	Required     bool     `json:"required,omitempty"`
}

// Output is what a skill returns from one invocation.
type Output struct {
	// ResponseMode may override the action's declared mode; empty means use
	// the manifest's.
	ResponseMode           manifest.ResponseMode   `json:"responseMode,omitempty"`
	AgentData              any                     `json:"agentData,omitempty"`
	UserContent            *PassthroughContent     `json:"userContent,omitempty"`
	NeedsClarification     bool                    `json:"needsClarification,omitempty"`
	ClarificationQuestions []ClarificationQuestion `json:"clarificationQuestions,omitempty"`
	EndSession             bool                    `json:"endSession,omitempty"`
}

// ConfigContext gives a skill read access to its declared secrets.
type ConfigContext interface {
	// Get returns the configured value, or false when the key is not set or
	// not declared by the manifest.
	Get(key string) (string, bool)
	Has(key string) bool
	// Keys lists configured keys without values.
	Keys() []string
}

// StorageContext gives a skill persistent key-value storage scoped to its own
// namespace. Values are JSON-serialisable; a nil value from Get means the key
// is absent or expired.
type StorageContext interface {
	Get(ctx context.Context, key string) (any, error)
	// Set stores value under key. ttlMs > 0 sets an absolute expiry that far
	// in the future; 0 stores without expiry.
	Set(ctx context.Context, key string, value any, ttlMs int64) error
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
	GetMany(ctx context.Context, keys []string) (map[string]any, error)
	SetMany(ctx context.Context, entries map[string]any) error
}
