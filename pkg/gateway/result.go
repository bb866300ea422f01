package gateway

import (
	"github.com/trikhub/trikhub/pkg/manifest"
	"github.com/trikhub/trikhub/pkg/trik"
)

// Error codes exposed to callers in Result.Code.
const (
	CodeInvalidParams          = "INVALID_PARAMS"
	CodeTrikNotFound           = "TRIK_NOT_FOUND"
	CodeActionNotFound         = "ACTION_NOT_FOUND"
	CodeExecutionTimeout       = "EXECUTION_TIMEOUT"
	CodeSchemaValidationFailed = "SCHEMA_VALIDATION_FAILED"
	CodeWorkerNotReady         = "WORKER_NOT_READY"
	CodeStorageError           = "STORAGE_ERROR"
	CodeInternalError          = "INTERNAL_ERROR"
)

// Result is the unified return type from Execute. Success carries either a
// rendered template alongside its structured data, a passthrough receipt
// reference, or a clarification round; failures carry a code and message.
// Passthrough results never contain the content itself.
type Result struct {
	Success      bool                  `json:"success"`
	ResponseMode manifest.ResponseMode `json:"responseMode,omitempty"`

	// Template mode.
	AgentData    any    `json:"agentData,omitempty"`
	TemplateText string `json:"templateText,omitempty"`

	// Passthrough mode: the receipt reference and non-content metadata.
	UserContentRef string         `json:"userContentRef,omitempty"`
	ContentType    string         `json:"contentType,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`

	// Clarification round.
	NeedsClarification bool                         `json:"needsClarification,omitempty"`
	Questions          []trik.ClarificationQuestion `json:"questions,omitempty"`

	SessionID string `json:"sessionId,omitempty"`

	// Failure.
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// TemplateResult builds a successful template-mode result.
func TemplateResult(agentData any, templateText string) *Result {
	return &Result{
		Success:      true,
		ResponseMode: manifest.ResponseModeTemplate,
		AgentData:    agentData,
		TemplateText: templateText,
	}
}

// PassthroughResult builds a successful passthrough-mode result carrying
// only the receipt.
func PassthroughResult(ref, contentType string, metadata map[string]any) *Result {
	return &Result{
		Success:        true,
		ResponseMode:   manifest.ResponseModePassthrough,
		UserContentRef: ref,
		ContentType:    contentType,
		Metadata:       metadata,
	}
}

// ClarificationResult builds a result asking the caller to answer
// questions and re-execute.
func ClarificationResult(questions []trik.ClarificationQuestion) *Result {
	return &Result{
		Success:            true,
		NeedsClarification: true,
		Questions:          questions,
	}
}

// ErrorResult builds a failed result.
func ErrorResult(code, message string) *Result {
	return &Result{Success: false, Code: code, Error: message}
}

// WithSession stamps the session id onto r.
func (r *Result) WithSession(sessionID string) *Result {
	r.SessionID = sessionID
	return r
}

// Receipt is the non-content description returned alongside delivered
// passthrough content.
type Receipt struct {
	ContentType string         `json:"contentType"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Delivery is a redeemed passthrough payload.
type Delivery struct {
	Content string  `json:"content"`
	Receipt Receipt `json:"receipt"`
}
