package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/trikhub/trikhub/internal/tracing"
	"github.com/trikhub/trikhub/internal/worker"
	"github.com/trikhub/trikhub/pkg/manifest"
	"github.com/trikhub/trikhub/pkg/protocol"
	"github.com/trikhub/trikhub/pkg/trik"
)

// ExecuteOptions carries the optional parts of one invocation.
type ExecuteOptions struct {
	// SessionID resumes an existing session. Unknown or expired ids fall
	// back to a fresh session when the manifest enables them.
	SessionID string
	// ClarificationAnswers resumes after a clarification round.
	ClarificationAnswers map[string]any
}

// ExecuteTool runs a tool-surface name ("{trikId}:{action}").
func (g *Gateway) ExecuteTool(ctx context.Context, tool string, input any, opts *ExecuteOptions) *Result {
	trikID, action, ok := SplitToolName(tool)
	if !ok {
		return ErrorResult(CodeTrikNotFound, fmt.Sprintf("malformed tool name %q", tool))
	}
	return g.Execute(ctx, trikID, action, input, opts)
}

// Execute validates input, resolves the session, dispatches the skill, and
// shapes the outcome through the two-channel contract. It never panics
// across the API boundary; every failure is a typed error result.
func (g *Gateway) Execute(ctx context.Context, trikID, action string, input any, opts *ExecuteOptions) *Result {
	if opts == nil {
		opts = &ExecuteOptions{}
	}

	g.mu.RLock()
	lt, ok := g.triks[trikID]
	g.mu.RUnlock()
	if !ok {
		return ErrorResult(CodeTrikNotFound, fmt.Sprintf("trik %q is not loaded", trikID))
	}
	m := lt.manifest
	act, ok := m.Actions[action]
	if !ok {
		return ErrorResult(CodeActionNotFound,
			fmt.Sprintf("trik %q has no action %q", trikID, action))
	}

	ctx, span := tracing.StartExecute(ctx, trikID, action)
	defer span.End()
	started := time.Now()

	// Input gate: malformed calls stop here with no side effects.
	if issues, err := g.validator.Validate(trikID+"/"+action+"/input", act.InputSchema, input); err != nil {
		tracing.RecordError(span, err)
		return g.failExecution(trikID, action, CodeInternalError, fmt.Sprintf("input validation: %v", err))
	} else if len(issues) > 0 {
		return g.failExecution(trikID, action, CodeInvalidParams, joinIssues("input", issues))
	}

	g.broadcast(protocol.EventExecutionStarted, map[string]any{"trikId": trikID, "action": action})

	var (
		sess      *trik.SessionContext
		sessionID string
	)
	if m.SessionEnabled() {
		sess, sessionID = g.resolveSession(trikID, m, opts.SessionID)
	}

	cfgCtx := g.secrets.ForTrik(trikID, m)
	var storeCtx trik.StorageContext
	if m.StorageEnabled() {
		storeCtx = g.storageFor(trikID, m.Capabilities.Storage)
	}

	out, err := g.dispatch(ctx, lt, action, input, sess, cfgCtx, storeCtx, opts.ClarificationAnswers)
	if err != nil {
		code, msg := classifyDispatchError(err)
		tracing.RecordError(span, err)
		return g.failExecution(trikID, action, code, msg).WithSession(sessionID)
	}
	if out == nil {
		return g.failExecution(trikID, action, CodeInternalError, "skill returned no output").WithSession(sessionID)
	}

	// Clarification rounds bypass history and content entirely.
	if out.NeedsClarification {
		g.broadcast(protocol.EventClarificationRequested, map[string]any{
			"trikId": trikID, "action": action, "questions": len(out.ClarificationQuestions),
		})
		g.completeExecution(trikID, action, protocol.OutcomeClarification, started)
		return ClarificationResult(out.ClarificationQuestions).WithSession(sessionID)
	}

	mode := act.ResponseMode
	if out.ResponseMode != "" {
		mode = out.ResponseMode
	}

	var result *Result
	switch mode {
	case manifest.ResponseModeTemplate:
		result = g.finishTemplate(trikID, action, act, out)
	case manifest.ResponseModePassthrough:
		result = g.finishPassthrough(trikID, action, act, out)
	default:
		result = ErrorResult(CodeSchemaValidationFailed, fmt.Sprintf("unknown response mode %q", mode))
	}
	if !result.Success {
		tracing.RecordError(span, errors.New(result.Error))
		g.broadcast(protocol.EventExecutionFailed, map[string]any{
			"trikId": trikID, "action": action, "code": result.Code,
		})
		return result.WithSession(sessionID)
	}

	// History only moves after a verified success.
	if m.SessionEnabled() && sessionID != "" {
		if out.EndSession {
			g.sessions.Delete(sessionID)
			g.broadcast(protocol.EventSessionEnded, map[string]any{"sessionId": sessionID, "trikId": trikID})
		} else {
			var agentData any
			if mode == manifest.ResponseModeTemplate {
				agentData = out.AgentData
			}
			if err := g.sessions.AppendHistory(sessionID, action, input, agentData); err != nil {
				g.log.Warn("gateway.session.append_failed", "session", sessionID, "error", err)
			}
		}
	}

	g.completeExecution(trikID, action, string(mode), started)
	return result.WithSession(sessionID)
}

// resolveSession returns the session context to hand the skill, creating a
// session when the caller's id is absent or stale.
func (g *Gateway) resolveSession(trikID string, m *manifest.Manifest, sessionID string) (*trik.SessionContext, string) {
	if sessionID != "" {
		if s, ok := g.sessions.Get(sessionID); ok && s.TrikID == trikID {
			return s.Context(), s.SessionID
		}
	}
	s := g.sessions.Create(trikID, m.Capabilities.Session)
	g.broadcast(protocol.EventSessionStarted, map[string]any{"sessionId": s.SessionID, "trikId": trikID})
	return s.Context(), s.SessionID
}

// dispatch runs the skill either in-process (host runtime) or on the
// runtime's worker.
func (g *Gateway) dispatch(ctx context.Context, lt *loadedTrik, action string, input any,
	sess *trik.SessionContext, cfgCtx trik.ConfigContext, storeCtx trik.StorageContext,
	answers map[string]any) (*trik.Output, error) {

	m := lt.manifest
	rt := m.Runtime()
	timeoutMs := g.effectiveTimeoutMs(m)

	ctx, span := tracing.StartInvoke(ctx, string(rt), m.ID)
	defer span.End()

	if rt == manifest.HostRuntime {
		in := trik.Input{
			Action:               action,
			Payload:              input,
			Session:              sess,
			Config:               cfgCtx,
			Storage:              storeCtx,
			ClarificationAnswers: answers,
		}
		return g.runner.Invoke(ctx, m.Entry, in, timeoutMs)
	}

	if g.dispatcher == nil {
		return nil, fmt.Errorf("no worker dispatcher configured for runtime %q", rt)
	}
	params := &protocol.InvokeParams{
		TrikPath:             lt.dir,
		TrikID:               m.ID,
		Action:               action,
		Input:                input,
		Session:              sess,
		Config:               materializeConfig(cfgCtx),
		ClarificationAnswers: answers,
		TimeoutMs:            timeoutMs,
	}
	return g.dispatcher.Invoke(ctx, string(rt), params, storeCtx)
}

// finishTemplate validates agentData and renders the selected template.
func (g *Gateway) finishTemplate(trikID, action string, act manifest.Action, out *trik.Output) *Result {
	if out.AgentData == nil {
		return ErrorResult(CodeSchemaValidationFailed, "template action returned no agentData")
	}
	issues, err := g.validator.Validate(trikID+"/"+action+"/agentData", act.AgentDataSchema, out.AgentData)
	if err != nil {
		return ErrorResult(CodeInternalError, fmt.Sprintf("agentData validation: %v", err))
	}
	if len(issues) > 0 {
		return ErrorResult(CodeSchemaValidationFailed, joinIssues("agentData", issues))
	}

	data := asObject(out.AgentData)
	tmpl, err := selectTemplate(act, data)
	if err != nil {
		return ErrorResult(CodeSchemaValidationFailed, err.Error())
	}
	return TemplateResult(out.AgentData, renderTemplate(tmpl.Text, data))
}

// finishPassthrough validates userContent and swaps it for a receipt
// reference. The content never appears in the result.
func (g *Gateway) finishPassthrough(trikID, action string, act manifest.Action, out *trik.Output) *Result {
	if out.UserContent == nil {
		return ErrorResult(CodeSchemaValidationFailed, "passthrough action returned no userContent")
	}
	if act.UserContentSchema == nil {
		return ErrorResult(CodeSchemaValidationFailed,
			fmt.Sprintf("action %q does not declare a userContentSchema", action))
	}
	issues, err := g.validator.Validate(trikID+"/"+action+"/userContent", act.UserContentSchema, out.UserContent)
	if err != nil {
		return ErrorResult(CodeInternalError, fmt.Sprintf("userContent validation: %v", err))
	}
	if len(issues) > 0 {
		return ErrorResult(CodeSchemaValidationFailed, joinIssues("userContent", issues))
	}

	ref := g.content.Put(trikID, action, out.UserContent)
	g.broadcast(protocol.EventContentCreated, map[string]any{"ref": ref, "trikId": trikID})
	return PassthroughResult(ref, out.UserContent.ContentType, nonContentMetadata(out.UserContent.Metadata))
}

func (g *Gateway) failExecution(trikID, action, code, msg string) *Result {
	g.log.Warn("gateway.execute.failed", "trik", trikID, "action", action, "code", code, "error", msg)
	g.broadcast(protocol.EventExecutionFailed, map[string]any{"trikId": trikID, "action": action, "code": code})
	return ErrorResult(code, msg)
}

func (g *Gateway) completeExecution(trikID, action, outcome string, started time.Time) {
	g.log.Info("gateway.execute.completed",
		"trik", trikID, "action", action, "outcome", outcome,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	g.broadcast(protocol.EventExecutionCompleted, map[string]any{
		"trikId": trikID, "action": action, "outcome": outcome,
		"durationMs": time.Since(started).Milliseconds(),
	})
}

// effectiveTimeoutMs caps the execution budget by the tighter of the
// manifest's limit and the configured invoke timeout.
func (g *Gateway) effectiveTimeoutMs(m *manifest.Manifest) int64 {
	configured := g.invokeTimeout.Milliseconds()
	limit := m.Limits.MaxExecutionTimeMs
	switch {
	case limit > 0 && configured > 0 && limit < configured:
		return limit
	case configured > 0:
		return configured
	default:
		return limit
	}
}

// classifyDispatchError maps dispatch failures onto the caller-facing
// error taxonomy.
func classifyDispatchError(err error) (code, msg string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeExecutionTimeout, err.Error()
	case errors.Is(err, worker.ErrNotReady):
		return CodeWorkerNotReady, err.Error()
	case errors.Is(err, worker.ErrConnClosed):
		return CodeInternalError, fmt.Sprintf("worker channel terminated: %v", err)
	}

	var rpcErr *protocol.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case protocol.CodeTrikNotFound:
			return CodeTrikNotFound, rpcErr.Message
		case protocol.CodeActionNotFound:
			return CodeActionNotFound, rpcErr.Message
		case protocol.CodeExecutionTimeout:
			return CodeExecutionTimeout, rpcErr.Message
		case protocol.CodeSchemaValidationFailed:
			return CodeSchemaValidationFailed, rpcErr.Message
		case protocol.CodeWorkerNotReady:
			return CodeWorkerNotReady, rpcErr.Message
		case protocol.CodeStorageError:
			return CodeStorageError, rpcErr.Message
		case protocol.CodeInvalidParams:
			return CodeInvalidParams, rpcErr.Message
		default:
			return CodeInternalError, rpcErr.Message
		}
	}
	return CodeInternalError, err.Error()
}

// materializeConfig flattens a config context into the map shipped to a
// worker. Only declared keys with values cross the boundary.
func materializeConfig(cfg trik.ConfigContext) map[string]string {
	if cfg == nil {
		return nil
	}
	var out map[string]string
	for _, key := range cfg.Keys() {
		if v, ok := cfg.Get(key); ok {
			if out == nil {
				out = make(map[string]string)
			}
			out[key] = v
		}
	}
	return out
}

// nonContentMetadata passes metadata through to the receipt. The content
// string itself never rides along.
func nonContentMetadata(md map[string]any) map[string]any {
	if len(md) == 0 {
		return nil
	}
	out := make(map[string]any, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

func joinIssues(channel string, issues []manifest.Issue) string {
	parts := make([]string, 0, len(issues))
	for _, issue := range issues {
		parts = append(parts, issue.String())
	}
	return fmt.Sprintf("%s failed validation: %s", channel, strings.Join(parts, "; "))
}
