package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/owliabot/owliabot/internal/observability"
	"github.com/owliabot/owliabot/pkg/models"
)

// Terminal audit statuses for a tool execution.
const (
	StatusSuccess      = "success"
	StatusError        = "error"
	StatusDenied       = "denied"
	StatusToolNotFound = "tool_not_found"
	StatusRateLimited  = "rate_limited"
	StatusCooldown     = "cooldown"
)

// PolicyAction is the outcome class of a policy evaluation.
type PolicyAction string

const (
	PolicyAllow   PolicyAction = "allow"
	PolicyDeny    PolicyAction = "deny"
	PolicyConfirm PolicyAction = "confirm"
)

// PolicyDecision is the result of evaluating a tool call against the
// security policy.
type PolicyDecision struct {
	Action PolicyAction
	Reason string
}

// PolicyEngine evaluates tool calls before execution.
type PolicyEngine interface {
	Evaluate(tool *ToolDefinition, tcx *ToolContext, args map[string]any) PolicyDecision
}

// CooldownTracker enforces per-tool minimum intervals.
type CooldownTracker interface {
	// Remaining returns how long until the tool may run again; zero or
	// negative means ready.
	Remaining(tool string, now time.Time) time.Duration

	// Record marks a successful execution.
	Record(tool string, now time.Time)
}

// ConfirmationRequest asks a human to approve a gated tool call.
type ConfirmationRequest struct {
	ToolName       string
	Summary        string
	Channel        string
	ConversationID string
	UserID         string
}

// ConfirmationDecision is a human's answer to a confirmation request.
type ConfirmationDecision struct {
	Approved bool
	Reason   string
}

// Confirmer obtains human approval for write-tier tool calls.
type Confirmer interface {
	RequestConfirmation(ctx context.Context, req ConfirmationRequest) (ConfirmationDecision, error)
}

// AuditRecord is one tool execution entry in the audit log.
type AuditRecord struct {
	ID         string
	SessionKey string
	AgentID    string
	Channel    string
	UserID     string
	ToolName   string
	ToolCallID string
	Status     string

	// GateDecision is the policy or confirmation verdict that settled
	// a gated call, e.g. "not_in_allowlist", "timeout", or
	// "confirmation_disabled_allow". Empty for ungated calls.
	GateDecision string

	Args     map[string]any
	Duration time.Duration
	Error    string
}

// AuditRecorder persists tool execution evidence. ToolStarted is
// written before invocation so a crash still leaves a trace.
type AuditRecorder interface {
	ToolStarted(ctx context.Context, rec AuditRecord)
	ToolFinished(ctx context.Context, rec AuditRecord)
}

// ToolLimiter rate-limits tool executions per user.
type ToolLimiter interface {
	AllowTool(tcx *ToolContext, tool string) bool
}

// ExecutorConfig bounds tool execution.
type ExecutorConfig struct {
	// Concurrency caps parallel tool executions per fan-out.
	Concurrency int

	// PerToolTimeout bounds each handler invocation.
	PerToolTimeout time.Duration
}

// DefaultExecutorConfig returns the standard executor bounds.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Concurrency:    4,
		PerToolTimeout: 30 * time.Second,
	}
}

// ExecutorDeps wires the executor's collaborators. Policy, Cooldowns,
// Confirmer, Audit, and Limiter are optional.
type ExecutorDeps struct {
	Registry  *Registry
	Policy    PolicyEngine
	Cooldowns CooldownTracker
	Confirmer Confirmer
	Audit     AuditRecorder
	Limiter   ToolLimiter
	Logger    *slog.Logger
	Metrics   *observability.Metrics
}

// Executor runs model-requested tool calls through the security
// pipeline: lookup, policy, cooldown, confirmation, audited invocation.
type Executor struct {
	config ExecutorConfig
	deps   ExecutorDeps
	logger *slog.Logger
	now    func() time.Time
}

// NewExecutor creates a tool executor.
func NewExecutor(config ExecutorConfig, deps ExecutorDeps) *Executor {
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultExecutorConfig().Concurrency
	}
	if config.PerToolTimeout <= 0 {
		config.PerToolTimeout = DefaultExecutorConfig().PerToolTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		config: config,
		deps:   deps,
		logger: logger.With("component", "executor"),
		now:    time.Now,
	}
}

// ExecuteToolCalls fans out the calls with bounded concurrency and
// collects every result before returning.
func (e *Executor) ExecuteToolCalls(ctx context.Context, calls []models.ToolCall, tcx *ToolContext) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))
	sem := make(chan struct{}, e.config.Concurrency)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = e.ExecuteToolCall(ctx, call, tcx)
		}(i, call)
	}
	wg.Wait()
	return results
}

// ExecuteToolCall runs one call through the full pipeline.
func (e *Executor) ExecuteToolCall(ctx context.Context, call models.ToolCall, tcx *ToolContext) models.ToolResult {
	started := e.now()

	args, err := decodeArgs(call.Arguments)
	if err != nil {
		return e.finish(ctx, call, tcx, started, StatusError, nil, fmt.Sprintf("malformed arguments: %v", err))
	}

	tool, ok := e.deps.Registry.Get(call.Name)
	if !ok {
		return e.finish(ctx, call, tcx, started, StatusToolNotFound, nil, fmt.Sprintf("unknown tool %q", call.Name))
	}

	if e.deps.Limiter != nil && !e.deps.Limiter.AllowTool(tcx, call.Name) {
		return e.finish(ctx, call, tcx, started, StatusRateLimited, nil, "tool rate limit exceeded")
	}

	needsConfirm := false
	if e.deps.Policy != nil {
		decision := e.deps.Policy.Evaluate(tool, tcx, args)
		switch decision.Action {
		case PolicyDeny:
			return e.finishGated(ctx, call, tcx, started, StatusDenied, decision.Reason, decision.Reason)
		case PolicyConfirm:
			needsConfirm = true
		}
	}

	// Cooldown is checked before the confirmation gate so a human is
	// never prompted for a call that cannot run anyway.
	if e.deps.Cooldowns != nil {
		if remaining := e.deps.Cooldowns.Remaining(call.Name, e.now()); remaining > 0 {
			return e.finish(ctx, call, tcx, started, StatusCooldown, nil,
				fmt.Sprintf("tool on cooldown for %s", remaining.Round(time.Second)))
		}
	}

	gateDecision := ""
	if needsConfirm {
		verdict := e.confirm(ctx, call, tcx, args)
		if !verdict.Approved {
			return e.finishGated(ctx, call, tcx, started, StatusDenied, verdict.Reason, "confirmation denied")
		}
		gateDecision = verdict.Reason
	}

	rec := AuditRecord{
		ID:           uuid.NewString(),
		SessionKey:   tcx.SessionKey,
		AgentID:      tcx.AgentID,
		Channel:      tcx.Channel,
		UserID:       tcx.UserID,
		ToolName:     call.Name,
		ToolCallID:   call.ID,
		GateDecision: gateDecision,
		Args:         args,
	}
	if e.deps.Audit != nil {
		e.deps.Audit.ToolStarted(ctx, rec)
	}

	if err := tool.ValidateArgs(args); err != nil {
		return e.finishAudited(ctx, rec, call, tcx, started, StatusError, nil, err.Error())
	}

	data, err := e.invoke(ctx, tool, args, tcx)
	if err != nil {
		return e.finishAudited(ctx, rec, call, tcx, started, StatusError, nil, err.Error())
	}

	if e.deps.Cooldowns != nil {
		e.deps.Cooldowns.Record(call.Name, e.now())
	}
	return e.finishAudited(ctx, rec, call, tcx, started, StatusSuccess, data, "")
}

// confirm asks the confirmer for a verdict. Failures deny with a
// reason the audit trail can distinguish from a human rejection.
func (e *Executor) confirm(ctx context.Context, call models.ToolCall, tcx *ToolContext, args map[string]any) ConfirmationDecision {
	if e.deps.Confirmer == nil {
		return ConfirmationDecision{Reason: "confirmation_unavailable"}
	}
	summary := call.Name
	if len(args) > 0 {
		if raw, err := json.Marshal(args); err == nil {
			summary = fmt.Sprintf("%s %s", call.Name, raw)
		}
	}
	decision, err := e.deps.Confirmer.RequestConfirmation(ctx, ConfirmationRequest{
		ToolName:       call.Name,
		Summary:        summary,
		Channel:        tcx.Channel,
		ConversationID: tcx.ConversationID,
		UserID:         tcx.UserID,
	})
	if err != nil {
		e.logger.Warn("confirmation failed", "tool", call.Name, "error", err.Error())
		return ConfirmationDecision{Reason: "confirmation_error"}
	}
	if decision.Reason == "" {
		if decision.Approved {
			decision.Reason = "approved"
		} else {
			decision.Reason = "rejected"
		}
	}
	return decision
}

// invoke runs the handler under the per-tool timeout with panic
// recovery.
func (e *Executor) invoke(ctx context.Context, tool *ToolDefinition, args map[string]any, tcx *ToolContext) (data any, err error) {
	invokeCtx, cancel := context.WithTimeout(ctx, e.config.PerToolTimeout)
	defer cancel()

	type outcome struct {
		data any
		err  error
	}
	resultChan := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultChan <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		d, err := tool.Execute(invokeCtx, args, tcx)
		resultChan <- outcome{data: d, err: err}
	}()

	select {
	case out := <-resultChan:
		return out.data, out.err
	case <-invokeCtx.Done():
		if invokeCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("tool timed out after %s", e.config.PerToolTimeout)
		}
		return nil, invokeCtx.Err()
	}
}

// finish builds the result and records terminal audit evidence for
// calls that never reached the pre-log.
func (e *Executor) finish(ctx context.Context, call models.ToolCall, tcx *ToolContext, started time.Time, status string, data any, errMsg string) models.ToolResult {
	rec := AuditRecord{
		ID:         uuid.NewString(),
		SessionKey: tcx.SessionKey,
		AgentID:    tcx.AgentID,
		Channel:    tcx.Channel,
		UserID:     tcx.UserID,
		ToolName:   call.Name,
		ToolCallID: call.ID,
	}
	return e.finishAudited(ctx, rec, call, tcx, started, status, data, errMsg)
}

// finishGated is finish with the gate verdict recorded.
func (e *Executor) finishGated(ctx context.Context, call models.ToolCall, tcx *ToolContext, started time.Time, status, gateDecision, errMsg string) models.ToolResult {
	rec := AuditRecord{
		ID:           uuid.NewString(),
		SessionKey:   tcx.SessionKey,
		AgentID:      tcx.AgentID,
		Channel:      tcx.Channel,
		UserID:       tcx.UserID,
		ToolName:     call.Name,
		ToolCallID:   call.ID,
		GateDecision: gateDecision,
	}
	return e.finishAudited(ctx, rec, call, tcx, started, status, nil, errMsg)
}

func (e *Executor) finishAudited(ctx context.Context, rec AuditRecord, call models.ToolCall, tcx *ToolContext, started time.Time, status string, data any, errMsg string) models.ToolResult {
	duration := e.now().Sub(started)
	rec.Status = status
	rec.Duration = duration
	rec.Error = errMsg
	if e.deps.Audit != nil {
		e.deps.Audit.ToolFinished(ctx, rec)
	}
	if e.deps.Metrics != nil {
		e.deps.Metrics.RecordToolExecution(call.Name, status, duration.Seconds())
	}

	result := models.ToolResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Success:    status == StatusSuccess,
		Data:       data,
		Error:      errMsg,
	}
	if !result.Success {
		e.logger.Info("tool call rejected or failed",
			"tool", call.Name,
			"status", status,
			"error", errMsg)
	}
	return result
}

func decodeArgs(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	if len(raw) > MaxToolArgsSize {
		return nil, fmt.Errorf("arguments exceed %d bytes", MaxToolArgsSize)
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
