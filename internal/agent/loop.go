package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/owliabot/owliabot/internal/agent/providers"
	"github.com/owliabot/owliabot/internal/observability"
	"github.com/owliabot/owliabot/pkg/models"
)

// ErrorSentinel prefixes user-visible failure replies. Downstream
// consumers use it to mark a processed message as failed.
const ErrorSentinel = "⚠️"

// LoopEventType identifies a progress event emitted during a loop run.
type LoopEventType string

const (
	EventTurnStart     LoopEventType = "turn_start"
	EventMessageStart  LoopEventType = "message_start"
	EventToolExecStart LoopEventType = "tool_execution_start"
	EventToolExecEnd   LoopEventType = "tool_execution_end"
)

// LoopEvent is a progress notification from the agentic loop.
type LoopEvent struct {
	Type      LoopEventType
	Iteration int
	ToolName  string
	Timestamp time.Time
}

// LoopOptions configures one agentic loop run.
type LoopOptions struct {
	Runner   *Runner
	Executor *Executor
	Tools    []providers.ToolSpec
	System   string

	// Model overrides the provider default when set (per-session
	// override).
	Model string

	// SessionID resumes a CLI-native backend session.
	SessionID string
	FirstTurn bool

	MaxIterations int
	Timeout       time.Duration

	// Events receives progress notifications; sends never block.
	Events chan<- LoopEvent

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// LoopResult is the outcome of an agentic loop run.
type LoopResult struct {
	// Content is the final user-visible reply.
	Content string

	// Messages are the transcript entries produced by this run, in
	// order: assistant turns and synthetic tool-result messages.
	Messages []models.Message

	// SessionID is a backend-native session id surfaced by a CLI
	// provider, empty otherwise.
	SessionID string

	Iterations           int
	ToolCallsCount       int
	MaxIterationsReached bool
	TimedOut             bool
	Err                  error
}

// RunAgenticLoop drives the model/tool cycle until the model answers
// without tool calls or a bound is hit.
func RunAgenticLoop(ctx context.Context, history []models.Message, tcx *ToolContext, opts LoopOptions) *LoopResult {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 25
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "loop", "session_key", tcx.SessionKey)

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	working := make([]models.Message, len(history))
	copy(working, history)

	result := &LoopResult{SessionID: opts.SessionID}

	for iteration := 1; iteration <= opts.MaxIterations; iteration++ {
		result.Iterations = iteration
		emit(opts.Events, LoopEvent{Type: EventTurnStart, Iteration: iteration, Timestamp: time.Now()})

		req := &providers.Request{
			System:    opts.System,
			Messages:  working,
			Tools:     opts.Tools,
			Model:     opts.Model,
			SessionID: result.SessionID,
			FirstTurn: opts.FirstTurn && iteration == 1,
		}

		emit(opts.Events, LoopEvent{Type: EventMessageStart, Iteration: iteration, Timestamp: time.Now()})
		resp, err := opts.Runner.Complete(ctx, req)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				result.TimedOut = true
				result.Content = fmt.Sprintf("%s The request timed out after %s.", ErrorSentinel, opts.Timeout)
			} else {
				result.Content = failureContent(err)
			}
			result.Err = err
			return result
		}
		if resp.SessionID != "" {
			result.SessionID = resp.SessionID
		}

		assistant := models.NewAssistantMessage(resp.Content, resp.ToolCalls)
		working = append(working, assistant)
		result.Messages = append(result.Messages, assistant)

		if len(resp.ToolCalls) == 0 {
			result.Content = finalContent(resp)
			if opts.Metrics != nil {
				opts.Metrics.LoopIterations.Observe(float64(iteration))
			}
			return result
		}

		result.ToolCallsCount += len(resp.ToolCalls)
		for _, call := range resp.ToolCalls {
			emit(opts.Events, LoopEvent{Type: EventToolExecStart, Iteration: iteration, ToolName: call.Name, Timestamp: time.Now()})
		}

		toolResults := opts.Executor.ExecuteToolCalls(ctx, resp.ToolCalls, tcx)

		for _, tr := range toolResults {
			emit(opts.Events, LoopEvent{Type: EventToolExecEnd, Iteration: iteration, ToolName: tr.ToolName, Timestamp: time.Now()})
		}

		resultsMsg := models.NewToolResultsMessage(toolResults)
		working = append(working, resultsMsg)
		result.Messages = append(result.Messages, resultsMsg)

		if ctx.Err() != nil {
			result.TimedOut = ctx.Err() == context.DeadlineExceeded
			result.Err = ctx.Err()
			result.Content = fmt.Sprintf("%s The request timed out after %s.", ErrorSentinel, opts.Timeout)
			return result
		}
	}

	result.MaxIterationsReached = true
	result.Content = fmt.Sprintf(
		"%s I hit the tool iteration limit (%d) before finishing. Send /new to start a fresh session and try a narrower request.",
		ErrorSentinel, opts.MaxIterations)
	logger.Warn("loop hit iteration limit", "max_iterations", opts.MaxIterations)
	return result
}

// failureContent maps a runner error to user-visible text. Auth and
// overflow failures get actionable guidance instead of the raw error.
func failureContent(err error) string {
	if pe, ok := providers.GetProviderError(err); ok {
		switch pe.Reason {
		case providers.FailoverAuth:
			return fmt.Sprintf(
				"%s No working credential for provider %q. Run `owliabot auth setup %s` to store one.",
				ErrorSentinel, pe.Provider, pe.Provider)
		case providers.FailoverContextOverflow:
			return fmt.Sprintf(
				"%s The conversation no longer fits the model's context window. Send /new to start a fresh session.",
				ErrorSentinel)
		}
	}
	return fmt.Sprintf("%s 处理失败: %v", ErrorSentinel, err)
}

// finalContent maps the final provider response to user-visible text.
func finalContent(resp *providers.Response) string {
	switch resp.StopReason {
	case providers.StopTruncated:
		if resp.Content == "" {
			return fmt.Sprintf("%s The reply was cut off by the output limit. Send /new if responses keep getting truncated.", ErrorSentinel)
		}
		return resp.Content + "\n\n(The reply was cut off by the output limit.)"
	case providers.StopError:
		msg := resp.Content
		if msg == "" {
			msg = "the model reported an error"
		}
		return fmt.Sprintf("%s %s", ErrorSentinel, msg)
	default:
		if resp.Content == "" {
			return fmt.Sprintf("%s The model returned an empty reply.", ErrorSentinel)
		}
		return resp.Content
	}
}

func emit(ch chan<- LoopEvent, event LoopEvent) {
	if ch == nil {
		return
	}
	select {
	case ch <- event:
	default:
	}
}
