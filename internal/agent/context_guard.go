package agent

import (
	"encoding/json"
	"fmt"

	"github.com/owliabot/owliabot/pkg/models"
)

const truncationMarker = "\n…truncated…\n"

// GuardLimits bounds prompt size before a provider call.
type GuardLimits struct {
	// MaxToolResultChars truncates individual tool results (level 1).
	MaxToolResultChars int

	// TruncateHeadChars and TruncateTailChars control how much of an
	// oversized result survives on each side of the marker. Zero
	// derives them from MaxToolResultChars.
	TruncateHeadChars int
	TruncateTailChars int

	// ReserveTokens is headroom kept free beyond the estimate.
	ReserveTokens int

	// ContextWindow is the model's context size in tokens.
	ContextWindow int

	// MaxTokens is the completion budget requested from the model.
	MaxTokens int
}

// DefaultGuardLimits returns the standard limits.
func DefaultGuardLimits() GuardLimits {
	return GuardLimits{
		MaxToolResultChars: 16384,
		ReserveTokens:      8192,
		ContextWindow:      200000,
		MaxTokens:          8192,
	}
}

// GuardResult is the outcome of applying the context guard.
type GuardResult struct {
	Messages []models.Message
	Dropped  int
}

// ContextGuard keeps conversations inside the model's context window.
// Level 1 truncates oversized tool results in place; level 2 drops the
// oldest turns until the estimated token count fits.
type ContextGuard struct {
	limits GuardLimits
}

// NewContextGuard creates a guard, filling zero limits with defaults.
func NewContextGuard(limits GuardLimits) *ContextGuard {
	defaults := DefaultGuardLimits()
	if limits.MaxToolResultChars == 0 {
		limits.MaxToolResultChars = defaults.MaxToolResultChars
	}
	if limits.ReserveTokens == 0 {
		limits.ReserveTokens = defaults.ReserveTokens
	}
	if limits.ContextWindow == 0 {
		limits.ContextWindow = defaults.ContextWindow
	}
	if limits.MaxTokens == 0 {
		limits.MaxTokens = defaults.MaxTokens
	}
	if limits.TruncateHeadChars == 0 {
		limits.TruncateHeadChars = limits.MaxToolResultChars * 2 / 3
	}
	if limits.TruncateTailChars == 0 {
		limits.TruncateTailChars = limits.MaxToolResultChars / 4
	}
	return &ContextGuard{limits: limits}
}

// Limits returns the effective limits.
func (g *ContextGuard) Limits() GuardLimits { return g.limits }

// Apply enforces both guard levels against a copy of the messages. The
// system prompt is accounted for but never dropped.
func (g *ContextGuard) Apply(system string, messages []models.Message) GuardResult {
	return g.ApplyWithWindow(system, messages, g.limits.ContextWindow)
}

// ApplyWithWindow is Apply with an overridden context window, used for
// overflow retries with a shrunken window.
func (g *ContextGuard) ApplyWithWindow(system string, messages []models.Message, window int) GuardResult {
	out := make([]models.Message, len(messages))
	copy(out, messages)

	for i := range out {
		out[i] = g.truncateToolResults(out[i])
	}

	budget := window - g.limits.MaxTokens
	dropped := 0
	for len(out) > 0 && g.estimateTokens(system, out)+g.limits.ReserveTokens > budget {
		drop := 1
		// Tool results bound to a dropped assistant tool-call turn go
		// with it; an orphaned result would poison the next call.
		if out[0].HasToolCalls() && len(out) > 1 && len(out[1].ToolResults) > 0 {
			drop = 2
		}
		out = out[drop:]
		dropped += drop
	}

	return GuardResult{Messages: out, Dropped: dropped}
}

// truncateToolResults applies level 1 to one message.
func (g *ContextGuard) truncateToolResults(msg models.Message) models.Message {
	if len(msg.ToolResults) == 0 {
		return msg
	}
	results := make([]models.ToolResult, len(msg.ToolResults))
	copy(results, msg.ToolResults)
	for i := range results {
		if s, changed := g.truncateString(renderResultData(results[i].Data)); changed {
			results[i].Data = s
		}
		if s, changed := g.truncateString(results[i].Error); changed {
			results[i].Error = s
		}
	}
	msg.ToolResults = results
	return msg
}

func (g *ContextGuard) truncateString(s string) (string, bool) {
	if len(s) <= g.limits.MaxToolResultChars {
		return s, false
	}
	head := g.limits.TruncateHeadChars
	tail := g.limits.TruncateTailChars
	if head+tail >= len(s) {
		return s, false
	}
	return s[:head] + truncationMarker + s[len(s)-tail:], true
}

// estimateTokens approximates token count as ceil(chars/4).
func (g *ContextGuard) estimateTokens(system string, messages []models.Message) int {
	chars := len(system)
	for _, msg := range messages {
		chars += len(msg.Content)
		for _, tc := range msg.ToolCalls {
			chars += len(tc.Name) + len(tc.Arguments)
		}
		for _, tr := range msg.ToolResults {
			chars += len(renderResultData(tr.Data)) + len(tr.Error)
		}
	}
	return (chars + 3) / 4
}

// renderResultData flattens tool result data for size accounting and
// truncation.
func renderResultData(data any) string {
	switch v := data.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", v)
	}
}
