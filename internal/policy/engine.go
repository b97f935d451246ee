// Package policy evaluates tool calls against the configured security
// policy: allow/deny pattern lists, confirmation requirements, value
// caps, and per-tool cooldowns.
package policy

import (
	"fmt"
	"strings"

	"github.com/owliabot/owliabot/internal/agent"
)

// Config is the tool security policy.
type Config struct {
	// Allow restricts execution to matching tools when non-empty.
	Allow []string

	// Deny always blocks matching tools; deny wins over allow.
	Deny []string

	// Confirm forces a write-gate confirmation for matching tools.
	Confirm []string

	// MaxValue caps the "amount" argument of value-bearing tools when
	// the tool declares no cap of its own. Zero disables the check.
	MaxValue float64
}

// Engine implements agent.PolicyEngine.
type Engine struct {
	config Config
}

// NewEngine creates a policy engine.
func NewEngine(config Config) *Engine {
	return &Engine{config: config}
}

// Evaluate applies the policy to one tool call.
//
// Order: denylist, allowlist, value cap, then confirmation (explicit
// list, tool ConfirmRequired flag, or write/sign security level).
func (e *Engine) Evaluate(tool *agent.ToolDefinition, tcx *agent.ToolContext, args map[string]any) agent.PolicyDecision {
	name := tool.Name

	if matchesAny(name, e.config.Deny) {
		return agent.PolicyDecision{Action: agent.PolicyDeny, Reason: fmt.Sprintf("tool %q is denylisted", name)}
	}

	if len(e.config.Allow) > 0 && !matchesAny(name, e.config.Allow) {
		return agent.PolicyDecision{Action: agent.PolicyDeny, Reason: fmt.Sprintf("tool %q is not in the allowlist", name)}
	}

	if reason, exceeded := e.exceedsValueCap(tool, args); exceeded {
		return agent.PolicyDecision{Action: agent.PolicyDeny, Reason: reason}
	}

	if matchesAny(name, e.config.Confirm) || tool.Security.ConfirmRequired {
		return agent.PolicyDecision{Action: agent.PolicyConfirm, Reason: "confirmation required by policy"}
	}
	switch tool.Security.Level {
	case agent.SecurityWrite, agent.SecuritySign:
		return agent.PolicyDecision{Action: agent.PolicyConfirm, Reason: fmt.Sprintf("%s-level tool requires confirmation", tool.Security.Level)}
	}

	return agent.PolicyDecision{Action: agent.PolicyAllow}
}

func (e *Engine) exceedsValueCap(tool *agent.ToolDefinition, args map[string]any) (string, bool) {
	cap := tool.Security.MaxValue
	if cap == 0 {
		cap = e.config.MaxValue
	}
	if cap == 0 {
		return "", false
	}
	amount, ok := numericArg(args, "amount")
	if !ok {
		return "", false
	}
	if amount > cap {
		return fmt.Sprintf("amount %g exceeds the configured cap %g", amount, cap), true
	}
	return "", false
}

func numericArg(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// matchesAny reports whether the name matches any pattern. Patterns
// support "*", "prefix*", "*suffix", and exact matches. Matching is
// case-insensitive.
func matchesAny(name string, patterns []string) bool {
	name = strings.ToLower(name)
	for _, pattern := range patterns {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		if pattern == "*" {
			return true
		}
		if strings.HasSuffix(pattern, "*") && strings.HasPrefix(name, strings.TrimSuffix(pattern, "*")) {
			return true
		}
		if strings.HasPrefix(pattern, "*") && strings.HasSuffix(name, strings.TrimPrefix(pattern, "*")) {
			return true
		}
		if name == pattern {
			return true
		}
	}
	return false
}
