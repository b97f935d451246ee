// Package agent implements the agentic runtime: the tool registry, the
// context guard, the provider runner with failover, the tool executor,
// and the agentic loop that ties them together.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	// MaxToolNameLength bounds registered tool names.
	MaxToolNameLength = 256

	// MaxToolArgsSize bounds serialized tool arguments.
	MaxToolArgsSize = 1 << 20
)

// SecurityLevel is the capability class of a tool.
type SecurityLevel string

const (
	SecurityRead  SecurityLevel = "read"
	SecurityWrite SecurityLevel = "write"
	SecuritySign  SecurityLevel = "sign"
)

// ToolSecurity declares a tool's risk profile.
type ToolSecurity struct {
	Level SecurityLevel `json:"level"`

	// ConfirmRequired forces a write-gate confirmation regardless of
	// policy.
	ConfirmRequired bool `json:"confirm_required,omitempty"`

	// MaxValue caps value-bearing operations; zero means no cap.
	MaxValue float64 `json:"max_value,omitempty"`
}

// ToolHandler executes a tool call. The returned data is wrapped into a
// ToolResult by the executor.
type ToolHandler func(ctx context.Context, args map[string]any, tcx *ToolContext) (any, error)

// ToolDefinition describes one registered tool.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
	Security    ToolSecurity    `json:"security"`
	Execute     ToolHandler     `json:"-"`

	// compiled schema, built at registration
	schema *jsonschema.Schema
}

// ToolContext carries call-scoped information into tool handlers.
type ToolContext struct {
	AgentID        string
	SessionKey     string
	SessionID      string
	Channel        string
	ConversationID string
	UserID         string
	WorkspacePath  string
}

// Registry stores tool definitions. Registration replaces an existing
// tool of the same name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*ToolDefinition
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*ToolDefinition)}
}

// Register adds a tool, compiling its parameter schema for argument
// validation.
func (r *Registry) Register(def *ToolDefinition) error {
	if def == nil {
		return fmt.Errorf("tool definition is nil")
	}
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("tool name exceeds %d characters", MaxToolNameLength)
	}
	if def.Execute == nil {
		return fmt.Errorf("tool %q has no handler", name)
	}

	if len(def.Parameters) > 0 {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("schema.json", strings.NewReader(string(def.Parameters))); err != nil {
			return fmt.Errorf("tool %q schema: %w", name, err)
		}
		schema, err := compiler.Compile("schema.json")
		if err != nil {
			return fmt.Errorf("tool %q schema: %w", name, err)
		}
		def.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = def
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns the tool definition or false when unknown.
func (r *Registry) Get(name string) (*ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []*ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ToolDefinition, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateArgs checks arguments against the tool's compiled schema.
func (d *ToolDefinition) ValidateArgs(args map[string]any) error {
	if d.schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := d.schema.Validate(normalizeForSchema(args)); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// normalizeForSchema round-trips args through JSON so numeric types
// match what the schema validator expects.
func normalizeForSchema(args map[string]any) any {
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return args
	}
	return out
}
