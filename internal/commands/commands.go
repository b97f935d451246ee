// Package commands provides slash command parsing and routing. The
// gateway tries commands before the agentic loop; a handled command
// short-circuits message processing.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Command is a registered slash command.
type Command struct {
	// Name without the leading slash, e.g. "new".
	Name string

	Aliases     []string
	Description string
	Usage       string

	// AcceptsArgs allows trailing text after the name.
	AcceptsArgs bool

	// Hidden keeps the command out of /help.
	Hidden bool

	Handler Handler
}

// Handler executes a command invocation.
type Handler func(ctx context.Context, inv *Invocation) (*Result, error)

// Invocation is one parsed command call.
type Invocation struct {
	Name           string
	Args           string
	RawText        string
	SessionKey     string
	Channel        string
	ConversationID string
	UserID         string
}

// Result is a command's reply.
type Result struct {
	// Text is sent back on the origin channel.
	Text string

	// Suppress sends nothing.
	Suppress bool
}

// Registry routes invocations to handlers.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]*Command
	aliases  map[string]string
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		commands: make(map[string]*Command),
		aliases:  make(map[string]string),
		logger:   logger.With("component", "commands"),
	}
}

// Register adds a command. Names and aliases must be unique.
func (r *Registry) Register(cmd *Command) error {
	if cmd == nil || strings.TrimSpace(cmd.Name) == "" {
		return fmt.Errorf("command name is required")
	}
	if cmd.Handler == nil {
		return fmt.Errorf("command %q requires a handler", cmd.Name)
	}
	name := strings.ToLower(strings.TrimSpace(cmd.Name))

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.commands[name]; exists {
		return fmt.Errorf("command %q already registered", name)
	}
	if owner, exists := r.aliases[name]; exists {
		return fmt.Errorf("command %q conflicts with an alias of %q", name, owner)
	}
	r.commands[name] = cmd
	for _, alias := range cmd.Aliases {
		alias = strings.ToLower(strings.TrimSpace(alias))
		if alias == "" || alias == name {
			continue
		}
		if _, exists := r.commands[alias]; exists {
			r.logger.Warn("alias shadows a command, skipping", "alias", alias, "command", name)
			continue
		}
		if _, exists := r.aliases[alias]; exists {
			r.logger.Warn("alias already taken, skipping", "alias", alias, "command", name)
			continue
		}
		r.aliases[alias] = name
	}
	return nil
}

// Get resolves a name or alias.
func (r *Registry) Get(name string) (*Command, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cmd, ok := r.commands[name]; ok {
		return cmd, true
	}
	if target, ok := r.aliases[name]; ok {
		cmd, ok := r.commands[target]
		return cmd, ok
	}
	return nil, false
}

// List returns registered commands sorted by name.
func (r *Registry) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs a parsed invocation. The boolean reports whether the
// name matched a registered command at all.
func (r *Registry) Execute(ctx context.Context, inv *Invocation) (*Result, bool, error) {
	cmd, ok := r.Get(inv.Name)
	if !ok {
		return nil, false, nil
	}
	if !cmd.AcceptsArgs && strings.TrimSpace(inv.Args) != "" {
		return &Result{Text: fmt.Sprintf("/%s does not take arguments", cmd.Name)}, true, nil
	}
	result, err := cmd.Handler(ctx, inv)
	if err != nil {
		return nil, true, err
	}
	return result, true, nil
}

// HelpText renders the visible command list.
func (r *Registry) HelpText() string {
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, cmd := range r.List() {
		if cmd.Hidden {
			continue
		}
		usage := cmd.Usage
		if usage == "" {
			usage = "/" + cmd.Name
		}
		fmt.Fprintf(&b, "%s - %s\n", usage, cmd.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Parsed is a detected leading slash command.
type Parsed struct {
	Name string
	Args string
}

// Parse detects a slash command at the start of a message. Returns
// nil for ordinary text. Only "/" commands are honored; a lone slash
// or "/123" is not a command.
func Parse(text string) *Parsed {
	text = strings.TrimSpace(text)
	if len(text) < 2 || text[0] != '/' {
		return nil
	}
	next := text[1]
	if !(next >= 'a' && next <= 'z' || next >= 'A' && next <= 'Z') {
		return nil
	}
	body := text[1:]
	name, args := body, ""
	if i := strings.IndexByte(body, ' '); i >= 0 {
		name, args = body[:i], strings.TrimSpace(body[i+1:])
	}
	// Strip a Telegram-style @botname suffix.
	if at := strings.IndexByte(name, '@'); at > 0 {
		name = name[:at]
	}
	return &Parsed{Name: strings.ToLower(name), Args: args}
}
