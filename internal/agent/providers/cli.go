package providers

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/owliabot/owliabot/pkg/models"
)

// CLIProviderConfig configures a subprocess-backed provider such as a
// local coding agent CLI.
type CLIProviderConfig struct {
	ID      string
	Model   string
	Command string

	// Args is the base argument template.
	Args []string

	// ResumeArgs is appended when a backend session id is known. The
	// literal {sessionId} is substituted.
	ResumeArgs []string

	// ModelAliases maps configured model refs to CLI-native names.
	ModelAliases map[string]string

	// SystemPromptWhen is "always" or "first".
	SystemPromptWhen string

	// SystemPromptArg is the flag that carries the system prompt, e.g.
	// "--append-system-prompt". Empty disables injection.
	SystemPromptArg string

	// Input is "arg" or "stdin".
	Input string

	// MaxPromptArgChars forces stdin delivery for oversized prompts.
	MaxPromptArgChars int

	// Output is "text", "json", or "jsonl".
	Output string

	// SessionIDFields are the JSON keys probed for a backend session id.
	SessionIDFields []string

	// Serialize runs at most one subprocess at a time for this provider.
	Serialize bool

	// ClearEnv names variables to unset from the inherited environment
	// before the subprocess starts.
	ClearEnv []string

	Timeout    time.Duration
	KillGrace  time.Duration
	WorkingDir string
}

// CLIProvider runs a local CLI per completion request.
type CLIProvider struct {
	config CLIProviderConfig
	logger *slog.Logger

	// serializes subprocess runs when config.Serialize is set
	mu sync.Mutex
}

// NewCLIProvider creates a subprocess-backed provider.
func NewCLIProvider(config CLIProviderConfig, logger *slog.Logger) *CLIProvider {
	if config.MaxPromptArgChars == 0 {
		config.MaxPromptArgChars = 32768
	}
	if config.Output == "" {
		config.Output = "text"
	}
	if config.Input == "" {
		config.Input = "arg"
	}
	if config.SystemPromptWhen == "" {
		config.SystemPromptWhen = "always"
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Minute
	}
	if config.KillGrace == 0 {
		config.KillGrace = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIProvider{
		config: config,
		logger: logger.With("component", "cli_provider", "provider", config.ID),
	}
}

func (p *CLIProvider) ID() string          { return p.config.ID }
func (p *CLIProvider) Model() string       { return p.config.Model }
func (p *CLIProvider) SupportsTools() bool { return false }

// Complete runs the CLI once and parses its output.
func (p *CLIProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	if p.config.Serialize {
		p.mu.Lock()
		defer p.mu.Unlock()
	}

	prompt := renderCLIPrompt(req)
	args, useStdin := p.buildArgs(req, prompt)

	runCtx := ctx
	var cancel context.CancelFunc
	if p.config.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	cmd := exec.Command(p.config.Command, args...)
	if p.config.WorkingDir != "" {
		cmd.Dir = p.config.WorkingDir
	}
	cmd.Env = p.buildEnv()
	if useStdin {
		cmd.Stdin = strings.NewReader(prompt)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, NewProviderError(p.config.ID, p.config.Model, fmt.Errorf("failed to start %s: %w", p.config.Command, err))
	}

	waitErr := p.wait(runCtx, cmd)
	elapsed := time.Since(started)

	p.logger.Debug("cli run finished",
		"duration_ms", elapsed.Milliseconds(),
		"exit_error", waitErr != nil,
		"stdout_bytes", stdout.Len())

	resp, parseErr := parseCLIOutput(p.config, stdout.String())
	if parseErr == nil && resp != nil {
		// A parsable result counts as success even on a non-zero exit;
		// some CLIs exit non-zero after emitting a valid final payload.
		resp.Provider = p.config.ID
		resp.Model = p.config.Model
		return resp, nil
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, &ProviderError{
			Reason:   FailoverTimeout,
			Provider: p.config.ID,
			Model:    p.config.Model,
			Message:  fmt.Sprintf("cli timed out after %s", p.config.Timeout),
		}
	}
	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = waitErr.Error()
		}
		return nil, NewProviderError(p.config.ID, p.config.Model, fmt.Errorf("cli exited: %s", msg))
	}
	return nil, NewProviderError(p.config.ID, p.config.Model, fmt.Errorf("cli output unparsable: %w", parseErr))
}

// wait blocks on the subprocess and escalates SIGTERM to SIGKILL when
// the context expires.
func (p *CLIProvider) wait(ctx context.Context, cmd *exec.Cmd) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case err := <-done:
			return err
		case <-time.After(p.config.KillGrace):
			_ = cmd.Process.Kill()
			return <-done
		}
	}
}

// buildArgs assembles the argv and reports whether the prompt goes on
// stdin instead of the final argument.
func (p *CLIProvider) buildArgs(req *Request, prompt string) ([]string, bool) {
	args := append([]string{}, p.config.Args...)

	model := req.Model
	if model == "" {
		model = p.config.Model
	}
	if alias, ok := p.config.ModelAliases[model]; ok {
		model = alias
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	if req.SessionID != "" && len(p.config.ResumeArgs) > 0 {
		for _, arg := range p.config.ResumeArgs {
			args = append(args, strings.ReplaceAll(arg, "{sessionId}", req.SessionID))
		}
	}

	if p.config.SystemPromptArg != "" && req.System != "" {
		inject := p.config.SystemPromptWhen == "always" ||
			(p.config.SystemPromptWhen == "first" && req.FirstTurn)
		if inject {
			args = append(args, p.config.SystemPromptArg, req.System)
		}
	}

	useStdin := p.config.Input == "stdin" || len(prompt) > p.config.MaxPromptArgChars
	if !useStdin {
		args = append(args, prompt)
	}
	return args, useStdin
}

// buildEnv returns the inherited environment minus the ClearEnv names.
func (p *CLIProvider) buildEnv() []string {
	if len(p.config.ClearEnv) == 0 {
		return os.Environ()
	}
	drop := make(map[string]bool, len(p.config.ClearEnv))
	for _, name := range p.config.ClearEnv {
		drop[name] = true
	}
	var env []string
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if drop[name] {
			continue
		}
		env = append(env, kv)
	}
	return env
}

// renderCLIPrompt flattens the request into a single prompt string.
// When the backend resumes its own session only the newest user input
// is sent; otherwise the transcript is replayed.
func renderCLIPrompt(req *Request) string {
	if req.SessionID != "" {
		for i := len(req.Messages) - 1; i >= 0; i-- {
			msg := req.Messages[i]
			if msg.Role == models.RoleUser && msg.Content != "" {
				return msg.Content
			}
		}
	}

	var b strings.Builder
	for _, msg := range req.Messages {
		if msg.Content == "" {
			continue
		}
		switch msg.Role {
		case models.RoleUser:
			fmt.Fprintf(&b, "User: %s\n", msg.Content)
		case models.RoleAssistant:
			fmt.Fprintf(&b, "Assistant: %s\n", msg.Content)
		}
	}
	return strings.TrimSpace(b.String())
}
