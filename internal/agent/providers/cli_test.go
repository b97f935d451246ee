package providers

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/owliabot/owliabot/pkg/models"
)

func TestBuildArgs(t *testing.T) {
	p := NewCLIProvider(CLIProviderConfig{
		ID:               "claude-cli",
		Model:            "sonnet-latest",
		Command:          "claude",
		Args:             []string{"-p", "--output-format", "json"},
		ResumeArgs:       []string{"--resume", "{sessionId}"},
		ModelAliases:     map[string]string{"sonnet-latest": "sonnet"},
		SystemPromptArg:  "--append-system-prompt",
		SystemPromptWhen: "first",
	}, nil)

	req := &Request{
		System:    "be brief",
		SessionID: "sess-42",
		FirstTurn: true,
		Messages:  []models.Message{models.NewUserMessage("hi")},
	}
	args, useStdin := p.buildArgs(req, "hi")
	if useStdin {
		t.Fatal("short prompt should ride in argv")
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--model sonnet") {
		t.Errorf("model alias not applied: %v", args)
	}
	if !strings.Contains(joined, "--resume sess-42") {
		t.Errorf("resume args not substituted: %v", args)
	}
	if !strings.Contains(joined, "--append-system-prompt be brief") {
		t.Errorf("system prompt missing on first turn: %v", args)
	}
	if args[len(args)-1] != "hi" {
		t.Errorf("prompt should be last arg, got %v", args)
	}

	// Not first turn: system prompt suppressed under when=first.
	req.FirstTurn = false
	args, _ = p.buildArgs(req, "hi")
	if strings.Contains(strings.Join(args, " "), "--append-system-prompt") {
		t.Errorf("system prompt should be suppressed after first turn: %v", args)
	}
}

func TestBuildArgsOversizedPromptGoesToStdin(t *testing.T) {
	p := NewCLIProvider(CLIProviderConfig{
		ID:                "codex-cli",
		Command:           "codex",
		MaxPromptArgChars: 64,
	}, nil)

	prompt := strings.Repeat("x", 65)
	args, useStdin := p.buildArgs(&Request{}, prompt)
	if !useStdin {
		t.Fatal("oversized prompt must be delivered on stdin")
	}
	for _, arg := range args {
		if arg == prompt {
			t.Fatal("oversized prompt leaked into argv")
		}
	}
}

func TestBuildEnvClearsNamedVariables(t *testing.T) {
	t.Setenv("OWLIA_SECRET", "hunter2")
	t.Setenv("OWLIA_KEEP", "stay")

	p := NewCLIProvider(CLIProviderConfig{
		ID:       "cli",
		Command:  "tool",
		ClearEnv: []string{"OWLIA_SECRET"},
	}, nil)

	env := p.buildEnv()
	for _, kv := range env {
		if strings.HasPrefix(kv, "OWLIA_SECRET=") {
			t.Error("cleared variable leaked into subprocess env")
		}
	}
	found := false
	for _, kv := range env {
		if kv == "OWLIA_KEEP=stay" {
			found = true
		}
	}
	if !found {
		t.Error("unlisted variable should be inherited")
	}

	// Empty list inherits everything.
	p = NewCLIProvider(CLIProviderConfig{ID: "cli", Command: "tool"}, nil)
	if len(p.buildEnv()) != len(env)+1 {
		t.Error("empty clear list should inherit the full environment")
	}
}

func TestParseCLIOutputText(t *testing.T) {
	resp, err := parseCLIOutput(CLIProviderConfig{Output: "text"}, "  the answer\n")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "the answer" {
		t.Errorf("content = %q", resp.Content)
	}

	if _, err := parseCLIOutput(CLIProviderConfig{Output: "text"}, "   \n"); err == nil {
		t.Error("empty output should fail")
	}
}

func TestParseCLIOutputJSON(t *testing.T) {
	config := CLIProviderConfig{Output: "json", SessionIDFields: []string{"session_id"}}
	resp, err := parseCLIOutput(config, `{"result":"done","session_id":"abc-123"}`)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "done" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.SessionID != "abc-123" {
		t.Errorf("session id = %q", resp.SessionID)
	}

	if _, err := parseCLIOutput(config, `{"status":"ok"}`); err == nil {
		t.Error("payload without result text should fail")
	}
}

func TestParseCLIOutputJSONNested(t *testing.T) {
	config := CLIProviderConfig{Output: "json"}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"data.result.text", `{"data":{"result":{"text":"nested answer"}}}`, "nested answer"},
		{"object message", `{"message":{"content":"from message object"}}`, "from message object"},
		{"result object with text", `{"result":{"text":"inner"}}`, "inner"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := parseCLIOutput(config, tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if resp.Content != tt.want {
				t.Errorf("content = %q, want %q", resp.Content, tt.want)
			}
		})
	}
}

func TestParseCLIOutputJSONL(t *testing.T) {
	config := CLIProviderConfig{Output: "jsonl"}
	out := `
{"type":"system","session_id":"s-9"}
{"type":"progress","step":1}
not json at all
{"type":"result","result":"final answer"}
`
	resp, err := parseCLIOutput(config, out)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "final answer" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.SessionID != "s-9" {
		t.Errorf("session id = %q, want s-9", resp.SessionID)
	}
}

func TestParseCLIOutputJSONLDeltaStream(t *testing.T) {
	config := CLIProviderConfig{Output: "jsonl"}
	out := `
{"type":"system","session_id":"s-3"}
{"delta":{"text":"Hel"}}
{"delta":{"text":"lo "}}
{"delta":{"text":"world"}}
{"type":"done"}
`
	resp, err := parseCLIOutput(config, out)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "Hello world" {
		t.Errorf("content = %q, want concatenated fragments", resp.Content)
	}
	if resp.SessionID != "s-3" {
		t.Errorf("session id = %q, want s-3", resp.SessionID)
	}
}

func TestParseCLIOutputJSONLBareFragments(t *testing.T) {
	config := CLIProviderConfig{Output: "jsonl"}
	out := `
{"text":"part one, "}
{"text":"part two"}
`
	resp, err := parseCLIOutput(config, out)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "part one, part two" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestParseCLIOutputJSONLResultWinsOverFragments(t *testing.T) {
	config := CLIProviderConfig{Output: "jsonl"}
	out := `
{"delta":{"text":"streamed"}}
{"type":"result","result":"authoritative"}
`
	resp, err := parseCLIOutput(config, out)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "authoritative" {
		t.Errorf("content = %q, want the complete result", resp.Content)
	}
}

func TestCLIProviderCompleteRunsSubprocess(t *testing.T) {
	p := NewCLIProvider(CLIProviderConfig{
		ID:      "echo-cli",
		Command: "sh",
		Args:    []string{"-c", `printf '{"result":"hello from cli","session_id":"s-1"}'; exit 0`},
		Output:  "json",
		Timeout: 10 * time.Second,
	}, nil)

	// The shell script ignores the prompt arg appended after Args.
	resp, err := p.Complete(context.Background(), &Request{
		Messages: []models.Message{models.NewUserMessage("ping")},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "hello from cli" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.SessionID != "s-1" {
		t.Errorf("session id = %q", resp.SessionID)
	}
}

func TestCLIProviderNonZeroExitWithValidOutput(t *testing.T) {
	p := NewCLIProvider(CLIProviderConfig{
		ID:      "flaky-cli",
		Command: "sh",
		Args:    []string{"-c", `printf '{"result":"usable"}'; exit 3`},
		Output:  "json",
		Timeout: 10 * time.Second,
	}, nil)

	resp, err := p.Complete(context.Background(), &Request{
		Messages: []models.Message{models.NewUserMessage("ping")},
	})
	if err != nil {
		t.Fatalf("parsable output should win over exit code, got %v", err)
	}
	if resp.Content != "usable" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestCLIProviderFailure(t *testing.T) {
	p := NewCLIProvider(CLIProviderConfig{
		ID:      "broken-cli",
		Command: "sh",
		Args:    []string{"-c", `echo "fatal: no credentials" >&2; exit 1`},
		Output:  "json",
		Timeout: 10 * time.Second,
	}, nil)

	_, err := p.Complete(context.Background(), &Request{
		Messages: []models.Message{models.NewUserMessage("ping")},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := GetProviderError(err); !ok {
		t.Errorf("error should be a ProviderError: %v", err)
	}
}

func TestRenderCLIPrompt(t *testing.T) {
	messages := []models.Message{
		models.NewUserMessage("first question"),
		models.NewAssistantMessage("first answer", nil),
		models.NewUserMessage("second question"),
	}

	// Resuming: only the newest user input is sent.
	got := renderCLIPrompt(&Request{SessionID: "s-1", Messages: messages})
	if got != "second question" {
		t.Errorf("resume prompt = %q", got)
	}

	// Fresh session: the transcript is replayed.
	got = renderCLIPrompt(&Request{Messages: messages})
	if !strings.Contains(got, "User: first question") || !strings.Contains(got, "Assistant: first answer") {
		t.Errorf("replay prompt = %q", got)
	}
}
