// Package audit records tool execution evidence as structured log
// events. Every tool call produces a pre-invocation entry and a
// completion entry so an interrupted run still leaves a trace.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/owliabot/owliabot/internal/agent"
)

// Config configures the audit logger.
type Config struct {
	// Enabled determines whether audit events are written at all.
	Enabled bool `yaml:"enabled"`

	// Output is where events go: "stdout", "stderr", or
	// "file:/path/to/audit.log".
	Output string `yaml:"output"`

	// IncludeToolInput logs raw tool arguments when true. When false
	// only a SHA-256 digest of the arguments is recorded.
	IncludeToolInput bool `yaml:"include_tool_input"`

	// MaxFieldSize truncates logged argument payloads.
	MaxFieldSize int `yaml:"max_field_size"`

	// BufferSize is the async write buffer capacity.
	BufferSize int `yaml:"buffer_size"`

	// FlushInterval bounds how long a buffered event may wait.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DefaultConfig returns the standard audit configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		Output:        "stdout",
		MaxFieldSize:  1024,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
	}
}

type entry struct {
	phase string
	rec   agent.AuditRecord
	at    time.Time
}

// Logger implements agent.AuditRecorder with async buffered writes.
type Logger struct {
	config  Config
	output  io.WriteCloser
	slogger *slog.Logger
	buffer  chan entry
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewLogger opens the configured output and starts the write loop.
// A disabled logger is valid and drops every event.
func NewLogger(config Config) (*Logger, error) {
	if !config.Enabled {
		return &Logger{config: config}, nil
	}
	if config.MaxFieldSize == 0 {
		config.MaxFieldSize = 1024
	}
	if config.BufferSize == 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 5 * time.Second
	}

	var output io.WriteCloser
	switch {
	case config.Output == "" || config.Output == "stdout":
		output = os.Stdout
	case config.Output == "stderr":
		output = os.Stderr
	case strings.HasPrefix(config.Output, "file:"):
		path := strings.TrimPrefix(config.Output, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		output = f
	default:
		return nil, fmt.Errorf("unsupported audit output %q", config.Output)
	}

	l := &Logger{
		config:  config,
		output:  output,
		slogger: slog.New(slog.NewJSONHandler(output, nil)).With("component", "audit"),
		buffer:  make(chan entry, config.BufferSize),
		done:    make(chan struct{}),
	}
	l.wg.Add(1)
	go l.writeLoop()
	return l, nil
}

// Close drains buffered events and closes the output.
func (l *Logger) Close() error {
	if !l.config.Enabled {
		return nil
	}
	close(l.done)
	l.wg.Wait()
	if l.output != os.Stdout && l.output != os.Stderr {
		return l.output.Close()
	}
	return nil
}

// ToolStarted records a tool invocation before the handler runs.
func (l *Logger) ToolStarted(ctx context.Context, rec agent.AuditRecord) {
	l.enqueue(entry{phase: "tool_started", rec: rec, at: time.Now()})
}

// ToolFinished records the outcome of a tool invocation.
func (l *Logger) ToolFinished(ctx context.Context, rec agent.AuditRecord) {
	l.enqueue(entry{phase: "tool_finished", rec: rec, at: time.Now()})
}

func (l *Logger) enqueue(e entry) {
	if !l.config.Enabled {
		return
	}
	select {
	case l.buffer <- e:
	default:
		// Buffer full: write inline rather than drop evidence.
		l.write(e)
	}
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case e := <-l.buffer:
			l.write(e)
		case <-ticker.C:
			l.flush()
		case <-l.done:
			l.flush()
			return
		}
	}
}

func (l *Logger) flush() {
	for {
		select {
		case e := <-l.buffer:
			l.write(e)
		default:
			return
		}
	}
}

func (l *Logger) write(e entry) {
	attrs := []any{
		"audit_id", e.rec.ID,
		"phase", e.phase,
		"timestamp", e.at.Format(time.RFC3339Nano),
		"tool_name", e.rec.ToolName,
		"tool_call_id", e.rec.ToolCallID,
	}
	if e.rec.SessionKey != "" {
		attrs = append(attrs, "session_key", e.rec.SessionKey)
	}
	if e.rec.AgentID != "" {
		attrs = append(attrs, "agent_id", e.rec.AgentID)
	}
	if e.rec.Channel != "" {
		attrs = append(attrs, "channel", e.rec.Channel)
	}
	if e.rec.UserID != "" {
		attrs = append(attrs, "user_id", e.rec.UserID)
	}
	if e.rec.Args != nil {
		attrs = append(attrs, l.argAttrs(e.rec.Args)...)
	}

	if e.phase == "tool_started" {
		l.slogger.Info("audit", attrs...)
		return
	}

	attrs = append(attrs, "status", e.rec.Status, "duration_ms", e.rec.Duration.Milliseconds())
	if e.rec.GateDecision != "" {
		attrs = append(attrs, "gate_decision", e.rec.GateDecision)
	}
	if e.rec.Error != "" {
		attrs = append(attrs, "error", e.rec.Error)
		l.slogger.Warn("audit", attrs...)
		return
	}
	l.slogger.Info("audit", attrs...)
}

func (l *Logger) argAttrs(args map[string]any) []any {
	raw, err := json.Marshal(args)
	if err != nil {
		return []any{"args_error", err.Error()}
	}
	if !l.config.IncludeToolInput {
		return []any{"args_hash", hashPayload(raw)}
	}
	s := string(raw)
	if len(s) > l.config.MaxFieldSize {
		s = s[:l.config.MaxFieldSize] + "...(truncated)"
	}
	return []any{"args", s}
}

// hashPayload returns the first 16 hex chars of the SHA-256 digest.
func hashPayload(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])[:16]
}
