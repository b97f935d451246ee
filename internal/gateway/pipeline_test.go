package gateway

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/owliabot/owliabot/internal/agent"
	"github.com/owliabot/owliabot/internal/agent/providers"
	"github.com/owliabot/owliabot/internal/config"
	"github.com/owliabot/owliabot/internal/infra"
	"github.com/owliabot/owliabot/internal/sessions"
	"github.com/owliabot/owliabot/pkg/models"
)

type scriptedProvider struct {
	mu       sync.Mutex
	script   []func(*providers.Request) (*providers.Response, error)
	requests []*providers.Request
}

func (p *scriptedProvider) ID() string          { return "test" }
func (p *scriptedProvider) Model() string       { return "test-model" }
func (p *scriptedProvider) SupportsTools() bool { return true }

func (p *scriptedProvider) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.script) == 0 {
		return &providers.Response{Content: "default reply", StopReason: providers.StopOK}, nil
	}
	next := p.script[0]
	p.script = p.script[1:]
	return next(req)
}

func respondWith(text string) func(*providers.Request) (*providers.Response, error) {
	return func(req *providers.Request) (*providers.Response, error) {
		return &providers.Response{Content: text, StopReason: providers.StopOK}, nil
	}
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []models.OutboundMessage
	typing []bool
}

func (s *fakeSender) SendMessage(ctx context.Context, msg models.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSender) SetTyping(ctx context.Context, conversationID string, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing = append(s.typing, on)
	return nil
}

func (s *fakeSender) messages() []models.OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.OutboundMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

type testEnv struct {
	gateway  *Gateway
	sender   *fakeSender
	provider *scriptedProvider
	sessions sessions.Store
	infra    *infra.Store
}

func newTestEnv(t *testing.T, cfg *config.Config, script []func(*providers.Request) (*providers.Response, error)) *testEnv {
	t.Helper()
	dir := t.TempDir()

	if cfg == nil {
		cfg = &config.Config{}
	}
	if cfg.Agent.ID == "" {
		cfg.Agent.ID = "owlia"
	}
	if cfg.Session.HistoryMaxTurns == 0 {
		cfg.Session.HistoryMaxTurns = 20
	}

	sessionStore, err := sessions.NewSQLiteStore(filepath.Join(dir, "sessions.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sessionStore.Close() })

	transcripts, err := sessions.NewTranscriptStore(filepath.Join(dir, "transcripts"))
	if err != nil {
		t.Fatal(err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(dir, "infra.db"))
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	infraStore, err := infra.NewStoreWithDB(db)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { infraStore.Close() })

	provider := &scriptedProvider{script: script}
	runner := agent.NewRunner([]agent.RunnerEntry{{Provider: provider, Priority: 1}}, nil, nil, nil)
	registry := agent.NewRegistry()
	executor := agent.NewExecutor(agent.ExecutorConfig{}, agent.ExecutorDeps{Registry: registry})

	activation, err := NewActivation(cfg.Channels)
	if err != nil {
		t.Fatal(err)
	}

	sender := &fakeSender{}
	gw, err := New(Deps{
		Config:      cfg,
		Activation:  activation,
		Sessions:    sessionStore,
		Transcripts: transcripts,
		Infra:       infraStore,
		Runner:      runner,
		Executor:    executor,
		Tools:       registry,
		Senders: map[models.ChannelType]Sender{
			models.ChannelTelegram: sender,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{gateway: gw, sender: sender, provider: provider, sessions: sessionStore, infra: infraStore}
}

func inbound(id, text string) *models.InboundMessage {
	return &models.InboundMessage{
		Channel:        models.ChannelTelegram,
		MessageID:      id,
		ConversationID: "main:main",
		FromUserID:     "u1",
		FromUserName:   "alice",
		IsDirect:       true,
		Text:           text,
	}
}

func TestHandleInboundRepliesViaAgent(t *testing.T) {
	env := newTestEnv(t, nil, []func(*providers.Request) (*providers.Response, error){
		respondWith("hello alice"),
	})

	if err := env.gateway.HandleInbound(context.Background(), inbound("m1", "hi")); err != nil {
		t.Fatal(err)
	}

	sent := env.sender.messages()
	if len(sent) != 1 {
		t.Fatalf("sent = %d messages", len(sent))
	}
	if sent[0].Text != "hello alice" {
		t.Errorf("reply = %q", sent[0].Text)
	}
	if sent[0].ReplyToID != "m1" {
		t.Errorf("reply_to = %q", sent[0].ReplyToID)
	}
}

func TestHandleInboundDropsDuplicates(t *testing.T) {
	env := newTestEnv(t, nil, []func(*providers.Request) (*providers.Response, error){
		respondWith("once"),
		respondWith("twice"),
	})
	ctx := context.Background()

	msg := inbound("m1", "hi")
	if err := env.gateway.HandleInbound(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if err := env.gateway.HandleInbound(ctx, msg); err != nil {
		t.Fatal(err)
	}

	if got := len(env.sender.messages()); got != 1 {
		t.Errorf("sent = %d messages, want 1 (duplicate dropped)", got)
	}
	if got := len(env.provider.requests); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}
}

func TestHandleInboundRateLimit(t *testing.T) {
	cfg := &config.Config{}
	cfg.RateLimit.Window = time.Minute
	cfg.RateLimit.Max = 1
	env := newTestEnv(t, cfg, []func(*providers.Request) (*providers.Response, error){
		respondWith("first"),
	})
	ctx := context.Background()

	if err := env.gateway.HandleInbound(ctx, inbound("m1", "one")); err != nil {
		t.Fatal(err)
	}
	if err := env.gateway.HandleInbound(ctx, inbound("m2", "two")); err != nil {
		t.Fatal(err)
	}

	sent := env.sender.messages()
	if len(sent) != 2 {
		t.Fatalf("sent = %d messages", len(sent))
	}
	if !strings.Contains(sent[1].Text, "Retry in") {
		t.Errorf("second reply = %q, want a rate limit notice", sent[1].Text)
	}
	if got := len(env.provider.requests); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}
}

func TestHandleInboundProviderFailureReply(t *testing.T) {
	env := newTestEnv(t, nil, []func(*providers.Request) (*providers.Response, error){
		func(req *providers.Request) (*providers.Response, error) {
			return nil, errors.New("upstream exploded")
		},
	})

	if err := env.gateway.HandleInbound(context.Background(), inbound("m1", "hi")); err != nil {
		t.Fatal(err)
	}

	sent := env.sender.messages()
	if len(sent) != 1 {
		t.Fatalf("sent = %d messages", len(sent))
	}
	if !strings.HasPrefix(sent[0].Text, agent.ErrorSentinel) {
		t.Errorf("reply = %q, want sentinel prefix", sent[0].Text)
	}
	if !strings.Contains(sent[0].Text, "处理失败") {
		t.Errorf("reply = %q, want the failure phrase", sent[0].Text)
	}
	if !strings.Contains(sent[0].Text, "upstream exploded") {
		t.Errorf("reply = %q, want the provider error detail", sent[0].Text)
	}
}

func TestHandleInboundCommandShortCircuits(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	if err := env.gateway.HandleInbound(context.Background(), inbound("m1", "/help")); err != nil {
		t.Fatal(err)
	}

	sent := env.sender.messages()
	if len(sent) != 1 {
		t.Fatalf("sent = %d messages", len(sent))
	}
	if !strings.Contains(sent[0].Text, "/new") {
		t.Errorf("help reply = %q", sent[0].Text)
	}
	if len(env.provider.requests) != 0 {
		t.Error("commands must not reach the model")
	}
}

func TestHandleInboundActivationDrop(t *testing.T) {
	cfg := &config.Config{}
	cfg.Channels.Telegram.AllowFrom = []string{"somebody-else"}
	env := newTestEnv(t, cfg, nil)

	if err := env.gateway.HandleInbound(context.Background(), inbound("m1", "hi")); err != nil {
		t.Fatal(err)
	}
	if len(env.sender.messages()) != 0 {
		t.Error("dropped message must not be answered")
	}
	if len(env.provider.requests) != 0 {
		t.Error("dropped message must not reach the model")
	}
}

func TestHandleInboundPersistsTranscript(t *testing.T) {
	env := newTestEnv(t, nil, []func(*providers.Request) (*providers.Response, error){
		respondWith("reply one"),
		respondWith("reply two"),
	})
	ctx := context.Background()

	if err := env.gateway.HandleInbound(ctx, inbound("m1", "first question")); err != nil {
		t.Fatal(err)
	}
	if err := env.gateway.HandleInbound(ctx, inbound("m2", "second question")); err != nil {
		t.Fatal(err)
	}

	// Second model call must replay the first exchange.
	second := env.provider.requests[1]
	var sawFirstQ, sawFirstA bool
	for _, msg := range second.Messages {
		if msg.Content == "first question" {
			sawFirstQ = true
		}
		if msg.Content == "reply one" {
			sawFirstA = true
		}
	}
	if !sawFirstQ || !sawFirstA {
		t.Errorf("history not replayed: question=%v answer=%v", sawFirstQ, sawFirstA)
	}
}

func TestCommandNewRotatesSession(t *testing.T) {
	env := newTestEnv(t, nil, []func(*providers.Request) (*providers.Response, error){
		respondWith("hello"),
	})
	ctx := context.Background()

	if err := env.gateway.HandleInbound(ctx, inbound("m1", "hi")); err != nil {
		t.Fatal(err)
	}
	key := sessions.SessionKey("owlia", models.ChannelTelegram, "main:main")
	before, err := env.sessions.Get(ctx, key)
	if err != nil || before == nil {
		t.Fatalf("session missing: %v", err)
	}

	if err := env.gateway.HandleInbound(ctx, inbound("m2", "/new")); err != nil {
		t.Fatal(err)
	}
	after, err := env.sessions.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if after.ID == before.ID {
		t.Error("/new must rotate the session id")
	}

	sent := env.sender.messages()
	last := sent[len(sent)-1]
	if !strings.Contains(last.Text, "fresh conversation") {
		t.Errorf("reply = %q", last.Text)
	}
}

func TestCommandModelPinsAndClears(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	if err := env.gateway.HandleInbound(ctx, inbound("m1", "/model anthropic/claude-sonnet")); err != nil {
		t.Fatal(err)
	}
	key := sessions.SessionKey("owlia", models.ChannelTelegram, "main:main")
	session, err := env.sessions.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if session.ModelOverride != "anthropic/claude-sonnet" {
		t.Errorf("override = %q", session.ModelOverride)
	}

	if err := env.gateway.HandleInbound(ctx, inbound("m2", "/model clear")); err != nil {
		t.Fatal(err)
	}
	session, _ = env.sessions.Get(ctx, key)
	if session.ModelOverride != "" {
		t.Errorf("override after clear = %q", session.ModelOverride)
	}
}

func TestTypingToggledAroundProcessing(t *testing.T) {
	env := newTestEnv(t, nil, []func(*providers.Request) (*providers.Response, error){
		respondWith("hello"),
	})

	if err := env.gateway.HandleInbound(context.Background(), inbound("m1", "hi")); err != nil {
		t.Fatal(err)
	}

	env.sender.mu.Lock()
	typing := append([]bool(nil), env.sender.typing...)
	env.sender.mu.Unlock()
	if len(typing) != 2 || !typing[0] || typing[1] {
		t.Errorf("typing sequence = %v, want [true false]", typing)
	}
}
