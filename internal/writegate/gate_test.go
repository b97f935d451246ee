package writegate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/owliabot/owliabot/internal/agent"
	"github.com/owliabot/owliabot/pkg/models"
)

type captureSender struct {
	mu   sync.Mutex
	sent []models.OutboundMessage
}

func (s *captureSender) SendMessage(ctx context.Context, channel models.ChannelType, msg models.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *captureSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func confirmReq() agent.ConfirmationRequest {
	return agent.ConfirmationRequest{
		ToolName:       "send_payment",
		Summary:        "send 5 sats to alice",
		Channel:        "telegram",
		ConversationID: "conv-1",
		UserID:         "u1",
	}
}

func reply(text string) *models.InboundMessage {
	return &models.InboundMessage{
		Channel:        models.ChannelTelegram,
		ConversationID: "conv-1",
		FromUserID:     "u1",
		Text:           text,
	}
}

func TestGateDisabledAllows(t *testing.T) {
	gate := NewGate(Config{Enabled: false}, &captureSender{}, NewReplyRouter(), nil)

	decision, err := gate.RequestConfirmation(context.Background(), confirmReq())
	if err != nil {
		t.Fatal(err)
	}
	if !decision.Approved || decision.Reason != "confirmation_disabled_allow" {
		t.Errorf("decision = %+v", decision)
	}
}

func TestGateAllowlistAutoDeny(t *testing.T) {
	gate := NewGate(Config{Enabled: true, Approvers: []string{"admin"}}, &captureSender{}, NewReplyRouter(), nil)

	decision, err := gate.RequestConfirmation(context.Background(), confirmReq())
	if err != nil {
		t.Fatal(err)
	}
	if decision.Approved || decision.Reason != "not_in_allowlist" {
		t.Errorf("decision = %+v", decision)
	}
}

func TestGateApproveAndReject(t *testing.T) {
	tests := []struct {
		reply    string
		approved bool
	}{
		{"yes", true},
		{"YES", true},
		{"  ok ", true},
		{"approve", true},
		{"no", false},
		{"Cancel", false},
		{"reject", false},
	}
	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			router := NewReplyRouter()
			sender := &captureSender{}
			gate := NewGate(Config{Enabled: true, Timeout: 2 * time.Second}, sender, router, nil)

			done := make(chan agent.ConfirmationDecision, 1)
			go func() {
				decision, _ := gate.RequestConfirmation(context.Background(), confirmReq())
				done <- decision
			}()

			// Wait for the prompt before answering.
			deadline := time.Now().Add(time.Second)
			for sender.count() == 0 && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
			if !router.Offer(reply(tt.reply)) {
				t.Fatal("reply should be consumed by the waiter")
			}

			decision := <-done
			if decision.Approved != tt.approved {
				t.Errorf("approved = %v, want %v", decision.Approved, tt.approved)
			}
		})
	}
}

func TestGateTimeout(t *testing.T) {
	gate := NewGate(Config{Enabled: true, Timeout: 30 * time.Millisecond}, &captureSender{}, NewReplyRouter(), nil)

	decision, err := gate.RequestConfirmation(context.Background(), confirmReq())
	if err != nil {
		t.Fatal(err)
	}
	if decision.Approved || decision.Reason != "timeout" {
		t.Errorf("decision = %+v", decision)
	}
}

func TestRouterIgnoresNonDecisions(t *testing.T) {
	router := NewReplyRouter()
	router.register(waiterKey{Channel: "telegram", ConversationID: "conv-1", UserID: "u1"})

	if router.Offer(reply("what is my balance?")) {
		t.Error("ordinary messages must pass through to the pipeline")
	}
	if !router.Offer(reply("yes")) {
		t.Error("decision word with a waiter should be consumed")
	}
}

func TestRouterNoWaiterPassesThrough(t *testing.T) {
	router := NewReplyRouter()
	if router.Offer(reply("yes")) {
		t.Error("decision word without a waiter must not be consumed")
	}
}

func TestRouterMatchesExactUserAndConversation(t *testing.T) {
	router := NewReplyRouter()
	router.register(waiterKey{Channel: "telegram", ConversationID: "conv-1", UserID: "u1"})

	other := reply("yes")
	other.FromUserID = "u2"
	if router.Offer(other) {
		t.Error("reply from a different user must not resolve the waiter")
	}
	if router.Pending() != 1 {
		t.Errorf("pending = %d, want 1", router.Pending())
	}
}
