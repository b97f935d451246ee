// Package sessions persists conversation sessions and their
// transcripts. Sessions map a stable key to a rotating transcript id;
// transcripts are append-only JSONL files, one per session id.
package sessions

import (
	"context"
	"fmt"

	"github.com/owliabot/owliabot/pkg/models"
)

// Store is the interface for session persistence.
type Store interface {
	// GetOrCreate returns the session for a key, creating it with a
	// fresh id if absent. It is idempotent on the key.
	GetOrCreate(ctx context.Context, key string, meta SessionMeta) (*models.Session, error)

	// Get returns the session for a key, or nil when absent.
	Get(ctx context.Context, key string) (*models.Session, error)

	// Rotate issues a new session id under the same key.
	Rotate(ctx context.Context, key string) (*models.Session, error)

	// Touch bumps the session's updated timestamp.
	Touch(ctx context.Context, key string) error

	// SetModelOverride pins or clears (empty ref) a model for the session.
	SetModelOverride(ctx context.Context, key string, ref string) error

	// SetProviderSessionID records a CLI backend's native session id.
	SetProviderSessionID(ctx context.Context, key string, id string) error

	Close() error
}

// SessionMeta carries creation-time attributes.
type SessionMeta struct {
	AgentID        string
	Channel        models.ChannelType
	ConversationID string
	DisplayName    string
}

// SessionKey builds the stable lookup key for a conversation.
func SessionKey(agentID string, channel models.ChannelType, conversationID string) string {
	return fmt.Sprintf("agent:%s:%s:conv:%s", agentID, channel, conversationID)
}
