package models

import "time"

// Session is one conversation thread bound to a session key. Rotation
// issues a fresh ID under the same key, abandoning the old transcript.
type Session struct {
	// ID is the current transcript identifier.
	ID string `json:"id"`

	// Key is the stable lookup key, agent:<agentId>:<channel>:conv:<conversationId>.
	Key string `json:"key"`

	AgentID        string      `json:"agent_id"`
	Channel        ChannelType `json:"channel"`
	ConversationID string      `json:"conversation_id"`

	// DisplayName is the human-facing name of the peer or group.
	DisplayName string `json:"display_name,omitempty"`

	// ModelOverride pins a provider/model for this session when set
	// via /model.
	ModelOverride string `json:"model_override,omitempty"`

	// ProviderSessionID carries a CLI backend's native session id for
	// resume support.
	ProviderSessionID string `json:"provider_session_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
