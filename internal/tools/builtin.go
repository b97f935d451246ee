// Package tools provides the builtin tool set registered on every
// agent: introspection helpers that need no external services.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/owliabot/owliabot/internal/agent"
	"github.com/owliabot/owliabot/internal/sessions"
)

// Deps carries the stores the builtin tools read from.
type Deps struct {
	Sessions    sessions.Store
	Transcripts *sessions.TranscriptStore
}

// Register adds the builtin tools to the registry.
func Register(registry *agent.Registry, deps Deps) error {
	defs := []*agent.ToolDefinition{
		currentTimeTool(),
		sessionStatusTool(deps),
	}
	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			return fmt.Errorf("register builtin %s: %w", def.Name, err)
		}
	}
	return nil
}

type currentTimeArgs struct {
	// Timezone is an IANA zone name like "Europe/Berlin". Defaults to UTC.
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name; defaults to UTC"`
}

func currentTimeTool() *agent.ToolDefinition {
	return &agent.ToolDefinition{
		Name:        "current_time",
		Description: "Get the current date and time, optionally in a specific timezone.",
		Parameters:  mustSchema(&currentTimeArgs{}),
		Security:    agent.ToolSecurity{Level: agent.SecurityRead},
		Execute: func(ctx context.Context, args map[string]any, tcx *agent.ToolContext) (any, error) {
			loc := time.UTC
			if tz, _ := args["timezone"].(string); tz != "" {
				parsed, err := time.LoadLocation(tz)
				if err != nil {
					return nil, fmt.Errorf("unknown timezone %q", tz)
				}
				loc = parsed
			}
			now := time.Now().In(loc)
			return map[string]any{
				"iso":      now.Format(time.RFC3339),
				"unix_ms":  now.UnixMilli(),
				"timezone": loc.String(),
				"weekday":  now.Weekday().String(),
			}, nil
		},
	}
}

type sessionStatusArgs struct{}

func sessionStatusTool(deps Deps) *agent.ToolDefinition {
	return &agent.ToolDefinition{
		Name:        "session_status",
		Description: "Inspect the current conversation session: identifiers, age, and message count.",
		Parameters:  mustSchema(&sessionStatusArgs{}),
		Security:    agent.ToolSecurity{Level: agent.SecurityRead},
		Execute: func(ctx context.Context, args map[string]any, tcx *agent.ToolContext) (any, error) {
			status := map[string]any{
				"session_key":     tcx.SessionKey,
				"channel":         tcx.Channel,
				"conversation_id": tcx.ConversationID,
			}
			if deps.Sessions != nil && tcx.SessionKey != "" {
				session, err := deps.Sessions.Get(ctx, tcx.SessionKey)
				if err != nil {
					return nil, fmt.Errorf("session lookup: %w", err)
				}
				if session != nil {
					status["session_id"] = session.ID
					status["created_at"] = session.CreatedAt.Format(time.RFC3339)
					if session.ModelOverride != "" {
						status["model_override"] = session.ModelOverride
					}
					if deps.Transcripts != nil {
						count, err := deps.Transcripts.CountUserMessages(session.ID)
						if err == nil {
							status["user_messages"] = count
						}
					}
				}
			}
			return status, nil
		},
	}
}

// mustSchema reflects a parameter struct into an inline JSON schema.
// Builtin argument shapes are static, so reflection failures are
// programmer errors.
func mustSchema(v any) json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(v)
	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("reflect tool schema: %v", err))
	}
	return raw
}
