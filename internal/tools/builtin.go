package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/sessions"
)

// TimeTool reports the current time. The clock is injectable for tests.
type TimeTool struct {
	Now func() time.Time
}

func (t *TimeTool) Name() string        { return "time" }
func (t *TimeTool) Description() string { return "Returns the current date and time" }

func (t *TimeTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"timezone": {"type": "string", "description": "IANA timezone name, defaults to UTC"}
		}
	}`)
}

func (t *TimeTool) Execute(ctx context.Context, inv Invocation) (*Result, error) {
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	var input struct {
		Timezone string `json:"timezone"`
	}
	if len(inv.Params) > 0 {
		_ = json.Unmarshal(inv.Params, &input) //nolint:errcheck
	}
	loc := time.UTC
	if tz := strings.TrimSpace(input.Timezone); tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", tz)
		}
		loc = parsed
	}
	stamp := now().In(loc).Format(time.RFC3339)
	return &Result{
		Content: stamp,
		Details: map[string]any{"timezone": loc.String()},
	}, nil
}

// SessionStatusTool reports metadata for the calling session.
type SessionStatusTool struct {
	Store *sessions.Store
}

func (t *SessionStatusTool) Name() string { return "session_status" }
func (t *SessionStatusTool) Description() string {
	return "Returns metadata about a session: agent, channel, message count, last activity"
}

func (t *SessionStatusTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"session_key": {"type": "string", "description": "Session to inspect"}
		},
		"required": ["session_key"]
	}`)
}

func (t *SessionStatusTool) Execute(ctx context.Context, inv Invocation) (*Result, error) {
	var input struct {
		SessionKey string `json:"session_key"`
	}
	if err := json.Unmarshal(inv.Params, &input); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	session, ok := t.Store.Get(input.SessionKey)
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	history, err := t.Store.History(input.SessionKey, 0)
	if err != nil {
		return nil, err
	}
	return &Result{
		Content: fmt.Sprintf("session %s: agent=%s channel=%s messages=%d",
			session.SessionKey, session.AgentID, session.Channel, len(history)),
		Details: map[string]any{
			"session_id":       session.SessionID,
			"agent_id":         session.AgentID,
			"channel":          string(session.Channel),
			"message_count":    len(history),
			"last_activity_at": session.LastActivityAt.UTC().Format(time.RFC3339),
		},
	}, nil
}

// MessageSink delivers outbound text produced by the send_message tool.
type MessageSink func(ctx context.Context, text string) error

// SendMessageTool sends a message to the session's client. It belongs to
// the messaging-tool set: its successful text results count as assistant
// output in the event subscriber.
type SendMessageTool struct {
	Sink MessageSink
}

func (t *SendMessageTool) Name() string        { return "send_message" }
func (t *SendMessageTool) Description() string { return "Sends a message to the current conversation" }

func (t *SendMessageTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"text": {"type": "string", "description": "Message text to send"}
		},
		"required": ["text"]
	}`)
}

func (t *SendMessageTool) Execute(ctx context.Context, inv Invocation) (*Result, error) {
	var input struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(inv.Params, &input); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return nil, errors.New("text is required")
	}
	if t.Sink != nil {
		if err := t.Sink(ctx, text); err != nil {
			return nil, fmt.Errorf("send failed: %w", err)
		}
	}
	return &Result{Content: text}, nil
}
