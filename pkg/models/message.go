package models

import (
	"encoding/json"
	"time"
)

// ChannelType identifies the front-end a message arrived on.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	ChannelSlack    ChannelType = "slack"
	ChannelHTTP     ChannelType = "http"
	ChannelWebchat  ChannelType = "webchat"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem     Role = "system"
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "toolResult"
)

// PeerKind classifies the conversation scope on a channel.
type PeerKind string

const (
	PeerDM      PeerKind = "dm"
	PeerGroup   PeerKind = "group"
	PeerChannel PeerKind = "channel"
)

// Peer identifies the remote conversation partner.
type Peer struct {
	Kind PeerKind `json:"kind"`
	ID   string   `json:"id"`
}

// ToolCall represents a model's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Message is one entry of a session transcript. Role decides which optional
// fields are populated: ToolCalls for assistants, the ToolCallID group for
// tool results.
type Message struct {
	ID        string     `json:"id,omitempty"`
	Role      Role       `json:"role"`
	Content   string     `json:"content,omitempty"`
	Media     []string   `json:"media,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Tool result linkage. Every ToolCallID must reference a tool call
	// previously emitted by an assistant message in the same session.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	OK         bool   `json:"ok,omitempty"`

	Timestamp time.Time `json:"timestamp,omitzero"`
}

// NewUserMessage builds a user message with the current timestamp.
func NewUserMessage(content string) *Message {
	return &Message{Role: RoleUser, Content: content, Timestamp: time.Now()}
}

// NewAssistantMessage builds an assistant message.
func NewAssistantMessage(content string, calls []ToolCall) *Message {
	return &Message{Role: RoleAssistant, Content: content, ToolCalls: calls, Timestamp: time.Now()}
}

// NewToolResultMessage builds a tool result linked to a prior tool call.
func NewToolResultMessage(callID, toolName, content string, ok bool) *Message {
	return &Message{
		Role:       RoleToolResult,
		ToolCallID: callID,
		ToolName:   toolName,
		Content:    content,
		OK:         ok,
		Timestamp:  time.Now(),
	}
}

// Session is the authoritative per-conversation state. Messages are derived
// from the transcript on load and authoritative during a live turn; mutation
// happens only under the session write lock.
type Session struct {
	SessionKey     string      `json:"session_key"`
	SessionID      string      `json:"session_id"`
	AgentID        string      `json:"agent_id"`
	Channel        ChannelType `json:"channel"`
	AccountID      string      `json:"account_id,omitempty"`
	Peer           Peer        `json:"peer,omitzero"`
	TranscriptPath string      `json:"transcript_path,omitempty"`
	LockPath       string      `json:"lock_path,omitempty"`

	Messages       []*Message `json:"-"`
	LastActivityAt time.Time  `json:"last_activity_at,omitzero"`
	CreatedAt      time.Time  `json:"created_at,omitzero"`
}
