package models

import (
	"encoding/json"
	"time"
)

// ModelEventType tags events produced by a model provider during a turn.
type ModelEventType string

const (
	ModelMessageStart ModelEventType = "message_start"
	ModelTextStart    ModelEventType = "text_start"
	ModelTextDelta    ModelEventType = "text_delta"
	ModelTextEnd      ModelEventType = "text_end"
	ModelMessageEnd   ModelEventType = "message_end"
	ModelToolStart    ModelEventType = "tool_execution_start"
	ModelToolUpdate   ModelEventType = "tool_execution_update"
	ModelToolEnd      ModelEventType = "tool_execution_end"
	ModelError        ModelEventType = "error"
)

// ModelEvent is one provider-driven event consumed by the turn subscriber.
type ModelEvent struct {
	Type      ModelEventType `json:"type"`
	MessageID string         `json:"message_id,omitempty"`
	Delta     string         `json:"delta,omitempty"`

	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolArgs   json.RawMessage `json:"tool_args,omitempty"`
	OK         bool            `json:"ok,omitempty"`
	Result     string          `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`

	Usage     *TokenUsage `json:"usage,omitempty"`
	Timestamp time.Time   `json:"timestamp,omitzero"`
}

// TokenUsage reports provider token accounting for a turn.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AgentEventType tags typed events fanned out to subscribers.
type AgentEventType string

const (
	AgentTurnStarted   AgentEventType = "turn.started"
	AgentBlockReply    AgentEventType = "block.reply"
	AgentMessageEnd    AgentEventType = "assistant.message_end"
	AgentToolStart     AgentEventType = "tool.start"
	AgentToolUpdate    AgentEventType = "tool.update"
	AgentToolEnd       AgentEventType = "tool.end"
	AgentTurnCompleted AgentEventType = "turn.completed"
	AgentTurnError     AgentEventType = "turn.error"
)

// AgentEvent is the typed event emitted by the per-turn subscriber and fanned
// out to connected clients. Sequence is monotone per turn.
type AgentEvent struct {
	Type       AgentEventType `json:"type"`
	Sequence   uint64         `json:"sequence"`
	RunID      string         `json:"run_id,omitempty"`
	SessionKey string         `json:"session_key,omitempty"`
	Time       time.Time      `json:"time,omitzero"`

	Text string `json:"text,omitempty"`

	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolArgs   json.RawMessage `json:"tool_args,omitempty"`
	OK         bool            `json:"ok,omitempty"`
	Result     string          `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Terminal reports whether the event ends the turn.
func (e AgentEvent) Terminal() bool {
	return e.Type == AgentTurnCompleted || e.Type == AgentTurnError
}
