package agent

import (
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// BlockReplyMode decides when accumulated text is flushed as block replies.
type BlockReplyMode string

const (
	// BlockOnTextEnd flushes on every text_end.
	BlockOnTextEnd BlockReplyMode = "text_end"
	// BlockOnMessageEnd flushes once at message_end.
	BlockOnMessageEnd BlockReplyMode = "message_end"
)

var blockReplyTag = regexp.MustCompile(`(?s)</?block_reply>`)

// toolMeta tracks one in-flight tool execution.
type toolMeta struct {
	Name      string
	StartedAt time.Time
	Args      []byte
}

// Subscriber folds a turn's provider events into assistant output and typed
// agent events. All state is local to the turn; one goroutine drives it.
type Subscriber struct {
	mode           BlockReplyMode
	messagingTools map[string]struct{}
	emit           func(models.AgentEvent)
	logger         *slog.Logger

	currentMessageID  string
	deltaBuffer       strings.Builder
	pendingBlocks     []string
	assistantTexts    []string
	toolMetas         map[string]toolMeta
	toolCalls         []models.ToolCall
	messagingToolSent map[string]bool
	lastToolError     string
	usage             *models.TokenUsage
}

// NewSubscriber creates the per-turn subscriber. emit receives the typed
// events in the order the provider events arrived.
func NewSubscriber(mode BlockReplyMode, messagingTools []string, emit func(models.AgentEvent), logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	set := make(map[string]struct{}, len(messagingTools))
	for _, name := range messagingTools {
		set[strings.TrimSpace(name)] = struct{}{}
	}
	return &Subscriber{
		mode:              mode,
		messagingTools:    set,
		emit:              emit,
		logger:            logger,
		toolMetas:         make(map[string]toolMeta),
		messagingToolSent: make(map[string]bool),
	}
}

// Handle consumes one provider event.
func (s *Subscriber) Handle(event models.ModelEvent) {
	switch event.Type {
	case models.ModelMessageStart:
		s.currentMessageID = event.MessageID
		s.deltaBuffer.Reset()

	case models.ModelTextStart:
		s.deltaBuffer.Reset()

	case models.ModelTextDelta:
		s.deltaBuffer.WriteString(event.Delta)
		if s.mode == BlockOnTextEnd {
			s.emitEvent(models.AgentEvent{Type: models.AgentBlockReply, Text: sanitizeBlockTags(event.Delta)})
		}

	case models.ModelTextEnd:
		s.flushDelta()
		if s.mode == BlockOnTextEnd {
			s.flushBlocks()
		}

	case models.ModelMessageEnd:
		s.flushDelta()
		if s.mode == BlockOnMessageEnd {
			s.flushBlocks()
		}
		if event.Usage != nil {
			s.usage = event.Usage
		}
		s.emitEvent(models.AgentEvent{Type: models.AgentMessageEnd, Text: s.AssistantText()})

	case models.ModelToolStart:
		s.flushBlocks()
		s.toolMetas[event.ToolCallID] = toolMeta{
			Name:      event.ToolName,
			StartedAt: event.Timestamp,
			Args:      event.ToolArgs,
		}
		s.toolCalls = append(s.toolCalls, models.ToolCall{
			ID:    event.ToolCallID,
			Name:  event.ToolName,
			Input: event.ToolArgs,
		})
		s.emitEvent(models.AgentEvent{
			Type:       models.AgentToolStart,
			ToolCallID: event.ToolCallID,
			ToolName:   event.ToolName,
			ToolArgs:   event.ToolArgs,
		})

	case models.ModelToolUpdate:
		s.emitEvent(models.AgentEvent{
			Type:       models.AgentToolUpdate,
			ToolCallID: event.ToolCallID,
			ToolName:   event.ToolName,
			Result:     event.Result,
		})

	case models.ModelToolEnd:
		if _, known := s.toolMetas[event.ToolCallID]; !known {
			// Anomalous but tolerated: log and keep state untouched.
			s.logger.Warn("tool_execution_end without start", "tool_call_id", event.ToolCallID, "tool", event.ToolName)
			return
		}
		delete(s.toolMetas, event.ToolCallID)
		if event.OK {
			s.lastToolError = ""
			if _, messaging := s.messagingTools[event.ToolName]; messaging && strings.TrimSpace(event.Result) != "" {
				s.messagingToolSent[event.ToolCallID] = true
				s.assistantTexts = append(s.assistantTexts, event.Result)
			}
		} else {
			s.lastToolError = event.Error
		}
		s.emitEvent(models.AgentEvent{
			Type:       models.AgentToolEnd,
			ToolCallID: event.ToolCallID,
			ToolName:   event.ToolName,
			OK:         event.OK,
			Result:     event.Result,
			Error:      event.Error,
		})

	case models.ModelError:
		s.lastToolError = event.Error
		s.emitEvent(models.AgentEvent{Type: models.AgentTurnError, Error: event.Error})
	}
}

// AssistantText joins the turn's accumulated assistant output.
func (s *Subscriber) AssistantText() string {
	return strings.Join(s.assistantTexts, "\n")
}

// ToolCalls returns the tool calls observed this turn, in order.
func (s *Subscriber) ToolCalls() []models.ToolCall {
	return s.toolCalls
}

// MessagingToolSent reports whether a messaging tool already delivered text
// for the given call.
func (s *Subscriber) MessagingToolSent(toolCallID string) bool {
	return s.messagingToolSent[toolCallID]
}

// LastToolError returns the most recent tool failure, empty after a success.
func (s *Subscriber) LastToolError() string {
	return s.lastToolError
}

// Usage returns the provider's token accounting, when reported.
func (s *Subscriber) Usage() *models.TokenUsage {
	return s.usage
}

// PendingTools reports tool executions that started but have not ended.
func (s *Subscriber) PendingTools() int {
	return len(s.toolMetas)
}

func (s *Subscriber) flushDelta() {
	if s.deltaBuffer.Len() == 0 {
		return
	}
	text := s.deltaBuffer.String()
	s.deltaBuffer.Reset()
	s.assistantTexts = append(s.assistantTexts, text)
	s.pendingBlocks = append(s.pendingBlocks, text)
}

func (s *Subscriber) flushBlocks() {
	if s.mode != BlockOnMessageEnd {
		s.pendingBlocks = nil
		return
	}
	for _, block := range s.pendingBlocks {
		s.emitEvent(models.AgentEvent{Type: models.AgentBlockReply, Text: sanitizeBlockTags(block)})
	}
	s.pendingBlocks = nil
}

func (s *Subscriber) emitEvent(event models.AgentEvent) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	if s.emit != nil {
		s.emit(event)
	}
}

// sanitizeBlockTags strips explicit <block_reply> markers before emission.
func sanitizeBlockTags(text string) string {
	return blockReplyTag.ReplaceAllString(text, "")
}
