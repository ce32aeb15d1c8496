package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestTimeTool(t *testing.T) {
	fixed := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	tool := &TimeTool{Now: func() time.Time { return fixed }}

	t.Run("defaults to UTC", func(t *testing.T) {
		got, err := tool.Execute(context.Background(), Invocation{})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if got.Content != "2026-03-14T09:26:53Z" {
			t.Errorf("content = %q", got.Content)
		}
	})

	t.Run("rejects unknown timezone", func(t *testing.T) {
		_, err := tool.Execute(context.Background(), Invocation{Params: json.RawMessage(`{"timezone":"Nowhere/City"}`)})
		if err == nil {
			t.Error("expected error for unknown timezone")
		}
	})
}

func TestSendMessageTool(t *testing.T) {
	t.Run("delivers text through the sink", func(t *testing.T) {
		var sent string
		tool := &SendMessageTool{Sink: func(ctx context.Context, text string) error {
			sent = text
			return nil
		}}
		got, err := tool.Execute(context.Background(), Invocation{Params: json.RawMessage(`{"text":"hello"}`)})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if sent != "hello" || got.Content != "hello" {
			t.Errorf("sent %q, content %q", sent, got.Content)
		}
	})

	t.Run("empty text is rejected", func(t *testing.T) {
		tool := &SendMessageTool{}
		if _, err := tool.Execute(context.Background(), Invocation{Params: json.RawMessage(`{"text":"  "}`)}); err == nil {
			t.Error("expected error for empty text")
		}
	})
}
