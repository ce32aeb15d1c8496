package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/config"
)

func TestRegistryForAgent(t *testing.T) {
	cfg := config.ProvidersConfig{
		Default: "anthropic-main",
		Agents: map[string]config.AgentProvider{
			"coder": {Provider: "openai-main", Model: "gpt-4o-mini"},
		},
		Entries: map[string]config.ProviderEntry{
			"anthropic-main": {Kind: "anthropic", Model: "claude-sonnet-4-20250514"},
			"openai-main":    {Kind: "openai", Model: "gpt-4o"},
		},
	}
	registry, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	t.Run("agent override", func(t *testing.T) {
		sel, err := registry.ForAgent("coder")
		if err != nil {
			t.Fatalf("ForAgent: %v", err)
		}
		if sel.Provider.Name() != "openai" || sel.Model != "gpt-4o-mini" {
			t.Errorf("got (%s, %s), want (openai, gpt-4o-mini)", sel.Provider.Name(), sel.Model)
		}
	})

	t.Run("default entry and model", func(t *testing.T) {
		sel, err := registry.ForAgent("main")
		if err != nil {
			t.Fatalf("ForAgent: %v", err)
		}
		if sel.Provider.Name() != "anthropic" || sel.Model != "claude-sonnet-4-20250514" {
			t.Errorf("got (%s, %s), want (anthropic, claude-sonnet-4-20250514)", sel.Provider.Name(), sel.Model)
		}
	})
}

func TestRegistryUnknownKind(t *testing.T) {
	_, err := NewRegistry(config.ProvidersConfig{
		Entries: map[string]config.ProviderEntry{"bad": {Kind: "cohere"}},
	})
	if err == nil {
		t.Error("expected error for unknown provider kind")
	}
}

func TestRegistryMissingDefault(t *testing.T) {
	registry, err := NewRegistry(config.ProvidersConfig{Default: "ghost"})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, err := registry.ForAgent("main"); err == nil {
		t.Error("expected error for unresolvable agent")
	}
}

func TestBaseProviderRetry(t *testing.T) {
	retryable := errors.New("transient")

	t.Run("retries until success", func(t *testing.T) {
		base := NewBaseProvider("test", 3, time.Millisecond)
		calls := 0
		err := base.Retry(context.Background(), func(error) bool { return true }, func() error {
			calls++
			if calls < 3 {
				return retryable
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Retry: %v", err)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("non-retryable fails immediately", func(t *testing.T) {
		base := NewBaseProvider("test", 3, time.Millisecond)
		calls := 0
		err := base.Retry(context.Background(), func(error) bool { return false }, func() error {
			calls++
			return retryable
		})
		if !errors.Is(err, retryable) {
			t.Fatalf("err = %v, want transient", err)
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})

	t.Run("exhausts retries", func(t *testing.T) {
		base := NewBaseProvider("test", 2, time.Millisecond)
		calls := 0
		err := base.Retry(context.Background(), func(error) bool { return true }, func() error {
			calls++
			return retryable
		})
		if !errors.Is(err, retryable) {
			t.Fatalf("err = %v, want transient", err)
		}
		if calls != 2 {
			t.Errorf("calls = %d, want 2", calls)
		}
	})

	t.Run("cancelled context stops retrying", func(t *testing.T) {
		base := NewBaseProvider("test", 5, 50*time.Millisecond)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := base.Retry(ctx, func(error) bool { return true }, func() error { return retryable })
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	})
}
