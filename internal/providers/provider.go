// Package providers implements model provider integrations for the relay
// gateway: streaming adapters for Anthropic and OpenAI plus the per-agent
// selection table.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/pkg/models"
)

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// CompletionRequest is one model call within a turn.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []*models.Message
	Tools     []ToolDef
	MaxTokens int
}

// Chunk is one unit of streamed model output. Exactly one of Text, ToolCall,
// Done, or Err is meaningful per chunk.
type Chunk struct {
	Text     string
	ToolCall *models.ToolCall

	Done         bool
	InputTokens  int
	OutputTokens int

	Err error
}

// Provider streams completions. Implementations are safe for concurrent use;
// each Complete call owns an independent stream and goroutine.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *Chunk, error)
}

// Selection is a resolved provider and model for one agent.
type Selection struct {
	Provider Provider
	Model    string
}

// Registry resolves agents to providers from configuration.
type Registry struct {
	entries      map[string]Provider
	models       map[string]string
	agents       map[string]config.AgentProvider
	defaultEntry string
}

// NewRegistry instantiates all configured provider entries. Unknown kinds
// are an error; missing API keys surface at call time, not here.
func NewRegistry(cfg config.ProvidersConfig) (*Registry, error) {
	r := &Registry{
		entries:      make(map[string]Provider),
		models:       make(map[string]string),
		agents:       cfg.Agents,
		defaultEntry: cfg.Default,
	}
	for name, entry := range cfg.Entries {
		provider, err := newProvider(name, entry)
		if err != nil {
			return nil, err
		}
		r.entries[name] = provider
		r.models[name] = entry.Model
	}
	return r, nil
}

// ForAgent resolves the provider and model for an agent, honoring per-agent
// overrides and falling back to the default entry.
func (r *Registry) ForAgent(agentID string) (Selection, error) {
	entryName := r.defaultEntry
	model := ""
	if agent, ok := r.agents[agentID]; ok {
		if agent.Provider != "" {
			entryName = agent.Provider
		}
		model = agent.Model
	}
	provider, ok := r.entries[entryName]
	if !ok {
		return Selection{}, fmt.Errorf("providers: no entry %q for agent %q", entryName, agentID)
	}
	if model == "" {
		model = r.models[entryName]
	}
	return Selection{Provider: provider, Model: model}, nil
}

// Get returns a provider entry by name.
func (r *Registry) Get(name string) (Provider, bool) {
	provider, ok := r.entries[name]
	return provider, ok
}

func newProvider(name string, entry config.ProviderEntry) (Provider, error) {
	apiKey := ""
	if env := strings.TrimSpace(entry.APIKeyEnv); env != "" {
		apiKey = os.Getenv(env)
	}
	switch strings.ToLower(entry.Kind) {
	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{APIKey: apiKey, BaseURL: entry.BaseURL, DefaultModel: entry.Model}), nil
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{APIKey: apiKey, BaseURL: entry.BaseURL, DefaultModel: entry.Model}), nil
	default:
		return nil, fmt.Errorf("providers: unknown kind %q for entry %q", entry.Kind, name)
	}
}
