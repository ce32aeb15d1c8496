// Package config defines the relay gateway configuration, the file loader
// with include/env expansion, and the hot-reload watcher.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the root configuration document.
type Config struct {
	Server         ServerConfig         `yaml:"server" json:"server"`
	Auth           AuthConfig           `yaml:"auth" json:"auth"`
	Session        SessionConfig        `yaml:"session" json:"session"`
	Bindings       []BindingRule        `yaml:"bindings" json:"bindings"`
	Heartbeat      HeartbeatConfig      `yaml:"heartbeat" json:"heartbeat"`
	ContextPruning ContextPruningConfig `yaml:"context_pruning" json:"context_pruning"`
	Tools          ToolsConfig          `yaml:"tools" json:"tools"`
	Providers      ProvidersConfig      `yaml:"providers" json:"providers"`
}

// ServerConfig controls the listening sockets and protocol limits.
type ServerConfig struct {
	Host        string `yaml:"host" json:"host"`
	HTTPPort    int    `yaml:"http_port" json:"http_port"`
	TLSCert     string `yaml:"tls_cert" json:"tls_cert"`
	TLSKey      string `yaml:"tls_key" json:"tls_key"`
	ReplayDepth int    `yaml:"replay_depth" json:"replay_depth"`
	HTTPFacade  bool   `yaml:"http_facade" json:"http_facade"`
}

// AuthMode selects how connections authenticate.
type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeSecret AuthMode = "secret"
	AuthModeToken  AuthMode = "token"
)

// AuthConfig controls connection authentication.
type AuthConfig struct {
	Mode AuthMode `yaml:"mode" json:"mode"`
	// Secret is the static shared secret for AuthModeSecret.
	Secret string `yaml:"secret" json:"secret"`
	// JWTSecret enables HS256 operator tokens when set.
	JWTSecret string `yaml:"jwt_secret" json:"jwt_secret"`
	// APIKeyEnv names the environment variable carrying the facade API key.
	APIKeyEnv string `yaml:"api_key_env" json:"api_key_env"`
}

// SessionConfig controls session storage and key derivation.
type SessionConfig struct {
	// Root is the state directory; transcripts live under {root}/sessions.
	Root           string              `yaml:"root" json:"root"`
	DefaultAgentID string              `yaml:"default_agent_id" json:"default_agent_id"`
	MainKey        string              `yaml:"main_key" json:"main_key"`
	DMScope        string              `yaml:"dm_scope" json:"dm_scope"`
	IdentityLinks  map[string][]string `yaml:"identity_links" json:"identity_links"`
	// AutoCreate permits creating sessions for unresolved routes. Off by
	// default for production.
	AutoCreate  bool          `yaml:"auto_create" json:"auto_create"`
	LockMaxHold time.Duration `yaml:"lock_max_hold" json:"lock_max_hold"`
	DedupeTTL   time.Duration `yaml:"dedupe_ttl" json:"dedupe_ttl"`
}

// BindingRule routes a match shape to an agent. Declaration order decides
// ties within the same match class.
type BindingRule struct {
	AgentID string       `yaml:"agent_id" json:"agent_id"`
	Match   BindingMatch `yaml:"match" json:"match"`
}

// BindingMatch is the shape a rule matches against. Channel is required;
// AccountID supports the "*" wildcard.
type BindingMatch struct {
	Channel   string `yaml:"channel" json:"channel"`
	AccountID string `yaml:"account_id" json:"account_id"`
	PeerKind  string `yaml:"peer_kind" json:"peer_kind"`
	PeerID    string `yaml:"peer_id" json:"peer_id"`
	GuildID   string `yaml:"guild_id" json:"guild_id"`
	TeamID    string `yaml:"team_id" json:"team_id"`
}

// HeartbeatConfig controls the per-channel watchdog.
type HeartbeatConfig struct {
	Enabled        bool `yaml:"enabled" json:"enabled"`
	TimeoutSeconds int  `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// ContextPruningConfig controls pre-turn history pruning.
type ContextPruningConfig struct {
	// Mode is "disabled", "cache-ttl" or "soft-trim".
	Mode              string        `yaml:"mode" json:"mode"`
	TTL               time.Duration `yaml:"ttl" json:"ttl"`
	SoftTrimRatio     float64       `yaml:"soft_trim_ratio" json:"soft_trim_ratio"`
	KeepBootstrapSafe *bool         `yaml:"keep_bootstrap_safe" json:"keep_bootstrap_safe"`
	PrunableTools     []string      `yaml:"prunable_tools" json:"prunable_tools"`
	// ContextWindowTokens bounds the soft-trim accounting window.
	ContextWindowTokens int `yaml:"context_window_tokens" json:"context_window_tokens"`
}

// ToolsConfig controls the tool pipeline.
type ToolsConfig struct {
	// BlockReplyMode is "text_end" or "message_end".
	BlockReplyMode string `yaml:"block_reply_mode" json:"block_reply_mode"`
	// MessagingTools lists tools whose successful text results count as
	// assistant output.
	MessagingTools []string `yaml:"messaging_tools" json:"messaging_tools"`
	// DangerCommands lists command shapes that require approval.
	DangerCommands []string      `yaml:"danger_commands" json:"danger_commands"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
}

// ProvidersConfig selects model providers per agent.
type ProvidersConfig struct {
	Default string                   `yaml:"default" json:"default"`
	Agents  map[string]AgentProvider `yaml:"agents" json:"agents"`
	Entries map[string]ProviderEntry `yaml:"entries" json:"entries"`
}

// AgentProvider binds an agent to a provider entry and model.
type AgentProvider struct {
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model" json:"model"`
}

// ProviderEntry configures one provider backend.
type ProviderEntry struct {
	// Kind is "anthropic" or "openai".
	Kind      string `yaml:"kind" json:"kind"`
	APIKeyEnv string `yaml:"api_key_env" json:"api_key_env"`
	BaseURL   string `yaml:"base_url" json:"base_url"`
	Model     string `yaml:"model" json:"model"`
}

// ApplyDefaults fills unset fields with working defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8750
	}
	if c.Server.ReplayDepth <= 0 {
		c.Server.ReplayDepth = 256
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = AuthModeToken
	}
	if c.Auth.APIKeyEnv == "" {
		c.Auth.APIKeyEnv = "RELAY_API_KEY"
	}
	if c.Session.Root == "" {
		c.Session.Root = DefaultStateDir()
	}
	if c.Session.DefaultAgentID == "" {
		c.Session.DefaultAgentID = "main"
	}
	if c.Session.MainKey == "" {
		c.Session.MainKey = "main"
	}
	if c.Session.DMScope == "" {
		c.Session.DMScope = "main"
	}
	if c.Session.LockMaxHold <= 0 {
		c.Session.LockMaxHold = 30 * time.Second
	}
	if c.Session.DedupeTTL <= 0 {
		c.Session.DedupeTTL = time.Minute
	}
	if c.Heartbeat.TimeoutSeconds <= 0 {
		c.Heartbeat.TimeoutSeconds = 1800
	}
	if c.ContextPruning.Mode == "" {
		c.ContextPruning.Mode = "disabled"
	}
	if c.ContextPruning.TTL <= 0 {
		c.ContextPruning.TTL = 5 * time.Minute
	}
	if c.ContextPruning.SoftTrimRatio == 0 {
		c.ContextPruning.SoftTrimRatio = 0.3
	}
	if c.ContextPruning.ContextWindowTokens <= 0 {
		c.ContextPruning.ContextWindowTokens = 200_000
	}
	if c.Tools.BlockReplyMode == "" {
		c.Tools.BlockReplyMode = "message_end"
	}
	if c.Tools.Timeout <= 0 {
		c.Tools.Timeout = 30 * time.Second
	}
	if len(c.Tools.MessagingTools) == 0 {
		c.Tools.MessagingTools = []string{"send_message"}
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Auth.Mode {
	case AuthModeNone, AuthModeSecret, AuthModeToken:
	default:
		return fmt.Errorf("config: unknown auth mode %q", c.Auth.Mode)
	}
	if c.Auth.Mode == AuthModeSecret && strings.TrimSpace(c.Auth.Secret) == "" {
		return fmt.Errorf("config: auth mode %q requires a secret", AuthModeSecret)
	}
	switch c.ContextPruning.Mode {
	case "disabled", "cache-ttl", "soft-trim":
	default:
		return fmt.Errorf("config: unknown context pruning mode %q", c.ContextPruning.Mode)
	}
	switch c.Tools.BlockReplyMode {
	case "text_end", "message_end":
	default:
		return fmt.Errorf("config: unknown block reply mode %q", c.Tools.BlockReplyMode)
	}
	for i, rule := range c.Bindings {
		if strings.TrimSpace(rule.AgentID) == "" {
			return fmt.Errorf("config: bindings[%d] missing agent_id", i)
		}
		if strings.TrimSpace(rule.Match.Channel) == "" {
			return fmt.Errorf("config: bindings[%d] missing match.channel", i)
		}
	}
	return nil
}

// KeepBootstrap resolves the keep_bootstrap_safe pointer (default true).
func (c ContextPruningConfig) KeepBootstrap() bool {
	if c.KeepBootstrapSafe == nil {
		return true
	}
	return *c.KeepBootstrapSafe
}

// DefaultStateDir returns the default state directory ($HOME/.relay).
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "relay")
	}
	return filepath.Join(home, ".relay")
}
