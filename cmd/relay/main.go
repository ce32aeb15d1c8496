// Package main provides the CLI entry point for the Relay agent gateway.
//
// Relay routes user turns from heterogeneous front-ends (chat channels, HTTP
// clients, terminals) to long-lived agent sessions backed by LLM providers
// (Anthropic, OpenAI) with policy-gated tool execution.
//
// # Basic Usage
//
// Start the server:
//
//	relay serve --config relay.yaml
//
// Manage device tokens:
//
//	relay tokens issue --device laptop --role operator
//	relay tokens list
//	relay tokens revoke --device laptop
//
// # Environment Variables
//
//   - RELAY_CONFIG: Path to configuration file (default: relay.yaml)
//   - RELAY_API_KEY: API key for the HTTP facade
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "relay",
		Short:         "Relay agent gateway",
		Long:          "Relay is an agent gateway that multiplexes chat front-ends onto LLM-backed agent sessions.",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		buildServeCmd(),
		buildTokensCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// resolveConfigPath applies the RELAY_CONFIG fallback.
func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("RELAY_CONFIG"); env != "" {
		return env
	}
	return "relay.yaml"
}
