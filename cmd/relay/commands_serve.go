package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/gateway"
	"github.com/haasonsaas/relay/internal/observability"
)

// buildServeCmd creates the "serve" command that starts the gateway.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Relay gateway server",
		Long: `Start the Relay gateway server.

The server loads the configuration, opens the WebSocket control plane and
the optional HTTP facade, and watches the config file for hot reloads.
Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  relay serve

  # Start with custom config and debug logging
  relay serve --config /etc/relay/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := "info"
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: "json",
	})

	server, err := gateway.New(cfg, gateway.Options{
		Logger:  logger,
		Metrics: observability.NewMetrics(),
		Version: version,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting relay gateway", "version", version, "config", configPath)
	if err := server.Run(ctx, configPath); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("relay gateway stopped")
	return nil
}
