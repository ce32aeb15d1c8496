package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/config"
)

// buildTokensCmd creates the "tokens" command group for device pairing.
func buildTokensCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Manage device tokens",
	}
	cmd.AddCommand(buildTokensIssueCmd(), buildTokensRevokeCmd(), buildTokensListCmd())
	return cmd
}

func buildTokensIssueCmd() *cobra.Command {
	var (
		configPath string
		device     string
		role       string
		scopes     []string
		ttl        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a device token, revoking any prior token for the device",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openTokenStore(configPath)
			if err != nil {
				return err
			}
			token, err := store.Issue(device, role, scopes, ttl)
			if err != nil {
				return err
			}
			// The full token is shown exactly once, at issue time.
			fmt.Fprintln(cmd.OutOrStdout(), token.Token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&device, "device", "", "Device identifier")
	cmd.Flags().StringVar(&role, "role", "operator", "Token role (operator or node)")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "Granted scopes (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (0 means no expiry)")
	_ = cmd.MarkFlagRequired("device") //nolint:errcheck
	return cmd
}

func buildTokensRevokeCmd() *cobra.Command {
	var (
		configPath string
		device     string
	)
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke the active token for a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openTokenStore(configPath)
			if err != nil {
				return err
			}
			if err := store.Revoke(device); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked token for %s\n", device)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&device, "device", "", "Device identifier")
	_ = cmd.MarkFlagRequired("device") //nolint:errcheck
	return cmd
}

func buildTokensListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List device tokens (redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openTokenStore(configPath)
			if err != nil {
				return err
			}
			tokens, err := store.List()
			if err != nil {
				return err
			}
			if len(tokens) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no tokens")
				return nil
			}
			for _, token := range tokens {
				expires := "never"
				if token.ExpiresAt != nil {
					expires = token.ExpiresAt.Format(time.RFC3339)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\tscopes=%s\texpires=%s\n",
					token.DeviceID, token.Role, token.Token,
					strings.Join(token.Scopes, ","), expires)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func openTokenStore(configPath string) (*auth.TokenStore, error) {
	cfg, err := config.Load(resolveConfigPath(configPath))
	if err != nil {
		return nil, err
	}
	return auth.NewTokenStore(cfg.Session.Root), nil
}
