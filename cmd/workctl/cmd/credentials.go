package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/gregpriday/go-work-manager/pkg/auth"
	"github.com/gregpriday/go-work-manager/pkg/config"
	"github.com/gregpriday/go-work-manager/pkg/store"
)

var (
	tokenTTL time.Duration
	keyLabel string
)

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage holder tokens and operator API keys",
	Long: `Mints and revokes credentials directly against the configured store,
so tokens can be issued without the server running. Secrets are printed
once; only their hashes are stored.`,
}

var issueTokenCmd = &cobra.Command{
	Use:   "issue-token <holder-id>",
	Short: "Issue a bearer token for a work holder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(func(registry *auth.Registry) error {
			token, err := registry.IssueHolderToken(args[0], tokenTTL)
			if err != nil {
				return err
			}
			fmt.Printf("Token for %s (valid %s):\n%s\n", args[0], tokenTTL, token)
			return nil
		})
	},
}

var revokeTokenCmd = &cobra.Command{
	Use:   "revoke-token <holder-id>",
	Short: "Revoke a holder's token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(func(registry *auth.Registry) error {
			if err := registry.RevokeHolder(args[0]); err != nil {
				return err
			}
			fmt.Printf("Revoked token for %s\n", args[0])
			return nil
		})
	},
}

var createKeyCmd = &cobra.Command{
	Use:   "create-key",
	Short: "Create an operator API key",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(func(registry *auth.Registry) error {
			key, err := registry.CreateOperatorKey(keyLabel)
			if err != nil {
				return err
			}
			fmt.Printf("API key (%s):\n%s\n", keyLabel, key)
			return nil
		})
	},
}

var listKeysCmd = &cobra.Command{
	Use:   "list-keys",
	Short: "List operator API keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(func(registry *auth.Registry) error {
			keys, err := registry.ListOperatorKeys()
			if err != nil {
				return err
			}
			if outputFormat == "json" {
				return printJSON(keys)
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.Header("Key ID", "Label", "Created")
			for _, key := range keys {
				table.Append(key.ID, key.Label, key.CreatedAt.Format(time.RFC3339))
			}
			table.Render()
			return nil
		})
	},
}

var revokeKeyCmd = &cobra.Command{
	Use:   "revoke-key <key-id>",
	Short: "Revoke an operator API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(func(registry *auth.Registry) error {
			if err := registry.RevokeOperatorKey(args[0]); err != nil {
				return err
			}
			fmt.Printf("Revoked key %s\n", args[0])
			return nil
		})
	},
}

// withRegistry opens the configured store for the duration of one command
func withRegistry(fn func(*auth.Registry) error) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	st, err := store.New(cfg.StoreConfig())
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(auth.NewRegistry(st))
}

func init() {
	issueTokenCmd.Flags().DurationVar(&tokenTTL, "ttl", auth.DefaultTokenTTL, "token lifetime")
	createKeyCmd.Flags().StringVar(&keyLabel, "label", "", "what the key is for")

	credentialsCmd.AddCommand(issueTokenCmd, revokeTokenCmd, createKeyCmd, listKeysCmd, revokeKeyCmd)
	rootCmd.AddCommand(credentialsCmd)
}
