package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wangyingjie930/nexus-enrich/directory"
	"github.com/wangyingjie930/nexus-enrich/enrich"
)

func init() {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage client accounts and usage counters",
	}
	cmd.AddCommand(accountSetCmd(), accountUsageCmd(), accountResetUsageCmd())
	rootCmd.AddCommand(cmd)
}

func accountSetCmd() *cobra.Command {
	var account directory.ClientAccount
	var disabled bool
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Create or update a client account",
		RunE: func(_ *cobra.Command, _ []string) error {
			if account.ClientID == "" || account.PortalID == "" || account.AccessToken == "" {
				return errors.New("--client, --portal and --token are required")
			}
			account.Enabled = !disabled
			return withDeps(func(ctx context.Context, deps *Deps) error {
				if err := deps.Directory.UpsertAccount(ctx, account); err != nil {
					return err
				}
				fmt.Printf("account %s saved (enabled=%t)\n", account.ClientID, account.Enabled)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&account.ClientID, "client", "", "client id")
	f.StringVar(&account.PortalID, "portal", "", "CRM portal id")
	f.StringVar(&account.AccessToken, "token", "", "CRM access token")
	f.StringVar(&account.FormGUID, "form", "", "form used to submit enriched fields")
	f.StringVar(&account.Region, "region", "", "default phone region, e.g. US")
	f.Int64Var(&account.Quota, "quota", 1000, "initial usage quota per field group")
	f.BoolVar(&disabled, "disabled", false, "store the account as disabled")
	return cmd
}

func accountUsageCmd() *cobra.Command {
	var clientID string
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Print remaining usage per field group",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withDeps(func(ctx context.Context, deps *Deps) error {
				usage := make(map[enrich.FieldGroup]int64, len(enrich.AllGroups))
				for _, g := range enrich.AllGroups {
					n, err := deps.Directory.Usage(ctx, clientID, g)
					if err != nil {
						return err
					}
					usage[g] = n
				}
				return printJSON(os.Stdout, usage)
			})
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "", "client id")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

func accountResetUsageCmd() *cobra.Command {
	var clientID string
	cmd := &cobra.Command{
		Use:   "reset-usage",
		Short: "Delete usage counters so they restart from the account quota",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withDeps(func(ctx context.Context, deps *Deps) error {
				return deps.Directory.ResetUsage(ctx, clientID)
			})
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "", "client id")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}
