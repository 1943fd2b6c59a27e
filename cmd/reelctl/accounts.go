package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/timmy/reelpilot/internal/app"
	"github.com/timmy/reelpilot/internal/service"
)

func accountsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage pooled accounts",
	}

	var in service.AccountInput
	var credentialFile string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add an account to a pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			poolID, _ := cmd.Flags().GetString("pool")
			if credentialFile != "" {
				data, err := os.ReadFile(credentialFile)
				if err != nil {
					return fmt.Errorf("read credential: %w", err)
				}
				in.Credential = []byte(strings.TrimSpace(string(data)))
			}
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				acc, err := a.Registry.AddAccountWith(ctx, poolID, in)
				if err != nil {
					return err
				}
				if c.asJSON {
					return c.printJSON(acc)
				}
				c.printf("Added account %s (%s)\n", acc.ID, acc.Name)
				return nil
			})
		},
	}
	add.Flags().String("pool", "", "Pool ID")
	add.Flags().StringVar(&in.Name, "name", "", "Account name")
	add.Flags().StringVar(&credentialFile, "credential-file", "", "File holding the account credential")
	add.Flags().IntVar(&in.Priority, "priority", 0, "Higher is preferred by the priority strategy")
	add.Flags().IntVar(&in.DailyPostLimit, "daily-limit", 0, "Posts per UTC day, 0 for unlimited")
	add.Flags().DurationVar(&in.MinPostInterval, "min-interval", 0, "Minimum time between two posts")
	_ = add.MarkFlagRequired("pool")
	_ = add.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List the accounts of a pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			poolID, _ := cmd.Flags().GetString("pool")
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				accounts, err := a.Registry.ListAccounts(poolID)
				if err != nil {
					return err
				}
				if c.asJSON {
					return c.printJSON(accounts)
				}
				tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
				defer tw.Flush()
				fmt.Fprintf(tw, "ID\tNAME\tPRIORITY\tACTIVE\tAVAILABLE\n")
				for _, acc := range accounts {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%t\t%t\n", acc.ID, acc.Name, acc.Priority, acc.Active, a.Tracker.IsAvailable(acc.ID))
				}
				return nil
			})
		},
	}
	list.Flags().String("pool", "", "Pool ID")
	_ = list.MarkFlagRequired("pool")

	cmd.AddCommand(add, list)
	return cmd
}
