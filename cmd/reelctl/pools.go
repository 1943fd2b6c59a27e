package main

import (
	"fmt"
	"context"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/timmy/reelpilot/internal/app"
)

func poolsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pools",
		Short: "Manage account pools",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List pools",
		RunE: func(cmd *cobra.Command, args []string) error {
			platform, _ := cmd.Flags().GetString("platform")
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				pools := a.Registry.ListPools(platform)
				if c.asJSON {
					return c.printJSON(pools)
				}
				if len(pools) == 0 {
					c.printf("No pools found\n")
					return nil
				}
				tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
				defer tw.Flush()
				fmt.Fprintf(tw, "ID\tPLATFORM\tNAME\tENABLED\tACCOUNTS\n")
				for _, p := range pools {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\n", p.ID, p.Platform, p.Name, p.Enabled, len(p.Accounts))
				}
				return nil
			})
		},
	}
	list.Flags().String("platform", "", "Only pools of this platform")

	create := &cobra.Command{
		Use:   "create",
		Short: "Create an empty pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			platform, _ := cmd.Flags().GetString("platform")
			name, _ := cmd.Flags().GetString("name")
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				pool, err := a.Registry.CreatePool(ctx, platform, name)
				if err != nil {
					return err
				}
				if c.asJSON {
					return c.printJSON(pool)
				}
				c.printf("Created pool %s (%s)\n", pool.ID, pool.Platform)
				return nil
			})
		},
	}
	create.Flags().String("platform", "", "Platform the pool posts to")
	create.Flags().String("name", "", "Pool name")
	_ = create.MarkFlagRequired("platform")
	_ = create.MarkFlagRequired("name")

	cmd.AddCommand(list, create)
	return cmd
}
