package main

import (
	"fmt"
	"context"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/timmy/reelpilot/internal/app"
)

func healthCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Inspect account health",
	}

	report := &cobra.Command{
		Use:   "report",
		Short: "Show the health of every account",
		RunE: func(cmd *cobra.Command, args []string) error {
			platform, _ := cmd.Flags().GetString("platform")
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				rows := a.Tracker.HealthReport(platform)
				if c.asJSON {
					return c.printJSON(rows)
				}
				tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
				defer tw.Flush()
				fmt.Fprintf(tw, "ACCOUNT\tPLATFORM\tSTATE\tAVAILABLE\tTODAY\tSUCCESS\tUNTIL\n")
				for _, r := range rows {
					until := "-"
					switch {
					case r.Health.RateLimitResetAt != nil:
						until = r.Health.RateLimitResetAt.Local().Format(time.DateTime)
					case r.Health.CooldownUntil != nil:
						until = r.Health.CooldownUntil.Local().Format(time.DateTime)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%.0f%%\t%s\n",
						r.AccountName, r.Platform, r.Health.State, r.Available,
						r.Health.DailyPostCount, r.SuccessRate*100, until)
				}
				return nil
			})
		},
	}
	report.Flags().String("platform", "", "Only accounts of this platform")

	alerts := &cobra.Command{
		Use:   "alerts",
		Short: "List current health alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				list := a.Tracker.CheckHealth()
				if c.asJSON {
					return c.printJSON(list)
				}
				if len(list) == 0 {
					c.printf("No alerts\n")
					return nil
				}
				for _, al := range list {
					c.printf("[%s] %s: %s\n", al.Severity, al.Kind, al.Message)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(report, alerts)
	return cmd
}
