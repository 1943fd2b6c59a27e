package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/timmy/reelpilot/internal/app"
	"github.com/timmy/reelpilot/internal/domain"
)

func subscriptionsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscriptions",
		Short: "Manage job owner entitlements",
	}

	var (
		sub     domain.Subscription
		expires time.Duration
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Create or replace the subscription of an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			platforms, _ := cmd.Flags().GetStringSlice("platforms")
			sub.Platforms = domain.StringArray(platforms)
			sub.Active = true
			if expires > 0 {
				at := time.Now().Add(expires).UTC()
				sub.ExpiresAt = &at
			}
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Subscriptions.Upsert(ctx, &sub); err != nil {
					return err
				}
				if c.asJSON {
					return c.printJSON(sub)
				}
				c.printf("Subscription of %s: %d jobs/month, plan %q\n", sub.Owner, sub.MonthlyQuota, sub.Plan)
				return nil
			})
		},
	}
	set.Flags().StringVar(&sub.Owner, "owner", "", "Job owner")
	set.Flags().StringVar(&sub.Plan, "plan", "", "Plan name")
	set.Flags().IntVar(&sub.MonthlyQuota, "quota", 0, "Jobs per calendar month")
	set.Flags().IntVar(&sub.MaxDurationSeconds, "max-duration", 0, "Longest video in seconds, 0 for no cap")
	set.Flags().IntVar(&sub.MaxPlatforms, "max-platforms", 0, "Publish targets per job, 0 for no cap")
	set.Flags().StringSlice("platforms", nil, "Allowed platforms, empty for any")
	set.Flags().DurationVar(&expires, "expires-in", 0, "Expire after this long, 0 never expires")
	_ = set.MarkFlagRequired("owner")

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the subscription of an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, _ := cmd.Flags().GetString("owner")
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				s, err := a.Subscriptions.GetByOwner(ctx, owner)
				if err != nil {
					return err
				}
				return c.printJSON(s)
			})
		},
	}
	show.Flags().String("owner", "", "Job owner")
	_ = show.MarkFlagRequired("owner")

	cmd.AddCommand(set, show)
	return cmd
}
