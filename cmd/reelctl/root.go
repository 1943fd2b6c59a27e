package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/timmy/reelpilot/internal/app"
	"github.com/timmy/reelpilot/internal/config"
	"github.com/timmy/reelpilot/internal/logger"
)

// cli carries the state shared by all commands.
type cli struct {
	configPath string
	asJSON     bool
	out        io.Writer
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "reelctl",
		Short:         "Operate account pools and run content jobs",
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			c.out = cmd.OutOrStdout()
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "Path to config file (defaults to ./configs/config.yaml)")
	root.PersistentFlags().BoolVar(&c.asJSON, "json", false, "Print JSON instead of tables")

	root.AddCommand(
		poolsCmd(c),
		accountsCmd(c),
		healthCmd(c),
		subscriptionsCmd(c),
		runCmd(c),
	)
	return root
}

// open loads configuration and builds the application. The caller must close it.
func (c *cli) open(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg.Log.LoggerConfig("reelctl"))
	logger.SetFallback(log)
	return app.New(ctx, cfg, log)
}

// withApp runs fn against a freshly built application and closes it afterwards.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Close(closeCtx)
		_ = a.Log.Close()
	}()
	return fn(ctx, a)
}

func (c *cli) printJSON(v interface{}) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.out, format, args...)
}
