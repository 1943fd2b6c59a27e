package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/timmy/reelpilot/internal/app"
	"github.com/timmy/reelpilot/internal/domain"
	"github.com/timmy/reelpilot/internal/events"
)

func runCmd(c *cli) *cobra.Command {
	var (
		owner   string
		spec    domain.JobSpec
		targets []string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Admit and run one content job in this process",
		Long: "Runs the full pipeline for one job and prints its progress.\n" +
			"Ctrl-C cancels the job; a cancelled or failed job can be resumed with --resume.",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseTargets(targets)
			if err != nil {
				return err
			}
			spec.Targets = parsed
			resume, _ := cmd.Flags().GetString("resume")

			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				// subscribe before starting so no event is missed
				sub := a.Bus.Subscribe(events.OfType(events.TypeJobProgress, events.TypeJobStatus))
				defer sub.Close()

				var job domain.Job
				if resume != "" {
					job, err = a.JobManager.Resume(ctx, resume)
				} else {
					job, err = a.JobManager.Submit(ctx, owner, spec)
				}
				if err != nil {
					return err
				}
				c.printf("Job %s started\n", job.ID)

				sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				return c.follow(sigCtx, a, sub, job.ID)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "cli", "Job owner checked against subscriptions")
	cmd.Flags().StringVar(&spec.Title, "title", "", "Working title")
	cmd.Flags().StringVar(&spec.Topic, "topic", "", "What the video is about")
	cmd.Flags().StringVar(&spec.Language, "language", "", "Script language")
	cmd.Flags().IntVar(&spec.DurationSeconds, "duration", 60, "Target duration in seconds")
	cmd.Flags().IntVar(&spec.SceneCount, "scenes", 5, "Number of scenes")
	cmd.Flags().StringVar(&spec.Voice, "voice", "", "Narration voice")
	cmd.Flags().StringSliceVar(&targets, "target", nil, "Publish target as platform or platform:strategy, repeatable")
	cmd.Flags().String("resume", "", "Resume a failed or cancelled job instead of starting a new one")
	cmd.MarkFlagsMutuallyExclusive("resume", "topic")
	cmd.MarkFlagsOneRequired("resume", "topic")
	return cmd
}

// follow prints the job's events until it finishes. A cancelled ctx cancels the job.
// The job is also polled, since a slow reader can miss events on the bus.
func (c *cli) follow(ctx context.Context, a *app.App, sub *events.Subscription, jobID string) error {
	poll := time.NewTicker(2 * time.Second)
	defer poll.Stop()
	cancelled := false
	for {
		select {
		case <-poll.C:
			job, err := a.JobManager.Get(context.Background(), jobID)
			if err != nil {
				return err
			}
			if job.Status.IsTerminal() {
				return c.finish(job)
			}
		case <-ctx.Done():
			if !cancelled {
				cancelled = true
				c.printf("Cancelling job %s...\n", jobID)
				if err := a.JobManager.Cancel(jobID); err != nil {
					return err
				}
			}
			// keep draining until the terminal status arrives
			ctx = context.Background()
		case ev, ok := <-sub.C():
			if !ok {
				return errors.New("event stream closed")
			}
			if ev.JobID != jobID {
				continue
			}
			switch ev.Type {
			case events.TypeJobProgress:
				c.printf("  %-9s %3d%% %s\n", ev.Stage, ev.Percent, ev.Message)
			case events.TypeJobStatus:
				c.printf("%s\n", ev.Status)
				if !ev.Status.IsTerminal() {
					continue
				}
				job, err := a.JobManager.Get(context.Background(), jobID)
				if err != nil {
					return err
				}
				return c.finish(job)
			}
		}
	}
}

func (c *cli) finish(job domain.Job) error {
	c.summarize(job)
	if job.Status != domain.JobStatusCompleted {
		return fmt.Errorf("job %s %s: %s", job.ID, job.Status, job.Error)
	}
	return nil
}

func (c *cli) summarize(job domain.Job) {
	if c.asJSON {
		_ = c.printJSON(job)
		return
	}
	for _, a := range job.Artifacts {
		if a.Kind == domain.ArtifactManifest || a.Kind == domain.ArtifactPost {
			c.printf("%-8s %s\n", a.Kind, a.URL)
		}
	}
	for _, sp := range job.Stages {
		for _, line := range sp.Logs {
			if strings.HasPrefix(line, "WARN ") || strings.HasPrefix(line, "ERROR ") {
				c.printf("%-9s %s\n", sp.Stage, line)
			}
		}
	}
}

func parseTargets(raw []string) ([]domain.PublishTarget, error) {
	out := make([]domain.PublishTarget, 0, len(raw))
	for _, r := range raw {
		platform, strategy, _ := strings.Cut(r, ":")
		platform = strings.TrimSpace(platform)
		if platform == "" {
			return nil, fmt.Errorf("invalid target %q", r)
		}
		out = append(out, domain.PublishTarget{Platform: platform, Strategy: strings.TrimSpace(strategy)})
	}
	return out, nil
}
