package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/lead-enricher/internal/server"
)

func newRecoverCmd(opts *rootOptions) *cobra.Command {
	var (
		drain        bool
		pollInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Reset items orphaned by a crash",
		Long: `Moves every item left in processing back to pending. With --drain the
controller then runs in this process until no job has pending or processing
work; otherwise the loop started by recovery is stopped before exiting.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd.Context(), func(ctx context.Context, app *server.App) error {
				report, err := app.Controller().RecoverStaleJobs(ctx)
				if err != nil {
					return fmt.Errorf("recover: %w", err)
				}
				if drain && report.Active {
					if err := waitForIdle(ctx, app, pollInterval); err != nil {
						return err
					}
				}
				if app.Controller().Stop() {
					if err := app.Controller().Wait(ctx); err != nil {
						return err
					}
				}
				return writeJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().BoolVar(&drain, "drain", false, "process until no active jobs remain")
	cmd.Flags().DurationVar(&pollInterval, "poll", 2*time.Second, "how often --drain checks for remaining work")
	return cmd
}

func waitForIdle(ctx context.Context, app *server.App, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain: %w", ctx.Err())
		case <-ticker.C:
		}
		active, err := app.Store().HasActiveJobs(ctx)
		if err != nil {
			return fmt.Errorf("drain: %w", err)
		}
		if !active {
			return nil
		}
		if !app.Controller().Running() {
			app.Controller().Start(ctx)
		}
	}
}
