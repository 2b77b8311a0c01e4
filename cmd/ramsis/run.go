package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"ramsis/internal/app"
	"ramsis/internal/config"
	"ramsis/internal/series"
	"ramsis/internal/storage"
)

func runCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one forecast and wait for it",
		Long:  `Gathers observations up to --at (default: current project time), runs the pipeline once and prints the run record.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := config.ParseTimeField("--at", at)
			if err != nil {
				return err
			}
			return withApp(cmd, true, func(ctx context.Context, a *app.App) error {
				if t.IsZero() {
					t = a.Project().ProjectTime()
				}
				run, err := a.Coordinator().RunOnce(ctx, t)
				if run != nil {
					if perr := printJSON(cmd, run); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "forecast time (RFC3339)")
	return cmd
}

func catchupCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "catchup <series>",
		Short: "Create the forecasts of past occurrences of a series",
		Long: `Runs one forecast for every occurrence of the series at or before now.
Occurrences that already have a forecast are skipped, so the command is safe
to repeat. --mode=deploy queues the forecasts on the task engine with retries
instead of running them one after another.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := series.ParseMode(mode)
			if err != nil {
				return err
			}
			return withApp(cmd, true, func(ctx context.Context, a *app.App) error {
				fs, err := a.Store().GetSeries(ctx, args[0])
				if err != nil {
					return err
				}
				sum, runErr := a.Series().RunPastForecasts(ctx, fs, m)
				if m == series.ModeDeploy && sum.Dispatched > 0 {
					if err := a.WaitIdle(ctx); err != nil {
						runErr = errors.Join(runErr, err)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "series %s: %d occurrences, %d created, %d dispatched, %d existing, %d failed\n",
					fs.Name, len(sum.Occurrences), sum.Created, sum.Dispatched, sum.Existing, sum.Failed)
				return runErr
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "local", "local or deploy")
	return cmd
}

func runsCmd() *cobra.Command {
	var seriesName string
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List stored forecast runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				f := storage.RunFilter{Project: a.Project().Name(), Limit: limit}
				if seriesName != "" {
					fs, err := a.Store().GetSeries(ctx, seriesName)
					if err != nil {
						return err
					}
					f.SeriesID = fs.ID
				}
				runs, err := a.Store().ListRuns(ctx, f)
				if err != nil {
					return err
				}
				return printJSON(cmd, runs)
			})
		},
	}
	cmd.Flags().StringVar(&seriesName, "series", "", "only runs of this series (name or id)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	return cmd
}
