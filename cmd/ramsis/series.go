package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"ramsis/internal/app"
	"ramsis/internal/config"
	"ramsis/internal/domain"
	"ramsis/internal/task/scheduler"
)

type seriesFlags struct {
	start            string
	interval         string
	end              string
	forecastStart    string
	forecastEnd      string
	forecastDuration string
}

func (f *seriesFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.start, "start", "", "first occurrence (RFC3339)")
	fs.StringVar(&f.interval, "interval", "", "time between occurrences (e.g. 6h or 06:00)")
	fs.StringVar(&f.end, "end", "", "last occurrence (RFC3339)")
	fs.StringVar(&f.forecastStart, "forecast-start", "", "fixed forecast window start (RFC3339)")
	fs.StringVar(&f.forecastEnd, "forecast-end", "", "fixed forecast window end (RFC3339)")
	fs.StringVar(&f.forecastDuration, "forecast-duration", "", "forecast window length from each occurrence")
}

// apply sets the fields whose flags were given; an empty time clears it.
func (f *seriesFlags) apply(flags *pflag.FlagSet, s *domain.ForecastSeries) error {
	for _, tf := range []struct {
		flag string
		raw  string
		dst  **time.Time
	}{
		{"start", f.start, &s.ScheduleStart},
		{"end", f.end, &s.ScheduleEnd},
		{"forecast-start", f.forecastStart, &s.ForecastStart},
		{"forecast-end", f.forecastEnd, &s.ForecastEnd},
	} {
		if !flags.Changed(tf.flag) {
			continue
		}
		t, err := config.ParseTimeField("--"+tf.flag, tf.raw)
		if err != nil {
			return err
		}
		*tf.dst = nil
		if !t.IsZero() {
			*tf.dst = domain.TimePtr(t)
		}
	}
	if flags.Changed("interval") {
		d, err := scheduler.ParseInterval(f.interval)
		if err != nil {
			return fmt.Errorf("--interval: %w", err)
		}
		s.ScheduleInterval = d
	}
	if flags.Changed("forecast-duration") {
		d, err := config.ParseDurationField("--forecast-duration", f.forecastDuration)
		if err != nil {
			return err
		}
		s.ForecastDuration = d
	}
	return nil
}

func seriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "series",
		Short: "Manage recurring forecast series",
		Long: `Series registrations made here are stored immediately. A running service
with the in-process cron backend picks them up on its next start; the http
backend sees them at once.`,
	}
	cmd.AddCommand(seriesCreateCmd())
	cmd.AddCommand(seriesUpdateCmd())
	cmd.AddCommand(seriesActiveCmd("enable", true))
	cmd.AddCommand(seriesActiveCmd("disable", false))
	cmd.AddCommand(seriesDeleteCmd())
	cmd.AddCommand(seriesListCmd())
	cmd.AddCommand(seriesShowCmd())
	return cmd
}

func seriesCreateCmd() *cobra.Command {
	var f seriesFlags
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a series and register its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				fs := &domain.ForecastSeries{Name: strings.TrimSpace(args[0]), Project: a.Project().Name()}
				if err := f.apply(cmd.Flags(), fs); err != nil {
					return err
				}
				if err := a.Series().Create(ctx, fs); err != nil {
					return err
				}
				return printJSON(cmd, fs)
			})
		},
	}
	f.register(cmd.Flags())
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("interval")
	return cmd
}

func seriesUpdateCmd() *cobra.Command {
	var f seriesFlags
	cmd := &cobra.Command{
		Use:   "update <series>",
		Short: "Change a series schedule and update its registration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				fs, err := a.Store().GetSeries(ctx, args[0])
				if err != nil {
					return err
				}
				if err := f.apply(cmd.Flags(), fs); err != nil {
					return err
				}
				if err := a.Series().Schedule(ctx, fs); err != nil {
					return err
				}
				return printJSON(cmd, fs)
			})
		},
	}
	f.register(cmd.Flags())
	return cmd
}

func seriesActiveCmd(use string, active bool) *cobra.Command {
	short := "Resume firing a series registration"
	if !active {
		short = "Pause a series registration without removing it"
	}
	return &cobra.Command{
		Use:   use + " <series>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				fs, err := a.Store().GetSeries(ctx, args[0])
				if err != nil {
					return err
				}
				return a.Series().SetActive(ctx, fs, active)
			})
		},
	}
}

func seriesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <series>",
		Short: "Remove a series and its registration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				fs, err := a.Store().GetSeries(ctx, args[0])
				if err != nil {
					return err
				}
				return a.Series().Delete(ctx, fs)
			})
		},
	}
}

func seriesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored series",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				all, err := a.Store().ListSeries(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, fs := range all {
					state := "unscheduled"
					if fs.ScheduleActive != nil {
						state = "paused"
						if *fs.ScheduleActive {
							state = "active"
						}
					}
					fmt.Fprintf(out, "%s\t%s\tevery %s\t%s\n", fs.ID, fs.Name, fs.ScheduleInterval, state)
				}
				return nil
			})
		},
	}
}

func seriesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <series>",
		Short: "Print one series",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				fs, err := a.Store().GetSeries(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, fs)
			})
		},
	}
}
