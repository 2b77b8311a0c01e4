package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"ramsis/internal/app"
	"ramsis/internal/observation"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the forecast service until interrupted",
		Long: `Observes the configured project, triggers forecasts on schedule, fires
forecast series registrations and hot-reloads the config file.

With a simulated clock the service exits when the replay ends.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.NewApp(cfgPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), a)
		},
	}
}

func simulateCmd() *cobra.Command {
	var seismicPath, hydraulicPath string
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay the configured window on a simulated clock",
		Long: `Replays project.clock.start..end in steps of project.clock.step and runs
the forecasts that fall due. Observations come from the configured source
unless --seismic or --hydraulic load them from files.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var opts []app.Option
			if seismicPath != "" || hydraulicPath != "" {
				var src observation.Static
				var err error
				if seismicPath != "" {
					if src.Events, err = observation.ReadSeismicFile(seismicPath); err != nil {
						return err
					}
				}
				if hydraulicPath != "" {
					if src.Samples, err = observation.ReadHydraulicFile(hydraulicPath); err != nil {
						return err
					}
				}
				opts = append(opts, app.WithSource(src))
			}
			a, err := app.NewApp(cfgPath, opts...)
			if err != nil {
				return err
			}
			if !a.Simulated() {
				_ = stopApp(a, app.StopFatalError)
				return errors.New("simulate needs project.clock.mode=sim")
			}
			return serve(cmd.Context(), a)
		},
	}
	cmd.Flags().StringVar(&seismicPath, "seismic", "", "seismic catalog file (GeoJSON or JSON array)")
	cmd.Flags().StringVar(&hydraulicPath, "hydraulic", "", "hydraulic samples file (HYDWS or JSON array)")
	return cmd
}

func serve(parent context.Context, a *app.App) error {
	ctx, reason, cancel := signalContext(parent)
	defer cancel()

	if err := a.Start(ctx); err != nil {
		_ = stopApp(a, app.StopFatalError)
		return err
	}

	var why app.StopReason
	select {
	case <-ctx.Done():
		why = reason()
	case <-a.Done():
		why = app.StopFatalError
		if ctx.Err() != nil {
			why = reason()
		}
	case <-a.SimulationDone():
		// Let the last forecast finish before shutting down.
		_ = a.WaitIdle(ctx)
		why = app.StopSimulationDone
	}
	runErr := a.Err()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return errors.Join(runErr, stopApp(a, why))
}
