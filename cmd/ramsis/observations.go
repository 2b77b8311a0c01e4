package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"ramsis/internal/app"
	"ramsis/internal/observation"
)

func observationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "observations",
		Short: "Manage stored observations",
	}
	cmd.AddCommand(observationsImportCmd())
	return cmd
}

func observationsImportCmd() *cobra.Command {
	var seismicPath, hydraulicPath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import seismic and hydraulic observations into storage",
		Long: `Reads a seismic catalog (FDSN GeoJSON or a JSON event array) and/or
hydraulic samples (HYDWS or a JSON sample array) and stores them for the
configured project. Events already stored are skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if seismicPath == "" && hydraulicPath == "" {
				return errors.New("nothing to import: pass --seismic and/or --hydraulic")
			}
			return withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				project := a.Project().Name()
				out := cmd.OutOrStdout()
				if seismicPath != "" {
					events, err := observation.ReadSeismicFile(seismicPath)
					if err != nil {
						return err
					}
					n, err := a.Store().AddSeismic(ctx, project, events)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "seismic: %d read, %d new\n", len(events), n)
				}
				if hydraulicPath != "" {
					samples, err := observation.ReadHydraulicFile(hydraulicPath)
					if err != nil {
						return err
					}
					n, err := a.Store().AddHydraulic(ctx, project, samples)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "hydraulic: %d read, %d new\n", len(samples), n)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&seismicPath, "seismic", "", "seismic catalog file")
	cmd.Flags().StringVar(&hydraulicPath, "hydraulic", "", "hydraulic samples file")
	return cmd
}
