package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "ramsis",
	Short: "Induced-seismicity forecast scheduler",
	Long: `ramsis runs induced-seismicity forecasts for one project.

It triggers forecasts on a fixed interval of project time, runs them through
an ordered pipeline of model stages and schedules recurring forecast series,
including catch-up of occurrences that are already in the past.
`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(simulateCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(catchupCmd())
	rootCmd.AddCommand(seriesCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(observationsCmd())
}
