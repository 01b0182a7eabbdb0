package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile  string
	envFile  string
	logLevel string

	// Version info (set from main)
	Version = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "fleetcalc",
	Short: "GPS telemetry analytics and efficiency engine",
	Long: `fleetcalc turns raw vehicle telemetry into daily movement, stoppage and
efficiency metrics, tracks work tasks against their zones, and runs the
fleet-wide batch computation.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", ".env file to load (default .env when present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
}

func SetVersion(v string) {
	Version = v
	rootCmd.Version = v
}
