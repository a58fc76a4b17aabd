// vaod runs the visual attitude and orbit determination payload.
//
// Usage:
//
//	vaod run [--port /dev/ttyTHS1] [--replay-dir <dir>] [--listen localhost:8080]
//	vaod replay <dir>
//	vaod simulate [--frames 200]
//	vaod migrate up|down|status|version|force|baseline [version]
//	vaod calibrate import <camera.yaml> | show | list | activate <version>
//	vaod tle set <line1> <line2> | show
//	vaod status [--admin localhost:8080]
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/version"
)

var rootFlags struct {
	dbPath     string
	tuningPath string
	logLevel   string
	logFormat  string
	trace      bool
}

var rootCmd = &cobra.Command{
	Use:   "vaod",
	Short: "Visual attitude and orbit determination",
	Long: `vaod estimates spacecraft attitude and orbit from camera frames of
stars and the Earth limb, and publishes the estimate to the flight computer
over the payload UART.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootFlags.dbPath, "db", "vaod.db", "SQLite database path")
	pf.StringVar(&rootFlags.tuningPath, "tuning", "", "Tuning JSON; built-in defaults when empty")
	pf.StringVar(&rootFlags.logLevel, "log-level", "", "debug, info, warn or error (default $LOG_LEVEL or info)")
	pf.StringVar(&rootFlags.logFormat, "log-format", "", "text or json (default $LOG_FORMAT or text)")
	pf.BoolVar(&rootFlags.trace, "trace-frames", false, "Log per-frame detail")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(calibrateCmd)
	rootCmd.AddCommand(tleCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.Version = version.String()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
