package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

var rootCmd = &cobra.Command{
	Use:   "ctgate",
	Short: "Contact tracing gateway for serial BLE radios",
	Long: `Contact tracing gateway that drives a BLE radio module over a serial port:

- Scans for contact tracing tags and picks the ones with logs to upload
- Connects, downloads the tag log over SMP and disconnects
- Decodes the log and publishes it to the console and a local store
- Simulates a radio with tags on a pseudo terminal for bench testing

Point "run" at the radio's serial port, or at the terminal "simulate" prints.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("ctgate %s (commit %s, built %s)\n", formatVersion(version), commit, date))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(decodeCmd)

	rootCmd.PersistentFlags().String("log-level", "", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "V", false, "Debug logging when --log-level is not given")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
