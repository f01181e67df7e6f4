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

// rootCmd represents the base command; without a subcommand it starts the
// interactive shell.
var rootCmd = &cobra.Command{
	Use:   "pascli",
	Short: "Interactive shell for PASCO-style wireless sensors",
	Long: `Interactive command shell for wireless Bluetooth sensor devices:

- Scan and discover nearby sensor units by the code printed on them
- Connect to multiple devices concurrently
- Inspect available sensors, measurements, and units
- Record live measurement streams to timestamped CSV files
- Watch a measurement update in real time

Run without arguments to enter the shell; use the scan subcommand for a
one-shot discovery pass.`,
	Version: formatVersion(version),
	RunE:    runShell,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(scanCmd)

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
