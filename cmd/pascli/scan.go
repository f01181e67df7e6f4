package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pasgo/pascli/internal/registry"
	"github.com/pasgo/pascli/internal/transport/goble"
)

// scanCmd is the one-shot discovery command, for scripting and for a quick
// look without entering the shell.
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for sensor devices",
	Long: `Scan for wireless sensor units and display their codes, names,
addresses, and signal strength. Only devices advertising a vendor device
code are listed.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	logger, err := configureLogger(cmd, "")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Listen for Ctrl+C to cancel
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, cancelling scan...")
		cancel()
	}()

	tr := goble.New(logger)
	reg := registry.New(logger)
	if err := tr.Scan(ctx, scanDuration, reg.Record); err != nil {
		return err
	}

	devices := reg.List()
	if len(devices) == 0 {
		fmt.Println("No devices discovered")
		return nil
	}

	if scanFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(devices)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CODE\tNAME\tADDRESS\tRSSI")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d dBm\n", d.Code, d.Name, d.Address, d.RSSI)
	}
	return w.Flush()
}
