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

// newRootCmd builds the command tree. Commands are built per invocation so
// flag state never leaks between runs.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "blecentral",
		Short: "Bluetooth Low Energy central",
		Long: `Bluetooth Low Energy (BLE) central that scans for devices advertising a
target service, connects, discovers their attribute database and subscribes to
every notifiable characteristic.

- scan     list nearby advertisers
- inspect  connect to one device and print its services
- run      the unattended session loop: scan, connect, subscribe, rescan
- script   dry-run a Lua notification handler

Notifications toggle a GPIO line and can be streamed to a PTY or handed to a
Lua script.`,
		Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
		// main() prints clean errors
		SilenceErrors: true,
	}

	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().String("simulate", "", "Use simulated peripherals from a YAML profile instead of the radio")

	root.AddCommand(newScanCmd())
	root.AddCommand(newInspectCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newScriptCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
