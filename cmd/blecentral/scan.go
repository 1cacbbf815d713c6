package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/scanner"
)

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for BLE devices",
		Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

Devices advertising one of the --target services are marked as matches; these
are the devices the run command would connect to.`,
		RunE: runScan,
	}
	cmd.Flags().DurationP("duration", "d", 10*time.Second, "Scan duration (0 scans until interrupted)")
	cmd.Flags().StringP("format", "f", "table", "Output format (table, json)")
	cmd.Flags().StringSliceP("target", "t", nil, "Service UUIDs that mark a device as a match")
	cmd.Flags().Bool("only-matches", false, "Only list devices advertising a target service")
	cmd.Flags().StringSlice("ignore", nil, "Hide devices with these addresses")
	cmd.Flags().Int("min-rssi", 0, "Hide devices weaker than this RSSI (dBm)")
	cmd.Flags().Bool("duplicates", false, "Report every advertisement instead of the first per device")
	cmd.Flags().Bool("passive", false, "Passive scan (no scan requests, names may be missing)")
	cmd.Flags().BoolP("watch", "w", false, "Continuously scan and redraw the table")
	cmd.Flags().BoolP("verbose", "v", false, "Verbose output")
	return cmd
}

func runScan(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("format")
	if format != "table" && format != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", format)
	}

	opts, err := scanOptionsFromFlags(cmd)
	if err != nil {
		return err
	}
	watch, _ := cmd.Flags().GetBool("watch")

	logger, err := configureLogger(cmd, "verbose", logrus.PanicLevel)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	link, release, err := openLink(cmd, device.ScanParams{Active: opts.Active}, device.ConnParams{}, logger)
	if err != nil {
		return err
	}
	defer release()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := scanner.NewScanner(link, logger)
	if watch {
		opts.AllowDuplicates = true
		return runWatchMode(ctx, cmd.OutOrStdout(), s, opts, format)
	}

	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Scanning for BLE devices", "Scanning", opts.Duration, "Processing results", "Failed")
	progress.Start()
	devices, err := s.Scan(ctx, opts, progress.Callback())
	progress.Stop()
	if err != nil {
		return err
	}
	return displayDevices(cmd.OutOrStdout(), devices, format)
}

func scanOptionsFromFlags(cmd *cobra.Command) (*scanner.ScanOptions, error) {
	opts := scanner.DefaultScanOptions()
	opts.Duration, _ = cmd.Flags().GetDuration("duration")
	opts.OnlyMatches, _ = cmd.Flags().GetBool("only-matches")
	opts.MinRSSI, _ = cmd.Flags().GetInt("min-rssi")
	opts.AllowDuplicates, _ = cmd.Flags().GetBool("duplicates")
	passive, _ := cmd.Flags().GetBool("passive")
	opts.Active = !passive

	targets, _ := cmd.Flags().GetStringSlice("target")
	if len(targets) > 0 {
		normalized, err := device.ValidateUUID(targets...)
		if err != nil {
			return nil, fmt.Errorf("invalid target UUID: %w", err)
		}
		opts.Targets = normalized
	}
	if opts.OnlyMatches && len(opts.Targets) == 0 {
		return nil, fmt.Errorf("--only-matches requires at least one --target")
	}

	ignored, _ := cmd.Flags().GetStringSlice("ignore")
	for _, a := range ignored {
		addr, err := device.ParsePeerAddress(a)
		if err != nil {
			return nil, err
		}
		opts.Ignored = append(opts.Ignored, addr)
	}
	return opts, nil
}

// runWatchMode redraws the device table once per second until ctx is done.
func runWatchMode(ctx context.Context, w io.Writer, s *scanner.Scanner, opts *scanner.ScanOptions, format string) error {
	scanErr := make(chan error, 1)
	go func() {
		_, err := s.Scan(ctx, opts, nil)
		scanErr <- err
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case err := <-scanErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			clearScreen(w)
			return displayDevices(w, s.Devices(), format)
		case <-ticker.C:
			clearScreen(w)
			if err := displayDevices(w, s.Devices(), format); err != nil {
				return err
			}
		}
	}
}

func displayDevices(w io.Writer, devices []scanner.DeviceInfo, format string) error {
	if format == "json" {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if devices == nil {
			devices = []scanner.DeviceInfo{}
		}
		return encoder.Encode(devices)
	}
	if len(devices) == 0 {
		fmt.Fprintln(w, "No devices discovered")
		return nil
	}
	return displayDevicesTable(w, devices)
}

func displayDevicesTable(w io.Writer, devices []scanner.DeviceInfo) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tRSSI\tSERVICES\tMATCH\tLAST SEEN")
	fmt.Fprintln(tw, strings.Repeat("-", 80))

	match := color.New(color.FgGreen, color.Bold).SprintFunc()
	for _, dev := range devices {
		name := dev.Name
		if name == "" {
			name = "(unknown)"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}

		services := strings.Join(dev.Services, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}

		marker := ""
		if dev.Matched {
			marker = match("yes")
		}

		lastSeen := time.Since(dev.LastSeen).Truncate(time.Second)
		fmt.Fprintf(tw, "%s\t%s\t%d dBm\t%s\t%s\t%s ago\n",
			name, dev.Address, dev.RSSI, services, marker, lastSeen)
	}
	return tw.Flush()
}

func clearScreen(w io.Writer) {
	fmt.Fprint(w, "\033[2J\033[H")
}
