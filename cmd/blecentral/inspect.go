package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blecentral/inspector"
	"github.com/srg/blecentral/internal/bledb"
	"github.com/srg/blecentral/internal/device"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <device-address>",
		Short: "Inspect services, characteristics, and descriptors of a BLE device",
		Long: `Connects to a BLE device by address and discovers its services,
characteristics, and descriptors. With --read, readable characteristic values
are included.`,
		Args: cobra.ExactArgs(1),
		RunE: runInspect,
	}
	cmd.Flags().Duration("connect-timeout", 30*time.Second, "Connection timeout")
	cmd.Flags().Duration("discovery-timeout", 10*time.Second, "Attribute discovery timeout")
	cmd.Flags().Bool("read", false, "Read readable characteristic values")
	cmd.Flags().Bool("json", false, "Output as JSON")
	cmd.Flags().BoolP("verbose", "v", false, "Verbose output")
	return cmd
}

func runInspect(cmd *cobra.Command, args []string) error {
	peer := device.ResolvePeerAddress(args[0])

	opts := inspector.DefaultInspectOptions()
	opts.ConnectTimeout, _ = cmd.Flags().GetDuration("connect-timeout")
	opts.DiscoveryTimeout, _ = cmd.Flags().GetDuration("discovery-timeout")
	opts.ReadValues, _ = cmd.Flags().GetBool("read")
	asJSON, _ := cmd.Flags().GetBool("json")

	logger, err := configureLogger(cmd, "verbose", logrus.PanicLevel)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	link, release, err := openLink(cmd, device.ScanParams{Active: true}, device.ConnParams{}, logger)
	if err != nil {
		return err
	}
	defer release()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Inspecting device %s", peer), "Connecting", 0, "Processing results", "Failed")
	progress.Start()
	defer progress.Stop()

	out := cmd.OutOrStdout()
	_, err = inspector.InspectDevice(ctx, link, peer, opts, logger, progress.Callback(),
		func(ctx context.Context, in *inspector.Inspection) (struct{}, error) {
			if asJSON {
				return struct{}{}, writeInspectJSON(ctx, out, in)
			}
			return struct{}{}, writeInspectText(ctx, out, in)
		})
	return err
}

func writeInspectJSON(ctx context.Context, w io.Writer, in *inspector.Inspection) error {
	data, err := json.MarshalIndent(inspector.Report(ctx, in), "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func writeInspectText(ctx context.Context, w io.Writer, in *inspector.Inspection) error {
	bold := color.New(color.Bold).SprintFunc()
	faint := color.New(color.Faint).SprintFunc()

	state := "complete"
	if !in.Tree.Complete {
		state = color.YellowString("partial")
	}
	fmt.Fprintf(w, "Device %s (%d services, %s)\n", bold(in.Conn.Peer().String()), len(in.Tree.Services), state)

	for _, svc := range in.Tree.Services {
		fmt.Fprintf(w, "  Service %s\n", bold(device.DisplayName(svc.UUID, bledb.LookupService)))
		for _, chr := range svc.Characteristics {
			fmt.Fprintf(w, "    Characteristic %s [%s] %s\n",
				device.DisplayName(chr.UUID, bledb.LookupCharacteristic),
				chr.Properties,
				faint(fmt.Sprintf("handle=0x%04x", uint16(chr.ValueHandle))))

			if in.Options.ReadValues && chr.Properties.CanRead() {
				value, err := in.Discoverer.Read(ctx, chr)
				if err != nil {
					fmt.Fprintf(w, "      value: %s\n", color.RedString("read failed: %v", err))
				} else {
					fmt.Fprintf(w, "      value: %s\n", hex.EncodeToString(value))
				}
			}
			for _, d := range chr.Descriptors {
				fmt.Fprintf(w, "      Descriptor %s\n", device.DisplayName(d.UUID, bledb.LookupDescriptor))
			}
		}
	}
	return nil
}
