package main

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/lua"
	"github.com/srg/blecentral/internal/subscription"
)

// scriptOutputBuffer caps the records kept from one dry run.
const scriptOutputBuffer = 1024

func newScriptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "script <file.lua> [hex-payload...]",
		Short: "Dry-run a notification script against sample payloads",
		Long: `Loads a Lua script and calls its on_notification(n) handler once per
hex payload, without touching the radio. The table n carries address, service,
characteristic, data, indication, seq and conn, as during a session.`,
		Example: `  blecentral script handler.lua 0004 00050000`,
		Args:    cobra.MinimumNArgs(1),
		RunE:    runScript,
	}
	cmd.Flags().String("address", "00:00:00:00:00:01", "Peer address passed to the handler")
	cmd.Flags().String("service", "1812", "Service UUID passed to the handler")
	cmd.Flags().String("characteristic", "2a4d", "Characteristic UUID passed to the handler")
	cmd.Flags().Bool("indicate", false, "Mark the samples as indications")
	return cmd
}

func runScript(cmd *cobra.Command, args []string) error {
	peer, err := device.ParsePeerAddress(mustString(cmd, "address"))
	if err != nil {
		return err
	}
	uuids, err := device.ValidateUUID(mustString(cmd, "service"), mustString(cmd, "characteristic"))
	if err != nil {
		return err
	}
	indicate, _ := cmd.Flags().GetBool("indicate")

	payloads := make([][]byte, 0, len(args)-1)
	for _, arg := range args[1:] {
		data, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(arg), "0x"))
		if err != nil {
			return fmt.Errorf("invalid payload %q: %w", arg, err)
		}
		payloads = append(payloads, data)
	}

	logger, err := configureLogger(cmd, "", logrus.PanicLevel)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	engine := lua.NewEngine(logger)
	defer engine.Close()
	if err := engine.LoadScriptFile(args[0]); err != nil {
		return err
	}

	collector, err := lua.NewOutputCollector(engine.OutputChannel(), scriptOutputBuffer, func(err error) {
		logger.WithError(err).Error("Script output collection failed")
	})
	if err != nil {
		return err
	}
	if err := collector.Start(); err != nil {
		return err
	}

	for i, data := range payloads {
		engine.Handle(subscription.Notification{
			Conn:               1,
			Peer:               peer,
			ServiceUUID:        uuids[0],
			CharacteristicUUID: uuids[1],
			Data:               data,
			Indication:         indicate,
			Seq:                uint64(i + 1),
			ReceivedAt:         time.Now(),
		})
	}

	if err := collector.Stop(); err != nil {
		return err
	}
	if _, err := collector.Flush(); err != nil {
		return err
	}

	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	if err := collector.ConsumeRecords(func(rec lua.OutputRecord) error {
		if rec.Source == "stderr" {
			_, err := fmt.Fprint(errOut, rec.Content)
			return err
		}
		_, err := fmt.Fprint(out, rec.Content)
		return err
	}); err != nil {
		return err
	}

	if failed := engine.Errors(); failed > 0 {
		return fmt.Errorf("%d of %d handler calls failed", failed, engine.Calls())
	}
	return nil
}

func mustString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}
