package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/device"
	goble "github.com/srg/blecentral/internal/device/go-ble"
	"github.com/srg/blecentral/internal/device/sim"
)

// openLink returns the link selected by --simulate, or the platform radio.
// The returned function releases it.
func openLink(cmd *cobra.Command, scan device.ScanParams, initial device.ConnParams, logger *logrus.Logger) (device.Link, func(), error) {
	profilePath, _ := cmd.Flags().GetString("simulate")
	if profilePath != "" {
		profile, err := sim.LoadProfile(profilePath)
		if err != nil {
			return nil, nil, err
		}
		link, err := sim.New(logger, profile, sim.Options{})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to start simulated link: %w", err)
		}
		logger.WithFields(logrus.Fields{
			"profile":     profilePath,
			"peripherals": len(profile.Peripherals),
		}).Info("Using simulated peripherals")
		return link, link.Close, nil
	}

	link, err := goble.Open(scan, initial, logger, goble.Options{})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open BLE adapter: %w", err)
	}
	return link, func() {
		if err := link.Close(); err != nil {
			logger.WithError(err).Debug("Adapter close failed")
		}
	}, nil
}
