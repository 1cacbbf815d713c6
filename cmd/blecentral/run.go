package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/gpio"
	"github.com/srg/blecentral/internal/lua"
	"github.com/srg/blecentral/internal/ptyio"
	"github.com/srg/blecentral/internal/session"
	"github.com/srg/blecentral/internal/subscription"
	"github.com/srg/blecentral/pkg/config"
)

// ptyBufferSize is the ring capacity of the notification PTY in each direction.
const ptyBufferSize = 64 * 1024

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scan, connect and subscribe loop",
		Long: `Scans for a device advertising one of the target services, connects,
discovers its attributes and subscribes to every notifiable characteristic.
Each notification toggles the GPIO line. When the device disconnects the scan
starts again unless auto rescan is disabled.

Settings come from the --config YAML file; flags override it.`,
		Args: cobra.NoArgs,
		RunE: runSession,
	}
	cmd.Flags().StringP("config", "c", "", "YAML configuration file")
	cmd.Flags().StringSliceP("target", "t", nil, "Service UUIDs to connect to")
	cmd.Flags().Bool("no-rescan", false, "Exit when the first session ends")
	cmd.Flags().Duration("duration", 0, "Stop after this long (0 runs until interrupted)")
	cmd.Flags().Bool("no-gpio", false, "Do not toggle a GPIO line")
	cmd.Flags().Int("gpio-pin", gpio.DefaultPin, "GPIO line toggled per notification")
	cmd.Flags().String("gpio-sysfs", "", "sysfs GPIO root (e.g. /sys/class/gpio); empty only logs level changes")
	cmd.Flags().Bool("pty", false, "Stream notifications to a pseudo-terminal")
	cmd.Flags().String("stream-format", "", "PTY stream format (text, raw)")
	cmd.Flags().String("script", "", "Lua script defining on_notification(n)")
	cmd.Flags().BoolP("verbose", "v", false, "Verbose output")
	return cmd
}

// loadRunConfig reads --config and applies the flags the user set.
func loadRunConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("target") {
		cfg.Scan.Targets, _ = flags.GetStringSlice("target")
	}
	if flags.Changed("no-rescan") {
		noRescan, _ := flags.GetBool("no-rescan")
		cfg.Session.AutoRescan = !noRescan
	}
	if flags.Changed("no-gpio") {
		noGPIO, _ := flags.GetBool("no-gpio")
		cfg.GPIO.Enabled = !noGPIO
	}
	if flags.Changed("gpio-pin") {
		cfg.GPIO.Pin, _ = flags.GetInt("gpio-pin")
	}
	if flags.Changed("gpio-sysfs") {
		cfg.GPIO.Sysfs, _ = flags.GetString("gpio-sysfs")
	}
	if flags.Changed("pty") {
		cfg.Stream.PTY, _ = flags.GetBool("pty")
	}
	if flags.Changed("stream-format") {
		cfg.Stream.Format, _ = flags.GetString("stream-format")
	}
	if flags.Changed("script") {
		cfg.Script, _ = flags.GetString("script")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runSession(cmd *cobra.Command, _ []string) error {
	cfg, err := loadRunConfig(cmd)
	if err != nil {
		return err
	}
	opts, err := cfg.SessionOptions()
	if err != nil {
		return err
	}
	level, _ := cfg.Level()
	logger, err := configureLogger(cmd, "verbose", level)
	if err != nil {
		return err
	}
	duration, _ := cmd.Flags().GetDuration("duration")

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	handler, cleanup, err := buildHandlers(ctx, cfg, cmd.OutOrStdout(), cmd.ErrOrStderr(), logger)
	if err != nil {
		return err
	}
	defer cleanup()

	link, release, err := openLink(cmd, opts.Scan, opts.ConnParams, logger)
	if err != nil {
		return err
	}
	defer release()

	ctrl, err := session.New(link, opts, handler, logger)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"targets":     opts.Targets,
		"auto_rescan": opts.AutoRescan,
	}).Info("Starting scan")
	runErr := ctrl.Run(ctx)

	stats := ctrl.Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "sessions=%d connect_failures=%d disconnects=%d\n",
		stats.Sessions, stats.ConnectFailure, stats.Disconnects)
	return runErr
}

// buildHandlers assembles the notification consumers selected by cfg. The
// returned cleanup releases them in reverse order.
func buildHandlers(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer, logger *logrus.Logger) (subscription.Handler, func(), error) {
	var (
		handlers = []subscription.Handler{session.LogHandler(logger)}
		cleanups []func()
	)
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if cfg.GPIO.Enabled {
		var pin gpio.Pin = gpio.NewLogPin(cfg.GPIO.Pin, logger)
		if cfg.GPIO.Sysfs != "" {
			sysfs, err := gpio.OpenSysfsPin(cfg.GPIO.Sysfs, cfg.GPIO.Pin)
			if err != nil {
				return nil, nil, err
			}
			pin = sysfs
		}
		toggler, err := gpio.NewToggler(pin)
		if err != nil {
			return nil, nil, err
		}
		handlers = append(handlers, session.GPIOHandler(toggler, logger))
	}

	if cfg.Script != "" {
		engine := lua.NewEngine(logger)
		if err := engine.LoadScriptFile(cfg.Script); err != nil {
			engine.Close()
			cleanup()
			return nil, nil, err
		}
		drainer := lua.NewOutputDrainer(ctx, engine.OutputChannel(), logger, stdout, stderr)
		cleanups = append(cleanups, func() {
			drainer.Cancel()
			drainer.Wait()
			engine.Close()
		})
		handlers = append(handlers, engine.Handler())
	}

	if cfg.Stream.PTY {
		format, err := ptyio.ParseFormat(cfg.Stream.Format)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		p, err := ptyio.NewPty(ptyBufferSize, logger)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		cleanups = append(cleanups, func() {
			if err := p.Close(); err != nil {
				logger.WithError(err).Debug("PTY close failed")
			}
		})
		fmt.Fprintf(stdout, "Notification stream: %s\n", p.TTYName())
		handlers = append(handlers, ptyio.NewSink(p, format, logger).Handler())
	}

	return session.Fanout(handlers...), cleanup, nil
}
