// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

// Command verdantd is the controller daemon. It loads the device
// configuration, wires the hardware drivers to the coordination
// fabric, and runs until a shutdown signal or a reset request. The
// process supervisor (systemd on the reference image) restarts it on
// the reset exit code, which is this platform's device reset.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/verdant-foundation/verdant/control"
	"github.com/verdant-foundation/verdant/device"
	"github.com/verdant-foundation/verdant/drivers/nmradio"
	"github.com/verdant-foundation/verdant/drivers/sysfspwm"
	"github.com/verdant-foundation/verdant/station"
)

// resetExitCode tells the process supervisor this exit is a requested
// reset, not a crash.
const resetExitCode = 86

func main() {
	configPath := pflag.String("config", "/etc/verdant/verdant.yaml", "device configuration file")
	logLevel := pflag.String("log-level", "info", "log level: debug, info, warn, error")
	pwmChip := pflag.String("pwm-chip", "/sys/class/pwm/pwmchip0", "sysfs PWM chip directory")
	wifiInterface := pflag.String("wifi-interface", "wlan0", "Wi-Fi station interface")
	simulate := pflag.Bool("simulate", false, "run with simulated drivers (no hardware)")
	pflag.Parse()

	log := newLogger(*logLevel)
	slog.SetDefault(log)

	if err := run(log, *configPath, *pwmChip, *wifiInterface, *simulate); err != nil {
		if errors.Is(err, device.ErrResetRequested) {
			log.Warn("exiting for reset")
			os.Exit(resetExitCode)
		}
		log.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, configPath, pwmChip, wifiInterface string, simulate bool) error {
	config, err := device.LoadConfig(configPath)
	if err != nil {
		return err
	}
	log.Info("starting verdantd", "device_id", config.DeviceID, "config", configPath)

	collaborators, cleanup, err := buildCollaborators(config, pwmChip, wifiInterface, simulate, log)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = device.Run(ctx, config, collaborators, log)
	if errors.Is(err, context.Canceled) {
		log.Info("shutdown complete")
		return nil
	}
	return err
}

// buildCollaborators selects the driver set. Simulation keeps the
// full fabric running on a bench machine with no PWM chip or
// NetworkManager.
func buildCollaborators(config device.Config, pwmChip, wifiInterface string, simulate bool, log *slog.Logger) (device.Collaborators, func(), error) {
	if simulate {
		log.Warn("running with simulated drivers")
		return device.Collaborators{
			Outputs: control.NewFakeOutputs(true),
			Radio:   station.NewFakeRadio(),
		}, func() {}, nil
	}

	outputs, err := sysfspwm.New(pwmChip, 0, 1, config.Control.PWMFrequencyHz)
	if err != nil {
		return device.Collaborators{}, nil, fmt.Errorf("opening PWM outputs: %w", err)
	}
	radio := nmradio.New(wifiInterface, log)
	return device.Collaborators{
		Outputs: outputs,
		Radio:   radio,
	}, radio.Close, nil
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel}))
}
