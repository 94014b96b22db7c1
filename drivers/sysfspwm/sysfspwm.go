// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

// Package sysfspwm drives the two output channels through the Linux
// sysfs PWM interface (/sys/class/pwm). It has no hardware fade
// support; the control pipeline interpolates ramps in software and
// calls Apply once per step.
package sysfspwm

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Outputs implements control.Outputs over one pwmchip with two
// channels.
type Outputs struct {
	chipDir  string
	light    int
	pump     int
	periodNS int64
}

// New opens the chip at chipDir (e.g. /sys/class/pwm/pwmchip0),
// exports both channels, and programs the carrier period from
// frequencyHz.
func New(chipDir string, lightChannel, pumpChannel, frequencyHz int) (*Outputs, error) {
	if frequencyHz <= 0 {
		return nil, fmt.Errorf("sysfspwm: non-positive frequency %d", frequencyHz)
	}
	outputs := &Outputs{
		chipDir:  chipDir,
		light:    lightChannel,
		pump:     pumpChannel,
		periodNS: int64(time.Second) / int64(frequencyHz),
	}
	for _, channel := range []int{lightChannel, pumpChannel} {
		if err := outputs.exportChannel(channel); err != nil {
			return nil, err
		}
	}
	return outputs, nil
}

func (o *Outputs) channelDir(channel int) string {
	return filepath.Join(o.chipDir, "pwm"+strconv.Itoa(channel))
}

func (o *Outputs) exportChannel(channel int) error {
	if _, err := os.Stat(o.channelDir(channel)); err == nil {
		// Already exported by a previous run.
	} else {
		if err := writeAttr(filepath.Join(o.chipDir, "export"), strconv.Itoa(channel)); err != nil {
			return fmt.Errorf("exporting pwm channel %d: %w", channel, err)
		}
	}
	dir := o.channelDir(channel)
	if err := writeAttr(filepath.Join(dir, "period"), strconv.FormatInt(o.periodNS, 10)); err != nil {
		return fmt.Errorf("setting period on channel %d: %w", channel, err)
	}
	if err := writeAttr(filepath.Join(dir, "duty_cycle"), "0"); err != nil {
		return fmt.Errorf("zeroing channel %d: %w", channel, err)
	}
	if err := writeAttr(filepath.Join(dir, "enable"), "1"); err != nil {
		return fmt.Errorf("enabling channel %d: %w", channel, err)
	}
	return nil
}

// Apply implements control.Outputs.
func (o *Outputs) Apply(lightPercent, pumpPercent uint8, _ time.Duration) error {
	if err := o.setDuty(o.light, lightPercent); err != nil {
		return err
	}
	return o.setDuty(o.pump, pumpPercent)
}

// HardwareRamp implements control.Outputs.
func (o *Outputs) HardwareRamp() bool { return false }

func (o *Outputs) setDuty(channel int, percent uint8) error {
	if percent > 100 {
		percent = 100
	}
	duty := o.periodNS * int64(percent) / 100
	path := filepath.Join(o.channelDir(channel), "duty_cycle")
	if err := writeAttr(path, strconv.FormatInt(duty, 10)); err != nil {
		return fmt.Errorf("setting duty on channel %d: %w", channel, err)
	}
	return nil
}

func writeAttr(path, value string) error {
	return os.WriteFile(path, []byte(value), 0o644)
}
