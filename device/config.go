// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

// Package device assembles the controller: configuration, the shared
// singletons (durable store, link bits, command queue), and the task
// set. Hardware collaborators — the PWM outputs, the Wi-Fi radio, the
// short-range transport — are injected; everything else is built
// here.
package device

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the device configuration, loaded from a single YAML file
// with no discovery or fallbacks. Absent fields take the defaults
// below; these are first-boot values, not a runtime command surface.
type Config struct {
	// DeviceID names this unit on the cloud link and in the local
	// channel's advertised name.
	DeviceID string `yaml:"device_id"`

	// TrustRootPath locates the factory trust-root blob.
	TrustRootPath string `yaml:"trust_root"`

	Storage       StorageConfig       `yaml:"storage"`
	Update        UpdateConfig        `yaml:"update"`
	Cloud         CloudConfig         `yaml:"cloud"`
	Commissioning CommissioningConfig `yaml:"commissioning"`
	Schedule      ScheduleConfig      `yaml:"schedule"`
	Pump          PumpConfig          `yaml:"pump"`
	Control       ControlConfig       `yaml:"control"`
	Status        StatusConfig        `yaml:"status"`
}

// StorageConfig locates the durable store.
type StorageConfig struct {
	Dir string `yaml:"dir"`
}

// UpdateConfig locates the firmware slots.
type UpdateConfig struct {
	SlotsDir string `yaml:"slots_dir"`
}

// CloudConfig is the MQTT link configuration.
type CloudConfig struct {
	Endpoint           string `yaml:"endpoint"`
	HeartbeatTopic     string `yaml:"heartbeat_topic"`
	AuditTopic         string `yaml:"audit_topic"`
	HeartbeatIntervalS int    `yaml:"heartbeat_interval_s"`
	AllowLegacyJobs    bool   `yaml:"allow_legacy_jobs"`
}

// CommissioningConfig holds the arbiter windows and the optional
// expected proof-of-possession.
type CommissioningConfig struct {
	FallbackS   int    `yaml:"fallback_s"`
	StableMin   int    `yaml:"stable_min"`
	ReopenS     int    `yaml:"reopen_s"`
	ExpectedPoP string `yaml:"expected_pop"`
}

// ScheduleConfig is the default light schedule, as "HH:MM" strings.
type ScheduleConfig struct {
	On         string `yaml:"on"`
	Off        string `yaml:"off"`
	Timezone   string `yaml:"tz"`
	LightOnPct int    `yaml:"light_on_pct"`
}

// PumpConfig is the default pump cycle.
type PumpConfig struct {
	OnMin        int `yaml:"on_min"`
	PeriodMin    int `yaml:"period_min"`
	IntensityPct int `yaml:"intensity_pct"`
}

// ControlConfig tunes the command pipeline.
type ControlConfig struct {
	QueueDepth int `yaml:"queue_depth"`
	StepMS     int `yaml:"step_ms"`

	// PWMFrequencyHz is passed through to the outputs driver; the
	// core does not interpret it. LightPin and PumpPin are parsed but
	// not read by the core or the bundled drivers.
	PWMFrequencyHz int `yaml:"pwm_freq_hz"`
	LightPin       int `yaml:"light_pin"`
	PumpPin        int `yaml:"pump_pin"`
}

// StatusConfig controls the local status endpoint.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// DefaultConfig returns the first-boot configuration.
func DefaultConfig() Config {
	return Config{
		DeviceID:      "verdant",
		TrustRootPath: "/etc/verdant/trustroot.bin",
		Storage:       StorageConfig{Dir: "/var/lib/verdant/store"},
		Update:        UpdateConfig{SlotsDir: "/var/lib/verdant/slots"},
		Cloud: CloudConfig{
			HeartbeatTopic:     "verdant/heartbeat",
			AuditTopic:         "verdant/audit",
			HeartbeatIntervalS: 60,
		},
		Commissioning: CommissioningConfig{
			FallbackS: 60,
			StableMin: 5,
			ReopenS:   180,
		},
		Schedule: ScheduleConfig{
			On:         "07:00",
			Off:        "21:00",
			Timezone:   "UTC",
			LightOnPct: 100,
		},
		Pump: PumpConfig{
			OnMin:        15,
			PeriodMin:    60,
			IntensityPct: 60,
		},
		Control: ControlConfig{
			QueueDepth:     8,
			StepMS:         50,
			PWMFrequencyHz: 5000,
			LightPin:       18,
			PumpPin:        19,
		},
		Status: StatusConfig{Listen: "127.0.0.1:8900"},
	}
}

// LoadConfig reads the configuration file at path over the defaults.
// A missing file is an error: the path is explicit, so a typo should
// not silently run on defaults.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate checks the fields the core interprets.
func (c Config) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("config: device_id is required")
	}
	if c.Storage.Dir == "" {
		return fmt.Errorf("config: storage.dir is required")
	}
	if _, _, err := parseHourMinute(c.Schedule.On); err != nil {
		return fmt.Errorf("config: schedule.on: %w", err)
	}
	if _, _, err := parseHourMinute(c.Schedule.Off); err != nil {
		return fmt.Errorf("config: schedule.off: %w", err)
	}
	if c.Schedule.LightOnPct < 0 || c.Schedule.LightOnPct > 100 {
		return fmt.Errorf("config: schedule.light_on_pct out of range: %d", c.Schedule.LightOnPct)
	}
	if c.Pump.IntensityPct < 0 || c.Pump.IntensityPct > 100 {
		return fmt.Errorf("config: pump.intensity_pct out of range: %d", c.Pump.IntensityPct)
	}
	return nil
}

// HeartbeatInterval returns the configured heartbeat period.
func (c CloudConfig) HeartbeatInterval() time.Duration {
	if c.HeartbeatIntervalS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.HeartbeatIntervalS) * time.Second
}

// parseHourMinute parses "HH:MM".
func parseHourMinute(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%q is not HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%q has a bad hour", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%q has a bad minute", s)
	}
	return hour, minute, nil
}
