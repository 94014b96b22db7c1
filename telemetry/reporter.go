// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/verdant-foundation/verdant/lib/clock"
	"github.com/verdant-foundation/verdant/lib/events"
	"github.com/verdant-foundation/verdant/schedule"
	"github.com/verdant-foundation/verdant/store"
)

// DefaultHeartbeatInterval applies when the configuration leaves the
// interval unset.
const DefaultHeartbeatInterval = 60 * time.Second

// Publisher delivers telemetry to the cloud. The MQTT client
// implements it.
type Publisher interface {
	PublishHeartbeat(payload []byte) error
	PublishAudit(line string) error
}

// SystemInfo supplies the host facts a heartbeat carries.
type SystemInfo interface {
	// Uptime since process start.
	Uptime() time.Duration

	// ResetReason describes why the previous run ended.
	ResetReason() string

	// MinFreeBytes is the lowest observed free-memory watermark.
	MinFreeBytes() uint64
}

// RSSIReader reports link signal strength. The network supervisor
// implements it.
type RSSIReader interface {
	RSSI() (int, bool)
}

// Heartbeat is the periodic status message.
type Heartbeat struct {
	Timestamp   int64  `json:"ts"`
	UptimeS     int64  `json:"uptime_s"`
	ResetReason string `json:"reset_reason"`
	MinFreeHeap uint64 `json:"min_free_heap"`
	WifiRSSI    *int   `json:"wifi_rssi,omitempty"`
	NextOnUTC   int64  `json:"next_on_utc,omitempty"`
	NextOffUTC  int64  `json:"next_off_utc,omitempty"`
}

// Reporter drains the audit queue and emits heartbeats. Nothing is
// published while the cloud session is down — heartbeats are skipped,
// and audit lines drained in that time go to the local log only.
type Reporter struct {
	Audit     *Audit
	Bits      *events.Group
	Clock     clock.Clock
	Publisher Publisher
	System    SystemInfo
	Signal    RSSIReader // may be nil
	Store     *store.Store
	Defaults  schedule.Config

	// Interval between heartbeats; zero selects the default.
	Interval time.Duration

	// Pet feeds the safety watchdog. May be nil.
	Pet func()

	Log *slog.Logger
}

// Run emits until ctx is done.
func (r *Reporter) Run(ctx context.Context) error {
	log := r.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "telemetry")
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}

	ticker := r.Clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if r.Pet != nil {
				r.Pet()
			}
			if !r.Bits.Test(events.CloudSessionUp) {
				continue
			}
			if err := r.publishHeartbeat(); err != nil {
				log.Warn("heartbeat publish failed", "error", err)
			}

		case line := <-r.Audit.Lines():
			if !r.Bits.Test(events.CloudSessionUp) {
				// Requeue-free: log locally and move on; the
				// line already served its purpose in the local
				// journal.
				log.Info("audit (offline)", "line", line)
				continue
			}
			if err := r.Publisher.PublishAudit(line); err != nil {
				log.Warn("audit publish failed", "error", err)
			}
		}
	}
}

// publishHeartbeat assembles and sends one heartbeat.
func (r *Reporter) publishHeartbeat() error {
	now := r.Clock.Now()
	heartbeat := Heartbeat{
		Timestamp:   now.Unix(),
		UptimeS:     int64(r.System.Uptime() / time.Second),
		ResetReason: r.System.ResetReason(),
		MinFreeHeap: r.System.MinFreeBytes(),
	}
	if r.Signal != nil {
		if rssi, ok := r.Signal.RSSI(); ok {
			heartbeat.WifiRSSI = &rssi
		}
	}
	if config, err := schedule.LoadConfig(r.Store, r.Defaults); err == nil {
		nextOn, nextOff := config.NextEvents(now)
		heartbeat.NextOnUTC = nextOn.Unix()
		heartbeat.NextOffUTC = nextOff.Unix()
	}

	payload, err := json.Marshal(heartbeat)
	if err != nil {
		return err
	}
	return r.Publisher.PublishHeartbeat(payload)
}
