// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/verdant-foundation/verdant/cloud"
	"github.com/verdant-foundation/verdant/commission"
	"github.com/verdant-foundation/verdant/control"
	"github.com/verdant-foundation/verdant/lib/clock"
	"github.com/verdant-foundation/verdant/lib/events"
	"github.com/verdant-foundation/verdant/lib/trustroot"
	"github.com/verdant-foundation/verdant/safety"
	"github.com/verdant-foundation/verdant/schedule"
	"github.com/verdant-foundation/verdant/station"
	"github.com/verdant-foundation/verdant/statusserver"
	"github.com/verdant-foundation/verdant/store"
	"github.com/verdant-foundation/verdant/store/badgerstore"
	"github.com/verdant-foundation/verdant/telemetry"
	"github.com/verdant-foundation/verdant/update"
)

// Collaborators are the hardware-facing drivers injected by the
// platform layer. Transport and Time may be nil when the build has no
// short-range radio or sync source.
type Collaborators struct {
	Outputs   control.Outputs
	Radio     station.Radio
	Transport commission.Transport
	Time      station.TimeSource
}

// Watchdog budgets per task. The control budget covers the longest
// hardware ramp wait; the others are loop periods with headroom.
const (
	controlBudget   = 45 * time.Second
	scheduleBudget  = 15 * time.Second
	arbiterBudget   = 15 * time.Second
	telemetryBudget = 5 * time.Minute
)

// Run assembles the controller and blocks until ctx is done or a
// component requests a reset. The returned error is
// ErrResetRequested for deliberate resets.
func Run(parent context.Context, cfg Config, col Collaborators, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	resetter := &Resetter{Log: log, Cancel: cancel}

	// Singletons.
	backend, err := badgerstore.Open(cfg.Storage.Dir, log)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer backend.Close()

	appContext := &Context{
		Config:   cfg,
		Store:    store.New(backend, log),
		Bits:     events.NewGroup(),
		Queue:    control.NewQueue(cfg.Control.QueueDepth),
		Snapshot: &control.Snapshot{},
		Clock:    clock.Real(),
		Audit:    telemetry.NewAudit(),
		Log:      log,
	}

	root, err := trustroot.Load(cfg.TrustRootPath)
	if err != nil {
		// A device without a trust root can still grow plants; it
		// just cannot take updates or reach the cloud.
		log.Warn("trust root unavailable", "path", cfg.TrustRootPath, "error", err)
	}
	appContext.Root = root

	auditLog := func(format string, args ...any) {
		if err := appContext.Audit.Log(format, args...); err != nil {
			log.Debug("audit line dropped", "error", err)
		}
	}

	// Update pipeline, and the first-boot confirmation that cancels
	// a pending rollback.
	slots, err := update.NewFileSlots(cfg.Update.SlotsDir)
	if err != nil {
		return fmt.Errorf("opening firmware slots: %w", err)
	}
	updater := &update.Pipeline{
		Store: appContext.Store,
		Slots: slots,
		Root:  root,
		Reset: resetter,
		Audit: auditLog,
		Log:   log,
	}
	updater.Init()
	updater.ConfirmFirstBoot()

	// Safety watchdog.
	watchdog := &safety.Watchdog{
		Queue: appContext.Queue,
		Clock: appContext.Clock,
		Reset: resetter,
		Audit: auditLog,
		Log:   log,
	}
	watchdog.Register("control", controlBudget)
	watchdog.Register("schedule", scheduleBudget)
	watchdog.Register("arbiter", arbiterBudget)
	watchdog.Register("telemetry", telemetryBudget)

	// Network supervisor.
	supervisor := &station.Supervisor{
		Store: appContext.Store,
		Bits:  appContext.Bits,
		Clock: appContext.Clock,
		Radio: col.Radio,
		Time:  col.Time,
		Log:   log,
	}
	if err := supervisor.Init(); err != nil {
		return fmt.Errorf("initializing network supervisor: %w", err)
	}

	// Commissioning arbiter and session.
	arbiter := &commission.Arbiter{
		Bits:          appContext.Bits,
		Clock:         appContext.Clock,
		Stability:     supervisor,
		FallbackAfter: time.Duration(cfg.Commissioning.FallbackS) * time.Second,
		StableFor:     time.Duration(cfg.Commissioning.StableMin) * time.Minute,
		ReopenAfter:   time.Duration(cfg.Commissioning.ReopenS) * time.Second,
		Pet:           watchdog.PetFunc("arbiter"),
		Log:           log,
	}
	session := &commission.Session{
		Store:       appContext.Store,
		Queue:       appContext.Queue,
		Snapshot:    appContext.Snapshot,
		Clock:       appContext.Clock,
		Provision:   &provisioner{context: appContext, supervisor: supervisor},
		Arbiter:     arbiter,
		ExpectedPoP: cfg.Commissioning.ExpectedPoP,
		Log:         log,
	}
	if err := session.Init(); err != nil {
		return fmt.Errorf("initializing commissioning session: %w", err)
	}

	// Cloud client.
	cloudClient := &cloud.Client{
		Config: cloud.Config{
			Endpoint:        cfg.Cloud.Endpoint,
			DeviceID:        cfg.DeviceID,
			HeartbeatTopic:  cfg.Cloud.HeartbeatTopic,
			AuditTopic:      cfg.Cloud.AuditTopic,
			AllowLegacyJobs: cfg.Cloud.AllowLegacyJobs,
		},
		Bits:    appContext.Bits,
		Root:    root,
		Updates: updater,
		Audit:   auditLog,
		Log:     log,
	}

	system := NewSystemInfo(appContext.Clock, resetReason(slots))

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error { return watchdog.Run(groupCtx) })

	group.Go(func() error {
		pipeline := &control.Pipeline{
			Queue:        appContext.Queue,
			Outputs:      col.Outputs,
			Snapshot:     appContext.Snapshot,
			Clock:        appContext.Clock,
			StepInterval: time.Duration(cfg.Control.StepMS) * time.Millisecond,
			Pet:          watchdog.PetFunc("control"),
			Audit:        auditLog,
			Log:          log,
		}
		return pipeline.Run(groupCtx)
	})

	group.Go(func() error {
		engine := &schedule.Engine{
			Store:    appContext.Store,
			Queue:    appContext.Queue,
			Bits:     appContext.Bits,
			Clock:    appContext.Clock,
			Defaults: appContext.ScheduleDefaults(),
			Pet:      watchdog.PetFunc("schedule"),
			Log:      log,
		}
		return engine.Run(groupCtx)
	})

	group.Go(func() error { return supervisor.Run(groupCtx) })
	group.Go(func() error { return arbiter.Run(groupCtx) })

	if col.Transport != nil {
		group.Go(func() error {
			server := &commission.Server{
				Bits:      appContext.Bits,
				Transport: col.Transport,
				Session:   session,
				Log:       log,
			}
			return server.Run(groupCtx)
		})
	}

	group.Go(func() error { return updater.Run(groupCtx) })

	group.Go(func() error {
		reporter := &telemetry.Reporter{
			Audit:     appContext.Audit,
			Bits:      appContext.Bits,
			Clock:     appContext.Clock,
			Publisher: cloudClient,
			System:    system,
			Signal:    supervisor,
			Store:     appContext.Store,
			Defaults:  appContext.ScheduleDefaults().Config,
			Interval:  cfg.Cloud.HeartbeatInterval(),
			Pet:       watchdog.PetFunc("telemetry"),
			Log:       log,
		}
		return reporter.Run(groupCtx)
	})

	// The cloud session waits for a usable link and clock, then
	// connects; paho reconnects on its own afterwards.
	group.Go(func() error {
		if cfg.Cloud.Endpoint == "" || root == nil {
			log.Info("cloud link disabled", "endpoint", cfg.Cloud.Endpoint)
			<-groupCtx.Done()
			return groupCtx.Err()
		}
		if err := appContext.Bits.WaitAll(groupCtx, events.WifiUp|events.TimeSynced); err != nil {
			return err
		}
		if err := cloudClient.Connect(); err != nil {
			log.Error("cloud connect failed", "error", err)
			auditLog("cloud: connect failed: %v", err)
		}
		defer cloudClient.Disconnect()
		return shadowLoop(groupCtx, appContext, cloudClient, updater)
	})

	if cfg.Status.Enabled {
		group.Go(func() error {
			server := &statusserver.Server{
				Addr:     cfg.Status.Listen,
				Snapshot: appContext.Snapshot,
				Bits:     appContext.Bits,
				Store:    appContext.Store,
				Defaults: appContext.ScheduleDefaults().Config,
				Version: func() uint32 {
					version, err := appContext.Store.LoadUint32(update.VersionKey)
					if err != nil {
						return 0
					}
					return version
				},
				Log: log,
			}
			return server.Run(groupCtx)
		})
	}

	err = group.Wait()
	if cause := context.Cause(ctx); errors.Is(cause, ErrResetRequested) {
		return ErrResetRequested
	}
	return err
}

// shadowLoop reports device state through the shadow every five
// minutes while the cloud session is up.
func shadowLoop(ctx context.Context, appContext *Context, client *cloud.Client, updater *update.Pipeline) error {
	ticker := appContext.Clock.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !appContext.Bits.Test(events.CloudSessionUp) {
				continue
			}
			state := appContext.Snapshot.Get()
			config, _ := schedule.LoadConfig(appContext.Store, appContext.ScheduleDefaults().Config)
			version, _ := appContext.Store.LoadUint32(update.VersionKey)
			reported := cloud.ReportedState{
				LightPercent:     state.LightPercent,
				PumpPercent:      state.PumpPercent,
				ScheduleOn:       fmt.Sprintf("%02d:%02d", config.OnHour, config.OnMinute),
				ScheduleOff:      fmt.Sprintf("%02d:%02d", config.OffHour, config.OffMinute),
				Timezone:         config.Timezone,
				FirmwareVersion:  version,
				LastUpdateStatus: updater.Status(),
			}
			if err := client.PublishShadow(reported); err != nil {
				appContext.Log.Debug("shadow publish failed", "error", err)
			}
		}
	}
}

// resetReason derives the previous run's outcome from the slot state.
func resetReason(slots *update.FileSlots) string {
	if slots.PendingReverted() {
		return "update-reverted"
	}
	return "restart"
}

// provisioner bridges the commissioning session onto the supervisor
// and the schedule store.
type provisioner struct {
	context    *Context
	supervisor *station.Supervisor
}

// SetCredentials implements commission.Provisioner.
func (p *provisioner) SetCredentials(ssid, psk string) error {
	return p.supervisor.SetCredentials(ssid, psk)
}

// SetTimezone implements commission.Provisioner.
func (p *provisioner) SetTimezone(tz string) error {
	config, err := schedule.LoadConfig(p.context.Store, p.context.ScheduleDefaults().Config)
	if err != nil {
		return err
	}
	config.Timezone = tz
	if err := schedule.SaveConfig(p.context.Store, config); err != nil {
		return fmt.Errorf("saving timezone: %w", err)
	}
	return nil
}
