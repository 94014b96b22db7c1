// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

// Package statusserver exposes a read-only local HTTP view of the
// controller: actuator snapshot, link bits, schedule, and firmware
// version. It is a commissioning and bench-test aid, disabled by
// default in the device configuration, and never accepts writes.
package statusserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/verdant-foundation/verdant/control"
	"github.com/verdant-foundation/verdant/lib/events"
	"github.com/verdant-foundation/verdant/schedule"
	"github.com/verdant-foundation/verdant/store"
)

// Server is the local status endpoint.
type Server struct {
	Addr     string
	Snapshot *control.Snapshot
	Bits     *events.Group
	Store    *store.Store
	Defaults schedule.Config

	// Version is the running firmware's anti-rollback version.
	Version func() uint32

	Log *slog.Logger

	http *http.Server
}

// statusBody is the /status response.
type statusBody struct {
	Light       uint8  `json:"light_pct"`
	Pump        uint8  `json:"pump_pct"`
	AppliedAt   int64  `json:"applied_at,omitempty"`
	WifiUp      bool   `json:"wifi_up"`
	TimeSynced  bool   `json:"time_synced"`
	CloudUp     bool   `json:"cloud_up"`
	Channel     bool   `json:"local_channel_active"`
	ScheduleOn  string `json:"schedule_on"`
	ScheduleOff string `json:"schedule_off"`
	Timezone    string `json:"tz"`
	Version     uint32 `json:"fw_version"`
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "status")

	s.http = &http.Server{
		Addr:         s.Addr,
		Handler:      s.Handler(log),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.http.Shutdown(shutdownCtx)
	}()

	log.Info("status server listening", "addr", s.Addr)
	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

// Handler builds the route table with access logging.
func (s *Server) Handler(log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	router := mux.NewRouter()
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return handlers.CombinedLoggingHandler(logWriter{log}, router)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	state := s.Snapshot.Get()
	bits := s.Bits.Snapshot()
	config, _ := schedule.LoadConfig(s.Store, s.Defaults)

	body := statusBody{
		Light:       state.LightPercent,
		Pump:        state.PumpPercent,
		WifiUp:      bits&events.WifiUp != 0,
		TimeSynced:  bits&events.TimeSynced != 0,
		CloudUp:     bits&events.CloudSessionUp != 0,
		Channel:     bits&events.LocalChannelActive != 0,
		ScheduleOn:  formatHourMinute(config.OnHour, config.OnMinute),
		ScheduleOff: formatHourMinute(config.OffHour, config.OffMinute),
		Timezone:    config.Timezone,
	}
	if !state.AppliedAt.IsZero() {
		body.AppliedAt = state.AppliedAt.Unix()
	}
	if s.Version != nil {
		body.Version = s.Version()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func formatHourMinute(hour, minute int) string {
	const digits = "0123456789"
	return string([]byte{
		digits[hour/10], digits[hour%10], ':',
		digits[minute/10], digits[minute%10],
	})
}

// logWriter adapts slog to the access-log writer the logging handler
// expects.
type logWriter struct{ log *slog.Logger }

func (w logWriter) Write(p []byte) (int, error) {
	w.log.Debug("http", "line", string(p))
	return len(p), nil
}
