// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/verdant-foundation/verdant/lib/clock"
	"github.com/verdant-foundation/verdant/lib/events"
	"github.com/verdant-foundation/verdant/schedule"
	"github.com/verdant-foundation/verdant/store"
)

// fakePublisher collects published payloads.
type fakePublisher struct {
	mu         sync.Mutex
	heartbeats [][]byte
	audits     []string
}

func (f *fakePublisher) PublishHeartbeat(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := make([]byte, len(payload))
	copy(copied, payload)
	f.heartbeats = append(f.heartbeats, copied)
	return nil
}

func (f *fakePublisher) PublishAudit(line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, line)
	return nil
}

func (f *fakePublisher) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.heartbeats)
}

func (f *fakePublisher) auditLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.audits))
	copy(out, f.audits)
	return out
}

// fakeSystem is a fixed SystemInfo.
type fakeSystem struct{}

func (fakeSystem) Uptime() time.Duration { return 90 * time.Second }
func (fakeSystem) ResetReason() string   { return "power-on" }
func (fakeSystem) MinFreeBytes() uint64  { return 123456 }

type reporterFixture struct {
	reporter  *Reporter
	audit     *Audit
	bits      *events.Group
	clock     *clock.FakeClock
	publisher *fakePublisher
}

func newReporterFixture(t *testing.T) *reporterFixture {
	t.Helper()
	f := &reporterFixture{
		audit:     NewAudit(),
		bits:      events.NewGroup(),
		clock:     clock.Fake(time.Date(2026, time.March, 3, 9, 0, 0, 0, time.UTC)),
		publisher: &fakePublisher{},
	}
	f.reporter = &Reporter{
		Audit:     f.audit,
		Bits:      f.bits,
		Clock:     f.clock,
		Publisher: f.publisher,
		System:    fakeSystem{},
		Store:     store.New(store.NewMemBackend(), nil),
		Defaults:  schedule.Config{OnHour: 7, OffHour: 21, Timezone: "UTC"},
		Interval:  time.Minute,
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.reporter.Run(ctx)
	return f
}

func (f *reporterFixture) tick() {
	f.clock.WaitForTimers(1)
	f.clock.Advance(time.Minute)
}

func TestAuditTruncatesLongLines(t *testing.T) {
	audit := NewAudit()
	long := strings.Repeat("x", 2*MaxAuditLineLen)
	if err := audit.Log("%s", long); err != nil {
		t.Fatalf("Log: %v", err)
	}
	line := <-audit.Lines()
	if len(line) > MaxAuditLineLen {
		t.Errorf("line length = %d, want <= %d", len(line), MaxAuditLineLen)
	}
	if !strings.HasSuffix(line, truncationMarker) {
		t.Error("truncated line is not marked")
	}
}

func TestAuditFullReturnsError(t *testing.T) {
	audit := NewAudit()
	for i := 0; i < auditQueueDepth; i++ {
		if err := audit.Log("line %d", i); err != nil {
			t.Fatalf("Log %d: %v", i, err)
		}
	}
	if err := audit.Log("overflow"); !errors.Is(err, ErrAuditFull) {
		t.Errorf("Log on full queue = %v, want ErrAuditFull", err)
	}
}

func TestHeartbeatSkippedWhileOffline(t *testing.T) {
	f := newReporterFixture(t)

	f.tick()
	time.Sleep(10 * time.Millisecond)
	if got := f.publisher.heartbeatCount(); got != 0 {
		t.Errorf("heartbeats while offline = %d, want 0", got)
	}
}

func TestHeartbeatPublishedWhenOnline(t *testing.T) {
	f := newReporterFixture(t)
	f.bits.Set(events.CloudSessionUp)

	f.tick()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && f.publisher.heartbeatCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	if f.publisher.heartbeatCount() != 1 {
		t.Fatalf("heartbeats = %d, want 1", f.publisher.heartbeatCount())
	}

	var heartbeat Heartbeat
	if err := json.Unmarshal(f.publisher.heartbeats[0], &heartbeat); err != nil {
		t.Fatalf("unmarshaling heartbeat: %v", err)
	}
	if heartbeat.UptimeS != 90 {
		t.Errorf("uptime_s = %d, want 90", heartbeat.UptimeS)
	}
	if heartbeat.ResetReason != "power-on" {
		t.Errorf("reset_reason = %q", heartbeat.ResetReason)
	}
	if heartbeat.NextOnUTC == 0 || heartbeat.NextOffUTC == 0 {
		t.Error("heartbeat missing next schedule events")
	}
}

func TestAuditPublishedWhenOnline(t *testing.T) {
	f := newReporterFixture(t)
	f.bits.Set(events.CloudSessionUp)

	if err := f.audit.Log("update committed: version=%d", 4); err != nil {
		t.Fatalf("Log: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && len(f.publisher.auditLines()) == 0 {
		time.Sleep(time.Millisecond)
	}
	lines := f.publisher.auditLines()
	if len(lines) != 1 || lines[0] != "update committed: version=4" {
		t.Errorf("audit lines = %q", lines)
	}
}
