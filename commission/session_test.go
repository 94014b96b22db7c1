// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

package commission

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/verdant-foundation/verdant/control"
	"github.com/verdant-foundation/verdant/lib/clock"
	"github.com/verdant-foundation/verdant/lib/crypt"
	"github.com/verdant-foundation/verdant/store"
)

// fakeProvisioner records provisioning calls.
type fakeProvisioner struct {
	ssid, psk, tz string
	credsErr      error
}

func (f *fakeProvisioner) SetCredentials(ssid, psk string) error {
	if f.credsErr != nil {
		return f.credsErr
	}
	f.ssid, f.psk = ssid, psk
	return nil
}

func (f *fakeProvisioner) SetTimezone(tz string) error {
	f.tz = tz
	return nil
}

type sessionFixture struct {
	session     *Session
	queue       *control.Queue
	backend     *store.MemBackend
	store       *store.Store
	provisioner *fakeProvisioner
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		queue:       control.NewQueue(16),
		backend:     store.NewMemBackend(),
		provisioner: &fakeProvisioner{},
	}
	f.store = store.New(f.backend, nil)
	f.session = &Session{
		Store:     f.store,
		Queue:     f.queue,
		Snapshot:  &control.Snapshot{},
		Clock:     clock.Fake(time.Date(2026, time.March, 3, 9, 0, 0, 0, time.UTC)),
		Provision: f.provisioner,
	}
	if err := f.session.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return f
}

// commissionerSession is the client side of a handshake: ephemeral
// key, derived session key after the response arrives.
type commissionerSession struct {
	key []byte
}

// handshake runs the client half against the device session.
func (f *sessionFixture) handshake(t *testing.T, pop string) *commissionerSession {
	t.Helper()
	client, err := crypt.NewEphemeralKey()
	if err != nil {
		t.Fatalf("NewEphemeralKey: %v", err)
	}
	frame, err := json.Marshal(map[string]string{
		"cmd":        "handshake",
		"client_pub": hex.EncodeToString(client.PublicBytes()),
		"pop":        pop,
	})
	if err != nil {
		t.Fatalf("marshaling handshake: %v", err)
	}

	reply, err := f.session.HandleFrame(frame)
	if err != nil {
		t.Fatalf("HandleFrame(handshake): %v", err)
	}
	var response struct {
		Status    string `json:"status"`
		DevicePub string `json:"device_pub"`
	}
	if err := json.Unmarshal(reply, &response); err != nil {
		t.Fatalf("unmarshaling handshake reply: %v", err)
	}
	if response.Status != "ok" {
		t.Fatalf("handshake status = %q", response.Status)
	}

	devicePub, err := hex.DecodeString(response.DevicePub)
	if err != nil {
		t.Fatalf("decoding device_pub: %v", err)
	}
	secret, err := client.SharedSecret(devicePub)
	if err != nil {
		t.Fatalf("client SharedSecret: %v", err)
	}
	key, err := crypt.DeriveKey([]byte("BLE-POP"), secret, []byte(pop), crypt.KeySize)
	if err != nil {
		t.Fatalf("client DeriveKey: %v", err)
	}
	return &commissionerSession{key: key}
}

// sealControl builds a sealed control frame.
func (c *commissionerSession) sealControl(t *testing.T, payload any) []byte {
	t.Helper()
	plaintext, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshaling control payload: %v", err)
	}
	nonce, err := crypt.NewNonce()
	if err != nil {
		t.Fatalf("NewNonce: %v", err)
	}
	sealed, err := crypt.Seal(c.key, nonce, nil, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return append(nonce, sealed...)
}

func receiveCommand(t *testing.T, queue *control.Queue) control.Command {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd, err := queue.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	return cmd
}

func TestProvisioningFrame(t *testing.T) {
	f := newSessionFixture(t)
	reply, err := f.session.HandleFrame([]byte(`{"ssid":"Lab","psk":"secret","tz":"UTC"}`))
	if err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
	if string(reply) != `{"status":"ok"}` {
		t.Errorf("reply = %s", reply)
	}
	if f.provisioner.ssid != "Lab" || f.provisioner.psk != "secret" || f.provisioner.tz != "UTC" {
		t.Errorf("provisioner got %+v", f.provisioner)
	}
}

func TestProvisioningRejectsMissingSSID(t *testing.T) {
	f := newSessionFixture(t)
	if _, err := f.session.HandleFrame([]byte(`{"psk":"secret"}`)); !errors.Is(err, ErrBadFrame) {
		t.Errorf("error = %v, want ErrBadFrame", err)
	}
}

func TestHandshakeThenControl(t *testing.T) {
	f := newSessionFixture(t)
	client := f.handshake(t, "label-secret")

	light := uint8(80)
	pump := uint8(30)
	frame := client.sealControl(t, map[string]any{
		"ctr": 1, "ramp_ms": 500, "light": light, "pump": pump,
	})
	if _, err := f.session.HandleFrame(frame); err != nil {
		t.Fatalf("HandleFrame(control): %v", err)
	}

	cmd := receiveCommand(t, f.queue)
	if cmd.Actor != control.ActorLocalRadio {
		t.Errorf("actor = %v, want local-radio", cmd.Actor)
	}
	if cmd.Seq != 1 {
		t.Errorf("seq = %d, want 1", cmd.Seq)
	}
	if cmd.LightPercent != 80 || cmd.PumpPercent != 30 {
		t.Errorf("percent = %d/%d, want 80/30", cmd.LightPercent, cmd.PumpPercent)
	}
	if cmd.Ramp != 500*time.Millisecond {
		t.Errorf("ramp = %v, want 500ms", cmd.Ramp)
	}
}

func TestControlOmittedFieldsPreserveSnapshot(t *testing.T) {
	f := newSessionFixture(t)
	client := f.handshake(t, "pop")

	// No snapshot state yet, so omitted fields resolve to zero;
	// set only the light.
	frame := client.sealControl(t, map[string]any{"ctr": 1, "light": 55})
	if _, err := f.session.HandleFrame(frame); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
	cmd := receiveCommand(t, f.queue)
	if cmd.LightPercent != 55 || cmd.PumpPercent != 0 {
		t.Errorf("percent = %d/%d, want 55/0", cmd.LightPercent, cmd.PumpPercent)
	}
}

func TestTamperedFrameDropsSilently(t *testing.T) {
	f := newSessionFixture(t)
	client := f.handshake(t, "pop")

	frame := client.sealControl(t, map[string]any{"ctr": 1, "light": 50})
	frame[len(frame)-1] ^= 0xFF
	if _, err := f.session.HandleFrame(frame); !errors.Is(err, crypt.ErrAuth) {
		t.Errorf("error = %v, want crypt.ErrAuth", err)
	}
	if f.queue.Len() != 0 {
		t.Error("tampered frame produced a command")
	}
	if f.session.AuthFailures() != 1 {
		t.Errorf("AuthFailures = %d, want 1", f.session.AuthFailures())
	}
}

func TestReplayRejectedWithinSession(t *testing.T) {
	f := newSessionFixture(t)
	client := f.handshake(t, "pop")

	frame := client.sealControl(t, map[string]any{"ctr": 5, "light": 50})
	if _, err := f.session.HandleFrame(frame); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	receiveCommand(t, f.queue)

	if _, err := f.session.HandleFrame(frame); !errors.Is(err, ErrReplay) {
		t.Errorf("replay error = %v, want ErrReplay", err)
	}
	if f.queue.Len() != 0 {
		t.Error("replayed frame produced a command")
	}
}

func TestReplayStatePersistsBeforeEnqueue(t *testing.T) {
	f := newSessionFixture(t)
	client := f.handshake(t, "pop")

	frame := client.sealControl(t, map[string]any{"ctr": 5, "light": 50})
	if _, err := f.session.HandleFrame(frame); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}

	counter, err := f.store.LoadUint32(CounterKey)
	if err != nil {
		t.Fatalf("LoadUint32: %v", err)
	}
	if counter != 5 {
		t.Errorf("persisted counter = %d, want 5", counter)
	}
	window, err := f.store.LoadUint64(WindowKey)
	if err != nil {
		t.Fatalf("LoadUint64: %v", err)
	}
	if window != 1 {
		t.Errorf("persisted window = %#b, want 0b1", window)
	}
}

func TestReplayAcrossReboot(t *testing.T) {
	f := newSessionFixture(t)
	client := f.handshake(t, "pop")

	frame := client.sealControl(t, map[string]any{"ctr": 5, "light": 50})
	if _, err := f.session.HandleFrame(frame); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
	receiveCommand(t, f.queue)

	// Power cycle: a fresh session handler over the same store. The
	// replay state is reloaded; the session key is gone.
	rebooted := &Session{
		Store:     f.store,
		Queue:     f.queue,
		Snapshot:  &control.Snapshot{},
		Clock:     clock.Fake(time.Now()),
		Provision: f.provisioner,
	}
	if err := rebooted.Init(); err != nil {
		t.Fatalf("Init after reboot: %v", err)
	}

	if _, err := rebooted.HandleFrame(frame); !errors.Is(err, ErrNoSession) {
		t.Errorf("replay after reboot error = %v, want ErrNoSession", err)
	}
	if f.queue.Len() != 0 {
		t.Error("replayed frame after reboot produced a command")
	}

	// The persisted counter survived the cycle.
	rebooted.mu.Lock()
	counter, window := rebooted.counter, rebooted.window
	rebooted.mu.Unlock()
	if counter != 5 || window != 1 {
		t.Errorf("reloaded replay state = (%d, %#b), want (5, 0b1)", counter, window)
	}
}

func TestHandshakeResetsReplayState(t *testing.T) {
	f := newSessionFixture(t)
	client := f.handshake(t, "pop")
	frame := client.sealControl(t, map[string]any{"ctr": 40, "light": 10})
	if _, err := f.session.HandleFrame(frame); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
	receiveCommand(t, f.queue)

	// A new handshake restarts the counter space under a new key.
	client = f.handshake(t, "pop")
	frame = client.sealControl(t, map[string]any{"ctr": 1, "light": 20})
	if _, err := f.session.HandleFrame(frame); err != nil {
		t.Fatalf("HandleFrame after re-handshake: %v", err)
	}
	cmd := receiveCommand(t, f.queue)
	if cmd.Seq != 1 {
		t.Errorf("seq = %d, want 1", cmd.Seq)
	}
}

func TestExpectedPoPMismatchRejectsHandshake(t *testing.T) {
	f := newSessionFixture(t)
	f.session.ExpectedPoP = "right"

	client, err := crypt.NewEphemeralKey()
	if err != nil {
		t.Fatalf("NewEphemeralKey: %v", err)
	}
	frame, _ := json.Marshal(map[string]string{
		"cmd":        "handshake",
		"client_pub": hex.EncodeToString(client.PublicBytes()),
		"pop":        "wrong",
	})
	if _, err := f.session.HandleFrame(frame); !errors.Is(err, ErrBadPoP) {
		t.Errorf("error = %v, want ErrBadPoP", err)
	}
	if f.session.Established() {
		t.Error("session established with wrong PoP")
	}
}

func TestStatusQueryRoundTrip(t *testing.T) {
	f := newSessionFixture(t)
	client := f.handshake(t, "pop")

	reply, err := f.session.HandleFrame(client.sealControl(t, map[string]any{"ctr": 1, "status": true}))
	if err != nil {
		t.Fatalf("HandleFrame(status): %v", err)
	}
	if len(reply) < crypt.NonceSize+crypt.TagSize {
		t.Fatalf("status reply too short: %d bytes", len(reply))
	}
	plaintext, err := crypt.Open(client.key, reply[:crypt.NonceSize], nil, reply[crypt.NonceSize:])
	if err != nil {
		t.Fatalf("opening status reply: %v", err)
	}
	var status statusReply
	if err := json.Unmarshal(plaintext, &status); err != nil {
		t.Fatalf("unmarshaling status: %v", err)
	}
	if status.Counter != 1 {
		t.Errorf("status ctr = %d, want 1", status.Counter)
	}
}

func TestOversizedFrameRejected(t *testing.T) {
	f := newSessionFixture(t)
	frame := make([]byte, MaxFrameLen+1)
	frame[0] = '{'
	if _, err := f.session.HandleFrame(frame); !errors.Is(err, ErrFrameTooLong) {
		t.Errorf("error = %v, want ErrFrameTooLong", err)
	}
}
