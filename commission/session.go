// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

package commission

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/verdant-foundation/verdant/control"
	"github.com/verdant-foundation/verdant/lib/clock"
	"github.com/verdant-foundation/verdant/lib/crypt"
	"github.com/verdant-foundation/verdant/store"
)

// Reserved store keys for the anti-replay state. Persisted on every
// acceptance, before the command is enqueued, so no counter is ever
// honored twice across a reboot.
const (
	CounterKey = "ble_peer_counter"
	WindowKey  = "ble_peer_window"
)

// MaxFrameLen bounds any frame on the local channel. Longer writes
// are rejected before parsing.
const MaxFrameLen = 256

// hkdfSalt is the fixed salt of the session KDF.
var hkdfSalt = []byte("BLE-POP")

// Session errors. Frame-level failures are deliberately quiet on the
// wire (dropped with a counter bump); these errors surface only to
// the channel server for metrics and logging.
var (
	ErrFrameTooLong = errors.New("commission: frame exceeds 256 bytes")
	ErrNoSession    = errors.New("commission: no established session")
	ErrBadFrame     = errors.New("commission: malformed frame")
	ErrReplay       = errors.New("commission: replay rejected")
	ErrBadPoP       = errors.New("commission: proof-of-possession mismatch")
)

// Provisioner applies commissioning results. The network supervisor
// and schedule store satisfy it via the device context.
type Provisioner interface {
	// SetCredentials installs Wi-Fi credentials.
	SetCredentials(ssid, psk string) error

	// SetTimezone updates the schedule timezone, when provided.
	SetTimezone(tz string) error
}

// provisioningFrame is the plaintext JSON commissioning request.
type provisioningFrame struct {
	SSID string `json:"ssid"`
	PSK  string `json:"psk,omitempty"`
	TZ   string `json:"tz,omitempty"`
}

// handshakeFrame establishes a session.
type handshakeFrame struct {
	Cmd       string `json:"cmd"`
	ClientPub string `json:"client_pub"`
	PoP       string `json:"pop"`
}

// controlFrame is the sealed control plaintext.
type controlFrame struct {
	Counter uint32 `json:"ctr"`
	RampMS  uint32 `json:"ramp_ms,omitempty"`
	Light   *uint8 `json:"light,omitempty"`
	Pump    *uint8 `json:"pump,omitempty"`
	Status  bool   `json:"status,omitempty"`
}

// statusReply is the sealed answer to a status query.
type statusReply struct {
	Counter uint32 `json:"ctr"`
	Light   uint8  `json:"light"`
	Pump    uint8  `json:"pump"`
}

// Session is the local-channel frame handler. One instance serves the
// single writable attribute; the radio transport calls HandleFrame
// for every write and sends back whatever response bytes it returns.
type Session struct {
	Store    *store.Store
	Queue    *control.Queue
	Snapshot *control.Snapshot
	Clock    clock.Clock

	// Provision receives validated provisioning requests.
	Provision Provisioner

	// Arbiter is notified when provisioning completes. May be nil.
	Arbiter *Arbiter

	// ExpectedPoP, when non-empty, is checked against the PoP a
	// handshake presents; a mismatch rejects the handshake. Empty
	// accepts any PoP and relies on the KDF binding alone.
	ExpectedPoP string

	Log *slog.Logger

	mu         sync.Mutex
	sessionKey []byte
	counter    uint32
	window     uint64

	// authFailures counts silently dropped frames (bad tag, replay).
	authFailures uint64
}

// Init loads persisted replay state so a reboot cannot reopen the
// window. Call before serving frames.
func (s *Session) Init() error {
	if s.Log == nil {
		s.Log = slog.Default()
	}
	s.Log = s.Log.With("component", "commission")

	counter, err := s.Store.LoadUint32(CounterKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("loading replay counter: %w", err)
	}
	window, err := s.Store.LoadUint64(WindowKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("loading replay window: %w", err)
	}

	s.mu.Lock()
	s.counter = counter
	s.window = window
	s.mu.Unlock()
	return nil
}

// HandleFrame processes one write to the channel attribute and
// returns the response bytes, when the frame type has one. JSON
// frames (first byte '{') are provisioning or handshake requests;
// anything else is a sealed session frame.
func (s *Session) HandleFrame(frame []byte) ([]byte, error) {
	if len(frame) > MaxFrameLen {
		return nil, ErrFrameTooLong
	}
	if len(frame) == 0 {
		return nil, ErrBadFrame
	}

	if frame[0] == '{' {
		return s.handleJSON(frame)
	}
	return s.handleSealed(frame)
}

// AuthFailures reports how many frames were silently dropped.
func (s *Session) AuthFailures() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authFailures
}

// Established reports whether a session key is present.
func (s *Session) Established() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionKey != nil
}

// Teardown discards the session key. Replay state is kept: the next
// handshake resets it explicitly.
func (s *Session) Teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionKey = nil
}

func (s *Session) handleJSON(frame []byte) ([]byte, error) {
	var probe struct {
		Cmd string `json:"cmd"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if probe.Cmd == "handshake" {
		return s.handleHandshake(frame)
	}
	return s.handleProvisioning(frame)
}

func (s *Session) handleProvisioning(frame []byte) ([]byte, error) {
	var request provisioningFrame
	if err := json.Unmarshal(frame, &request); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if request.SSID == "" {
		return s.errorReply("missing ssid"), ErrBadFrame
	}

	if err := s.Provision.SetCredentials(request.SSID, request.PSK); err != nil {
		s.Log.Warn("provisioning rejected", "error", err)
		return s.errorReply(err.Error()), err
	}
	if request.TZ != "" {
		if err := s.Provision.SetTimezone(request.TZ); err != nil {
			s.Log.Warn("timezone rejected", "tz", request.TZ, "error", err)
			return s.errorReply(err.Error()), err
		}
	}

	s.Log.Info("provisioning accepted")
	if s.Arbiter != nil {
		s.Arbiter.NoteProvisioned()
	}
	return []byte(`{"status":"ok"}`), nil
}

func (s *Session) handleHandshake(frame []byte) ([]byte, error) {
	var request handshakeFrame
	if err := json.Unmarshal(frame, &request); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if len(request.ClientPub) != 2*crypt.PublicKeySize {
		return s.errorReply("bad client_pub"), ErrBadFrame
	}
	clientPub, err := hex.DecodeString(request.ClientPub)
	if err != nil {
		return s.errorReply("bad client_pub"), ErrBadFrame
	}
	if s.ExpectedPoP != "" && request.PoP != s.ExpectedPoP {
		s.Log.Warn("handshake with wrong proof-of-possession")
		return s.errorReply("bad pop"), ErrBadPoP
	}

	ephemeral, err := crypt.NewEphemeralKey()
	if err != nil {
		return nil, err
	}
	secret, err := ephemeral.SharedSecret(clientPub)
	if err != nil {
		return s.errorReply("bad client_pub"), ErrBadFrame
	}
	sessionKey, err := crypt.DeriveKey(hkdfSalt, secret, []byte(request.PoP), crypt.KeySize)
	if err != nil {
		return nil, err
	}

	// Fresh session: counter and window restart at zero and are
	// persisted before the first sealed frame can arrive.
	if err := s.persistReplayState(0, 0); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.sessionKey = sessionKey
	s.counter = 0
	s.window = 0
	s.mu.Unlock()

	s.Log.Info("secure session established")
	reply, err := json.Marshal(map[string]string{
		"status":     "ok",
		"device_pub": hex.EncodeToString(ephemeral.PublicBytes()),
	})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// handleSealed processes a control frame: iv[12] ‖ ciphertext ‖
// tag[16]. Failures drop silently — no response leaks whether the
// key, the tag, or the counter was wrong.
func (s *Session) handleSealed(frame []byte) ([]byte, error) {
	s.mu.Lock()
	key := s.sessionKey
	s.mu.Unlock()
	if key == nil {
		s.dropFrame("sealed frame without session")
		return nil, ErrNoSession
	}
	if len(frame) < crypt.NonceSize+crypt.TagSize {
		s.dropFrame("sealed frame too short")
		return nil, ErrBadFrame
	}

	nonce := frame[:crypt.NonceSize]
	sealed := frame[crypt.NonceSize:]
	plaintext, err := crypt.Open(key, nonce, nil, sealed)
	if err != nil {
		s.dropFrame("AEAD open failed")
		return nil, err
	}

	var request controlFrame
	if err := json.Unmarshal(plaintext, &request); err != nil {
		s.dropFrame("sealed payload not JSON")
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}

	if !s.admitCounter(request.Counter) {
		s.dropFrame("replay rejected")
		return nil, ErrReplay
	}

	if request.Status {
		return s.sealStatusReply(key, request.Counter)
	}

	state := s.Snapshot.Get()
	light := state.LightPercent
	if request.Light != nil {
		light = *request.Light
	}
	pump := state.PumpPercent
	if request.Pump != nil {
		pump = *request.Pump
	}

	s.Queue.Submit(control.Command{
		Actor:        control.ActorLocalRadio,
		Seq:          request.Counter,
		Timestamp:    s.Clock.Now().Unix(),
		LightPercent: light,
		PumpPercent:  pump,
		Ramp:         time.Duration(request.RampMS) * time.Millisecond,
	})
	return nil, nil
}

// admitCounter applies the replay rules and persists the advanced
// state before reporting acceptance. A crash after the persist but
// before the enqueue loses one command but never admits a replay.
func (s *Session) admitCounter(incoming uint32) bool {
	s.mu.Lock()
	counter, window, ok := windowAdmit(s.counter, s.window, incoming)
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	if err := s.persistReplayState(counter, window); err != nil {
		s.Log.Error("persisting replay state failed, dropping frame", "error", err)
		return false
	}

	s.mu.Lock()
	s.counter = counter
	s.window = window
	s.mu.Unlock()
	return true
}

func (s *Session) persistReplayState(counter uint32, window uint64) error {
	if err := s.Store.SaveUint32(CounterKey, counter); err != nil {
		return err
	}
	return s.Store.SaveUint64(WindowKey, window)
}

func (s *Session) sealStatusReply(key []byte, counter uint32) ([]byte, error) {
	state := s.Snapshot.Get()
	plaintext, err := json.Marshal(statusReply{
		Counter: counter,
		Light:   state.LightPercent,
		Pump:    state.PumpPercent,
	})
	if err != nil {
		return nil, err
	}
	nonce, err := crypt.NewNonce()
	if err != nil {
		return nil, err
	}
	sealed, err := crypt.Seal(key, nonce, nil, plaintext)
	if err != nil {
		return nil, err
	}
	return append(nonce, sealed...), nil
}

func (s *Session) dropFrame(reason string) {
	s.mu.Lock()
	s.authFailures++
	s.mu.Unlock()
	s.Log.Debug("dropping frame", "reason", reason)
}

func (s *Session) errorReply(message string) []byte {
	reply, err := json.Marshal(map[string]string{"status": "error", "error": message})
	if err != nil {
		return []byte(`{"status":"error"}`)
	}
	return reply
}
