// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

package commission

import (
	"context"
	"log/slog"

	"github.com/verdant-foundation/verdant/lib/events"
)

// Write is one write to the channel's attribute. Reply, when non-nil,
// carries response bytes back to the writer.
type Write struct {
	Frame []byte
	Reply func([]byte)
}

// Transport is the short-range radio collaborator: it advertises the
// commissioning service and delivers attribute writes. The GATT
// machinery lives behind this interface.
type Transport interface {
	StartAdvertising() error
	StopAdvertising() error
	Writes() <-chan Write
}

// Server connects the arbiter's local_channel_active bit to the
// transport and feeds incoming frames to the session handler. It
// starts advertising when the bit rises and stops when it falls;
// frames on an inactive channel are ignored.
type Server struct {
	Bits      *events.Group
	Transport Transport
	Session   *Session
	Log       *slog.Logger
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "commission-server")

	advertising := false
	sync := func() {
		active := s.Bits.Test(events.LocalChannelActive)
		switch {
		case active && !advertising:
			if err := s.Transport.StartAdvertising(); err != nil {
				log.Error("starting advertising", "error", err)
				return
			}
			advertising = true
			log.Info("local channel advertising")
		case !active && advertising:
			if err := s.Transport.StopAdvertising(); err != nil {
				log.Warn("stopping advertising", "error", err)
			}
			advertising = false
			s.Session.Teardown()
			log.Info("local channel stopped")
		}
	}
	sync()

	for {
		wake := s.Bits.Changed()
		select {
		case <-ctx.Done():
			if advertising {
				s.Transport.StopAdvertising()
			}
			return ctx.Err()

		case <-wake:
			sync()

		case write, ok := <-s.Transport.Writes():
			if !ok {
				return nil
			}
			if !advertising {
				log.Debug("dropping frame on inactive channel")
				continue
			}
			reply, err := s.Session.HandleFrame(write.Frame)
			if err != nil {
				log.Debug("frame handling failed", "error", err)
			}
			if reply != nil && write.Reply != nil {
				write.Reply(reply)
			}
		}
	}
}
