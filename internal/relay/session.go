package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Tyrowin/docrelay/internal/protocol"
)

// Session is one peer's membership in one room.
type Session struct {
	relay  *Relay
	room   *Room
	peer   Peer
	roomID string
	log    *slog.Logger

	closeOnce sync.Once
}

// RoomID returns the id of the room the session is bound to.
func (s *Session) RoomID() string {
	return s.roomID
}

// Peer returns the session's peer.
func (s *Session) Peer() Peer {
	return s.peer
}

// Receive handles one inbound frame. A returned error describes a dropped
// message; the session stays usable and the caller keeps reading.
func (s *Session) Receive(ctx context.Context, frame []byte) error {
	msg, err := s.relay.decode(frame)
	if err != nil {
		s.relay.metrics.DecodeError()
		return fmt.Errorf("relay: drop frame: %w", err)
	}
	s.relay.metrics.Message(msg.Label())

	switch msg.Kind {
	case protocol.KindSync:
		return s.handleSync(ctx, msg)
	case protocol.KindAwareness:
		s.handleAwareness(ctx, msg)
	}
	return nil
}

// Close removes the peer from its room. The room's document is kept. Close
// is idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.room.leave(s.peer)

		s.relay.mu.Lock()
		delete(s.relay.sessions, s)
		s.relay.mu.Unlock()

		s.relay.metrics.ConnectionClosed()
		s.log.Info("session closed")
	})
}
