package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/Tyrowin/docrelay/internal/protocol"
)

func (s *Session) handleSync(ctx context.Context, msg protocol.Message) error {
	switch msg.Sync {
	case protocol.SyncStep1:
		diff, err := s.room.DiffFor(msg.Payload)
		if err != nil {
			s.relay.metrics.DecodeError()
			return fmt.Errorf("relay: diff for step1: %w", err)
		}
		// Point-to-point reply; never broadcast.
		if err := s.peer.Send(protocol.EncodeSyncStep2(diff)); err != nil {
			s.relay.metrics.DroppedSend()
			if errors.Is(err, ErrSendBufferFull) {
				s.room.dropSlow([]Peer{s.peer})
			}
		}
		return nil

	case protocol.SyncStep2:
		if s.relay.cfg.RebroadcastStep2 {
			return s.applyAndForward(ctx, msg.Payload)
		}
		if err := s.room.ApplyUpdate(msg.Payload, s.peer); err != nil {
			s.relay.metrics.ApplyError()
			s.log.Warn("dropping step2 update", "err", err)
			return fmt.Errorf("relay: apply step2: %w", err)
		}
		return nil

	case protocol.SyncUpdate:
		return s.applyAndForward(ctx, msg.Payload)
	}
	return nil
}

func (s *Session) applyAndForward(ctx context.Context, update []byte) error {
	if err := s.room.applyAndBroadcast(update, s.peer); err != nil {
		s.relay.metrics.ApplyError()
		s.log.Warn("dropping update", "err", err)
		return fmt.Errorf("relay: apply update: %w", err)
	}
	s.relay.publish(ctx, s, protocol.EncodeUpdate(update))
	return nil
}

func (s *Session) handleAwareness(ctx context.Context, msg protocol.Message) {
	s.room.relayAwareness(msg.Payload, s.peer)
	s.relay.publish(ctx, s, protocol.EncodeAwareness(msg.Payload))
}
