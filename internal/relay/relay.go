package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/Tyrowin/docrelay/internal/metrics"
	"github.com/Tyrowin/docrelay/internal/protocol"
)

// bootstrapTimeout bounds the fanout publish that asks other instances for
// a new room's content.
const bootstrapTimeout = 5 * time.Second

// Config configures a Relay.
type Config struct {
	// StrictFraming rejects frames whose payload is not length-prefixed.
	StrictFraming bool
	// RebroadcastStep2 forwards updates received in sync step2 replies to
	// the other peers, like regular updates.
	RebroadcastStep2 bool
	// Fanout, when set, receives every accepted update and awareness frame
	// for delivery to other instances. New rooms also publish a sync step1
	// through it so instances already hosting the room answer with a step2.
	Fanout  Fanout
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Relay binds peers to rooms and runs the sync protocol for them.
type Relay struct {
	registry *Registry
	cfg      Config
	decode   func([]byte) (protocol.Message, error)
	metrics  *metrics.Metrics
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
}

// New returns a Relay serving the rooms of registry.
func New(registry *Registry, cfg Config) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	decode := protocol.DecodeLenient
	if cfg.StrictFraming {
		decode = protocol.Decode
	}
	rl := &Relay{
		registry: registry,
		cfg:      cfg,
		decode:   decode,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		sessions: make(map[*Session]struct{}),
	}
	if cfg.Fanout != nil {
		registry.onCreate = rl.bootstrap
	}
	return rl
}

// Registry returns the registry the relay serves.
func (rl *Relay) Registry() *Registry {
	return rl.registry
}

// Connect joins p to the room and queues the server's sync step1 for it.
func (rl *Relay) Connect(ctx context.Context, roomID string, p Peer) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rl.mu.Lock()
	if rl.closed {
		rl.mu.Unlock()
		return nil, ErrRelayClosed
	}
	s := &Session{
		relay:  rl,
		peer:   p,
		roomID: roomID,
		log:    rl.log.With("room", roomID, "peer", p.ID()),
	}
	rl.sessions[s] = struct{}{}
	rl.mu.Unlock()

	s.room = rl.registry.Join(roomID, p)
	rl.metrics.ConnectionOpened()
	s.log.Info("session opened")
	return s, nil
}

// Sessions reports how many sessions are open.
func (rl *Relay) Sessions() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.sessions)
}

// DeliverRemote handles a frame published by another instance for roomID.
//
// Updates and step2 replies are applied to the room, which is created if
// this instance holds no replica yet, and sent to every local peer when
// they changed the replica.
// Awareness is forwarded to local peers of a known room. A step1 is answered
// through the fanout with the diff the requesting instance is missing.
func (rl *Relay) DeliverRemote(roomID string, frame []byte) error {
	msg, err := rl.decode(frame)
	if err != nil {
		rl.metrics.DecodeError()
		return fmt.Errorf("relay: remote frame for %q: %w", roomID, err)
	}

	switch {
	case msg.Kind == protocol.KindAwareness:
		rl.registry.Broadcast(roomID, protocol.EncodeAwareness(msg.Payload), nil)

	case msg.Sync == protocol.SyncUpdate || msg.Sync == protocol.SyncStep2:
		room := rl.registry.GetOrCreate(roomID)
		if err := room.applyRemote(msg.Payload); err != nil {
			rl.metrics.ApplyError()
			return fmt.Errorf("relay: remote update for %q: %w", roomID, err)
		}

	case msg.Sync == protocol.SyncStep1:
		room, ok := rl.registry.Lookup(roomID)
		if !ok || rl.cfg.Fanout == nil {
			return nil
		}
		diff, err := room.DiffFor(msg.Payload)
		if err != nil {
			rl.metrics.DecodeError()
			return fmt.Errorf("relay: remote step1 for %q: %w", roomID, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), bootstrapTimeout)
		defer cancel()
		if err := rl.cfg.Fanout.Publish(ctx, roomID, protocol.EncodeSyncStep2(diff)); err != nil {
			return fmt.Errorf("relay: answer step1 for %q: %w", roomID, err)
		}
	}
	return nil
}

// bootstrap asks the other instances for the content of a room this
// instance has just created.
func (rl *Relay) bootstrap(room *Room) {
	ctx, cancel := context.WithTimeout(context.Background(), bootstrapTimeout)
	defer cancel()

	step1 := protocol.EncodeSyncStep1(room.EncodeStateSummary())
	if err := rl.cfg.Fanout.Publish(ctx, room.ID(), step1); err != nil {
		rl.log.Warn("room bootstrap publish failed", "room", room.ID(), "err", err)
	}
}

// Close closes every peer and refuses new sessions. Peers deregister through
// their own Session.Close.
func (rl *Relay) Close() error {
	rl.mu.Lock()
	rl.closed = true
	sessions := make([]*Session, 0, len(rl.sessions))
	for s := range rl.sessions {
		sessions = append(sessions, s)
	}
	rl.mu.Unlock()

	var err error
	for _, s := range sessions {
		err = multierr.Append(err, s.peer.Close())
		s.Close()
	}
	rl.log.Info("relay closed", "sessions", len(sessions))
	return err
}

func (rl *Relay) publish(ctx context.Context, s *Session, frame []byte) {
	if rl.cfg.Fanout == nil {
		return
	}
	if err := rl.cfg.Fanout.Publish(ctx, s.roomID, frame); err != nil {
		s.log.Warn("fanout publish failed", "err", err)
	}
}
