// Package bus forwards relay frames between relay instances over Redis
// pub/sub so peers connected to different instances share a room.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/docrelay/internal/metrics"
)

// DefaultPrefix namespaces the relay's channels.
const DefaultPrefix = "docrelay"

// Envelope is the message published for every forwarded frame.
type Envelope struct {
	Origin string `cbor:"1,keyasint"`
	Room   string `cbor:"2,keyasint"`
	Frame  []byte `cbor:"3,keyasint"`
}

// Handler receives frames published by other instances.
type Handler func(roomID string, frame []byte) error

// Options configures a RedisBus.
type Options struct {
	Addr   string
	DB     int
	Prefix string
	// InstanceID tags published envelopes so an instance ignores its own.
	// Defaults to a random UUID.
	InstanceID string
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// RedisBus publishes and receives relay frames on "<prefix>:room:<id>".
type RedisBus struct {
	rdb      *redis.Client
	prefix   string
	instance string
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// NewRedisBus connects to Redis and verifies connectivity.
func NewRedisBus(ctx context.Context, opts Options) (*RedisBus, error) {
	if opts.Addr == "" {
		return nil, errors.New("bus: redis address is required")
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: opts.Addr,
		DB:   opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("bus: ping redis at %s: %w", opts.Addr, err)
	}

	return &RedisBus{
		rdb:      rdb,
		prefix:   opts.Prefix,
		instance: opts.InstanceID,
		metrics:  opts.Metrics,
		log:      opts.Logger.With("instance", opts.InstanceID),
	}, nil
}

// InstanceID returns the id stamped on this instance's envelopes.
func (b *RedisBus) InstanceID() string {
	return b.instance
}

// Publish sends frame to the other instances hosting roomID.
func (b *RedisBus) Publish(ctx context.Context, roomID string, frame []byte) error {
	raw, err := cbor.Marshal(Envelope{Origin: b.instance, Room: roomID, Frame: frame})
	if err != nil {
		b.metrics.BusError()
		return fmt.Errorf("bus: encode envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel(roomID), raw).Err(); err != nil {
		b.metrics.BusError()
		return fmt.Errorf("bus: publish to room %q: %w", roomID, err)
	}
	b.metrics.Published()
	return nil
}

// Subscribe listens on every room channel. The subscription is active when
// Subscribe returns; call Run to start delivering to h.
func (b *RedisBus) Subscribe(ctx context.Context, h Handler) (*Subscription, error) {
	ps := b.rdb.PSubscribe(ctx, b.channel("*"))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("bus: subscribe: %w", err)
	}
	return &Subscription{bus: b, ps: ps, handler: h}, nil
}

// Close shuts down the Redis client.
func (b *RedisBus) Close() error {
	return b.rdb.Close()
}

func (b *RedisBus) channel(roomID string) string {
	return b.prefix + ":room:" + roomID
}

// Subscription delivers envelopes from other instances to a Handler.
type Subscription struct {
	bus     *RedisBus
	ps      *redis.PubSub
	handler Handler
}

// Run delivers messages until ctx is done or the subscription is closed.
func (s *Subscription) Run(ctx context.Context) error {
	defer s.ps.Close()

	ch := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.dispatch(msg)
		}
	}
}

// Close ends the subscription.
func (s *Subscription) Close() error {
	return s.ps.Close()
}

func (s *Subscription) dispatch(msg *redis.Message) {
	var env Envelope
	if err := cbor.Unmarshal([]byte(msg.Payload), &env); err != nil {
		s.bus.metrics.BusError()
		s.bus.log.Warn("bus: undecodable envelope", "channel", msg.Channel, "err", err)
		return
	}
	if env.Origin == s.bus.instance || env.Room == "" {
		return
	}

	s.bus.metrics.Received()
	if err := s.handler(env.Room, env.Frame); err != nil {
		s.bus.log.Debug("bus: remote frame dropped", "room", env.Room, "origin", env.Origin, "err", err)
	}
}
