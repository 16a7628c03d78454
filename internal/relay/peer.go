package relay

import (
	"context"
	"errors"
)

var (
	// ErrPeerClosed is returned by Peer.Send after the peer was closed.
	ErrPeerClosed = errors.New("relay: peer closed")
	// ErrSendBufferFull is returned by Peer.Send when the peer cannot take
	// another frame without blocking.
	ErrSendBufferFull = errors.New("relay: send buffer full")
	// ErrRelayClosed is returned by Connect after Close.
	ErrRelayClosed = errors.New("relay: closed")
)

// Peer is one transport connection as seen by the relay.
//
// Send must not block: it queues the frame or fails with ErrPeerClosed or
// ErrSendBufferFull. Peers are used as map keys and must be comparable.
type Peer interface {
	ID() string
	Send(frame []byte) error
	Close() error
}

// Document is a replica of convergent shared state. The relay never looks
// inside updates or state vectors. ApplyUpdate must be idempotent and
// commutative. Implementations need not be safe for concurrent use.
type Document interface {
	StateVector() []byte
	EncodeStateAsUpdate() []byte
	EncodeDiff(stateVector []byte) ([]byte, error)
	ApplyUpdate(update []byte) error
}

// ChangeReporter may be implemented by a Document whose updates can report
// whether they carried anything new. Rooms then skip relaying remote frames
// that change nothing.
type ChangeReporter interface {
	ApplyUpdateChanged(update []byte) (bool, error)
}

// DocumentFactory creates the replica for a newly created room.
type DocumentFactory func(roomID string) Document

// Fanout forwards canonical frames to other relay instances hosting the same
// room.
type Fanout interface {
	Publish(ctx context.Context, roomID string, frame []byte) error
}
