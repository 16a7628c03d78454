package protocol

import (
	"errors"
	"fmt"

	"github.com/Tyrowin/docrelay/internal/varbuf"
)

var (
	// ErrMalformed is wrapped by every decode error.
	ErrMalformed = errors.New("protocol: malformed message")

	ErrEmptyFrame      = fmt.Errorf("%w: empty frame", ErrMalformed)
	ErrUnknownKind     = fmt.Errorf("%w: unknown message kind", ErrMalformed)
	ErrUnknownSyncKind = fmt.Errorf("%w: unknown sync kind", ErrMalformed)
	ErrTruncated       = fmt.Errorf("%w: truncated frame", ErrMalformed)
	ErrTrailingBytes   = fmt.Errorf("%w: trailing bytes after payload", ErrMalformed)
)

// EncodeSyncStep1 wraps a state vector.
func EncodeSyncStep1(stateVector []byte) []byte {
	return encodeSync(SyncStep1, stateVector)
}

// EncodeSyncStep2 wraps an update answering a step1.
func EncodeSyncStep2(update []byte) []byte {
	return encodeSync(SyncStep2, update)
}

// EncodeUpdate wraps an update to be rebroadcast.
func EncodeUpdate(update []byte) []byte {
	return encodeSync(SyncUpdate, update)
}

// EncodeAwareness wraps an opaque presence blob.
func EncodeAwareness(state []byte) []byte {
	w := varbuf.NewWriter(len(state) + 4)
	w.Uvarint(uint64(KindAwareness))
	w.Bytes(state)
	return w.Result()
}

func encodeSync(sub SyncKind, payload []byte) []byte {
	w := varbuf.NewWriter(len(payload) + 6)
	w.Uvarint(uint64(KindSync))
	w.Uvarint(uint64(sub))
	w.Bytes(payload)
	return w.Result()
}

// Encode renders m in the canonical length-prefixed form.
func Encode(m Message) ([]byte, error) {
	switch m.Kind {
	case KindSync:
		if m.Sync > SyncUpdate {
			return nil, fmt.Errorf("protocol: encode %s: %w", m.Label(), ErrUnknownSyncKind)
		}
		return encodeSync(m.Sync, m.Payload), nil
	case KindAwareness:
		return EncodeAwareness(m.Payload), nil
	default:
		return nil, fmt.Errorf("protocol: encode %s: %w", m.Kind, ErrUnknownKind)
	}
}

// KindOf reads only the top-level kind of frame. Callers use it to classify
// a frame before paying for a full decode.
func KindOf(frame []byte) (Kind, error) {
	if len(frame) == 0 {
		return 0, ErrEmptyFrame
	}
	kind, err := varbuf.NewReader(frame).Uvarint()
	if err != nil {
		return 0, fmt.Errorf("%w: kind: %v", ErrTruncated, err)
	}
	return Kind(kind), nil
}

// Decode parses a frame that must use the length-prefixed form exactly.
func Decode(frame []byte) (Message, error) {
	return decode(frame, false)
}

// DecodeLenient parses a frame in either the length-prefixed form or the
// length-implicit form where the payload is the remainder of the frame. A
// consistent length prefix always wins.
func DecodeLenient(frame []byte) (Message, error) {
	return decode(frame, true)
}

func decode(frame []byte, lenient bool) (Message, error) {
	if len(frame) == 0 {
		return Message{}, ErrEmptyFrame
	}

	r := varbuf.NewReader(frame)
	kind, err := r.Uvarint()
	if err != nil {
		return Message{}, fmt.Errorf("%w: kind: %v", ErrTruncated, err)
	}

	msg := Message{Kind: Kind(kind)}
	switch msg.Kind {
	case KindSync:
		sub, err := r.Uvarint()
		if err != nil {
			return Message{}, fmt.Errorf("%w: sync kind: %v", ErrTruncated, err)
		}
		msg.Sync = SyncKind(sub)
		if msg.Sync > SyncUpdate {
			return Message{}, fmt.Errorf("%w %d", ErrUnknownSyncKind, sub)
		}
	case KindAwareness:
	default:
		return Message{}, fmt.Errorf("%w %d", ErrUnknownKind, kind)
	}

	headerEnd := r.Offset()
	payload, err := r.Bytes()
	switch {
	case err == nil && r.Len() == 0:
		msg.Payload = payload
	case lenient:
		msg.Payload = frame[headerEnd:]
	case err != nil:
		return Message{}, fmt.Errorf("%w: %s payload: %v", ErrTruncated, msg.Label(), err)
	default:
		return Message{}, fmt.Errorf("%w: %s has %d extra bytes", ErrTrailingBytes, msg.Label(), r.Len())
	}
	return msg, nil
}
