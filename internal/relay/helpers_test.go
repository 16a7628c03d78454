package relay

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/docrelay/internal/crdt"
	"github.com/Tyrowin/docrelay/internal/protocol"
)

type fakePeer struct {
	id       string
	capacity int

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{id: id}
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPeerClosed
	}
	if p.capacity > 0 && len(p.frames) >= p.capacity {
		return ErrSendBufferFull
	}
	p.frames = append(p.frames, frame)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// drain returns and forgets every frame received so far, decoded.
func (p *fakePeer) drain(t *testing.T) []protocol.Message {
	t.Helper()
	p.mu.Lock()
	frames := p.frames
	p.frames = nil
	p.mu.Unlock()

	msgs := make([]protocol.Message, 0, len(frames))
	for _, f := range frames {
		m, err := protocol.Decode(f)
		require.NoError(t, err)
		msgs = append(msgs, m)
	}
	return msgs
}

type recordingFanout struct {
	mu     sync.Mutex
	frames map[string][][]byte
	err    error
}

func (f *recordingFanout) Publish(_ context.Context, roomID string, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.frames == nil {
		f.frames = make(map[string][][]byte)
	}
	f.frames[roomID] = append(f.frames[roomID], frame)
	return f.err
}

func (f *recordingFanout) published(roomID string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames[roomID]
}

// linkedFanout delivers published frames straight to another relay, the
// way the bus does between instances.
type linkedFanout struct {
	mu sync.Mutex
	to *Relay
}

func (f *linkedFanout) link(to *Relay) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.to = to
}

func (f *linkedFanout) Publish(_ context.Context, roomID string, frame []byte) error {
	f.mu.Lock()
	to := f.to
	f.mu.Unlock()
	if to == nil {
		return nil
	}
	return to.DeliverRemote(roomID, frame)
}

func newTextDocument(string) Document {
	return crdt.NewDoc(0)
}

func newTestRelay(t *testing.T, opts Options, cfg Config) *Relay {
	t.Helper()
	if opts.NewDocument == nil {
		opts.NewDocument = newTextDocument
	}
	return New(NewRegistry(opts), cfg)
}

// editor is a client-side replica driving a session.
type editor struct {
	t    *testing.T
	doc  *crdt.Doc
	peer *fakePeer
	sess *Session
}

func connectEditor(t *testing.T, rl *Relay, room string, client uint64) *editor {
	t.Helper()
	peer := newFakePeer(fmt.Sprintf("peer-%d", client))
	sess, err := rl.Connect(context.Background(), room, peer)
	require.NoError(t, err)
	return &editor{t: t, doc: crdt.NewDoc(client), peer: peer, sess: sess}
}

func (e *editor) send(frame []byte) {
	e.t.Helper()
	require.NoError(e.t, e.sess.Receive(context.Background(), frame))
}

func (e *editor) insert(index int, text string) {
	e.t.Helper()
	u, err := e.doc.Insert(index, text)
	require.NoError(e.t, err)
	e.send(protocol.EncodeUpdate(u))
}

// sync runs the client side of the handshake and applies everything received.
func (e *editor) sync() {
	e.t.Helper()
	e.send(protocol.EncodeSyncStep1(e.doc.StateVector()))
	e.applyReceived()
}

// applyReceived applies every update-bearing frame received so far and
// returns the messages.
func (e *editor) applyReceived() []protocol.Message {
	e.t.Helper()
	msgs := e.peer.drain(e.t)
	for _, m := range msgs {
		if m.Kind == protocol.KindSync && m.Sync != protocol.SyncStep1 {
			require.NoError(e.t, e.doc.ApplyUpdate(m.Payload))
		}
	}
	return msgs
}
