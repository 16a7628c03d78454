package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/docrelay/internal/crdt"
	"github.com/Tyrowin/docrelay/internal/metrics"
	"github.com/Tyrowin/docrelay/internal/protocol"
)

func TestGetOrCreateIsSingleInstancePerRoom(t *testing.T) {
	var created atomic.Int32
	reg := NewRegistry(Options{NewDocument: func(string) Document {
		created.Add(1)
		return crdt.NewDoc(0)
	}})

	const workers = 64
	rooms := make([]*Room, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			rooms[i] = reg.GetOrCreate("shared")
		}(i)
	}
	wg.Wait()

	for _, r := range rooms[1:] {
		assert.Same(t, rooms[0], r)
	}
	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, 1, reg.Len())

	other := reg.GetOrCreate("other")
	assert.NotSame(t, rooms[0], other)
	assert.Equal(t, []RoomInfo{{ID: "other"}, {ID: "shared"}}, reg.Rooms())
}

func TestConnectSendsStep1WithServerSummary(t *testing.T) {
	rl := newTestRelay(t, Options{}, Config{})
	x := connectEditor(t, rl, "abc", 1)

	msgs := x.peer.drain(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.KindSync, msgs[0].Kind)
	assert.Equal(t, protocol.SyncStep1, msgs[0].Sync)
	assert.Equal(t, crdt.NewDoc(0).StateVector(), msgs[0].Payload)
}

func TestHelloWorldScenario(t *testing.T) {
	rl := newTestRelay(t, Options{}, Config{})

	x := connectEditor(t, rl, "abc", 1)
	x.peer.drain(t)
	x.insert(0, "hello")

	y := connectEditor(t, rl, "abc", 2)
	msgs := y.peer.drain(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.SyncStep1, msgs[0].Sync)

	y.send(protocol.EncodeSyncStep1(y.doc.StateVector()))
	msgs = y.applyReceived()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.SyncStep2, msgs[0].Sync)
	assert.Equal(t, "hello", y.doc.String())

	// The step2 reply is point-to-point.
	assert.Empty(t, x.peer.drain(t))

	y.insert(5, " world")

	msgs = x.applyReceived()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.SyncUpdate, msgs[0].Sync)
	assert.Equal(t, "hello world", x.doc.String())

	assert.Empty(t, y.peer.drain(t), "sender must not receive its own update")

	room, ok := rl.Registry().Lookup("abc")
	require.True(t, ok)
	server := crdt.NewDoc(0)
	require.NoError(t, server.ApplyUpdate(room.EncodeFullState()))
	assert.Equal(t, "hello world", server.String())
}

func TestUpdatesDoNotCrossRooms(t *testing.T) {
	rl := newTestRelay(t, Options{}, Config{})

	a1 := connectEditor(t, rl, "a", 1)
	a2 := connectEditor(t, rl, "a", 2)
	b1 := connectEditor(t, rl, "b", 3)
	for _, e := range []*editor{a1, a2, b1} {
		e.peer.drain(t)
	}

	a1.insert(0, "only in a")
	a1.send(protocol.EncodeAwareness([]byte("cursor")))

	assert.Len(t, a2.peer.drain(t), 2)
	assert.Empty(t, b1.peer.drain(t))
	assert.Empty(t, a1.peer.drain(t))

	b1.sync()
	assert.Equal(t, "", b1.doc.String())
}

func TestUpdateBeforeHandshakeIsAppliedAndRelayed(t *testing.T) {
	rl := newTestRelay(t, Options{}, Config{})
	x := connectEditor(t, rl, "r", 1)
	y := connectEditor(t, rl, "r", 2)
	y.peer.drain(t)

	// x never answers the server's step1.
	x.insert(0, "early")
	y.applyReceived()
	assert.Equal(t, "early", y.doc.String())
}

func TestDuplicateAndReorderedUpdates(t *testing.T) {
	rl := newTestRelay(t, Options{}, Config{})
	x := connectEditor(t, rl, "r", 1)

	u1, err := x.doc.Insert(0, "ab")
	require.NoError(t, err)
	u2, err := x.doc.Insert(2, "cd")
	require.NoError(t, err)

	x.send(protocol.EncodeUpdate(u2))
	x.send(protocol.EncodeUpdate(u1))
	x.send(protocol.EncodeUpdate(u1))
	x.send(protocol.EncodeSyncStep2(u2))

	late := connectEditor(t, rl, "r", 2)
	late.sync()
	assert.Equal(t, "abcd", late.doc.String())
}

func TestStep2IsNotRebroadcastByDefault(t *testing.T) {
	rl := newTestRelay(t, Options{}, Config{})
	x := connectEditor(t, rl, "r", 1)
	y := connectEditor(t, rl, "r", 2)
	y.peer.drain(t)

	u, err := x.doc.Insert(0, "offline edit")
	require.NoError(t, err)
	x.send(protocol.EncodeSyncStep2(u))
	assert.Empty(t, y.peer.drain(t))

	y.sync()
	assert.Equal(t, "offline edit", y.doc.String())
}

func TestStep2RebroadcastWhenEnabled(t *testing.T) {
	rl := newTestRelay(t, Options{}, Config{RebroadcastStep2: true})
	x := connectEditor(t, rl, "r", 1)
	y := connectEditor(t, rl, "r", 2)
	y.peer.drain(t)
	x.peer.drain(t)

	u, err := x.doc.Insert(0, "offline edit")
	require.NoError(t, err)
	x.send(protocol.EncodeSyncStep2(u))

	msgs := y.applyReceived()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.SyncUpdate, msgs[0].Sync)
	assert.Equal(t, "offline edit", y.doc.String())
	assert.Empty(t, x.peer.drain(t))
}

func TestMalformedFramesAreDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	rl := newTestRelay(t, Options{Metrics: m}, Config{Metrics: m, StrictFraming: true})

	x := connectEditor(t, rl, "r", 1)
	y := connectEditor(t, rl, "r", 2)
	x.peer.drain(t)
	y.peer.drain(t)

	garbage := [][]byte{
		nil,
		{0xff},
		{9, 1, 2},
		{0, 7, 0},
		{0, 2, 50, 1},
	}
	for _, g := range garbage {
		err := x.sess.Receive(context.Background(), g)
		require.Error(t, err)
		assert.True(t, errors.Is(err, protocol.ErrMalformed))
	}
	assert.Equal(t, float64(len(garbage)), testutil.ToFloat64(m.DecodeErrors))

	assert.Empty(t, y.peer.drain(t))
	assert.False(t, x.peer.isClosed())

	x.insert(0, "still works")
	y.applyReceived()
	assert.Equal(t, "still works", y.doc.String())
}

func TestRejectedUpdatesAreNotRelayed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	rl := newTestRelay(t, Options{Metrics: m}, Config{Metrics: m})

	x := connectEditor(t, rl, "r", 1)
	y := connectEditor(t, rl, "r", 2)
	y.peer.drain(t)

	err := x.sess.Receive(context.Background(), protocol.EncodeUpdate([]byte{0xde, 0xad}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, crdt.ErrMalformedUpdate))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ApplyErrors))
	assert.Empty(t, y.peer.drain(t))

	err = x.sess.Receive(context.Background(), protocol.EncodeSyncStep1([]byte{5}))
	require.Error(t, err)

	x.insert(0, "ok")
	y.applyReceived()
	assert.Equal(t, "ok", y.doc.String())
}

func TestAwarenessRelay(t *testing.T) {
	rl := newTestRelay(t, Options{}, Config{})
	x := connectEditor(t, rl, "r", 1)
	y := connectEditor(t, rl, "r", 2)
	x.peer.drain(t)
	y.peer.drain(t)

	x.send(protocol.EncodeAwareness([]byte(`{"cursor":1}`)))
	x.send(protocol.EncodeAwareness([]byte(`{"cursor":2}`)))

	msgs := y.peer.drain(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.KindAwareness, msgs[1].Kind)
	assert.Equal(t, []byte(`{"cursor":2}`), msgs[1].Payload)
	assert.Empty(t, x.peer.drain(t))

	// A late joiner gets step1 followed by the latest presence of x.
	z := connectEditor(t, rl, "r", 3)
	msgs = z.peer.drain(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.SyncStep1, msgs[0].Sync)
	assert.Equal(t, protocol.KindAwareness, msgs[1].Kind)
	assert.Equal(t, []byte(`{"cursor":2}`), msgs[1].Payload)

	// Presence is forgotten once x leaves.
	x.sess.Close()
	w := connectEditor(t, rl, "r", 4)
	assert.Len(t, w.peer.drain(t), 1)
}

func TestClosedPeersAreSkippedSilently(t *testing.T) {
	rl := newTestRelay(t, Options{}, Config{})
	x := connectEditor(t, rl, "r", 1)
	y := connectEditor(t, rl, "r", 2)
	z := connectEditor(t, rl, "r", 3)
	z.peer.drain(t)

	require.NoError(t, y.peer.Close())
	x.insert(0, "hi")

	z.applyReceived()
	assert.Equal(t, "hi", z.doc.String())
}

func TestSlowPeerIsDisconnected(t *testing.T) {
	rl := newTestRelay(t, Options{}, Config{})
	x := connectEditor(t, rl, "r", 1)

	slow := newFakePeer("slow")
	slow.capacity = 1 // filled by the server's step1
	slowSess, err := rl.Connect(context.Background(), "r", slow)
	require.NoError(t, err)

	x.insert(0, "a")
	assert.True(t, slow.isClosed())

	room, _ := rl.Registry().Lookup("r")
	assert.Equal(t, 1, room.Len())

	// The transport still reports the close later; it must be harmless.
	slowSess.Close()
	assert.Equal(t, 1, room.Len())
}

func TestSessionCloseIsIdempotentAndKeepsDocument(t *testing.T) {
	rl := newTestRelay(t, Options{}, Config{})
	x := connectEditor(t, rl, "r", 1)
	x.insert(0, "kept")

	x.sess.Close()
	x.sess.Close()
	rl.Registry().Leave("r", x.peer)
	rl.Registry().Leave("missing", x.peer)

	room, ok := rl.Registry().Lookup("r")
	require.True(t, ok)
	assert.Equal(t, 0, room.Len())
	assert.Equal(t, 0, rl.Sessions())

	y := connectEditor(t, rl, "r", 2)
	y.sync()
	assert.Equal(t, "kept", y.doc.String())
}

func TestRelayCloseClosesPeersAndRefusesNewSessions(t *testing.T) {
	rl := newTestRelay(t, Options{}, Config{})
	x := connectEditor(t, rl, "r", 1)
	y := connectEditor(t, rl, "s", 2)

	require.NoError(t, rl.Close())
	assert.True(t, x.peer.isClosed())
	assert.True(t, y.peer.isClosed())
	assert.Equal(t, 0, rl.Sessions())

	_, err := rl.Connect(context.Background(), "r", newFakePeer("late"))
	assert.True(t, errors.Is(err, ErrRelayClosed))
}

func TestConnectHonoursCancelledContext(t *testing.T) {
	rl := newTestRelay(t, Options{}, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := rl.Connect(ctx, "r", newFakePeer("p"))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, rl.Registry().Len())
}

func TestIdleRoomsAreEvicted(t *testing.T) {
	mock := clock.NewMock()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	rl := newTestRelay(t, Options{IdleTTL: time.Minute, Clock: mock, Metrics: m}, Config{})

	x := connectEditor(t, rl, "r", 1)
	x.insert(0, "volatile")
	x.sess.Close()

	mock.Add(30 * time.Second)
	_, ok := rl.Registry().Lookup("r")
	assert.True(t, ok)

	// Rejoining cancels the pending eviction.
	y := connectEditor(t, rl, "r", 2)
	mock.Add(2 * time.Minute)
	_, ok = rl.Registry().Lookup("r")
	assert.True(t, ok)

	y.sess.Close()
	mock.Add(time.Minute)
	require.Eventually(t, func() bool {
		return rl.Registry().Len() == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Evictions))

	// The room comes back empty on the next connection.
	z := connectEditor(t, rl, "r", 3)
	z.sync()
	assert.Equal(t, "", z.doc.String())
}

func TestRoomsAreKeptWithoutIdleTTL(t *testing.T) {
	mock := clock.NewMock()
	rl := newTestRelay(t, Options{Clock: mock}, Config{})

	x := connectEditor(t, rl, "r", 1)
	x.sess.Close()
	mock.Add(24 * time.Hour)

	_, ok := rl.Registry().Lookup("r")
	assert.True(t, ok)
}

func TestFanoutReceivesAcceptedFrames(t *testing.T) {
	fan := &recordingFanout{}
	rl := newTestRelay(t, Options{}, Config{Fanout: fan})
	x := connectEditor(t, rl, "r", 1)

	u, err := x.doc.Insert(0, "x")
	require.NoError(t, err)
	x.send(protocol.EncodeUpdate(u))
	x.send(protocol.EncodeAwareness([]byte("p")))
	_ = x.sess.Receive(context.Background(), protocol.EncodeUpdate([]byte{1}))
	x.send(protocol.EncodeSyncStep1(x.doc.StateVector()))

	assert.Equal(t, [][]byte{
		protocol.EncodeSyncStep1([]byte{0}),
		protocol.EncodeUpdate(u),
		protocol.EncodeAwareness([]byte("p")),
	}, fan.published("r"))

	// Publish failures never surface to the sender.
	fan.err = errors.New("bus down")
	x.insert(1, "y")
}

func TestDeliverRemote(t *testing.T) {
	rl := newTestRelay(t, Options{}, Config{})
	x := connectEditor(t, rl, "r", 1)
	y := connectEditor(t, rl, "r", 2)
	x.peer.drain(t)
	y.peer.drain(t)

	remote := crdt.NewDoc(9)
	u, err := remote.Insert(0, "from afar")
	require.NoError(t, err)

	require.NoError(t, rl.DeliverRemote("r", protocol.EncodeUpdate(u)))
	require.NoError(t, rl.DeliverRemote("r", protocol.EncodeAwareness([]byte("p"))))
	require.NoError(t, rl.DeliverRemote("quiet", protocol.EncodeAwareness([]byte("p"))))
	require.NoError(t, rl.DeliverRemote("r", protocol.EncodeSyncStep1([]byte{0})))
	assert.Error(t, rl.DeliverRemote("r", []byte{0xff}))
	assert.Error(t, rl.DeliverRemote("r", protocol.EncodeUpdate([]byte{1})))

	for _, e := range []*editor{x, y} {
		msgs := e.applyReceived()
		require.Len(t, msgs, 2)
		assert.Equal(t, "from afar", e.doc.String())
	}
	// Presence alone never creates a room.
	_, ok := rl.Registry().Lookup("quiet")
	assert.False(t, ok)
}

func TestDeliverRemoteCreatesMissingRoom(t *testing.T) {
	rl := newTestRelay(t, Options{}, Config{})

	remote := crdt.NewDoc(9)
	u, err := remote.Insert(0, "hello")
	require.NoError(t, err)
	require.NoError(t, rl.DeliverRemote("r", protocol.EncodeUpdate(u)))

	room, ok := rl.Registry().Lookup("r")
	require.True(t, ok)
	assert.Equal(t, 0, room.Len())

	// A peer joining afterwards syncs the remote content.
	y := connectEditor(t, rl, "r", 2)
	y.sync()
	assert.Equal(t, "hello", y.doc.String())
	y.insert(5, "!")
	assert.Equal(t, "hello!", y.doc.String())
}

func TestRemoteDuplicatesAreNotRelayed(t *testing.T) {
	rl := newTestRelay(t, Options{}, Config{})
	x := connectEditor(t, rl, "r", 1)
	x.peer.drain(t)

	remote := crdt.NewDoc(9)
	u, err := remote.Insert(0, "once")
	require.NoError(t, err)

	require.NoError(t, rl.DeliverRemote("r", protocol.EncodeUpdate(u)))
	require.NoError(t, rl.DeliverRemote("r", protocol.EncodeUpdate(u)))
	require.NoError(t, rl.DeliverRemote("r", protocol.EncodeSyncStep2(u)))

	msgs := x.applyReceived()
	require.Len(t, msgs, 1)
	assert.Equal(t, "once", x.doc.String())
}

func TestLateJoinerOnAnotherInstanceCatchesUp(t *testing.T) {
	eastFan, westFan := &linkedFanout{}, &linkedFanout{}
	east := newTestRelay(t, Options{}, Config{Fanout: eastFan})
	west := newTestRelay(t, Options{}, Config{Fanout: westFan})
	westFan.link(east)
	eastFan.link(west)

	x := connectEditor(t, east, "r", 1)
	x.sync()
	x.insert(0, "hello")

	y := connectEditor(t, west, "r", 2)
	y.sync()
	assert.Equal(t, "hello", y.doc.String())

	y.insert(5, " world")
	x.applyReceived()
	assert.Equal(t, "hello world", x.doc.String())
}

func TestNewRoomIsBootstrappedFromOtherInstances(t *testing.T) {
	eastFan, westFan := &linkedFanout{}, &linkedFanout{}
	east := newTestRelay(t, Options{}, Config{Fanout: eastFan})
	west := newTestRelay(t, Options{}, Config{Fanout: westFan})

	// West is not listening while x types, so it never sees the update.
	x := connectEditor(t, east, "r", 1)
	x.sync()
	x.insert(0, "hello")
	_, ok := west.Registry().Lookup("r")
	require.False(t, ok)

	westFan.link(east)
	eastFan.link(west)

	y := connectEditor(t, west, "r", 2)
	msgs := y.peer.drain(t)
	require.NotEmpty(t, msgs)
	assert.Equal(t, protocol.SyncStep1, msgs[0].Sync)
	assert.NotEqual(t, []byte{0}, msgs[0].Payload, "step1 should already carry the bootstrapped state")

	y.sync()
	assert.Equal(t, "hello", y.doc.String())
	y.insert(5, " world")
	x.applyReceived()
	assert.Equal(t, "hello world", x.doc.String())
}

func TestRegistryBroadcast(t *testing.T) {
	rl := newTestRelay(t, Options{}, Config{})
	reg := rl.Registry()
	x := connectEditor(t, rl, "r", 1)
	y := connectEditor(t, rl, "r", 2)
	z := connectEditor(t, rl, "r", 3)
	other := connectEditor(t, rl, "other", 4)
	for _, e := range []*editor{x, y, z, other} {
		e.peer.drain(t)
	}

	frame := protocol.EncodeAwareness([]byte("hi"))
	require.NoError(t, y.peer.Close())
	reg.Broadcast("r", frame, x.peer)
	reg.Broadcast("missing", frame, nil)

	assert.Empty(t, x.peer.drain(t), "excluded peer")
	assert.Empty(t, y.peer.drain(t), "closed peer")
	assert.Len(t, z.peer.drain(t), 1)
	assert.Empty(t, other.peer.drain(t))
	// A closed peer is skipped, not treated as slow.
	assert.Equal(t, 3, reg.GetOrCreate("r").Len())

	// Peers leaving while a broadcast runs never disturb it.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			reg.Broadcast("r", frame, nil)
		}
	}()
	go func() {
		defer wg.Done()
		x.sess.Close()
		y.sess.Close()
	}()
	wg.Wait()
	assert.Equal(t, 1, reg.GetOrCreate("r").Len())
	assert.NotEmpty(t, z.peer.drain(t))
}

func TestConcurrentEditorsConverge(t *testing.T) {
	rl := newTestRelay(t, Options{}, Config{})

	const editors = 6
	const edits = 40
	eds := make([]*editor, editors)
	for i := range eds {
		eds[i] = connectEditor(t, rl, "busy", uint64(i+1))
		eds[i].peer.drain(t)
	}

	var wg sync.WaitGroup
	wg.Add(editors)
	for i, e := range eds {
		go func(i int, e *editor) {
			defer wg.Done()
			for n := 0; n < edits; n++ {
				u, err := e.doc.Insert(e.doc.Len(), fmt.Sprint(i))
				if err != nil {
					t.Errorf("insert: %v", err)
					return
				}
				if err := e.sess.Receive(context.Background(), protocol.EncodeUpdate(u)); err != nil {
					t.Errorf("receive: %v", err)
					return
				}
			}
		}(i, e)
	}
	wg.Wait()

	room, _ := rl.Registry().Lookup("busy")
	server := crdt.NewDoc(0)
	require.NoError(t, server.ApplyUpdate(room.EncodeFullState()))
	assert.Equal(t, editors*edits, server.Len())

	for _, e := range eds {
		e.applyReceived()
		assert.Equal(t, server.String(), e.doc.String())
	}
}
