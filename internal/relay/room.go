package relay

import (
	"errors"
	"sync"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Tyrowin/docrelay/internal/protocol"
)

// Room is one document replica together with the connections editing it.
type Room struct {
	id  string
	reg *Registry

	mu        sync.Mutex
	doc       Document
	peers     map[Peer]struct{}
	awareness *lru.Cache[string, []byte]

	evicted   bool
	idleGen   uint64
	idleTimer *clock.Timer
}

// ID returns the room id.
func (r *Room) ID() string {
	return r.id
}

// Len reports how many peers are in the room.
func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// EncodeFullState returns an update from which an empty replica can rebuild
// the current content.
func (r *Room) EncodeFullState() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.EncodeStateAsUpdate()
}

// EncodeStateSummary returns the document's state vector.
func (r *Room) EncodeStateSummary() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateSummaryLocked()
}

func (r *Room) stateSummaryLocked() []byte {
	return r.doc.StateVector()
}

// DiffFor returns the update a replica holding summary is missing.
func (r *Room) DiffFor(summary []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.EncodeDiff(summary)
}

// ApplyUpdate merges update into the document without notifying anyone.
// origin may be nil for updates that did not come from a local peer.
func (r *Room) ApplyUpdate(update []byte, origin Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.ApplyUpdate(update)
}

// Broadcast sends frame to every peer except exclude. Closed peers are
// skipped silently; peers whose buffer is full are disconnected.
func (r *Room) Broadcast(frame []byte, exclude Peer) {
	r.mu.Lock()
	slow := r.broadcastLocked(frame, exclude)
	r.mu.Unlock()
	r.dropSlow(slow)
}

// applyAndBroadcast applies update and, if it was accepted, queues it for
// every peer except origin before any later update can be applied.
func (r *Room) applyAndBroadcast(update []byte, origin Peer) error {
	r.mu.Lock()
	if err := r.doc.ApplyUpdate(update); err != nil {
		r.mu.Unlock()
		return err
	}
	slow := r.broadcastLocked(protocol.EncodeUpdate(update), origin)
	r.mu.Unlock()
	r.dropSlow(slow)
	return nil
}

// applyRemote applies an update received from another instance and queues
// it for every local peer, unless the document reports it changed nothing.
func (r *Room) applyRemote(update []byte) error {
	r.mu.Lock()
	changed := true
	var err error
	if cr, ok := r.doc.(ChangeReporter); ok {
		changed, err = cr.ApplyUpdateChanged(update)
	} else {
		err = r.doc.ApplyUpdate(update)
	}
	if err != nil {
		r.mu.Unlock()
		return err
	}
	var slow []Peer
	if changed {
		slow = r.broadcastLocked(protocol.EncodeUpdate(update), nil)
	}
	r.mu.Unlock()
	r.dropSlow(slow)
	return nil
}

func (r *Room) join(p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.evicted {
		return false
	}
	if _, ok := r.peers[p]; ok {
		return true
	}
	r.peers[p] = struct{}{}
	r.cancelIdleLocked()

	// The handshake is queued before the peer becomes visible to any
	// broadcast, so step1 is always the first frame it sees.
	r.sendLocked(p, protocol.EncodeSyncStep1(r.stateSummaryLocked()))
	r.replayAwarenessLocked(p)

	r.reg.log.Debug("peer joined", "room", r.id, "peer", p.ID(), "peers", len(r.peers))
	return true
}

func (r *Room) leave(p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[p]; !ok {
		return false
	}
	delete(r.peers, p)
	r.awareness.Remove(p.ID())
	if len(r.peers) == 0 {
		r.scheduleIdleLocked()
	}

	r.reg.log.Debug("peer left", "room", r.id, "peer", p.ID(), "peers", len(r.peers))
	return true
}

func (r *Room) broadcastLocked(frame []byte, exclude Peer) []Peer {
	var slow []Peer
	for p := range r.peers {
		if p == exclude {
			continue
		}
		if r.sendLocked(p, frame) {
			slow = append(slow, p)
		}
	}
	return slow
}

// sendLocked queues frame for p and reports whether p's buffer overflowed.
func (r *Room) sendLocked(p Peer, frame []byte) bool {
	err := p.Send(frame)
	if err == nil {
		return false
	}
	r.reg.metrics.DroppedSend()
	return errors.Is(err, ErrSendBufferFull)
}

// dropSlow disconnects peers that could not keep up. They will receive the
// full state again when they reconnect.
func (r *Room) dropSlow(slow []Peer) {
	for _, p := range slow {
		if !r.leave(p) {
			continue
		}
		r.reg.metrics.SlowPeer()
		r.reg.log.Warn("disconnecting slow peer", "room", r.id, "peer", p.ID())
		if err := p.Close(); err != nil {
			r.reg.log.Debug("close slow peer", "room", r.id, "peer", p.ID(), "err", err)
		}
	}
}

func (r *Room) scheduleIdleLocked() {
	r.cancelIdleLocked()
	ttl := r.reg.idleTTL
	if ttl <= 0 {
		return
	}
	gen := r.idleGen
	r.idleTimer = r.reg.clock.AfterFunc(ttl, func() {
		r.reg.evict(r, gen)
	})
}

func (r *Room) cancelIdleLocked() {
	r.idleGen++
	if r.idleTimer != nil {
		r.idleTimer.Stop()
		r.idleTimer = nil
	}
}
