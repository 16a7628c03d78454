package relay

import "github.com/Tyrowin/docrelay/internal/protocol"

// relayAwareness remembers state as origin's latest presence and forwards it
// unchanged to every other peer.
func (r *Room) relayAwareness(state []byte, origin Peer) {
	r.mu.Lock()
	if origin != nil {
		if _, ok := r.peers[origin]; ok {
			r.awareness.Add(origin.ID(), append([]byte(nil), state...))
		}
	}
	slow := r.broadcastLocked(protocol.EncodeAwareness(state), origin)
	r.mu.Unlock()
	r.dropSlow(slow)
}

// replayAwarenessLocked sends a joining peer the latest presence of the
// peers already in the room, oldest first.
func (r *Room) replayAwarenessLocked(p Peer) {
	for _, id := range r.awareness.Keys() {
		if id == p.ID() {
			continue
		}
		if state, ok := r.awareness.Peek(id); ok {
			r.sendLocked(p, protocol.EncodeAwareness(state))
		}
	}
}
