// Package relay keeps one shared document replica per room and relays sync
// and awareness messages between the connections bound to that room.
//
// A Registry owns the rooms. Each Room serializes every operation on its
// document and its connection set behind one mutex, so updates reach peers in
// the order they were applied. Rooms never share a lock with each other.
//
// A Relay binds transport connections (Peer) to rooms through Sessions. The
// transport calls Session.Receive for every inbound frame and Session.Close
// once the connection is gone.
package relay
