// Package server implements the HTTP and WebSocket transport of the document
// relay.
//
// The implementation is organized into specialized files for configuration,
// logging, the client hub, clients, routing, and HTTP handlers. Rooms,
// documents and the sync protocol live in the relay package; this package
// turns websocket connections into relay peers.
package server
