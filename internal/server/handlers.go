// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the room listing.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// DefaultRoom is used when a websocket request names no room.
const DefaultRoom = "default"

func (s *Server) newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
}

// roomFromRequest reads the room query parameter.
func roomFromRequest(r *http.Request) string {
	if room := r.URL.Query().Get("room"); room != "" {
		return room
	}
	return DefaultRoom
}

// WebSocketHandler handles WebSocket upgrade requests. It validates that the
// request uses the GET method, upgrades the HTTP connection, joins the
// requested room and hands the client to the hub, which starts its pumps.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	roomID := roomFromRequest(r)
	client := NewClient(conn, s.hub, r.RemoteAddr, s.cfg, s.metrics, s.log)

	session, err := s.relay.Connect(r.Context(), roomID, client)
	if err != nil {
		s.log.Info("rejecting connection", "room", roomID, "remote", r.RemoteAddr, "err", err)
		s.rejectConnection(conn)
		return
	}
	client.bind(session)

	if err := s.hub.Register(client); err != nil {
		session.Close()
		_ = client.Close()
		s.rejectConnection(conn)
	}
}

func (s *Server) rejectConnection(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	_ = conn.Close()
}

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "docrelay is running")
}

// RoomsHandler lists the rooms held in memory with their peer counts.
func (s *Server) RoomsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed.", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.relay.Registry().Rooms()); err != nil {
		s.log.Debug("write rooms response", "err", err)
	}
}
