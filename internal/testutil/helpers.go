// Package testutil provides websocket and HTTP helpers shared by the relay's
// tests.
package testutil

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/docrelay/internal/protocol"
)

// TestOrigin is the origin test clients present.
const TestOrigin = "http://localhost:8080"

// WebSocketURL builds the websocket URL for room on the server at addr.
// An empty room omits the query parameter.
func WebSocketURL(addr, room string) string {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
	if room != "" {
		u.RawQuery = url.Values{"room": {room}}.Encode()
	}
	return u.String()
}

// ConnectWebSocket opens a websocket connection presenting origin.
func ConnectWebSocket(rawURL, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(rawURL, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// MustConnect opens a websocket with the test origin and closes it when the
// test ends.
func MustConnect(t *testing.T, addr, room string) *websocket.Conn {
	t.Helper()
	conn, _, err := ConnectWebSocket(WebSocketURL(addr, room), TestOrigin)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// MakeRequest creates and executes an HTTP request, returning the response.
func MakeRequest(t *testing.T, method, rawURL string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, rawURL, http.NoBody)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	assert.Equal(t, expected, resp.StatusCode, "status code")
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	assert.Equal(t, expected, resp.Header.Get("Content-Type"), "content type")
}

// SendFrame writes frame as one binary websocket message.
func SendFrame(conn *websocket.Conn, frame []byte) error {
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

// ReadMessage reads the next binary frame and decodes it.
func ReadMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	messageType, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, messageType)

	msg, err := protocol.Decode(frame)
	require.NoError(t, err)
	return msg
}

// ExpectNoMessage fails if a frame arrives within timeout. A connection
// cannot be read again after the deadline passes.
func ExpectNoMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, frame, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no message, got %v", frame)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	t.Fatalf("unexpected error while waiting for absence of message: %v", err)
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
