package testutil

import (
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sharediary/diary3d/internal/protocol"
)

// WSClient is a raw presence protocol client for integration tests.
type WSClient struct {
	conn *websocket.Conn
	t    *testing.T
}

// NewWSClient dials a presence endpoint. httpURL may use the http or ws scheme.
//
// Precondition: httpURL must point at a listening WebSocket handler.
// Postcondition: Returns a connected client or fails the test.
func NewWSClient(t *testing.T, httpURL string) *WSClient {
	t.Helper()
	start := time.Now()

	url := "ws" + strings.TrimPrefix(httpURL, "http")
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v [%s]", url, err, time.Since(start))
	}
	t.Cleanup(func() {
		conn.Close()
	})

	return &WSClient{conn: conn, t: t}
}

// Send encodes and writes one event.
func (c *WSClient) Send(event protocol.Event, payload any) {
	c.t.Helper()
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		c.t.Fatalf("encoding %s: %v", event, err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.t.Fatalf("writing %s: %v", event, err)
	}
}

// SendRaw writes a text frame as-is.
func (c *WSClient) SendRaw(frame string) {
	c.t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		c.t.Fatalf("writing raw frame: %v", err)
	}
}

// Read returns the next envelope, or the read error (including close frames).
func (c *WSClient) Read(timeout time.Duration) (protocol.Envelope, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Decode(raw)
}

// ReadUntil reads envelopes until one with the given event arrives. It
// returns every envelope read, the match last.
//
// Postcondition: Returns the accumulated envelopes, or fails on timeout.
func (c *WSClient) ReadUntil(event protocol.Event, timeout time.Duration) []protocol.Envelope {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	var seen []protocol.Envelope
	for {
		env, err := c.Read(time.Until(deadline))
		if err != nil {
			c.t.Fatalf("waiting for %s: %v (seen %d envelopes)", event, err, len(seen))
		}
		seen = append(seen, env)
		if env.Event == event {
			return seen
		}
	}
}

// ExpectSilence fails the test if any frame arrives within d. A read
// timeout breaks the socket, so it must be the client's last read.
func (c *WSClient) ExpectSilence(d time.Duration) {
	c.t.Helper()
	env, err := c.Read(d)
	if err == nil {
		c.t.Fatalf("expected no frame, got %s", env.Event)
	}
	if ne, ok := err.(interface{ Timeout() bool }); !ok || !ne.Timeout() {
		c.t.Fatalf("expected read timeout, got %v", err)
	}
}

// Close sends a normal close frame and closes the socket.
func (c *WSClient) Close() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.conn.Close()
}
