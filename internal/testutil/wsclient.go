package testutil

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Frame is an outbound server frame as a client decodes it: either an ack
// or an event.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	OK        bool            `json:"ok"`
	Error     string          `json:"error"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
}

// WSClient is a websocket test client for integration testing.
type WSClient struct {
	conn *websocket.Conn
	t    *testing.T
}

// NewWSClient dials url and returns a test client. url may use the http or
// ws scheme.
//
// Precondition: url must point at a listening websocket endpoint.
// Postcondition: Returns a connected WSClient or fails the test.
func NewWSClient(t *testing.T, url string) *WSClient {
	t.Helper()
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, strings.Replace(url, "http://", "ws://", 1), nil)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", url, err, time.Since(start))
	}

	t.Cleanup(func() {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	})

	t.Logf("websocket client connected to %s [%s]", url, time.Since(start))
	return &WSClient{conn: conn, t: t}
}

// Send writes v as one JSON text frame.
//
// Postcondition: v is written to the connection or the test fails.
func (c *WSClient) Send(v any) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, c.conn, v); err != nil {
		c.t.Fatalf("sending %+v: %v", v, err)
	}
}

// SendRaw writes data as one text frame without encoding it.
func (c *WSClient) SendRaw(data string) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, []byte(data)); err != nil {
		c.t.Fatalf("sending %q: %v", data, err)
	}
}

// Read returns the next frame or fails the test after timeout.
func (c *WSClient) Read(timeout time.Duration) Frame {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var f Frame
	if err := wsjson.Read(ctx, c.conn, &f); err != nil {
		c.t.Fatalf("reading frame: %v", err)
	}
	return f
}

// ReadUntil reads frames until match returns true and returns the matching
// frame. Frames read before it are discarded.
//
// Postcondition: Returns the first matching frame, or fails on timeout.
func (c *WSClient) ReadUntil(match func(Frame) bool, timeout time.Duration) Frame {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.t.Fatalf("no matching frame within %s", timeout)
		}
		if f := c.Read(remaining); match(f) {
			return f
		}
	}
}

// AckFor matches the ack of requestID.
func AckFor(requestID string) func(Frame) bool {
	return func(f Frame) bool { return f.Type == "ack" && f.RequestID == requestID }
}

// EventNamed matches events called name.
func EventNamed(name string) func(Frame) bool {
	return func(f Frame) bool { return f.Type == "event" && f.Event == name }
}

// Close closes the underlying connection.
func (c *WSClient) Close() {
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}
