// Package session binds transport connections to rooms. The Coordinator owns
// every connection's binding and turns client intents into room operations,
// replies, and room-wide broadcasts.
package session

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrOutboxClosed is returned by Push after Close.
	ErrOutboxClosed = errors.New("outbox closed")
	// ErrOutboxFull is returned by Push when the consumer has fallen behind.
	ErrOutboxFull = errors.New("outbox full")
)

// defaultOutboxSize is used when a non-positive size is requested.
const defaultOutboxSize = 64

// Outbox is a connection's bounded queue of encoded outbound frames.
// The Coordinator pushes; the transport drains Frames and writes them to
// the wire in order.
type Outbox struct {
	connID string
	frames chan []byte
	mu     sync.Mutex
	closed bool
}

// NewOutbox creates an Outbox for connID holding up to size frames.
//
// Precondition: connID must be non-empty.
// Postcondition: Returns an Outbox with an open frames channel.
func NewOutbox(connID string, size int) *Outbox {
	if size <= 0 {
		size = defaultOutboxSize
	}
	return &Outbox{
		connID: connID,
		frames: make(chan []byte, size),
	}
}

// ConnID returns the connection this outbox belongs to.
func (o *Outbox) ConnID() string {
	return o.connID
}

// Push enqueues a frame without blocking.
//
// Postcondition: The frame is queued, or ErrOutboxClosed / ErrOutboxFull is returned.
func (o *Outbox) Push(frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return fmt.Errorf("%w: %s", ErrOutboxClosed, o.connID)
	}
	select {
	case o.frames <- frame:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrOutboxFull, o.connID)
	}
}

// Frames returns the channel the transport writer drains. It is closed
// once the outbox is closed and every queued frame has been received.
func (o *Outbox) Frames() <-chan []byte {
	return o.frames
}

// Close marks the outbox closed and closes the frames channel. Frames already
// queued remain readable.
//
// Postcondition: Further Push calls return ErrOutboxClosed.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.frames)
	}
}

// IsClosed reports whether the outbox has been closed.
func (o *Outbox) IsClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
