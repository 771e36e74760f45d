// Package presence implements the server side of the presence core: the
// capacity-bounded Connection Registry and the Presence Broadcaster that fans
// registry transitions and relayed client events out to connections.
package presence

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sharediary/diary3d/internal/protocol"
)

var (
	// ErrOutboxClosed is returned for a frame offered after the outbox closed.
	ErrOutboxClosed = errors.New("outbox closed")
	// ErrOutboxFull is returned when the queue has no room for a frame.
	ErrOutboxFull = errors.New("outbox full")
)

// EvictedCloseReason is recorded on an outbox that was closed because a
// membership frame did not fit.
const EvictedCloseReason = "too slow"

// DefaultOutboxSize is used when a non-positive size is requested.
const DefaultOutboxSize = 64

// Outbox queues encoded frames for one connection's write pump.
//
// Frames come in two grades. Offer is for relays that a later relay
// supersedes: a full queue drops the frame and counts it. Deliver is for
// membership frames the peer cannot reconstruct: a full queue evicts the
// peer by closing the outbox with EvictedCloseReason.
type Outbox struct {
	id     protocol.ConnectionID
	frames chan []byte

	mu      sync.Mutex
	closed  bool
	reason  string
	dropped int
}

// NewOutbox creates an Outbox for the given connection.
//
// Precondition: id must be non-empty.
// Postcondition: Returns an open Outbox holding at most size frames.
func NewOutbox(id protocol.ConnectionID, size int) *Outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	return &Outbox{
		id:     id,
		frames: make(chan []byte, size),
	}
}

// ID returns the owning connection's identifier.
func (o *Outbox) ID() protocol.ConnectionID {
	return o.id
}

// Offer queues a frame that may be lost.
//
// Postcondition: The frame is queued, or it is counted in Dropped and an
// error wrapping ErrOutboxClosed or ErrOutboxFull is returned.
func (o *Outbox) Offer(frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.enqueueLocked(frame); err != nil {
		o.dropped++
		return err
	}
	return nil
}

// Deliver queues a frame that must not be lost.
//
// Postcondition: The frame is queued, or the outbox is closed. A full queue
// is closed with EvictedCloseReason and an error wrapping ErrOutboxFull is
// returned so the caller can disconnect the peer.
func (o *Outbox) Deliver(frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	err := o.enqueueLocked(frame)
	if errors.Is(err, ErrOutboxFull) {
		o.dropped++
		o.closeLocked(EvictedCloseReason)
	}
	return err
}

func (o *Outbox) enqueueLocked(frame []byte) error {
	if o.closed {
		return fmt.Errorf("connection %s: %w", o.id, ErrOutboxClosed)
	}
	select {
	case o.frames <- frame:
		return nil
	default:
		return fmt.Errorf("connection %s: %w (%d queued)", o.id, ErrOutboxFull, len(o.frames))
	}
}

// Frames is drained by the write pump. It is closed once the outbox closes;
// frames queued before that are still delivered.
func (o *Outbox) Frames() <-chan []byte {
	return o.frames
}

// Close stops accepting frames without a reason.
func (o *Outbox) Close() {
	o.CloseWithReason("")
}

// CloseWithReason stops accepting frames and records why. Only the first
// close is recorded; later calls change nothing.
func (o *Outbox) CloseWithReason(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeLocked(reason)
}

func (o *Outbox) closeLocked(reason string) {
	if o.closed {
		return
	}
	o.closed = true
	o.reason = reason
	close(o.frames)
}

// CloseReason returns the reason recorded by the first close, and whether
// the outbox is closed at all.
func (o *Outbox) CloseReason() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reason, o.closed
}

// IsClosed reports whether the outbox stopped accepting frames.
func (o *Outbox) IsClosed() bool {
	_, closed := o.CloseReason()
	return closed
}

// Dropped is the number of frames this outbox refused.
func (o *Outbox) Dropped() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}
