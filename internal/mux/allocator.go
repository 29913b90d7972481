package mux

import (
	"errors"
	"math"
	"sync/atomic"
)

// ErrStreamIDsExhausted is returned when a session has used every stream ID of its parity
var ErrStreamIDsExhausted = errors.New("stream ids exhausted")

// StreamIDAllocator helps allocate stream IDs avoiding collisions.
// - Initiators (the side that dialed the transport) use odd IDs (1, 3, 5, ...)
// - Acceptors use even IDs (2, 4, 6, ...)
// Thread-safe: uses atomic operations for concurrent access.
type StreamIDAllocator struct {
	next      atomic.Uint64
	initiator bool
}

// NewStreamIDAllocator creates a new allocator.
func NewStreamIDAllocator(initiator bool) *StreamIDAllocator {
	start := uint64(2)
	if initiator {
		start = 1
	}
	a := &StreamIDAllocator{initiator: initiator}
	a.next.Store(start)
	return a
}

// Next returns the next available stream ID. IDs are never reused
// within a session.
func (a *StreamIDAllocator) Next() (uint32, error) {
	id := a.next.Add(2) - 2
	if id > math.MaxUint32 {
		return 0, ErrStreamIDsExhausted
	}
	return uint32(id), nil
}

// IsLocal reports whether id has this side's parity.
func (a *StreamIDAllocator) IsLocal(id uint32) bool {
	return (id%2 == 1) == a.initiator
}
