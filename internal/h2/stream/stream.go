// Package stream holds HTTP/2 stream state for a single session.
package stream

import (
	"bytes"

	"github.com/Diogokranzz/HTTP-2/internal/h2/hpack"
)

// State represents the state of an HTTP/2 stream
type State int

// HTTP/2 stream states per RFC 7540
const (
	StateIdle State = iota
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateHalfClosedLocal:
		return "half-closed (local)"
	case StateHalfClosedRemote:
		return "half-closed (remote)"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Stream is one request/response exchange. Streams are owned by a Table and
// never shared across sessions.
type Stream struct {
	ID      uint32
	State   State
	Headers []hpack.HeaderField
	Data    bytes.Buffer

	// Unresolved counts header fields that referenced the peer's dynamic
	// table and were dropped while decoding.
	Unresolved int

	// Responded is set once a response has been queued for the stream.
	Responded bool
}

// Header returns the first value for name.
func (s *Stream) Header(name string) (string, bool) {
	for _, h := range s.Headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

func (s *Stream) done() bool {
	return s.Responded && (s.State == StateHalfClosedRemote || s.State == StateClosed)
}

// Table maps stream ids to streams. Id 0 is the connection control stream and
// is never stored.
type Table struct {
	streams map[uint32]*Stream
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{streams: make(map[uint32]*Stream)}
}

// Get returns the stream for id, if present.
func (t *Table) Get(id uint32) (*Stream, bool) {
	s, ok := t.streams[id]
	return s, ok
}

// GetOrCreate returns the stream for id, creating it idle when absent. It
// returns nil for id 0.
func (t *Table) GetOrCreate(id uint32) *Stream {
	if id == 0 {
		return nil
	}
	if s, ok := t.streams[id]; ok {
		return s
	}
	s := &Stream{ID: id, State: StateIdle}
	t.streams[id] = s
	return s
}

// Delete removes id from the table.
func (t *Table) Delete(id uint32) {
	delete(t.streams, id)
}

// Len returns the number of stored streams.
func (t *Table) Len() int {
	return len(t.streams)
}

// Prune drops streams that the peer has finished sending on and that have
// already been answered. It returns the number removed.
func (t *Table) Prune() int {
	n := 0
	for id, s := range t.streams {
		if s.done() {
			delete(t.streams, id)
			n++
		}
	}
	return n
}
