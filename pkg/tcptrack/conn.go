package tcptrack

import (
	"strings"
	"sync"
)

// Status holds connection status bits.
type Status uint32

const (
	// StatusSeenReply is set by the owner of the connection once a packet
	// has travelled in the reply direction.
	StatusSeenReply Status = 1 << iota
	// StatusAssured marks a connection whose three-way handshake completed.
	// It is never cleared.
	StatusAssured
)

func (s Status) String() string {
	var parts []string
	if s&StatusSeenReply != 0 {
		parts = append(parts, "SEEN_REPLY")
	}
	if s&StatusAssured != 0 {
		parts = append(parts, "ASSURED")
	}
	return strings.Join(parts, "|")
}

// MarshalText renders the status bits as String does.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Conn is the TCP sub-state of one tracked connection. All fields are
// guarded by mu; Tracker.Packet holds the write lock for the whole update.
type Conn struct {
	mu           sync.RWMutex
	state        State
	handshakeAck uint32
	status       Status
}

// NewConn returns a connection in the given initial state, normally the
// state returned by Tracker.New.
func NewConn(initial State) *Conn {
	return &Conn{state: initial}
}

// State returns the current state.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// HandshakeAck returns the acknowledgment number expected to complete the
// handshake. It is meaningful only after a SYN/ACK was seen in SYN_SENT.
func (c *Conn) HandshakeAck() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handshakeAck
}

// Status returns the status bits.
func (c *Conn) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// SetStatus sets the given status bits. Bits are never cleared.
func (c *Conn) SetStatus(bits Status) {
	c.mu.Lock()
	c.status |= bits
	c.mu.Unlock()
}

// Snapshot returns state and status read under one lock.
func (c *Conn) Snapshot() (State, Status) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state, c.status
}

// FormatState renders the connection state for listings.
func FormatState(c *Conn) string {
	return c.State().String() + " "
}
