package tcptrack

import "errors"

var (
	// ErrTruncatedPacket is returned when the TCP header, including options,
	// extends past the captured bytes.
	ErrTruncatedPacket = errors.New("tcptrack: truncated packet")

	// ErrInvalidTransition is returned when a segment has no legal next
	// state for the connection. The connection is left untouched.
	ErrInvalidTransition = errors.New("tcptrack: invalid state transition")

	// ErrRejectedNew is returned by New when a segment cannot start a flow.
	ErrRejectedNew = errors.New("tcptrack: segment cannot start a connection")
)
