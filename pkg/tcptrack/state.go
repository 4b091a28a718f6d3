// Package tcptrack implements the per-connection TCP state tracker used by
// the connection tracking table. It classifies segments, walks a fixed
// transition table and updates the handshake and assured bookkeeping of a
// single connection. Table management, timers and verdict policy belong to
// the caller.
package tcptrack

import "fmt"

// State is the tracking state of a TCP connection.
type State uint8

const (
	None State = iota
	Established
	SynSent
	SynRecv
	FinWait
	TimeWait
	Close
	CloseWait
	LastAck
	Listen

	numStates = int(Listen) + 1
)

var stateNames = [numStates]string{
	None:        "NONE",
	Established: "ESTABLISHED",
	SynSent:     "SYN_SENT",
	SynRecv:     "SYN_RECV",
	FinWait:     "FIN_WAIT",
	TimeWait:    "TIME_WAIT",
	Close:       "CLOSE",
	CloseWait:   "CLOSE_WAIT",
	LastAck:     "LAST_ACK",
	Listen:      "LISTEN",
}

// Valid reports whether s is one of the named states.
func (s State) Valid() bool { return int(s) < numStates }

func (s State) String() string {
	if !s.Valid() {
		return fmt.Sprintf("STATE(%d)", uint8(s))
	}
	return stateNames[s]
}

// ParseState returns the state with the given name. SYN_SENT2, which newer
// kernels report for simultaneous open, maps to SynSent.
func ParseState(name string) (State, error) {
	if name == "SYN_SENT2" {
		return SynSent, nil
	}
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return None, fmt.Errorf("unknown tcp state %q", name)
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name as ParseState does.
func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Direction is the direction of a packet relative to the packet that
// created the connection.
type Direction uint8

const (
	Original Direction = iota
	Reply
)

func (d Direction) String() string {
	switch d {
	case Original:
		return "original"
	case Reply:
		return "reply"
	}
	return fmt.Sprintf("direction(%d)", uint8(d))
}

// Class is the flag class of a segment used to index the transition table.
type Class uint8

const (
	ClassSyn Class = iota
	ClassFin
	ClassAck
	ClassRst
	ClassNone

	numClasses = int(ClassNone) + 1
)

func (c Class) String() string {
	switch c {
	case ClassSyn:
		return "syn"
	case ClassFin:
		return "fin"
	case ClassAck:
		return "ack"
	case ClassRst:
		return "rst"
	case ClassNone:
		return "none"
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

// TCP header flag bits.
const (
	FlagFin uint8 = 0x01
	FlagSyn uint8 = 0x02
	FlagRst uint8 = 0x04
	FlagPsh uint8 = 0x08
	FlagAck uint8 = 0x10
	FlagUrg uint8 = 0x20
)

// Classify returns the class of a segment with the given flags. Only the
// highest priority flag counts: RST, then SYN, FIN and ACK.
func Classify(flags uint8) Class {
	switch {
	case flags&FlagRst != 0:
		return ClassRst
	case flags&FlagSyn != 0:
		return ClassSyn
	case flags&FlagFin != 0:
		return ClassFin
	case flags&FlagAck != 0:
		return ClassAck
	}
	return ClassNone
}
