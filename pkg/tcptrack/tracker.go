package tcptrack

import (
	"time"

	"github.com/irctrakz/wgconntrack/pkg/logging"
	"github.com/sirupsen/logrus"
)

// Timer is the expiry timer of one tracked connection, owned by the
// connection table.
type Timer interface {
	// Refresh rearms the timer to fire d from now.
	Refresh(d time.Duration)
	// ExpireNow cancels the timer and deletes the connection immediately.
	ExpireNow()
}

// Verdict is the outcome of a successful Packet call.
type Verdict uint8

const (
	// VerdictAccept means the packet was valid and the timer was refreshed.
	VerdictAccept Verdict = iota
	// VerdictTeardown means the packet was valid but the connection was
	// expired immediately: a reset arrived before any reply traffic.
	VerdictTeardown
)

func (v Verdict) String() string {
	if v == VerdictTeardown {
		return "teardown"
	}
	return "accept"
}

// Tracker runs the state machine. It holds no per-connection data and is
// safe for concurrent use across connections.
type Tracker struct {
	timeouts Timeouts
	log      *logrus.Entry
}

// NewTracker returns a tracker that arms timers from the given table.
func NewTracker(timeouts Timeouts) *Tracker {
	return &Tracker{
		timeouts: timeouts,
		log:      logging.Component("tcptrack"),
	}
}

// Timeouts returns the timeout table in use.
func (t *Tracker) Timeouts() Timeouts { return t.timeouts }

// New returns the initial state of a connection whose first packet is seg,
// or ErrRejectedNew if seg cannot start one, e.g. a bare ACK or FIN.
func (t *Tracker) New(seg *Segment) (State, error) {
	s, err := Next(Original, seg.Class(), None)
	if err != nil {
		t.log.WithField("class", seg.Class()).Debug("rejecting new connection")
		return None, ErrRejectedNew
	}
	return s, nil
}

// Packet advances c for a segment travelling in direction dir. On an
// illegal transition it returns ErrInvalidTransition and leaves c
// unchanged; whether to drop the packet is the caller's decision.
//
// The caller must not run Packet concurrently for the same connection with
// packets whose relative order matters; c's lock only keeps each update
// atomic.
func (t *Tracker) Packet(c *Conn, seg *Segment, dir Direction, timer Timer) (Verdict, error) {
	class := seg.Class()

	c.mu.Lock()
	old := c.state
	next, err := Next(dir, class, old)
	if err != nil {
		c.mu.Unlock()
		t.log.WithFields(logrus.Fields{
			"dir":   dir,
			"class": class,
			"state": old,
		}).Debug("invalid transition")
		return VerdictAccept, err
	}
	c.state = next

	// Remember the SYN/ACK sequence so the final handshake ACK can be
	// checked.
	if old == SynSent && dir == Reply && seg.Has(FlagSyn|FlagAck) {
		c.handshakeAck = seg.Seq + 1
	}

	teardown := c.status&StatusSeenReply == 0 && seg.Flags&FlagRst != 0
	if !teardown && old == SynRecv && dir == Original &&
		seg.Flags&FlagAck != 0 && seg.Flags&FlagSyn == 0 &&
		seg.Ack == c.handshakeAck {
		c.status |= StatusAssured
	}
	c.mu.Unlock()

	if teardown {
		t.log.WithFields(logrus.Fields{
			"dir":   dir,
			"state": next,
		}).Debug("reset before reply, expiring")
		if timer != nil {
			timer.ExpireNow()
		}
		return VerdictTeardown, nil
	}
	if d := t.timeouts.For(next); d > 0 && timer != nil {
		timer.Refresh(d)
	}
	return VerdictAccept, nil
}
