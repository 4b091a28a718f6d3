package conntrack

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/irctrakz/wgconntrack/pkg/tcptrack"
	"github.com/pkg/errors"
)

// Expectation waits for a sequence number to show up in the payload of a
// tracked connection, e.g. the position of a command a helper wants to
// inspect.
type Expectation struct {
	ID      uuid.UUID
	Tuple   Tuple
	Seq     uint32
	Created time.Time

	entry   *Entry
	done    chan struct{}
	matched atomic.Bool
}

// Done is closed when a packet travelling along Tuple carries Seq, or when
// the connection is destroyed first. Matched tells the two apart.
func (x *Expectation) Done() <-chan struct{} { return x.done }

// Matched reports whether Done was closed by a matching packet.
func (x *Expectation) Matched() bool { return x.matched.Load() }

// Entry returns the connection the expectation is attached to.
func (x *Expectation) Entry() *Entry { return x.entry }

// Expect registers interest in seq on the connection that tuple belongs
// to. Only packets travelling in tuple's direction match.
func (t *Table) Expect(tuple Tuple, seq uint32) (*Expectation, error) {
	e, _ := t.lookup(tuple)
	if e == nil {
		return nil, errors.Wrapf(ErrNoEntry, "conntrack: expect on %s", tuple)
	}
	x := &Expectation{
		ID:      uuid.New(),
		Tuple:   tuple,
		Seq:     seq,
		Created: t.now(),
		entry:   e,
		done:    make(chan struct{}),
	}
	// dead is set before destroyed drains the list under e.mu, so checking
	// it under the same lock cannot strand x on a removed entry.
	e.mu.Lock()
	if e.dead.Load() {
		e.mu.Unlock()
		return nil, errors.Wrapf(ErrNoEntry, "conntrack: expect on %s", tuple)
	}
	e.expects = append(e.expects, x)
	e.mu.Unlock()
	return x, nil
}

// Unexpect withdraws x. It reports false if x already matched or its
// connection is gone.
func (t *Table) Unexpect(x *Expectation) bool {
	e := x.entry
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, y := range e.expects {
		if y == x {
			e.expects = append(e.expects[:i], e.expects[i+1:]...)
			return true
		}
	}
	return false
}

// Expectations returns the number of pending expectations on e.
func (e *Entry) Expectations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.expects)
}

func (t *Table) matchExpectations(e *Entry, tuple Tuple, seg *tcptrack.Segment) {
	if seg.PayloadLen == 0 {
		return
	}
	var hit []*Expectation
	e.mu.Lock()
	kept := e.expects[:0]
	for _, x := range e.expects {
		if x.Tuple == tuple && tcptrack.ExpectMatches(x.Seq, seg.Seq, seg.PayloadLen) {
			hit = append(hit, x)
			continue
		}
		kept = append(kept, x)
	}
	e.expects = kept
	e.mu.Unlock()

	for _, x := range hit {
		x.matched.Store(true)
		close(x.done)
		t.obs.ExpectationMatched(x)
	}
}
