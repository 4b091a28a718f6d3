package conntrack

import "github.com/irctrakz/wgconntrack/pkg/tcptrack"

// Reason says why an entry left the table.
type Reason uint8

const (
	// ReasonTimeout means the entry's deadline passed.
	ReasonTimeout Reason = iota
	// ReasonReset means a reset arrived before any reply.
	ReasonReset
	// ReasonEvicted means the entry was dropped to make room.
	ReasonEvicted
	// ReasonKilled means the entry was deleted by request.
	ReasonKilled
	// ReasonFlush means the whole table was flushed.
	ReasonFlush
)

func (r Reason) String() string {
	switch r {
	case ReasonTimeout:
		return "timeout"
	case ReasonReset:
		return "reset"
	case ReasonEvicted:
		return "evicted"
	case ReasonKilled:
		return "killed"
	case ReasonFlush:
		return "flush"
	}
	return "unknown"
}

// Observer is notified of table events. Calls are made without table locks
// held, from whichever goroutine caused the event, and must not block.
type Observer interface {
	EntryCreated(e *Entry)
	EntryDestroyed(e *Entry, reason Reason)
	StateChanged(e *Entry, from, to tcptrack.State)
	PacketVerdict(v Verdict)
	ExpectationMatched(x *Expectation)
}

// NopObserver ignores every event. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) EntryCreated(*Entry)                                 {}
func (NopObserver) EntryDestroyed(*Entry, Reason)                       {}
func (NopObserver) StateChanged(*Entry, tcptrack.State, tcptrack.State) {}
func (NopObserver) PacketVerdict(Verdict)                               {}
func (NopObserver) ExpectationMatched(*Expectation)                     {}

type multiObserver []Observer

// Observers fans events out to each of obs in order.
func Observers(obs ...Observer) Observer { return multiObserver(obs) }

func (m multiObserver) EntryCreated(e *Entry) {
	for _, o := range m {
		o.EntryCreated(e)
	}
}

func (m multiObserver) EntryDestroyed(e *Entry, r Reason) {
	for _, o := range m {
		o.EntryDestroyed(e, r)
	}
}

func (m multiObserver) StateChanged(e *Entry, from, to tcptrack.State) {
	for _, o := range m {
		o.StateChanged(e, from, to)
	}
}

func (m multiObserver) PacketVerdict(v Verdict) {
	for _, o := range m {
		o.PacketVerdict(v)
	}
}

func (m multiObserver) ExpectationMatched(x *Expectation) {
	for _, o := range m {
		o.ExpectationMatched(x)
	}
}
