package tcptrack

import "time"

// Timeouts holds the idle timeout armed after a transition into each state.
// A zero duration means the state has no timeout and the timer is not
// rearmed.
type Timeouts [numStates]time.Duration

// DefaultTimeouts returns the stock per-state timeouts.
func DefaultTimeouts() Timeouts {
	var t Timeouts
	t[SynSent] = 2 * time.Minute
	t[SynRecv] = 60 * time.Second
	t[Established] = 5 * 24 * time.Hour
	t[FinWait] = 2 * time.Minute
	t[CloseWait] = 60 * time.Second
	t[LastAck] = 30 * time.Second
	t[TimeWait] = 2 * time.Minute
	t[Close] = 10 * time.Second
	return t
}

// For returns the timeout of state s, zero when it has none.
func (t *Timeouts) For(s State) time.Duration {
	if !s.Valid() {
		return 0
	}
	return t[s]
}

// Set overrides the timeout of state s. Negative durations are treated as
// zero.
func (t *Timeouts) Set(s State, d time.Duration) {
	if !s.Valid() {
		return
	}
	if d < 0 {
		d = 0
	}
	t[s] = d
}
