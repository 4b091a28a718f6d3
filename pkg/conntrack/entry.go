package conntrack

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/irctrakz/wgconntrack/pkg/tcptrack"
)

// Entry is one tracked connection.
type Entry struct {
	ID       uuid.UUID
	Original Tuple
	Reply    Tuple
	Created  time.Time

	conn  *tcptrack.Conn
	table *Table

	// inserted is guarded by the shard lock of Original.
	inserted bool
	dead     atomic.Bool

	mu       sync.Mutex
	deadline time.Time
	expects  []*Expectation

	packets [2]atomic.Uint64
	bytes   [2]atomic.Uint64
}

// Conn returns the TCP sub-state of the entry.
func (e *Entry) Conn() *tcptrack.Conn { return e.conn }

// Deadline returns the time at which the entry expires.
func (e *Entry) Deadline() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deadline
}

// Dead reports whether the entry has been removed from its table.
func (e *Entry) Dead() bool { return e.dead.Load() }

func (e *Entry) count(dir tcptrack.Direction, n int) {
	e.packets[dir].Add(1)
	e.bytes[dir].Add(uint64(n))
}

func (e *Entry) expired(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.deadline.IsZero() && !now.Before(e.deadline)
}

// entryTimer is the tcptrack.Timer view of an entry.
type entryTimer struct{ e *Entry }

func (t entryTimer) Refresh(d time.Duration) {
	e := t.e
	if e.dead.Load() {
		return
	}
	now := e.table.now()
	e.mu.Lock()
	e.deadline = now.Add(d)
	e.mu.Unlock()
}

func (t entryTimer) ExpireNow() {
	t.e.table.remove(t.e, ReasonReset)
}

// EntryInfo is a point-in-time copy of an entry.
type EntryInfo struct {
	ID       uuid.UUID       `json:"id"`
	Original Tuple           `json:"original"`
	Reply    Tuple           `json:"reply"`
	State    tcptrack.State  `json:"state"`
	Status   tcptrack.Status `json:"status"`
	Created  time.Time       `json:"created"`
	Expires  time.Duration   `json:"expires_ns"`
	Packets  [2]uint64       `json:"packets"`
	Bytes    [2]uint64       `json:"bytes"`
}

func (e *Entry) info(now time.Time) EntryInfo {
	st, status := e.conn.Snapshot()
	info := EntryInfo{
		ID:       e.ID,
		Original: e.Original,
		Reply:    e.Reply,
		State:    st,
		Status:   status,
		Created:  e.Created,
	}
	if dl := e.Deadline(); !dl.IsZero() && dl.After(now) {
		info.Expires = dl.Sub(now)
	}
	for i := range info.Packets {
		info.Packets[i] = e.packets[i].Load()
		info.Bytes[i] = e.bytes[i].Load()
	}
	return info
}

// String renders the entry in the classic ip_conntrack listing format.
func (i EntryInfo) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "tcp      %d %d %s ", i.Original.Proto, int64(i.Expires/time.Second), i.State)
	b.WriteString(i.Original.String())
	if i.Status&tcptrack.StatusSeenReply == 0 {
		b.WriteString("[UNREPLIED] ")
	}
	b.WriteString(i.Reply.String())
	if i.Status&tcptrack.StatusAssured != 0 {
		b.WriteString("[ASSURED] ")
	}
	return strings.TrimRight(b.String(), " ")
}

func (e *Entry) String() string {
	return tcptrack.FormatState(e.conn) + e.Original.String()
}
