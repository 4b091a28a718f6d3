// Package conntrack keeps the table of tracked TCP connections. It decodes
// packets, finds or creates their entries, runs the tcptrack state machine
// on them and expires them when their timers run out.
package conntrack

import (
	"bytes"
	"hash/maphash"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/irctrakz/wgconntrack/pkg/logging"
	"github.com/irctrakz/wgconntrack/pkg/packet"
	"github.com/irctrakz/wgconntrack/pkg/tcptrack"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrTableFull is returned when a new connection finds the table at
	// capacity and nothing in its shard can be evicted.
	ErrTableFull = errors.New("conntrack: table full")
	// ErrNoEntry is returned when an operation names an unknown connection.
	ErrNoEntry = errors.New("conntrack: no such connection")
)

// Verdict is the table's classification of a packet.
type Verdict uint8

const (
	// VerdictAccept means the packet belongs to a tracked connection and
	// moved it through a legal transition.
	VerdictAccept Verdict = iota
	// VerdictInvalid means the packet was malformed or illegal for its
	// connection's state. The connection is unchanged.
	VerdictInvalid
	// VerdictUntracked means the packet is not IPv4 TCP, or is a non-first
	// fragment, and was not looked at.
	VerdictUntracked
	// VerdictDrop means the packet would have created a connection but the
	// table is full.
	VerdictDrop
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "accept"
	case VerdictInvalid:
		return "invalid"
	case VerdictUntracked:
		return "untracked"
	case VerdictDrop:
		return "drop"
	}
	return "unknown"
}

// Result describes what Handle did with a packet.
type Result struct {
	Verdict Verdict
	// Entry is the connection the packet was matched to, nil for
	// untracked packets and rejected new connections.
	Entry *Entry
	Dir   tcptrack.Direction
	// New is set when the packet created Entry.
	New bool
	// Teardown is set when the packet reset a connection that had seen no
	// reply; Entry is already gone from the table.
	Teardown bool
}

// Config holds table limits and policy.
type Config struct {
	// MaxEntries caps the number of connections across all shards; zero
	// means unlimited.
	MaxEntries int
	// Shards is the number of independently locked buckets.
	Shards int
	// ReapInterval is how often Start's goroutine expires entries. Zero
	// disables the goroutine; callers then drive Reap themselves.
	ReapInterval time.Duration
	// DropInvalid makes ShouldForward refuse invalid packets.
	DropInvalid bool
	Timeouts    tcptrack.Timeouts
}

// DefaultConfig returns the stock table configuration.
func DefaultConfig() Config {
	return Config{
		MaxEntries:   65536,
		Shards:       64,
		ReapInterval: time.Second,
		Timeouts:     tcptrack.DefaultTimeouts(),
	}
}

// Option configures a Table.
type Option func(*Table)

// WithClock replaces time.Now as the table's time source.
func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// WithObserver registers o for table events.
func WithObserver(o Observer) Option {
	return func(t *Table) { t.obs = o }
}

type shard struct {
	mu sync.Mutex
	// m holds every entry under both of its tuples.
	m map[Tuple]*Entry
}

func (s *shard) unlink(e *Entry) {
	if s.m[e.Original] == e {
		delete(s.m, e.Original)
	}
	if s.m[e.Reply] == e {
		delete(s.m, e.Reply)
	}
}

func (s *shard) oldestUnassured() *Entry {
	var victim *Entry
	for k, e := range s.m {
		if k != e.Original || e.conn.Status()&tcptrack.StatusAssured != 0 {
			continue
		}
		if victim == nil || e.Created.Before(victim.Created) {
			victim = e
		}
	}
	return victim
}

// Table is a connection tracking table. It is safe for concurrent use, but
// packets of one connection must be handed to Handle in order by a single
// goroutine at a time; Dispatcher arranges that.
type Table struct {
	cfg     Config
	tracker *tcptrack.Tracker
	shards  []shard
	seed    maphash.Seed
	count   atomic.Int64

	now func() time.Time
	obs Observer
	log *logrus.Entry

	runMu  sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewTable returns an empty table.
func NewTable(cfg Config, opts ...Option) *Table {
	if cfg.Shards <= 0 {
		cfg.Shards = 64
	}
	t := &Table{
		cfg:     cfg,
		tracker: tcptrack.NewTracker(cfg.Timeouts),
		shards:  make([]shard, cfg.Shards),
		seed:    maphash.MakeSeed(),
		now:     time.Now,
		obs:     NopObserver{},
		log:     logging.Component("conntrack"),
	}
	for i := range t.shards {
		t.shards[i].m = make(map[Tuple]*Entry)
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Config returns the table configuration.
func (t *Table) Config() Config { return t.cfg }

// Len returns the number of tracked connections.
func (t *Table) Len() int { return int(t.count.Load()) }

// ShouldForward applies the table's policy to a Handle result.
func (t *Table) ShouldForward(r Result) bool {
	switch r.Verdict {
	case VerdictAccept, VerdictUntracked:
		return true
	case VerdictInvalid:
		return !t.cfg.DropInvalid
	}
	return false
}

// Handle tracks one IPv4 packet. b starts at the IP header and is not
// retained. Errors describe why a packet was judged invalid or dropped;
// the Result is meaningful either way.
func (t *Table) Handle(b []byte) (Result, error) {
	res, err := t.handle(b)
	t.obs.PacketVerdict(res.Verdict)
	return res, err
}

func (t *Table) handle(b []byte) (Result, error) {
	d, err := packet.ParseIPv4(b)
	if err != nil {
		if errors.Is(err, packet.ErrNotIPv4) {
			return Result{Verdict: VerdictUntracked}, nil
		}
		return Result{Verdict: VerdictInvalid}, errors.Wrap(err, "conntrack: decode")
	}
	if d.Protocol != packet.ProtoTCP || d.IsLaterFragment() {
		return Result{Verdict: VerdictUntracked}, nil
	}
	seg, err := tcptrack.DecodeSegment(d.HeaderLen, d.Bytes)
	if err != nil {
		return Result{Verdict: VerdictInvalid}, errors.Wrapf(err, "conntrack: %s -> %s", d.Src, d.Dst)
	}
	return t.track(tupleOf(d, &seg), &seg, len(d.Bytes))
}

func (t *Table) track(tuple Tuple, seg *tcptrack.Segment, n int) (Result, error) {
	e, dir := t.lookup(tuple)
	if e == nil {
		fresh, res, err := t.create(tuple, seg, n)
		if fresh == nil {
			return res, err
		}
		// Another goroutine inserted the same connection first.
		e, dir = fresh, dirOf(fresh, tuple)
	}

	from := e.conn.State()
	v, err := t.tracker.Packet(e.conn, seg, dir, entryTimer{e})
	if err != nil {
		return Result{Verdict: VerdictInvalid, Entry: e, Dir: dir},
			errors.Wrapf(err, "conntrack: %s packet on %s", dir, e)
	}
	e.count(dir, n)
	if v == tcptrack.VerdictTeardown {
		// ExpireNow already removed e.
		return Result{Verdict: VerdictAccept, Entry: e, Dir: dir, Teardown: true}, nil
	}
	if dir == tcptrack.Reply {
		e.conn.SetStatus(tcptrack.StatusSeenReply)
	}
	if to := e.conn.State(); to != from {
		t.obs.StateChanged(e, from, to)
	}
	t.matchExpectations(e, tuple, seg)
	return Result{Verdict: VerdictAccept, Entry: e, Dir: dir}, nil
}

// create runs the first packet of a connection and inserts it. When the
// insert loses a race it returns the winning entry for the caller to
// process the packet on.
func (t *Table) create(tuple Tuple, seg *tcptrack.Segment, n int) (*Entry, Result, error) {
	initial, err := t.tracker.New(seg)
	if err != nil {
		return nil, Result{Verdict: VerdictInvalid}, errors.Wrapf(err, "conntrack: %s", tuple)
	}
	e := &Entry{
		ID:       uuid.New(),
		Original: tuple,
		Reply:    tuple.Reply(),
		Created:  t.now(),
		conn:     tcptrack.NewConn(initial),
		table:    t,
	}
	// Until the first Packet arms it, a fresh entry lives as long as an
	// unanswered SYN.
	e.deadline = e.Created.Add(t.cfg.Timeouts.For(tcptrack.SynSent))

	v, err := t.tracker.Packet(e.conn, seg, tcptrack.Original, entryTimer{e})
	if err != nil {
		return nil, Result{Verdict: VerdictInvalid}, errors.Wrapf(err, "conntrack: first packet of %s", tuple)
	}
	if v == tcptrack.VerdictTeardown {
		e.count(tcptrack.Original, n)
		return nil, Result{Verdict: VerdictAccept, Entry: e, New: true, Teardown: true}, nil
	}

	existing, evicted, err := t.insert(e)
	if evicted != nil {
		t.log.WithField("conn", evicted.String()).Debug("early drop")
		t.destroyed(evicted, ReasonEvicted)
	}
	if err != nil {
		t.log.WithField("tuple", tuple.String()).Warn("table full, dropping packet")
		return nil, Result{Verdict: VerdictDrop}, errors.Wrapf(err, "conntrack: %s", tuple)
	}
	if existing != nil {
		return existing, Result{}, nil
	}

	e.count(tcptrack.Original, n)
	t.log.WithFields(logrus.Fields{
		"id":   e.ID,
		"conn": e.String(),
	}).Debug("new connection")
	t.obs.EntryCreated(e)
	t.obs.StateChanged(e, tcptrack.None, e.conn.State())
	return nil, Result{Verdict: VerdictAccept, Entry: e, New: true}, nil
}

func dirOf(e *Entry, tuple Tuple) tcptrack.Direction {
	if e.Original == tuple {
		return tcptrack.Original
	}
	return tcptrack.Reply
}

func (t *Table) shardFor(tuple Tuple) *shard {
	return &t.shards[flowHash(t.seed, tuple)%uint64(len(t.shards))]
}

func (t *Table) lookup(tuple Tuple) (*Entry, tcptrack.Direction) {
	s := t.shardFor(tuple)
	s.mu.Lock()
	e := s.m[tuple]
	s.mu.Unlock()
	if e == nil {
		return nil, tcptrack.Original
	}
	return e, dirOf(e, tuple)
}

// insert adds e under both tuples. If a connection with either tuple is
// already present it is returned instead. At capacity the oldest entry of
// the shard that has not completed its handshake is evicted and returned.
func (t *Table) insert(e *Entry) (existing, evicted *Entry, err error) {
	s := t.shardFor(e.Original)
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur := s.m[e.Original]; cur != nil {
		return cur, nil, nil
	}
	if !t.reserve() {
		evicted = s.oldestUnassured()
		if evicted == nil {
			return nil, nil, ErrTableFull
		}
		// e takes over the evicted entry's slot.
		s.unlink(evicted)
		evicted.dead.Store(true)
	}
	s.m[e.Original] = e
	s.m[e.Reply] = e
	e.inserted = true
	return nil, evicted, nil
}

// reserve claims one slot of MaxEntries. Shards insert concurrently, so
// the check and the increment are a single compare-and-swap.
func (t *Table) reserve() bool {
	limit := int64(t.cfg.MaxEntries)
	for {
		n := t.count.Load()
		if limit > 0 && n >= limit {
			return false
		}
		if t.count.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// remove deletes e from the table. It reports false if e was already gone
// or never inserted.
func (t *Table) remove(e *Entry, reason Reason) bool {
	s := t.shardFor(e.Original)
	s.mu.Lock()
	if e.dead.Load() {
		s.mu.Unlock()
		return false
	}
	e.dead.Store(true)
	if !e.inserted {
		s.mu.Unlock()
		return false
	}
	s.unlink(e)
	t.count.Add(-1)
	s.mu.Unlock()

	t.destroyed(e, reason)
	return true
}

func (t *Table) destroyed(e *Entry, reason Reason) {
	e.mu.Lock()
	pending := e.expects
	e.expects = nil
	e.mu.Unlock()
	for _, x := range pending {
		close(x.done)
	}
	t.log.WithFields(logrus.Fields{
		"id":     e.ID,
		"conn":   e.String(),
		"reason": reason,
	}).Debug("connection destroyed")
	t.obs.EntryDestroyed(e, reason)
}

// Reap removes every entry whose deadline is at or before now and returns
// how many it removed.
func (t *Table) Reap(now time.Time) int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		var victims []*Entry
		s.mu.Lock()
		for k, e := range s.m {
			if k == e.Original && e.expired(now) {
				s.unlink(e)
				e.dead.Store(true)
				t.count.Add(-1)
				victims = append(victims, e)
			}
		}
		s.mu.Unlock()
		for _, e := range victims {
			t.destroyed(e, ReasonTimeout)
		}
		n += len(victims)
	}
	return n
}

// Start runs Reap every ReapInterval until Stop.
func (t *Table) Start() error {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.stopCh != nil || t.cfg.ReapInterval <= 0 {
		return nil
	}
	t.stopCh = make(chan struct{})
	t.wg.Add(1)
	go t.reaper(t.stopCh)
	t.log.WithField("interval", t.cfg.ReapInterval).Info("conntrack reaper started")
	return nil
}

// Stop halts the reaper goroutine.
func (t *Table) Stop() error {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.stopCh == nil {
		return nil
	}
	close(t.stopCh)
	t.wg.Wait()
	t.stopCh = nil
	t.log.Info("conntrack reaper stopped")
	return nil
}

func (t *Table) reaper(stop chan struct{}) {
	defer t.wg.Done()
	tick := time.NewTicker(t.cfg.ReapInterval)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			if n := t.Reap(t.now()); n > 0 {
				t.log.WithField("expired", n).Debug("reaped connections")
			}
		}
	}
}

func (t *Table) entries() []*Entry {
	var out []*Entry
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for k, e := range s.m {
			if k == e.Original {
				out = append(out, e)
			}
		}
		s.mu.Unlock()
	}
	return out
}

func (t *Table) find(id uuid.UUID) *Entry {
	for _, e := range t.entries() {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// Snapshot returns every connection ordered by creation time.
func (t *Table) Snapshot() []EntryInfo {
	now := t.now()
	es := t.entries()
	out := make([]EntryInfo, 0, len(es))
	for _, e := range es {
		out = append(out, e.info(now))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.Before(out[j].Created)
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}

// Get returns the connection with the given ID.
func (t *Table) Get(id uuid.UUID) (EntryInfo, bool) {
	e := t.find(id)
	if e == nil {
		return EntryInfo{}, false
	}
	return e.info(t.now()), true
}

// Kill deletes the connection with the given ID.
func (t *Table) Kill(id uuid.UUID) error {
	e := t.find(id)
	if e == nil || !t.remove(e, ReasonKilled) {
		return errors.Wrapf(ErrNoEntry, "conntrack: kill %s", id)
	}
	return nil
}

// Flush deletes every connection and returns how many were deleted.
func (t *Table) Flush() int {
	n := 0
	for _, e := range t.entries() {
		if t.remove(e, ReasonFlush) {
			n++
		}
	}
	return n
}
