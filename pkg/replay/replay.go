// Package replay feeds packet captures through a connection table, using
// capture timestamps as the table's clock.
package replay

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"os"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/irctrakz/wgconntrack/pkg/conntrack"
	"github.com/irctrakz/wgconntrack/pkg/logging"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrUnsupportedLink is returned for captures whose link type carries no
// IPv4.
var ErrUnsupportedLink = errors.New("replay: unsupported link type")

const ngMagic = 0x0A0D0D0A

// Clock is a settable time source. Pass Clock.Now to conntrack.WithClock.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock returns a clock reading the zero time until first Set.
func NewClock() *Clock { return &Clock{} }

// Now returns the last time set.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Set moves the clock to t. Earlier times are ignored so the clock never
// runs backwards on reordered captures.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	if t.After(c.t) {
		c.t = t
	}
	c.mu.Unlock()
}

// Stats summarizes a replay.
type Stats struct {
	Packets   int // records read
	Skipped   int // records with no IPv4 packet
	Accepted  int
	Invalid   int
	Untracked int
	Dropped   int
	Reaped    int // connections expired during the replay
	First     time.Time
	Last      time.Time
}

// Duration is the capture time covered.
func (s Stats) Duration() time.Duration { return s.Last.Sub(s.First) }

// ResultFunc observes each tracked packet.
type ResultFunc func(ts time.Time, res conntrack.Result, err error)

// Option configures a Replayer.
type Option func(*Replayer)

// WithReapInterval sets how much capture time passes between reaps.
// Zero reaps before every packet.
func WithReapInterval(d time.Duration) Option {
	return func(r *Replayer) { r.reapEvery = d }
}

// WithResultFunc registers fn for every packet handed to the table.
func WithResultFunc(fn ResultFunc) Option {
	return func(r *Replayer) { r.onResult = fn }
}

// Replayer drives a table from captures.
type Replayer struct {
	table     *conntrack.Table
	clock     *Clock
	reapEvery time.Duration
	onResult  ResultFunc
	log       *logrus.Entry
}

// New creates a replayer. table must have been created with clock.Now as
// its clock.
func New(table *conntrack.Table, clock *Clock, opts ...Option) *Replayer {
	r := &Replayer{
		table:     table,
		clock:     clock,
		reapEvery: time.Second,
		log:       logging.Component("replay"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

type source interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// RunFile replays the pcap or pcapng file at path.
func (r *Replayer) RunFile(ctx context.Context, path string) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, err
	}
	defer f.Close()
	return r.Run(ctx, f)
}

// Run replays a pcap or pcapng stream, detected from its magic number.
func (r *Replayer) Run(ctx context.Context, in io.Reader) (Stats, error) {
	br := bufio.NewReader(in)
	var src source
	magic, err := br.Peek(4)
	if err != nil {
		return Stats{}, errors.Wrap(err, "replay: read header")
	}
	if binary.LittleEndian.Uint32(magic) == ngMagic {
		src, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		src, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return Stats{}, errors.Wrap(err, "replay: open capture")
	}
	return r.run(ctx, src)
}

func (r *Replayer) run(ctx context.Context, src source) (Stats, error) {
	link := src.LinkType()
	if !supported(link) {
		return Stats{}, errors.Wrapf(ErrUnsupportedLink, "%s", link)
	}
	r.log.WithField("link", link.String()).Debug("replay started")

	var st Stats
	var lastReap time.Time
	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		data, ci, err := src.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			return st, errors.Wrapf(err, "replay: record %d", st.Packets+1)
		}
		st.Packets++
		ts := ci.Timestamp
		if st.First.IsZero() {
			st.First = ts
			lastReap = ts
		}
		if ts.After(st.Last) {
			st.Last = ts
		}
		r.clock.Set(ts)
		if now := r.clock.Now(); now.Sub(lastReap) >= r.reapEvery {
			st.Reaped += r.table.Reap(now)
			lastReap = now
		}

		ip := ipv4Bytes(link, data)
		if ip == nil {
			st.Skipped++
			continue
		}
		res, err := r.table.Handle(ip)
		switch res.Verdict {
		case conntrack.VerdictAccept:
			st.Accepted++
		case conntrack.VerdictInvalid:
			st.Invalid++
			r.log.WithError(err).WithField("record", st.Packets).Debug("invalid packet")
		case conntrack.VerdictUntracked:
			st.Untracked++
		case conntrack.VerdictDrop:
			st.Dropped++
		}
		if r.onResult != nil {
			r.onResult(ts, res, err)
		}
	}
	r.log.WithFields(logrus.Fields{
		"packets":  st.Packets,
		"accepted": st.Accepted,
		"invalid":  st.Invalid,
		"reaped":   st.Reaped,
	}).Debug("replay finished")
	return st, nil
}

func supported(link layers.LinkType) bool {
	switch link {
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeEthernet,
		layers.LinkTypeLinuxSLL, layers.LinkTypeNull, layers.LinkTypeLoop:
		return true
	}
	return false
}

// ipv4Bytes returns the IPv4 packet carried by a record, or nil. Raw
// captures are returned as is so that malformed headers still reach the
// table.
func ipv4Bytes(link layers.LinkType, data []byte) []byte {
	if link == layers.LinkTypeRaw || link == layers.LinkTypeIPv4 {
		if len(data) == 0 || data[0]>>4 != 4 {
			return nil
		}
		return data
	}
	p := gopacket.NewPacket(data, link, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	l := p.Layer(layers.LayerTypeIPv4)
	if l == nil {
		return nil
	}
	ip := l.(*layers.IPv4)
	out := make([]byte, 0, len(ip.Contents)+len(ip.Payload))
	out = append(out, ip.Contents...)
	return append(out, ip.Payload...)
}
