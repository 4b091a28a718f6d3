package conntrack

import (
	"encoding/binary"
	"hash/maphash"
	"sync"
	"sync/atomic"

	"github.com/irctrakz/wgconntrack/pkg/core"
	"github.com/irctrakz/wgconntrack/pkg/logging"
	"github.com/irctrakz/wgconntrack/pkg/packet"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrQueueFull is returned by ProcessPacket when the packet's worker queue
// has no room.
var ErrQueueFull = errors.New("conntrack: worker queue full")

// Dispatcher runs packets through a Table on a pool of workers and passes
// those the table's policy forwards to the next processor. Both directions
// of a flow hash to the same worker, so each connection sees its packets
// in arrival order on one goroutine.
type Dispatcher struct {
	table *Table
	next  core.PacketProcessor
	seed  maphash.Seed
	log   *logrus.Entry

	queues []chan core.Packet
	stopCh chan struct{}
	wg     sync.WaitGroup

	packetsQueued    atomic.Uint64
	packetsForwarded atomic.Uint64
	packetsFiltered  atomic.Uint64
	queueFullDrops   atomic.Uint64
	forwardErrors    atomic.Uint64
}

// NewDispatcher returns a dispatcher with workerCount workers, each with
// a queue of queueCap packets. next must not retain a packet after its
// ProcessPacket returns.
func NewDispatcher(table *Table, next core.PacketProcessor, workerCount, queueCap int) *Dispatcher {
	if workerCount <= 0 {
		workerCount = 4
	}
	if queueCap <= 0 {
		queueCap = 1000
	}
	d := &Dispatcher{
		table:  table,
		next:   next,
		seed:   maphash.MakeSeed(),
		log:    logging.Component("dispatcher"),
		queues: make([]chan core.Packet, workerCount),
		stopCh: make(chan struct{}),
	}
	for i := range d.queues {
		d.queues[i] = make(chan core.Packet, queueCap)
	}
	return d
}

// Start starts the workers.
func (d *Dispatcher) Start() error {
	d.wg.Add(len(d.queues))
	for i := range d.queues {
		go d.worker(i)
	}
	d.log.Infof("dispatcher started with %d workers", len(d.queues))
	return nil
}

// Stop stops the workers after they drain what is already queued.
func (d *Dispatcher) Stop() error {
	close(d.stopCh)
	d.wg.Wait()
	d.log.Info("dispatcher stopped")
	return nil
}

// ProcessPacket implements core.PacketProcessor. It queues the packet and
// returns without waiting for it to be tracked.
func (d *Dispatcher) ProcessPacket(pkt core.Packet) error {
	q := d.queues[d.flowKey(pkt.Data())%uint64(len(d.queues))]
	select {
	case q <- pkt:
		d.packetsQueued.Add(1)
		return nil
	default:
		d.queueFullDrops.Add(1)
		core.ReleasePacket(pkt)
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	q := d.queues[id]
	for {
		select {
		case pkt := <-q:
			d.handle(pkt)
		case <-d.stopCh:
			for {
				select {
				case pkt := <-q:
					d.handle(pkt)
				default:
					d.log.Debugf("worker %d stopped", id)
					return
				}
			}
		}
	}
}

func (d *Dispatcher) handle(pkt core.Packet) {
	defer core.ReleasePacket(pkt)
	res, err := d.table.Handle(pkt.Data())
	if err != nil {
		d.log.WithError(err).WithField("verdict", res.Verdict).Debug("packet not tracked")
	}
	if !d.table.ShouldForward(res) {
		d.packetsFiltered.Add(1)
		return
	}
	if err := d.next.ProcessPacket(pkt); err != nil {
		d.forwardErrors.Add(1)
		d.log.WithError(err).Debug("forward failed")
		return
	}
	d.packetsForwarded.Add(1)
}

// flowKey hashes the addresses and, for TCP, the ports of an IPv4 packet
// symmetrically. Anything unparseable lands on worker 0.
func (d *Dispatcher) flowKey(b []byte) uint64 {
	dg, err := packet.ParseIPv4(b)
	if err != nil {
		return 0
	}
	t := Tuple{Src: dg.Src, Dst: dg.Dst, Proto: uint8(dg.Protocol)}
	if dg.Protocol == packet.ProtoTCP && !dg.IsLaterFragment() && len(dg.Bytes) >= dg.HeaderLen+4 {
		p := dg.Bytes[dg.HeaderLen:]
		t.Ports.SrcPort = binary.BigEndian.Uint16(p[0:2])
		t.Ports.DstPort = binary.BigEndian.Uint16(p[2:4])
	}
	return flowHash(d.seed, t)
}

// Metrics returns dispatcher counters.
func (d *Dispatcher) Metrics() map[string]uint64 {
	return map[string]uint64{
		"packetsQueued":    d.packetsQueued.Load(),
		"packetsForwarded": d.packetsForwarded.Load(),
		"packetsFiltered":  d.packetsFiltered.Load(),
		"queueFullDrops":   d.queueFullDrops.Load(),
		"forwardErrors":    d.forwardErrors.Load(),
	}
}
