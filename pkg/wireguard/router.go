package wireguard

import (
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/irctrakz/wgconntrack/pkg/core"
	"github.com/irctrakz/wgconntrack/pkg/logging"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// PeerRouter receives frames the tracker accepted and re-injects those
// addressed to a peer's AllowedIPs into the device. Frames for other
// destinations go to the egress processor, or are counted and dropped when
// there is none.
type PeerRouter struct {
	tun *WGTun
	log *logrus.Entry

	mu       sync.RWMutex
	prefixes []netip.Prefix
	egress   core.PacketProcessor

	routed     uint64
	unroutable uint64
	queueFull  uint64
	fullBursts uint64
	fullStreak uint64
	mtuWarned  uint32
}

// NewPeerRouter returns a router injecting into tun.
func NewPeerRouter(tun *WGTun, prefixes []netip.Prefix) *PeerRouter {
	r := &PeerRouter{tun: tun, log: logging.Component("router")}
	r.SetPrefixes(prefixes)
	return r
}

// SetPrefixes replaces the overlay prefixes. Default routes are ignored so
// a peer announcing 0.0.0.0/0 does not attract every frame.
func (r *PeerRouter) SetPrefixes(prefixes []netip.Prefix) {
	var keep []netip.Prefix
	for _, p := range prefixes {
		if p.Bits() == 0 || !p.Addr().Is4() {
			continue
		}
		keep = append(keep, p.Masked())
	}
	r.mu.Lock()
	r.prefixes = keep
	r.mu.Unlock()
}

// SetEgress sets where off-overlay frames go.
func (r *PeerRouter) SetEgress(p core.PacketProcessor) {
	r.mu.Lock()
	r.egress = p
	r.mu.Unlock()
}

func (r *PeerRouter) route(dst netip.Addr) (bool, core.PacketProcessor) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.prefixes {
		if p.Contains(dst) {
			return true, nil
		}
	}
	return false, r.egress
}

// ProcessPacket implements core.PacketProcessor. The frame is copied
// before it is queued.
func (r *PeerRouter) ProcessPacket(pkt core.Packet) error {
	data := pkt.Data()
	if len(data) < 20 {
		return errors.Errorf("short frame: %d bytes", len(data))
	}
	dst := netip.AddrFrom4([4]byte(data[16:20]))
	overlay, egress := r.route(dst)
	if !overlay {
		if egress != nil {
			return egress.ProcessPacket(pkt)
		}
		atomic.AddUint64(&r.unroutable, 1)
		return nil
	}
	if m, _ := r.tun.MTU(); m > 0 && len(data) > m &&
		atomic.CompareAndSwapUint32(&r.mtuWarned, 0, 1) {
		r.log.Warnf("frame length %d exceeds WG MTU %d; check peer MTUs", len(data), m)
	}
	if err := r.tun.InjectToPeer(data); err != nil {
		if errors.Is(err, ErrQueueFull) {
			atomic.AddUint64(&r.queueFull, 1)
			if atomic.AddUint64(&r.fullStreak, 1) == 1 {
				atomic.AddUint64(&r.fullBursts, 1)
			}
		}
		return err
	}
	atomic.StoreUint64(&r.fullStreak, 0)
	atomic.AddUint64(&r.routed, 1)
	return nil
}

// Metrics returns router counters.
func (r *PeerRouter) Metrics() map[string]uint64 {
	return map[string]uint64{
		"routed":         atomic.LoadUint64(&r.routed),
		"unroutable":     atomic.LoadUint64(&r.unroutable),
		"wg_queue_full":  atomic.LoadUint64(&r.queueFull),
		"wg_full_bursts": atomic.LoadUint64(&r.fullBursts),
	}
}
