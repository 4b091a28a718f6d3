// Package wireguard runs a userspace wireguard-go device whose plaintext
// side is the conntrack hub: frames decrypted from one peer are tracked and
// re-encrypted toward the peer that owns the destination.
package wireguard

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irctrakz/wgconntrack/pkg/core"
	"github.com/irctrakz/wgconntrack/pkg/logging"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	wtun "golang.zx2c4.com/wireguard/tun"
)

var (
	// ErrClosed is returned once the tun has been closed.
	ErrClosed = errors.New("wg tun closed")
	// ErrQueueFull is returned when the queue toward peers has no room.
	ErrQueueFull = errors.New("wg tun queue full")
)

// TUNMetrics counts plaintext frames crossing the tun.
type TUNMetrics struct {
	FramesFromWG uint64 // frames written by the device (decrypted)
	FramesToWG   uint64 // frames read by the device (to encrypt)
	BytesFromWG  uint64
	BytesToWG    uint64
	NonIPv4      uint64 // frames from WG that were not IPv4
	QueueDrops   uint64 // frames dropped because the peer queue was full
	IngressDrops uint64 // frames the ingress processor refused
}

// WGTun is the userspace tun.Device handed to wireguard-go. Frames the
// device writes go to the ingress processor; frames queued with
// InjectToPeer are returned from Read for encryption.
type WGTun struct {
	name string
	mtu  int

	procMu  sync.RWMutex
	ingress core.PacketProcessor
	tee     *Tee

	outCh   chan []byte
	events  chan wtun.Event
	closed  chan struct{}
	closeMu sync.Mutex

	metrics TUNMetrics
	log     *logrus.Entry
}

// NewWGTun creates a tun with the given name, MTU and peer queue capacity.
func NewWGTun(name string, mtu, queueCap int) *WGTun {
	if mtu <= 0 {
		mtu = 1380
	}
	if queueCap <= 0 {
		queueCap = 1024
	}
	t := &WGTun{
		name:   name,
		mtu:    mtu,
		outCh:  make(chan []byte, queueCap),
		events: make(chan wtun.Event, 2),
		closed: make(chan struct{}),
		log:    logging.Component("wgtun"),
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		t.closeMu.Lock()
		defer t.closeMu.Unlock()
		select {
		case <-t.closed:
			return
		default:
		}
		select {
		case t.events <- wtun.EventUp:
		default:
		}
	}()
	return t
}

// SetPacketProcessor sets where decrypted frames go.
func (t *WGTun) SetPacketProcessor(p core.PacketProcessor) {
	t.procMu.Lock()
	t.ingress = p
	t.procMu.Unlock()
}

// SetTee mirrors every frame crossing the tun into tee. nil disables it.
func (t *WGTun) SetTee(tee *Tee) {
	t.procMu.Lock()
	t.tee = tee
	t.procMu.Unlock()
}

func (t *WGTun) stages() (core.PacketProcessor, *Tee) {
	t.procMu.RLock()
	defer t.procMu.RUnlock()
	return t.ingress, t.tee
}

// Name returns the interface name.
func (t *WGTun) Name() (string, error) { return t.name, nil }

// MTU returns the interface MTU.
func (t *WGTun) MTU() (int, error) { return t.mtu, nil }

// File returns nil; the tun is not backed by a file descriptor.
func (t *WGTun) File() *os.File { return nil }

// BatchSize returns 1.
func (t *WGTun) BatchSize() int { return 1 }

// Events returns the device event stream.
func (t *WGTun) Events() <-chan wtun.Event { return t.events }

// Close shuts the tun down and emits a Down event.
func (t *WGTun) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	select {
	case <-t.closed:
		return nil
	default:
	}
	close(t.closed)
	select {
	case t.events <- wtun.EventDown:
	default:
	}
	close(t.events)
	for {
		select {
		case <-t.outCh:
		default:
			return nil
		}
	}
}

// InjectToPeer queues a plaintext frame to be read and encrypted by the
// device. b is copied.
func (t *WGTun) InjectToPeer(b []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	cp := append([]byte(nil), b...)
	select {
	case t.outCh <- cp:
		return nil
	default:
		atomic.AddUint64(&t.metrics.QueueDrops, 1)
		return ErrQueueFull
	}
}

// Read hands one queued frame to the device at buffs[0][offset:].
func (t *WGTun) Read(buffs [][]byte, sizes []int, offset int) (int, error) {
	select {
	case <-t.closed:
		return 0, ErrClosed
	case pkt := <-t.outCh:
		if len(buffs) == 0 {
			return 0, nil
		}
		b := buffs[0]
		if offset >= len(b) {
			return 0, errors.New("offset beyond buffer")
		}
		n := copy(b[offset:], pkt)
		if len(sizes) > 0 {
			sizes[0] = n
		}
		if _, tee := t.stages(); tee != nil {
			tee.WritePacket(pkt)
		}
		atomic.AddUint64(&t.metrics.FramesToWG, 1)
		atomic.AddUint64(&t.metrics.BytesToWG, uint64(n))
		return 1, nil
	}
}

// Write passes decrypted frames to the ingress processor. Non-IPv4 frames
// are counted and consumed.
func (t *WGTun) Write(buffs [][]byte, offset int) (int, error) {
	ingress, tee := t.stages()
	n := 0
	for _, b := range buffs {
		if offset >= len(b) {
			continue
		}
		pkt := b[offset:]
		n++
		atomic.AddUint64(&t.metrics.FramesFromWG, 1)
		atomic.AddUint64(&t.metrics.BytesFromWG, uint64(len(pkt)))
		if len(pkt) < 20 || pkt[0]>>4 != 4 {
			atomic.AddUint64(&t.metrics.NonIPv4, 1)
			t.log.Debugf("dropping non-IPv4 frame: len=%d", len(pkt))
			continue
		}
		if tee != nil {
			tee.WritePacket(pkt)
		}
		if ingress == nil {
			atomic.AddUint64(&t.metrics.IngressDrops, 1)
			continue
		}
		// wireguard-go reuses its buffers once Write returns.
		if err := ingress.ProcessPacket(core.NewPooledPacket(pkt)); err != nil {
			atomic.AddUint64(&t.metrics.IngressDrops, 1)
			t.log.WithError(err).Debug("ingress refused frame")
		}
	}
	return n, nil
}

// Metrics returns a snapshot of the counters.
func (t *WGTun) Metrics() TUNMetrics {
	return TUNMetrics{
		FramesFromWG: atomic.LoadUint64(&t.metrics.FramesFromWG),
		FramesToWG:   atomic.LoadUint64(&t.metrics.FramesToWG),
		BytesFromWG:  atomic.LoadUint64(&t.metrics.BytesFromWG),
		BytesToWG:    atomic.LoadUint64(&t.metrics.BytesToWG),
		NonIPv4:      atomic.LoadUint64(&t.metrics.NonIPv4),
		QueueDrops:   atomic.LoadUint64(&t.metrics.QueueDrops),
		IngressDrops: atomic.LoadUint64(&t.metrics.IngressDrops),
	}
}

// Map returns the counters keyed by name.
func (m TUNMetrics) Map() map[string]uint64 {
	return map[string]uint64{
		"frames_from_wg": m.FramesFromWG,
		"frames_to_wg":   m.FramesToWG,
		"bytes_from_wg":  m.BytesFromWG,
		"bytes_to_wg":    m.BytesToWG,
		"non_ipv4":       m.NonIPv4,
		"queue_drops":    m.QueueDrops,
		"ingress_drops":  m.IngressDrops,
	}
}

var _ wtun.Device = (*WGTun)(nil)
