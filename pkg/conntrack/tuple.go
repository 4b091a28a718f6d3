package conntrack

import (
	"encoding/binary"
	"fmt"
	"hash/maphash"
	"net/netip"

	"github.com/irctrakz/wgconntrack/pkg/packet"
	"github.com/irctrakz/wgconntrack/pkg/tcptrack"
)

// Tuple identifies one direction of a connection.
type Tuple struct {
	Src   netip.Addr     `json:"src"`
	Dst   netip.Addr     `json:"dst"`
	Proto uint8          `json:"proto"`
	Ports tcptrack.Tuple `json:"ports"`
}

// Reply returns the tuple of the opposite direction.
func (t Tuple) Reply() Tuple {
	return Tuple{Src: t.Dst, Dst: t.Src, Proto: t.Proto, Ports: t.Ports.Invert()}
}

func (t Tuple) String() string {
	return fmt.Sprintf("src=%s dst=%s %s", t.Src, t.Dst, tcptrack.FormatTuple(t.Ports))
}

func tupleOf(d *packet.Datagram, seg *tcptrack.Segment) Tuple {
	return Tuple{
		Src:   d.Src,
		Dst:   d.Dst,
		Proto: uint8(d.Protocol),
		Ports: tcptrack.TupleFromSegment(seg),
	}
}

// flowHash hashes t so that a tuple and its reply collide.
func flowHash(seed maphash.Seed, t Tuple) uint64 {
	a := endpoint(t.Src, t.Ports.SrcPort)
	b := endpoint(t.Dst, t.Ports.DstPort)
	if string(a[:]) > string(b[:]) {
		a, b = b, a
	}
	var h maphash.Hash
	h.SetSeed(seed)
	h.Write(a[:])
	h.Write(b[:])
	h.WriteByte(t.Proto)
	return h.Sum64()
}

func endpoint(addr netip.Addr, port uint16) [18]byte {
	var e [18]byte
	a := addr.As16()
	copy(e[:16], a[:])
	binary.BigEndian.PutUint16(e[16:], port)
	return e
}
