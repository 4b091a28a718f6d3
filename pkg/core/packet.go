// Package core holds the packet abstraction shared by the hub stages.
package core

import "sync/atomic"

var copyPackets uint32

// SetCopyPackets controls whether NewPacket takes a private copy of the
// caller's buffer. Copying costs an allocation per packet but lets callers
// reuse their read buffers immediately.
func SetCopyPackets(enabled bool) {
	if enabled {
		atomic.StoreUint32(&copyPackets, 1)
	} else {
		atomic.StoreUint32(&copyPackets, 0)
	}
}

// CopyPackets reports whether NewPacket copies its input.
func CopyPackets() bool {
	return atomic.LoadUint32(&copyPackets) == 1
}

// Packet is one raw IPv4 datagram moving through the hub.
type Packet interface {
	// Data returns the datagram, starting at the IP header. Consumers must
	// not modify it.
	Data() []byte

	// Length returns len(Data()).
	Length() int
}

type simplePacket struct {
	data []byte
}

// NewPacket wraps data as a Packet, copying it first when CopyPackets is
// on.
func NewPacket(data []byte) Packet {
	if data == nil {
		return &simplePacket{data: []byte{}}
	}
	if CopyPackets() {
		return &simplePacket{data: append([]byte(nil), data...)}
	}
	return &simplePacket{data: data}
}

func (p *simplePacket) Data() []byte { return p.data }
func (p *simplePacket) Length() int  { return len(p.data) }

// pooledPacket owns a buffer taken from the package pool. ReleasePacket
// hands it back; a pooled packet that escapes is simply collected.
type pooledPacket struct {
	data []byte
	buf  []byte
}

// NewPooledPacket copies data into a pool buffer.
func NewPooledPacket(data []byte) Packet {
	buf := GetBuffer(len(data))
	copy(buf, data)
	return &pooledPacket{data: buf, buf: buf}
}

func (p *pooledPacket) Data() []byte { return p.data }
func (p *pooledPacket) Length() int  { return len(p.data) }

// Released reports whether the buffer was already returned to the pool.
func (p *pooledPacket) Released() bool { return p.buf == nil }

// ReleasePacket returns the buffer of a pooled packet. It is a no-op for
// other packets and for packets already released.
func ReleasePacket(p Packet) {
	pp, ok := p.(*pooledPacket)
	if !ok || pp.buf == nil {
		return
	}
	PutBuffer(pp.buf)
	pp.buf = nil
	pp.data = nil
}
