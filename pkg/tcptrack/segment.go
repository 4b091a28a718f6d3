package tcptrack

import (
	"encoding/binary"
	"fmt"
)

// MinHeaderLen is the length of a TCP header without options.
const MinHeaderLen = 20

// Segment is the part of a TCP header the tracker looks at.
type Segment struct {
	SrcPort    uint16
	DstPort    uint16
	Seq        uint32
	Ack        uint32
	Flags      uint8
	DataOffset uint8 // header length in 32-bit words
	PayloadLen uint32
}

// Has reports whether all bits of f are set on the segment.
func (s *Segment) Has(f uint8) bool { return s.Flags&f == f }

// Class returns the flag class of the segment.
func (s *Segment) Class() Class { return Classify(s.Flags) }

// HeaderLen returns the TCP header length in bytes, options included.
func (s *Segment) HeaderLen() int { return int(s.DataOffset) * 4 }

// DecodeSegment reads the TCP header that follows an IP header of
// ipHeaderLen bytes in packet. packet holds everything that was captured,
// starting at the IP header. The segment is rejected with
// ErrTruncatedPacket when its declared header, options included, does not
// fit in the captured bytes.
func DecodeSegment(ipHeaderLen int, packet []byte) (Segment, error) {
	if ipHeaderLen < 0 || len(packet) < ipHeaderLen+MinHeaderLen {
		return Segment{}, ErrTruncatedPacket
	}
	b := packet[ipHeaderLen:]
	doff := b[12] >> 4
	if len(packet) < ipHeaderLen+int(doff)*4 {
		return Segment{}, ErrTruncatedPacket
	}
	s := Segment{
		SrcPort:    binary.BigEndian.Uint16(b[0:2]),
		DstPort:    binary.BigEndian.Uint16(b[2:4]),
		Seq:        binary.BigEndian.Uint32(b[4:8]),
		Ack:        binary.BigEndian.Uint32(b[8:12]),
		DataOffset: doff,
		Flags:      b[13] & 0x3f,
	}
	if hl := int(doff) * 4; hl >= MinHeaderLen {
		s.PayloadLen = uint32(len(b) - hl)
	}
	return s, nil
}

// Tuple identifies one direction of a flow at the TCP layer.
type Tuple struct {
	SrcPort uint16 `json:"sport"`
	DstPort uint16 `json:"dport"`
}

// TupleFromSegment returns the tuple of the direction s travels in.
func TupleFromSegment(s *Segment) Tuple {
	return Tuple{SrcPort: s.SrcPort, DstPort: s.DstPort}
}

// Invert returns the tuple of the opposite direction.
func (t Tuple) Invert() Tuple {
	return Tuple{SrcPort: t.DstPort, DstPort: t.SrcPort}
}

// FormatTuple renders t the way connection listings show it.
func FormatTuple(t Tuple) string {
	return fmt.Sprintf("sport=%d dport=%d ", t.SrcPort, t.DstPort)
}

// ExpectMatches reports whether expectSeq falls within the payload of a
// segment starting at seq and carrying payloadLen bytes, i.e. within
// [seq, seq+payloadLen). Distances are taken modulo 2^32 so the range may
// wrap.
func ExpectMatches(expectSeq, seq, payloadLen uint32) bool {
	return expectSeq-seq < payloadLen
}
