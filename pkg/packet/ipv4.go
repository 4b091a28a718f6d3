// Package packet decodes and synthesizes the IPv4/TCP frames the tracker
// operates on.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/net/ipv4"
)

// Protocol numbers the tracker cares about.
const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

var (
	// ErrNotIPv4 is returned for frames whose version nibble is not 4.
	ErrNotIPv4 = errors.New("packet: not an IPv4 packet")
	// ErrShort is returned for frames shorter than their IPv4 header.
	ErrShort = errors.New("packet: short IPv4 packet")
)

// Datagram is a decoded IPv4 packet. Bytes starts at the IP header and is
// trimmed to the header's total length when the capture carries trailing
// padding.
type Datagram struct {
	Header    *ipv4.Header
	Src       netip.Addr
	Dst       netip.Addr
	Protocol  int
	HeaderLen int
	Bytes     []byte

	fragOff uint16
}

// ParseIPv4 decodes the IPv4 header of b. b is not copied.
func ParseIPv4(b []byte) (*Datagram, error) {
	if len(b) == 0 {
		return nil, ErrShort
	}
	if b[0]>>4 != 4 {
		return nil, ErrNotIPv4
	}
	if b[0]&0x0f < 5 {
		return nil, fmt.Errorf("%w: header length %d", ErrShort, int(b[0]&0x0f)*4)
	}
	h, err := ipv4.ParseHeader(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShort, err)
	}
	src, ok1 := netip.AddrFromSlice(h.Src.To4())
	dst, ok2 := netip.AddrFromSlice(h.Dst.To4())
	if !ok1 || !ok2 {
		return nil, ErrNotIPv4
	}
	// Lengths are read from the wire directly; ipv4.Header adjusts them for
	// raw-socket quirks on some platforms.
	if total := int(binary.BigEndian.Uint16(b[2:4])); total >= h.Len && total < len(b) {
		b = b[:total]
	}
	return &Datagram{
		Header:    h,
		Src:       src,
		Dst:       dst,
		Protocol:  h.Protocol,
		HeaderLen: h.Len,
		Bytes:     b,
		fragOff:   binary.BigEndian.Uint16(b[6:8]) & 0x1fff,
	}, nil
}

// IsLaterFragment reports whether d is a fragment other than the first one,
// i.e. it carries no transport header.
func (d *Datagram) IsLaterFragment() bool { return d.fragOff != 0 }

// Payload returns the bytes following the IP header.
func (d *Datagram) Payload() []byte { return d.Bytes[d.HeaderLen:] }
