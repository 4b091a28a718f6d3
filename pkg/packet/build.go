package packet

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// TCPSpec describes a synthetic IPv4/TCP packet.
type TCPSpec struct {
	Src, Dst         netip.Addr
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Flags            uint8  // tcptrack.Flag* bits
	MSS              uint16 // adds an MSS option when non-zero
	TTL              uint8  // defaults to 64
	Payload          []byte
}

// BuildIPv4TCP serializes s with valid lengths and checksums.
func BuildIPv4TCP(s TCPSpec) ([]byte, error) {
	if !s.Src.Is4() || !s.Dst.Is4() {
		return nil, fmt.Errorf("build: addresses must be IPv4 (%s -> %s)", s.Src, s.Dst)
	}
	ttl := s.TTL
	if ttl == 0 {
		ttl = 64
	}
	src, dst := s.Src.As4(), s.Dst.As4()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      ttl,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP(src[:]),
		DstIP:    net.IP(dst[:]),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(s.SrcPort),
		DstPort: layers.TCPPort(s.DstPort),
		Seq:     s.Seq,
		Ack:     s.Ack,
		FIN:     s.Flags&0x01 != 0,
		SYN:     s.Flags&0x02 != 0,
		RST:     s.Flags&0x04 != 0,
		PSH:     s.Flags&0x08 != 0,
		ACK:     s.Flags&0x10 != 0,
		URG:     s.Flags&0x20 != 0,
		Window:  65535,
	}
	if s.MSS != 0 {
		mss := make([]byte, 2)
		binary.BigEndian.PutUint16(mss, s.MSS)
		tcp.Options = append(tcp.Options, layers.TCPOption{
			OptionType:   layers.TCPOptionKindMSS,
			OptionLength: 4,
			OptionData:   mss,
		})
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload(s.Payload)); err != nil {
		return nil, fmt.Errorf("build: %w", err)
	}
	return buf.Bytes(), nil
}

// MustBuildIPv4TCP is BuildIPv4TCP for fixed inputs in tests and tools.
func MustBuildIPv4TCP(s TCPSpec) []byte {
	b, err := BuildIPv4TCP(s)
	if err != nil {
		panic(err)
	}
	return b
}

// BuildIPv4 wraps payload in a minimal IPv4 header for protocol proto.
func BuildIPv4(src, dst netip.Addr, proto uint8, payload []byte) []byte {
	p := make([]byte, 20+len(payload))
	p[0] = 0x45
	binary.BigEndian.PutUint16(p[2:4], uint16(len(p)))
	p[8] = 64
	p[9] = proto
	s, d := src.As4(), dst.As4()
	copy(p[12:16], s[:])
	copy(p[16:20], d[:])
	var sum uint32
	for i := 0; i < 20; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(p[i : i+2]))
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	binary.BigEndian.PutUint16(p[10:12], ^uint16(sum))
	copy(p[20:], payload)
	return p
}
