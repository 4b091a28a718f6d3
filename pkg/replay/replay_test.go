package replay

import (
	"bytes"
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/irctrakz/wgconntrack/pkg/conntrack"
	"github.com/irctrakz/wgconntrack/pkg/packet"
	"github.com/irctrakz/wgconntrack/pkg/tcptrack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	start = time.Date(2023, 11, 5, 8, 0, 0, 0, time.UTC)
	a     = netip.MustParseAddr("172.16.0.10")
	b     = netip.MustParseAddr("172.16.5.1")
)

type record struct {
	at   time.Duration
	data []byte
}

func tcp(fwd bool, sport uint16, flags uint8, seq, ack uint32) []byte {
	s := packet.TCPSpec{Src: a, Dst: b, SrcPort: sport, DstPort: 25, Seq: seq, Ack: ack, Flags: flags}
	if !fwd {
		s.Src, s.Dst = b, a
		s.SrcPort, s.DstPort = 25, sport
	}
	return packet.MustBuildIPv4TCP(s)
}

// capture is one established flow on port 3000 and one unanswered SYN on
// port 3001, followed three minutes later by a UDP datagram.
func capture() []record {
	return []record{
		{0, tcp(true, 3000, tcptrack.FlagSyn, 1, 0)},
		{10 * time.Millisecond, tcp(false, 3000, tcptrack.FlagSyn|tcptrack.FlagAck, 50, 2)},
		{20 * time.Millisecond, tcp(true, 3000, tcptrack.FlagAck, 2, 51)},
		{time.Second, tcp(true, 3001, tcptrack.FlagSyn, 9, 0)},
		{2 * time.Second, tcp(true, 3000, 0, 2, 51)},
		{3 * time.Minute, packet.BuildIPv4(a, b, packet.ProtoUDP, make([]byte, 8))},
	}
}

func writeRaw(t *testing.T, recs []record) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeRaw))
	for _, r := range recs {
		ci := gopacket.CaptureInfo{Timestamp: start.Add(r.at), CaptureLength: len(r.data), Length: len(r.data)}
		require.NoError(t, w.WritePacket(ci, r.data))
	}
	return &buf
}

func newReplayer(opts ...Option) (*Replayer, *conntrack.Table) {
	clk := NewClock()
	cfg := conntrack.DefaultConfig()
	cfg.ReapInterval = 0
	tbl := conntrack.NewTable(cfg, conntrack.WithClock(clk.Now))
	return New(tbl, clk, opts...), tbl
}

func TestReplayRawCapture(t *testing.T) {
	var seen []conntrack.Verdict
	r, tbl := newReplayer(WithResultFunc(func(_ time.Time, res conntrack.Result, _ error) {
		seen = append(seen, res.Verdict)
	}))

	st, err := r.Run(context.Background(), writeRaw(t, capture()))
	require.NoError(t, err)

	assert.Equal(t, 6, st.Packets)
	assert.Equal(t, 4, st.Accepted)
	assert.Equal(t, 1, st.Invalid)
	assert.Equal(t, 1, st.Untracked)
	assert.Equal(t, 0, st.Skipped)
	assert.Equal(t, 1, st.Reaped, "the unanswered SYN expires after two minutes")
	assert.Equal(t, 3*time.Minute, st.Duration())
	assert.Len(t, seen, 6)

	snap := tbl.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, tcptrack.Established, snap[0].State)
	assert.Equal(t, uint16(3000), snap[0].Original.Ports.SrcPort)
	assert.Equal(t, start.Add(3*time.Minute), r.clock.Now())
}

func TestReplayEthernetPcapng(t *testing.T) {
	var buf bytes.Buffer
	w, err := pcapgo.NewNgWriter(&buf, layers.LinkTypeEthernet)
	require.NoError(t, err)
	for _, rec := range capture()[:3] {
		frame := gopacket.NewSerializeBuffer()
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
			DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
			EthernetType: layers.EthernetTypeIPv4,
		}
		require.NoError(t, gopacket.SerializeLayers(frame, gopacket.SerializeOptions{}, eth, gopacket.Payload(rec.data)))
		data := frame.Bytes()
		ci := gopacket.CaptureInfo{Timestamp: start.Add(rec.at), CaptureLength: len(data), Length: len(data), InterfaceIndex: 0}
		require.NoError(t, w.WritePacket(ci, data))
	}
	// An ARP frame carries no IPv4 packet.
	arp := append([]byte{2, 0, 0, 0, 0, 2, 2, 0, 0, 0, 0, 1, 0x08, 0x06}, make([]byte, 28)...)
	require.NoError(t, w.WritePacket(gopacket.CaptureInfo{Timestamp: start.Add(time.Second), CaptureLength: len(arp), Length: len(arp)}, arp))
	require.NoError(t, w.Flush())

	r, tbl := newReplayer()
	st, err := r.Run(context.Background(), &buf)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Packets)
	assert.Equal(t, 3, st.Accepted)
	assert.Equal(t, 1, st.Skipped)

	snap := tbl.Snapshot()
	require.Len(t, snap, 1)
	assert.NotZero(t, snap[0].Status&tcptrack.StatusAssured)
}

func TestReplayUnsupportedLink(t *testing.T) {
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeIEEE802_11))

	r, _ := newReplayer()
	_, err := r.Run(context.Background(), &buf)
	assert.ErrorIs(t, err, ErrUnsupportedLink)
}

func TestReplayCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r, _ := newReplayer()
	_, err := r.Run(ctx, writeRaw(t, capture()))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReplayGarbage(t *testing.T) {
	r, _ := newReplayer()
	_, err := r.Run(context.Background(), bytes.NewReader([]byte("not a capture file")))
	assert.Error(t, err)

	_, err = r.RunFile(context.Background(), "/nonexistent/capture.pcap")
	assert.Error(t, err)
}

func TestClockNeverRunsBackwards(t *testing.T) {
	c := NewClock()
	c.Set(start)
	c.Set(start.Add(-time.Second))
	assert.Equal(t, start, c.Now())
}
