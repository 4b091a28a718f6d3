package wireguard

import (
	"bytes"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/irctrakz/wgconntrack/pkg/conntrack"
	"github.com/irctrakz/wgconntrack/pkg/core"
	"github.com/irctrakz/wgconntrack/pkg/packet"
	"github.com/irctrakz/wgconntrack/pkg/tcptrack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	peerA = netip.MustParseAddr("10.0.0.2")
	peerB = netip.MustParseAddr("10.0.1.5")
)

type sink struct {
	mu   sync.Mutex
	pkts [][]byte
}

func (s *sink) ProcessPacket(p core.Packet) error {
	s.mu.Lock()
	s.pkts = append(s.pkts, append([]byte(nil), p.Data()...))
	s.mu.Unlock()
	core.ReleasePacket(p)
	return nil
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pkts)
}

func readFrame(t *testing.T, tun *WGTun) []byte {
	t.Helper()
	done := make(chan []byte, 1)
	go func() {
		bufs := [][]byte{make([]byte, 2048)}
		sizes := make([]int, 1)
		n, err := tun.Read(bufs, sizes, 16)
		if err != nil || n != 1 {
			close(done)
			return
		}
		done <- append([]byte(nil), bufs[0][16:16+sizes[0]]...)
	}()
	select {
	case b, ok := <-done:
		require.True(t, ok, "tun read failed")
		return b
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for tun.Read")
	}
	return nil
}

func syn(src, dst netip.Addr) []byte {
	return packet.MustBuildIPv4TCP(packet.TCPSpec{
		Src: src, Dst: dst, SrcPort: 40000, DstPort: 22, Seq: 7, Flags: tcptrack.FlagSyn,
	})
}

func TestWGTunWriteFeedsIngress(t *testing.T) {
	tun := NewWGTun("wghub0", 1380, 4)
	defer tun.Close()
	in := &sink{}
	tun.SetPacketProcessor(in)

	pkt := syn(peerA, peerB)
	buf := append(make([]byte, 16), pkt...)
	n, err := tun.Write([][]byte{buf, append(make([]byte, 16), 0x60, 0, 0, 0)}, 16)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Equal(t, 1, in.count())
	assert.Equal(t, pkt, in.pkts[0])
	m := tun.Metrics()
	assert.Equal(t, uint64(2), m.FramesFromWG)
	assert.Equal(t, uint64(1), m.NonIPv4)
}

func TestWGTunWithoutIngressDrops(t *testing.T) {
	tun := NewWGTun("wghub0", 1380, 4)
	defer tun.Close()
	n, err := tun.Write([][]byte{syn(peerA, peerB)}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(1), tun.Metrics().IngressDrops)
}

func TestInjectQueueFullAndClose(t *testing.T) {
	tun := NewWGTun("wghub0", 1380, 1)
	require.NoError(t, tun.InjectToPeer([]byte{1}))
	assert.ErrorIs(t, tun.InjectToPeer([]byte{2}), ErrQueueFull)
	assert.Equal(t, uint64(1), tun.Metrics().QueueDrops)
	assert.Equal(t, uint64(1), tun.Metrics().Map()["queue_drops"])

	require.NoError(t, tun.Close())
	require.NoError(t, tun.Close())
	assert.ErrorIs(t, tun.InjectToPeer([]byte{3}), ErrClosed)
	_, err := tun.Read([][]byte{make([]byte, 10)}, []int{0}, 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPeerRouter(t *testing.T) {
	tun := NewWGTun("wghub0", 1380, 4)
	defer tun.Close()
	r := NewPeerRouter(tun, []netip.Prefix{
		netip.MustParsePrefix("10.0.1.0/24"),
		netip.MustParsePrefix("0.0.0.0/0"),
	})

	toB := syn(peerA, peerB)
	require.NoError(t, r.ProcessPacket(core.NewPacket(toB)))
	assert.Equal(t, toB, readFrame(t, tun))

	offNet := syn(peerA, netip.MustParseAddr("192.0.2.1"))
	require.NoError(t, r.ProcessPacket(core.NewPacket(offNet)))
	assert.Equal(t, uint64(1), r.Metrics()["unroutable"])

	out := &sink{}
	r.SetEgress(out)
	require.NoError(t, r.ProcessPacket(core.NewPacket(offNet)))
	assert.Equal(t, 1, out.count())
	assert.Equal(t, uint64(1), r.Metrics()["routed"])

	assert.Error(t, r.ProcessPacket(core.NewPacket([]byte{0x45})))
}

func TestHubTracksAndRoutes(t *testing.T) {
	cfg := conntrack.DefaultConfig()
	cfg.ReapInterval = 0
	cfg.DropInvalid = true
	table := conntrack.NewTable(cfg)

	tun := NewWGTun("wghub0", 1380, 8)
	defer tun.Close()
	router := NewPeerRouter(tun, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/24"),
		netip.MustParsePrefix("10.0.1.0/24"),
	})
	d := conntrack.NewDispatcher(table, router, 2, 8)
	require.NoError(t, d.Start())
	defer d.Stop()
	tun.SetPacketProcessor(d)

	// A bare ACK cannot open a connection and is filtered.
	ack := packet.MustBuildIPv4TCP(packet.TCPSpec{
		Src: peerA, Dst: peerB, SrcPort: 40001, DstPort: 22, Flags: tcptrack.FlagAck,
	})
	_, err := tun.Write([][]byte{ack}, 0)
	require.NoError(t, err)

	s := syn(peerA, peerB)
	_, err = tun.Write([][]byte{s}, 0)
	require.NoError(t, err)
	assert.Equal(t, s, readFrame(t, tun))

	assert.Eventually(t, func() bool {
		return d.Metrics()["packetsFiltered"] == 1
	}, time.Second, time.Millisecond)
	snap := table.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, tcptrack.SynSent, snap[0].State)
}

func TestTeeWritesRawPcap(t *testing.T) {
	var buf bytes.Buffer
	tee, err := NewTee(&buf)
	require.NoError(t, err)
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	tee.now = func() time.Time { return ts }

	pkt := syn(peerA, peerB)
	tee.WritePacket(pkt)
	tee.WritePacket(nil)
	require.NoError(t, tee.Close())
	tee.WritePacket(pkt)
	assert.Zero(t, tee.Errors())

	r, err := pcapgo.NewReader(&buf)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeRaw, r.LinkType())
	data, ci, err := r.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, pkt, data)
	assert.True(t, ts.Equal(ci.Timestamp))
	_, _, err = r.ReadPacketData()
	assert.Error(t, err)
}
