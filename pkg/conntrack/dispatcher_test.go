package conntrack

import (
	"sync"
	"testing"
	"time"

	"github.com/irctrakz/wgconntrack/pkg/core"
	"github.com/irctrakz/wgconntrack/pkg/tcptrack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu   sync.Mutex
	pkts [][]byte
}

func (c *collector) ProcessPacket(p core.Packet) error {
	c.mu.Lock()
	c.pkts = append(c.pkts, append([]byte(nil), p.Data()...))
	c.mu.Unlock()
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pkts)
}

func TestDispatcherTracksAndForwards(t *testing.T) {
	tbl, _, _ := newTestTable(t, func(c *Config) { c.DropInvalid = true })
	out := &collector{}
	d := NewDispatcher(tbl, out, 4, 16)
	require.NoError(t, d.Start())

	pkts := [][]byte{
		fromClient(tcptrack.FlagSyn, 100, 0, nil),
		fromServer(tcptrack.FlagSyn|tcptrack.FlagAck, 5000, 101, nil),
		fromClient(tcptrack.FlagAck, 101, 5001, nil),
		fromClient(0, 101, 5001, nil), // no flags: invalid
		fromClient(tcptrack.FlagAck|tcptrack.FlagPsh, 101, 5001, []byte("GET /")),
	}
	for _, p := range pkts {
		require.NoError(t, d.ProcessPacket(core.NewPooledPacket(p)))
	}
	require.NoError(t, d.Stop())

	assert.Equal(t, 4, out.len())
	m := d.Metrics()
	assert.Equal(t, uint64(5), m["packetsQueued"])
	assert.Equal(t, uint64(4), m["packetsForwarded"])
	assert.Equal(t, uint64(1), m["packetsFiltered"])

	snap := tbl.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, tcptrack.Established, snap[0].State)
	assert.NotZero(t, snap[0].Status&tcptrack.StatusAssured)
}

func TestDispatcherFlowKeyIsSymmetric(t *testing.T) {
	tbl, _, _ := newTestTable(t, nil)
	d := NewDispatcher(tbl, core.Discard, 8, 1)

	a := d.flowKey(fromClient(tcptrack.FlagSyn, 1, 0, nil))
	b := d.flowKey(fromServer(tcptrack.FlagSyn|tcptrack.FlagAck, 1, 2, nil))
	assert.Equal(t, a, b)
	assert.Equal(t, uint64(0), d.flowKey([]byte{0x60}))
}

func TestDispatcherQueueFull(t *testing.T) {
	tbl, _, _ := newTestTable(t, nil)
	d := NewDispatcher(tbl, core.Discard, 1, 1)
	// Workers are not started, so the single slot fills up.
	require.NoError(t, d.ProcessPacket(core.NewPacket(fromClient(tcptrack.FlagSyn, 1, 0, nil))))
	err := d.ProcessPacket(core.NewPacket(fromClient(tcptrack.FlagSyn, 1, 0, nil)))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, uint64(1), d.Metrics()["queueFullDrops"])

	require.NoError(t, d.Start())
	require.NoError(t, d.Stop())
	assert.Eventually(t, func() bool { return tbl.Len() == 1 }, time.Second, time.Millisecond)
}
