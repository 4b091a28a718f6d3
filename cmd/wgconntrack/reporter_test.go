package main

import (
	"encoding/json"
	"net/netip"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/irctrakz/wgconntrack/pkg/conntrack"
	"github.com/irctrakz/wgconntrack/pkg/packet"
	"github.com/irctrakz/wgconntrack/pkg/tcptrack"
	wg "github.com/irctrakz/wgconntrack/pkg/wireguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarizePeers(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	peers := []wg.PeerStatus{
		{PublicKey: "a", LastHandshake: now.Add(-30 * time.Second)},
		{PublicKey: "b", LastHandshake: now.Add(-10 * time.Minute)},
		{PublicKey: "c"},
	}
	got := summarizePeers(peers, now)
	assert.Equal(t, map[string]uint64{
		"peers": 3, "fresh": 1, "stale": 2, "oldest_sec": 600, "newest_sec": 30,
	}, got)

	assert.Equal(t, uint64(0), summarizePeers(nil, now)["peers"])
}

func TestStateCountsAndFormat(t *testing.T) {
	entries := []conntrack.EntryInfo{
		{State: tcptrack.Established, Status: tcptrack.StatusSeenReply | tcptrack.StatusAssured},
		{State: tcptrack.Established, Status: tcptrack.StatusSeenReply | tcptrack.StatusAssured},
		{State: tcptrack.SynSent},
		{State: tcptrack.TimeWait, Status: tcptrack.StatusSeenReply},
	}
	c := stateCounts(entries)
	assert.Equal(t, uint64(2), c["ESTABLISHED"])
	assert.Equal(t, uint64(2), c["assured"])
	assert.Equal(t, uint64(1), c["unreplied"])
	assert.Equal(t, "ESTABLISHED=2 SYN_SENT=1 TIME_WAIT=1", formatStates(c))
}

func TestHubSnapshotAndFormats(t *testing.T) {
	cfg := conntrack.DefaultConfig()
	cfg.ReapInterval = 0
	tbl := conntrack.NewTable(cfg)
	_, err := tbl.Handle(packet.MustBuildIPv4TCP(packet.TCPSpec{
		Src: netip.MustParseAddr("10.3.0.1"), Dst: netip.MustParseAddr("10.3.0.2"),
		SrcPort: 1234, DstPort: 80, Seq: 1, Flags: tcptrack.FlagSyn,
	}))
	require.NoError(t, err)

	tun := wg.NewWGTun("wgtest0", 1380, 4)
	defer tun.Close()
	h := &hub{table: tbl, tun: tun, router: wg.NewPeerRouter(tun, nil)}
	s := h.snapshot(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))

	assert.Equal(t, uint64(1), s.Table["entries"])
	assert.Equal(t, uint64(65536), s.Table["max"])
	assert.Equal(t, uint64(1), s.States["SYN_SENT"])

	text := formatStats(s, "text")
	assert.True(t, strings.HasPrefix(text, "ts=2024-01-02T03:04:05Z table: 1/65536 assured=0 unreplied=1 states=[SYN_SENT=1]"), text)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(formatStats(s, "json")), &decoded))
	assert.Contains(t, decoded, "dispatcher")
	assert.Contains(t, decoded, "wg_hs")
}

func TestReporterConfigFromEnv(t *testing.T) {
	t.Setenv("METRICS_INTERVAL", "5s")
	t.Setenv("METRICS_FORMAT", "JSON")
	rc := reporterConfigFromEnv()
	assert.Equal(t, 5*time.Second, rc.interval)
	assert.Equal(t, "json", rc.format)

	os.Unsetenv("METRICS_INTERVAL")
	os.Unsetenv("METRICS_FORMAT")
	rc = reporterConfigFromEnv()
	assert.Equal(t, 30*time.Second, rc.interval)
	assert.Equal(t, "text", rc.format)
}
