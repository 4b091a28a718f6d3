package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/irctrakz/wgconntrack/pkg/conntrack"
	"github.com/irctrakz/wgconntrack/pkg/logging"
	"github.com/irctrakz/wgconntrack/pkg/tcptrack"
	wg "github.com/irctrakz/wgconntrack/pkg/wireguard"
)

// handshakeFresh is how recent a handshake must be for a peer to count as
// fresh. WireGuard rekeys every two minutes under traffic.
const handshakeFresh = 180 * time.Second

type reporterConfig struct {
	interval time.Duration
	format   string
}

// reporterConfigFromEnv reads METRICS_INTERVAL (default 30s) and
// METRICS_FORMAT (text or json).
func reporterConfigFromEnv() reporterConfig {
	rc := reporterConfig{interval: 30 * time.Second, format: "text"}
	if d, err := time.ParseDuration(strings.TrimSpace(os.Getenv("METRICS_INTERVAL"))); err == nil && d > 0 {
		rc.interval = d
	}
	if f := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_FORMAT"))); f != "" {
		rc.format = f
	}
	return rc
}

// hub groups the running stages the reporter reads. Any of them may be nil.
type hub struct {
	table  *conntrack.Table
	disp   *conntrack.Dispatcher
	router *wg.PeerRouter
	tun    *wg.WGTun
	dev    wg.DeviceHandle
}

type statsSnapshot struct {
	Timestamp  string            `json:"ts"`
	Table      map[string]uint64 `json:"table"`
	States     map[string]uint64 `json:"states"`
	Dispatcher map[string]uint64 `json:"dispatcher"`
	Router     map[string]uint64 `json:"router"`
	WG         map[string]uint64 `json:"wg"`
	Handshakes map[string]uint64 `json:"wg_hs"`
	Host       map[string]uint64 `json:"host"`
	RT         map[string]uint64 `json:"rt"`
}

func runStatsReporter(ctx context.Context, rc reporterConfig, h *hub) {
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()
	for {
		logging.Infof("metrics: %s", formatStats(h.snapshot(time.Now()), rc.format))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *hub) snapshot(now time.Time) statsSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s := statsSnapshot{
		Timestamp:  now.UTC().Format(time.RFC3339),
		Table:      map[string]uint64{},
		States:     map[string]uint64{},
		Dispatcher: map[string]uint64{},
		Router:     map[string]uint64{},
		WG:         map[string]uint64{},
		Handshakes: map[string]uint64{},
		Host:       hostConntrack(),
		RT: map[string]uint64{
			"heap_alloc": ms.HeapAlloc,
			"heap_inuse": ms.HeapInuse,
			"sys":        ms.Sys,
			"num_gc":     uint64(ms.NumGC),
			"goroutines": uint64(runtime.NumGoroutine()),
		},
	}
	if h.table != nil {
		s.Table["entries"] = uint64(h.table.Len())
		s.Table["max"] = uint64(h.table.Config().MaxEntries)
		s.States = stateCounts(h.table.Snapshot())
	}
	if h.disp != nil {
		s.Dispatcher = h.disp.Metrics()
	}
	if h.router != nil {
		s.Router = h.router.Metrics()
	}
	if h.tun != nil {
		s.WG = h.tun.Metrics().Map()
	}
	if h.dev != nil {
		if peers, err := h.dev.Peers(); err == nil {
			s.Handshakes = summarizePeers(peers, now)
		}
	}
	return s
}

func formatStats(s statsSnapshot, format string) string {
	if format == "json" {
		b, _ := json.Marshal(s)
		return string(b)
	}
	return fmt.Sprintf("ts=%s table: %d/%d assured=%d unreplied=%d states=[%s] | disp: q=%d fwd=%d filt=%d qfd=%d ferr=%d | router: routed=%d unroutable=%d wgfull=%d | wg: from=%d to=%d drops=%d non4=%d hs: peers=%d %d/%d oldest=%ds newest=%ds | host: ct=%d/%d | rt: heap=%dMi inuse=%dMi gor=%d gc=%d",
		s.Timestamp,
		s.Table["entries"], s.Table["max"], s.States["assured"], s.States["unreplied"], formatStates(s.States),
		s.Dispatcher["packetsQueued"], s.Dispatcher["packetsForwarded"], s.Dispatcher["packetsFiltered"],
		s.Dispatcher["queueFullDrops"], s.Dispatcher["forwardErrors"],
		s.Router["routed"], s.Router["unroutable"], s.Router["wg_queue_full"],
		s.WG["frames_from_wg"], s.WG["frames_to_wg"], s.WG["queue_drops"], s.WG["non_ipv4"],
		s.Handshakes["peers"], s.Handshakes["fresh"], s.Handshakes["stale"], s.Handshakes["oldest_sec"], s.Handshakes["newest_sec"],
		s.Host["ct_used"], s.Host["ct_max"],
		s.RT["heap_alloc"]/(1024*1024), s.RT["heap_inuse"]/(1024*1024), s.RT["goroutines"], s.RT["num_gc"],
	)
}

// stateCounts counts connections per TCP state, plus assured and
// unreplied totals.
func stateCounts(entries []conntrack.EntryInfo) map[string]uint64 {
	out := map[string]uint64{"assured": 0, "unreplied": 0}
	for _, e := range entries {
		out[e.State.String()]++
		if e.Status&tcptrack.StatusAssured != 0 {
			out["assured"]++
		}
		if e.Status&tcptrack.StatusSeenReply == 0 {
			out["unreplied"]++
		}
	}
	return out
}

// formatStates renders the per-state counts in state order.
func formatStates(counts map[string]uint64) string {
	var names []string
	for k := range counts {
		if _, err := tcptrack.ParseState(k); err == nil {
			names = append(names, k)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		a, _ := tcptrack.ParseState(names[i])
		b, _ := tcptrack.ParseState(names[j])
		return a < b
	})
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", n, counts[n]))
	}
	return strings.Join(parts, " ")
}

// summarizePeers returns peers, fresh, stale, oldest_sec and newest_sec.
// Peers that never completed a handshake are stale and do not count toward
// the ages.
func summarizePeers(peers []wg.PeerStatus, now time.Time) map[string]uint64 {
	res := map[string]uint64{"peers": uint64(len(peers)), "fresh": 0, "stale": 0, "oldest_sec": 0, "newest_sec": 0}
	first := true
	for _, p := range peers {
		if p.LastHandshake.IsZero() {
			res["stale"]++
			continue
		}
		age := now.Sub(p.LastHandshake)
		if age < 0 {
			age = 0
		}
		if age < handshakeFresh {
			res["fresh"]++
		} else {
			res["stale"]++
		}
		sec := uint64(age / time.Second)
		if first || sec > res["oldest_sec"] {
			res["oldest_sec"] = sec
		}
		if first || sec < res["newest_sec"] {
			res["newest_sec"] = sec
		}
		first = false
	}
	return res
}

// hostConntrack reads the kernel table usage when visible in this network
// namespace.
func hostConntrack() map[string]uint64 {
	out := map[string]uint64{}
	if v, ok := readUint("/proc/sys/net/netfilter/nf_conntrack_max"); ok {
		out["ct_max"] = v
	}
	if v, ok := readUint("/proc/sys/net/netfilter/nf_conntrack_count"); ok {
		out["ct_used"] = v
	}
	return out
}

func readUint(path string) (uint64, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
