// Command ctstress pushes synthetic TCP connections through the plaintext
// pipeline (tun, dispatcher, tracker, router) without a WireGuard device
// and reports throughput, verdicts and queue pressure.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/irctrakz/wgconntrack/pkg/conntrack"
	"github.com/irctrakz/wgconntrack/pkg/logging"
	"github.com/irctrakz/wgconntrack/pkg/packet"
	"github.com/irctrakz/wgconntrack/pkg/tcptrack"
	wg "github.com/irctrakz/wgconntrack/pkg/wireguard"
)

func main() {
	var (
		flows    = flag.Int("flows", 1000, "number of simulated connections")
		perFlow  = flag.Int("per", 20, "data segments per connection after the handshake")
		pktSize  = flag.Int("size", 512, "payload size (bytes)")
		workers  = flag.Int("workers", 4, "dispatcher workers")
		queueCap = flag.Int("qcap", 1024, "dispatcher queue capacity per worker")
		wgCap    = flag.Int("wgcap", 1024, "queue capacity toward peers")
		maxConns = flag.Int("max", 0, "table capacity (0 = default)")
		closeAll = flag.Bool("close", true, "finish each connection with a FIN exchange")
		holdMs   = flag.Int("hold", 0, "milliseconds to hold the peer queue undrained")
	)
	flag.Parse()

	logging.SetLevel(logging.WarnLevel)

	cfg := conntrack.DefaultConfig()
	cfg.ReapInterval = 0
	cfg.DropInvalid = true
	if *maxConns > 0 {
		cfg.MaxEntries = *maxConns
	}
	table := conntrack.NewTable(cfg)

	tun := wg.NewWGTun("stress0", 1380, *wgCap)
	defer tun.Close()
	// Clients live in 10.100/16 and servers in 10.200/16; both are overlay
	// prefixes so every accepted frame is re-injected.
	router := wg.NewPeerRouter(tun, []netip.Prefix{
		netip.MustParsePrefix("10.100.0.0/16"),
		netip.MustParsePrefix("10.200.0.0/16"),
	})
	disp := conntrack.NewDispatcher(table, router, *workers, *queueCap)
	if err := disp.Start(); err != nil {
		logging.Fatalf("dispatcher: %v", err)
	}
	tun.SetPacketProcessor(disp)

	if *pktSize < 0 {
		*pktSize = 0
	}
	payload := make([]byte, *pktSize)
	rand.Read(payload)

	// Drain the peer queue the way the device would.
	var drained sync.WaitGroup
	stopDrain := make(chan struct{})
	drained.Add(1)
	go func() {
		defer drained.Done()
		time.Sleep(time.Duration(*holdMs) * time.Millisecond)
		buffs := [][]byte{make([]byte, 65536)}
		sizes := []int{0}
		for {
			select {
			case <-stopDrain:
				return
			default:
			}
			if _, err := tun.Read(buffs, sizes, 0); err != nil {
				return
			}
		}
	}()

	start := time.Now()
	frames := 0
	for i := 0; i < *flows; i++ {
		for _, f := range connection(i, *perFlow, payload, *closeAll) {
			tun.Write([][]byte{f}, 0)
			frames++
		}
	}
	enqDur := time.Since(start)
	if err := disp.Stop(); err != nil {
		logging.Errorf("dispatcher stop: %v", err)
	}
	procDur := time.Since(start)
	tun.Close()
	close(stopDrain)
	drained.Wait()

	dm := disp.Metrics()
	rm := router.Metrics()
	tm := tun.Metrics()
	states := map[tcptrack.State]int{}
	assured := 0
	for _, e := range table.Snapshot() {
		states[e.State]++
		if e.Status&tcptrack.StatusAssured != 0 {
			assured++
		}
	}

	fmt.Printf("Frames: %d in %v (enqueue %v, %.0f frames/s)\n", frames, procDur, enqDur, float64(frames)/procDur.Seconds())
	fmt.Printf("Dispatcher: queued=%d forwarded=%d filtered=%d queue_full=%d forward_errors=%d\n",
		dm["packetsQueued"], dm["packetsForwarded"], dm["packetsFiltered"], dm["queueFullDrops"], dm["forwardErrors"])
	fmt.Printf("Router: routed=%d unroutable=%d wg_queue_full=%d wg_full_bursts=%d\n",
		rm["routed"], rm["unroutable"], rm["wg_queue_full"], rm["wg_full_bursts"])
	fmt.Printf("WGTun: fromWG=%d toWG=%d drops=%d ingress_drops=%d\n",
		tm.FramesFromWG, tm.FramesToWG, tm.QueueDrops, tm.IngressDrops)
	fmt.Printf("Table: entries=%d assured=%d", table.Len(), assured)
	for s := tcptrack.None; s <= tcptrack.Listen; s++ {
		if n := states[s]; n > 0 {
			fmt.Printf(" %s=%d", s, n)
		}
	}
	fmt.Println()

	if dm["packetsFiltered"] > 0 {
		fmt.Println("WARN: tracker rejected frames of well-formed connections")
	}
	if dm["queueFullDrops"] > 0 {
		fmt.Println("WARN: dispatcher queues overflowed; raise -qcap or -workers")
	}
	if tm.QueueDrops > 0 {
		fmt.Println("WARN: peer queue overflowed; raise -wgcap or lower -hold")
	}
}

// connection returns the frames of one client connection: handshake, data
// segments from the client each acknowledged by the server, and an optional
// FIN exchange.
func connection(i, segments int, payload []byte, closeConn bool) [][]byte {
	cli := netip.AddrFrom4([4]byte{10, 100, byte(i >> 8), byte(i)})
	srv := netip.AddrFrom4([4]byte{10, 200, byte(i >> 8), byte(i)})
	cport := uint16(20000 + i%40000)
	var cseq, sseq uint32 = rand.Uint32(), rand.Uint32()

	c := func(flags uint8, data []byte) []byte {
		return packet.MustBuildIPv4TCP(packet.TCPSpec{Src: cli, Dst: srv, SrcPort: cport, DstPort: 443,
			Seq: cseq, Ack: sseq, Flags: flags, Payload: data})
	}
	s := func(flags uint8) []byte {
		return packet.MustBuildIPv4TCP(packet.TCPSpec{Src: srv, Dst: cli, SrcPort: 443, DstPort: cport,
			Seq: sseq, Ack: cseq, Flags: flags})
	}

	var out [][]byte
	out = append(out, c(tcptrack.FlagSyn, nil))
	cseq++
	out = append(out, s(tcptrack.FlagSyn|tcptrack.FlagAck))
	sseq++
	out = append(out, c(tcptrack.FlagAck, nil))
	for j := 0; j < segments; j++ {
		out = append(out, c(tcptrack.FlagAck|tcptrack.FlagPsh, payload))
		cseq += uint32(len(payload))
		out = append(out, s(tcptrack.FlagAck))
	}
	if closeConn {
		out = append(out, c(tcptrack.FlagFin|tcptrack.FlagAck, nil))
		cseq++
		out = append(out, s(tcptrack.FlagFin|tcptrack.FlagAck))
		sseq++
		out = append(out, c(tcptrack.FlagAck, nil))
	}
	return out
}
