// Command ctreplay replays a pcap or pcapng capture through the connection
// tracker and prints the resulting table, or with -kernel prints the
// kernel's table in the same format.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/irctrakz/wgconntrack/pkg/config"
	"github.com/irctrakz/wgconntrack/pkg/conntrack"
	"github.com/irctrakz/wgconntrack/pkg/kernelct"
	"github.com/irctrakz/wgconntrack/pkg/logging"
	"github.com/irctrakz/wgconntrack/pkg/replay"
)

func main() {
	var (
		configPath = flag.String("config", "", "configuration file for tracker settings (.json, .yaml)")
		kernel     = flag.Bool("kernel", false, "dump the kernel conntrack table instead of replaying")
		format     = flag.String("format", "text", "output format: text or json")
		reapEvery  = flag.Duration("reap", time.Second, "capture time between reaps")
		verbose    = flag.Bool("v", false, "print every packet verdict")
		debug      = flag.Bool("debug", false, "debug logging")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] capture.pcap\n       %s -kernel\n", os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	logging.SetLevel(logging.WarnLevel)
	if *debug {
		logging.SetLevel(logging.DebugLevel)
	}

	if *kernel {
		entries, err := kernelct.Dump()
		if err != nil {
			logging.Fatalf("%v", err)
		}
		if err := printEntries(os.Stdout, entries, *format); err != nil {
			logging.Fatalf("%v", err)
		}
		return
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		if err := config.LoadFromFile(*configPath, cfg); err != nil {
			logging.Fatalf("config: %v", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		logging.Fatalf("config: %v", err)
	}
	tableCfg, err := cfg.TableConfig()
	if err != nil {
		logging.Fatalf("config: %v", err)
	}
	// Reaping follows capture time, not wall time.
	tableCfg.ReapInterval = 0

	clk := replay.NewClock()
	table := conntrack.NewTable(tableCfg, conntrack.WithClock(clk.Now))
	opts := []replay.Option{replay.WithReapInterval(*reapEvery)}
	if *verbose {
		opts = append(opts, replay.WithResultFunc(func(ts time.Time, res conntrack.Result, err error) {
			printVerdict(os.Stdout, ts, res, err)
		}))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	st, err := replay.New(table, clk, opts...).RunFile(ctx, flag.Arg(0))
	if err != nil {
		logging.Fatalf("replay: %v", err)
	}

	if err := printEntries(os.Stdout, table.Snapshot(), *format); err != nil {
		logging.Fatalf("%v", err)
	}
	fmt.Fprintf(os.Stderr, "packets=%d accepted=%d invalid=%d untracked=%d dropped=%d skipped=%d reaped=%d tracked=%d span=%s\n",
		st.Packets, st.Accepted, st.Invalid, st.Untracked, st.Dropped, st.Skipped, st.Reaped, table.Len(), st.Duration())
}

func printEntries(w io.Writer, entries []conntrack.EntryInfo, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	for _, e := range entries {
		if _, err := fmt.Fprintln(w, e.String()); err != nil {
			return err
		}
	}
	return nil
}

func printVerdict(w io.Writer, ts time.Time, res conntrack.Result, err error) {
	line := fmt.Sprintf("%s %-9s", ts.UTC().Format("15:04:05.000000"), res.Verdict)
	if res.Entry != nil {
		line += " " + res.Dir.String() + " " + res.Entry.String()
	}
	if res.New {
		line += " [NEW]"
	}
	if res.Teardown {
		line += " [TEARDOWN]"
	}
	if err != nil {
		line += " err=" + err.Error()
	}
	fmt.Fprintln(w, line)
}
