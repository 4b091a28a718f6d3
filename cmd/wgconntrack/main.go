package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/irctrakz/wgconntrack/pkg/api"
	"github.com/irctrakz/wgconntrack/pkg/config"
	"github.com/irctrakz/wgconntrack/pkg/conntrack"
	"github.com/irctrakz/wgconntrack/pkg/core"
	"github.com/irctrakz/wgconntrack/pkg/logging"
	"github.com/irctrakz/wgconntrack/pkg/metrics"
	wg "github.com/irctrakz/wgconntrack/pkg/wireguard"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	configPath := flag.String("config", os.Getenv("WGCONNTRACK_CONFIG"), "configuration file (.json, .yaml)")
	savePath := flag.String("save-config", "", "write the effective configuration to this file and exit")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		if err := config.LoadFromFile(*configPath, cfg); err != nil {
			logging.Fatalf("config: %v", err)
		}
	}
	config.LoadFromEnv(cfg)

	// DEBUG forces verbose logging and packet copy mode.
	dval := strings.ToLower(strings.TrimSpace(os.Getenv("DEBUG")))
	if dval == "1" || dval == "true" || dval == "yes" || dval == "on" {
		cfg.Logging.Level = "debug"
		core.SetCopyPackets(true)
	}
	if err := cfg.Validate(); err != nil {
		logging.Fatalf("config: %v", err)
	}
	if *savePath != "" {
		if err := cfg.SaveToFile(*savePath); err != nil {
			logging.Fatalf("config: %v", err)
		}
		return
	}
	if err := cfg.WireGuard.Validate(); err != nil {
		logging.Fatalf("config: %v", err)
	}
	if err := cfg.ApplyLogging(); err != nil {
		logging.Fatalf("logging: %v", err)
	}

	tableCfg, err := cfg.TableConfig()
	if err != nil {
		logging.Fatalf("config: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics()
	if err := m.Register(reg); err != nil {
		logging.Fatalf("metrics: %v", err)
	}

	table := conntrack.NewTable(tableCfg, conntrack.WithObserver(m))
	reg.MustRegister(metrics.TableSize(table))
	if err := table.Start(); err != nil {
		logging.Fatalf("conntrack: %v", err)
	}
	defer table.Stop()

	// Plaintext path: WG -> dispatcher -> tracker -> router -> WG.
	tun := wg.NewWGTun("wgct0", cfg.WireGuard.MTU, cfg.WireGuard.QueueCap)
	if cfg.WireGuard.PcapPath != "" {
		tee, err := wg.OpenTee(cfg.WireGuard.PcapPath)
		if err != nil {
			logging.Fatalf("pcap: %v", err)
		}
		defer tee.Close()
		tun.SetTee(tee)
		logging.Infof("capturing plaintext frames to %s", cfg.WireGuard.PcapPath)
	}
	prefixes, err := cfg.WireGuard.PeerPrefixes()
	if err != nil {
		logging.Fatalf("config: %v", err)
	}
	router := wg.NewPeerRouter(tun, prefixes)
	disp := conntrack.NewDispatcher(table, router, cfg.Tracker.Workers, cfg.Tracker.QueueCap)
	if err := disp.Start(); err != nil {
		logging.Fatalf("dispatcher: %v", err)
	}
	defer disp.Stop()
	tun.SetPacketProcessor(disp)

	reg.MustRegister(
		metrics.NewCounterMap("dispatcher", disp.Metrics),
		metrics.NewCounterMap("router", router.Metrics),
		metrics.NewCounterMap("tun", func() map[string]uint64 { return tun.Metrics().Map() }),
	)

	dev, err := wg.StartDevice(cfg.WireGuard, tun)
	if err != nil {
		logging.Fatalf("wireguard start: %v", err)
	}
	defer dev.Close()

	if cfg.API.Listen != "" {
		srv := api.NewServer(table,
			api.WithGatherer(reg),
			api.WithStatus("wireguard", func() interface{} {
				peers, err := dev.Peers()
				if err != nil {
					return map[string]string{"error": err.Error()}
				}
				return summarizePeers(peers, time.Now())
			}),
		)
		if err := srv.Start(cfg.API.Listen); err != nil {
			logging.Fatalf("api: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if strings.TrimSpace(os.Getenv("METRICS_INTERVAL")) != "" {
		go runStatsReporter(ctx, reporterConfigFromEnv(), &hub{table: table, disp: disp, router: router, tun: tun, dev: dev})
	}

	logging.Infof("wgconntrack running: %d peers, %d overlay prefixes", len(cfg.WireGuard.Peers), len(prefixes))
	<-ctx.Done()
	logging.Infof("shutting down")
}
