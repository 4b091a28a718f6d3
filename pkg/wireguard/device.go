package wireguard

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/irctrakz/wgconntrack/pkg/logging"
	"github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/conn"
	wgdev "golang.zx2c4.com/wireguard/device"
)

// DeviceHandle is the lifecycle of a running device.
type DeviceHandle interface {
	Close() error
	// IpcGet returns the device state in UAPI text form.
	IpcGet() (string, error)
	// Peers parses IpcGet into per-peer status.
	Peers() ([]PeerStatus, error)
}

// PeerStatus is the runtime state of one peer.
type PeerStatus struct {
	PublicKey     string    `json:"publicKey"` // hex
	Endpoint      string    `json:"endpoint,omitempty"`
	LastHandshake time.Time `json:"lastHandshake"`
	RxBytes       uint64    `json:"rxBytes"`
	TxBytes       uint64    `json:"txBytes"`
}

type wgHandle struct {
	dev  *wgdev.Device
	stop chan struct{}
	once sync.Once
}

func (h *wgHandle) Close() error {
	h.once.Do(func() {
		close(h.stop)
		h.dev.Close()
	})
	return nil
}

func (h *wgHandle) IpcGet() (string, error) { return h.dev.IpcGet() }

func (h *wgHandle) Peers() ([]PeerStatus, error) {
	state, err := h.IpcGet()
	if err != nil {
		return nil, err
	}
	return parsePeers(state), nil
}

// StartDevice brings up a wireguard-go device on cfg.ListenPort whose
// plaintext side is tun.
func StartDevice(cfg DeviceConfig, tun *WGTun) (DeviceHandle, error) {
	if tun == nil {
		return nil, fmt.Errorf("nil tun")
	}
	log := logging.Component("wireguard")

	level := wgdev.LogLevelError
	if cfg.Verbose || logging.GetLevel() == logging.DebugLevel {
		level = wgdev.LogLevelVerbose
	}
	dev := wgdev.NewDevice(tun, conn.NewDefaultBind(), wgdev.NewLogger(level, "[wg] "))

	uapi, err := cfg.uapi()
	if err != nil {
		dev.Close()
		return nil, err
	}
	if err := dev.IpcSet(uapi); err != nil {
		dev.Close()
		return nil, fmt.Errorf("IpcSet: %w", err)
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("device up: %w", err)
	}
	log.WithFields(logrus.Fields{
		"port":  cfg.ListenPort,
		"peers": len(cfg.Peers),
	}).Info("wireguard device up")

	h := &wgHandle{dev: dev, stop: make(chan struct{})}
	if cfg.Verbose {
		go monitorHandshakes(h, log, 30*time.Second)
	}
	return h, nil
}

func monitorHandshakes(h *wgHandle, log *logrus.Entry, every time.Duration) {
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-tick.C:
			peers, err := h.Peers()
			if err != nil {
				log.WithError(err).Warn("handshake monitor: device state unavailable")
				continue
			}
			for _, p := range peers {
				logPeerStatus(log, p)
			}
		}
	}
}

func logPeerStatus(log *logrus.Entry, p PeerStatus) {
	handshake := "never"
	if !p.LastHandshake.IsZero() {
		handshake = time.Since(p.LastHandshake).Truncate(time.Second).String() + " ago"
	}
	key := p.PublicKey
	if len(key) > 16 {
		key = key[:8] + "..." + key[len(key)-8:]
	}
	log.WithFields(logrus.Fields{
		"peer":      key,
		"handshake": handshake,
		"endpoint":  p.Endpoint,
		"rx":        p.RxBytes,
		"tx":        p.TxBytes,
	}).Info("peer status")
}

// parsePeers extracts per-peer fields from UAPI get output.
func parsePeers(state string) []PeerStatus {
	var out []PeerStatus
	var cur *PeerStatus
	for _, line := range strings.Split(state, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		if k == "public_key" {
			out = append(out, PeerStatus{PublicKey: v})
			cur = &out[len(out)-1]
			continue
		}
		if cur == nil {
			continue
		}
		switch k {
		case "endpoint":
			cur.Endpoint = v
		case "last_handshake_time_sec":
			if s, err := strconv.ParseInt(v, 10, 64); err == nil && s > 0 {
				cur.LastHandshake = time.Unix(s, 0)
			}
		case "rx_bytes":
			cur.RxBytes, _ = strconv.ParseUint(v, 10, 64)
		case "tx_bytes":
			cur.TxBytes, _ = strconv.ParseUint(v, 10, 64)
		}
	}
	return out
}
