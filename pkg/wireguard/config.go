package wireguard

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
)

// PeerConfig holds a single WireGuard peer configuration.
type PeerConfig struct {
	PublicKey              string   `json:"publicKey" yaml:"publicKey"`   // base64
	AllowedIPs             []string `json:"allowedIPs" yaml:"allowedIPs"` // CIDRs
	Endpoint               string   `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	PersistentKeepaliveSec int      `json:"persistentKeepalive,omitempty" yaml:"persistentKeepalive,omitempty"`
}

// DeviceConfig holds the WireGuard device configuration of the hub.
type DeviceConfig struct {
	ListenPort int          `json:"listenPort" yaml:"listenPort"`
	PrivateKey string       `json:"privateKey" yaml:"privateKey"` // base64
	MTU        int          `json:"mtu" yaml:"mtu"`               // plaintext MTU
	QueueCap   int          `json:"queueCap" yaml:"queueCap"`     // frames queued toward peers
	PcapPath   string       `json:"pcap,omitempty" yaml:"pcap,omitempty"`
	Verbose    bool         `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Peers      []PeerConfig `json:"peers,omitempty" yaml:"peers,omitempty"`
}

// DefaultDeviceConfig returns the stock device settings. PrivateKey and
// Peers must still be supplied.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		ListenPort: 51820,
		MTU:        1380,
		QueueCap:   1024,
	}
}

// LoadFromEnv overrides c from environment variables. Unset variables
// leave the current value alone.
//
//	WG_PRIVATE_KEY     base64 private key
//	WG_LISTEN_PORT     UDP port
//	WG_MTU             plaintext MTU
//	WG_TUN_QUEUE_CAP   frames queued toward peers
//	WG_PCAP            plaintext capture file
//	WG_DEBUG           verbose wireguard-go logging
//	WG_PEERS           comma-separated peer indices, e.g. "0,1"; replaces Peers
//
// For each index i in WG_PEERS:
//
//	WG_PEER_i_PUBLIC_KEY
//	WG_PEER_i_ALLOWED_IPS (comma-separated CIDRs)
//	WG_PEER_i_ENDPOINT    (host:port, optional)
//	WG_PEER_i_KEEPALIVE   (seconds, optional)
func (c *DeviceConfig) LoadFromEnv() {
	if v := strings.TrimSpace(os.Getenv("WG_PRIVATE_KEY")); v != "" {
		c.PrivateKey = v
	}
	if v := os.Getenv("WG_LISTEN_PORT"); v != "" {
		if x, err := strconv.Atoi(v); err == nil {
			c.ListenPort = x
		}
	}
	if v := os.Getenv("WG_MTU"); v != "" {
		if x, err := strconv.Atoi(v); err == nil && x > 0 {
			c.MTU = x
		}
	}
	if v := os.Getenv("WG_TUN_QUEUE_CAP"); v != "" {
		if x, err := strconv.Atoi(v); err == nil && x > 0 {
			c.QueueCap = x
		}
	}
	if v := strings.TrimSpace(os.Getenv("WG_PCAP")); v != "" {
		c.PcapPath = v
	}
	if v := os.Getenv("WG_DEBUG"); v != "" {
		c.Verbose = truthy(v)
	}

	idxs := strings.TrimSpace(os.Getenv("WG_PEERS"))
	if idxs == "" {
		return
	}
	var peers []PeerConfig
	for _, i := range splitCSV(idxs) {
		p := PeerConfig{
			PublicKey: strings.TrimSpace(os.Getenv("WG_PEER_" + i + "_PUBLIC_KEY")),
			Endpoint:  strings.TrimSpace(os.Getenv("WG_PEER_" + i + "_ENDPOINT")),
		}
		if allowed := strings.TrimSpace(os.Getenv("WG_PEER_" + i + "_ALLOWED_IPS")); allowed != "" {
			p.AllowedIPs = splitCSV(allowed)
		}
		if ka := strings.TrimSpace(os.Getenv("WG_PEER_" + i + "_KEEPALIVE")); ka != "" {
			if x, err := strconv.Atoi(ka); err == nil {
				p.PersistentKeepaliveSec = x
			}
		}
		if p.PublicKey != "" {
			peers = append(peers, p)
		}
	}
	c.Peers = peers
}

// Validate checks keys, ports and prefixes.
func (c *DeviceConfig) Validate() error {
	if _, err := decodeKey(c.PrivateKey); err != nil {
		return fmt.Errorf("invalid WireGuard private key: %w", err)
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid WireGuard listen port: %d", c.ListenPort)
	}
	if c.MTU < 576 {
		return fmt.Errorf("invalid WireGuard MTU: %d", c.MTU)
	}
	for i, p := range c.Peers {
		if _, err := decodeKey(p.PublicKey); err != nil {
			return fmt.Errorf("peer %d: invalid public key: %w", i, err)
		}
		for _, a := range p.AllowedIPs {
			if _, err := netip.ParsePrefix(strings.TrimSpace(a)); err != nil {
				return fmt.Errorf("peer %d: %w", i, err)
			}
		}
	}
	return nil
}

// PeerPrefixes returns the AllowedIPs of every peer.
func (c *DeviceConfig) PeerPrefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, p := range c.Peers {
		for _, a := range p.AllowedIPs {
			pfx, err := netip.ParsePrefix(strings.TrimSpace(a))
			if err != nil {
				return nil, err
			}
			out = append(out, pfx.Masked())
		}
	}
	return out, nil
}

// uapi renders c in the wireguard-go UAPI set format. Keys are sent hex
// encoded.
func (c *DeviceConfig) uapi() (string, error) {
	priv, err := decodeKey(c.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("invalid WG_PRIVATE_KEY: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%s\nlisten_port=%d\nreplace_peers=true\n", priv, c.ListenPort)
	for _, p := range c.Peers {
		pub, err := decodeKey(p.PublicKey)
		if err != nil {
			// Assume the key is already hex.
			pub = strings.TrimSpace(p.PublicKey)
		}
		fmt.Fprintf(&b, "public_key=%s\nreplace_allowed_ips=true\n", pub)
		for _, ip := range p.AllowedIPs {
			fmt.Fprintf(&b, "allowed_ip=%s\n", strings.TrimSpace(ip))
		}
		if p.Endpoint != "" {
			fmt.Fprintf(&b, "endpoint=%s\n", p.Endpoint)
		}
		if p.PersistentKeepaliveSec > 0 {
			fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", p.PersistentKeepaliveSec)
		}
	}
	return b.String(), nil
}

// decodeKey converts a base64 WireGuard key to hex.
func decodeKey(s string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return "", err
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("key must be 32 bytes, got %d", len(raw))
	}
	return hex.EncodeToString(raw), nil
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
