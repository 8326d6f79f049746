// Package config holds the node's runtime configuration and binds it
// to command-line flags.
package config

import (
	"flag"
	"time"
)

// Config gathers the routing core's one knob (RREQTimeout) plus the
// transport, discovery and control-surface settings the node carries.
type Config struct {
	// APIAddr is the libp2p host's listen address for the QORP route
	// protocol stream.
	APIAddr string
	// ControlAddr is the localhost-only control HTTP API address.
	ControlAddr string
	// PublicAddr is the peer-facing HTTP API address (identity, peer
	// records, /metrics).
	PublicAddr string

	// MCGroup/MCPort/BroadcastIntv configure the UDP multicast beacon
	// discovery layer.
	MCGroup       string
	MCPort        int
	BroadcastIntv time.Duration
	MCSubnet      string
	MCIface       string

	// RREQTimeout upper-bounds the lifetime of a route request flood.
	RREQTimeout time.Duration

	// DataDir is the base directory for the encrypted identity and peer
	// snapshot files.
	DataDir string
}

// DefaultConfig returns the settings a node runs with when no flags
// override them.
func DefaultConfig() *Config {
	return &Config{
		APIAddr:       "/ip4/0.0.0.0/tcp/0",
		ControlAddr:   "127.0.0.1:8081",
		PublicAddr:    "0.0.0.0:8080",
		MCGroup:       "239.255.255.250",
		MCPort:        35888,
		BroadcastIntv: 3 * time.Second,
		MCSubnet:      "",
		RREQTimeout:   10 * time.Second,
		DataDir:       "",
	}
}

// BindFlags registers c's fields on fs.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.APIAddr, "api-addr", c.APIAddr, "libp2p listen multiaddr for the route protocol")
	fs.StringVar(&c.ControlAddr, "control-addr", c.ControlAddr, "localhost control API address")
	fs.StringVar(&c.PublicAddr, "public-addr", c.PublicAddr, "peer-facing public API address")
	fs.StringVar(&c.MCGroup, "mc-group", c.MCGroup, "multicast group (IPv4) for beacon discovery")
	fs.IntVar(&c.MCPort, "mc-port", c.MCPort, "multicast UDP port for beacon discovery")
	fs.DurationVar(&c.BroadcastIntv, "beacon-intv", c.BroadcastIntv, "beacon broadcast interval")
	fs.StringVar(&c.MCSubnet, "mc-subnet", c.MCSubnet, "CIDR used to choose the discovery NIC, e.g. 192.168.3.0/24")
	fs.StringVar(&c.MCIface, "mc-iface", c.MCIface, "interface name to force for discovery (overrides mc-subnet)")
	fs.DurationVar(&c.RREQTimeout, "rreq-timeout", c.RREQTimeout, "route request TTL")
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "directory for the encrypted identity and peer snapshot (default: ~/.qorp)")
}
