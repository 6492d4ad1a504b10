// Package config defines the daemon configuration. A Config is loaded once
// at startup, validated, and shared read-only by every component; it is
// never mutated after load.
package config

import (
	"fmt"
	"net"

	"grimm.is/roamd/internal/validation"
)

// DefaultPath is the conventional config file location.
const DefaultPath = "/etc/roamd/roamd.hcl"

// Config is the top-level daemon configuration.
type Config struct {
	// WifiInterface is the wireless interface whose association state
	// drives tunnel decisions.
	WifiInterface string `hcl:"wifi_interface"`

	// VPNInterface is the WireGuard interface whose policy routing, DNS
	// routing domain, and listen port are toggled.
	VPNInterface string `hcl:"vpn_interface"`

	// KnownNetworks lists trusted network names. Joining a listed network
	// disables the tunnel; anything else (or no network) enables it.
	KnownNetworks []string `hcl:"known_networks"`

	// Fwmark selects marked traffic for the VPN routing table.
	Fwmark uint32 `hcl:"fwmark"`

	// RouteTable is the routing table the policy rule points at.
	RouteTable uint32 `hcl:"route_table"`

	// IPv6 adds an IPv6 policy rule alongside the IPv4 one on enable.
	// Disable always removes both families.
	IPv6 bool `hcl:"ipv6,optional"`

	Log     *LogConfig     `hcl:"log,block"`
	DNS     *DNSConfig     `hcl:"dns,block"`
	Journal *JournalConfig `hcl:"journal,block"`
	Metrics *MetricsConfig `hcl:"metrics,block"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level string `hcl:"level,optional"`
	JSON  bool   `hcl:"json,optional"`
}

// DNSConfig controls the systemd-networkd DNS routing-domain toggle.
type DNSConfig struct {
	Manage bool `hcl:"manage"`
}

// JournalConfig enables the sqlite transition journal.
type JournalConfig struct {
	Path string `hcl:"path"`
}

// MetricsConfig enables the Prometheus listener.
type MetricsConfig struct {
	Listen string `hcl:"listen"`
}

// Error is a configuration error. Any Error surfaced from loading or
// validation is fatal: the daemon refuses to start on a bad config.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Reserved routing table ids (rtnetlink well-known tables).
const (
	tableDefault = 253
	tableMain    = 254
	tableLocal   = 255
)

// applyDefaults fills optional blocks with their defaults. The DNS toggle
// is on unless explicitly disabled; journal and metrics stay off unless
// their blocks are present.
func (c *Config) applyDefaults() {
	if c.Log == nil {
		c.Log = &LogConfig{}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.DNS == nil {
		c.DNS = &DNSConfig{Manage: true}
	}
}

// Validate checks the configuration for fatal errors.
func (c *Config) Validate() error {
	if err := validation.ValidateInterfaceName(c.WifiInterface); err != nil {
		return &Error{Field: "wifi_interface", Reason: err.Error()}
	}
	if err := validation.ValidateInterfaceName(c.VPNInterface); err != nil {
		return &Error{Field: "vpn_interface", Reason: err.Error()}
	}
	for _, name := range c.KnownNetworks {
		if err := validation.ValidateNetworkName(name); err != nil {
			return &Error{Field: "known_networks", Reason: err.Error()}
		}
	}
	if c.Fwmark == 0 {
		return &Error{Field: "fwmark", Reason: "must be non-zero"}
	}
	switch c.RouteTable {
	case 0:
		return &Error{Field: "route_table", Reason: "must be non-zero"}
	case tableDefault, tableMain, tableLocal:
		return &Error{Field: "route_table", Reason: fmt.Sprintf("table %d is reserved", c.RouteTable)}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return &Error{Field: "log.level", Reason: fmt.Sprintf("unknown level %q", c.Log.Level)}
	}

	if c.Metrics != nil {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return &Error{Field: "metrics.listen", Reason: fmt.Sprintf("invalid listen address: %v", err)}
		}
	}
	if c.Journal != nil && c.Journal.Path == "" {
		return &Error{Field: "journal.path", Reason: "must not be empty"}
	}

	return nil
}

// IsKnownNetwork reports whether name is on the trusted list.
// Comparison is exact string match on the permissively decoded network
// name; names are broadcast by access points and are not authenticated,
// which is a known policy limitation.
func (c *Config) IsKnownNetwork(name string) bool {
	for _, n := range c.KnownNetworks {
		if n == name {
			return true
		}
	}
	return false
}
