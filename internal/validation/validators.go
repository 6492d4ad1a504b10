// Package validation checks externally supplied names against kernel and
// protocol limits before they reach netlink or D-Bus calls.
package validation

import (
	"fmt"
	"regexp"
)

const (
	// Linux IFNAMSIZ is 16 bytes including the NUL terminator.
	maxInterfaceName = 15

	// Network names are at most 32 octets on the air.
	maxNetworkName = 32
)

// Valid interface name: alphanumeric, dash, underscore, dot (for VLANs).
var interfaceNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,15}$`)

// ValidateInterfaceName validates a network interface name.
func ValidateInterfaceName(name string) error {
	if name == "" {
		return fmt.Errorf("interface name cannot be empty")
	}

	if len(name) > maxInterfaceName {
		return fmt.Errorf("interface name too long (max %d characters): %s", maxInterfaceName, name)
	}

	if !interfaceNameRegex.MatchString(name) {
		return fmt.Errorf("invalid interface name: %s (must be alphanumeric with -_.)", name)
	}

	return nil
}

// ValidateNetworkName validates a trusted network name. Names are compared
// byte for byte against what access points broadcast, so any content up to
// the 802.11 length limit is allowed.
func ValidateNetworkName(name string) error {
	if name == "" {
		return fmt.Errorf("network name cannot be empty")
	}

	if len(name) > maxNetworkName {
		return fmt.Errorf("network name too long (max %d bytes): %s", maxNetworkName, name)
	}

	return nil
}
