// Package brand holds the product identity in one place so the binary,
// logs, and usage text all agree on what this thing is called.
package brand

// Identity constants.
const (
	Name        = "roamd"
	Description = "WiFi roaming VPN policy daemon"
)

// Version and BuildTime are set at build time via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)
