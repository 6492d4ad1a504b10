// Package events provides the control-signal broadcast bus that fans the
// WiFi monitor's decisions out to the subsystems reacting to them.
package events

// Signal is a control message broadcast to all subscribers. Signals carry
// no payload; each one is a complete instruction on its own.
type Signal int

const (
	// SignalEnable means an untrusted network was joined: marked traffic
	// must be forced through the tunnel.
	SignalEnable Signal = iota

	// SignalDisable means a trusted network was joined (or the daemon is
	// shutting down): tunnel forcing must be reverted.
	SignalDisable

	// SignalQuit is the terminal sentinel. A subscriber that receives it
	// finishes any in-flight operation and exits its receive loop.
	SignalQuit
)

// String returns the signal name for logs and the journal.
func (s Signal) String() string {
	switch s {
	case SignalEnable:
		return "enable"
	case SignalDisable:
		return "disable"
	case SignalQuit:
		return "quit"
	default:
		return "unknown"
	}
}
