// Package networkd toggles the DNS routing domain on the tunnel link
// through systemd-networkd's D-Bus interface. With the catch-all
// routing domain set, the resolver sends every lookup to the tunnel's
// DNS servers; clearing it restores normal per-link resolution.
package networkd

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"

	"grimm.is/roamd/internal/config"
	"grimm.is/roamd/internal/events"
	"grimm.is/roamd/internal/logging"
	"grimm.is/roamd/internal/metrics"
)

const (
	busName      = "org.freedesktop.network1"
	managerPath  = "/org/freedesktop/network1"
	managerIface = "org.freedesktop.network1.Manager"

	// Local bus round-trips are fast; anything slower than this means
	// networkd is wedged and the call should fail, not hang the loop.
	callTimeout = 2 * time.Second
)

// busObject is the slice of a D-Bus object proxy the toggle uses.
// dbus.BusObject satisfies it.
type busObject interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// linkDomain mirrors the (domain, routing_only) struct pairs taken by
// SetLinkDomains.
type linkDomain struct {
	Domain      string
	RoutingOnly bool
}

// Toggle flips the tunnel link's DNS routing domain with the bus
// decisions.
type Toggle struct {
	cfg    *config.Config
	logger *logging.Logger
	conn   *dbus.Conn
	obj    busObject

	ifindex int32
}

// NewToggle connects to the system bus and returns a toggle for cfg's
// VPN interface.
func NewToggle(cfg *config.Config, logger *logging.Logger) (*Toggle, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	t := NewToggleWithObject(cfg, logger, conn.Object(busName, dbus.ObjectPath(managerPath)))
	t.conn = conn
	return t, nil
}

// NewToggleWithObject is like NewToggle but with an injected manager
// object, used by tests.
func NewToggleWithObject(cfg *config.Config, logger *logging.Logger, obj busObject) *Toggle {
	return &Toggle{
		cfg:    cfg,
		logger: logger.WithComponent("networkd"),
		obj:    obj,
	}
}

// Close releases the bus connection. Run closes it on return; Close is
// for teardown when Run was never started.
func (t *Toggle) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

// Setup resolves the tunnel link's index. Failure means DNS toggling is
// unavailable; the caller decides whether to run without it.
func (t *Toggle) Setup(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	call := t.obj.CallWithContext(ctx, managerIface+".GetLinkByName", 0, t.cfg.VPNInterface)
	var (
		ifindex int32
		path    dbus.ObjectPath
	)
	if err := call.Store(&ifindex, &path); err != nil {
		return fmt.Errorf("failed to resolve link %s: %w", t.cfg.VPNInterface, err)
	}

	t.ifindex = ifindex
	t.logger.Debug("resolved tunnel link", "interface", t.cfg.VPNInterface, "ifindex", ifindex)
	return nil
}

// Run consumes signals until Quit arrives or ch closes, reverting DNS
// state on Disable before it exits.
func (t *Toggle) Run(ch <-chan events.Signal) {
	defer t.Close()
	for sig := range ch {
		switch sig {
		case events.SignalEnable:
			if err := t.Enable(); err != nil {
				t.logger.Error("failed to set routing domain", "error", err)
			}
		case events.SignalDisable:
			if err := t.Disable(); err != nil {
				t.logger.Error("failed to clear routing domain", "error", err)
			}
		case events.SignalQuit:
			t.logger.Debug("quit signal received")
			return
		}
	}
}

// Enable installs the catch-all routing domain on the tunnel link.
func (t *Toggle) Enable() error {
	err := t.setDomains([]linkDomain{{Domain: "", RoutingOnly: true}})
	metrics.Get().RecordDNSUpdate(err)
	if err != nil {
		return err
	}
	t.logger.Info("routing domain set", "interface", t.cfg.VPNInterface)
	return nil
}

// Disable clears the link's domain list.
func (t *Toggle) Disable() error {
	err := t.setDomains([]linkDomain{})
	metrics.Get().RecordDNSUpdate(err)
	if err != nil {
		return err
	}
	t.logger.Info("routing domain cleared", "interface", t.cfg.VPNInterface)
	return nil
}

// setDomains runs against a fresh background context: the reverting
// call during shutdown must not be aborted by the daemon's cancelled
// context.
func (t *Toggle) setDomains(domains []linkDomain) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	call := t.obj.CallWithContext(ctx, managerIface+".SetLinkDomains", 0, t.ifindex, domains)
	if call.Err != nil {
		return fmt.Errorf("failed to set domains on %s: %w", t.cfg.VPNInterface, call.Err)
	}
	return nil
}
