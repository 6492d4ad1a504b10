// Package vpn rotates the WireGuard listen port when the tunnel is
// enabled. Some networks throttle or block a previously observed port;
// asking the kernel for a fresh ephemeral port on every enable improves
// the odds of reachability after a roam.
package vpn

import (
	"context"
	"fmt"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"grimm.is/roamd/internal/config"
	"grimm.is/roamd/internal/events"
	"grimm.is/roamd/internal/logging"
	"grimm.is/roamd/internal/metrics"
)

// wgDevice is the slice of the wgctrl client the rotator uses.
// *wgctrl.Client satisfies it.
type wgDevice interface {
	ConfigureDevice(name string, cfg wgtypes.Config) error
	Device(name string) (*wgtypes.Device, error)
	Close() error
}

// Rotator issues one listen-port rotation per Enable signal.
type Rotator struct {
	cfg    *config.Config
	logger *logging.Logger
	client wgDevice
}

// NewRotator opens a wgctrl client for cfg's VPN interface.
func NewRotator(cfg *config.Config, logger *logging.Logger) (*Rotator, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("failed to open wgctrl: %w", err)
	}
	return NewRotatorWithClient(cfg, logger, client), nil
}

// NewRotatorWithClient is like NewRotator but with an injected client,
// used by tests.
func NewRotatorWithClient(cfg *config.Config, logger *logging.Logger, client wgDevice) *Rotator {
	return &Rotator{
		cfg:    cfg,
		logger: logger.WithComponent("vpn"),
		client: client,
	}
}

// Close releases the wgctrl client. Run closes it on return; Close is
// for teardown when Run was never started.
func (r *Rotator) Close() error {
	return r.client.Close()
}

// Run consumes signals until ctx is cancelled. The rotator holds no
// kernel state to revert, so shutdown cancels it abruptly rather than
// waiting for a Quit handshake.
func (r *Rotator) Run(ctx context.Context, ch <-chan events.Signal) {
	defer r.client.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			switch sig {
			case events.SignalEnable:
				// A failed rotation is not fatal; the tunnel keeps
				// using its previous port.
				if err := r.Rotate(); err != nil {
					r.logger.Error("port rotation failed", "error", err)
				}
			case events.SignalQuit:
				return
			}
		}
	}
}

// Rotate requests listen port zero, which makes the kernel assign a
// fresh ephemeral port.
func (r *Rotator) Rotate() error {
	port := 0
	err := r.client.ConfigureDevice(r.cfg.VPNInterface, wgtypes.Config{ListenPort: &port})
	metrics.Get().RecordPortRotation(err)
	if err != nil {
		return fmt.Errorf("failed to rotate listen port on %s: %w", r.cfg.VPNInterface, err)
	}

	// Read back the assigned port for the log; purely informational.
	if dev, err := r.client.Device(r.cfg.VPNInterface); err == nil {
		r.logger.Info("listen port rotated", "interface", r.cfg.VPNInterface, "port", dev.ListenPort)
	} else {
		r.logger.Info("listen port rotated", "interface", r.cfg.VPNInterface)
	}
	return nil
}
