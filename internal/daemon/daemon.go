// Package daemon wires the subsystems together. It owns the event bus,
// the component lifecycles and startup order, and the ordered shutdown
// that reverts kernel routing and DNS state before the process exits.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"grimm.is/roamd/internal/config"
	"grimm.is/roamd/internal/events"
	"grimm.is/roamd/internal/journal"
	"grimm.is/roamd/internal/logging"
	"grimm.is/roamd/internal/metrics"
	"grimm.is/roamd/internal/networkd"
	"grimm.is/roamd/internal/routing"
	"grimm.is/roamd/internal/vpn"
	"grimm.is/roamd/internal/wifi"
)

// Daemon owns every subsystem and the bus connecting them.
type Daemon struct {
	cfg    *config.Config
	logger *logging.Logger
	bus    *events.Bus

	reconciler *routing.Reconciler
	monitor    *wifi.Monitor
	rotator    *vpn.Rotator     // nil when WireGuard control is unavailable
	dns        *networkd.Toggle // nil when disabled or networkd is absent
	jrnl       *journal.Journal // nil when no journal is configured
	metricsSrv *metrics.Server  // nil when no metrics listener is configured

	start time.Time

	mu           sync.Mutex
	lastDecision events.Signal
	hasDecision  bool
}

// New constructs the daemon and acquires its kernel sockets. The rule
// reconciler and the WiFi monitor are required: failing to construct
// either is a startup error. The remaining subsystems degrade to
// disabled with a loud log line, leaving the core policy toggling
// intact.
func New(cfg *config.Config, logger *logging.Logger) (*Daemon, error) {
	d := &Daemon{
		cfg:    cfg,
		logger: logger.WithComponent("daemon"),
		bus:    events.NewBus(),
		start:  time.Now(),
	}

	reconciler, err := routing.NewReconciler(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("policy routing unavailable: %w", err)
	}
	d.reconciler = reconciler

	monitor, err := wifi.NewMonitor(cfg, logger, d.bus)
	if err != nil {
		reconciler.Close()
		return nil, fmt.Errorf("wifi monitoring unavailable: %w", err)
	}
	d.monitor = monitor

	rotator, err := vpn.NewRotator(cfg, logger)
	if err != nil {
		d.logger.Error("wireguard control unavailable, port rotation disabled", "error", err)
	} else {
		d.rotator = rotator
	}

	if cfg.DNS != nil && cfg.DNS.Manage {
		toggle, err := networkd.NewToggle(cfg, logger)
		if err != nil {
			d.logger.Error("system bus unavailable, dns routing domains disabled", "error", err)
		} else {
			d.dns = toggle
		}
	}

	if cfg.Journal != nil {
		jrnl, err := journal.New(cfg.Journal.Path, logger)
		if err != nil {
			d.logger.Error("transition journal unavailable", "error", err)
		} else {
			d.jrnl = jrnl
		}
	}

	if cfg.Metrics != nil {
		d.metricsSrv = metrics.NewServer(cfg.Metrics.Listen, logger)
	}

	return d, nil
}

// Run starts every subsystem and blocks until ctx is cancelled or the
// WiFi monitor fails to come up. Kernel routing and DNS state has been
// reverted by the time Run returns.
func (d *Daemon) Run(ctx context.Context) error {
	eventCtx, eventCancel := context.WithCancel(ctx)
	defer eventCancel()

	reg := metrics.Get()
	reg.TrackBus(d.bus.Stats)
	reg.TrackUptime(d.start, time.Since)

	// State-reverting subscribers attach before anything can publish, so
	// the first decision is never missed.
	reconDone := make(chan struct{})
	reconCh := d.bus.Subscribe(0)

	var dnsDone chan struct{}
	var dnsCh <-chan events.Signal
	if d.dns != nil {
		if err := d.dns.Setup(eventCtx); err != nil {
			d.logger.Error("networkd link resolution failed, dns routing domains disabled", "error", err)
			_ = d.dns.Close()
			d.dns = nil
		} else {
			dnsDone = make(chan struct{})
			dnsCh = d.bus.Subscribe(0)
		}
	}

	var rotCh <-chan events.Signal
	if d.rotator != nil {
		rotCh = d.bus.Subscribe(0)
	}

	if d.jrnl != nil {
		d.logger.Info("transition journal enabled", "run_id", d.jrnl.RunID())
		d.jrnl.Start(d.bus.Subscribe(0))
	}

	obsCh := d.bus.Subscribe(0)

	if d.metricsSrv != nil {
		if err := d.metricsSrv.Start(); err != nil {
			d.logger.Error("metrics server failed to start, metrics disabled", "error", err)
			d.metricsSrv = nil
		}
	}

	go func() {
		defer close(reconDone)
		d.reconciler.Run(reconCh)
	}()
	if d.dns != nil {
		done := dnsDone
		go func() {
			defer close(done)
			d.dns.Run(dnsCh)
		}()
	}

	var wg sync.WaitGroup
	if d.rotator != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.rotator.Run(eventCtx, rotCh)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.observe(eventCtx, obsCh)
	}()

	// The monitor comes up last: its startup probe may classify the
	// current network immediately, and every subscriber above has to see
	// that first decision.
	if err := d.monitor.Setup(); err != nil {
		err = fmt.Errorf("wifi monitor setup: %w", err)
		d.logger.Error("wifi monitor failed to start", "error", err)
		_ = d.monitor.Close()
		d.shutdown(eventCancel, reconDone, dnsDone, &wg)
		return err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.monitor.Run(eventCtx)
	}()

	d.logger.Info("roamd running",
		"wifi_interface", d.cfg.WifiInterface,
		"vpn_interface", d.cfg.VPNInterface,
		"known_networks", len(d.cfg.KnownNetworks))

	<-ctx.Done()
	d.logger.Info("shutting down")
	d.shutdown(eventCancel, reconDone, dnsDone, &wg)
	return nil
}

// shutdown reverts kernel state before the process exits. The monitor
// and rotator are cancelled outright, then Disable and Quit go out on
// the bus so the reconciler and DNS toggle undo their state and finish
// their loops. Only after both have exited are the remaining subsystems
// stopped.
func (d *Daemon) shutdown(cancel context.CancelFunc, reconDone, dnsDone chan struct{}, wg *sync.WaitGroup) {
	cancel()

	if err := d.bus.Publish(events.SignalDisable); err != nil {
		d.logger.Warn("disable not delivered", "error", err)
	}
	if err := d.bus.Publish(events.SignalQuit); err != nil {
		d.logger.Warn("quit not delivered", "error", err)
	}

	<-reconDone
	if dnsDone != nil {
		<-dnsDone
	}
	// Monitor and rotator close their own sockets when their loops
	// return.
	wg.Wait()

	if d.jrnl != nil {
		if err := d.jrnl.Stop(); err != nil {
			d.logger.Error("journal shutdown failed", "error", err)
		}
	}
	if d.metricsSrv != nil {
		if err := d.metricsSrv.Stop(); err != nil {
			d.logger.Error("metrics server shutdown failed", "error", err)
		}
	}
	d.logger.Info("shutdown complete")
}

// observe tracks the last published decision so a resync can republish
// it.
func (d *Daemon) observe(ctx context.Context, ch <-chan events.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			if sig != events.SignalEnable && sig != events.SignalDisable {
				continue
			}
			d.mu.Lock()
			d.lastDecision = sig
			d.hasDecision = true
			d.mu.Unlock()
		}
	}
}

// Resync republishes the last observed decision so every subscriber
// re-asserts its state. Rule and domain updates are idempotent, so this
// is safe to trigger at any time.
func (d *Daemon) Resync() {
	d.mu.Lock()
	sig, ok := d.lastDecision, d.hasDecision
	d.mu.Unlock()

	if !ok {
		d.logger.Info("resync requested before any decision, nothing to republish")
		return
	}

	metrics.Get().Resyncs.Inc()
	d.logger.Info("resync requested, republishing last decision", "decision", sig.String())
	if err := d.bus.Publish(sig); err != nil {
		d.logger.Warn("resync not delivered", "error", err)
	}
}
