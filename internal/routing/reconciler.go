// Package routing keeps the kernel's policy rules in step with the
// daemon's tunnel decision.
//
// Each enable installs a fwmark rule steering marked traffic into the
// configured routing table, for IPv4 and optionally IPv6. Each disable
// removes both. Every mutation is preceded by a rule dump, so repeated
// signals and rules left behind by an earlier run never produce
// duplicates. The wire format follows linux/fib_rules.h.
package routing

import (
	"errors"
	"os"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/roamd/internal/config"
	"grimm.is/roamd/internal/events"
	"grimm.is/roamd/internal/logging"
	"grimm.is/roamd/internal/metrics"
	"grimm.is/roamd/internal/nl"
)

// ruleConn is the request/response surface of a route netlink
// connection. *netlink.Conn satisfies it.
type ruleConn interface {
	Execute(m netlink.Message) ([]netlink.Message, error)
	Close() error
}

// Reconciler converges kernel policy rules onto the desired tunnel
// state.
type Reconciler struct {
	cfg    *config.Config
	logger *logging.Logger
	conn   ruleConn
}

// NewReconciler opens a route netlink socket and returns a reconciler
// for cfg's fwmark and table.
func NewReconciler(cfg *config.Config, logger *logging.Logger) (*Reconciler, error) {
	conn, err := netlink.Dial(unix.NETLINK_ROUTE, nil)
	if err != nil {
		return nil, &nl.ProtocolError{Op: "dial route netlink", Reason: err.Error()}
	}
	return NewReconcilerWithConn(cfg, logger, conn), nil
}

// NewReconcilerWithConn is like NewReconciler but with an injected
// connection, used by tests.
func NewReconcilerWithConn(cfg *config.Config, logger *logging.Logger, conn ruleConn) *Reconciler {
	return &Reconciler{
		cfg:    cfg,
		logger: logger.WithComponent("routing"),
		conn:   conn,
	}
}

// Close releases the netlink socket. Run closes it on return; Close is
// for teardown when Run was never started.
func (r *Reconciler) Close() error {
	return r.conn.Close()
}

// Run consumes signals until Quit arrives or ch closes. Each mutation
// runs to completion before the next signal is taken, so a Disable
// observed during shutdown has reverted the kernel before Run returns.
func (r *Reconciler) Run(ch <-chan events.Signal) {
	defer r.conn.Close()
	for sig := range ch {
		switch sig {
		case events.SignalEnable:
			// Per-rule failures are already logged; the next signal
			// retries them.
			_ = r.Enable()
		case events.SignalDisable:
			_ = r.Disable()
		case events.SignalQuit:
			r.logger.Debug("quit signal received")
			return
		}
	}
}

// Enable converges on the tunnel-active rule set: IPv4 always, IPv6
// when configured.
func (r *Reconciler) Enable() error {
	var errs []error
	for _, key := range r.keys() {
		if err := r.EnsureRule(key); err != nil {
			r.logger.Error("failed to add rule", "family", key.Family.String(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Disable removes the rules for both families regardless of the IPv6
// setting, so a config change cannot strand a rule.
func (r *Reconciler) Disable() error {
	var errs []error
	for _, key := range r.allKeys() {
		if err := r.RemoveRule(key); err != nil {
			r.logger.Error("failed to remove rule", "family", key.Family.String(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RuleExists reports whether a rule steering into key's table is
// present for key's family.
func (r *Reconciler) RuleExists(key RuleKey) (bool, error) {
	replies, err := r.conn.Execute(buildRuleQuery(key.Family))
	if err != nil {
		return false, nl.Classify("rule dump", err)
	}
	tables, err := ruleTables(replies)
	if err != nil {
		return false, err
	}
	return hasTable(tables, key.Table), nil
}

// EnsureRule installs key's rule unless an equivalent one is already
// present.
func (r *Reconciler) EnsureRule(key RuleKey) error {
	exists, err := r.RuleExists(key)
	if err != nil {
		metrics.Get().RecordRuleOp(key.Family.String(), "add", "error")
		return err
	}
	if exists {
		r.logger.Debug("rule already present", "family", key.Family.String(), "table", key.Table)
		metrics.Get().RecordRuleOp(key.Family.String(), "add", "noop")
		return nil
	}

	msg, err := buildRuleAdd(key)
	if err != nil {
		return err
	}
	if _, err := r.conn.Execute(msg); err != nil {
		err = nl.Classify("rule add", err)
		if errors.Is(err, os.ErrExist) {
			// Lost a race with another writer; the rule is there.
			metrics.Get().RecordRuleOp(key.Family.String(), "add", "noop")
			return nil
		}
		metrics.Get().RecordRuleOp(key.Family.String(), "add", "error")
		return err
	}

	metrics.Get().RecordRuleOp(key.Family.String(), "add", "ok")
	r.logger.Info("rule added", "family", key.Family.String(), "fwmark", key.Fwmark, "table", key.Table)
	return nil
}

// RemoveRule deletes key's rule if present.
func (r *Reconciler) RemoveRule(key RuleKey) error {
	exists, err := r.RuleExists(key)
	if err != nil {
		metrics.Get().RecordRuleOp(key.Family.String(), "remove", "error")
		return err
	}
	if !exists {
		r.logger.Debug("rule not present", "family", key.Family.String(), "table", key.Table)
		metrics.Get().RecordRuleOp(key.Family.String(), "remove", "noop")
		return nil
	}

	msg, err := buildRuleDelete(key)
	if err != nil {
		return err
	}
	if _, err := r.conn.Execute(msg); err != nil {
		err = nl.Classify("rule delete", err)
		if errors.Is(err, os.ErrNotExist) {
			// Already gone, which is what we wanted.
			metrics.Get().RecordRuleOp(key.Family.String(), "remove", "noop")
			return nil
		}
		metrics.Get().RecordRuleOp(key.Family.String(), "remove", "error")
		return err
	}

	metrics.Get().RecordRuleOp(key.Family.String(), "remove", "ok")
	r.logger.Info("rule removed", "family", key.Family.String(), "fwmark", key.Fwmark, "table", key.Table)
	return nil
}

// keys returns the rule set for the current config.
func (r *Reconciler) keys() []RuleKey {
	keys := []RuleKey{{Family: FamilyV4, Fwmark: r.cfg.Fwmark, Table: r.cfg.RouteTable}}
	if r.cfg.IPv6 {
		keys = append(keys, RuleKey{Family: FamilyV6, Fwmark: r.cfg.Fwmark, Table: r.cfg.RouteTable})
	}
	return keys
}

// allKeys returns both family rules, used on teardown.
func (r *Reconciler) allKeys() []RuleKey {
	return []RuleKey{
		{Family: FamilyV4, Fwmark: r.cfg.Fwmark, Table: r.cfg.RouteTable},
		{Family: FamilyV6, Fwmark: r.cfg.Fwmark, Table: r.cfg.RouteTable},
	}
}
