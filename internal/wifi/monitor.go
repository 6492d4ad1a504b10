// Package wifi watches nl80211 for association changes on the
// configured wireless interface and turns them into tunnel decisions.
//
// The monitor is a small state machine: unassociated, resolving the
// network name after a connect, associated. Connect events trigger an
// interface query whose reply arrives through the same receive loop as
// the multicast events; the reply's network name is classified against
// the known-network list and exactly one decision is published per
// classified event.
package wifi

import (
	"context"
	"strings"
	"time"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/roamd/internal/config"
	"grimm.is/roamd/internal/events"
	"grimm.is/roamd/internal/logging"
	"grimm.is/roamd/internal/metrics"
	"grimm.is/roamd/internal/nl"
)

const (
	familyName = "nl80211"
	groupMLME  = "mlme"
)

// genlConn is the surface of a generic netlink connection the monitor
// uses. *genetlink.Conn satisfies it.
type genlConn interface {
	GetFamily(name string) (genetlink.Family, error)
	JoinGroup(group uint32) error
	Send(m genetlink.Message, family uint16, flags netlink.HeaderFlags) (netlink.Message, error)
	Receive() ([]genetlink.Message, []netlink.Message, error)
	Execute(m genetlink.Message, family uint16, flags netlink.HeaderFlags) ([]genetlink.Message, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// state tracks where the monitor is in the association lifecycle.
type state int

const (
	stateUnassociated state = iota
	stateResolving
	stateAssociated
)

func (s state) String() string {
	switch s {
	case stateUnassociated:
		return "unassociated"
	case stateResolving:
		return "resolving_ssid"
	case stateAssociated:
		return "associated"
	default:
		return "unknown"
	}
}

// Monitor consumes nl80211 events for one wireless interface and
// publishes Enable/Disable decisions on the bus.
//
// The cached interface index is owned by the monitor's loop alone and
// is never shared with another goroutine.
type Monitor struct {
	cfg    *config.Config
	logger *logging.Logger
	bus    *events.Bus
	conn   genlConn

	family  uint16
	ifindex uint32
	state   state
}

// NewMonitor dials a generic netlink socket and returns a monitor for
// cfg's wifi interface.
func NewMonitor(cfg *config.Config, logger *logging.Logger, bus *events.Bus) (*Monitor, error) {
	conn, err := genetlink.Dial(nil)
	if err != nil {
		return nil, &nl.ProtocolError{Op: "dial generic netlink", Reason: err.Error()}
	}
	return NewMonitorWithConn(cfg, logger, bus, conn), nil
}

// NewMonitorWithConn is like NewMonitor but with an injected
// connection, used by tests.
func NewMonitorWithConn(cfg *config.Config, logger *logging.Logger, bus *events.Bus, conn genlConn) *Monitor {
	return &Monitor{
		cfg:    cfg,
		logger: logger.WithComponent("wifi"),
		bus:    bus,
		conn:   conn,
	}
}

// Close releases the netlink socket. Run closes it on return; Close is
// for teardown when Run was never started.
func (m *Monitor) Close() error {
	return m.conn.Close()
}

// Setup resolves the nl80211 family, joins the mlme multicast group and
// probes the current interface state. Resolution and the probe run
// under one deadline so a wedged kernel surfaces as a startup failure
// instead of a hang.
func (m *Monitor) Setup() error {
	if err := m.conn.SetReadDeadline(time.Now().Add(nl.SetupTimeout)); err != nil {
		return &nl.ProtocolError{Op: "set setup deadline", Reason: err.Error()}
	}

	family, err := m.conn.GetFamily(familyName)
	if err != nil {
		return nl.Classify("resolve nl80211 family", err)
	}
	m.family = family.ID

	var groupID uint32
	found := false
	for _, g := range family.Groups {
		if g.Name == groupMLME {
			groupID = g.ID
			found = true
			break
		}
	}
	if !found {
		return &nl.ProtocolError{Op: "resolve nl80211 family", Reason: "no mlme multicast group"}
	}
	if err := m.conn.JoinGroup(groupID); err != nil {
		return nl.Classify("join mlme group", err)
	}

	if err := m.probe(); err != nil {
		return err
	}

	// The event loop blocks indefinitely and is unblocked explicitly
	// on shutdown, so the deadline is cleared here.
	if err := m.conn.SetReadDeadline(time.Time{}); err != nil {
		return &nl.ProtocolError{Op: "clear setup deadline", Reason: err.Error()}
	}
	return nil
}

// probe dumps all wireless interfaces and resolves the configured one.
// A daemon restarted while already associated reconciles immediately
// instead of waiting for the next roam.
func (m *Monitor) probe() error {
	req := genetlink.Message{
		Header: genetlink.Header{Command: unix.NL80211_CMD_GET_INTERFACE},
	}
	replies, err := m.conn.Execute(req, m.family, netlink.Request|netlink.Dump)
	if err != nil {
		return nl.Classify("interface dump", err)
	}

	for _, reply := range replies {
		if reply.Header.Command != unix.NL80211_CMD_NEW_INTERFACE {
			continue
		}
		info, err := parseIfaceInfo(reply.Data)
		if err != nil {
			m.logger.Warn("malformed interface record", "error", err)
			continue
		}
		if info.Name != m.cfg.WifiInterface {
			continue
		}
		m.ifindex = info.Index
		m.logger.Info("resolved wifi interface", "name", info.Name, "ifindex", info.Index)
		if info.HasSSID {
			m.classify(info.SSID)
		}
		return nil
	}

	m.logger.Warn("wifi interface not found, waiting for it to appear",
		"name", m.cfg.WifiInterface)
	return nil
}

// Run consumes the event stream until ctx is cancelled or the socket is
// lost. Socket loss is terminal: it is logged loudly and the monitor
// does not restart itself.
func (m *Monitor) Run(ctx context.Context) {
	defer m.conn.Close()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			nl.Unblock(m.conn)
		case <-watchDone:
		}
	}()

	for {
		msgs, _, err := m.conn.Receive()
		if err != nil {
			if ctx.Err() != nil {
				m.logger.Debug("event stream closed on shutdown")
				return
			}
			m.logger.Error("event stream lost, wifi monitoring stopped", "error", err)
			return
		}
		for _, msg := range msgs {
			m.handle(msg)
		}
	}
}

// handle dispatches one nl80211 message. The kernel multicasts plenty
// of commands this daemon does not track; those fall through silently.
func (m *Monitor) handle(msg genetlink.Message) {
	switch msg.Header.Command {
	case unix.NL80211_CMD_CONNECT:
		metrics.Get().RecordWifiEvent("connect")
		m.onConnect(msg)
	case unix.NL80211_CMD_DISCONNECT:
		metrics.Get().RecordWifiEvent("disconnect")
		m.onDisconnect()
	case unix.NL80211_CMD_NEW_INTERFACE:
		metrics.Get().RecordWifiEvent("new_interface")
		m.onNewInterface(msg)
	}
}

// onConnect adopts the interface index if none is cached yet and kicks
// off the network name query. Connects on a different interface are
// ignored: only the configured interface is tracked.
func (m *Monitor) onConnect(msg genetlink.Message) {
	info, err := parseIfaceInfo(msg.Data)
	if err != nil {
		m.logger.Warn("malformed connect event", "error", err)
		return
	}
	if info.Index == 0 {
		m.logger.Debug("connect event without interface index")
		return
	}

	switch {
	case m.ifindex == 0:
		m.ifindex = info.Index
		m.logger.Info("tracking interface", "ifindex", m.ifindex)
	case info.Index != m.ifindex:
		m.logger.Debug("ignoring connect on foreign interface", "ifindex", info.Index)
		return
	}

	if err := m.querySSID(); err != nil {
		m.logger.Error("ssid query failed", "error", err)
		return
	}
	m.setState(stateResolving)
}

// onDisconnect publishes Disable unconditionally: no network is never a
// trusted network.
func (m *Monitor) onDisconnect() {
	m.logger.Info("wifi disconnected")
	m.publish(events.SignalDisable)
	m.setState(stateUnassociated)
}

// onNewInterface classifies the network name carried by an interface
// message. These arrive both as replies to querySSID and as spontaneous
// events; records without a name are ignored with a diagnostic.
func (m *Monitor) onNewInterface(msg genetlink.Message) {
	info, err := parseIfaceInfo(msg.Data)
	if err != nil {
		m.logger.Warn("malformed interface message", "error", err)
		return
	}

	if info.Index != 0 {
		switch {
		case m.ifindex == 0:
			m.ifindex = info.Index
		case info.Index != m.ifindex:
			m.logger.Debug("ignoring interface message for foreign interface", "ifindex", info.Index)
			return
		}
	}

	if !info.HasSSID {
		m.logger.Debug("interface message without ssid", "ifindex", info.Index)
		return
	}
	m.classify(info.SSID)
}

// querySSID asks the kernel for the tracked interface's current state.
// The reply is a NewInterface message picked up by the main receive
// loop alongside multicast events.
func (m *Monitor) querySSID() error {
	ae := netlink.NewAttributeEncoder()
	ae.Uint32(unix.NL80211_ATTR_IFINDEX, m.ifindex)
	data, err := ae.Encode()
	if err != nil {
		return &nl.ProtocolError{Op: "encode ssid query", Reason: err.Error()}
	}

	msg := genetlink.Message{
		Header: genetlink.Header{Command: unix.NL80211_CMD_GET_INTERFACE},
		Data:   data,
	}
	if _, err := m.conn.Send(msg, m.family, netlink.Request); err != nil {
		return nl.Classify("ssid query", err)
	}
	return nil
}

func (m *Monitor) classify(ssid string) {
	known := m.cfg.IsKnownNetwork(ssid)
	sig := Decide(m.cfg, ssid)
	m.logger.Info("network classified",
		"ssid", ssid, "known", known, "decision", sig.String())
	m.publish(sig)
	m.setState(stateAssociated)
}

func (m *Monitor) publish(sig events.Signal) {
	metrics.Get().RecordTransition(sig.String())
	if err := m.bus.Publish(sig); err != nil {
		m.logger.Warn("publish failed", "signal", sig.String(), "error", err)
	}
}

func (m *Monitor) setState(s state) {
	if m.state == s {
		return
	}
	m.logger.Debug("state change", "from", m.state.String(), "to", s.String())
	m.state = s
}

// Decide maps a network name onto a tunnel decision: networks on the
// known list are trusted, so the tunnel is disabled on them and forced
// everywhere else.
func Decide(cfg *config.Config, ssid string) events.Signal {
	if cfg.IsKnownNetwork(ssid) {
		return events.SignalDisable
	}
	return events.SignalEnable
}

// ifaceInfo is the subset of interface attributes the monitor reads.
type ifaceInfo struct {
	Index   uint32
	Name    string
	SSID    string
	HasSSID bool
}

func parseIfaceInfo(data []byte) (ifaceInfo, error) {
	ad, err := netlink.NewAttributeDecoder(data)
	if err != nil {
		return ifaceInfo{}, &nl.ProtocolError{Op: "parse interface attrs", Reason: err.Error()}
	}

	var info ifaceInfo
	for ad.Next() {
		switch ad.Type() {
		case unix.NL80211_ATTR_IFINDEX:
			info.Index = ad.Uint32()
		case unix.NL80211_ATTR_IFNAME:
			info.Name = ad.String()
		case unix.NL80211_ATTR_SSID:
			info.SSID = decodeSSID(ad.Bytes())
			info.HasSSID = true
		}
	}
	if err := ad.Err(); err != nil {
		return ifaceInfo{}, &nl.ProtocolError{Op: "parse interface attrs", Reason: err.Error()}
	}
	return info, nil
}

// decodeSSID renders raw SSID bytes permissively. Network names are
// arbitrary byte strings and may carry invalid UTF-8.
func decodeSSID(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}
