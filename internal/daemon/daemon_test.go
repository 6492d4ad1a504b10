package daemon

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"grimm.is/roamd/internal/config"
	"grimm.is/roamd/internal/events"
	"grimm.is/roamd/internal/journal"
	"grimm.is/roamd/internal/logging"
	"grimm.is/roamd/internal/networkd"
	"grimm.is/roamd/internal/routing"
	"grimm.is/roamd/internal/vpn"
	"grimm.is/roamd/internal/wifi"

	_ "modernc.org/sqlite"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard})
}

func testConfig() *config.Config {
	return &config.Config{
		WifiInterface: "wlan0",
		VPNInterface:  "wg0",
		KnownNetworks: []string{"Home"},
		Fwmark:        100,
		RouteTable:    200,
		DNS:           &config.DNSConfig{Manage: true},
	}
}

// fakeRuleKernel keeps an in-memory policy rule table behind the
// reconciler's netlink surface.
type fakeRuleKernel struct {
	mu     sync.Mutex
	rules  map[ruleEntry]bool
	dumps  int
	adds   int
	closed bool
}

type ruleEntry struct {
	family uint8
	table  uint32
}

func newFakeRuleKernel() *fakeRuleKernel {
	return &fakeRuleKernel{rules: make(map[ruleEntry]bool)}
}

func (k *fakeRuleKernel) Execute(m netlink.Message) ([]netlink.Message, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	switch m.Header.Type {
	case unix.RTM_GETRULE:
		k.dumps++
		family := m.Data[0]
		var replies []netlink.Message
		for e := range k.rules {
			if e.family != family {
				continue
			}
			replies = append(replies, ruleRecord(e))
		}
		return replies, nil
	case unix.RTM_NEWRULE:
		k.adds++
		k.rules[parseRuleEntry(m.Data)] = true
		return nil, nil
	case unix.RTM_DELRULE:
		delete(k.rules, parseRuleEntry(m.Data))
		return nil, nil
	}
	return nil, nil
}

func (k *fakeRuleKernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.closed = true
	return nil
}

func (k *fakeRuleKernel) hasRule(family uint8, table uint32) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.rules[ruleEntry{family: family, table: table}]
}

func (k *fakeRuleKernel) ruleCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.rules)
}

func (k *fakeRuleKernel) dumpCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.dumps
}

func (k *fakeRuleKernel) addCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.adds
}

func ruleRecord(e ruleEntry) netlink.Message {
	b := make([]byte, 12)
	b[0] = e.family
	if e.table < 256 {
		b[4] = uint8(e.table)
	} else {
		b[4] = unix.RT_TABLE_COMPAT
	}
	b[7] = unix.FR_ACT_TO_TBL

	ae := netlink.NewAttributeEncoder()
	ae.Uint32(unix.FRA_TABLE, e.table)
	attrs, err := ae.Encode()
	if err != nil {
		panic(err)
	}

	return netlink.Message{
		Header: netlink.Header{Type: unix.RTM_NEWRULE},
		Data:   append(b, attrs...),
	}
}

func parseRuleEntry(data []byte) ruleEntry {
	e := ruleEntry{family: data[0], table: uint32(data[4])}
	ad, err := netlink.NewAttributeDecoder(data[12:])
	if err != nil {
		return e
	}
	for ad.Next() {
		if ad.Type() == unix.FRA_TABLE {
			e.table = ad.Uint32()
		}
	}
	return e
}

// fakeWifi scripts the monitor's generic netlink connection. Events fed
// into the events channel come out of Receive one at a time.
type fakeWifi struct {
	events    chan genetlink.Message
	unblock   chan struct{}
	familyErr error

	mu        sync.Mutex
	unblocked bool
	executes  int
	closed    bool
}

func newFakeWifi() *fakeWifi {
	return &fakeWifi{
		events:  make(chan genetlink.Message, 16),
		unblock: make(chan struct{}),
	}
}

func (f *fakeWifi) GetFamily(name string) (genetlink.Family, error) {
	if f.familyErr != nil {
		return genetlink.Family{}, f.familyErr
	}
	return genetlink.Family{
		ID:   28,
		Name: name,
		Groups: []genetlink.MulticastGroup{
			{ID: 3, Name: "mlme"},
		},
	}, nil
}

func (f *fakeWifi) JoinGroup(group uint32) error { return nil }

func (f *fakeWifi) Send(m genetlink.Message, family uint16, flags netlink.HeaderFlags) (netlink.Message, error) {
	return netlink.Message{}, nil
}

func (f *fakeWifi) Receive() ([]genetlink.Message, []netlink.Message, error) {
	select {
	case msg := <-f.events:
		return []genetlink.Message{msg}, nil, nil
	case <-f.unblock:
		return nil, nil, os.ErrDeadlineExceeded
	}
}

func (f *fakeWifi) Execute(m genetlink.Message, family uint16, flags netlink.HeaderFlags) ([]genetlink.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executes++
	return nil, nil
}

func (f *fakeWifi) SetReadDeadline(t time.Time) error {
	if t.IsZero() || t.After(time.Now()) {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.unblocked {
		f.unblocked = true
		close(f.unblock)
	}
	return nil
}

func (f *fakeWifi) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWifi) executeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.executes
}

func (f *fakeWifi) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// interfaceEvent builds an nl80211 NewInterface message carrying an
// interface index and network name.
func interfaceEvent(t *testing.T, index uint32, ssid string) genetlink.Message {
	t.Helper()
	ae := netlink.NewAttributeEncoder()
	ae.Uint32(unix.NL80211_ATTR_IFINDEX, index)
	ae.Bytes(unix.NL80211_ATTR_SSID, []byte(ssid))
	data, err := ae.Encode()
	require.NoError(t, err)
	return genetlink.Message{
		Header: genetlink.Header{Command: unix.NL80211_CMD_NEW_INTERFACE},
		Data:   data,
	}
}

// fakeWgClient records listen port configurations.
type fakeWgClient struct {
	mu    sync.Mutex
	ports []int
}

func (c *fakeWgClient) ConfigureDevice(name string, cfg wgtypes.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	port := -1
	if cfg.ListenPort != nil {
		port = *cfg.ListenPort
	}
	c.ports = append(c.ports, port)
	return nil
}

func (c *fakeWgClient) Device(name string) (*wgtypes.Device, error) {
	return &wgtypes.Device{Name: name, ListenPort: 51820}, nil
}

func (c *fakeWgClient) Close() error { return nil }

func (c *fakeWgClient) rotations() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.ports...)
}

// fakeBusObject answers the two networkd manager calls the DNS toggle
// makes. Domain updates are recorded as the number of domains set.
type fakeBusObject struct {
	mu         sync.Mutex
	domainSets []int
}

func (o *fakeBusObject) CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	switch method {
	case "org.freedesktop.network1.Manager.GetLinkByName":
		return &dbus.Call{Body: []interface{}{
			int32(7), dbus.ObjectPath("/org/freedesktop/network1/link/_37"),
		}}
	case "org.freedesktop.network1.Manager.SetLinkDomains":
		o.mu.Lock()
		defer o.mu.Unlock()
		o.domainSets = append(o.domainSets, reflect.ValueOf(args[1]).Len())
		return &dbus.Call{}
	}
	return &dbus.Call{Err: errors.New("unexpected method " + method)}
}

func (o *fakeBusObject) sets() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.domainSets...)
}

func testDaemon(cfg *config.Config, kernel *fakeRuleKernel, wc *fakeWifi, wgc *fakeWgClient, obj *fakeBusObject) *Daemon {
	logger := testLogger()
	d := &Daemon{
		cfg:    cfg,
		logger: logger.WithComponent("daemon"),
		bus:    events.NewBus(),
		start:  time.Now(),
	}
	d.reconciler = routing.NewReconcilerWithConn(cfg, logger, kernel)
	d.monitor = wifi.NewMonitorWithConn(cfg, logger, d.bus, wc)
	if wgc != nil {
		d.rotator = vpn.NewRotatorWithClient(cfg, logger, wgc)
	}
	if obj != nil {
		d.dns = networkd.NewToggleWithObject(cfg, logger, obj)
	}
	return d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitStopped(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
		return nil
	}
}

func drainSignals(ch <-chan events.Signal) []events.Signal {
	var got []events.Signal
	for {
		select {
		case s := <-ch:
			got = append(got, s)
		default:
			return got
		}
	}
}

func TestDaemon_ShutdownOrdering(t *testing.T) {
	kernel := newFakeRuleKernel()
	wc := newFakeWifi()
	wgc := &fakeWgClient{}
	obj := &fakeBusObject{}
	d := testDaemon(testConfig(), kernel, wc, wgc, obj)

	probe := d.bus.Subscribe(0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitFor(t, "monitor setup", func() bool { return wc.executeCount() > 0 })

	cancel()
	require.NoError(t, waitStopped(t, done))

	// Disable goes out strictly before Quit.
	assert.Equal(t, []events.Signal{events.SignalDisable, events.SignalQuit}, drainSignals(probe))

	// The reconciler handled the Disable (one existence check per
	// family) before the daemon finished.
	assert.GreaterOrEqual(t, kernel.dumpCount(), 2)
	assert.Zero(t, kernel.ruleCount())
	assert.True(t, kernel.closed)

	// The DNS toggle cleared its routing domain.
	sets := obj.sets()
	require.NotEmpty(t, sets)
	assert.Equal(t, 0, sets[len(sets)-1])

	assert.True(t, wc.isClosed())
}

func TestDaemon_EndToEnd(t *testing.T) {
	cfg := testConfig()
	kernel := newFakeRuleKernel()
	wc := newFakeWifi()
	wgc := &fakeWgClient{}
	obj := &fakeBusObject{}
	d := testDaemon(cfg, kernel, wc, wgc, obj)

	journalPath := filepath.Join(t.TempDir(), "journal.db")
	jrnl, err := journal.New(journalPath, testLogger())
	require.NoError(t, err)
	d.jrnl = jrnl

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitFor(t, "monitor setup", func() bool { return wc.executeCount() > 0 })

	// Joining an unknown network enables the tunnel: IPv4 rule only
	// (ipv6 off), routing domain set, exactly one port rotation.
	wc.events <- interfaceEvent(t, 3, "Office")
	waitFor(t, "ipv4 rule", func() bool { return kernel.hasRule(unix.AF_INET, 200) })
	assert.False(t, kernel.hasRule(unix.AF_INET6, 200))

	waitFor(t, "port rotation", func() bool { return len(wgc.rotations()) == 1 })
	assert.Equal(t, []int{0}, wgc.rotations())

	waitFor(t, "routing domain", func() bool {
		sets := obj.sets()
		return len(sets) > 0 && sets[len(sets)-1] == 1
	})

	// Roaming home disables it again: both families removed, no new
	// rotation.
	wc.events <- interfaceEvent(t, 3, "Home")
	waitFor(t, "rules removed", func() bool { return kernel.ruleCount() == 0 })
	assert.Equal(t, []int{0}, wgc.rotations())
	waitFor(t, "routing domain cleared", func() bool {
		sets := obj.sets()
		return sets[len(sets)-1] == 0
	})

	cancel()
	require.NoError(t, waitStopped(t, done))
	assert.Zero(t, kernel.ruleCount())

	// The journal captured the whole run, shutdown included.
	db, err := sql.Open("sqlite", journalPath)
	require.NoError(t, err)
	defer db.Close()

	rows, err := db.Query("SELECT signal FROM transitions ORDER BY id")
	require.NoError(t, err)
	defer rows.Close()

	var signals []string
	for rows.Next() {
		var s string
		require.NoError(t, rows.Scan(&s))
		signals = append(signals, s)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"enable", "disable", "disable", "quit"}, signals)
}

func TestDaemon_ResyncRepublishesLastDecision(t *testing.T) {
	cfg := testConfig()
	kernel := newFakeRuleKernel()
	wc := newFakeWifi()
	wgc := &fakeWgClient{}
	d := testDaemon(cfg, kernel, wc, wgc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitFor(t, "monitor setup", func() bool { return wc.executeCount() > 0 })

	// Nothing decided yet: resync has nothing to republish.
	d.Resync()
	published, _ := d.bus.Stats()
	assert.Zero(t, published)

	wc.events <- interfaceEvent(t, 3, "Cafe")
	waitFor(t, "first rotation", func() bool { return len(wgc.rotations()) == 1 })
	waitFor(t, "decision observed", func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.hasDecision
	})

	// Resync re-asserts the Enable: one more rotation, but the rule add
	// is not repeated.
	d.Resync()
	waitFor(t, "second rotation", func() bool { return len(wgc.rotations()) == 2 })
	waitFor(t, "rule reconverged", func() bool { return kernel.dumpCount() >= 2 })
	assert.Equal(t, 1, kernel.addCount())
	assert.True(t, kernel.hasRule(unix.AF_INET, 200))

	cancel()
	require.NoError(t, waitStopped(t, done))
}

func TestDaemon_MonitorSetupFailureShutsDownCleanly(t *testing.T) {
	kernel := newFakeRuleKernel()
	wc := newFakeWifi()
	wc.familyErr = errors.New("nl80211 not available")
	obj := &fakeBusObject{}
	d := testDaemon(testConfig(), kernel, wc, nil, obj)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	err := waitStopped(t, done)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wifi monitor setup")

	// The aborted startup still reverted state and released the
	// sockets.
	assert.GreaterOrEqual(t, kernel.dumpCount(), 2)
	assert.True(t, kernel.closed)
	assert.True(t, wc.isClosed())
	sets := obj.sets()
	require.NotEmpty(t, sets)
	assert.Equal(t, 0, sets[len(sets)-1])
}
