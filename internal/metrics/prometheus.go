package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all daemon metrics.
type Registry struct {
	// Decision metrics
	Transitions *prometheus.CounterVec
	Resyncs     prometheus.Counter

	// WiFi monitor metrics
	WifiEvents *prometheus.CounterVec

	// Policy rule metrics
	RuleOperations *prometheus.CounterVec

	// WireGuard metrics
	PortRotations      prometheus.Counter
	PortRotationErrors prometheus.Counter

	// DNS routing metrics
	DNSUpdates *prometheus.CounterVec

	// Journal metrics
	JournalWrites *prometheus.CounterVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roamd_transitions_total",
		Help: "Total tunnel policy decisions published",
	}, []string{"decision"})

	r.Resyncs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roamd_resyncs_total",
		Help: "Total manual state resyncs triggered via SIGHUP",
	})

	r.WifiEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roamd_wifi_events_total",
		Help: "Total nl80211 events handled by the WiFi monitor",
	}, []string{"event"})

	r.RuleOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roamd_rule_operations_total",
		Help: "Total policy rule mutations against the kernel",
	}, []string{"family", "op", "result"})

	r.PortRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roamd_port_rotations_total",
		Help: "Total WireGuard listen port rotations",
	})

	r.PortRotationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roamd_port_rotation_errors_total",
		Help: "Total failed WireGuard listen port rotations",
	})

	r.DNSUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roamd_dns_updates_total",
		Help: "Total DNS routing domain updates sent to systemd-networkd",
	}, []string{"result"})

	r.JournalWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roamd_journal_writes_total",
		Help: "Total transition journal flushes",
	}, []string{"result"})

	return r
}

// RecordTransition records a published tunnel decision.
func (r *Registry) RecordTransition(decision string) {
	r.Transitions.WithLabelValues(decision).Inc()
}

// RecordWifiEvent records one handled nl80211 event.
func (r *Registry) RecordWifiEvent(event string) {
	r.WifiEvents.WithLabelValues(event).Inc()
}

// RecordRuleOp records a policy rule mutation and its outcome.
func (r *Registry) RecordRuleOp(family, op, result string) {
	r.RuleOperations.WithLabelValues(family, op, result).Inc()
}

// RecordPortRotation records a listen port rotation attempt.
func (r *Registry) RecordPortRotation(err error) {
	if err != nil {
		r.PortRotationErrors.Inc()
		return
	}
	r.PortRotations.Inc()
}

// RecordDNSUpdate records a systemd-networkd domain update attempt.
func (r *Registry) RecordDNSUpdate(err error) {
	if err != nil {
		r.DNSUpdates.WithLabelValues("error").Inc()
		return
	}
	r.DNSUpdates.WithLabelValues("ok").Inc()
}

// RecordJournalWrite records a journal flush attempt.
func (r *Registry) RecordJournalWrite(err error) {
	if err != nil {
		r.JournalWrites.WithLabelValues("error").Inc()
		return
	}
	r.JournalWrites.WithLabelValues("ok").Inc()
}

// TrackBus exposes hub publish statistics as counter functions. Safe to
// call more than once in a process; duplicate registrations are ignored.
func (r *Registry) TrackBus(stats func() (published, dropped uint64)) {
	published := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "roamd_signals_published_total",
		Help: "Total signals delivered to at least one subscriber",
	}, func() float64 {
		p, _ := stats()
		return float64(p)
	})
	dropped := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "roamd_signals_dropped_total",
		Help: "Total signal deliveries dropped on full subscriber channels",
	}, func() float64 {
		_, d := stats()
		return float64(d)
	})
	register(published)
	register(dropped)
}

// TrackUptime exposes the time since start as a gauge function. Safe to
// call more than once in a process.
func (r *Registry) TrackUptime(start time.Time, since func(time.Time) time.Duration) {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "roamd_uptime_seconds",
		Help: "Seconds since the daemon started",
	}, func() float64 {
		return since(start).Seconds()
	})
	register(g)
}

func register(c prometheus.Collector) {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			panic(err)
		}
	}
}
