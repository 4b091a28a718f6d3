// Package metrics exports connection table events and pipeline counters to
// Prometheus.
package metrics

import (
	"strings"
	"unicode"

	"github.com/irctrakz/wgconntrack/pkg/conntrack"
	"github.com/irctrakz/wgconntrack/pkg/tcptrack"
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric name.
const Namespace = "wgconntrack"

// Metrics holds the table event metrics. It implements conntrack.Observer.
type Metrics struct {
	Packets      *prometheus.CounterVec
	Created      prometheus.Counter
	Destroyed    *prometheus.CounterVec
	Transitions  *prometheus.CounterVec
	Expectations prometheus.Counter
}

// NewMetrics creates unregistered table metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "packets_total",
			Help:      "Packets seen by the connection table, by verdict",
		}, []string{"verdict"}),
		Created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "connections_created_total",
			Help:      "Connections inserted into the table",
		}),
		Destroyed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "connections_destroyed_total",
			Help:      "Connections removed from the table, by reason",
		}, []string{"reason"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "state_transitions_total",
			Help:      "TCP state changes of tracked connections",
		}, []string{"from", "to"}),
		Expectations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "expectations_matched_total",
			Help:      "Expectations satisfied by a packet",
		}),
	}
}

// Collectors returns every collector held by m.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.Packets, m.Created, m.Destroyed, m.Transitions, m.Expectations}
}

// Register registers m with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) EntryCreated(*conntrack.Entry) { m.Created.Inc() }

func (m *Metrics) EntryDestroyed(_ *conntrack.Entry, r conntrack.Reason) {
	m.Destroyed.WithLabelValues(r.String()).Inc()
}

func (m *Metrics) StateChanged(_ *conntrack.Entry, from, to tcptrack.State) {
	m.Transitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *Metrics) PacketVerdict(v conntrack.Verdict) {
	m.Packets.WithLabelValues(v.String()).Inc()
}

func (m *Metrics) ExpectationMatched(*conntrack.Expectation) { m.Expectations.Inc() }

var _ conntrack.Observer = (*Metrics)(nil)

// TableSize returns a gauge reporting t.Len at scrape time.
func TableSize(t interface{ Len() int }) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "connections",
		Help:      "Connections currently tracked",
	}, func() float64 { return float64(t.Len()) })
}

// CounterMap exposes a map of monotonically increasing counters, such as
// the Metrics method of the dispatcher or router, as Prometheus counters
// under Namespace_subsystem_<key>_total. Keys may be camelCase or
// snake_case. The key set may change between scrapes, so the collector is
// unchecked.
type CounterMap struct {
	subsystem string
	fn        func() map[string]uint64
}

// NewCounterMap creates a collector reading fn on every scrape.
func NewCounterMap(subsystem string, fn func() map[string]uint64) *CounterMap {
	return &CounterMap{subsystem: subsystem, fn: fn}
}

// Describe sends nothing.
func (c *CounterMap) Describe(chan<- *prometheus.Desc) {}

// Collect emits one counter per key.
func (c *CounterMap) Collect(ch chan<- prometheus.Metric) {
	for k, v := range c.fn() {
		name := prometheus.BuildFQName(Namespace, c.subsystem, snake(k)+"_total")
		desc := prometheus.NewDesc(name, c.subsystem+" counter "+k, nil, nil)
		m, err := prometheus.NewConstMetric(desc, prometheus.CounterValue, float64(v))
		if err != nil {
			continue
		}
		ch <- m
	}
}

func snake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
