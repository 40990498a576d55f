package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "deviceproxy"

// Metrics owns a private registry so tests can build as many as they like.
// All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	historyAppends   *prometheus.CounterVec
	historyEvictions *prometheus.CounterVec
	historyDropped   *prometheus.CounterVec
	archiveWrites    *prometheus.CounterVec

	proxyCalls    *prometheus.CounterVec
	proxyDuration *prometheus.HistogramVec
	proxyPending  prometheus.Gauge

	discoveries      *prometheus.CounterVec
	resolverLookups  *prometheus.CounterVec
	devicesConnected prometheus.Gauge
	wsClients        prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		historyAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "appends_total",
			Help:      "History entries appended, by category",
		}, []string{"category"}),
		historyEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "evictions_total",
			Help:      "History entries evicted by retention, by category",
		}, []string{"category"}),
		historyDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "dropped_total",
			Help:      "History entries not stored or not archived, by reason",
		}, []string{"reason"}),
		archiveWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "writes_total",
			Help:      "Archive batch writes, by result",
		}, []string{"result"}),
		proxyCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "calls_total",
			Help:      "Proxied calls, by kind and outcome",
		}, []string{"kind", "outcome"}),
		proxyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "call_duration_seconds",
			Help:      "Duration of proxied calls",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"kind"}),
		proxyPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "pending_calls",
			Help:      "Calls waiting for a device response",
		}),
		discoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schema",
			Name:      "discoveries_total",
			Help:      "Schema discovery passes, by result",
		}, []string{"result"}),
		resolverLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "lookups_total",
			Help:      "Fuzzy path lookups, by cache result",
		}, []string{"result"}),
		devicesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "devices",
			Name:      "connected",
			Help:      "Devices currently connected",
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "clients",
			Help:      "Connected websocket topic subscribers",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.historyAppends, m.historyEvictions, m.historyDropped, m.archiveWrites,
		m.proxyCalls, m.proxyDuration, m.proxyPending,
		m.discoveries, m.resolverLookups, m.devicesConnected, m.wsClients,
	)
	return m
}

// Registry exposes the underlying registry, e.g. for tests gathering values.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) HistoryAppended(category string) {
	if m != nil {
		m.historyAppends.WithLabelValues(category).Inc()
	}
}

func (m *Metrics) HistoryEvicted(category string, n int) {
	if m != nil && n > 0 {
		m.historyEvictions.WithLabelValues(category).Add(float64(n))
	}
}

func (m *Metrics) HistoryDropped(reason string) {
	if m != nil {
		m.historyDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ArchiveWrite(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.archiveWrites.WithLabelValues("ok").Inc()
	} else {
		m.archiveWrites.WithLabelValues("error").Inc()
	}
}

func (m *Metrics) CallFinished(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.proxyCalls.WithLabelValues(kind, outcome).Inc()
	m.proxyDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) PendingCalls(delta int) {
	if m != nil {
		m.proxyPending.Add(float64(delta))
	}
}

func (m *Metrics) Discovery(result string) {
	if m != nil {
		m.discoveries.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ResolverLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.resolverLookups.WithLabelValues("hit").Inc()
	} else {
		m.resolverLookups.WithLabelValues("miss").Inc()
	}
}

func (m *Metrics) SetDevicesConnected(n int) {
	if m != nil {
		m.devicesConnected.Set(float64(n))
	}
}

func (m *Metrics) WebsocketClients(delta int) {
	if m != nil {
		m.wsClients.Add(float64(delta))
	}
}
