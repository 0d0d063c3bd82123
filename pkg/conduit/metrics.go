package conduit

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/albertbausili/conduit/internal/resource"
)

// Default histogram buckets for exchange latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds the Prometheus collectors of a Server.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsActive prometheus.Gauge
	ConnectionsClosed *prometheus.CounterVec
	ExchangesInFlight prometheus.Gauge
	ExchangesTotal    *prometheus.CounterVec
	ExchangeDuration  *prometheus.HistogramVec
	ResponseBytes     *prometheus.CounterVec
	Compressed        *prometheus.CounterVec
	Upgrades          prometheus.Counter
	ZombieReports     *prometheus.CounterVec
	LiveHandles       *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them on reg, or on a
// fresh registry when reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		Registry: reg,

		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conduit_connections_active",
			Help: "Connections currently being served.",
		}),
		ConnectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_connections_closed_total",
			Help: "Closed connections by negotiated version and outcome.",
		}, []string{"version", "result"}),
		ExchangesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conduit_exchanges_in_flight",
			Help: "Exchanges handed to the host and not yet finished.",
		}),
		ExchangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_exchanges_total",
			Help: "Finished exchanges by version and status code.",
		}, []string{"version", "status_code"}),
		ExchangeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conduit_exchange_duration_seconds",
			Help:    "Time from request head to the end of the response.",
			Buckets: defaultBuckets,
		}, []string{"version"}),
		ResponseBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_response_body_bytes_total",
			Help: "Response body bytes written by the host, before compression.",
		}, []string{"version"}),
		Compressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_compressed_responses_total",
			Help: "Responses compressed by the server, by content-coding.",
		}, []string{"encoding"}),
		Upgrades: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conduit_upgrades_total",
			Help: "Accepted protocol upgrades.",
		}),
		ZombieReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_zombie_reports_total",
			Help: "Leaked resources found by the zombie sweep, by kind and whether they were reaped.",
		}, []string{"kind", "closed"}),
		LiveHandles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conduit_live_handles",
			Help: "Handles currently allocated in the resource table.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.ConnectionsActive,
		m.ConnectionsClosed,
		m.ExchangesInFlight,
		m.ExchangesTotal,
		m.ExchangeDuration,
		m.ResponseBytes,
		m.Compressed,
		m.Upgrades,
		m.ZombieReports,
		m.LiveHandles,
	)
	return m
}

// Observe tracks live handles from resource table events.
func (m *Metrics) Observe(ev resource.Event) {
	switch ev.Type {
	case resource.EventAllocated:
		m.LiveHandles.WithLabelValues(ev.Kind.String()).Inc()
	case resource.EventReleased:
		m.LiveHandles.WithLabelValues(ev.Kind.String()).Dec()
	}
}

// ExchangeStarted implements the exchange observer.
func (m *Metrics) ExchangeStarted(ctx context.Context, _ *Request) context.Context {
	m.ExchangesInFlight.Inc()
	return ctx
}

// ExchangeFinished implements the exchange observer.
func (m *Metrics) ExchangeFinished(_ context.Context, req *Request, res Result) {
	m.ExchangesInFlight.Dec()
	version := req.Proto.String()
	m.ExchangesTotal.WithLabelValues(version, strconv.Itoa(res.Status)).Inc()
	m.ExchangeDuration.WithLabelValues(version).Observe(res.Duration.Seconds())
	m.ResponseBytes.WithLabelValues(version).Add(float64(res.Written))
	if res.Encoding != "" {
		m.Compressed.WithLabelValues(string(res.Encoding)).Inc()
	}
	if res.Upgraded {
		m.Upgrades.Inc()
	}
}

func (m *Metrics) connState(info ConnInfo, state ConnState, err error) {
	switch state {
	case StateAccepted:
		m.ConnectionsActive.Inc()
	case StateClosed:
		m.ConnectionsActive.Dec()
		result := "ok"
		if err != nil {
			result = "error"
			if k := KindOf(err); k != 0 {
				result = k.String()
			}
		}
		m.ConnectionsClosed.WithLabelValues(info.Version.String(), result).Inc()
	}
}

func (m *Metrics) zombieReport(r ZombieReport) {
	m.ZombieReports.WithLabelValues(r.Kind.String(), strconv.FormatBool(r.Closed)).Inc()
}
