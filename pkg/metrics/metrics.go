package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/acctd/pkg/engine"
	"github.com/codelaboratoryltd/acctd/pkg/persist"
)

// SessionCounter reports the number of live sessions.
type SessionCounter interface {
	Count() int
}

// HealthReporter reports the persistence queues.
type HealthReporter interface {
	Health() []persist.Health
}

// StatsReporter reports the engine counters.
type StatsReporter interface {
	Stats() engine.Stats
}

// Sources are polled by Collect. Nil sources are skipped.
type Sources struct {
	Ledger  SessionCounter
	Persist HealthReporter
	Engine  StatsReporter
}

// Metrics holds all Prometheus metrics
type Metrics struct {
	// RADIUS metrics
	packetsTotal      *prometheus.CounterVec
	decodeErrorsTotal *prometheus.CounterVec
	accountingLatency prometheus.Histogram

	// Ledger metrics
	eventsTotal         *prometheus.CounterVec
	sessionsClosedTotal *prometheus.CounterVec
	staleClosuresTotal  prometheus.Counter
	liveSessions        prometheus.Gauge

	// Persistence metrics
	persistBacklog      *prometheus.GaugeVec
	persistDroppedTotal *prometheus.CounterVec
	persistDegraded     *prometheus.GaugeVec
	persistBreakerState *prometheus.GaugeVec

	sources Sources
	logger  *zap.Logger

	// last polled values for delta calculation
	mu          sync.Mutex
	lastStale   uint64
	lastDropped map[string]uint64
}

// New creates a new Metrics instance
func New(sources Sources, logger *zap.Logger) *Metrics {
	return &Metrics{
		sources:     sources,
		logger:      logger,
		lastDropped: make(map[string]uint64),

		packetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acctd_radius_packets_total",
				Help: "Total RADIUS datagrams by code and result",
			},
			[]string{"code", "result"},
		),

		decodeErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acctd_radius_decode_errors_total",
				Help: "Total datagrams rejected by the decoder by kind",
			},
			[]string{"kind"},
		),

		accountingLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "acctd_accounting_latency_seconds",
				Help:    "Time from datagram receipt to Accounting-Response",
				Buckets: []float64{.00005, .0001, .0005, .001, .005, .01, .05, .1, .5},
			},
		),

		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acctd_ledger_events_total",
				Help: "Total accounting events by status type and outcome",
			},
			[]string{"type", "outcome"},
		),

		sessionsClosedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acctd_sessions_closed_total",
				Help: "Total closed sessions by terminate cause",
			},
			[]string{"cause"},
		),

		staleClosuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "acctd_stale_closures_total",
				Help: "Total sessions closed by the idle sweep",
			},
		),

		liveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "acctd_live_sessions",
				Help: "Number of live sessions in the ledger",
			},
		),

		persistBacklog: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "acctd_persist_queue_depth",
				Help: "Records waiting to be written per sink",
			},
			[]string{"sink"},
		),

		persistDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acctd_persist_dropped_total",
				Help: "Records dropped from a full queue per sink",
			},
			[]string{"sink"},
		),

		persistDegraded: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "acctd_persist_degraded",
				Help: "1 while a sink has dropped records that are not yet caught up",
			},
			[]string{"sink"},
		),

		persistBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "acctd_persist_breaker_state",
				Help: "Circuit breaker state per sink (0 closed, 1 half-open, 2 open)",
			},
			[]string{"sink"},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.packetsTotal,
		m.decodeErrorsTotal,
		m.accountingLatency,
		m.eventsTotal,
		m.sessionsClosedTotal,
		m.staleClosuresTotal,
		m.liveSessions,
		m.persistBacklog,
		m.persistDroppedTotal,
		m.persistDegraded,
		m.persistBreakerState,
	}
}

// Register registers all metrics with reg, or with the default registerer
// when reg is nil.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			// Ignore already registered errors
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// ObservePacket records one datagram outcome.
func (m *Metrics) ObservePacket(code, result string) {
	m.packetsTotal.WithLabelValues(code, result).Inc()
}

// ObserveDecodeError records a decoder rejection.
func (m *Metrics) ObserveDecodeError(kind string) {
	m.decodeErrorsTotal.WithLabelValues(kind).Inc()
}

// ObserveAccountingLatency records the handling time of an
// Accounting-Request.
func (m *Metrics) ObserveAccountingLatency(d time.Duration) {
	m.accountingLatency.Observe(d.Seconds())
}

// ObserveEvent records a ledger outcome.
func (m *Metrics) ObserveEvent(eventType, outcome string) {
	m.eventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// ObserveClosed records closed sessions.
func (m *Metrics) ObserveClosed(cause string, n int) {
	if cause == "" {
		cause = "unknown"
	}
	m.sessionsClosedTotal.WithLabelValues(cause).Add(float64(n))
}

// Handler returns the Prometheus HTTP handler for g, or for the default
// gatherer when g is nil.
func (m *Metrics) Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// SetEngine attaches the engine counters after construction, since the
// engine takes the Metrics as its observer.
func (m *Metrics) SetEngine(e StatsReporter) {
	m.mu.Lock()
	m.sources.Engine = e
	m.mu.Unlock()
}

// Collect updates the gauges and polled counters from the sources.
func (m *Metrics) Collect() {
	if m.sources.Ledger != nil {
		m.liveSessions.Set(float64(m.sources.Ledger.Count()))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sources.Engine != nil {
		stale := m.sources.Engine.Stats().StaleClosures
		if stale > m.lastStale {
			m.staleClosuresTotal.Add(float64(stale - m.lastStale))
		}
		m.lastStale = stale
	}

	if m.sources.Persist != nil {
		for _, h := range m.sources.Persist.Health() {
			m.persistBacklog.WithLabelValues(h.Sink).Set(float64(h.Backlog))
			if last := m.lastDropped[h.Sink]; h.Dropped > last {
				m.persistDroppedTotal.WithLabelValues(h.Sink).Add(float64(h.Dropped - last))
			}
			m.lastDropped[h.Sink] = h.Dropped
			m.persistDegraded.WithLabelValues(h.Sink).Set(boolGauge(h.Degraded))
			m.persistBreakerState.WithLabelValues(h.Sink).Set(breakerGauge(h.Breaker))
		}
	}
}

// StartCollector collects on a ticker until stopCh is closed.
func (m *Metrics) StartCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.Collect()
		}
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func breakerGauge(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
