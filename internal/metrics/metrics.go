package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors exported by vaultctl.
// All methods are safe to call on a nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	RefreshTotal    *prometheus.CounterVec
	RefreshDuration prometheus.Histogram
	RefreshVersion  prometheus.Gauge
	ReadFailures    *prometheus.CounterVec
	StaleWarnings   *prometheus.CounterVec
	TxTransitions   *prometheus.CounterVec
	TxOutcomes      *prometheus.CounterVec
	VaultNAV        *prometheus.GaugeVec
	VaultValueUSD   *prometheus.GaugeVec
	PortfolioTVL    prometheus.Gauge
	PositionValue   prometheus.Gauge
}

// New registers every collector on a dedicated registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RefreshTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultctl_refresh_total",
			Help: "Refresh cycles by outcome.",
		}, []string{"status"}),
		RefreshDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "vaultctl_refresh_duration_seconds",
			Help:    "Wall time of a full aggregation refresh.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		RefreshVersion: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vaultctl_refresh_version",
			Help: "Version of the currently published portfolio view.",
		}),
		ReadFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultctl_read_failures_total",
			Help: "Individual contract reads that failed and were replaced by defaults.",
		}, []string{"method"}),
		StaleWarnings: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultctl_stale_data_warnings_total",
			Help: "Integrity cross-checks that disagreed.",
		}, []string{"kind"}),
		TxTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultctl_tx_transitions_total",
			Help: "Transaction state machine transitions.",
		}, []string{"action", "state"}),
		TxOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultctl_tx_outcomes_total",
			Help: "Finished transaction actions by outcome.",
		}, []string{"action", "outcome"}),
		VaultNAV: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vaultctl_vault_nav_per_share",
			Help: "NAV per share in base asset units.",
		}, []string{"vault"}),
		VaultValueUSD: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vaultctl_vault_value_usd",
			Help: "USD value of all vault holdings.",
		}, []string{"vault"}),
		PortfolioTVL: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vaultctl_tvl_usd",
			Help: "Sum of all vault values in USD.",
		}),
		PositionValue: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vaultctl_position_value_usd",
			Help: "Value of the configured actor's positions in USD.",
		}),
	}
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRefresh(status string, seconds float64) {
	if m == nil {
		return
	}
	m.RefreshTotal.WithLabelValues(status).Inc()
	m.RefreshDuration.Observe(seconds)
}

func (m *Metrics) SetVersion(v uint64) {
	if m == nil {
		return
	}
	m.RefreshVersion.Set(float64(v))
}

func (m *Metrics) ReadFailed(method string) {
	if m == nil {
		return
	}
	m.ReadFailures.WithLabelValues(method).Inc()
}

func (m *Metrics) StaleData(kind string) {
	if m == nil {
		return
	}
	m.StaleWarnings.WithLabelValues(kind).Inc()
}

func (m *Metrics) TxTransition(action, state string) {
	if m == nil {
		return
	}
	m.TxTransitions.WithLabelValues(action, state).Inc()
}

func (m *Metrics) TxOutcome(action, outcome string) {
	if m == nil {
		return
	}
	m.TxOutcomes.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) SetVault(vault string, nav, valueUSD float64) {
	if m == nil {
		return
	}
	m.VaultNAV.WithLabelValues(vault).Set(nav)
	m.VaultValueUSD.WithLabelValues(vault).Set(valueUSD)
}

func (m *Metrics) SetTotals(tvl, positions float64) {
	if m == nil {
		return
	}
	m.PortfolioTVL.Set(tvl)
	m.PositionValue.Set(positions)
}
