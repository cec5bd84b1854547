package telemetry

import (
	"net/http"
	"time"

	metrics "github.com/armon/go-metrics"
	metricsprom "github.com/armon/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const ServiceName = "pricefeed"

// Metric keys.
var (
	KeyJobRequests   = []string{"job", "requests"}
	KeyJobRunErrors  = []string{"job", "run_errors"}
	KeyCallbacks     = []string{"callback", "received"}
	KeyCallbackBusy  = []string{"callback", "busy"}
	KeySubmissions   = []string{"submission", "broadcasts"}
	KeySubmitted     = []string{"submission", "confirmed"}
	KeySubmitAborted = []string{"submission", "aborted"}
	KeySequence      = []string{"account", "sequence"}
	KeyRound         = []string{"feed", "round"}
	KeyChainPrice    = []string{"feed", "chain_price"}
	KeyCycleTime     = []string{"feed", "cycle_ms"}
	KeyCyclePanics   = []string{"feed", "cycle_panics"}
)

// Metrics installs the global go-metrics sink and exposes it in Prometheus format.
type Metrics struct {
	registry *prometheus.Registry
	sink     *metricsprom.PrometheusSink
}

func New() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	sink, err := metricsprom.NewPrometheusSinkFrom(metricsprom.PrometheusOpts{
		Expiration: 10 * time.Minute,
		Registerer: registry,
	})
	if err != nil {
		return nil, err
	}

	cfg := metrics.DefaultConfig(ServiceName)
	cfg.EnableHostname = false
	cfg.EnableRuntimeMetrics = false
	if _, err := metrics.NewGlobal(cfg, sink); err != nil {
		return nil, err
	}

	return &Metrics{registry: registry, sink: sink}, nil
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func feedLabel(feed string) []metrics.Label {
	return []metrics.Label{{Name: "feed", Value: feed}}
}

func IncrCounter(feed string, key []string) {
	metrics.IncrCounterWithLabels(key, 1, feedLabel(feed))
}

func IncrCounterWithReason(feed, reason string, key []string) {
	metrics.IncrCounterWithLabels(key, 1, append(feedLabel(feed), metrics.Label{Name: "reason", Value: reason}))
}

func SetGauge(feed string, key []string, val float32) {
	metrics.SetGaugeWithLabels(key, val, feedLabel(feed))
}

func MeasureSince(feed string, key []string, start time.Time) {
	metrics.MeasureSinceWithLabels(key, start, feedLabel(feed))
}

func SetAccountSequence(seq uint64) {
	metrics.SetGauge(KeySequence, float32(seq))
}
