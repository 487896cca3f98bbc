package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusEmitter implements Emitter over a caller-supplied registry
type PrometheusEmitter struct {
	fetches       *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec
	cacheLookups  *prometheus.CounterVec
	scans         *prometheus.CounterVec
	scanDuration  prometheus.Histogram
	alertsByState *prometheus.CounterVec
}

// NewPrometheusEmitter registers the engine collectors on reg
func NewPrometheusEmitter(reg prometheus.Registerer) *PrometheusEmitter {
	e := &PrometheusEmitter{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autotrader_fetches_total",
			Help: "Data source fetches by source and outcome",
		}, []string{"source", "outcome"}),
		fetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autotrader_fetch_latency_seconds",
			Help:    "Data source fetch latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autotrader_cache_lookups_total",
			Help: "Cache lookups by source and outcome",
		}, []string{"source", "outcome"}),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autotrader_scans_total",
			Help: "Token scans by terminal status",
		}, []string{"status"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "autotrader_scan_duration_seconds",
			Help:    "End to end scan duration",
			Buckets: prometheus.DefBuckets,
		}),
		alertsByState: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autotrader_alerts_total",
			Help: "Alert lifecycle events by state and label",
		}, []string{"state", "label"}),
	}

	reg.MustRegister(e.fetches, e.fetchLatency, e.cacheLookups, e.scans, e.scanDuration, e.alertsByState)
	return e
}

func (e *PrometheusEmitter) FetchResult(source, outcome string, latency time.Duration) {
	e.fetches.WithLabelValues(source, outcome).Inc()
	e.fetchLatency.WithLabelValues(source).Observe(latency.Seconds())
}

func (e *PrometheusEmitter) CacheLookup(source, outcome string) {
	e.cacheLookups.WithLabelValues(source, outcome).Inc()
}

func (e *PrometheusEmitter) ScanCompleted(status string, duration time.Duration) {
	e.scans.WithLabelValues(status).Inc()
	e.scanDuration.Observe(duration.Seconds())
}

func (e *PrometheusEmitter) AlertEnqueued(severity string) {
	e.alertsByState.WithLabelValues("enqueued", severity).Inc()
}

func (e *PrometheusEmitter) AlertSuppressed(ruleID string) {
	e.alertsByState.WithLabelValues("suppressed", ruleID).Inc()
}

func (e *PrometheusEmitter) AlertDelivered(channel string) {
	e.alertsByState.WithLabelValues("delivered", channel).Inc()
}

func (e *PrometheusEmitter) AlertFailed(channel string) {
	e.alertsByState.WithLabelValues("failed", channel).Inc()
}
