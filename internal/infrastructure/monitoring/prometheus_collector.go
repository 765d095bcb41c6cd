package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.Metrics over Prometheus.
type PrometheusCollector struct {
	credentialCacheHits   *prometheus.CounterVec
	credentialCacheMisses prometheus.Counter
	credentialsIssued     *prometheus.CounterVec
	anomalyGuardTrips     *prometheus.CounterVec
	refreshRuns           *prometheus.CounterVec

	channelJoinDuration prometheus.Histogram
	sessionDuration     prometheus.Histogram
	debounceCoalesces   prometheus.Counter
	policyDisconnects   *prometheus.CounterVec
	sessionRecordWrites *prometheus.CounterVec
}

// NewPrometheusCollector registers and returns the collector.
func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		credentialCacheHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pttlink_credential_cache_hits_total",
			Help: "Credential cache hits by tier",
		}, []string{"tier"}),

		credentialCacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pttlink_credential_cache_misses_total",
			Help: "Credential cache misses across both tiers",
		}),

		credentialsIssued: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pttlink_credentials_issued_total",
			Help: "Credential issuance RPC outcomes",
		}, []string{"outcome"}),

		anomalyGuardTrips: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pttlink_credential_anomaly_trips_total",
			Help: "Anomaly guard trips by scope",
		}, []string{"scope"}),

		refreshRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pttlink_credential_refresh_runs_total",
			Help: "Background refresh outcomes",
		}, []string{"outcome"}),

		channelJoinDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pttlink_channel_join_duration_seconds",
			Help:    "Time from join request to provider join success",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		sessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pttlink_channel_session_duration_seconds",
			Help:    "Time a channel stayed joined",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),

		debounceCoalesces: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pttlink_debounce_coalesced_total",
			Help: "Press events that reused a still-warm connection",
		}),

		policyDisconnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pttlink_policy_disconnects_total",
			Help: "Policy-driven disconnects by driver status",
		}, []string{"status"}),

		sessionRecordWrites: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pttlink_session_record_writes_total",
			Help: "Session Record writes by transition",
		}, []string{"transition"}),
	}
}

func (p *PrometheusCollector) CredentialCacheHit(tier string) {
	p.credentialCacheHits.WithLabelValues(tier).Inc()
}

func (p *PrometheusCollector) CredentialCacheMiss() {
	p.credentialCacheMisses.Inc()
}

func (p *PrometheusCollector) CredentialIssued(outcome string) {
	p.credentialsIssued.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) AnomalyGuardTripped(scope string) {
	p.anomalyGuardTrips.WithLabelValues(scope).Inc()
}

func (p *PrometheusCollector) RefreshCompleted(outcome string) {
	p.refreshRuns.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) ChannelJoined(timeToConnect time.Duration) {
	p.channelJoinDuration.Observe(timeToConnect.Seconds())
}

func (p *PrometheusCollector) ChannelLeft(sessionDuration time.Duration) {
	p.sessionDuration.Observe(sessionDuration.Seconds())
}

func (p *PrometheusCollector) DebounceCoalesced() {
	p.debounceCoalesces.Inc()
}

func (p *PrometheusCollector) PolicyDisconnect(status string, delay time.Duration) {
	p.policyDisconnects.WithLabelValues(status).Inc()
}

func (p *PrometheusCollector) SessionRecordPublished(active bool) {
	transition := "closed"
	if active {
		transition = "opened"
	}
	p.sessionRecordWrites.WithLabelValues(transition).Inc()
}
