package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/alanbriolat/audio-relay"
)

const namespace = "audio_relay"

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	Resolutions    *prometheus.CounterVec
	MirrorRequests *prometheus.CounterVec
	StreamCache    *prometheus.CounterVec
	StreamSessions *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Resolution strategy attempts, by stage and outcome.",
		}, []string{"stage", "outcome"}),
		MirrorRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_requests_total",
			Help:      "Requests to YouTube mirror instances, by API family and outcome.",
		}, []string{"family", "outcome"}),
		StreamCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_cache_total",
			Help:      "Stream URL cache lookups, by result.",
		}, []string{"result"}),
		StreamSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_sessions_total",
			Help:      "Stream proxy sessions, by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.Resolutions, m.MirrorRequests, m.StreamCache, m.StreamSessions)
	return m
}

// ObserveAttempt counts a dispatcher strategy attempt.
func (m *Metrics) ObserveAttempt(url string, attempt audio_relay.Attempt) {
	m.Resolutions.WithLabelValues(attempt.StrategyName, attempt.Outcome()).Inc()
}

// ObserveMirrorRequest counts a request to one mirror instance.
func (m *Metrics) ObserveMirrorRequest(family string, outcome string) {
	m.MirrorRequests.WithLabelValues(family, outcome).Inc()
}

// ObserveCache counts a stream cache lookup as "hit", "miss" or "invalidated".
func (m *Metrics) ObserveCache(result string) {
	m.StreamCache.WithLabelValues(result).Inc()
}

// ObserveSession counts a finished stream session.
func (m *Metrics) ObserveSession(outcome string) {
	m.StreamSessions.WithLabelValues(outcome).Inc()
}
