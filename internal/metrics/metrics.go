package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Labels stay low-cardinality: plugin id, message type, outcome. Never installation ids.

var (
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entitlements_messages_total",
		Help: "Inbound plugin messages handled, by type and result",
	}, []string{"plugin", "type", "result"})

	ActivationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entitlements_activations_total",
		Help: "License key activation attempts by outcome (success or error kind)",
	}, []string{"plugin", "outcome"})

	DowngradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entitlements_downgrades_total",
		Help: "Pro subscriptions downgraded after expiry",
	}, []string{"plugin"})

	UsageChargedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entitlements_usage_charged_total",
		Help: "Free-tier credits consumed",
	}, []string{"plugin"})

	UsageRefusedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entitlements_usage_refused_total",
		Help: "Gated actions refused because the free-tier cap was reached",
	}, []string{"plugin"})

	ChallengesIssuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entitlements_challenges_issued_total",
		Help: "Activation challenges issued",
	}, []string{"plugin", "type", "persisted"})

	TimeProbeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entitlements_time_probe_total",
		Help: "Remote time provider probes by source and result",
	}, []string{"source", "result"}) // result: ok, fail

	TimeProbeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "entitlements_time_probe_latency_ms",
		Help:    "Remote time provider latency in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"source"})

	TimeFallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "entitlements_time_fallback_total",
		Help: "Oracle reads that fell back to the local clock",
	})

	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entitlements_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	}, []string{"route"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entitlements_http_requests_total",
		Help: "HTTP requests by route pattern and status code",
	}, []string{"route", "code"})

	SideEffectFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entitlements_side_effect_failures_total",
		Help: "Best-effort audit writes and event publishes that failed",
	}, []string{"sink"}) // sink: audit, events
)

func RecordMessage(plugin, msgType string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	MessagesTotal.WithLabelValues(plugin, msgType, result).Inc()
}

func RecordActivation(plugin, outcome string) {
	ActivationsTotal.WithLabelValues(plugin, outcome).Inc()
}

func RecordChallenge(plugin, challengeType string, persisted bool) {
	ChallengesIssuedTotal.WithLabelValues(plugin, challengeType, strconv.FormatBool(persisted)).Inc()
}

func RecordTimeProbe(source string, ok bool, latencyMs float64) {
	result := "ok"
	if !ok {
		result = "fail"
	}
	TimeProbeTotal.WithLabelValues(source, result).Inc()
	TimeProbeLatency.WithLabelValues(source).Observe(latencyMs)
}

func RecordHTTPRequest(route string, code int) {
	HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
