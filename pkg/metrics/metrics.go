// Package metrics defines the gateway's Prometheus-compatible counter,
// histogram, and gauge registry. Every family and label set matches the
// names the rest of the gateway emits against: requests, cache hits,
// retries, breaker transitions, policy denials, and token lifecycle
// events.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DurationBucketsMS are the histogram buckets (in milliseconds) used for
// request_duration_ms.
var DurationBucketsMS = []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000, 2000, 5000}

// Registry owns every metric family the gateway exports and the
// prometheus.Registry they're registered against.
type Registry struct {
	reg *prometheus.Registry

	requestsTotal       *prometheus.CounterVec
	requestDurationMS   *prometheus.HistogramVec
	cacheHitsTotal      *prometheus.CounterVec
	retriesTotal        *prometheus.CounterVec
	breakerFastfailTotal *prometheus.CounterVec
	breakerState        *prometheus.GaugeVec
	policyDenialsTotal  *prometheus.CounterVec
	tokenGenerations    *prometheus.CounterVec
	tokenValidations    *prometheus.CounterVec
	tokenExpirations    *prometheus.CounterVec
	processStartTime    prometheus.Gauge
}

// New constructs a Registry with every required family registered
// against a dedicated prometheus.Registry (never the global default, so
// multiple gateway instances in one test binary don't collide).
func New() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		reg: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total proxy requests by tool, action, and response code.",
		}, []string{"tool", "action", "code"}),
		requestDurationMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_ms",
			Help:    "Proxy request latency in milliseconds by tool and action.",
			Buckets: DurationBucketsMS,
		}, []string{"tool", "action"}),
		cacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_hits_total",
			Help: "Cache hits by tool and action.",
		}, []string{"tool", "action"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_retries_total",
			Help: "Retry attempts by tool, action, and reason.",
		}, []string{"tool", "action", "reason"}),
		breakerFastfailTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_breaker_fastfail_total",
			Help: "Fast-fail admissions by tool and action.",
		}, []string{"tool", "action"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_breaker_state",
			Help: "Circuit breaker state by tool and action (0=closed, 1=half-open, 2=open).",
		}, []string{"tool", "action"}),
		policyDenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_policy_denials_total",
			Help: "Non-allow policy decisions by agent, tool, action, and reason.",
		}, []string{"agent_id", "tool", "action", "reason"}),
		tokenGenerations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_token_generations_total",
			Help: "Tokens minted by agent.",
		}, []string{"agent_id"}),
		tokenValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_token_validations_total",
			Help: "Token validations by agent and outcome.",
		}, []string{"agent_id", "success"}),
		tokenExpirations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_token_expirations_total",
			Help: "Token validations rejected for expiry, by agent.",
		}, []string{"agent_id"}),
		processStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_process_start_time_seconds",
			Help: "Unix timestamp the process started.",
		}),
	}

	reg.MustRegister(
		m.requestsTotal, m.requestDurationMS, m.cacheHitsTotal, m.retriesTotal,
		m.breakerFastfailTotal, m.breakerState, m.policyDenialsTotal,
		m.tokenGenerations, m.tokenValidations, m.tokenExpirations, m.processStartTime,
	)

	return m
}

// Registerer exposes the underlying registry for the metrics HTTP
// handler (promhttp.HandlerFor).
func (m *Registry) Registerer() *prometheus.Registry {
	return m.reg
}

// MarkProcessStart records the process start time. Called once at
// startup.
func (m *Registry) MarkProcessStart(t time.Time) {
	m.processStartTime.Set(float64(t.Unix()))
}

func (m *Registry) RequestCompleted(tool, action, code string, duration time.Duration) {
	m.requestsTotal.WithLabelValues(tool, action, code).Inc()
	m.requestDurationMS.WithLabelValues(tool, action).Observe(float64(duration.Milliseconds()))
}

func (m *Registry) CacheHit(tool, action string) {
	m.cacheHitsTotal.WithLabelValues(tool, action).Inc()
}

func (m *Registry) Retry(tool, action, reason string) {
	m.retriesTotal.WithLabelValues(tool, action, reason).Inc()
}

func (m *Registry) BreakerFastfail(tool, action string) {
	m.breakerFastfailTotal.WithLabelValues(tool, action).Inc()
}

// BreakerStateValue maps a breaker state name to the gauge's numeric
// encoding.
func BreakerStateValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}

func (m *Registry) SetBreakerState(tool, action, state string) {
	m.breakerState.WithLabelValues(tool, action).Set(BreakerStateValue(state))
}

func (m *Registry) PolicyDenial(agentID, tool, action, reason string) {
	m.policyDenialsTotal.WithLabelValues(agentID, tool, action, reason).Inc()
}

func (m *Registry) TokenGenerated(agentID string) {
	m.tokenGenerations.WithLabelValues(agentID).Inc()
}

func (m *Registry) TokenValidated(agentID string, success bool) {
	m.tokenValidations.WithLabelValues(agentID, boolLabel(success)).Inc()
}

func (m *Registry) TokenExpired(agentID string) {
	m.tokenExpirations.WithLabelValues(agentID).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
