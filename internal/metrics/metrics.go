// Package metrics declares the Prometheus instruments exposed by a
// totpguard node (SPEC_FULL.md §14), registered against a caller-owned
// registry so internal/adminhttp can serve them and tests can use an
// isolated one. Grounded on the metrics-struct-plus-promauto pattern in
// the ocx-backend-go-svc escrow package.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus instrument a node registers.
type Metrics struct {
	VerifyTotal         *prometheus.CounterVec
	HashVerifySeconds   prometheus.Histogram
	RateLimitTrips      *prometheus.CounterVec
	ScratchTokensUsed   *prometheus.CounterVec
	StateBackendLatency *prometheus.HistogramVec
	PolicyDenies        *prometheus.CounterVec
}

// New creates and registers a Metrics set against reg. Pass
// prometheus.NewRegistry() for an isolated registry in tests, or
// prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Metrics {
	factory := prometheusFactory(reg)

	return &Metrics{
		VerifyTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "totpguard_verify_total",
				Help: "Total calls to VerifyUserToken, by outcome.",
			},
			[]string{"outcome"}, // "allow" or "deny"
		),
		HashVerifySeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name: "totpguard_hash_verify_seconds",
				Help: "Duration of pincode hash verification. bcrypt is intentionally slow (50-300ms); this surfaces that cost rather than hiding it.",
				// bcrypt's cost factor dominates; buckets span well past its
				// expected range so a misconfigured cost factor is visible.
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 1, 2},
			},
		),
		RateLimitTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "totpguard_rate_limit_trips_total",
				Help: "Total verify attempts rejected by the per-user rate limit.",
			},
			[]string{"username"},
		),
		ScratchTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "totpguard_scratch_tokens_used_total",
				Help: "Total scratch-token verifications, by result.",
			},
			[]string{"result"}, // "used" or "rejected"
		),
		StateBackendLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "totpguard_state_backend_seconds",
				Help:    "Duration of StateBackend.GetUserState plus Commit, by backend kind.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend"}, // "file" or "sql"
		),
		PolicyDenies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "totpguard_policy_denies_total",
				Help: "Total post-auth policy evaluations that denied an otherwise-verified user.",
			},
			[]string{"resource"},
		),
	}
}

// RecordVerify records the outcome of one VerifyUserToken call.
func (m *Metrics) RecordVerify(allowed bool) {
	if allowed {
		m.VerifyTotal.WithLabelValues("allow").Inc()
		return
	}
	m.VerifyTotal.WithLabelValues("deny").Inc()
}

// RecordHashVerify records how long a pincode hash comparison took.
func (m *Metrics) RecordHashVerify(d time.Duration) {
	m.HashVerifySeconds.Observe(d.Seconds())
}

// RecordRateLimitTrip records a verify attempt rejected by the per-user
// rate limit.
func (m *Metrics) RecordRateLimitTrip(username string) {
	m.RateLimitTrips.WithLabelValues(username).Inc()
}

// RecordScratchToken records a scratch-token verification result.
func (m *Metrics) RecordScratchToken(used bool) {
	result := "rejected"
	if used {
		result = "used"
	}
	m.ScratchTokensUsed.WithLabelValues(result).Inc()
}

// RecordStateBackendLatency records how long a state backend round trip took.
func (m *Metrics) RecordStateBackendLatency(backend string, d time.Duration) {
	m.StateBackendLatency.WithLabelValues(backend).Observe(d.Seconds())
}

// RecordPolicyDeny records a post-auth policy denial for resource.
func (m *Metrics) RecordPolicyDeny(resource string) {
	m.PolicyDenies.WithLabelValues(resource).Inc()
}

// metricsFactory creates each collector and registers it on reg with
// MustRegister, so each call to New can use its own registerer without a
// package-level global.
type metricsFactory struct {
	reg prometheus.Registerer
}

func prometheusFactory(reg prometheus.Registerer) *metricsFactory {
	return &metricsFactory{reg: reg}
}

func (f *metricsFactory) NewCounterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(opts, labels)
	f.reg.MustRegister(c)
	return c
}

func (f *metricsFactory) NewHistogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	h := prometheus.NewHistogram(opts)
	f.reg.MustRegister(h)
	return h
}

func (f *metricsFactory) NewHistogramVec(opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(opts, labels)
	f.reg.MustRegister(h)
	return h
}
