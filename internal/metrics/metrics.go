// Package metrics exposes Prometheus instrumentation for the policy core.
//
// A Collector is registered against an explicit prometheus.Registerer so
// that tests and embedding processes can each own a registry. All methods
// are safe on a nil *Collector, which records nothing.
//
// Metrics:
//   - aidp_guard_work_units_active - work units currently tracked
//   - aidp_guard_work_units_ended_total - work units archived to the audit log
//   - aidp_guard_policy_violations_total{flag} - rejected enables
//   - aidp_guard_tokens_issued_total{secret} - proxy tokens minted
//   - aidp_guard_tokens_exchanged_total{secret} - successful redemptions
//   - aidp_guard_tokens_rejected_total{reason} - failed redemptions
//   - aidp_guard_tokens_removed_total{reason} - revoked or expired tokens
//   - aidp_guard_watch_mode_outcomes_total{action} - handler retries/failures
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "aidp_guard"

// Collector holds the core's Prometheus metrics.
type Collector struct {
	WorkUnitsActive   prometheus.Gauge
	WorkUnitsEnded    prometheus.Counter
	Violations        *prometheus.CounterVec
	TokensIssued      *prometheus.CounterVec
	TokensExchanged   *prometheus.CounterVec
	TokensRejected    *prometheus.CounterVec
	TokensRemoved     *prometheus.CounterVec
	WatchModeOutcomes *prometheus.CounterVec
}

// New creates a Collector and registers it with reg.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		WorkUnitsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "work_units_active",
			Help:      "Number of work units currently tracked by the enforcer",
		}),
		WorkUnitsEnded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "work_units_ended_total",
			Help:      "Total number of work units archived to the audit log",
		}),
		Violations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_violations_total",
			Help:      "Total number of enables rejected by the rule of two",
		}, []string{"flag"}),
		TokensIssued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Total number of secrets proxy tokens issued",
		}, []string{"secret"}),
		TokensExchanged: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_exchanged_total",
			Help:      "Total number of successful token redemptions",
		}, []string{"secret"}),
		TokensRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_rejected_total",
			Help:      "Total number of failed token redemptions",
		}, []string{"reason"}), // "unknown", "expired", "used", "unregistered"
		TokensRemoved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_removed_total",
			Help:      "Total number of tokens removed from the proxy",
		}, []string{"reason"}), // "revoked", "expired"
		WatchModeOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watch_mode_outcomes_total",
			Help:      "Total number of watch mode violation outcomes",
		}, []string{"action"}), // "retry", "fail", "recovered"
	}
}

// WorkUnitBegun records a newly tracked work unit.
func (c *Collector) WorkUnitBegun() {
	if c == nil {
		return
	}
	c.WorkUnitsActive.Inc()
}

// WorkUnitEnded records an archived work unit.
func (c *Collector) WorkUnitEnded() {
	if c == nil {
		return
	}
	c.WorkUnitsActive.Dec()
	c.WorkUnitsEnded.Inc()
}

// ResetActive zeroes the active gauge.
func (c *Collector) ResetActive() {
	if c == nil {
		return
	}
	c.WorkUnitsActive.Set(0)
}

// Violation records a rejected enable for flag.
func (c *Collector) Violation(flag string) {
	if c == nil {
		return
	}
	c.Violations.WithLabelValues(flag).Inc()
}

// TokenIssued records a minted token.
func (c *Collector) TokenIssued(secret string) {
	if c == nil {
		return
	}
	c.TokensIssued.WithLabelValues(secret).Inc()
}

// TokenExchanged records a successful redemption.
func (c *Collector) TokenExchanged(secret string) {
	if c == nil {
		return
	}
	c.TokensExchanged.WithLabelValues(secret).Inc()
}

// TokenRejected records a failed redemption.
func (c *Collector) TokenRejected(reason string) {
	if c == nil {
		return
	}
	c.TokensRejected.WithLabelValues(reason).Inc()
}

// TokensRemovedBy records n tokens removed for reason.
func (c *Collector) TokensRemovedBy(reason string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.TokensRemoved.WithLabelValues(reason).Add(float64(n))
}

// WatchModeOutcome records a handler decision.
func (c *Collector) WatchModeOutcome(action string) {
	if c == nil {
		return
	}
	c.WatchModeOutcomes.WithLabelValues(action).Inc()
}
