package watchmode

import (
	"context"

	"github.com/viamin/aidp-sub015/internal/trifecta"
)

// Default strategy names.
const (
	StrategySecretsProxyReroute = "secrets_proxy_reroute"
	StrategyDeferEgress         = "defer_egress"
	StrategySanitizeInput       = "sanitize_input"
)

// Mitigation tries to remove the need for a blocked capability before the
// orchestrator retries.
type Mitigation interface {
	Strategy() string
	// Mitigate reports whether the violation is resolved.
	Mitigate(ctx context.Context, v *trifecta.PolicyViolation, vc ViolationContext) bool
}

// Advisory is a Mitigation that only names a strategy for the orchestrator
// and never recovers on its own.
type Advisory string

// Strategy returns the strategy name.
func (a Advisory) Strategy() string { return string(a) }

// Mitigate always returns false.
func (Advisory) Mitigate(context.Context, *trifecta.PolicyViolation, ViolationContext) bool {
	return false
}

// MitigationFunc adapts a function to the Mitigation interface.
type MitigationFunc struct {
	Name string
	Fn   func(ctx context.Context, v *trifecta.PolicyViolation, vc ViolationContext) bool
}

// Strategy returns m.Name.
func (m MitigationFunc) Strategy() string { return m.Name }

// Mitigate calls m.Fn.
func (m MitigationFunc) Mitigate(ctx context.Context, v *trifecta.PolicyViolation, vc ViolationContext) bool {
	return m.Fn(ctx, v, vc)
}

func defaultMitigations() map[trifecta.Flag]Mitigation {
	return map[trifecta.Flag]Mitigation{
		trifecta.PrivateData:    Advisory(StrategySecretsProxyReroute),
		trifecta.Egress:         Advisory(StrategyDeferEgress),
		trifecta.UntrustedInput: Advisory(StrategySanitizeInput),
	}
}
