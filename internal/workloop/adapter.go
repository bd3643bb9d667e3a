// Package workloop is the integration surface the orchestrator calls while
// running an agent: it starts and ends work units, classifies agent
// operations into trifecta flags, and brokers credentials.
package workloop

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/viamin/aidp-sub015/internal/config"
	"github.com/viamin/aidp-sub015/internal/ruleoftwo"
	"github.com/viamin/aidp-sub015/internal/secrets"
	"github.com/viamin/aidp-sub015/internal/trifecta"
)

// Decision reasons returned by WouldAllow.
const (
	ReasonDisabled   = "Security disabled"
	ReasonNoWorkUnit = "No active work unit"
	ReasonTrifecta   = "Would create lethal trifecta"
	ReasonAllowed    = "Operation allowed"
)

const (
	sourceSeparator   = ", "
	watchModeWorkflow = "watch_mode"
)

// WorkContext is what the orchestrator knows about a work unit when it
// starts. Any external input marks the unit as handling untrusted input.
type WorkContext struct {
	IssueNumber    int
	PRNumber       int
	ExternalURL    string
	WebhookPayload bool
	WorkflowType   string
}

// untrustedSources lists the untrusted-input sources present in wc.
func (wc WorkContext) untrustedSources() []string {
	var out []string
	if wc.IssueNumber > 0 {
		out = append(out, "github_issue")
	}
	if wc.PRNumber > 0 {
		out = append(out, "github_pr")
	}
	if wc.ExternalURL != "" {
		out = append(out, "external_url")
	}
	if wc.WebhookPayload {
		out = append(out, "webhook_payload")
	}
	if strings.TrimPrefix(wc.WorkflowType, ":") == watchModeWorkflow {
		out = append(out, watchModeWorkflow)
	}
	return out
}

// Credential is the result of RequestCredential. With the policy layer on it
// carries a proxy token; with it off it carries the value directly.
type Credential struct {
	Token        string        `json:"token,omitempty"`
	SecretName   string        `json:"secret_name"`
	Scope        string        `json:"scope,omitempty"`
	TTL          time.Duration `json:"ttl,omitempty"`
	ExpiresAt    time.Time     `json:"expires_at,omitempty"`
	Value        string        `json:"-"`
	DirectAccess bool          `json:"direct_access"`
}

// Status is the adapter's report for status commands.
type Status struct {
	Enabled        bool               `json:"enabled"`
	ActiveWorkUnit string             `json:"active_work_unit,omitempty"`
	State          *trifecta.Snapshot `json:"state,omitempty"`
	StatusString   string             `json:"status_string,omitempty"`
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter's logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// Adapter wraps a shared Enforcer and Proxy for one orchestrator task. It
// tracks a single current work unit; run one Adapter per concurrent task
// against the same Enforcer.
type Adapter struct {
	enabled  bool
	enforcer *ruleoftwo.Enforcer
	proxy    *secrets.Proxy
	logger   *zap.Logger

	mu      sync.Mutex
	current string
	state   *trifecta.State
}

// New creates an Adapter gated by cfg.RuleOfTwo.Enabled.
func New(cfg config.Config, enforcer *ruleoftwo.Enforcer, proxy *secrets.Proxy, opts ...Option) *Adapter {
	a := &Adapter{
		enabled:  cfg.RuleOfTwo.Enabled,
		enforcer: enforcer,
		proxy:    proxy,
		logger:   zap.NewNop(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Enabled reports whether the policy layer is active.
func (a *Adapter) Enabled() bool {
	return a.enabled
}

// BeginWorkUnit starts tracking id and pre-enables untrusted_input from wc.
// It returns nil without touching the enforcer when disabled.
func (a *Adapter) BeginWorkUnit(id string, wc WorkContext) (*trifecta.State, error) {
	if !a.enabled {
		return nil, nil
	}

	s := a.enforcer.BeginWorkUnit(id)

	a.mu.Lock()
	a.current = s.WorkUnitID()
	a.state = s
	a.mu.Unlock()

	if sources := wc.untrustedSources(); len(sources) > 0 {
		if err := a.enforcer.Enforce(s.WorkUnitID(), trifecta.UntrustedInput, strings.Join(sources, sourceSeparator)); err != nil {
			return s, err
		}
	}

	a.logger.Info("work unit begun",
		zap.String("work_unit_id", s.WorkUnitID()),
		zap.String("state", s.StatusString()),
	)
	return s, nil
}

// EndWorkUnit ends the current work unit and returns its final snapshot.
func (a *Adapter) EndWorkUnit() (trifecta.Snapshot, bool) {
	a.mu.Lock()
	id := a.current
	a.current = ""
	a.state = nil
	a.mu.Unlock()

	if !a.enabled || id == "" {
		return trifecta.Snapshot{}, false
	}
	snap, ok := a.enforcer.EndWorkUnit(id)
	if ok {
		a.logger.Info("work unit ended",
			zap.String("work_unit_id", id),
			zap.String("state", snap.StatusString()),
		)
	}
	return snap, ok
}

func (a *Adapter) active() (string, *trifecta.State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current, a.state
}

// CheckAgentCallAllowed records the capabilities an agent operation needs.
// Egress operations enable egress; requiresCredentials enables private_data.
// Either may return a *trifecta.PolicyViolation.
func (a *Adapter) CheckAgentCallAllowed(operation string, requiresCredentials bool) error {
	if !a.enabled {
		return nil
	}
	id, _ := a.active()
	if id == "" {
		return nil
	}

	if IsEgressOperation(operation) {
		if err := a.enforcer.Enforce(id, trifecta.Egress, "agent_operation:"+operation); err != nil {
			return err
		}
	}
	if requiresCredentials {
		if err := a.enforcer.Enforce(id, trifecta.PrivateData, "credential_access:"+operation); err != nil {
			return err
		}
	}
	return nil
}

// RequestCredential obtains access to a registered secret. With the policy
// layer on, it checks private_data before contacting the proxy and returns a
// token; with it off, it returns the value directly.
func (a *Adapter) RequestCredential(secretName, scope string) (Credential, error) {
	if !a.enabled {
		return a.directCredential(secretName, scope)
	}

	id, _ := a.active()
	if id != "" {
		if err := a.enforcer.CheckEnable(id, trifecta.PrivateData, "secrets_proxy:"+secretName); err != nil {
			a.logger.Warn("credential request blocked",
				zap.String("work_unit_id", id),
				zap.String("secret_name", secretName),
			)
			return Credential{}, err
		}
	}

	var opts []secrets.RequestOption
	if scope != "" {
		opts = append(opts, secrets.WithScope(scope))
	}
	issued, err := a.proxy.RequestToken(secretName, opts...)
	if err != nil {
		return Credential{}, err
	}

	if id != "" {
		if err := a.enforcer.Enforce(id, trifecta.PrivateData, "secrets_proxy:"+secretName); err != nil {
			a.proxy.RevokeToken(issued.Token)
			return Credential{}, err
		}
	}

	return Credential{
		Token:      issued.Token,
		SecretName: issued.SecretName,
		Scope:      issued.Scope,
		TTL:        issued.TTL,
		ExpiresAt:  issued.ExpiresAt,
	}, nil
}

func (a *Adapter) directCredential(secretName, scope string) (Credential, error) {
	entry, ok := a.proxy.Registry().Get(secretName)
	if !ok {
		return Credential{}, &secrets.UnregisteredSecretError{Name: secretName}
	}
	a.logger.Debug("direct credential access", zap.String("secret_name", secretName))
	return Credential{
		SecretName:   secretName,
		Scope:        scope,
		Value:        os.Getenv(entry.EnvVar),
		DirectAccess: true,
	}, nil
}

// WouldAllow reports whether enabling flag on the current work unit would be
// permitted, without changing anything.
func (a *Adapter) WouldAllow(flag trifecta.Flag) ruleoftwo.Decision {
	if !a.enabled {
		return ruleoftwo.Allow(ReasonDisabled)
	}
	_, state := a.active()
	if state == nil {
		return ruleoftwo.Allow(ReasonNoWorkUnit)
	}
	if state.WouldCreateTrifecta(flag) {
		return ruleoftwo.Deny(ReasonTrifecta)
	}
	return ruleoftwo.Allow(ReasonAllowed)
}

// Status reports the adapter's view of the current work unit.
func (a *Adapter) Status() Status {
	if !a.enabled {
		return Status{Enabled: false}
	}
	id, state := a.active()
	if state == nil {
		return Status{Enabled: true, StatusString: ReasonNoWorkUnit}
	}
	snap := state.Snapshot()
	return Status{
		Enabled:        true,
		ActiveWorkUnit: id,
		State:          &snap,
		StatusString:   snap.StatusString(),
	}
}

// SanitizedEnvironment delegates to the proxy.
func (a *Adapter) SanitizedEnvironment() []string {
	return a.proxy.SanitizedEnvironment()
}

// WithSanitizedEnvironment delegates to the proxy.
func (a *Adapter) WithSanitizedEnvironment(fn func() error) error {
	return a.proxy.WithSanitizedEnvironment(fn)
}
