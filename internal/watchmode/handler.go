// Package watchmode decides what an unattended run does after a rule of two
// violation: retry a bounded number of times, then fail forward by posting a
// security incident comment and a needs-input label on the issue or PR.
package watchmode

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/viamin/aidp-sub015/internal/config"
	"github.com/viamin/aidp-sub015/internal/metrics"
	"github.com/viamin/aidp-sub015/internal/trifecta"
)

// Outcome actions.
const (
	ActionRetry     = "retry"
	ActionFail      = "fail"
	ActionRecovered = "recovered"
)

// RepositoryClient posts comments and labels to the repository hosting the
// work. Issues and pull requests share a number space.
type RepositoryClient interface {
	AddIssueComment(ctx context.Context, number int, body string) error
	AddPRComment(ctx context.Context, number int, body string) error
	AddLabels(ctx context.Context, number int, labels []string) error
}

// ViolationContext identifies where a violation happened.
type ViolationContext struct {
	WorkUnitID  string `json:"work_unit_id"`
	IssueNumber int    `json:"issue_number,omitempty"`
	PRNumber    int    `json:"pr_number,omitempty"`
}

// Outcome tells the orchestrator what to do next.
type Outcome struct {
	Recovered  bool   `json:"recovered"`
	Action     string `json:"action"`
	RetryCount int    `json:"retry_count,omitempty"`
	Message    string `json:"message"`
	NeedsInput bool   `json:"needs_input,omitempty"`
	Strategy   string `json:"strategy,omitempty"`
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler's logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithMitigation replaces the mitigation used for flag.
func WithMitigation(flag trifecta.Flag, m Mitigation) Option {
	return func(h *Handler) {
		if m != nil {
			h.mitigations[flag] = m
		}
	}
}

// WithRedactor filters the incident comment body before it is posted, so that
// secret values quoted in a violation source never reach the repository.
func WithRedactor(fn func(string) string) Option {
	return func(h *Handler) { h.redact = fn }
}

// Handler holds a retry counter per work unit. Safe for concurrent use.
type Handler struct {
	client      RepositoryClient
	maxRetries  int
	enabled     bool
	label       string
	mitigations map[trifecta.Flag]Mitigation
	logger      *zap.Logger
	metrics     *metrics.Collector
	redact      func(string) string

	mu      sync.Mutex
	retries map[string]int
}

// New creates a Handler. client may be nil, in which case escalation only
// logs.
func New(client RepositoryClient, cfg config.WatchModeConfig, opts ...Option) *Handler {
	h := &Handler{
		client:      client,
		maxRetries:  cfg.MaxRetryAttempts,
		enabled:     cfg.FailForwardEnabled,
		label:       cfg.NeedsInputLabel,
		mitigations: defaultMitigations(),
		logger:      zap.NewNop(),
		retries:     make(map[string]int),
	}
	if h.maxRetries < 1 {
		h.maxRetries = config.DefaultMaxRetryAttempts
	}
	if h.label == "" {
		h.label = config.DefaultNeedsInputLabel
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Enabled reports whether fail-forward handling is configured on.
func (h *Handler) Enabled() bool {
	return h.enabled
}

// MaxRetryAttempts returns the configured retry budget.
func (h *Handler) MaxRetryAttempts() int {
	return h.maxRetries
}

// HandleViolation counts the violation against its work unit. Within the
// retry budget it runs the flag's mitigation and asks for a retry; past the
// budget it escalates.
func (h *Handler) HandleViolation(ctx context.Context, v *trifecta.PolicyViolation, vc ViolationContext) Outcome {
	id := workUnitID(v, vc)

	h.mu.Lock()
	h.retries[id]++
	n := h.retries[id]
	h.mu.Unlock()

	if n > h.maxRetries {
		return h.Escalate(ctx, v, vc)
	}

	m := h.mitigationFor(v.Flag)
	strategy := m.Strategy()
	if m.Mitigate(ctx, v, vc) {
		h.ResetRetryCount(id)
		h.metrics.WatchModeOutcome(ActionRecovered)
		h.logger.Info("violation mitigated",
			zap.String("work_unit_id", id),
			zap.String("flag", string(v.Flag)),
			zap.String("strategy", strategy),
		)
		return Outcome{
			Recovered:  true,
			Action:     ActionRecovered,
			RetryCount: n,
			Message:    fmt.Sprintf("Recovered from %s violation using %s", v.Flag, strategy),
			Strategy:   strategy,
		}
	}

	h.metrics.WatchModeOutcome(ActionRetry)
	h.logger.Info("retrying after violation",
		zap.String("work_unit_id", id),
		zap.String("flag", string(v.Flag)),
		zap.Int("retry_count", n),
		zap.Int("max_retry_attempts", h.maxRetries),
	)
	return Outcome{
		Action:     ActionRetry,
		RetryCount: n,
		Message:    fmt.Sprintf("Rule of Two violation on %s, retry %d/%d (%s)", v.Flag, n, h.maxRetries, strategy),
		Strategy:   strategy,
	}
}

// Escalate posts the incident comment and needs-input label, clears the
// work unit's counter and returns a fail outcome. Repository errors are
// logged and never returned.
func (h *Handler) Escalate(ctx context.Context, v *trifecta.PolicyViolation, vc ViolationContext) Outcome {
	id := workUnitID(v, vc)
	n := h.RetryCount(id)

	number, kind := target(vc)
	if number > 0 && h.client != nil {
		body := IncidentComment(v, vc)
		if h.redact != nil {
			body = h.redact(body)
		}
		var err error
		if kind == "pr" {
			err = h.client.AddPRComment(ctx, number, body)
		} else {
			err = h.client.AddIssueComment(ctx, number, body)
		}
		if err != nil {
			h.logger.Error("failed to post incident comment",
				zap.String("work_unit_id", id),
				zap.String("target", kind),
				zap.Int("number", number),
				zap.Error(err),
			)
		}
		if err := h.client.AddLabels(ctx, number, []string{h.label}); err != nil {
			h.logger.Error("failed to add needs-input label",
				zap.String("work_unit_id", id),
				zap.Int("number", number),
				zap.Error(err),
			)
		}
	} else {
		h.logger.Warn("no issue or pull request to escalate to", zap.String("work_unit_id", id))
	}

	h.ResetRetryCount(id)
	h.metrics.WatchModeOutcome(ActionFail)
	h.logger.Warn("violation escalated",
		zap.String("work_unit_id", id),
		zap.String("flag", string(v.Flag)),
		zap.Int("retry_count", n),
	)
	return Outcome{
		Action:     ActionFail,
		RetryCount: n,
		Message:    fmt.Sprintf("Rule of Two violation on %s persisted after %d retries, needs human input", v.Flag, h.maxRetries),
		NeedsInput: true,
	}
}

// RetryCount returns the current counter for a work unit.
func (h *Handler) RetryCount(workUnitID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.retries[workUnitID]
}

// ResetRetryCount clears one work unit's counter.
func (h *Handler) ResetRetryCount(workUnitID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.retries, workUnitID)
}

func (h *Handler) mitigationFor(f trifecta.Flag) Mitigation {
	if m, ok := h.mitigations[f]; ok {
		return m
	}
	return Advisory("none")
}

func workUnitID(v *trifecta.PolicyViolation, vc ViolationContext) string {
	if vc.WorkUnitID != "" {
		return vc.WorkUnitID
	}
	return v.WorkUnitID
}

// target picks the PR over the issue.
func target(vc ViolationContext) (int, string) {
	switch {
	case vc.PRNumber > 0:
		return vc.PRNumber, "pr"
	case vc.IssueNumber > 0:
		return vc.IssueNumber, "issue"
	default:
		return 0, ""
	}
}
