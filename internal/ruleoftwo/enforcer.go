// Package ruleoftwo tracks trifecta state for many concurrent work units and
// archives each finished unit to a bounded in-memory audit log.
package ruleoftwo

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/viamin/aidp-sub015/internal/config"
	"github.com/viamin/aidp-sub015/internal/metrics"
	"github.com/viamin/aidp-sub015/internal/trifecta"
)

// ErrEmptyWorkUnitID is returned by Enforce for an empty id, which would
// otherwise start an anonymous unit nothing can end.
var ErrEmptyWorkUnitID = errors.New("ruleoftwo: empty work unit id")

// Decision is the outcome of a would-allow check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// Allow returns a Decision that permits the action.
func Allow(reason string) Decision {
	return Decision{Allowed: true, Reason: reason}
}

// Deny returns a Decision that blocks the action with the given reason.
func Deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Summary is the enforcer's status report.
type Summary struct {
	Enabled         bool `json:"enabled"`
	ActiveWorkUnits int  `json:"active_work_units"`
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithEnabled sets the enabled flag reported by StatusSummary.
func WithEnabled(enabled bool) Option {
	return func(e *Enforcer) { e.enabled = enabled }
}

// WithLogger sets the logger used for violations and lifecycle events.
func WithLogger(l *zap.Logger) Option {
	return func(e *Enforcer) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Enforcer) { e.metrics = m }
}

// WithAuditLimit bounds the audit log. Oldest entries are dropped first.
func WithAuditLimit(n int) Option {
	return func(e *Enforcer) {
		if n > 0 {
			e.auditLimit = n
		}
	}
}

// Journal receives a copy of every violation and archived work unit.
// It is implemented by *audit.Chain.
type Journal interface {
	RecordViolation(v *trifecta.PolicyViolation) error
	RecordEnd(snap trifecta.Snapshot) error
}

// WithJournal forwards violations and final snapshots to j. Journal errors are
// logged and never change an enforcement result.
func WithJournal(j Journal) Option {
	return func(e *Enforcer) { e.journal = j }
}

// Enforcer owns the live trifecta states keyed by work unit id.
// All methods are safe for concurrent use.
type Enforcer struct {
	mu         sync.Mutex
	units      map[string]*trifecta.State
	audit      []trifecta.Snapshot
	auditLimit int
	enabled    bool
	logger     *zap.Logger
	metrics    *metrics.Collector
	journal    Journal
}

// New creates an Enforcer.
func New(opts ...Option) *Enforcer {
	e := &Enforcer{
		units:      make(map[string]*trifecta.State),
		auditLimit: config.DefaultLogLimit,
		enabled:    true,
		logger:     zap.NewNop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// BeginWorkUnit returns the state for id, creating it if id is not active.
// An empty id gets a generated one.
func (e *Enforcer) BeginWorkUnit(id string) *trifecta.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.begin(id)
}

func (e *Enforcer) begin(id string) *trifecta.State {
	if s, ok := e.units[id]; ok && id != "" {
		return s
	}
	s := trifecta.NewState(id)
	e.units[s.WorkUnitID()] = s
	e.metrics.WorkUnitBegun()
	e.logger.Debug("work unit started", zap.String("work_unit_id", s.WorkUnitID()))
	return s
}

// EndWorkUnit removes id from the active set, freezes its state and appends
// the final snapshot to the audit log. ok is false for an unknown id.
func (e *Enforcer) EndWorkUnit(id string) (trifecta.Snapshot, bool) {
	e.mu.Lock()
	s, ok := e.units[id]
	if !ok {
		e.mu.Unlock()
		return trifecta.Snapshot{}, false
	}
	delete(e.units, id)
	s.Freeze()

	snap := s.Snapshot()
	e.audit = append(e.audit, snap)
	if over := len(e.audit) - e.auditLimit; over > 0 {
		e.audit = append([]trifecta.Snapshot(nil), e.audit[over:]...)
	}
	e.mu.Unlock()

	e.metrics.WorkUnitEnded()
	if e.journal != nil {
		if err := e.journal.RecordEnd(snap); err != nil {
			e.logger.Error("failed to journal work unit", zap.String("work_unit_id", id), zap.Error(err))
		}
	}

	if snap.LethalTrifecta {
		e.logger.Error("work unit ended with lethal trifecta", zap.String("work_unit_id", id))
	} else {
		e.logger.Debug("work unit ended",
			zap.String("work_unit_id", id),
			zap.Int("enabled_count", snap.EnabledCount),
		)
	}
	return snap, true
}

// StateFor returns the live state for id.
func (e *Enforcer) StateFor(id string) (*trifecta.State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.units[id]
	return s, ok
}

// Active reports whether id is being tracked.
func (e *Enforcer) Active(id string) bool {
	_, ok := e.StateFor(id)
	return ok
}

// WouldAllow reports whether enabling flag for id would be permitted.
// An unknown work unit has nothing to violate yet and is always allowed.
func (e *Enforcer) WouldAllow(id string, flag trifecta.Flag) Decision {
	s, ok := e.StateFor(id)
	if !ok {
		return Allow("No active work unit")
	}
	if s.WouldCreateTrifecta(flag) {
		return Deny("Would create lethal trifecta")
	}
	return Allow("Operation allowed")
}

// Enforce enables flag on id's state, beginning the work unit if needed.
// A *trifecta.PolicyViolation is returned unchanged.
func (e *Enforcer) Enforce(id string, flag trifecta.Flag, source string) error {
	if id == "" {
		return ErrEmptyWorkUnitID
	}
	e.mu.Lock()
	s := e.begin(id)
	e.mu.Unlock()

	err := s.Enable(flag, source)
	if v, ok := trifecta.AsPolicyViolation(err); ok {
		e.recordViolation(v)
	}
	return err
}

// CheckEnable refuses an enable before the caller acts on it, without
// changing the state. A refusal is counted, logged and journaled exactly
// like a violation from Enforce. Unknown work units have nothing to violate.
func (e *Enforcer) CheckEnable(id string, flag trifecta.Flag, source string) error {
	if !flag.Valid() {
		return &trifecta.UnknownFlagError{Flag: string(flag)}
	}
	s, ok := e.StateFor(id)
	if !ok || !s.WouldCreateTrifecta(flag) {
		return nil
	}
	v := &trifecta.PolicyViolation{
		Flag:       flag,
		Source:     source,
		WorkUnitID: id,
		State:      s.Snapshot(),
	}
	e.recordViolation(v)
	return v
}

func (e *Enforcer) recordViolation(v *trifecta.PolicyViolation) {
	e.metrics.Violation(string(v.Flag))
	e.logger.Warn("rule of two violation",
		zap.String("work_unit_id", v.WorkUnitID),
		zap.String("flag", string(v.Flag)),
		zap.String("source", v.Source),
		zap.String("state", v.State.StatusString()),
	)
	if e.journal != nil {
		if jerr := e.journal.RecordViolation(v); jerr != nil {
			e.logger.Error("failed to journal violation", zap.String("work_unit_id", v.WorkUnitID), zap.Error(jerr))
		}
	}
}

// WithWorkUnit begins id, runs fn with its state, and ends the work unit on
// every exit path, panics included.
func (e *Enforcer) WithWorkUnit(id string, fn func(*trifecta.State) error) error {
	s := e.BeginWorkUnit(id)
	defer e.EndWorkUnit(s.WorkUnitID())
	return fn(s)
}

// ActiveCount returns the number of tracked work units.
func (e *Enforcer) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.units)
}

// AuditLog returns a copy of the archived snapshots, oldest first.
func (e *Enforcer) AuditLog() []trifecta.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]trifecta.Snapshot, len(e.audit))
	copy(out, e.audit)
	return out
}

// StatusSummary reports whether the enforcer is enabled and how many units
// are active.
func (e *Enforcer) StatusSummary() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Summary{Enabled: e.enabled, ActiveWorkUnits: len(e.units)}
}

// Reset drops all active work units and the audit log.
func (e *Enforcer) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.units = make(map[string]*trifecta.State)
	e.audit = nil
	e.metrics.ResetActive()
}
