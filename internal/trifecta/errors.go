package trifecta

import (
	"errors"
	"fmt"
	"strings"
)

// UnknownFlagError is returned when a caller names a flag outside the fixed set.
type UnknownFlagError struct {
	Flag string
}

func (e *UnknownFlagError) Error() string {
	return fmt.Sprintf("unknown trifecta flag %q (valid: untrusted_input, private_data, egress)", e.Flag)
}

// FrozenStateError is returned when a frozen state is mutated.
type FrozenStateError struct {
	WorkUnitID string
}

func (e *FrozenStateError) Error() string {
	return fmt.Sprintf("trifecta state for work unit %s is frozen", e.WorkUnitID)
}

// PolicyViolation is the expected, recoverable rejection of an enable call
// that would have made all three flags active. The flag is left unset.
type PolicyViolation struct {
	Flag       Flag
	Source     string
	WorkUnitID string
	State      Snapshot
}

func (e *PolicyViolation) Error() string {
	var active []string
	for _, f := range Flags {
		if f == e.Flag {
			continue
		}
		if e.State.enabled(f) {
			active = append(active, fmt.Sprintf("%s (%s)", f, e.State.source(f)))
		}
	}
	return fmt.Sprintf("rule of two violation: enabling %s (source: %s) would create lethal trifecta; already enabled: %s",
		e.Flag, e.Source, strings.Join(active, ", "))
}

// AsPolicyViolation unwraps err into a *PolicyViolation if it holds one.
func AsPolicyViolation(err error) (*PolicyViolation, bool) {
	var v *PolicyViolation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}
