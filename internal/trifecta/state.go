package trifecta

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type slot struct {
	enabled bool
	source  string
}

// State is one work unit's capability record. At most two of the three
// flags may be enabled at any instant; Enable rejects the third.
type State struct {
	mu         sync.Mutex
	workUnitID string
	slots      map[Flag]*slot
	frozen     bool
}

// NewState creates an empty state. An empty workUnitID gets a generated one.
func NewState(workUnitID string) *State {
	if workUnitID == "" {
		workUnitID = uuid.NewString()
	}
	s := &State{
		workUnitID: workUnitID,
		slots:      make(map[Flag]*slot, len(Flags)),
	}
	for _, f := range Flags {
		s.slots[f] = &slot{}
	}
	return s
}

// WorkUnitID returns the identity of the work unit this state tracks.
func (s *State) WorkUnitID() string {
	return s.workUnitID
}

// Enable sets flag, attributing it to source. It returns a *PolicyViolation
// without touching the flag when the other two flags are already enabled.
func (s *State) Enable(flag Flag, source string) error {
	if !flag.Valid() {
		return &UnknownFlagError{Flag: string(flag)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen {
		return &FrozenStateError{WorkUnitID: s.workUnitID}
	}
	if s.wouldCreateTrifecta(flag) {
		return &PolicyViolation{
			Flag:       flag,
			Source:     source,
			WorkUnitID: s.workUnitID,
			State:      s.snapshot(),
		}
	}

	sl := s.slots[flag]
	sl.enabled = true
	sl.source = source
	return nil
}

// Disable clears flag and its source. Disabling an unset flag is a no-op.
func (s *State) Disable(flag Flag) error {
	if !flag.Valid() {
		return &UnknownFlagError{Flag: string(flag)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen {
		return &FrozenStateError{WorkUnitID: s.workUnitID}
	}
	sl := s.slots[flag]
	sl.enabled = false
	sl.source = ""
	return nil
}

// WouldCreateTrifecta reports whether enabling flag right now would make all
// three flags active. An already-enabled flag never would.
func (s *State) WouldCreateTrifecta(flag Flag) bool {
	if !flag.Valid() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wouldCreateTrifecta(flag)
}

func (s *State) wouldCreateTrifecta(flag Flag) bool {
	if s.slots[flag].enabled {
		return false
	}
	o := others(flag)
	return s.slots[o[0]].enabled && s.slots[o[1]].enabled
}

// LethalTrifecta reports whether all three flags are enabled. Enable never
// allows this, so a true result means the state was corrupted.
func (s *State) LethalTrifecta() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabledCount() == len(Flags)
}

// EnabledCount returns how many flags are enabled.
func (s *State) EnabledCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabledCount()
}

func (s *State) enabledCount() int {
	n := 0
	for _, sl := range s.slots {
		if sl.enabled {
			n++
		}
	}
	return n
}

// Enabled reports whether flag is enabled.
func (s *State) Enabled(flag Flag) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[flag]
	return ok && sl.enabled
}

// Source returns the recorded source for flag, or "" when it is not enabled.
func (s *State) Source(flag Flag) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[flag]; ok {
		return sl.source
	}
	return ""
}

// Freeze makes the state terminal. Later Enable/Disable calls fail.
func (s *State) Freeze() {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (s *State) Frozen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frozen
}

// Snapshot returns a flattened copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *State) snapshot() Snapshot {
	n := s.enabledCount()
	return Snapshot{
		WorkUnitID:           s.workUnitID,
		UntrustedInput:       s.slots[UntrustedInput].enabled,
		UntrustedInputSource: s.slots[UntrustedInput].source,
		PrivateData:          s.slots[PrivateData].enabled,
		PrivateDataSource:    s.slots[PrivateData].source,
		Egress:               s.slots[Egress].enabled,
		EgressSource:         s.slots[Egress].source,
		EnabledCount:         n,
		LethalTrifecta:       n == len(Flags),
		Frozen:               s.frozen,
	}
}

// StatusString renders the state for humans.
func (s *State) StatusString() string {
	return s.Snapshot().StatusString()
}

// Snapshot is the flattened, serializable view of a State.
type Snapshot struct {
	WorkUnitID           string `json:"work_unit_id"`
	UntrustedInput       bool   `json:"untrusted_input"`
	UntrustedInputSource string `json:"untrusted_input_source,omitempty"`
	PrivateData          bool   `json:"private_data"`
	PrivateDataSource    string `json:"private_data_source,omitempty"`
	Egress               bool   `json:"egress"`
	EgressSource         string `json:"egress_source,omitempty"`
	EnabledCount         int    `json:"enabled_count"`
	LethalTrifecta       bool   `json:"lethal_trifecta"`
	Frozen               bool   `json:"frozen,omitempty"`
}

func (sn Snapshot) enabled(f Flag) bool {
	switch f {
	case UntrustedInput:
		return sn.UntrustedInput
	case PrivateData:
		return sn.PrivateData
	case Egress:
		return sn.Egress
	}
	return false
}

func (sn Snapshot) source(f Flag) string {
	switch f {
	case UntrustedInput:
		return sn.UntrustedInputSource
	case PrivateData:
		return sn.PrivateDataSource
	case Egress:
		return sn.EgressSource
	}
	return ""
}

// Enabled reports whether flag was enabled when the snapshot was taken.
func (sn Snapshot) Enabled(f Flag) bool { return sn.enabled(f) }

// Source returns the source recorded for flag when the snapshot was taken.
func (sn Snapshot) Source(f Flag) string { return sn.source(f) }

// StatusString renders "N of 3 flags enabled: ..." or "No flags enabled".
func (sn Snapshot) StatusString() string {
	if sn.EnabledCount == 0 {
		return "No flags enabled"
	}
	var names []string
	for _, f := range Flags {
		if sn.enabled(f) {
			names = append(names, string(f))
		}
	}
	return fmt.Sprintf("%d of %d flags enabled: %s", sn.EnabledCount, len(Flags), strings.Join(names, ", "))
}
