package audit

import "github.com/viamin/aidp-sub015/internal/trifecta"

// Event types.
const (
	EventWorkUnitEnded = "work_unit_ended"
	EventViolation     = "violation"
)

// TimestampFormat is the layout used in entry timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Entry is one line of a hash-chained JSONL export.
// All fields are structs (no map[string]any) so json.Marshal field order is
// deterministic and hashes are reproducible.
type Entry struct {
	Timestamp  string            `json:"ts"`
	Event      string            `json:"event"`
	WorkUnitID string            `json:"work_unit_id"`
	Flag       trifecta.Flag     `json:"flag,omitempty"`
	Source     string            `json:"source,omitempty"`
	State      trifecta.Snapshot `json:"state"`
	PrevHash   string            `json:"prev_hash"`
}
