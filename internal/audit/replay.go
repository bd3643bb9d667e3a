package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Filter selects chain entries. Zero fields match everything.
type Filter struct {
	WorkUnitID string
	Event      string
	From       time.Time
	To         time.Time
}

func (f Filter) match(e Entry) bool {
	if f.WorkUnitID != "" && e.WorkUnitID != f.WorkUnitID {
		return false
	}
	if f.Event != "" && e.Event != f.Event {
		return false
	}
	if f.From.IsZero() && f.To.IsZero() {
		return true
	}
	ts, err := time.Parse(TimestampFormat, e.Timestamp)
	if err != nil {
		return false
	}
	if !f.From.IsZero() && ts.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ts.After(f.To) {
		return false
	}
	return true
}

// Summary counts the entries a replay returned.
type Summary struct {
	Total          int            `json:"total"`
	WorkUnitsEnded int            `json:"work_units_ended"`
	Violations     int            `json:"violations"`
	ByFlag         map[string]int `json:"violations_by_flag,omitempty"`
	LethalTrifecta int            `json:"lethal_trifecta"`
	FirstTimestamp string         `json:"first_timestamp,omitempty"`
	LastTimestamp  string         `json:"last_timestamp,omitempty"`
}

// ReplayResult holds filtered entries and their summary.
type ReplayResult struct {
	Entries []Entry `json:"entries"`
	Summary Summary `json:"summary"`
}

// Replay reads a chain from r and returns entries matching filter. Malformed
// lines are skipped; use Verify to detect them.
func Replay(r io.Reader, filter Filter) (*ReplayResult, error) {
	result := &ReplayResult{Entries: []Entry{}}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if !filter.match(e) {
			continue
		}
		result.Entries = append(result.Entries, e)
		result.Summary.add(e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: read chain: %w", err)
	}
	return result, nil
}

func (s *Summary) add(e Entry) {
	s.Total++
	switch e.Event {
	case EventWorkUnitEnded:
		s.WorkUnitsEnded++
		if e.State.LethalTrifecta {
			s.LethalTrifecta++
		}
	case EventViolation:
		s.Violations++
		if s.ByFlag == nil {
			s.ByFlag = make(map[string]int)
		}
		s.ByFlag[string(e.Flag)]++
	}
	if s.FirstTimestamp == "" {
		s.FirstTimestamp = e.Timestamp
	}
	s.LastTimestamp = e.Timestamp
}
