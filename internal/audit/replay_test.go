package audit

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/viamin/aidp-sub015/internal/trifecta"
)

func writeChain(t *testing.T, entries ...Entry) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	c := NewChain(&buf)
	for _, e := range entries {
		if err := c.Record(e); err != nil {
			t.Fatal(err)
		}
	}
	return bytes.NewReader(buf.Bytes())
}

func TestReplayFiltersByWorkUnit(t *testing.T) {
	r := writeChain(t,
		Entry{Event: EventViolation, WorkUnitID: "a", Flag: trifecta.PrivateData},
		Entry{Event: EventWorkUnitEnded, WorkUnitID: "a"},
		Entry{Event: EventWorkUnitEnded, WorkUnitID: "b"},
	)

	res, err := Replay(r, Filter{WorkUnitID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(res.Entries))
	}
	if res.Summary.Violations != 1 || res.Summary.WorkUnitsEnded != 1 || res.Summary.ByFlag["private_data"] != 1 {
		t.Errorf("unexpected summary %+v", res.Summary)
	}
}

func TestReplayFiltersByEvent(t *testing.T) {
	r := writeChain(t,
		Entry{Event: EventViolation, WorkUnitID: "a", Flag: trifecta.Egress},
		Entry{Event: EventViolation, WorkUnitID: "b", Flag: trifecta.Egress},
		Entry{Event: EventWorkUnitEnded, WorkUnitID: "a"},
	)

	res, err := Replay(r, Filter{Event: EventViolation})
	if err != nil {
		t.Fatal(err)
	}
	if res.Summary.Total != 2 || res.Summary.ByFlag["egress"] != 2 {
		t.Errorf("unexpected summary %+v", res.Summary)
	}
}

func TestReplayTimeRange(t *testing.T) {
	r := writeChain(t,
		Entry{Timestamp: "2025-01-15T10:00:00.000Z", Event: EventWorkUnitEnded, WorkUnitID: "early"},
		Entry{Timestamp: "2025-01-15T12:00:00.000Z", Event: EventWorkUnitEnded, WorkUnitID: "mid"},
		Entry{Timestamp: "2025-01-15T14:00:00.000Z", Event: EventWorkUnitEnded, WorkUnitID: "late"},
	)

	from := time.Date(2025, 1, 15, 11, 0, 0, 0, time.UTC)
	to := time.Date(2025, 1, 15, 13, 0, 0, 0, time.UTC)
	res, err := Replay(r, Filter{From: from, To: to})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entries) != 1 || res.Entries[0].WorkUnitID != "mid" {
		t.Fatalf("expected only mid, got %+v", res.Entries)
	}
	if res.Summary.FirstTimestamp != "2025-01-15T12:00:00.000Z" || res.Summary.LastTimestamp != res.Summary.FirstTimestamp {
		t.Errorf("unexpected timestamps %+v", res.Summary)
	}
}

func TestReplayCountsLethalTrifecta(t *testing.T) {
	lethal := trifecta.Snapshot{WorkUnitID: "x", UntrustedInput: true, PrivateData: true, Egress: true, EnabledCount: 3, LethalTrifecta: true}
	r := writeChain(t, Entry{Event: EventWorkUnitEnded, WorkUnitID: "x", State: lethal})

	res, err := Replay(r, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Summary.LethalTrifecta != 1 {
		t.Errorf("expected lethal count 1, got %+v", res.Summary)
	}
}

func TestReplayEmptyAndMalformed(t *testing.T) {
	res, err := Replay(writeChain(t), Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entries) != 0 || res.Summary.Total != 0 {
		t.Errorf("expected empty result, got %+v", res)
	}

	res, err = Replay(strings.NewReader("garbage\n{\"event\":\"violation\",\"flag\":\"egress\"}\n"), Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Summary.Total != 1 || res.Summary.ByFlag["egress"] != 1 {
		t.Errorf("malformed lines should be skipped, got %+v", res.Summary)
	}
}
