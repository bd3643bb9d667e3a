package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/viamin/aidp-sub015/internal/trifecta"
)

func endedSnapshot(id string, flags ...trifecta.Flag) trifecta.Snapshot {
	s := trifecta.NewState(id)
	for _, f := range flags {
		_ = s.Enable(f, "test")
	}
	s.Freeze()
	return s.Snapshot()
}

func testViolation(t *testing.T, id string) *trifecta.PolicyViolation {
	t.Helper()
	s := trifecta.NewState(id)
	_ = s.Enable(trifecta.UntrustedInput, "github_issue")
	_ = s.Enable(trifecta.Egress, "agent_operation:git_push")
	v, ok := trifecta.AsPolicyViolation(s.Enable(trifecta.PrivateData, "secrets_proxy:gh"))
	if !ok {
		t.Fatal("expected violation")
	}
	return v
}

func lines(buf *bytes.Buffer) []string {
	return strings.Split(strings.TrimSpace(buf.String()), "\n")
}

func joined(ls []string) *strings.Reader {
	return strings.NewReader(strings.Join(ls, "\n") + "\n")
}

func TestSequentialWritesProduceValidChain(t *testing.T) {
	var buf bytes.Buffer
	c := NewChain(&buf)
	for i := 0; i < 5; i++ {
		if err := c.RecordEnd(endedSnapshot("wu", trifecta.Egress)); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	result := Verify(bytes.NewReader(buf.Bytes()))
	if !result.Valid {
		t.Fatalf("expected valid chain, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 5 {
		t.Fatalf("expected 5 lines, got %d", result.Lines)
	}
	ls := lines(&buf)
	if c.Head() != HashLine([]byte(ls[len(ls)-1])) {
		t.Error("head should be the hash of the last line")
	}
}

func TestRecordViolationFields(t *testing.T) {
	var buf bytes.Buffer
	if err := NewChain(&buf).RecordViolation(testViolation(t, "wu-1")); err != nil {
		t.Fatal(err)
	}

	var e Entry
	if err := json.Unmarshal([]byte(lines(&buf)[0]), &e); err != nil {
		t.Fatal(err)
	}
	if e.Event != EventViolation || e.WorkUnitID != "wu-1" || e.Flag != trifecta.PrivateData {
		t.Errorf("unexpected entry %+v", e)
	}
	if e.Source != "secrets_proxy:gh" || e.State.EnabledCount != 2 || e.State.PrivateData {
		t.Errorf("entry should carry the pre-violation state, got %+v", e)
	}
	if e.Timestamp == "" || e.PrevHash != GenesisHash {
		t.Errorf("expected timestamp and genesis hash, got %+v", e)
	}
}

func TestVerifyDetectsTamperedEntry(t *testing.T) {
	var buf bytes.Buffer
	c := NewChain(&buf)
	for i := 0; i < 3; i++ {
		_ = c.RecordEnd(endedSnapshot("wu", trifecta.Egress))
	}

	ls := lines(&buf)
	ls[1] = strings.Replace(ls[1], `"egress":true`, `"egress":false`, 1)

	result := Verify(joined(ls))
	if result.Valid {
		t.Fatal("expected tampered chain to be invalid")
	}
	if result.ErrorLine != 3 {
		t.Fatalf("expected error at line 3, got line %d", result.ErrorLine)
	}
}

func TestVerifyDetectsDeletedEntry(t *testing.T) {
	var buf bytes.Buffer
	c := NewChain(&buf)
	for i := 0; i < 3; i++ {
		_ = c.RecordEnd(endedSnapshot("wu"))
	}

	ls := lines(&buf)
	result := Verify(joined([]string{ls[0], ls[2]}))
	if result.Valid || result.ErrorLine != 2 {
		t.Fatalf("expected error at line 2, got %+v", result)
	}
}

func TestVerifyDetectsInsertedEntry(t *testing.T) {
	var buf bytes.Buffer
	c := NewChain(&buf)
	for i := 0; i < 3; i++ {
		_ = c.RecordEnd(endedSnapshot("wu"))
	}

	ls := lines(&buf)
	fake, _ := json.Marshal(Entry{Event: EventWorkUnitEnded, WorkUnitID: "forged", PrevHash: "sha256:fake"})
	if Verify(joined([]string{ls[0], string(fake), ls[1], ls[2]})).Valid {
		t.Fatal("expected chain with inserted entry to be invalid")
	}
}

func TestVerifyMalformedLine(t *testing.T) {
	result := Verify(strings.NewReader("{not json\n"))
	if result.Valid || result.ErrorLine != 1 {
		t.Fatalf("expected parse error on line 1, got %+v", result)
	}
}

func TestEmptyChainPassesVerification(t *testing.T) {
	result := Verify(strings.NewReader(""))
	if !result.Valid || result.Lines != 0 {
		t.Fatalf("expected empty chain to be valid, got %+v", result)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestWriteErrorKeepsHead(t *testing.T) {
	c := NewChain(failingWriter{})
	if err := c.RecordEnd(endedSnapshot("wu")); err == nil {
		t.Fatal("expected write error")
	}
	if c.Head() != GenesisHash {
		t.Error("failed write must not advance the chain")
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func TestConcurrentWritesSerializeCorrectly(t *testing.T) {
	var out lockedBuffer
	c := NewChain(&out)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.RecordEnd(endedSnapshot(""))
		}()
	}
	wg.Wait()

	result := Verify(bytes.NewReader(out.buf.Bytes()))
	if !result.Valid || result.Lines != 100 {
		t.Fatalf("expected 100 valid lines after concurrent writes, got %+v", result)
	}
}

func TestHashLine(t *testing.T) {
	line := []byte(`{"ts":"2025-01-15T10:30:00.000Z","event":"violation"}`)
	h := HashLine(line)
	if h != HashLine(line) {
		t.Fatal("hash must be deterministic")
	}
	if !strings.HasPrefix(h, "sha256:") || len(h) != 7+64 {
		t.Fatalf("unexpected hash format %s", h)
	}
	if HashLine([]byte("a")) == HashLine([]byte("b")) {
		t.Fatal("different inputs must hash differently")
	}
}
