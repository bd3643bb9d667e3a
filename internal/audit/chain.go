// Package audit renders the enforcer's archive as hash-chained JSONL. Each
// line carries the hash of the line before it, so edits, deletions and
// insertions are detectable with Verify. The package owns no files: entries
// go to whatever io.Writer the caller hands it.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/viamin/aidp-sub015/internal/trifecta"
)

// GenesisHash is the prev_hash of the first entry in a chain.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// Chain writes hash-linked entries to w. Safe for concurrent use.
type Chain struct {
	w        io.Writer
	prevHash string
	now      func() time.Time
	mu       sync.Mutex
}

// NewChain starts a chain at GenesisHash.
func NewChain(w io.Writer) *Chain {
	return &Chain{w: w, prevHash: GenesisHash, now: time.Now}
}

// Head returns the hash of the last written line.
func (c *Chain) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prevHash
}

// Record appends entry, filling PrevHash and an empty Timestamp.
func (c *Chain) Record(entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry.Timestamp == "" {
		entry.Timestamp = c.now().UTC().Format(TimestampFormat)
	}
	entry.PrevHash = c.prevHash

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := c.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}

	c.prevHash = HashLine(line)
	return nil
}

// RecordEnd writes a work unit's final snapshot.
func (c *Chain) RecordEnd(snap trifecta.Snapshot) error {
	return c.Record(Entry{
		Event:      EventWorkUnitEnded,
		WorkUnitID: snap.WorkUnitID,
		State:      snap,
	})
}

// RecordViolation writes a rejected enable.
func (c *Chain) RecordViolation(v *trifecta.PolicyViolation) error {
	return c.Record(Entry{
		Event:      EventViolation,
		WorkUnitID: v.WorkUnitID,
		Flag:       v.Flag,
		Source:     v.Source,
		State:      v.State,
	})
}

// HashLine returns "sha256:<hex>" of line.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}
