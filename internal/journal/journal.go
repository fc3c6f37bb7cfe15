// Package journal keeps an append-only, hash-chained record of node state
// transitions. Each entry's hash covers its canonical fields plus the previous
// entry's hash, so any after-the-fact edit breaks verification.
package journal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"pipewright/pkg/utils"
)

// Entry is one recorded transition. File format: JSON lines, one entry per line.
type Entry struct {
	Seq      int       `json:"seq"`
	RunID    string    `json:"runId"`
	Node     string    `json:"node"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	Detail   string    `json:"detail,omitempty"`
	Time     time.Time `json:"time"`
	PrevHash string    `json:"prevHash,omitempty"`
	Hash     string    `json:"hash"`
}

// canonical is the string the entry hash is computed over.
func (e *Entry) canonical() string {
	return fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%s",
		e.Seq, e.RunID, e.Node, e.From, e.To, e.Detail,
		e.Time.UTC().Format(time.RFC3339Nano), e.PrevHash)
}

// Journal is an append-only transition log backed by a JSONL file.
type Journal struct {
	mu      sync.Mutex
	path    string
	entries []*Entry
}

// Open loads an existing journal file or starts an empty one.
func Open(path string) (*Journal, error) {
	j := &Journal{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return j, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading journal %s: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("decoding journal entry: %w", err)
		}
		j.entries = append(j.entries, &e)
	}
	return j, nil
}

// Record appends one transition, chained to the previous entry, and persists
// it before returning. Implements the scheduler's TransitionRecorder.
func (j *Journal) Record(runID, node, from, to, detail string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	e := &Entry{
		Seq:    len(j.entries),
		RunID:  runID,
		Node:   node,
		From:   from,
		To:     to,
		Detail: detail,
		Time:   time.Now().UTC(),
	}
	if n := len(j.entries); n > 0 {
		e.PrevHash = j.entries[n-1].Hash
	}
	e.Hash = utils.HashString(e.canonical())

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(e); err != nil {
		return fmt.Errorf("writing journal entry: %w", err)
	}

	j.entries = append(j.entries, e)
	return nil
}

// Verify walks the chain, recomputing every hash.
func (j *Journal) Verify() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	prev := ""
	for i, e := range j.entries {
		if e.PrevHash != prev {
			return fmt.Errorf("entry %d: prevHash mismatch", i)
		}
		if got := utils.HashString(e.canonical()); got != e.Hash {
			return fmt.Errorf("entry %d: hash mismatch", i)
		}
		prev = e.Hash
	}
	return nil
}

// Entries returns a copy of the recorded entries.
func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Entry, len(j.entries))
	for i, e := range j.entries {
		out[i] = *e
	}
	return out
}

// ForRun returns the entries recorded for one run, in order.
func (j *Journal) ForRun(runID string) []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []Entry
	for _, e := range j.entries {
		if e.RunID == runID {
			out = append(out, *e)
		}
	}
	return out
}
