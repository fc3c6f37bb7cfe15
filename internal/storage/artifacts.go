// Package storage persists per-node artifacts (logs, reports) keyed by run
// and node id. Streams are append-only and historical runs are never
// overwritten; retention is an external concern.
package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"pipewright/internal/core"
	"pipewright/pkg/utils"
)

const indexName = ".index.jsonl"

// ArtifactInfo describes one stored artifact.
type ArtifactInfo struct {
	Node     string    `json:"node"`
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	SHA256   string    `json:"sha256,omitempty"`
	ClosedAt time.Time `json:"closedAt,omitempty"`
}

// Store is a filesystem-backed artifact store. Layout:
// root/<runID>/<node>/<name>, with a per-node JSONL index of closed artifacts.
type Store struct {
	root string
	log  *zap.Logger
}

func NewStore(root string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{root: root, log: log}
}

// Create opens an append-only stream for a new artifact. Fails with
// core.ErrArtifactExists if the artifact was already written: history is
// immutable. Implements core.ArtifactSink.
func (s *Store) Create(runID, nodeID, name string) (io.WriteCloser, error) {
	dir := filepath.Join(s.root, sanitize(runID), sanitize(nodeID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact dir: %w", err)
	}
	path := filepath.Join(dir, sanitize(name))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%s/%s/%s: %w", runID, nodeID, name, core.ErrArtifactExists)
		}
		return nil, fmt.Errorf("creating artifact: %w", err)
	}

	s.log.Debug("artifact stream opened",
		zap.String("run", runID), zap.String("node", nodeID), zap.String("name", name))
	return &writer{
		f:     f,
		h:     sha256.New(),
		store: s,
		info:  ArtifactInfo{Node: sanitize(nodeID), Name: sanitize(name)},
		dir:   dir,
	}, nil
}

// writer streams to disk unbuffered so partial logs survive a crash, and
// records size and digest in the node index on Close.
type writer struct {
	f     *os.File
	h     hash.Hash
	store *Store
	info  ArtifactInfo
	dir   string
}

func (w *writer) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.h.Write(p[:n])
	w.info.Size += int64(n)
	return n, err
}

func (w *writer) Close() error {
	if err := w.f.Close(); err != nil {
		return err
	}
	w.info.SHA256 = hex.EncodeToString(w.h.Sum(nil))
	w.info.ClosedAt = time.Now().UTC()

	idx, err := os.OpenFile(filepath.Join(w.dir, indexName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening artifact index: %w", err)
	}
	defer idx.Close()
	return json.NewEncoder(idx).Encode(w.info)
}

// ReadRange reads up to limit bytes of an artifact starting at offset, for
// log tailing. limit <= 0 reads to the end.
func (s *Store) ReadRange(runID, nodeID, name string, offset, limit int64) ([]byte, error) {
	path := filepath.Join(s.root, sanitize(runID), sanitize(nodeID), sanitize(name))
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= st.Size() {
		return nil, nil
	}
	remaining := st.Size() - offset
	if limit <= 0 || limit > remaining {
		limit = remaining
	}

	buf := make([]byte, limit)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

// Size returns the current size of an artifact, which may still be growing.
func (s *Store) Size(runID, nodeID, name string) (int64, error) {
	st, err := os.Stat(filepath.Join(s.root, sanitize(runID), sanitize(nodeID), sanitize(name)))
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// List returns the artifacts recorded for one node of a run, including
// still-open streams (with their size so far and no digest).
func (s *Store) List(runID, nodeID string) ([]ArtifactInfo, error) {
	dir := filepath.Join(s.root, sanitize(runID), sanitize(nodeID))
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	closed := make(map[string]ArtifactInfo)
	if data, err := os.ReadFile(filepath.Join(dir, indexName)); err == nil {
		dec := json.NewDecoder(bytes.NewReader(data))
		for dec.More() {
			var info ArtifactInfo
			if err := dec.Decode(&info); err != nil {
				break
			}
			closed[info.Name] = info
		}
	}

	var out []ArtifactInfo
	for _, e := range entries {
		if e.IsDir() || e.Name() == indexName {
			continue
		}
		if info, ok := closed[e.Name()]; ok {
			out = append(out, info)
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, ArtifactInfo{Node: sanitize(nodeID), Name: e.Name(), Size: fi.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// VerifyDigests recomputes the digest of every closed artifact recorded in a
// node's index against the bytes on disk.
func (s *Store) VerifyDigests(runID, nodeID string) error {
	dir := filepath.Join(s.root, sanitize(runID), sanitize(nodeID))
	data, err := os.ReadFile(filepath.Join(dir, indexName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var info ArtifactInfo
		if err := dec.Decode(&info); err != nil {
			return fmt.Errorf("decoding artifact index: %w", err)
		}
		got, err := utils.HashFile(filepath.Join(dir, info.Name))
		if err != nil {
			return err
		}
		if got != info.SHA256 {
			return fmt.Errorf("artifact %s/%s/%s: digest mismatch", runID, nodeID, info.Name)
		}
	}
	return nil
}

// sanitize keeps artifact keys filesystem-safe.
func sanitize(name string) string {
	clean := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			clean = append(clean, r)
		case r == '-' || r == '_' || r == '.':
			clean = append(clean, r)
		default:
			clean = append(clean, '_')
		}
	}
	if len(clean) == 0 {
		return "artifact"
	}
	return string(clean)
}
