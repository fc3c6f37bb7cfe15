package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipewright/internal/core"
	"pipewright/pkg/utils"
)

func TestStoreStreamingWriteAndRangedRead(t *testing.T) {
	s := NewStore(t.TempDir(), nil)

	w, err := s.Create("run-1", "CI", "unit.log")
	require.NoError(t, err)

	// Incremental writes are visible before Close.
	fmt.Fprint(w, "hello ")
	got, err := s.ReadRange("run-1", "CI", "unit.log", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello ", string(got))

	fmt.Fprint(w, "world")
	require.NoError(t, w.Close())

	got, err = s.ReadRange("run-1", "CI", "unit.log", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))

	// Random access.
	got, err = s.ReadRange("run-1", "CI", "unit.log", 6, 3)
	require.NoError(t, err)
	assert.Equal(t, "wor", string(got))

	// Offset past the end yields nothing.
	got, err = s.ReadRange("run-1", "CI", "unit.log", 100, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	size, err := s.Size("run-1", "CI", "unit.log")
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)
}

func TestStoreNeverOverwrites(t *testing.T) {
	s := NewStore(t.TempDir(), nil)

	w, err := s.Create("run-1", "CI", "unit.log")
	require.NoError(t, err)
	fmt.Fprint(w, "original")
	require.NoError(t, w.Close())

	_, err = s.Create("run-1", "CI", "unit.log")
	assert.ErrorIs(t, err, core.ErrArtifactExists)

	got, _ := s.ReadRange("run-1", "CI", "unit.log", 0, 0)
	assert.Equal(t, "original", string(got))
}

func TestStoreListWithDigests(t *testing.T) {
	s := NewStore(t.TempDir(), nil)

	w, err := s.Create("run-1", "CI", "unit.log")
	require.NoError(t, err)
	fmt.Fprint(w, "report body")
	require.NoError(t, w.Close())

	open, err := s.Create("run-1", "CI", "live.log")
	require.NoError(t, err)
	fmt.Fprint(open, "partial")

	infos, err := s.List("run-1", "CI")
	require.NoError(t, err)
	require.Len(t, infos, 2)

	// Sorted by name: live.log then unit.log.
	assert.Equal(t, "live.log", infos[0].Name)
	assert.Empty(t, infos[0].SHA256, "open stream has no digest yet")
	assert.Equal(t, int64(len("partial")), infos[0].Size)

	assert.Equal(t, "unit.log", infos[1].Name)
	assert.Equal(t, utils.HashString("report body"), infos[1].SHA256)
	assert.Equal(t, int64(len("report body")), infos[1].Size)

	require.NoError(t, open.Close())
}

func TestStoreListMissingNode(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	infos, err := s.List("run-x", "nope")
	require.NoError(t, err)
	assert.Nil(t, infos)
}

func TestStoreSanitizesKeys(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	w, err := s.Create("run-1", "Deploy Prod", "../escape.log")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	infos, err := s.List("run-1", "Deploy Prod")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, ".._escape.log", infos[0].Name)
}

func TestStoreVerifyDigests(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, nil)

	w, err := s.Create("run-1", "CI", "unit.log")
	require.NoError(t, err)
	fmt.Fprint(w, "report body")
	require.NoError(t, w.Close())

	require.NoError(t, s.VerifyDigests("run-1", "CI"))

	// Rewrite the artifact behind the store's back.
	path := filepath.Join(dir, "run-1", "CI", "unit.log")
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o644))
	assert.Error(t, s.VerifyDigests("run-1", "CI"))

	// Node without an index verifies trivially.
	require.NoError(t, s.VerifyDigests("run-1", "nope"))
}

func TestStoreConcurrentNodesDoNotInterleave(t *testing.T) {
	s := NewStore(t.TempDir(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			node := fmt.Sprintf("stage-%d", n)
			w, err := s.Create("run-1", node, "job.log")
			assert.NoError(t, err)
			for j := 0; j < 50; j++ {
				fmt.Fprintf(w, "line %d from %s\n", j, node)
			}
			assert.NoError(t, w.Close())
		}(i)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		node := fmt.Sprintf("stage-%d", i)
		got, err := s.ReadRange("run-1", node, "job.log", 0, 0)
		require.NoError(t, err)
		assert.Contains(t, string(got), fmt.Sprintf("line 49 from %s\n", node))
		assert.NotContains(t, string(got), "from stage-"+fmt.Sprint((i+1)%8))
	}
}
