package state

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const defaultWM = "1900-01-01 00:00:00"

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestStore_FirstRun(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "etl_state.json")
	s := Open(path, defaultWM, discardLogger())

	assert.Equal(t, defaultWM, s.Get("fact_traffic"))
	assert.Empty(t, s.Snapshot())
}

func TestStore_CommitPersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "etl_state.json")
	s := Open(path, defaultWM, discardLogger())

	require.NoError(t, s.Commit("fact_traffic", "2024-06-01 10:30:00"))
	require.NoError(t, s.Commit("fact_errors", "2024-06-01 09:00:00"))
	assert.Equal(t, "2024-06-01 10:30:00", s.Get("fact_traffic"))

	reopened := Open(path, defaultWM, discardLogger())
	assert.Equal(t, "2024-06-01 10:30:00", reopened.Get("fact_traffic"))
	assert.Equal(t, "2024-06-01 09:00:00", reopened.Get("fact_errors"))
	assert.Equal(t, defaultWM, reopened.Get("dim_stores"))
}

func TestStore_Reset(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "etl_state.json")
	s := Open(path, defaultWM, discardLogger())

	require.NoError(t, s.Commit("fact_traffic", "2024-06-01 10:30:00"))
	require.NoError(t, s.Reset("fact_traffic"))
	assert.Equal(t, defaultWM, s.Get("fact_traffic"))

	reopened := Open(path, defaultWM, discardLogger())
	assert.Equal(t, defaultWM, reopened.Get("fact_traffic"))
}

func TestStore_CorruptFileStartsFresh(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "etl_state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s := Open(path, defaultWM, discardLogger())
	assert.Equal(t, defaultWM, s.Get("fact_traffic"))

	// The store is still writable after recovering.
	require.NoError(t, s.Commit("fact_traffic", "2024-06-01 10:30:00"))
	assert.Equal(t, "2024-06-01 10:30:00", s.Get("fact_traffic"))
}

func TestStore_Snapshot(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "etl_state.json")
	s := Open(path, defaultWM, discardLogger())
	require.NoError(t, s.Commit("fact_traffic", "2024-06-01 10:30:00"))

	snap := s.Snapshot()
	assert.Equal(t, map[string]string{"fact_traffic": "2024-06-01 10:30:00"}, snap)

	// Mutating the snapshot must not touch the store.
	snap["fact_traffic"] = "tampered"
	assert.Equal(t, "2024-06-01 10:30:00", s.Get("fact_traffic"))
}
