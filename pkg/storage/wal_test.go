package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/toolstore/pkg/engine"
)

func TestWALAppendOrder(t *testing.T) {
	w, err := NewWAL(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	w.now = func() time.Time { return fixed }

	var ids []string
	for i := 0; i < 12; i++ {
		id, err := w.Append(OpCreate, "tasks", "rec/"+string(rune('a'+i)), nil, engine.Record{"n": i})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	entries, err := w.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, len(ids))
	for i, entry := range entries {
		assert.Equal(t, ids[i], entry.OperationID, "same-tick entries keep append order")
		assert.Equal(t, float64(i), entry.NewState["n"])
	}

	files, err := os.ReadDir(w.Dir())
	require.NoError(t, err)
	assert.Contains(t, files[0].Name(), "_create_tasks_rec-a.json")
}

func TestWALSkipsCorruptEntries(t *testing.T) {
	w, err := NewWAL(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	_, err = w.Append(OpDelete, "tasks", "1", engine.Record{"_id": "1"}, nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(w.Dir(), "00000000T000000.000000000Z-000000_create_x_y.json"), []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(w.Dir(), "README"), []byte("ignored"), 0o644))

	entries, err := w.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, OpDelete, entries[0].Operation)
}

func TestWALPrune(t *testing.T) {
	w, err := NewWAL(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, age := range []time.Duration{10 * 24 * time.Hour, 8 * 24 * time.Hour, time.Hour} {
		w.now = func() time.Time { return now.Add(-age) }
		_, err := w.Append(OpUpdate, "tasks", "1", nil, nil)
		require.NoError(t, err)
	}
	w.now = func() time.Time { return now }

	tests := []struct {
		name      string
		retention time.Duration
		removed   int
		remaining int
	}{
		{name: "disabled", retention: 0, removed: 0, remaining: 3},
		{name: "a week", retention: 7 * 24 * time.Hour, removed: 2, remaining: 1},
		{name: "again", retention: 7 * 24 * time.Hour, removed: 0, remaining: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.removed, w.Prune(tt.retention))
			entries, err := w.ReadAll()
			require.NoError(t, err)
			assert.Len(t, entries, tt.remaining)
		})
	}
}

func TestWALPruneMissingDirIsSilent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wal")
	w, err := NewWAL(dir, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(dir))

	assert.Equal(t, 0, w.Prune(time.Hour))
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "a-b-c-d-e-f", safeName(`a/b\c_d:e f`))
}
