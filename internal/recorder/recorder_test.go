package recorder

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordingLifecycle(t *testing.T) {
	dir := t.TempDir()
	rec := New(dir, nil)

	l, err := rec.Open("arena:i1", "json-array")
	require.NoError(t, err)

	l.Record("join", "p1", map[string]any{"slot": 0})
	l.Record("action", "p1", map[string]any{"type": "hit"})
	l.Record("sync", "", nil)
	require.NoError(t, l.Close())

	// Closed recordings drop further frames silently.
	l.Record("action", "p1", nil)
	require.NoError(t, l.Close())

	files, err := filepath.Glob(filepath.Join(dir, "arena_i1-*.json"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	var doc Recording
	require.NoError(t, json.Unmarshal(data, &doc))

	assert.Equal(t, "arena:i1", doc.Metadata.LandID)
	assert.Equal(t, "json-array", doc.Metadata.Encoding)
	assert.False(t, doc.Metadata.EndedAt.IsZero())
	require.Len(t, doc.Frames, 3)
	assert.Equal(t, uint64(1), doc.Frames[0].Seq)
	assert.Equal(t, "join", doc.Frames[0].Kind)
	assert.Equal(t, "p1", doc.Frames[0].Player)
	assert.Equal(t, "sync", doc.Frames[2].Kind)
}

func TestNilRecordingIsSafe(t *testing.T) {
	var l *LandRecording
	l.Record("join", "p1", nil)
	assert.NoError(t, l.Close())
}
