package eventlog

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriterRotatesHourly(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2025, 6, 1, 10, 59, 0, 0, time.UTC)
	w := NewWriter(dir, "felling")
	w.now = func() time.Time { return clock }

	require.NoError(t, w.Write(NewEvent(KindChop, "f1", "alex", map[string]int{"logs": 5})))
	require.NoError(t, w.Write(Event{Kind: KindToggle, Player: "sam"}))
	clock = clock.Add(2 * time.Minute)
	require.NoError(t, w.Write(NewEvent(KindLanded, "f1", "alex", nil)))
	require.NoError(t, w.Close())

	files, err := Files(dir, "felling")
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(dir, "felling-2025-06-01-10.jsonl.zst"),
		filepath.Join(dir, "felling-2025-06-01-11.jsonl.zst"),
	}, files)

	first, err := ReadFile(files[0])
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Equal(t, KindChop, first[0].Kind)
	var data map[string]int
	require.NoError(t, json.Unmarshal(first[0].Data, &data))
	require.Equal(t, 5, data["logs"])
	require.Equal(t, "sam", first[1].Player)
	require.True(t, clock.Add(-2*time.Minute).Equal(first[1].Time))

	second, err := ReadFile(files[1])
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, KindLanded, second[0].Kind)
	require.Empty(t, second[0].Data)
}

func TestWriterAppendsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		w := NewWriter(dir, "felling")
		w.now = func() time.Time { return clock }
		require.NoError(t, w.Write(Event{Kind: KindRejected, Player: "alex"}))
		require.NoError(t, w.Close())
	}

	files, err := Files(dir, "felling")
	require.NoError(t, err)
	require.Len(t, files, 1)
	events, err := ReadFile(files[0])
	require.NoError(t, err)
	require.Len(t, events, 2)
}
