package changelog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasuganosora/cleanslate/pkg/blob"
)

func newTestStore(t *testing.T) (*Store, *blob.Store) {
	t.Helper()
	blobs, err := blob.NewStore(t.TempDir())
	require.NoError(t, err)
	s, err := NewStore(blobs)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, blobs
}

func TestAppendReadAll_Order(t *testing.T) {
	s, _ := newTestStore(t)

	entries := []*Entry{
		{Type: EntryCellEdit, TableID: "t1", TS: 1, RowID: 100, Column: "b", OldValue: "x", NewValue: "y"},
		{Type: EntryInsertRow, TableID: "t1", TS: 2, CsID: 300, OriginID: "o3", ColumnNames: []string{"a", "b"}},
		{Type: EntryDeleteRow, TableID: "t1", TS: 3, CsIDs: []int64{200}},
	}
	for _, e := range entries {
		require.NoError(t, s.Append(e))
	}

	read, err := s.ReadAll("t1")
	require.NoError(t, err)
	require.Len(t, read, 3)
	assert.Equal(t, EntryCellEdit, read[0].Type)
	assert.Equal(t, int64(100), read[0].RowID)
	assert.Equal(t, "y", read[0].NewValue)
	assert.Equal(t, EntryInsertRow, read[1].Type)
	assert.Equal(t, int64(300), read[1].CsID)
	assert.Equal(t, EntryDeleteRow, read[2].Type)
	assert.Equal(t, []int64{200}, read[2].CsIDs)
}

func TestAppend_SameCellTwice(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Append(&Entry{Type: EntryCellEdit, TableID: "t1", TS: 1, RowID: 100, Column: "b", OldValue: "x", NewValue: "y"}))
	require.NoError(t, s.Append(&Entry{Type: EntryCellEdit, TableID: "t1", TS: 2, RowID: 100, Column: "b", OldValue: "y", NewValue: "z"}))

	read, err := s.ReadAll("t1")
	require.NoError(t, err)
	require.Len(t, read, 2, "both edits persist; replay order decides the final value")
	assert.Equal(t, "y", read[0].NewValue)
	assert.Equal(t, "z", read[1].NewValue)
}

func TestCounts(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Append(&Entry{Type: EntryCellEdit, TableID: "t1", TS: 1, RowID: 100, Column: "a", NewValue: "v"}))
	require.NoError(t, s.Append(&Entry{Type: EntryCellEdit, TableID: "t1", TS: 2, RowID: 200, Column: "a", NewValue: "v"}))
	require.NoError(t, s.Append(&Entry{Type: EntryCellEdit, TableID: "t2", TS: 3, RowID: 100, Column: "a", NewValue: "v"}))

	assert.Equal(t, 2, s.Count("t1"))
	assert.Equal(t, 1, s.Count("t2"))
	assert.Equal(t, 0, s.Count("t3"))
	assert.Equal(t, 3, s.TotalCount())
	assert.ElementsMatch(t, []string{"t1", "t2"}, s.TableIDs())
}

func TestClear(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Append(&Entry{Type: EntryCellEdit, TableID: "t1", TS: 1, RowID: 100, Column: "a", NewValue: "v"}))
	require.NoError(t, s.Clear("t1"))

	assert.Equal(t, 0, s.Count("t1"))
	read, err := s.ReadAll("t1")
	require.NoError(t, err)
	assert.Empty(t, read)

	// Appending after a clear reopens the file.
	require.NoError(t, s.Append(&Entry{Type: EntryCellEdit, TableID: "t1", TS: 2, RowID: 100, Column: "a", NewValue: "w"}))
	assert.Equal(t, 1, s.Count("t1"))
}

func TestReopen_CountsBacklog(t *testing.T) {
	blobs, err := blob.NewStore(t.TempDir())
	require.NoError(t, err)

	s1, err := NewStore(blobs)
	require.NoError(t, err)
	require.NoError(t, s1.Append(&Entry{Type: EntryCellEdit, TableID: "t1", TS: 1, RowID: 100, Column: "a", NewValue: "v"}))
	require.NoError(t, s1.Append(&Entry{Type: EntryCellEdit, TableID: "t1", TS: 2, RowID: 200, Column: "a", NewValue: "w"}))
	require.NoError(t, s1.Close())

	s2, err := NewStore(blobs)
	require.NoError(t, err)
	defer s2.Close()
	assert.Equal(t, 2, s2.Count("t1"))
}

func TestReadAll_LegacyTypelessEntry(t *testing.T) {
	s, blobs := newTestStore(t)

	path := filepath.Join(blobs.Root(), blob.DirChangelog, "t1.jsonl")
	legacy := `{"tableId":"t1","ts":1,"rowId":100,"column":"b","oldValue":"x","newValue":"y"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0644))

	read, err := s.ReadAll("t1")
	require.NoError(t, err)
	require.Len(t, read, 1)
	assert.Equal(t, EntryCellEdit, read[0].Type)
	assert.Equal(t, "y", read[0].NewValue)
}

func TestReadAll_TornTail(t *testing.T) {
	s, blobs := newTestStore(t)

	require.NoError(t, s.Append(&Entry{Type: EntryCellEdit, TableID: "t1", TS: 1, RowID: 100, Column: "a", NewValue: "v"}))

	// Simulate a crash mid-append: a truncated JSON object at the tail.
	path := filepath.Join(blobs.Root(), blob.DirChangelog, "t1.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"cell_edit","tableId":"t1","ts":2,"rowId":2`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	read, err := s.ReadAll("t1")
	require.NoError(t, err)
	require.Len(t, read, 1)
	assert.Equal(t, int64(1), read[0].TS)
}

func TestReadAll_Missing(t *testing.T) {
	s, _ := newTestStore(t)

	read, err := s.ReadAll("nothing")
	require.NoError(t, err)
	assert.Empty(t, read)
}
