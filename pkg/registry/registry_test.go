package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasuganosora/cleanslate/pkg/blob"
)

func TestAddGetRemove(t *testing.T) {
	r := New()

	r.Add(TableMeta{ID: "t1", Name: "Orders", Frozen: true, RowCount: 10})

	meta, ok := r.Get("t1")
	require.True(t, ok)
	assert.Equal(t, "Orders", meta.Name)
	assert.Equal(t, "orders", meta.NormalizedName())

	r.Remove("t1")
	_, ok = r.Get("t1")
	assert.False(t, ok)
}

func TestRemove_ClearsActive(t *testing.T) {
	r := New()
	r.Add(TableMeta{ID: "t1", Name: "a"})
	r.SetActive("t1")

	r.Remove("t1")
	assert.Equal(t, "", r.ActiveID())
}

func TestEvents(t *testing.T) {
	r := New()

	var events []Event
	r.Subscribe(func(ev Event) { events = append(events, ev) })

	r.Add(TableMeta{ID: "t1", Name: "a"})
	r.Update("t1", func(m *TableMeta) { m.RowCount = 5 })
	r.Remove("t1")

	require.Len(t, events, 3)
	assert.Equal(t, TableAdded, events[0].Kind)
	assert.Equal(t, TableUpdated, events[1].Kind)
	assert.Equal(t, int64(5), events[1].Table.RowCount)
	assert.Equal(t, TableRemoved, events[2].Kind)
}

func TestUpdate_UnknownID(t *testing.T) {
	r := New()
	assert.False(t, r.Update("nope", func(m *TableMeta) { m.RowCount = 1 }))
}

func TestGetByName(t *testing.T) {
	r := New()
	r.Add(TableMeta{ID: "t1", Name: "Orders"})
	r.Add(TableMeta{ID: "t2", Name: "People"})

	meta, ok := r.GetByName("People")
	require.True(t, ok)
	assert.Equal(t, "t2", meta.ID)

	_, ok = r.GetByName("Missing")
	assert.False(t, ok)
}

func TestList_Sorted(t *testing.T) {
	r := New()
	r.Add(TableMeta{ID: "t2", Name: "b"})
	r.Add(TableMeta{ID: "t1", Name: "a"})

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)
}

func TestAppState_RoundTrip(t *testing.T) {
	blobs, err := blob.NewStore(t.TempDir())
	require.NoError(t, err)

	r := New()
	r.Add(TableMeta{ID: "t1", Name: "Orders", SnapshotID: "orders", ColumnOrder: []string{"a", "b"}})
	r.Add(TableMeta{ID: "t2", Name: "People", SnapshotID: "people"})
	r.SetActive("t1")

	require.NoError(t, SaveAppState(blobs, SnapshotAppState(r)))

	loaded, err := LoadAppState(blobs)
	require.NoError(t, err)
	assert.Equal(t, "t1", loaded.ActiveTableID)
	require.Len(t, loaded.Tables, 2)
	assert.Equal(t, "Orders", loaded.Tables["t1"].Name)
	assert.Equal(t, []string{"a", "b"}, loaded.Tables["t1"].ColumnOrder)
}

func TestLoadAppState_Empty(t *testing.T) {
	blobs, err := blob.NewStore(t.TempDir())
	require.NoError(t, err)

	state, err := LoadAppState(blobs)
	require.NoError(t, err)
	assert.Empty(t, state.Tables)
	assert.Equal(t, "", state.ActiveTableID)
}
