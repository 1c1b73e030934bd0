package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasuganosora/cleanslate/pkg/changelog"
	"github.com/kasuganosora/cleanslate/pkg/domain"
)

func TestHydrate_SingleActiveTablePolicy(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	// First session: two tables, both exported; "People" active.
	f1 := newFixture(t, root)
	f1.seedUserTable(t, "t1", "Orders", 5)
	f1.seedUserTable(t, "t2", "People", 7)
	require.NoError(t, f1.coord.SaveTableNow(ctx, "t1", true))
	require.NoError(t, f1.coord.SaveTableNow(ctx, "t2", true))
	f1.reg.SetActive("t2")
	require.NoError(t, f1.coord.Shutdown(ctx))

	// Second session: fresh engine, hydrate from disk.
	f2 := newFixture(t, root)
	require.NoError(t, f2.coord.Hydrate(ctx))

	tables := f2.reg.List()
	require.Len(t, tables, 2)

	active, ok := f2.reg.Active()
	require.True(t, ok)
	assert.Equal(t, "People", active.Name)
	assert.False(t, active.Frozen)

	orders, ok := f2.reg.GetByName("Orders")
	require.True(t, ok)
	assert.True(t, orders.Frozen)
	assert.Equal(t, int64(5), orders.RowCount)

	// Exactly one table lives in the SQL engine.
	liveOrders, err := f2.eng.TableExists(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, liveOrders)

	livePeople, err := f2.eng.TableExists(ctx, "people")
	require.NoError(t, err)
	assert.True(t, livePeople)

	count, err := f2.eng.CountRows(ctx, "people")
	require.NoError(t, err)
	assert.Equal(t, int64(7), count)
}

func TestHydrate_SkipsReservedSnapshots(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	f1 := newFixture(t, root)
	f1.seedUserTable(t, "t1", "Orders", 3)
	require.NoError(t, f1.coord.SaveTableNow(ctx, "t1", true))

	// Plant internal snapshots alongside the user one.
	_, err := f1.snaps.ExportTableToSnapshot(ctx, f1.eng, "orders", "original_orders_abc", nil)
	require.NoError(t, err)
	_, err = f1.snaps.ExportTableToSnapshot(ctx, f1.eng, "orders", "snapshot_tl1_0", nil)
	require.NoError(t, err)

	f2 := newFixture(t, root)
	require.NoError(t, f2.coord.Hydrate(ctx))

	tables := f2.reg.List()
	require.Len(t, tables, 1)
	assert.Equal(t, "Orders", tables[0].Name)
}

func TestHydrate_CrashReplay(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	// Session 1: snapshot, then a cell edit that only reaches the
	// changelog before the process dies.
	f1 := newFixture(t, root)
	f1.seedUserTable(t, "t1", "Orders", 3)
	require.NoError(t, f1.coord.SaveTableNow(ctx, "t1", true))

	require.NoError(t, f1.eng.Execute(ctx, `UPDATE orders SET b = 'y' WHERE _cs_id = 100`))
	require.NoError(t, f1.coord.RecordCellEdit("t1", 100, "b", "b0", "y"))
	// No shutdown: simulated crash.

	// Session 2: hydrate restores the snapshot and replays the edit.
	f2 := newFixture(t, root)
	require.NoError(t, f2.coord.Hydrate(ctx))

	rows, err := f2.eng.Query(ctx, `SELECT b FROM orders WHERE _cs_id = 100`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "y", rows[0]["b"])

	// The replayed backlog marks the table dirty so the next compaction
	// folds it into the snapshot.
	assert.True(t, f2.coord.IsDirty("t1"))
}

func TestEditCompactReload(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	f1 := newFixture(t, root)
	f1.seedUserTable(t, "t1", "Orders", 3)
	require.NoError(t, f1.coord.SaveTableNow(ctx, "t1", true))

	require.NoError(t, f1.eng.Execute(ctx, `UPDATE orders SET b = 'y' WHERE _cs_id = 100`))
	require.NoError(t, f1.coord.RecordCellEdit("t1", 100, "b", "x", "y"))
	require.NoError(t, f1.coord.CompactOnce(ctx))

	assert.Equal(t, 0, f1.clog.Count("t1"), "compaction clears the changelog")

	f2 := newFixture(t, root)
	require.NoError(t, f2.coord.Hydrate(ctx))

	rows, err := f2.eng.Query(ctx, `SELECT b FROM orders WHERE _cs_id = 100`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "y", rows[0]["b"], "the compacted snapshot carries the edit")
	assert.Equal(t, 0, f2.clog.Count("t1"))
}

func TestHydrate_ReplaysInsertAndDelete(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	f1 := newFixture(t, root)
	f1.seedUserTable(t, "t1", "Orders", 3)
	require.NoError(t, f1.coord.SaveTableNow(ctx, "t1", true))

	// Log an insert and a delete without saving a new snapshot.
	require.NoError(t, f1.clog.Append(&changelog.Entry{
		Type: changelog.EntryInsertRow, TableID: "t1", TS: 1,
		CsID: 400, OriginID: "o-new", ColumnNames: []string{"a", "b"},
	}))
	require.NoError(t, f1.clog.Append(&changelog.Entry{
		Type: changelog.EntryDeleteRow, TableID: "t1", TS: 2,
		CsIDs: []int64{200}, ColumnNames: []string{"a", "b"},
	}))

	f2 := newFixture(t, root)
	require.NoError(t, f2.coord.Hydrate(ctx))

	rows, err := f2.eng.Query(ctx, `SELECT _cs_id FROM orders ORDER BY _cs_id`)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, int64(100), rows[0][domain.ColCsID])
	assert.Equal(t, int64(300), rows[1][domain.ColCsID])
	assert.Equal(t, int64(400), rows[2][domain.ColCsID])
}

func TestFreezeThaw(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.seedUserTable(t, "t1", "Orders", 3)
	ctx := context.Background()

	require.NoError(t, f.coord.SaveTableNow(ctx, "t1", true))
	require.NoError(t, f.coord.FreezeTable(ctx, "t1"))

	meta, _ := f.reg.Get("t1")
	assert.True(t, meta.Frozen)
	exists, err := f.eng.TableExists(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, f.coord.ThawTable(ctx, "t1"))
	meta, _ = f.reg.Get("t1")
	assert.False(t, meta.Frozen)
	count, err := f.eng.CountRows(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}
