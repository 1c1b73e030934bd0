package persistence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasuganosora/cleanslate/pkg/blob"
	"github.com/kasuganosora/cleanslate/pkg/changelog"
	"github.com/kasuganosora/cleanslate/pkg/config"
	"github.com/kasuganosora/cleanslate/pkg/domain"
	"github.com/kasuganosora/cleanslate/pkg/registry"
	"github.com/kasuganosora/cleanslate/pkg/snapshot"
	"github.com/kasuganosora/cleanslate/pkg/sqlengine"
)

type fixture struct {
	cfg   *config.Config
	blobs *blob.Store
	snaps *snapshot.Store
	clog  *changelog.Store
	eng   *sqlengine.SQLiteEngine
	reg   *registry.Registry
	coord *Coordinator
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Snapshot.ShardSize = 10
	cfg.Persistence.Debounce = 20 * time.Millisecond
	cfg.Persistence.DebounceLarge = 40 * time.Millisecond
	cfg.Persistence.MaxWait = 100 * time.Millisecond
	cfg.Persistence.MaxWaitLarge = 200 * time.Millisecond
	cfg.Persistence.RecentSaveWindow = 50 * time.Millisecond
	cfg.Compaction.Interval = 30 * time.Millisecond
	cfg.Compaction.IdleAfter = 50 * time.Millisecond
	return cfg
}

// newFixture builds a full persistence stack over a workspace directory.
func newFixture(t *testing.T, root string) *fixture {
	t.Helper()

	cfg := testConfig()
	blobs, err := blob.NewStore(root)
	require.NoError(t, err)
	snaps := snapshot.NewStore(blobs, cfg.Snapshot.ShardSize, cfg.Snapshot.ShardCacheSize, cfg.Snapshot.Compression, zerolog.Nop())
	clog, err := changelog.NewStore(blobs)
	require.NoError(t, err)
	eng, err := sqlengine.NewSQLiteEngine()
	require.NoError(t, err)
	reg := registry.New()
	coord := New(cfg, blobs, snaps, clog, eng, reg, zerolog.Nop())

	t.Cleanup(func() {
		coord.Stop()
		clog.Close()
		eng.Close()
	})
	return &fixture{cfg: cfg, blobs: blobs, snaps: snaps, clog: clog, eng: eng, reg: reg, coord: coord}
}

// seedUserTable creates a live table and registers it.
func (f *fixture) seedUserTable(t *testing.T, tableID, name string, n int) {
	t.Helper()
	ctx := context.Background()
	cols := []domain.ColumnInfo{
		{Name: domain.ColCsID, Type: "int64"},
		{Name: domain.ColOriginID, Type: "string", Nullable: true},
		{Name: "a", Type: "string", Nullable: true},
		{Name: "b", Type: "string", Nullable: true},
	}
	live := domain.NormalizeTableName(name)
	require.NoError(t, f.eng.CreateTable(ctx, live, cols))

	var rows []domain.Row
	for i := 0; i < n; i++ {
		rows = append(rows, domain.Row{
			domain.ColCsID:     int64((i + 1) * domain.CsIDStep),
			domain.ColOriginID: domain.NewOriginID(),
			"a":                fmt.Sprintf("a%d", i),
			"b":                fmt.Sprintf("b%d", i),
		})
	}
	require.NoError(t, f.eng.InsertRows(ctx, live, cols, rows))

	f.reg.Add(registry.TableMeta{
		ID:         tableID,
		Name:       name,
		RowCount:   int64(n),
		SnapshotID: live,
	})
	f.reg.SetActive(tableID)
}

func TestCellEditFastPath(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.seedUserTable(t, "t1", "Orders", 3)

	require.NoError(t, f.coord.RecordCellEdit("t1", 100, "b", "b0", "edited"))

	assert.Equal(t, 1, f.clog.Count("t1"))
	assert.True(t, f.coord.IsDirty("t1"))

	entries, err := f.clog.ReadAll("t1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, changelog.EntryCellEdit, entries[0].Type)
	assert.Equal(t, "edited", entries[0].NewValue)
}

func TestPrioritySave_Immediate(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.seedUserTable(t, "t1", "Orders", 3)

	f.coord.NotifyStructuralChange("t1", true)

	require.Eventually(t, func() bool {
		exists, err := f.snaps.SnapshotExists("orders")
		return err == nil && exists
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return !f.coord.IsDirty("t1") && !f.coord.SaveInProgress("t1")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDebouncedSave_FlushesAfterWindow(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.seedUserTable(t, "t1", "Orders", 3)

	f.coord.NotifyStructuralChange("t1", false)

	exists, err := f.snaps.SnapshotExists("orders")
	require.NoError(t, err)
	assert.False(t, exists, "save must not run before the debounce window")

	require.Eventually(t, func() bool {
		exists, err := f.snaps.SnapshotExists("orders")
		return err == nil && exists
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRecentSaveWindow_SuppressesDebounce(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.seedUserTable(t, "t1", "Orders", 3)

	require.NoError(t, f.coord.SaveTableNow(context.Background(), "t1", true))

	f.coord.NotifyStructuralChange("t1", false)

	f.coord.mu.Lock()
	st := f.coord.saveFor("t1")
	timerSet := st.timer != nil
	dirty := st.dirty
	f.coord.mu.Unlock()

	assert.False(t, timerSet, "debounce inside the recent-save window schedules nothing")
	assert.True(t, dirty, "the table stays marked dirty")
}

func TestSaveCoalescing(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.seedUserTable(t, "t1", "Orders", 3)
	ctx := context.Background()

	// Simulate an in-flight export and fold two requests into it.
	f.coord.mu.Lock()
	st := f.coord.saveFor("t1")
	st.inProgress = true
	f.coord.mu.Unlock()

	require.NoError(t, f.coord.SaveTableNow(ctx, "t1", false))
	require.NoError(t, f.coord.SaveTableNow(ctx, "t1", true))

	f.coord.mu.Lock()
	assert.True(t, st.pending)
	assert.True(t, st.pendingPriority, "any coalesced priority request marks the follow-up priority")
	st.inProgress = false
	st.pending = false
	st.pendingPriority = false
	f.coord.mu.Unlock()
}

func TestSaveCoalescing_PendingRunsAfterInFlight(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.seedUserTable(t, "t1", "Orders", 3)
	ctx := context.Background()

	// Mark pending with the priority bit while "in flight", then let the
	// in-flight save complete; the follow-up must export even though the
	// table is clean by then.
	f.coord.mu.Lock()
	st := f.coord.saveFor("t1")
	st.pending = true
	st.pendingPriority = true
	st.starting = true
	f.coord.mu.Unlock()

	require.NoError(t, f.coord.runSave(ctx, "t1", false))

	exists, err := f.snaps.SnapshotExists("orders")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.False(t, f.coord.SaveInProgress("t1"))
}

func TestConcurrentSaves_SingleFlight(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.seedUserTable(t, "t1", "Orders", 25)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.coord.SaveTableNow(ctx, "t1", true)
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return !f.coord.SaveInProgress("t1")
	}, 2*time.Second, 5*time.Millisecond)

	m, err := f.snaps.ReadManifest("orders")
	require.NoError(t, err)
	assert.Equal(t, int64(25), m.TotalRows)
	require.NoError(t, m.Validate())
}

func TestReplaySuppression(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.seedUserTable(t, "t1", "Orders", 3)

	f.coord.SetReplayCheck(func() bool { return true })
	f.coord.NotifyStructuralChange("t1", false)

	f.coord.mu.Lock()
	_, tracked := f.coord.saves["t1"]
	f.coord.mu.Unlock()
	assert.False(t, tracked, "structural changes during replay are ignored")
}

func TestInternalTables_NeverSaved(t *testing.T) {
	f := newFixture(t, t.TempDir())
	ctx := context.Background()

	cols := []domain.ColumnInfo{{Name: domain.ColCsID, Type: "int64"}}
	require.NoError(t, f.eng.CreateTable(ctx, "_hot_tl1_0", cols))
	f.reg.Add(registry.TableMeta{ID: "h1", Name: "_hot_tl1_0"})

	f.coord.NotifyStructuralChange("h1", true)
	time.Sleep(100 * time.Millisecond)

	exists, err := f.snaps.SnapshotExists("_hot_tl1_0")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDeletionWatcher(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.seedUserTable(t, "t1", "Orders", 3)
	ctx := context.Background()

	require.NoError(t, f.coord.SaveTableNow(ctx, "t1", true))
	require.NoError(t, f.coord.RecordCellEdit("t1", 100, "b", "b0", "x"))

	f.reg.Remove("t1")

	exists, err := f.snaps.SnapshotExists("orders")
	require.NoError(t, err)
	assert.False(t, exists, "snapshot deleted with the table")
	assert.Equal(t, 0, f.clog.Count("t1"))

	live, err := f.eng.TableExists(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, live)
}

func TestDeletionWatcher_IgnoresHydrationClears(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.seedUserTable(t, "t1", "Orders", 3)
	ctx := context.Background()

	require.NoError(t, f.coord.SaveTableNow(ctx, "t1", true))

	f.coord.mu.Lock()
	f.coord.hydrating = true
	f.coord.mu.Unlock()

	f.reg.Remove("t1")

	exists, err := f.snaps.SnapshotExists("orders")
	require.NoError(t, err)
	assert.True(t, exists, "registry clears during re-hydration are not user intent")
}

func TestShutdown_ReportsUnsavedTables(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.seedUserTable(t, "t1", "Orders", 3)
	ctx := context.Background()

	require.NoError(t, f.coord.SaveTableNow(ctx, "t1", true))
	require.NoError(t, f.coord.FreezeTable(ctx, "t1"))

	// A frozen table with backlog cannot be flushed; shutdown must veto.
	require.NoError(t, f.clog.Append(&changelog.Entry{Type: changelog.EntryCellEdit, TableID: "t1", TS: 1, RowID: 100, Column: "b", NewValue: "y"}))
	f.coord.mu.Lock()
	f.coord.saveFor("t1").dirty = true
	f.coord.mu.Unlock()

	err := f.coord.Shutdown(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Orders")
}

func TestShutdown_CleanAfterFinalCompaction(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.seedUserTable(t, "t1", "Orders", 3)
	ctx := context.Background()

	require.NoError(t, f.coord.RecordCellEdit("t1", 100, "b", "b0", "y"))

	require.NoError(t, f.coord.Shutdown(ctx))
	assert.Equal(t, 0, f.clog.Count("t1"))

	exists, err := f.snaps.SnapshotExists("orders")
	require.NoError(t, err)
	assert.True(t, exists)
}
