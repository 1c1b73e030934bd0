// Package persistence orchestrates the hybrid persistence engine: cell
// edits take the fast path into the append-only changelog, structural
// changes schedule a debounced full snapshot export, and a periodic
// compactor folds the changelog back into fresh snapshots.
//
// The coordinator is the single owner of persistence state. Registry
// events, save requests, and compaction all funnel through it.
package persistence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kasuganosora/cleanslate/pkg/blob"
	"github.com/kasuganosora/cleanslate/pkg/changelog"
	"github.com/kasuganosora/cleanslate/pkg/config"
	"github.com/kasuganosora/cleanslate/pkg/domain"
	"github.com/kasuganosora/cleanslate/pkg/metrics"
	"github.com/kasuganosora/cleanslate/pkg/registry"
	"github.com/kasuganosora/cleanslate/pkg/snapshot"
	"github.com/kasuganosora/cleanslate/pkg/sqlengine"
)

// saveState tracks one table's in-flight and pending save work.
//
// starting is set synchronously before the first suspension point of a
// save, closing the window in which two callers could both observe
// "nothing in progress" and start concurrent exports.
type saveState struct {
	inProgress      bool
	starting        bool
	pending         bool
	pendingPriority bool
	dirty           bool
	timer           *time.Timer
	firstDirtyAt    time.Time
	lastSavedAt     time.Time
}

// Coordinator is the persistence engine.
type Coordinator struct {
	cfg   *config.Config
	blobs *blob.Store
	snaps *snapshot.Store
	clog  *changelog.Store
	eng   sqlengine.Engine
	reg   *registry.Registry
	log   zerolog.Logger

	mu           sync.Mutex
	saves        map[string]*saveState
	hydrating    bool
	lastActivity time.Time
	lastCompact  time.Time

	// replayCheck reports whether the timeline engine is mid-replay, in
	// which case transient intermediate states must not trigger saves.
	replayCheck func() bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wires a coordinator and subscribes it to registry removals.
func New(cfg *config.Config, blobs *blob.Store, snaps *snapshot.Store, clog *changelog.Store, eng sqlengine.Engine, reg *registry.Registry, logger zerolog.Logger) *Coordinator {
	c := &Coordinator{
		cfg:   cfg,
		blobs: blobs,
		snaps: snaps,
		clog:  clog,
		eng:   eng,
		reg:   reg,
		log:   logger,
		saves: make(map[string]*saveState),
	}

	reg.Subscribe(c.onRegistryEvent)
	return c
}

// SetReplayCheck installs the timeline engine's is-replaying probe.
func (c *Coordinator) SetReplayCheck(fn func() bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replayCheck = fn
}

// onRegistryEvent is the deletion watcher. Removals during hydration are
// registry clears, not user intent, and are ignored.
func (c *Coordinator) onRegistryEvent(ev registry.Event) {
	if ev.Kind != registry.TableRemoved {
		return
	}

	c.mu.Lock()
	hydrating := c.hydrating
	delete(c.saves, ev.Table.ID)
	c.mu.Unlock()
	if hydrating {
		return
	}

	ctx := context.Background()
	live := ev.Table.NormalizedName()
	if err := c.eng.DropTable(ctx, live); err != nil {
		c.log.Warn().Str("table", ev.Table.Name).Err(err).Msg("failed to drop live table on delete")
	}
	if err := c.snaps.DeleteSnapshot(live); err != nil {
		c.log.Warn().Str("table", ev.Table.Name).Err(err).Msg("failed to delete snapshot on table delete")
	}
	if err := c.clog.Clear(ev.Table.ID); err != nil {
		c.log.Warn().Str("table", ev.Table.Name).Err(err).Msg("failed to clear changelog on table delete")
	}
}

func (c *Coordinator) saveFor(tableID string) *saveState {
	st, ok := c.saves[tableID]
	if !ok {
		st = &saveState{}
		c.saves[tableID] = st
	}
	return st
}

func (c *Coordinator) isReplaying() bool {
	if c.replayCheck == nil {
		return false
	}
	return c.replayCheck()
}

// isInternalName reports whether a normalized table name belongs to
// internal machinery whose snapshots are managed elsewhere.
func isInternalName(name string) bool {
	if domain.IsReservedSnapshotID(name) {
		return true
	}
	return strings.HasPrefix(name, domain.PrefixHot) || strings.HasPrefix(name, domain.PrefixStaging)
}

// RecordCellEdit is the cell-edit fast path: the mutation is already live in
// the SQL engine (write-through), so persistence is one changelog append.
func (c *Coordinator) RecordCellEdit(tableID string, csID int64, column string, oldValue, newValue interface{}) error {
	err := c.clog.Append(&changelog.Entry{
		Type:     changelog.EntryCellEdit,
		TableID:  tableID,
		TS:       time.Now().UnixMilli(),
		RowID:    csID,
		Column:   column,
		OldValue: oldValue,
		NewValue: newValue,
	})
	if err != nil {
		return err
	}
	metrics.ChangelogAppendsTotal.Inc()
	metrics.ChangelogBacklog.Set(float64(c.clog.TotalCount()))

	c.mu.Lock()
	c.saveFor(tableID).dirty = true
	c.lastActivity = time.Now()
	threshold := c.cfg.Compaction.EntryThreshold
	c.mu.Unlock()

	if c.clog.Count(tableID) >= threshold {
		go c.CompactOnce(context.Background())
	}
	return nil
}

// RecordRowInsert logs a row insertion and schedules a priority save.
func (c *Coordinator) RecordRowInsert(tableID string, csID int64, originID string, insertAfter *int64, columnNames []string) error {
	err := c.clog.Append(&changelog.Entry{
		Type:            changelog.EntryInsertRow,
		TableID:         tableID,
		TS:              time.Now().UnixMilli(),
		CsID:            csID,
		OriginID:        originID,
		InsertAfterCsID: insertAfter,
		ColumnNames:     columnNames,
	})
	if err != nil {
		return err
	}
	metrics.ChangelogAppendsTotal.Inc()
	c.NotifyStructuralChange(tableID, true)
	return nil
}

// RecordRowDelete logs a row deletion (with the removed rows, for undo) and
// schedules a priority save.
func (c *Coordinator) RecordRowDelete(tableID string, csIDs []int64, deletedRows []domain.Row, columnNames []string) error {
	err := c.clog.Append(&changelog.Entry{
		Type:        changelog.EntryDeleteRow,
		TableID:     tableID,
		TS:          time.Now().UnixMilli(),
		CsIDs:       csIDs,
		DeletedRows: deletedRows,
		ColumnNames: columnNames,
	})
	if err != nil {
		return err
	}
	metrics.ChangelogAppendsTotal.Inc()
	c.NotifyStructuralChange(tableID, true)
	return nil
}

// NotifyStructuralChange schedules a snapshot export for a table after a
// structural mutation. Priority bypasses the debounce entirely; otherwise
// the save is debounced, with a max-wait ceiling that forces a flush under
// continuous editing, and suppressed inside the recently-saved window.
func (c *Coordinator) NotifyStructuralChange(tableID string, priority bool) {
	meta, ok := c.reg.Get(tableID)
	if !ok || isInternalName(meta.NormalizedName()) {
		return
	}
	if c.isReplaying() {
		return
	}

	now := time.Now()

	c.mu.Lock()
	st := c.saveFor(tableID)
	st.dirty = true
	c.lastActivity = now
	c.reg.Update(tableID, func(m *registry.TableMeta) { m.DataVersion++ })

	if priority {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		st.firstDirtyAt = time.Time{}
		c.mu.Unlock()
		go func() {
			if err := c.SaveTableNow(context.Background(), tableID, true); err != nil {
				c.log.Error().Str("table", meta.Name).Err(err).Msg("priority save failed")
			}
		}()
		return
	}

	if now.Sub(st.lastSavedAt) < c.cfg.Persistence.RecentSaveWindow {
		// A save just landed; the table stays marked dirty but no save is
		// scheduled for this change.
		c.mu.Unlock()
		return
	}

	if st.firstDirtyAt.IsZero() {
		st.firstDirtyAt = now
	}

	delay := c.debounceFor(meta.RowCount)
	if deadline := st.firstDirtyAt.Add(c.maxWaitFor(meta.RowCount)); now.Add(delay).After(deadline) {
		delay = deadline.Sub(now)
		if delay < 0 {
			delay = 0
		}
	}

	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(delay, func() {
		if err := c.SaveTableNow(context.Background(), tableID, false); err != nil {
			c.log.Error().Str("table", meta.Name).Err(err).Msg("debounced save failed")
		}
	})
	c.mu.Unlock()
}

// debounceFor scales the debounce window with table size.
func (c *Coordinator) debounceFor(rows int64) time.Duration {
	if rows > c.cfg.Persistence.LargeTableRows {
		return c.cfg.Persistence.DebounceLarge
	}
	return c.cfg.Persistence.Debounce
}

func (c *Coordinator) maxWaitFor(rows int64) time.Duration {
	if rows > c.cfg.Persistence.LargeTableRows {
		return c.cfg.Persistence.MaxWaitLarge
	}
	return c.cfg.Persistence.MaxWait
}

// SaveTableNow exports a table to its current snapshot, enforcing
// at-most-one export per table in flight. Requests arriving during an
// in-flight save coalesce into one follow-up save; a priority bit on any
// coalesced request guarantees the follow-up exports even if the table
// looks clean by then.
func (c *Coordinator) SaveTableNow(ctx context.Context, tableID string, priority bool) error {
	c.mu.Lock()
	st := c.saveFor(tableID)
	if st.inProgress || st.starting {
		st.pending = true
		st.pendingPriority = st.pendingPriority || priority
		c.mu.Unlock()
		metrics.SavesCoalescedTotal.Inc()
		return nil
	}
	st.starting = true
	c.mu.Unlock()

	return c.runSave(ctx, tableID, priority)
}

func (c *Coordinator) runSave(ctx context.Context, tableID string, priority bool) error {
	c.mu.Lock()
	st := c.saveFor(tableID)
	st.inProgress = true
	st.starting = false
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	dirty := st.dirty
	c.mu.Unlock()

	saveErr := c.exportIfNeeded(ctx, tableID, dirty, priority)

	c.mu.Lock()
	st.inProgress = false
	if saveErr == nil {
		st.dirty = false
		st.firstDirtyAt = time.Time{}
		st.lastSavedAt = time.Now()
	}
	pending := st.pending
	pendingPriority := st.pendingPriority
	st.pending = false
	st.pendingPriority = false
	c.mu.Unlock()

	if pending {
		if err := c.SaveTableNow(ctx, tableID, pendingPriority); err != nil && saveErr == nil {
			saveErr = err
		}
	}
	return saveErr
}

func (c *Coordinator) exportIfNeeded(ctx context.Context, tableID string, dirty, priority bool) error {
	if !dirty && !priority {
		return nil
	}

	meta, ok := c.reg.Get(tableID)
	if !ok {
		return nil
	}
	live := meta.NormalizedName()
	if isInternalName(live) {
		return nil
	}

	exists, err := c.eng.TableExists(ctx, live)
	if err != nil {
		return err
	}
	if !exists {
		// Frozen tables have nothing live to export.
		return nil
	}

	start := time.Now()
	m, err := c.snaps.ExportTableToSnapshot(ctx, c.eng, live, live, nil)
	if err != nil {
		metrics.SnapshotExportsTotal.WithLabelValues("error").Inc()
		c.log.Error().Str("table", meta.Name).Err(err).Msg("snapshot export failed; table stays dirty")
		return err
	}
	metrics.SnapshotExportsTotal.WithLabelValues("ok").Inc()
	metrics.SnapshotExportSeconds.Observe(time.Since(start).Seconds())

	c.reg.Update(tableID, func(tm *registry.TableMeta) {
		tm.SnapshotID = m.SnapshotID
		tm.RowCount = m.TotalRows
		tm.Columns = m.Columns
	})
	return c.persistAppState()
}

// IsDirty reports whether a table has unexported changes.
func (c *Coordinator) IsDirty(tableID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.saves[tableID]
	return ok && st.dirty
}

// SaveInProgress reports whether a table has an export in flight.
func (c *Coordinator) SaveInProgress(tableID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.saves[tableID]
	return ok && (st.inProgress || st.starting)
}

func (c *Coordinator) persistAppState() error {
	return registry.SaveAppState(c.blobs, registry.SnapshotAppState(c.reg))
}

// Start launches the background compaction loop.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.stopCh != nil {
		c.mu.Unlock()
		return
	}
	c.stopCh = make(chan struct{})
	stop := c.stopCh
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.Compaction.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.maybeCompact()
			}
		}
	}()
}

// Stop halts the background loop without flushing.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// Shutdown is the unload path: stop background work, attempt one final
// best-effort compaction, and report tables that still hold unsaved state.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.Stop()

	if err := c.CompactOnce(ctx); err != nil {
		c.log.Warn().Err(err).Msg("final compaction failed")
	}

	c.mu.Lock()
	var dirtyTables []string
	for tableID, st := range c.saves {
		if st.dirty || st.inProgress || st.starting || st.pending {
			if meta, ok := c.reg.Get(tableID); ok {
				dirtyTables = append(dirtyTables, meta.Name)
			} else {
				dirtyTables = append(dirtyTables, tableID)
			}
		}
	}
	c.mu.Unlock()

	if len(dirtyTables) > 0 {
		sort.Strings(dirtyTables)
		return fmt.Errorf("unsaved changes in tables: %s", strings.Join(dirtyTables, ", "))
	}
	return nil
}
