// Package timeline records every user operation as an immutable command in
// a linear history, and provides undo/redo over it. Manual edits reverse
// through direct inverse SQL; everything else restores the nearest step
// snapshot and replays forward.
//
// Step snapshots are two-tier: a cold parquet snapshot on disk, plus at
// most one hot duplicated table inside the SQL engine per timeline (a
// single-slot cache for the most recent step).
package timeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kasuganosora/cleanslate/pkg/domain"
	"github.com/kasuganosora/cleanslate/pkg/metrics"
	"github.com/kasuganosora/cleanslate/pkg/persistence"
	"github.com/kasuganosora/cleanslate/pkg/registry"
	"github.com/kasuganosora/cleanslate/pkg/snapshot"
	"github.com/kasuganosora/cleanslate/pkg/sqlengine"
)

// parquetRefPrefix marks a cold snapshot reference, distinguishing it from
// transient in-memory table names.
const parquetRefPrefix = "parquet:"

// stepSnapshot is one position's restore point.
type stepSnapshot struct {
	// ParquetID is the cold form: "parquet:" + snapshot ID.
	ParquetID string
	// HotTableName is the in-engine duplicate, "" when evicted.
	HotTableName string
}

func (s *stepSnapshot) coldID() string {
	return strings.TrimPrefix(s.ParquetID, parquetRefPrefix)
}

// Timeline is one table's linear command history.
type Timeline struct {
	ID                 string
	TableID            string
	TableName          string
	OriginalSnapshotID string
	Commands           []*Command
	// CurrentPosition is -1 at the original state, i after Commands[i].
	CurrentPosition int
	// Snapshots maps position -> restore point. The original acts as the
	// snapshot at position -1.
	Snapshots map[int]*stepSnapshot
}

// Engine owns all timelines, one per table at most.
type Engine struct {
	eng   sqlengine.Engine
	snaps *snapshot.Store
	reg   *registry.Registry
	coord *persistence.Coordinator
	log   zerolog.Logger

	mu        sync.Mutex
	timelines map[string]*Timeline
	initMu    map[string]*sync.Mutex

	replaying atomic.Bool
}

// New wires the timeline engine and registers its replay probe with the
// persistence coordinator.
func New(eng sqlengine.Engine, snaps *snapshot.Store, reg *registry.Registry, coord *persistence.Coordinator, logger zerolog.Logger) *Engine {
	e := &Engine{
		eng:       eng,
		snaps:     snaps,
		reg:       reg,
		coord:     coord,
		log:       logger,
		timelines: make(map[string]*Timeline),
		initMu:    make(map[string]*sync.Mutex),
	}
	if coord != nil {
		coord.SetReplayCheck(e.IsReplaying)
	}
	return e
}

// IsReplaying reports whether a replay is in progress. The persistence
// coordinator consults this to ignore transient intermediate states.
func (e *Engine) IsReplaying() bool {
	return e.replaying.Load()
}

// Get returns a table's timeline, if one exists.
func (e *Engine) Get(tableID string) (*Timeline, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tl, ok := e.timelines[tableID]
	return tl, ok
}

// EnsureTimeline returns the table's timeline, creating it — and its
// original snapshot — on first use. Concurrent calls for the same table
// coalesce on a per-table mutex.
func (e *Engine) EnsureTimeline(ctx context.Context, tableID string) (*Timeline, error) {
	e.mu.Lock()
	if tl, ok := e.timelines[tableID]; ok {
		e.mu.Unlock()
		return tl, nil
	}
	initMu, ok := e.initMu[tableID]
	if !ok {
		initMu = &sync.Mutex{}
		e.initMu[tableID] = initMu
	}
	e.mu.Unlock()

	initMu.Lock()
	defer initMu.Unlock()

	e.mu.Lock()
	if tl, ok := e.timelines[tableID]; ok {
		e.mu.Unlock()
		return tl, nil
	}
	e.mu.Unlock()

	meta, ok := e.reg.Get(tableID)
	if !ok {
		return nil, domain.NewErrTableNotFound(tableID)
	}
	live := meta.NormalizedName()

	originalID := fmt.Sprintf("%s%s_%s", domain.PrefixOriginal, live, domain.ShortID())
	if _, err := e.snaps.ExportTableToSnapshot(ctx, e.eng, live, originalID, nil); err != nil {
		return nil, fmt.Errorf("failed to create original snapshot for %q: %w", meta.Name, err)
	}

	tl := &Timeline{
		ID:                 "tl_" + domain.ShortID(),
		TableID:            tableID,
		TableName:          meta.Name,
		OriginalSnapshotID: snapshot.NormalizeID(originalID),
		CurrentPosition:    -1,
		Snapshots:          make(map[int]*stepSnapshot),
	}

	e.mu.Lock()
	e.timelines[tableID] = tl
	e.mu.Unlock()

	e.log.Debug().Str("table", meta.Name).Str("timeline", tl.ID).Msg("timeline created")
	return tl, nil
}

// RecordOptions carries optional per-command metadata.
type RecordOptions struct {
	ColumnOrderBefore []string
	ColumnOrderAfter  []string
	RowsAffected      int64
}

// RecordCommand appends a command at the current position. Any redo branch
// beyond it is discarded, snapshots included. Expensive commands get a step
// snapshot of the current state before the caller runs them.
func (e *Engine) RecordCommand(ctx context.Context, tableID string, cmdType CommandType, label string, params Params, opts RecordOptions) (*Command, error) {
	tl, err := e.EnsureTimeline(ctx, tableID)
	if err != nil {
		return nil, err
	}

	if err := e.discardBeyond(ctx, tl, tl.CurrentPosition); err != nil {
		return nil, err
	}

	cmd := &Command{
		ID:                uuid.NewString(),
		Type:              cmdType,
		Label:             label,
		Params:            params,
		ColumnOrderBefore: opts.ColumnOrderBefore,
		ColumnOrderAfter:  opts.ColumnOrderAfter,
		IsExpensive:       isExpensive(cmdType, params),
		RowsAffected:      opts.RowsAffected,
	}

	if cmd.IsExpensive {
		if err := e.createStepSnapshot(ctx, tl, tl.CurrentPosition); err != nil {
			return nil, err
		}
	}

	tl.Commands = append(tl.Commands, cmd)
	tl.CurrentPosition++
	return cmd, nil
}

// createStepSnapshot captures the live table at a position, in both tiers.
// Creating a new hot snapshot evicts every older hot snapshot of the same
// timeline: the hot cache has exactly one slot.
func (e *Engine) createStepSnapshot(ctx context.Context, tl *Timeline, pos int) error {
	if _, ok := tl.Snapshots[pos]; ok {
		return nil
	}

	live := domain.NormalizeTableName(tl.TableName)

	var coldID string
	if pos < 0 {
		// The original snapshot already covers position -1; only the hot
		// duplicate is new.
		coldID = tl.OriginalSnapshotID
	} else {
		coldID = snapshot.NormalizeID(fmt.Sprintf("%s%s_%d", domain.PrefixStepSnapshot, tl.ID, pos))
		if _, err := e.snaps.ExportTableToSnapshot(ctx, e.eng, live, coldID, nil); err != nil {
			return fmt.Errorf("failed to export step snapshot at position %d: %w", pos, err)
		}
	}

	if err := e.dropHotSnapshots(ctx, tl); err != nil {
		return err
	}

	hotName := fmt.Sprintf("%s%s_%d", domain.PrefixHot, tl.ID, pos)
	if err := e.eng.DropTable(ctx, hotName); err != nil {
		return err
	}
	if err := e.eng.Execute(ctx, fmt.Sprintf(`CREATE TABLE %s AS SELECT * FROM %s`,
		sqlengine.QuoteIdent(hotName), sqlengine.QuoteIdent(live))); err != nil {
		return fmt.Errorf("failed to create hot snapshot: %w", err)
	}

	tl.Snapshots[pos] = &stepSnapshot{
		ParquetID:    parquetRefPrefix + coldID,
		HotTableName: hotName,
	}
	return nil
}

// dropHotSnapshots evicts every hot table of a timeline.
func (e *Engine) dropHotSnapshots(ctx context.Context, tl *Timeline) error {
	for _, ss := range tl.Snapshots {
		if ss.HotTableName == "" {
			continue
		}
		if err := e.eng.DropTable(ctx, ss.HotTableName); err != nil {
			return err
		}
		ss.HotTableName = ""
	}
	return nil
}

// discardBeyond deletes commands and snapshots at positions strictly after
// pos. Recording after an undo lands here.
func (e *Engine) discardBeyond(ctx context.Context, tl *Timeline, pos int) error {
	if pos >= len(tl.Commands)-1 {
		return nil
	}

	for p, ss := range tl.Snapshots {
		if p <= pos {
			continue
		}
		if ss.HotTableName != "" {
			if err := e.eng.DropTable(ctx, ss.HotTableName); err != nil {
				return err
			}
		}
		if err := e.snaps.DeleteSnapshot(ss.coldID()); err != nil {
			return err
		}
		delete(tl.Snapshots, p)
	}

	tl.Commands = tl.Commands[:pos+1]
	return nil
}

// CanUndo reports whether an undo is possible.
func (e *Engine) CanUndo(tableID string) bool {
	tl, ok := e.Get(tableID)
	return ok && tl.CurrentPosition >= 0
}

// CanRedo reports whether a redo is possible.
func (e *Engine) CanRedo(tableID string) bool {
	tl, ok := e.Get(tableID)
	return ok && tl.CurrentPosition < len(tl.Commands)-1
}

// Undo reverses the command at the current position. A single manual edit
// takes the fast path — one inverse UPDATE; anything else, or a fast path
// whose column has since disappeared, restores a snapshot and replays.
func (e *Engine) Undo(ctx context.Context, tableID string) error {
	tl, ok := e.Get(tableID)
	if !ok || tl.CurrentPosition < 0 {
		return fmt.Errorf("nothing to undo")
	}

	cmd := tl.Commands[tl.CurrentPosition]
	if me, isEdit := cmd.Params.(ManualEditParams); isEdit {
		applied, err := e.fastPathEdit(ctx, tl, me.Column, me.OldValue, me.CsID)
		if err != nil {
			return err
		}
		if applied {
			tl.CurrentPosition--
			metrics.UndoTotal.WithLabelValues("fast").Inc()
			return nil
		}
		// Column gone (renamed since the edit); fall through silently.
	}

	metrics.UndoTotal.WithLabelValues("heavy").Inc()
	return e.replayToPosition(ctx, tl, tl.CurrentPosition-1)
}

// Redo re-applies the command after the current position, symmetric to
// Undo.
func (e *Engine) Redo(ctx context.Context, tableID string) error {
	tl, ok := e.Get(tableID)
	if !ok || tl.CurrentPosition >= len(tl.Commands)-1 {
		return fmt.Errorf("nothing to redo")
	}

	cmd := tl.Commands[tl.CurrentPosition+1]
	if me, isEdit := cmd.Params.(ManualEditParams); isEdit {
		applied, err := e.fastPathEdit(ctx, tl, me.Column, me.NewValue, me.CsID)
		if err != nil {
			return err
		}
		if applied {
			tl.CurrentPosition++
			metrics.RedoTotal.WithLabelValues("fast").Inc()
			return nil
		}
	}

	metrics.RedoTotal.WithLabelValues("heavy").Inc()
	return e.replayToPosition(ctx, tl, tl.CurrentPosition+1)
}

// fastPathEdit writes one cell by _cs_id. Returns false, nil when the
// column no longer exists and the caller must take the heavy path.
func (e *Engine) fastPathEdit(ctx context.Context, tl *Timeline, column string, value interface{}, csID int64) (bool, error) {
	live := domain.NormalizeTableName(tl.TableName)

	cols, err := e.eng.TableColumns(ctx, live)
	if err != nil {
		return false, err
	}
	found := false
	for _, c := range cols {
		if c.Name == column {
			found = true
			break
		}
	}
	if !found {
		return false, nil
	}

	err = e.eng.Execute(ctx,
		fmt.Sprintf(`UPDATE %s SET %s = ? WHERE %s = ?`,
			sqlengine.QuoteIdent(live), sqlengine.QuoteIdent(column), sqlengine.QuoteIdent(domain.ColCsID)),
		value, csID)
	if err != nil {
		return false, err
	}
	return true, nil
}

// ColumnOrderAt returns the column order in effect at the current position:
// the most recent ColumnOrderAfter at or before it, or nil meaning "use the
// registry default".
func (e *Engine) ColumnOrderAt(tableID string) []string {
	tl, ok := e.Get(tableID)
	if !ok {
		return nil
	}
	for i := tl.CurrentPosition; i >= 0; i-- {
		if after := tl.Commands[i].ColumnOrderAfter; after != nil {
			return after
		}
	}
	return nil
}

// Cleanup removes everything a deleted table's timeline owns: hot tables,
// cold step snapshots, the original snapshot, and the timeline record.
func (e *Engine) Cleanup(ctx context.Context, tableID string) error {
	e.mu.Lock()
	tl, ok := e.timelines[tableID]
	delete(e.timelines, tableID)
	delete(e.initMu, tableID)
	e.mu.Unlock()
	if !ok {
		return nil
	}

	if err := e.dropHotSnapshots(ctx, tl); err != nil {
		return err
	}
	for _, ss := range tl.Snapshots {
		if err := e.snaps.DeleteSnapshot(ss.coldID()); err != nil {
			return err
		}
	}
	return e.snaps.DeleteSnapshot(tl.OriginalSnapshotID)
}
