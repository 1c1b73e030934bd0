// Package combine executes UNION (stack) and equi-join between two tables
// whose data may live on disk rather than in the SQL engine. Both
// operations process one shard at a time, so peak memory stays near one
// shard per source regardless of table size.
package combine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/kasuganosora/cleanslate/pkg/domain"
	"github.com/kasuganosora/cleanslate/pkg/persistence"
	"github.com/kasuganosora/cleanslate/pkg/registry"
	"github.com/kasuganosora/cleanslate/pkg/snapshot"
	"github.com/kasuganosora/cleanslate/pkg/sqlengine"
)

// Engine runs combine operations.
type Engine struct {
	eng   sqlengine.Engine
	snaps *snapshot.Store
	reg   *registry.Registry
	coord *persistence.Coordinator
	log   zerolog.Logger
}

// New creates a combine engine.
func New(eng sqlengine.Engine, snaps *snapshot.Store, reg *registry.Registry, coord *persistence.Coordinator, logger zerolog.Logger) *Engine {
	return &Engine{eng: eng, snaps: snaps, reg: reg, coord: coord, log: logger}
}

// source is a resolved combine input: its manifest always points at usable
// shards, whether the table was live or frozen.
type source struct {
	meta         registry.TableMeta
	live         bool
	snapshotID   string
	tempSnapshot bool
	manifest     *snapshot.Manifest
	userCols     []domain.ColumnInfo
}

// resolveSource determines whether a table is live (in the SQL engine) or
// frozen (shards only), and ensures it has a snapshot to iterate. Live
// tables without a current snapshot get a temporary one, deleted on
// completion; an existing clean snapshot is reused.
func (e *Engine) resolveSource(ctx context.Context, tableID string) (*source, error) {
	meta, ok := e.reg.Get(tableID)
	if !ok {
		return nil, domain.NewErrTableNotFound(tableID)
	}
	liveName := meta.NormalizedName()

	liveExists, err := e.eng.TableExists(ctx, liveName)
	if err != nil {
		return nil, err
	}

	src := &source{meta: meta, live: liveExists && !meta.Frozen}

	if src.live {
		reusable := false
		if meta.SnapshotID != "" && !e.coord.IsDirty(tableID) {
			exists, err := e.snaps.SnapshotExists(meta.SnapshotID)
			if err != nil {
				return nil, err
			}
			reusable = exists
		}

		if reusable {
			src.snapshotID = snapshot.NormalizeID(meta.SnapshotID)
		} else {
			src.snapshotID = fmt.Sprintf("%s%s", domain.PrefixCombineTemp, domain.ShortID())
			src.tempSnapshot = true
			if _, err := e.snaps.ExportTableToSnapshot(ctx, e.eng, liveName, src.snapshotID, nil); err != nil {
				return nil, fmt.Errorf("failed to snapshot live source %q: %w", meta.Name, err)
			}
		}
	} else {
		if meta.SnapshotID == "" {
			return nil, domain.NewErrSnapshotNotFound(liveName)
		}
		src.snapshotID = snapshot.NormalizeID(meta.SnapshotID)
	}

	src.manifest, err = e.snaps.ReadManifest(src.snapshotID)
	if err != nil {
		return nil, err
	}

	src.userCols, err = e.sourceColumns(ctx, src)
	if err != nil {
		return nil, err
	}
	return src, nil
}

// sourceColumns returns a source's user columns. Live sources introspect
// through the SQL engine; frozen sources take the manifest's column types,
// or shard 0's schema when the manifest carries none. Reserved
// identity columns are excluded — the combine regenerates them.
func (e *Engine) sourceColumns(ctx context.Context, src *source) ([]domain.ColumnInfo, error) {
	if src.live {
		cols, err := e.eng.TableColumns(ctx, src.meta.NormalizedName())
		if err != nil {
			return nil, err
		}
		return domain.UserColumns(cols), nil
	}

	if len(src.manifest.ColumnTypes) > 0 {
		return domain.UserColumns(src.manifest.ColumnInfos()), nil
	}
	if len(src.manifest.Shards) == 0 {
		return nil, nil
	}

	cols, err := e.snaps.ShardSchema(src.snapshotID, src.manifest.Shards[0])
	if err != nil {
		return nil, err
	}
	return domain.UserColumns(cols), nil
}

// cleanupSource deletes a source's temporary snapshot, if one was made.
func (e *Engine) cleanupSource(src *source) {
	if src == nil || !src.tempSnapshot {
		return
	}
	if err := e.snaps.DeleteSnapshot(src.snapshotID); err != nil {
		e.log.Warn().Str("snapshot", src.snapshotID).Err(err).Msg("failed to delete temp source snapshot")
	}
}

// dematerializeActive frees the active table's working-set memory before a
// combine, unless the active table is one of the sources — dropping a
// source mid-operation would corrupt the result. Returns a restore
// function for completion.
func (e *Engine) dematerializeActive(ctx context.Context, sourceIDs map[string]bool) (func(context.Context), error) {
	noop := func(context.Context) {}

	activeID := e.reg.ActiveID()
	if activeID == "" || sourceIDs[activeID] {
		return noop, nil
	}
	meta, ok := e.reg.Get(activeID)
	if !ok || meta.Frozen {
		return noop, nil
	}

	if err := e.coord.FreezeTable(ctx, activeID); err != nil {
		return noop, err
	}
	e.log.Debug().Str("table", meta.Name).Msg("dematerialized active table for combine")

	return func(ctx context.Context) {
		if err := e.coord.ThawTable(ctx, activeID); err != nil {
			e.log.Error().Str("table", meta.Name).Err(err).Msg("failed to rematerialize active table after combine")
		}
	}, nil
}

// registerResult imports the finished result snapshot into the SQL engine
// under the chosen name and registers the new table.
func (e *Engine) registerResult(ctx context.Context, resultName, resultID string, m *snapshot.Manifest) (registry.TableMeta, error) {
	liveName := domain.NormalizeTableName(resultName)
	if _, err := e.snaps.ImportTableFromSnapshot(ctx, e.eng, resultID, liveName); err != nil {
		return registry.TableMeta{}, err
	}

	meta := registry.TableMeta{
		ID:         domain.NewTableID(),
		Name:       resultName,
		RowCount:   m.TotalRows,
		Columns:    m.Columns,
		SnapshotID: m.SnapshotID,
	}
	e.reg.Add(meta)
	return meta, nil
}

// checkCancelled is the between-shards cooperative cancellation point.
func checkCancelled(ctx context.Context) error {
	if ctx.Err() != nil {
		return domain.ErrCancelled
	}
	return nil
}

// unionColumns merges two user-column lists, left order first, preserving
// the left type on name collisions.
func unionColumns(left, right []domain.ColumnInfo) []domain.ColumnInfo {
	seen := make(map[string]bool, len(left))
	out := make([]domain.ColumnInfo, 0, len(left)+len(right))
	for _, c := range left {
		c.Nullable = true
		out = append(out, c)
		seen[c.Name] = true
	}
	for _, c := range right {
		if seen[c.Name] {
			continue
		}
		c.Nullable = true
		out = append(out, c)
	}
	return out
}

// outputColumns prefixes the reserved identity columns onto a user-column
// list.
func outputColumns(userCols []domain.ColumnInfo) []domain.ColumnInfo {
	out := make([]domain.ColumnInfo, 0, len(userCols)+2)
	out = append(out, domain.ReservedColumns()...)
	out = append(out, userCols...)
	return out
}

func columnNames(cols []domain.ColumnInfo) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

func columnTypes(cols []domain.ColumnInfo) map[string]string {
	types := make(map[string]string, len(cols))
	for _, c := range cols {
		types[c.Name] = c.Type
	}
	return types
}
