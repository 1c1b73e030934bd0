package persistence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kasuganosora/cleanslate/pkg/changelog"
	"github.com/kasuganosora/cleanslate/pkg/domain"
	"github.com/kasuganosora/cleanslate/pkg/registry"
	"github.com/kasuganosora/cleanslate/pkg/snapshot"
	"github.com/kasuganosora/cleanslate/pkg/sqlengine"
)

// Hydrate restores the workspace on startup:
//
//  1. load the saved application state
//  2. clean up corrupt shards and orphaned temp files
//  3. migrate legacy snapshots to the manifest format (metadata only)
//  4. enumerate user snapshots, skipping reserved prefixes
//  5. import exactly one table — the saved active table, or the first —
//     into the SQL engine; register all others frozen
//  6. replay the thawed table's changelog
func (c *Coordinator) Hydrate(ctx context.Context) error {
	c.mu.Lock()
	c.hydrating = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.hydrating = false
		c.mu.Unlock()
	}()

	start := time.Now()

	state, err := registry.LoadAppState(c.blobs)
	if err != nil {
		return fmt.Errorf("failed to load app state: %w", err)
	}

	if removed, err := c.snaps.CleanupCorrupt(); err != nil {
		return fmt.Errorf("startup cleanup failed: %w", err)
	} else if len(removed) > 0 {
		c.log.Warn().Strs("files", removed).Msg("removed corrupt snapshot files")
	}

	if migrated, err := c.snaps.MigrateLegacySnapshots(); err != nil {
		return fmt.Errorf("legacy migration failed: %w", err)
	} else if len(migrated) > 0 {
		c.log.Info().Strs("snapshots", migrated).Msg("migrated legacy snapshots to manifest format")
	}

	if deleted, err := c.snaps.DedupeCaseVariants(); err != nil {
		return fmt.Errorf("case dedup failed: %w", err)
	} else if len(deleted) > 0 {
		c.log.Warn().Strs("snapshots", deleted).Msg("deleted case-variant duplicate snapshots")
	}

	ids, err := c.snaps.ListSnapshotIDs()
	if err != nil {
		return err
	}

	// Saved state maps tableId -> snapshot; invert it so snapshots found on
	// disk recover their stable IDs and display names.
	tableIDBySnapshot := make(map[string]string)
	for tableID, ts := range state.Tables {
		tableIDBySnapshot[snapshot.NormalizeID(ts.SnapshotID)] = tableID
	}

	var registered []registry.TableMeta
	for _, id := range ids {
		if domain.IsReservedSnapshotID(id) {
			continue
		}

		m, err := c.snaps.ReadManifest(id)
		if err != nil {
			c.log.Error().Str("snapshot", id).Err(err).Msg("skipping unreadable snapshot; table is broken")
			continue
		}

		meta := registry.TableMeta{
			Frozen:     true,
			RowCount:   m.TotalRows,
			Columns:    m.Columns,
			SnapshotID: id,
		}
		if tableID, ok := tableIDBySnapshot[id]; ok {
			meta.ID = tableID
			meta.Name = state.Tables[tableID].Name
			meta.ColumnOrder = state.Tables[tableID].ColumnOrder
		} else {
			meta.ID = domain.NewTableID()
			meta.Name = id
		}

		c.reg.Add(meta)
		registered = append(registered, meta)
	}

	if len(registered) == 0 {
		c.log.Info().Dur("took", time.Since(start)).Msg("hydration complete; workspace is empty")
		return c.persistAppState()
	}

	// Single active table policy: thaw one, leave the rest frozen.
	sort.Slice(registered, func(i, j int) bool { return registered[i].Name < registered[j].Name })
	active := registered[0]
	if state.ActiveTableID != "" {
		for _, meta := range registered {
			if meta.ID == state.ActiveTableID {
				active = meta
				break
			}
		}
	}

	if err := c.ThawTable(ctx, active.ID); err != nil {
		return fmt.Errorf("failed to thaw active table %q: %w", active.Name, err)
	}

	c.log.Info().
		Int("tables", len(registered)).
		Str("active", active.Name).
		Dur("took", time.Since(start)).
		Msg("hydration complete")
	return c.persistAppState()
}

// ThawTable imports a frozen table into the SQL engine, replays its
// changelog backlog, and makes it the active table.
func (c *Coordinator) ThawTable(ctx context.Context, tableID string) error {
	meta, ok := c.reg.Get(tableID)
	if !ok {
		return domain.NewErrTableNotFound(tableID)
	}

	live := meta.NormalizedName()
	imported, err := c.snaps.ImportTableFromSnapshot(ctx, c.eng, meta.SnapshotID, live)
	if err != nil {
		return err
	}

	c.reg.Update(tableID, func(m *registry.TableMeta) {
		m.Frozen = false
		m.RowCount = imported
	})
	c.reg.SetActive(tableID)

	entries, err := c.clog.ReadAll(tableID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := c.applyChangelogEntry(ctx, live, &e); err != nil {
			return fmt.Errorf("changelog replay failed for %q: %w", meta.Name, err)
		}
	}
	if len(entries) > 0 {
		c.log.Info().Str("table", meta.Name).Int("entries", len(entries)).Msg("replayed changelog backlog")
		c.mu.Lock()
		c.saveFor(tableID).dirty = true
		c.mu.Unlock()
	}
	return nil
}

// FreezeTable exports a table if dirty and drops it from the SQL engine,
// leaving only the on-disk snapshot.
func (c *Coordinator) FreezeTable(ctx context.Context, tableID string) error {
	meta, ok := c.reg.Get(tableID)
	if !ok {
		return domain.NewErrTableNotFound(tableID)
	}
	if meta.Frozen {
		return nil
	}

	if c.IsDirty(tableID) {
		if err := c.SaveTableNow(ctx, tableID, true); err != nil {
			return err
		}
	}

	if err := c.eng.DropTable(ctx, meta.NormalizedName()); err != nil {
		return err
	}
	c.reg.Update(tableID, func(m *registry.TableMeta) { m.Frozen = true })
	if c.reg.ActiveID() == tableID {
		c.reg.SetActive("")
	}
	return nil
}

// applyChangelogEntry replays one logged mutation against a live table.
func (c *Coordinator) applyChangelogEntry(ctx context.Context, live string, e *changelog.Entry) error {
	switch e.Type {
	case changelog.EntryCellEdit:
		cols, err := c.eng.TableColumns(ctx, live)
		if err != nil {
			return err
		}
		if !hasColumn(cols, e.Column) {
			c.log.Warn().Str("table", live).Str("column", e.Column).Msg("skipping edit for column that no longer exists")
			return nil
		}
		return c.eng.Execute(ctx,
			fmt.Sprintf(`UPDATE %s SET %s = ? WHERE %s = ?`,
				sqlengine.QuoteIdent(live), sqlengine.QuoteIdent(e.Column), sqlengine.QuoteIdent(domain.ColCsID)),
			e.NewValue, e.RowID)

	case changelog.EntryInsertRow:
		cols, err := c.eng.TableColumns(ctx, live)
		if err != nil {
			return err
		}
		row := domain.Row{
			domain.ColCsID:     e.CsID,
			domain.ColOriginID: e.OriginID,
		}
		return c.eng.InsertRows(ctx, live, cols, []domain.Row{row})

	case changelog.EntryDeleteRow:
		if len(e.CsIDs) == 0 {
			return nil
		}
		args := make([]interface{}, len(e.CsIDs))
		for i, id := range e.CsIDs {
			args[i] = id
		}
		return c.eng.Execute(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE %s IN (%s)`,
				sqlengine.QuoteIdent(live), sqlengine.QuoteIdent(domain.ColCsID), sqlengine.Placeholders(len(e.CsIDs))),
			args...)

	default:
		return fmt.Errorf("unknown changelog entry type %q", e.Type)
	}
}

func hasColumn(cols []domain.ColumnInfo, name string) bool {
	for _, c := range cols {
		if c.Name == name {
			return true
		}
	}
	return false
}
