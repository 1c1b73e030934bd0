package timeline

import (
	"context"
	"fmt"

	"github.com/kasuganosora/cleanslate/pkg/domain"
	"github.com/kasuganosora/cleanslate/pkg/registry"
	"github.com/kasuganosora/cleanslate/pkg/sqlengine"
)

// replayToPosition is the heavy path: restore the nearest snapshot at or
// before target, then re-apply the commands between them. While it runs,
// IsReplaying is true and the persistence coordinator ignores the
// transient intermediate states.
func (e *Engine) replayToPosition(ctx context.Context, tl *Timeline, target int) error {
	if target < -1 || target >= len(tl.Commands) {
		return fmt.Errorf("replay target %d out of range", target)
	}

	e.replaying.Store(true)
	defer e.replaying.Store(false)

	snapIdx := -1
	for pos := range tl.Snapshots {
		if pos <= target && pos > snapIdx {
			snapIdx = pos
		}
	}

	live := domain.NormalizeTableName(tl.TableName)
	if err := e.restoreSnapshot(ctx, tl, snapIdx, live); err != nil {
		return err
	}

	for i := snapIdx + 1; i <= target; i++ {
		cmd := tl.Commands[i]
		if err := e.applyCommand(ctx, live, cmd); err != nil {
			tl.CurrentPosition = snapIdx
			return &domain.ErrReplayFailed{Position: i, Label: cmd.Label, Err: err}
		}
	}

	tl.CurrentPosition = target

	if count, err := e.eng.CountRows(ctx, live); err == nil {
		e.reg.Update(tl.TableID, func(m *registry.TableMeta) { m.RowCount = count })
	}
	return nil
}

// restoreSnapshot replaces the live table with the snapshot at snapIdx
// (-1 = the original). The hot tier is preferred: duplicating an in-memory
// table skips the disk read entirely.
func (e *Engine) restoreSnapshot(ctx context.Context, tl *Timeline, snapIdx int, live string) error {
	if ss, ok := tl.Snapshots[snapIdx]; ok {
		if ss.HotTableName != "" {
			exists, err := e.eng.TableExists(ctx, ss.HotTableName)
			if err != nil {
				return err
			}
			if exists {
				if err := e.eng.DropTable(ctx, live); err != nil {
					return err
				}
				return e.eng.Execute(ctx, fmt.Sprintf(`CREATE TABLE %s AS SELECT * FROM %s`,
					sqlengine.QuoteIdent(live), sqlengine.QuoteIdent(ss.HotTableName)))
			}
			ss.HotTableName = ""
		}
		_, err := e.snaps.ImportTableFromSnapshot(ctx, e.eng, ss.coldID(), live)
		return err
	}

	_, err := e.snaps.ImportTableFromSnapshot(ctx, e.eng, tl.OriginalSnapshotID, live)
	return err
}

// applyCommand re-applies one command during replay. The switch is
// exhaustive over the Params variants.
func (e *Engine) applyCommand(ctx context.Context, live string, cmd *Command) error {
	switch p := cmd.Params.(type) {
	case TransformParams:
		for _, stmt := range p.Statements {
			if err := e.eng.Execute(ctx, stmt); err != nil {
				return err
			}
		}
		return nil

	case ManualEditParams:
		return e.eng.Execute(ctx,
			fmt.Sprintf(`UPDATE %s SET %s = ? WHERE %s = ?`,
				sqlengine.QuoteIdent(live), sqlengine.QuoteIdent(p.Column), sqlengine.QuoteIdent(domain.ColCsID)),
			p.NewValue, p.CsID)

	case BatchEditParams:
		for _, edit := range p.Edits {
			if err := e.eng.Execute(ctx,
				fmt.Sprintf(`UPDATE %s SET %s = ? WHERE %s = ?`,
					sqlengine.QuoteIdent(live), sqlengine.QuoteIdent(edit.Column), sqlengine.QuoteIdent(domain.ColCsID)),
				edit.NewValue, edit.CsID); err != nil {
				return err
			}
		}
		return nil

	case StandardizeParams:
		for from, to := range p.Mapping {
			if err := e.eng.Execute(ctx,
				fmt.Sprintf(`UPDATE %s SET %s = ? WHERE %s = ?`,
					sqlengine.QuoteIdent(live), sqlengine.QuoteIdent(p.Column), sqlengine.QuoteIdent(p.Column)),
				to, from); err != nil {
				return err
			}
		}
		return nil

	case MergeParams:
		return e.deleteByCsIDs(ctx, live, p.CsIDs)

	case DataParams:
		switch p.Action {
		case DataInsertRow:
			cols, err := e.eng.TableColumns(ctx, live)
			if err != nil {
				return err
			}
			row := domain.Row{
				domain.ColCsID:     p.NewCsID,
				domain.ColOriginID: p.OriginID,
			}
			return e.eng.InsertRows(ctx, live, cols, []domain.Row{row})
		case DataDeleteRow:
			return e.deleteByCsIDs(ctx, live, p.CsIDs)
		default:
			return fmt.Errorf("unknown data action %q", p.Action)
		}

	case StackParams, JoinParams, ScrubParams:
		// Table-creating commands; the result table exists independently of
		// this timeline and is not rebuilt on replay.
		return nil

	default:
		return fmt.Errorf("unknown command params %T", cmd.Params)
	}
}

func (e *Engine) deleteByCsIDs(ctx context.Context, live string, csIDs []int64) error {
	if len(csIDs) == 0 {
		return nil
	}
	args := make([]interface{}, len(csIDs))
	for i, id := range csIDs {
		args[i] = id
	}
	return e.eng.Execute(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE %s IN (%s)`,
			sqlengine.QuoteIdent(live), sqlengine.QuoteIdent(domain.ColCsID), sqlengine.Placeholders(len(csIDs))),
		args...)
}
