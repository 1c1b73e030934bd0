package combine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kasuganosora/cleanslate/pkg/domain"
	"github.com/kasuganosora/cleanslate/pkg/metrics"
	"github.com/kasuganosora/cleanslate/pkg/registry"
	"github.com/kasuganosora/cleanslate/pkg/snapshot"
	"github.com/kasuganosora/cleanslate/pkg/sqlengine"
)

// JoinType selects the join semantics.
type JoinType string

const (
	JoinInner JoinType = "inner"
	JoinLeft  JoinType = "left"
	JoinFull  JoinType = "full"
)

// JoinSpec describes an equi-join request.
type JoinSpec struct {
	LeftID     string
	RightID    string
	LeftKey    string
	RightKey   string
	Type       JoinType
	ResultName string
}

// In-engine scratch tables used by the join phases.
const (
	idxLeftTable  = "_combine_idx_l"
	idxRightTable = "_combine_idx_r"
	matchTable    = "_combine_match"
)

// Join runs the four-phase, index-first sharded equi-join:
//
//	Phase 1 builds tiny (cs_id, key, shard_idx) index tables, one scan per
//	source. Phase 2 joins the two indexes inside the SQL engine into a
//	match table ordered by result_row_num. Phase 3 hydrates one output
//	shard at a time, touching only the source shards that slice of matches
//	references. Phase 4 commits the manifest and imports the result.
func (e *Engine) Join(ctx context.Context, spec JoinSpec) (registry.TableMeta, error) {
	mu := e.eng.StructuralMu()
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()

	restore, err := e.dematerializeActive(ctx, map[string]bool{spec.LeftID: true, spec.RightID: true})
	if err != nil {
		return registry.TableMeta{}, err
	}
	defer restore(ctx)

	left, err := e.resolveSource(ctx, spec.LeftID)
	if err != nil {
		return registry.TableMeta{}, err
	}
	defer e.cleanupSource(left)

	right, err := e.resolveSource(ctx, spec.RightID)
	if err != nil {
		return registry.TableMeta{}, err
	}
	defer e.cleanupSource(right)

	if !hasUserColumn(left.userCols, spec.LeftKey) {
		return registry.TableMeta{}, domain.NewErrColumnNotFound(spec.LeftKey, left.meta.Name)
	}
	if !hasUserColumn(right.userCols, spec.RightKey) {
		return registry.TableMeta{}, domain.NewErrColumnNotFound(spec.RightKey, right.meta.Name)
	}

	userCols, leftCols, rightCols, rightRenames := joinOutputColumns(left.userCols, right.userCols, spec.LeftKey, spec.RightKey)
	outCols := outputColumns(userCols)
	resultID := snapshot.NormalizeID(domain.NormalizeTableName(spec.ResultName))

	defer e.dropScratchTables(ctx)

	// Phase 1: index both sources.
	if err := e.buildIndex(ctx, idxLeftTable, left, spec.LeftKey); err != nil {
		return registry.TableMeta{}, err
	}
	if err := e.buildIndex(ctx, idxRightTable, right, spec.RightKey); err != nil {
		return registry.TableMeta{}, err
	}

	// Phase 2: join the indexes, materialize the match table, free the rest.
	matchCount, err := e.buildMatchTable(ctx, spec.Type)
	if err != nil {
		return registry.TableMeta{}, err
	}

	if matchCount == 0 {
		// Empty-result optimization: no hydration, just the schema.
		return e.emptyResult(ctx, spec.ResultName, resultID, outCols, start)
	}

	// Phase 3: hydrate one output shard at a time.
	shardSize := e.snaps.ShardSize()
	var shards []snapshot.ShardInfo
	var totalBytes int64

	for batchStart := int64(1); batchStart <= matchCount; batchStart += int64(shardSize) {
		if err := checkCancelled(ctx); err != nil {
			return registry.TableMeta{}, err
		}

		outRows, err := e.hydrateBatch(ctx, left, right, spec, leftCols, rightCols, rightRenames, batchStart, int64(shardSize))
		if err != nil {
			return registry.TableMeta{}, err
		}

		info, err := e.snaps.ExportSingleShard(resultID, len(shards), outCols, outRows)
		if err != nil {
			return registry.TableMeta{}, err
		}
		shards = append(shards, info)
		totalBytes += info.ByteSize
	}

	// Phase 4: commit and import.
	m := &snapshot.Manifest{
		Version:       snapshot.ManifestVersion,
		SnapshotID:    resultID,
		TotalRows:     matchCount,
		TotalBytes:    totalBytes,
		ShardSize:     shardSize,
		Shards:        shards,
		Columns:       columnNames(outCols),
		ColumnTypes:   columnTypes(outCols),
		OrderByColumn: domain.ColCsID,
		CreatedAt:     time.Now().UnixMilli(),
	}
	if err := e.snaps.WriteManifest(m); err != nil {
		return registry.TableMeta{}, err
	}

	meta, err := e.registerResult(ctx, spec.ResultName, resultID, m)
	if err != nil {
		return registry.TableMeta{}, err
	}

	metrics.CombinesTotal.WithLabelValues("join").Inc()
	e.log.Info().
		Str("left", left.meta.Name).
		Str("right", right.meta.Name).
		Str("result", spec.ResultName).
		Int64("rows", matchCount).
		Dur("took", time.Since(start)).
		Msg("join complete")
	return meta, nil
}

// buildIndex scans one source's shards and emits (cs_id, key, shard_idx)
// per row. The index is three columns wide no matter how wide the data is.
func (e *Engine) buildIndex(ctx context.Context, indexName string, src *source, keyColumn string) error {
	keyType := "string"
	for _, c := range src.userCols {
		if c.Name == keyColumn {
			keyType = c.Type
			break
		}
	}

	cols := []domain.ColumnInfo{
		{Name: "cs_id", Type: "int64"},
		{Name: "key", Type: keyType, Nullable: true},
		{Name: "shard_idx", Type: "int64"},
	}
	if err := e.eng.DropTable(ctx, indexName); err != nil {
		return err
	}
	if err := e.eng.CreateTable(ctx, indexName, cols); err != nil {
		return err
	}

	for _, sh := range src.manifest.Shards {
		if err := checkCancelled(ctx); err != nil {
			return err
		}
		_, rows, err := e.snaps.LoadShard(src.snapshotID, sh)
		if err != nil {
			return err
		}

		indexRows := make([]domain.Row, len(rows))
		for i, row := range rows {
			indexRows[i] = domain.Row{
				"cs_id":     row[domain.ColCsID],
				"key":       row[keyColumn],
				"shard_idx": int64(sh.Index),
			}
		}
		if err := e.eng.InsertRows(ctx, indexName, cols, indexRows); err != nil {
			return err
		}
	}
	return nil
}

// buildMatchTable joins the two index tables and materializes the match
// list with result row numbers; the indexes are dropped and the engine
// checkpointed before hydration begins.
func (e *Engine) buildMatchTable(ctx context.Context, joinType JoinType) (int64, error) {
	var joinClause string
	switch joinType {
	case JoinInner:
		joinClause = "JOIN"
	case JoinLeft:
		joinClause = "LEFT JOIN"
	case JoinFull:
		joinClause = "FULL OUTER JOIN"
	default:
		return 0, fmt.Errorf("unsupported join type %q", joinType)
	}

	stmt := fmt.Sprintf(`
		CREATE TABLE %s AS
		SELECT l.cs_id AS l_cs_id, r.cs_id AS r_cs_id,
		       l.key AS l_key, r.key AS r_key,
		       l.shard_idx AS l_shard_idx, r.shard_idx AS r_shard_idx,
		       ROW_NUMBER() OVER (ORDER BY l.cs_id, r.cs_id) AS result_row_num
		FROM %s l %s %s r ON l.key = r.key`,
		sqlengine.QuoteIdent(matchTable), sqlengine.QuoteIdent(idxLeftTable), joinClause, sqlengine.QuoteIdent(idxRightTable))
	if err := e.eng.Execute(ctx, stmt); err != nil {
		return 0, fmt.Errorf("index join failed: %w", err)
	}

	if err := e.eng.DropTable(ctx, idxLeftTable); err != nil {
		return 0, err
	}
	if err := e.eng.DropTable(ctx, idxRightTable); err != nil {
		return 0, err
	}
	if err := e.eng.Checkpoint(ctx); err != nil {
		return 0, err
	}

	return e.eng.CountRows(ctx, matchTable)
}

// hydrateBatch builds the output rows for one slice of the match table. It
// loads only the source shards that slice references, and from them only
// the rows whose cs_id the slice names.
func (e *Engine) hydrateBatch(ctx context.Context, left, right *source, spec JoinSpec, leftCols, rightCols []domain.ColumnInfo, rightRenames map[string]string, batchStart, batchLen int64) ([]domain.Row, error) {
	matches, err := e.eng.Query(ctx,
		fmt.Sprintf(`SELECT * FROM %s WHERE result_row_num BETWEEN ? AND ? ORDER BY result_row_num`, sqlengine.QuoteIdent(matchTable)),
		batchStart, batchStart+batchLen-1)
	if err != nil {
		return nil, err
	}

	leftRows, err := e.loadReferencedRows(ctx, left, matches, "l_cs_id", "l_shard_idx")
	if err != nil {
		return nil, err
	}
	rightRows, err := e.loadReferencedRows(ctx, right, matches, "r_cs_id", "r_shard_idx")
	if err != nil {
		return nil, err
	}

	out := make([]domain.Row, 0, len(matches))
	for _, m := range matches {
		rowNum := m["result_row_num"].(int64)
		row := domain.Row{
			domain.ColCsID:     rowNum * domain.CsIDStep,
			domain.ColOriginID: domain.NewOriginID(),
		}

		// FULL OUTER semantics: the key survives whichever side is present.
		if m["l_key"] != nil {
			row[spec.LeftKey] = m["l_key"]
		} else {
			row[spec.LeftKey] = m["r_key"]
		}

		if lID, ok := m["l_cs_id"].(int64); ok {
			if src, found := leftRows[lID]; found {
				for _, c := range leftCols {
					row[c.Name] = src[c.Name]
				}
			}
		}
		if rID, ok := m["r_cs_id"].(int64); ok {
			if src, found := rightRows[rID]; found {
				for _, c := range rightCols {
					row[rightRenames[c.Name]] = src[c.Name]
				}
			}
		}
		out = append(out, row)
	}
	return out, nil
}

// loadReferencedRows returns, keyed by cs_id, the source rows a match slice
// touches. Only the distinct shards named by the slice are read.
func (e *Engine) loadReferencedRows(ctx context.Context, src *source, matches []domain.Row, csCol, shardCol string) (map[int64]domain.Row, error) {
	needed := make(map[int64]bool, len(matches))
	shardSet := make(map[int64]bool)
	for _, m := range matches {
		id, ok := m[csCol].(int64)
		if !ok {
			continue // this side absent (outer join)
		}
		needed[id] = true
		if idx, ok := m[shardCol].(int64); ok {
			shardSet[idx] = true
		}
	}
	if len(needed) == 0 {
		return nil, nil
	}

	shardIdxs := make([]int, 0, len(shardSet))
	for idx := range shardSet {
		shardIdxs = append(shardIdxs, int(idx))
	}
	sort.Ints(shardIdxs)

	out := make(map[int64]domain.Row, len(needed))
	for _, idx := range shardIdxs {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}
		if idx < 0 || idx >= len(src.manifest.Shards) {
			return nil, domain.NewErrSnapshotCorrupt(src.snapshotID, fmt.Sprintf("match references unknown shard %d", idx))
		}
		_, rows, err := e.snaps.LoadShard(src.snapshotID, src.manifest.Shards[idx])
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if id, ok := row[domain.ColCsID].(int64); ok && needed[id] {
				out[id] = row
			}
		}
	}
	return out, nil
}

// emptyResult creates the zero-row result with the correct joined schema.
func (e *Engine) emptyResult(ctx context.Context, resultName, resultID string, outCols []domain.ColumnInfo, start time.Time) (registry.TableMeta, error) {
	m := &snapshot.Manifest{
		Version:       snapshot.ManifestVersion,
		SnapshotID:    resultID,
		TotalRows:     0,
		ShardSize:     e.snaps.ShardSize(),
		Columns:       columnNames(outCols),
		ColumnTypes:   columnTypes(outCols),
		OrderByColumn: domain.ColCsID,
		CreatedAt:     time.Now().UnixMilli(),
	}
	if err := e.snaps.WriteManifest(m); err != nil {
		return registry.TableMeta{}, err
	}

	meta, err := e.registerResult(ctx, resultName, resultID, m)
	if err != nil {
		return registry.TableMeta{}, err
	}

	metrics.CombinesTotal.WithLabelValues("join").Inc()
	e.log.Info().Str("result", resultName).Dur("took", time.Since(start)).Msg("join complete with empty result")
	return meta, nil
}

// dropScratchTables removes the join's in-engine temporaries. Runs in a
// defer so cancellation and errors cannot leak them.
func (e *Engine) dropScratchTables(ctx context.Context) {
	for _, name := range []string{idxLeftTable, idxRightTable, matchTable} {
		if err := e.eng.DropTable(ctx, name); err != nil {
			e.log.Warn().Str("table", name).Err(err).Msg("failed to drop combine scratch table")
		}
	}
}

// joinOutputColumns computes the result schema: the key column (left name),
// then the left user columns, then the right user columns minus its key,
// renamed with a _2 suffix where they collide with a left column.
func joinOutputColumns(left, right []domain.ColumnInfo, leftKey, rightKey string) (userCols, leftCols, rightCols []domain.ColumnInfo, rightRenames map[string]string) {
	taken := make(map[string]bool)
	rightRenames = make(map[string]string)

	var keyCol domain.ColumnInfo
	for _, c := range left {
		if c.Name == leftKey {
			keyCol = c
			break
		}
	}
	keyCol.Nullable = true
	userCols = append(userCols, keyCol)
	taken[keyCol.Name] = true

	for _, c := range left {
		if c.Name == leftKey {
			continue
		}
		c.Nullable = true
		userCols = append(userCols, c)
		leftCols = append(leftCols, c)
		taken[c.Name] = true
	}

	for _, c := range right {
		if c.Name == rightKey {
			continue
		}
		name := c.Name
		for taken[name] {
			name += "_2"
		}
		rightRenames[c.Name] = name
		renamed := c
		renamed.Name = name
		renamed.Nullable = true
		userCols = append(userCols, renamed)
		rightCols = append(rightCols, c)
		taken[name] = true
	}
	return userCols, leftCols, rightCols, rightRenames
}

func hasUserColumn(cols []domain.ColumnInfo, name string) bool {
	for _, c := range cols {
		if c.Name == name {
			return true
		}
	}
	return false
}
