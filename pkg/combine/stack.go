package combine

import (
	"context"
	"time"

	"github.com/kasuganosora/cleanslate/pkg/domain"
	"github.com/kasuganosora/cleanslate/pkg/metrics"
	"github.com/kasuganosora/cleanslate/pkg/registry"
	"github.com/kasuganosora/cleanslate/pkg/snapshot"
)

// Stack unions two tables into a new one, shard by shard. The output schema
// is the union of both sources' user columns, NULL-padded where a source
// lacks a column; every output row gets a fresh identity.
func (e *Engine) Stack(ctx context.Context, leftID, rightID, resultName string, progress snapshot.ProgressFunc) (registry.TableMeta, error) {
	mu := e.eng.StructuralMu()
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()

	restore, err := e.dematerializeActive(ctx, map[string]bool{leftID: true, rightID: true})
	if err != nil {
		return registry.TableMeta{}, err
	}
	defer restore(ctx)

	left, err := e.resolveSource(ctx, leftID)
	if err != nil {
		return registry.TableMeta{}, err
	}
	defer e.cleanupSource(left)

	right, err := e.resolveSource(ctx, rightID)
	if err != nil {
		return registry.TableMeta{}, err
	}
	defer e.cleanupSource(right)

	userCols := unionColumns(left.userCols, right.userCols)
	outCols := outputColumns(userCols)
	resultID := snapshot.NormalizeID(domain.NormalizeTableName(resultName))

	totalShards := len(left.manifest.Shards) + len(right.manifest.Shards)
	var shards []snapshot.ShardInfo
	var totalRows, totalBytes int64
	nextCsID := int64(domain.CsIDStep)

	for _, src := range []*source{left, right} {
		for _, sh := range src.manifest.Shards {
			if err := checkCancelled(ctx); err != nil {
				return registry.TableMeta{}, err
			}

			_, rows, err := e.snaps.LoadShard(src.snapshotID, sh)
			if err != nil {
				return registry.TableMeta{}, err
			}
			if len(rows) == 0 {
				continue
			}

			outRows := make([]domain.Row, len(rows))
			for i, row := range rows {
				out := make(domain.Row, len(outCols))
				out[domain.ColCsID] = nextCsID
				out[domain.ColOriginID] = domain.NewOriginID()
				nextCsID += domain.CsIDStep
				for _, c := range userCols {
					if v, ok := row[c.Name]; ok {
						out[c.Name] = v
					}
				}
				outRows[i] = out
			}

			info, err := e.snaps.ExportSingleShard(resultID, len(shards), outCols, outRows)
			if err != nil {
				return registry.TableMeta{}, err
			}
			shards = append(shards, info)
			totalRows += info.RowCount
			totalBytes += info.ByteSize
			if progress != nil {
				progress(len(shards)-1, totalShards)
			}
		}
	}

	m := &snapshot.Manifest{
		Version:       snapshot.ManifestVersion,
		SnapshotID:    resultID,
		TotalRows:     totalRows,
		TotalBytes:    totalBytes,
		ShardSize:     e.snaps.ShardSize(),
		Shards:        shards,
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

	metrics.CombinesTotal.WithLabelValues("stack").Inc()
	e.log.Info().
		Str("left", left.meta.Name).
		Str("right", right.meta.Name).
		Str("result", resultName).
		Int64("rows", totalRows).
		Dur("took", time.Since(start)).
		Msg("stack complete")
	return meta, nil
}
