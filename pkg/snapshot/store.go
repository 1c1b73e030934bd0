// Package snapshot owns the on-disk snapshot format: a JSON manifest plus a
// set of fixed-size parquet shards, ordered and non-overlapping by _cs_id.
// The manifest is always written last and deleted last, so its presence is
// the commit marker for the whole snapshot.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kasuganosora/cleanslate/pkg/blob"
	"github.com/kasuganosora/cleanslate/pkg/domain"
	"github.com/kasuganosora/cleanslate/pkg/sqlengine"
)

// ProgressFunc reports per-shard export progress.
type ProgressFunc func(shardIndex, totalShards int)

// Store reads and writes snapshots through the blob layer.
type Store struct {
	blobs       *blob.Store
	shardSize   int
	compression string
	cache       *shardCache
	log         zerolog.Logger
}

// NewStore creates a snapshot store. shardSize is rows per shard;
// cacheSize is the number of decoded shards kept hot.
func NewStore(blobs *blob.Store, shardSize, cacheSize int, compression string, logger zerolog.Logger) *Store {
	if shardSize < 1 {
		shardSize = 50000
	}
	return &Store{
		blobs:       blobs,
		shardSize:   shardSize,
		compression: compression,
		cache:       newShardCache(cacheSize),
		log:         logger,
	}
}

// ShardSize returns the configured rows-per-shard.
func (s *Store) ShardSize() int {
	return s.shardSize
}

// ReadManifest loads a snapshot's manifest. Snapshots predating the
// manifest format get one synthesized from their shard files, with
// rowCount 0 meaning "unknown".
func (s *Store) ReadManifest(id string) (*Manifest, error) {
	id = NormalizeID(id)

	data, err := s.blobs.ReadFile(blob.DirSnapshots, manifestFileName(id))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return s.synthesizeLegacyManifest(id)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, domain.NewErrSnapshotCorrupt(id, fmt.Sprintf("unreadable manifest: %v", err))
	}
	if err := m.Validate(); err != nil {
		return nil, domain.NewErrSnapshotCorrupt(id, err.Error())
	}
	return &m, nil
}

// WriteManifest commits a manifest. The ID is normalized on the way in.
func (s *Store) WriteManifest(m *Manifest) error {
	m.SnapshotID = NormalizeID(m.SnapshotID)
	if err := m.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize manifest %s: %w", m.SnapshotID, err)
	}
	return s.blobs.WriteFile(blob.DirSnapshots, manifestFileName(m.SnapshotID), data)
}

// SnapshotExists reports whether a snapshot (manifest or legacy files) is
// present.
func (s *Store) SnapshotExists(id string) (bool, error) {
	id = NormalizeID(id)

	size, err := s.blobs.FileSize(blob.DirSnapshots, manifestFileName(id))
	if err != nil {
		return false, err
	}
	if size >= 0 {
		return true, nil
	}

	// Legacy forms.
	for _, name := range []string{legacySingleFileName(id), legacyPartFileName(id, 0)} {
		size, err := s.blobs.FileSize(blob.DirSnapshots, name)
		if err != nil {
			return false, err
		}
		if size >= 0 {
			return true, nil
		}
	}
	return false, nil
}

// ListSnapshotIDs enumerates all snapshots that have a manifest.
func (s *Store) ListSnapshotIDs() ([]string, error) {
	names, err := s.blobs.ListFiles(blob.DirSnapshots, "")
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, name := range names {
		if strings.HasSuffix(name, "_manifest.json") {
			ids = append(ids, strings.TrimSuffix(name, "_manifest.json"))
		}
	}
	return ids, nil
}

// DeleteSnapshot removes a snapshot's shards first and its manifest last, so
// an interrupted deletion leaves a still-readable snapshot.
func (s *Store) DeleteSnapshot(id string) error {
	id = NormalizeID(id)

	names, err := s.blobs.ListFiles(blob.DirSnapshots, id+"_shard_")
	if err != nil {
		return err
	}
	legacyParts, err := s.blobs.ListFiles(blob.DirSnapshots, id+"_part_")
	if err != nil {
		return err
	}
	names = append(names, legacyParts...)
	names = append(names, legacySingleFileName(id))

	for _, name := range names {
		if err := s.blobs.DeleteFile(blob.DirSnapshots, name); err != nil {
			return err
		}
	}

	s.cache.invalidate(id)
	return s.blobs.DeleteFile(blob.DirSnapshots, manifestFileName(id))
}

// ExportTableToSnapshot streams a live table, ordered by _cs_id, into
// fixed-size shards and commits them under the given snapshot ID. Each
// shard goes through an atomic temp-file write; the manifest lands last.
func (s *Store) ExportTableToSnapshot(ctx context.Context, eng sqlengine.Engine, tableName, id string, progress ProgressFunc) (*Manifest, error) {
	id = NormalizeID(id)
	start := time.Now()

	cols, err := eng.TableColumns(ctx, tableName)
	if err != nil {
		return nil, err
	}
	colNames := make([]string, len(cols))
	colTypes := make(map[string]string, len(cols))
	for i, c := range cols {
		colNames[i] = c.Name
		colTypes[c.Name] = c.Type
	}

	totalRows, err := eng.CountRows(ctx, tableName)
	if err != nil {
		return nil, err
	}
	totalShards := int((totalRows + int64(s.shardSize) - 1) / int64(s.shardSize))

	var shards []ShardInfo
	var totalBytes int64

	err = eng.ScanOrdered(ctx, tableName, domain.ColCsID, s.shardSize, func(batch []domain.Row) error {
		index := len(shards)
		info, err := s.writeShard(id, index, tableName, cols, batch)
		if err != nil {
			return err
		}
		shards = append(shards, info)
		totalBytes += info.ByteSize
		if progress != nil {
			progress(index, totalShards)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to export %q to snapshot %s: %w", tableName, id, err)
	}

	// A previous, larger export may have left higher-numbered shards behind.
	if err := s.deleteShardsFrom(id, len(shards)); err != nil {
		return nil, err
	}

	m := &Manifest{
		Version:       ManifestVersion,
		SnapshotID:    id,
		TotalRows:     totalRows,
		TotalBytes:    totalBytes,
		ShardSize:     s.shardSize,
		Shards:        shards,
		Columns:       colNames,
		ColumnTypes:   colTypes,
		OrderByColumn: domain.ColCsID,
		CreatedAt:     time.Now().UnixMilli(),
	}
	if err := s.WriteManifest(m); err != nil {
		return nil, err
	}

	s.log.Debug().
		Str("snapshot", id).
		Int64("rows", totalRows).
		Int("shards", len(shards)).
		Dur("took", time.Since(start)).
		Msg("snapshot exported")
	return m, nil
}

// ImportTableFromSnapshot loads a snapshot's shards, in order, into a named
// table in the SQL engine. _cs_id monotonicity across shards is enforced.
// Returns the imported row count.
func (s *Store) ImportTableFromSnapshot(ctx context.Context, eng sqlengine.Engine, id, targetName string) (int64, error) {
	id = NormalizeID(id)

	m, err := s.ReadManifest(id)
	if err != nil {
		return 0, err
	}

	if err := eng.DropTable(ctx, targetName); err != nil {
		return 0, err
	}

	if len(m.Shards) == 0 {
		cols := m.ColumnInfos()
		if len(cols) == 0 {
			return 0, domain.NewErrSnapshotCorrupt(id, "empty snapshot has no column metadata")
		}
		if err := eng.CreateTable(ctx, targetName, cols); err != nil {
			return 0, err
		}
		return 0, nil
	}

	var total int64
	var tableCols []domain.ColumnInfo
	lastMax := int64(-1 << 62)

	for _, sh := range m.Shards {
		cols, rows, err := s.LoadShard(id, sh)
		if err != nil {
			return total, err
		}

		if tableCols == nil {
			// Prefer the manifest's declared column order; shard schemas
			// sort fields by name.
			if len(m.Columns) > 0 && len(m.ColumnTypes) > 0 {
				tableCols = m.ColumnInfos()
			} else {
				tableCols = cols
			}
			if err := eng.CreateTable(ctx, targetName, tableCols); err != nil {
				return total, err
			}
		}

		for _, row := range rows {
			csID, ok := row[domain.ColCsID].(int64)
			if !ok {
				return total, domain.NewErrSnapshotCorrupt(id, fmt.Sprintf("shard %d row missing %s", sh.Index, domain.ColCsID))
			}
			if csID <= lastMax {
				return total, domain.NewErrSnapshotCorrupt(id, fmt.Sprintf("shard %d breaks %s monotonicity (%d after %d)", sh.Index, domain.ColCsID, csID, lastMax))
			}
			lastMax = csID
		}

		if err := eng.InsertRows(ctx, targetName, tableCols, rows); err != nil {
			return total, err
		}
		total += int64(len(rows))
	}

	return total, nil
}

// ExportSingleShard writes one shard of a snapshot under construction. The
// caller accumulates the returned ShardInfo entries and commits them with
// WriteManifest once all shards are on disk.
func (s *Store) ExportSingleShard(id string, index int, cols []domain.ColumnInfo, rows []domain.Row) (ShardInfo, error) {
	id = NormalizeID(id)
	return s.writeShard(id, index, id, cols, rows)
}

// LoadShard returns a shard's columns and rows, consulting the decoded-shard
// cache first.
func (s *Store) LoadShard(id string, sh ShardInfo) ([]domain.ColumnInfo, []domain.Row, error) {
	id = NormalizeID(id)

	if cols, rows, ok := s.cache.get(id, sh.FileName); ok {
		return cols, rows, nil
	}

	data, err := s.blobs.ReadFile(blob.DirSnapshots, sh.FileName)
	if err != nil {
		return nil, nil, err
	}
	if data == nil {
		return nil, nil, domain.NewErrSnapshotCorrupt(id, fmt.Sprintf("shard file %s missing", sh.FileName))
	}
	if len(data) == 0 {
		return nil, nil, domain.NewErrSnapshotCorrupt(id, fmt.Sprintf("shard file %s is empty", sh.FileName))
	}

	cols, rows, err := decodeShard(data)
	if err != nil {
		return nil, nil, domain.NewErrSnapshotCorrupt(id, err.Error())
	}

	s.cache.put(id, sh.FileName, cols, rows)
	return cols, rows, nil
}

// ShardSchema reads only a shard's column descriptors (footer metadata).
func (s *Store) ShardSchema(id string, sh ShardInfo) ([]domain.ColumnInfo, error) {
	id = NormalizeID(id)

	data, err := s.blobs.ReadFile(blob.DirSnapshots, sh.FileName)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, domain.NewErrSnapshotCorrupt(id, fmt.Sprintf("shard file %s missing", sh.FileName))
	}
	return readShardSchema(data)
}

// writeShard encodes and atomically writes one shard file.
func (s *Store) writeShard(id string, index int, tableName string, cols []domain.ColumnInfo, rows []domain.Row) (ShardInfo, error) {
	data, err := encodeShard(tableName, cols, rows, s.compression)
	if err != nil {
		return ShardInfo{}, err
	}

	name := shardFileName(id, index)
	if err := s.blobs.WriteFile(blob.DirSnapshots, name, data); err != nil {
		return ShardInfo{}, err
	}

	info := ShardInfo{
		Index:    index,
		FileName: name,
		RowCount: int64(len(rows)),
		ByteSize: int64(len(data)),
	}
	if len(rows) > 0 {
		if v, ok := rows[0][domain.ColCsID].(int64); ok {
			info.MinCsID = v
		}
		if v, ok := rows[len(rows)-1][domain.ColCsID].(int64); ok {
			info.MaxCsID = v
		}
	}

	s.cache.invalidate(id)
	return info, nil
}

// deleteShardsFrom removes shard files with index >= from.
func (s *Store) deleteShardsFrom(id string, from int) error {
	names, err := s.blobs.ListFiles(blob.DirSnapshots, id+"_shard_")
	if err != nil {
		return err
	}
	for _, name := range names {
		var idx int
		if _, err := fmt.Sscanf(strings.TrimPrefix(name, id+"_shard_"), "%d.parquet", &idx); err != nil {
			continue
		}
		if idx >= from {
			if err := s.blobs.DeleteFile(blob.DirSnapshots, name); err != nil {
				return err
			}
		}
	}
	return nil
}
