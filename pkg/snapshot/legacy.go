package snapshot

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kasuganosora/cleanslate/pkg/blob"
	"github.com/kasuganosora/cleanslate/pkg/domain"
)

// synthesizeLegacyManifest builds an in-memory manifest for a snapshot that
// predates the manifest format: either {id}_part_{N}.parquet files or a
// single {id}.parquet. Row counts are 0, meaning "unknown — scan lazily".
func (s *Store) synthesizeLegacyManifest(id string) (*Manifest, error) {
	partNames, err := s.blobs.ListFiles(blob.DirSnapshots, id+"_part_")
	if err != nil {
		return nil, err
	}

	var shards []ShardInfo
	if len(partNames) > 0 {
		for _, name := range partNames {
			var idx int
			if _, err := fmt.Sscanf(strings.TrimPrefix(name, id+"_part_"), "%d.parquet", &idx); err != nil {
				continue
			}
			size, err := s.blobs.FileSize(blob.DirSnapshots, name)
			if err != nil {
				return nil, err
			}
			shards = append(shards, ShardInfo{Index: idx, FileName: name, ByteSize: size})
		}
		sortShards(shards)
		for i := range shards {
			shards[i].Index = i
		}
	} else {
		single := legacySingleFileName(id)
		size, err := s.blobs.FileSize(blob.DirSnapshots, single)
		if err != nil {
			return nil, err
		}
		if size < 0 {
			return nil, domain.NewErrSnapshotNotFound(id)
		}
		shards = []ShardInfo{{Index: 0, FileName: single, ByteSize: size}}
	}

	m := &Manifest{
		Version:       ManifestVersion,
		SnapshotID:    id,
		ShardSize:     s.shardSize,
		Shards:        shards,
		OrderByColumn: domain.ColCsID,
		Legacy:        true,
	}

	// Columns come from the first shard's footer; that read is metadata
	// only, no rows are decoded.
	if len(shards) > 0 {
		if cols, err := s.ShardSchema(id, shards[0]); err == nil {
			for _, c := range cols {
				m.Columns = append(m.Columns, c.Name)
			}
			m.ColumnTypes = make(map[string]string, len(cols))
			for _, c := range cols {
				m.ColumnTypes[c.Name] = c.Type
			}
		}
	}

	return m, nil
}

// MigrateLegacySnapshots writes manifests for every legacy snapshot found in
// the snapshot directory. Metadata only; shard files are not rewritten, and
// the next full export re-chunks to the current format. Returns migrated IDs.
func (s *Store) MigrateLegacySnapshots() ([]string, error) {
	names, err := s.blobs.ListFiles(blob.DirSnapshots, "")
	if err != nil {
		return nil, err
	}

	haveManifest := make(map[string]bool)
	for _, name := range names {
		if strings.HasSuffix(name, "_manifest.json") {
			haveManifest[strings.TrimSuffix(name, "_manifest.json")] = true
		}
	}

	candidates := make(map[string]bool)
	for _, name := range names {
		if !strings.HasSuffix(name, ".parquet") {
			continue
		}
		base := strings.TrimSuffix(name, ".parquet")
		if i := strings.LastIndex(base, "_part_"); i >= 0 {
			candidates[base[:i]] = true
		} else if !strings.Contains(base, "_shard_") {
			candidates[base] = true
		}
	}

	var migrated []string
	for id := range candidates {
		norm := NormalizeID(id)
		if haveManifest[norm] {
			continue
		}
		m, err := s.synthesizeLegacyManifest(id)
		if err != nil {
			s.log.Warn().Str("snapshot", id).Err(err).Msg("skipping unreadable legacy snapshot")
			continue
		}
		m.SnapshotID = norm
		m.CreatedAt = time.Now().UnixMilli()
		if err := s.WriteManifest(m); err != nil {
			return migrated, err
		}
		migrated = append(migrated, norm)
	}
	sort.Strings(migrated)
	return migrated, nil
}

// DedupeCaseVariants deletes snapshots that differ only in snapshot-ID case,
// keeping the all-lowercase variant of each group (the lexically-first when
// no variant is all-lowercase). Recovery pass for data
// written before IDs were normalized to lowercase.
func (s *Store) DedupeCaseVariants() ([]string, error) {
	ids, err := s.ListSnapshotIDs()
	if err != nil {
		return nil, err
	}

	byFolded := make(map[string][]string)
	for _, id := range ids {
		folded := NormalizeID(id)
		byFolded[folded] = append(byFolded[folded], id)
	}

	var deleted []string
	for folded, variants := range byFolded {
		if len(variants) < 2 {
			continue
		}
		// Keep the variant normalized lookups can actually find; fall back
		// to the lexically-first otherwise.
		sort.Slice(variants, func(i, j int) bool {
			if (variants[i] == folded) != (variants[j] == folded) {
				return variants[i] == folded
			}
			return variants[i] < variants[j]
		})
		for _, id := range variants[1:] {
			if err := s.deleteSnapshotExact(id); err != nil {
				return deleted, err
			}
			deleted = append(deleted, id)
		}
	}
	sort.Strings(deleted)
	return deleted, nil
}

// deleteSnapshotExact removes a snapshot's files without normalizing the ID,
// which the case-dedup pass needs to target a specific variant.
func (s *Store) deleteSnapshotExact(id string) error {
	names, err := s.blobs.ListFiles(blob.DirSnapshots, id+"_shard_")
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := s.blobs.DeleteFile(blob.DirSnapshots, name); err != nil {
			return err
		}
	}
	s.cache.invalidate(NormalizeID(id))
	return s.blobs.DeleteFile(blob.DirSnapshots, manifestFileName(id))
}

// CleanupCorrupt removes orphaned temp files and zero-byte shard files left
// by interrupted exports. Returns the removed file names.
func (s *Store) CleanupCorrupt() ([]string, error) {
	removed, err := s.blobs.CleanupTempFiles(blob.DirSnapshots)
	if err != nil {
		return removed, err
	}
	zero, err := s.blobs.CleanupZeroByteFiles(blob.DirSnapshots, ".parquet")
	if err != nil {
		return append(removed, zero...), err
	}
	return append(removed, zero...), nil
}
