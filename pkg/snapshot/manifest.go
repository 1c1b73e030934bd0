package snapshot

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kasuganosora/cleanslate/pkg/domain"
)

// ManifestVersion is the current manifest format version.
const ManifestVersion = 1

// ShardInfo describes one shard file of a snapshot.
type ShardInfo struct {
	Index    int    `json:"index"`
	FileName string `json:"fileName"`
	RowCount int64  `json:"rowCount"` // 0 means unknown (legacy migration sentinel)
	ByteSize int64  `json:"byteSize"`
	MinCsID  int64  `json:"minCsId"`
	MaxCsID  int64  `json:"maxCsId"`
}

// Manifest is the JSON descriptor committed last during a snapshot export.
// Its presence is the commit marker: shards without a manifest are garbage.
type Manifest struct {
	Version       int         `json:"version"`
	SnapshotID    string      `json:"snapshotId"`
	TotalRows     int64       `json:"totalRows"`
	TotalBytes    int64       `json:"totalBytes"`
	ShardSize     int         `json:"shardSize"`
	Shards        []ShardInfo `json:"shards"`
	Columns       []string    `json:"columns"`
	ColumnTypes   map[string]string `json:"columnTypes,omitempty"`
	OrderByColumn string      `json:"orderByColumn"`
	CreatedAt     int64       `json:"createdAt"`
	Legacy        bool        `json:"legacy,omitempty"`
}

// Validate checks the manifest invariants: contiguous zero-indexed shards
// sorted by index, non-overlapping _cs_id ranges, and row counts summing to
// the total. Legacy manifests carry unknown row counts and are exempt from
// the sum check.
func (m *Manifest) Validate() error {
	if m.Version != ManifestVersion {
		return fmt.Errorf("manifest %s: unsupported version %d", m.SnapshotID, m.Version)
	}
	if m.SnapshotID == "" {
		return fmt.Errorf("manifest has empty snapshot id")
	}

	var sum int64
	unknownCounts := false
	for i, sh := range m.Shards {
		if sh.Index != i {
			return fmt.Errorf("manifest %s: shard %d has index %d, want %d", m.SnapshotID, i, sh.Index, i)
		}
		if sh.FileName == "" {
			return fmt.Errorf("manifest %s: shard %d has empty file name", m.SnapshotID, i)
		}
		if sh.RowCount == 0 {
			unknownCounts = true
		}
		sum += sh.RowCount

		if i > 0 && sh.RowCount > 0 && m.Shards[i-1].RowCount > 0 {
			if sh.MinCsID <= m.Shards[i-1].MaxCsID {
				return fmt.Errorf("manifest %s: shard %d overlaps shard %d by _cs_id range", m.SnapshotID, i, i-1)
			}
		}
	}

	if !unknownCounts && sum != m.TotalRows {
		return fmt.Errorf("manifest %s: shard row counts sum to %d, manifest says %d", m.SnapshotID, sum, m.TotalRows)
	}
	return nil
}

// UserColumns returns the manifest's column list without the reserved
// identity columns.
func (m *Manifest) UserColumns() []string {
	out := make([]string, 0, len(m.Columns))
	for _, c := range m.Columns {
		if !domain.IsReservedColumn(c) {
			out = append(out, c)
		}
	}
	return out
}

// ColumnInfos reconstructs column descriptors from the manifest, defaulting
// unknown types to string.
func (m *Manifest) ColumnInfos() []domain.ColumnInfo {
	cols := make([]domain.ColumnInfo, 0, len(m.Columns))
	for _, name := range m.Columns {
		typ := m.ColumnTypes[name]
		if typ == "" {
			typ = "string"
		}
		cols = append(cols, domain.ColumnInfo{
			Name:     name,
			Type:     typ,
			Nullable: name != domain.ColCsID,
		})
	}
	return cols
}

// NormalizeID lowercases a snapshot ID. All writes and lookups go through
// this so snapshots differing only in case cannot coexist.
func NormalizeID(id string) string {
	return strings.ToLower(id)
}

// manifestFileName returns the manifest blob name for a snapshot.
func manifestFileName(id string) string {
	return id + "_manifest.json"
}

// shardFileName returns the blob name of shard n in the current format.
func shardFileName(id string, n int) string {
	return fmt.Sprintf("%s_shard_%d.parquet", id, n)
}

// legacyPartFileName returns the blob name of legacy part n.
func legacyPartFileName(id string, n int) string {
	return fmt.Sprintf("%s_part_%d.parquet", id, n)
}

// legacySingleFileName returns the blob name of a legacy single-file
// snapshot.
func legacySingleFileName(id string) string {
	return id + ".parquet"
}

// sortShards orders shards by index in place.
func sortShards(shards []ShardInfo) {
	sort.Slice(shards, func(i, j int) bool { return shards[i].Index < shards[j].Index })
}
