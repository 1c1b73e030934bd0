package domain

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Reserved row-identity columns. They are carried on every user table,
// stripped from exports, and may not appear in user data.
const (
	ColCsID     = "_cs_id"
	ColOriginID = "_cs_origin_id"
)

// CsIDStep is the gap between consecutive _cs_id values, leaving room for
// row insertions between neighbours.
const CsIDStep = 100

// Reserved snapshot-ID prefixes, excluded from hydration.
const (
	PrefixOriginal        = "original_"
	PrefixStepSnapshot    = "snapshot_"
	PrefixTimeline        = "_timeline_"
	PrefixDiff            = "_diff_"
	PrefixCombineTemp     = "_combine_temp_"
	PrefixCombineResult   = "_combine_result_"
	PrefixMaterialized    = "_mat_"
	PrefixCustomSQLBefore = "_custom_sql_before_"
)

// Reserved live-table prefixes.
const (
	PrefixHot     = "_hot_"
	PrefixStaging = "_staging_"
)

// ReservedSnapshotPrefixes lists every snapshot-ID prefix that hydration
// must skip.
var ReservedSnapshotPrefixes = []string{
	PrefixOriginal,
	PrefixStepSnapshot,
	PrefixTimeline,
	PrefixDiff,
	PrefixCombineTemp,
	PrefixCombineResult,
	PrefixMaterialized,
	PrefixCustomSQLBefore,
}

// IsReservedSnapshotID reports whether a snapshot ID belongs to internal
// machinery rather than a user table.
func IsReservedSnapshotID(id string) bool {
	for _, p := range ReservedSnapshotPrefixes {
		if strings.HasPrefix(id, p) {
			return true
		}
	}
	return false
}

// IsReservedColumn reports whether a column name is one of the reserved
// identity columns.
func IsReservedColumn(name string) bool {
	return name == ColCsID || name == ColOriginID
}

// Row is a single table row keyed by column name.
type Row map[string]interface{}

// ColumnInfo describes one column of a table or shard.
type ColumnInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// ReservedColumns returns the column descriptors for the identity columns.
func ReservedColumns() []ColumnInfo {
	return []ColumnInfo{
		{Name: ColCsID, Type: "int64", Nullable: false},
		{Name: ColOriginID, Type: "string", Nullable: true},
	}
}

// UserColumns filters the reserved identity columns out of a column list.
func UserColumns(cols []ColumnInfo) []ColumnInfo {
	out := make([]ColumnInfo, 0, len(cols))
	for _, c := range cols {
		if !IsReservedColumn(c.Name) {
			out = append(out, c)
		}
	}
	return out
}

var tableNamePattern = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// NormalizeTableName converts a human-readable table label into the key
// used for storage: lowercase, each character outside [a-zA-Z0-9_] replaced
// by one underscore (runs are not collapsed).
func NormalizeTableName(label string) string {
	return tableNamePattern.ReplaceAllString(strings.ToLower(label), "_")
}

// NewOriginID returns a fresh opaque row-birth identifier.
func NewOriginID() string {
	return uuid.NewString()
}

// NewTableID returns a stable table identifier that outlives renames.
func NewTableID() string {
	return "tbl_" + uuid.NewString()
}

// ShortID returns an 8-character identifier fragment for temp names.
func ShortID() string {
	return uuid.NewString()[:8]
}
