// Package sqlengine defines the contract this application has with its
// embedded analytical SQL engine, and provides the SQLite-backed
// implementation. Everything above this package treats the engine as
// opaque: named tables, SQL execution, ordered streaming reads, bulk
// loads, and a checkpoint to release memory.
package sqlengine

import (
	"context"
	"strings"
	"sync"

	"github.com/kasuganosora/cleanslate/pkg/domain"
)

// Engine is the consumed surface of the embedded SQL engine.
type Engine interface {
	// Query runs a SELECT and returns all rows.
	Query(ctx context.Context, query string, args ...interface{}) ([]domain.Row, error)

	// Execute runs a statement with no result set.
	Execute(ctx context.Context, stmt string, args ...interface{}) error

	// TableExists reports whether a named table is present.
	TableExists(ctx context.Context, name string) (bool, error)

	// ListTables returns the names of all tables.
	ListTables(ctx context.Context) ([]string, error)

	// TableColumns returns the column descriptors of a table in
	// declaration order.
	TableColumns(ctx context.Context, name string) ([]domain.ColumnInfo, error)

	// CountRows returns a table's row count.
	CountRows(ctx context.Context, name string) (int64, error)

	// CreateTable creates an empty table with the given columns.
	CreateTable(ctx context.Context, name string, cols []domain.ColumnInfo) error

	// DropTable drops a table if it exists.
	DropTable(ctx context.Context, name string) error

	// InsertRows bulk-loads rows into a table. Missing keys insert NULL.
	InsertRows(ctx context.Context, name string, cols []domain.ColumnInfo, rows []domain.Row) error

	// ScanOrdered streams a table in ascending order of an integer column,
	// invoking fn once per batch. The read is consistent with respect to
	// concurrent statements on other tables.
	ScanOrdered(ctx context.Context, name, orderColumn string, batchSize int, fn func(batch []domain.Row) error) error

	// Checkpoint releases buffer memory held by the engine.
	Checkpoint(ctx context.Context) error

	// StructuralMu serializes structural operations (combine, transform
	// application) so schema changes never interleave.
	StructuralMu() *sync.Mutex

	// Close shuts the engine down.
	Close() error
}

// QuoteIdent quotes an identifier for embedding in generated SQL.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteIdents quotes a list of identifiers and joins them with commas.
func QuoteIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = QuoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

// Placeholders returns n comma-separated SQL placeholders.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
