package sqlengine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kasuganosora/cleanslate/pkg/domain"
)

// SQLiteEngine backs the Engine contract with an in-process SQLite
// database. A single connection serializes all statements, which is the
// concurrency model the rest of the engine assumes.
type SQLiteEngine struct {
	db           *sql.DB
	structuralMu sync.Mutex
}

// NewSQLiteEngine opens a private in-memory database.
func NewSQLiteEngine() (*SQLiteEngine, error) {
	// A named memory database with shared cache keeps the data visible to
	// every pooled connection; MaxOpenConns(1) then serializes access.
	dsn := fmt.Sprintf("file:cleanslate_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}

	return &SQLiteEngine{db: db}, nil
}

// Query 执行查询并返回全部行
func (e *SQLiteEngine) Query(ctx context.Context, query string, args ...interface{}) ([]domain.Row, error) {
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read result columns: %w", err)
	}

	declTypes := make([]string, len(cols))
	if colTypes, err := rows.ColumnTypes(); err == nil {
		for i, ct := range colTypes {
			declTypes[i] = ct.DatabaseTypeName()
		}
	}

	var out []domain.Row
	values := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(domain.Row, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(values[i], declTypes[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return out, nil
}

// Execute 执行无结果集语句
func (e *SQLiteEngine) Execute(ctx context.Context, stmt string, args ...interface{}) error {
	if _, err := e.db.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("execute failed: %w", err)
	}
	return nil
}

func (e *SQLiteEngine) TableExists(ctx context.Context, name string) (bool, error) {
	var count int
	err := e.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check table %q: %w", name, err)
	}
	return count > 0, nil
}

func (e *SQLiteEngine) ListTables(ctx context.Context) ([]string, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (e *SQLiteEngine) TableColumns(ctx context.Context, name string) ([]domain.ColumnInfo, error) {
	exists, err := e.TableExists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.NewErrTableNotFound(name)
	}

	rows, err := e.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, QuoteIdent(name)))
	if err != nil {
		return nil, fmt.Errorf("failed to introspect table %q: %w", name, err)
	}
	defer rows.Close()

	var cols []domain.ColumnInfo
	for rows.Next() {
		var cid int
		var colName, declType string
		var notNull int
		var dflt interface{}
		var pk int
		if err := rows.Scan(&cid, &colName, &declType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		cols = append(cols, domain.ColumnInfo{
			Name:     colName,
			Type:     declTypeToDomain(declType),
			Nullable: notNull == 0,
		})
	}
	return cols, rows.Err()
}

func (e *SQLiteEngine) CountRows(ctx context.Context, name string) (int64, error) {
	var count int64
	err := e.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s`, QuoteIdent(name))).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count rows of %q: %w", name, err)
	}
	return count, nil
}

func (e *SQLiteEngine) CreateTable(ctx context.Context, name string, cols []domain.ColumnInfo) error {
	if len(cols) == 0 {
		return fmt.Errorf("cannot create table %q with no columns", name)
	}

	defs := make([]string, len(cols))
	for i, col := range cols {
		def := QuoteIdent(col.Name) + " " + domainTypeToDecl(col.Type)
		if !col.Nullable {
			def += " NOT NULL"
		}
		defs[i] = def
	}

	stmt := fmt.Sprintf(`CREATE TABLE %s (%s)`, QuoteIdent(name), strings.Join(defs, ", "))
	return e.Execute(ctx, stmt)
}

func (e *SQLiteEngine) DropTable(ctx context.Context, name string) error {
	return e.Execute(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, QuoteIdent(name)))
}

func (e *SQLiteEngine) InsertRows(ctx context.Context, name string, cols []domain.ColumnInfo, rows []domain.Row) error {
	if len(rows) == 0 {
		return nil
	}

	colNames := make([]string, len(cols))
	for i, c := range cols {
		colNames[i] = c.Name
	}

	// Chunk so each statement stays well under the bind-variable limit.
	chunk := 500 / len(cols)
	if chunk < 1 {
		chunk = 1
	}

	rowTuple := "(" + Placeholders(len(cols)) + ")"
	for start := 0; start < len(rows); start += chunk {
		end := start + chunk
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]

		tuples := make([]string, len(batch))
		args := make([]interface{}, 0, len(batch)*len(cols))
		for i, row := range batch {
			tuples[i] = rowTuple
			for _, c := range cols {
				args = append(args, row[c.Name])
			}
		}

		stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES %s`,
			QuoteIdent(name), QuoteIdents(colNames), strings.Join(tuples, ", "))
		if err := e.Execute(ctx, stmt, args...); err != nil {
			return fmt.Errorf("bulk insert into %q failed: %w", name, err)
		}
	}
	return nil
}

func (e *SQLiteEngine) ScanOrdered(ctx context.Context, name, orderColumn string, batchSize int, fn func(batch []domain.Row) error) error {
	if batchSize < 1 {
		batchSize = 1
	}

	// Keyset pagination keeps memory bounded to one batch regardless of
	// table size.
	var last interface{}
	for {
		var query string
		var args []interface{}
		if last == nil {
			query = fmt.Sprintf(`SELECT * FROM %s ORDER BY %s LIMIT ?`,
				QuoteIdent(name), QuoteIdent(orderColumn))
			args = []interface{}{batchSize}
		} else {
			query = fmt.Sprintf(`SELECT * FROM %s WHERE %s > ? ORDER BY %s LIMIT ?`,
				QuoteIdent(name), QuoteIdent(orderColumn), QuoteIdent(orderColumn))
			args = []interface{}{last, batchSize}
		}

		batch, err := e.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < batchSize {
			return nil
		}
		last = batch[len(batch)-1][orderColumn]
	}
}

func (e *SQLiteEngine) Checkpoint(ctx context.Context) error {
	if err := e.Execute(ctx, `PRAGMA shrink_memory`); err != nil {
		return err
	}
	return nil
}

func (e *SQLiteEngine) StructuralMu() *sync.Mutex {
	return &e.structuralMu
}

func (e *SQLiteEngine) Close() error {
	return e.db.Close()
}

// declTypeToDomain maps a SQLite declared type to a domain type string.
func declTypeToDomain(decl string) string {
	switch strings.ToUpper(decl) {
	case "INTEGER", "INT", "BIGINT":
		return "int64"
	case "REAL", "DOUBLE", "FLOAT":
		return "float64"
	case "BOOLEAN", "BOOL":
		return "bool"
	case "TEXT", "VARCHAR", "":
		return "string"
	default:
		return "string"
	}
}

// domainTypeToDecl maps a domain type string to a SQLite declared type.
func domainTypeToDecl(typ string) string {
	switch strings.ToLower(typ) {
	case "int64", "int32", "int", "bigint", "integer":
		return "INTEGER"
	case "float64", "float32", "double", "float":
		return "REAL"
	case "bool", "boolean":
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

// normalizeValue converts driver values to the canonical Go types used in
// domain.Row: int64, float64, bool, string, nil.
func normalizeValue(v interface{}, declType string) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(val)
	case int64:
		if strings.EqualFold(declType, "BOOLEAN") || strings.EqualFold(declType, "BOOL") {
			return val != 0
		}
		return val
	default:
		return v
	}
}
