package snapshot

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	pq "github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/kasuganosora/cleanslate/pkg/domain"
)

// encodeShard serializes rows into one parquet shard blob.
func encodeShard(tableName string, columns []domain.ColumnInfo, rows []domain.Row, compression string) ([]byte, error) {
	schema := domainSchemaToParquet(tableName, columns)
	writerOpts := []pq.WriterOption{schema}
	if codec := compressionCodec(compression); codec != nil {
		writerOpts = append(writerOpts, pq.Compression(codec))
	}

	var buf bytes.Buffer
	writer := pq.NewGenericWriter[map[string]interface{}](&buf, writerOpts...)

	if len(rows) > 0 {
		batch := make([]map[string]interface{}, 0, min(1024, len(rows)))
		for _, row := range rows {
			batch = append(batch, coerceRow(columns, row))
			if len(batch) >= 1024 {
				if _, err := writer.Write(batch); err != nil {
					return nil, fmt.Errorf("failed to write shard rows: %w", err)
				}
				batch = batch[:0]
			}
		}
		if len(batch) > 0 {
			if _, err := writer.Write(batch); err != nil {
				return nil, fmt.Errorf("failed to write shard rows: %w", err)
			}
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close shard writer: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeShard reads a parquet shard blob back into columns and rows.
func decodeShard(data []byte) ([]domain.ColumnInfo, []domain.Row, error) {
	pf, err := pq.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open shard: %w", err)
	}

	columns := parquetSchemaToDomain(pf.Schema())

	var out []domain.Row
	buf := make([]pq.Row, 256)
	for _, rg := range pf.RowGroups() {
		rowReader := rg.Rows()
		for {
			n, err := rowReader.ReadRows(buf)
			for i := 0; i < n; i++ {
				out = append(out, parquetRowToDomain(columns, buf[i]))
			}
			if err != nil {
				if err == io.EOF {
					break
				}
				rowReader.Close()
				return nil, nil, fmt.Errorf("failed to read shard rows: %w", err)
			}
			if n == 0 {
				break
			}
		}
		rowReader.Close()
	}
	return columns, out, nil
}

// readShardSchema reads only the schema from a shard blob (footer metadata).
func readShardSchema(data []byte) ([]domain.ColumnInfo, error) {
	pf, err := pq.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open shard: %w", err)
	}
	return parquetSchemaToDomain(pf.Schema()), nil
}

// coerceRow narrows a domain.Row to the shard schema and canonical value
// types so the generic writer never sees stray columns.
func coerceRow(columns []domain.ColumnInfo, row domain.Row) map[string]interface{} {
	out := make(map[string]interface{}, len(columns))
	for _, col := range columns {
		v, ok := row[col.Name]
		if !ok || v == nil {
			continue
		}
		out[col.Name] = coerceValue(col, v)
	}
	return out
}

// coerceValue converts a value to the Go type the parquet column expects.
func coerceValue(col domain.ColumnInfo, v interface{}) interface{} {
	switch strings.ToLower(col.Type) {
	case "int64", "bigint", "int32", "int", "integer":
		switch val := v.(type) {
		case int64:
			return val
		case int:
			return int64(val)
		case int32:
			return int64(val)
		case float64:
			return int64(val)
		case bool:
			if val {
				return int64(1)
			}
			return int64(0)
		default:
			return int64(0)
		}
	case "float64", "double", "float32", "float":
		switch val := v.(type) {
		case float64:
			return val
		case float32:
			return float64(val)
		case int64:
			return float64(val)
		case int:
			return float64(val)
		default:
			return float64(0)
		}
	case "bool", "boolean":
		switch val := v.(type) {
		case bool:
			return val
		case int64:
			return val != 0
		default:
			return false
		}
	default:
		switch val := v.(type) {
		case string:
			return val
		default:
			return fmt.Sprintf("%v", v)
		}
	}
}

// domainTypeToParquetNode converts a domain.ColumnInfo to a parquet node.
func domainTypeToParquetNode(col domain.ColumnInfo) pq.Node {
	var node pq.Node

	switch strings.ToLower(col.Type) {
	case "int64", "bigint", "int32", "int", "integer":
		node = pq.Leaf(pq.Int64Type)
	case "float64", "double", "float32", "float":
		node = pq.Leaf(pq.DoubleType)
	case "bool", "boolean":
		node = pq.Leaf(pq.BooleanType)
	default:
		node = pq.String()
	}

	if col.Nullable {
		node = pq.Optional(node)
	}
	return node
}

// domainSchemaToParquet converts domain columns to a parquet schema.
func domainSchemaToParquet(tableName string, columns []domain.ColumnInfo) *pq.Schema {
	group := make(pq.Group)
	for _, col := range columns {
		group[col.Name] = domainTypeToParquetNode(col)
	}
	return pq.NewSchema(tableName, group)
}

// parquetSchemaToDomain converts a parquet schema to domain column infos.
func parquetSchemaToDomain(schema *pq.Schema) []domain.ColumnInfo {
	fields := schema.Fields()
	columns := make([]domain.ColumnInfo, 0, len(fields))
	for _, field := range fields {
		col := domain.ColumnInfo{
			Name:     field.Name(),
			Nullable: field.Optional(),
		}
		if field.Leaf() {
			col.Type = parquetNodeTypeToString(field)
		} else {
			col.Type = "string"
		}
		columns = append(columns, col)
	}
	return columns
}

// parquetNodeTypeToString maps a leaf parquet node to a domain type string.
func parquetNodeTypeToString(node pq.Node) string {
	t := node.Type()
	switch t.Kind() {
	case pq.Boolean:
		return "bool"
	case pq.Int32:
		return "int64"
	case pq.Int64:
		return "int64"
	case pq.Float:
		return "float64"
	case pq.Double:
		return "float64"
	case pq.ByteArray, pq.FixedLenByteArray:
		return "string"
	default:
		return "string"
	}
}

// parquetRowToDomain converts a parquet.Row to a domain.Row by column index.
func parquetRowToDomain(columns []domain.ColumnInfo, row pq.Row) domain.Row {
	result := make(domain.Row, len(columns))
	for _, v := range row {
		idx := int(v.Column())
		if idx < 0 || idx >= len(columns) {
			continue
		}
		result[columns[idx].Name] = parquetValueToGo(columns[idx], v)
	}
	return result
}

// parquetValueToGo converts a parquet.Value to a Go value based on column type.
func parquetValueToGo(col domain.ColumnInfo, v pq.Value) interface{} {
	if v.IsNull() {
		return nil
	}

	switch v.Kind() {
	case pq.Boolean:
		return v.Boolean()
	case pq.Int32:
		return int64(v.Int32())
	case pq.Int64:
		return v.Int64()
	case pq.Float:
		return float64(v.Float())
	case pq.Double:
		return v.Double()
	case pq.ByteArray:
		return string(v.ByteArray())
	default:
		return string(v.ByteArray())
	}
}

// compressionCodec returns the parquet compression codec for a given name.
func compressionCodec(name string) compress.Codec {
	switch strings.ToLower(name) {
	case "snappy":
		return &pq.Snappy
	case "gzip":
		return &pq.Gzip
	case "zstd":
		return &pq.Zstd
	case "lz4":
		return &pq.Lz4Raw
	case "none", "uncompressed", "":
		return nil
	default:
		return &pq.Snappy
	}
}
