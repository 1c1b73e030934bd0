package domain

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Recoverable kinds are handled locally by callers;
// data-integrity kinds are surfaced to the user.
var (
	// ErrCancelled marks a cooperative cancellation of a long-running
	// operation. Temp tables are dropped before it propagates.
	ErrCancelled = errors.New("operation cancelled")

	// ErrSaveInProgress marks a snapshot export collision. Callers coalesce
	// instead of surfacing it.
	ErrSaveInProgress = errors.New("save already in progress")
)

// ErrTableNotFound 表不存在错误
type ErrTableNotFound struct {
	TableName string
}

func (e *ErrTableNotFound) Error() string {
	return fmt.Sprintf("table %s not found", e.TableName)
}

// ErrColumnNotFound 列不存在错误
type ErrColumnNotFound struct {
	ColumnName string
	TableName  string
}

func (e *ErrColumnNotFound) Error() string {
	return fmt.Sprintf("column %s not found in table %s", e.ColumnName, e.TableName)
}

// ErrSnapshotNotFound 快照不存在错误
type ErrSnapshotNotFound struct {
	SnapshotID string
}

func (e *ErrSnapshotNotFound) Error() string {
	return fmt.Sprintf("snapshot %s not found", e.SnapshotID)
}

// ErrSnapshotCorrupt 快照损坏错误
type ErrSnapshotCorrupt struct {
	SnapshotID string
	Reason     string
}

func (e *ErrSnapshotCorrupt) Error() string {
	return fmt.Sprintf("snapshot %s is corrupt: %s", e.SnapshotID, e.Reason)
}

// ErrReservedColumn 保留列名错误
type ErrReservedColumn struct {
	ColumnName string
}

func (e *ErrReservedColumn) Error() string {
	return fmt.Sprintf("column name %s is reserved", e.ColumnName)
}

// ErrReplayFailed wraps the failure of a single command during timeline
// replay. The live table may be left at the snapshot state with only some
// commands reapplied.
type ErrReplayFailed struct {
	Position int
	Label    string
	Err      error
}

func (e *ErrReplayFailed) Error() string {
	return fmt.Sprintf("replay failed at command %d (%s): %v", e.Position, e.Label, e.Err)
}

func (e *ErrReplayFailed) Unwrap() error {
	return e.Err
}

// 辅助函数

// NewErrTableNotFound 创建表不存在错误
func NewErrTableNotFound(tableName string) *ErrTableNotFound {
	return &ErrTableNotFound{TableName: tableName}
}

// NewErrColumnNotFound 创建列不存在错误
func NewErrColumnNotFound(columnName, tableName string) *ErrColumnNotFound {
	return &ErrColumnNotFound{ColumnName: columnName, TableName: tableName}
}

// NewErrSnapshotNotFound 创建快照不存在错误
func NewErrSnapshotNotFound(snapshotID string) *ErrSnapshotNotFound {
	return &ErrSnapshotNotFound{SnapshotID: snapshotID}
}

// NewErrSnapshotCorrupt 创建快照损坏错误
func NewErrSnapshotCorrupt(snapshotID, reason string) *ErrSnapshotCorrupt {
	return &ErrSnapshotCorrupt{SnapshotID: snapshotID, Reason: reason}
}
