package timeline

import (
	"github.com/kasuganosora/cleanslate/pkg/domain"
)

// CommandType identifies the kind of a recorded user operation.
type CommandType string

const (
	CmdTransform   CommandType = "transform"
	CmdManualEdit  CommandType = "manual_edit"
	CmdBatchEdit   CommandType = "batch_edit"
	CmdStandardize CommandType = "standardize"
	CmdMerge       CommandType = "merge"
	CmdStack       CommandType = "stack"
	CmdJoin        CommandType = "join"
	CmdData        CommandType = "data"
	CmdScrub       CommandType = "scrub"
)

// Params is the sum type of per-command payloads. Replay matches on the
// concrete variant; a variant the replay switch does not list makes replay
// fail with an "unknown command params" error from its default branch.
type Params interface {
	commandType() CommandType
}

// TransformParams re-runs a column/table transform by executing its
// recorded SQL statements.
type TransformParams struct {
	Kind       string   // e.g. trim, dedupe, split_column
	Column     string   // target column, if single-column
	Statements []string // the SQL that applies the transform
}

func (TransformParams) commandType() CommandType { return CmdTransform }

// ManualEditParams is a single cell edit. The only command kind with a
// fast-path inverse.
type ManualEditParams struct {
	CsID     int64
	Column   string
	OldValue interface{}
	NewValue interface{}
}

func (ManualEditParams) commandType() CommandType { return CmdManualEdit }

// CellEdit is one cell change inside a batch edit.
type CellEdit struct {
	CsID     int64
	Column   string
	OldValue interface{}
	NewValue interface{}
}

// BatchEditParams applies many cell edits at once.
type BatchEditParams struct {
	Edits []CellEdit
}

func (BatchEditParams) commandType() CommandType { return CmdBatchEdit }

// StandardizeParams maps raw values of one column onto canonical values.
type StandardizeParams struct {
	Column  string
	Mapping map[string]string // from-value -> to-value
}

func (StandardizeParams) commandType() CommandType { return CmdStandardize }

// MergeParams deletes the merged-away rows by id.
type MergeParams struct {
	CsIDs []int64
}

func (MergeParams) commandType() CommandType { return CmdMerge }

// StackParams records a UNION of two tables into a new one. Table-creating;
// replayed only in special flows.
type StackParams struct {
	LeftTable   string
	RightTable  string
	ResultTable string
}

func (StackParams) commandType() CommandType { return CmdStack }

// JoinParams records an equi-join of two tables into a new one.
// Table-creating; replayed only in special flows.
type JoinParams struct {
	LeftTable   string
	RightTable  string
	LeftKey     string
	RightKey    string
	JoinType    string // inner, left, full
	ResultTable string
}

func (JoinParams) commandType() CommandType { return CmdJoin }

// DataAction discriminates row-level data commands.
type DataAction string

const (
	DataInsertRow DataAction = "insert_row"
	DataDeleteRow DataAction = "delete_row"
)

// DataParams is a row insertion or deletion.
type DataParams struct {
	Action          DataAction
	NewCsID         int64
	OriginID        string
	InsertAfterCsID *int64
	CsIDs           []int64
	DeletedRows     []domain.Row
	ColumnNames     []string
}

func (DataParams) commandType() CommandType { return CmdData }

// ScrubParams records a scrub that produced a new table. Table-creating;
// replayed only in special flows.
type ScrubParams struct {
	ResultTable string
}

func (ScrubParams) commandType() CommandType { return CmdScrub }

// Command is one immutable entry in a timeline.
type Command struct {
	ID                string
	Type              CommandType
	Label             string
	Params            Params
	ColumnOrderBefore []string
	ColumnOrderAfter  []string
	IsExpensive       bool
	RowsAffected      int64
}

// expensiveTransformKinds are the single-column transforms that warrant a
// step snapshot before running.
var expensiveTransformKinds = map[string]bool{
	"dedupe":       true,
	"split_column": true,
	"fill_down":    true,
	"explode_rows": true,
}

// isExpensive reports whether a command gets a step snapshot before it runs.
func isExpensive(cmdType CommandType, params Params) bool {
	switch cmdType {
	case CmdMerge, CmdStack, CmdJoin, CmdScrub:
		return true
	case CmdTransform:
		if tp, ok := params.(TransformParams); ok {
			return expensiveTransformKinds[tp.Kind]
		}
	}
	return false
}
