package registry

import (
	"encoding/json"
	"fmt"

	"github.com/kasuganosora/cleanslate/pkg/blob"
)

const appStateFile = "app-state.json"

// TableState is the persisted slice of a table's metadata: the pieces that
// cannot be rebuilt from the snapshot itself.
type TableState struct {
	Name        string   `json:"name"`
	SnapshotID  string   `json:"snapshotId"`
	ColumnOrder []string `json:"columnOrder,omitempty"`
}

// AppState is the saved application state consulted first during hydration.
type AppState struct {
	Version       int                   `json:"version"`
	Tables        map[string]TableState `json:"tables"` // keyed by tableId
	ActiveTableID string                `json:"activeTableId,omitempty"`
}

// LoadAppState reads the saved state, returning an empty state if none
// exists yet.
func LoadAppState(blobs *blob.Store) (*AppState, error) {
	data, err := blobs.ReadFile(blob.DirState, appStateFile)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return &AppState{Version: 1, Tables: make(map[string]TableState)}, nil
	}

	var state AppState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse app state: %w", err)
	}
	if state.Tables == nil {
		state.Tables = make(map[string]TableState)
	}
	return &state, nil
}

// SaveAppState writes the state atomically.
func SaveAppState(blobs *blob.Store, state *AppState) error {
	state.Version = 1
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize app state: %w", err)
	}
	return blobs.WriteFile(blob.DirState, appStateFile, data)
}

// SnapshotAppState captures the registry into a persistable state.
func SnapshotAppState(r *Registry) *AppState {
	state := &AppState{
		Version:       1,
		Tables:        make(map[string]TableState),
		ActiveTableID: r.ActiveID(),
	}
	for _, meta := range r.List() {
		state.Tables[meta.ID] = TableState{
			Name:        meta.Name,
			SnapshotID:  meta.SnapshotID,
			ColumnOrder: meta.ColumnOrder,
		}
	}
	return state
}
