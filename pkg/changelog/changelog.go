// Package changelog is the append-only log of fine-grained mutations: one
// JSONL file per table, one JSON object per line. A cell edit lands here in
// milliseconds; merging the log back into a snapshot is compaction's job.
package changelog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kasuganosora/cleanslate/pkg/blob"
	"github.com/kasuganosora/cleanslate/pkg/domain"
)

// EntryType discriminates changelog entry variants.
type EntryType string

const (
	EntryCellEdit  EntryType = "cell_edit"
	EntryInsertRow EntryType = "insert_row"
	EntryDeleteRow EntryType = "delete_row"
)

// Entry is one logged mutation. Which fields are meaningful depends on Type.
type Entry struct {
	Type    EntryType `json:"type"`
	TableID string    `json:"tableId"`
	TS      int64     `json:"ts"`

	// cell_edit
	RowID    int64       `json:"rowId,omitempty"` // _cs_id of the edited row
	Column   string      `json:"column,omitempty"`
	OldValue interface{} `json:"oldValue,omitempty"`
	NewValue interface{} `json:"newValue,omitempty"`

	// insert_row
	CsID            int64    `json:"csId,omitempty"`
	OriginID        string   `json:"originId,omitempty"`
	InsertAfterCsID *int64   `json:"insertAfterCsId,omitempty"`
	ColumnNames     []string `json:"columnNames,omitempty"`

	// delete_row
	CsIDs       []int64      `json:"csIds,omitempty"`
	DeletedRows []domain.Row `json:"deletedRows,omitempty"`
}

// UnmarshalJSON decodes an entry, treating the legacy type-less shape as a
// cell edit.
func (e *Entry) UnmarshalJSON(data []byte) error {
	type alias Entry
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if a.Type == "" {
		a.Type = EntryCellEdit
	}
	*e = Entry(a)
	return nil
}

// Store manages the per-table JSONL files. Append keeps file handles open
// and fsyncs each entry, so a resolved append survives process death.
type Store struct {
	blobs *blob.Store

	mu     sync.Mutex
	files  map[string]*os.File
	counts map[string]int
}

// NewStore opens the changelog directory and counts any existing backlog.
func NewStore(blobs *blob.Store) (*Store, error) {
	s := &Store{
		blobs:  blobs,
		files:  make(map[string]*os.File),
		counts: make(map[string]int),
	}

	names, err := blobs.ListFiles(blob.DirChangelog, "")
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		tableID := strings.TrimSuffix(name, ".jsonl")
		count, err := s.countLines(tableID)
		if err != nil {
			return nil, err
		}
		s.counts[tableID] = count
	}
	return s, nil
}

func (s *Store) fileName(tableID string) string {
	return tableID + ".jsonl"
}

func (s *Store) filePath(tableID string) string {
	return filepath.Join(s.blobs.Root(), blob.DirChangelog, s.fileName(tableID))
}

// Append serializes an entry and writes it to the table's log with an fsync.
// After Append returns, the entry is durable.
func (s *Store) Append(entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode changelog entry: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[entry.TableID]
	if !ok {
		f, err = os.OpenFile(s.filePath(entry.TableID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open changelog for %q: %w", entry.TableID, err)
		}
		s.files[entry.TableID] = f
	}

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to append changelog entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to fsync changelog: %w", err)
	}

	s.counts[entry.TableID]++
	return nil
}

// ReadAll returns a table's entries in append order. A torn final line
// (crash mid-write) is skipped; entries before it are intact.
func (s *Store) ReadAll(tableID string) ([]Entry, error) {
	data, err := s.blobs.ReadFile(blob.DirChangelog, s.fileName(tableID))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}

	var entries []Entry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// Partial line at end of file from a crash during write.
			break
		}
		if e.TableID == "" {
			e.TableID = tableID
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read changelog for %q: %w", tableID, err)
	}
	return entries, nil
}

// Clear deletes a table's log. Called after compaction folds the entries
// into a fresh snapshot, and when the table itself is deleted.
func (s *Store) Clear(tableID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.files[tableID]; ok {
		f.Close()
		delete(s.files, tableID)
	}
	delete(s.counts, tableID)

	return s.blobs.DeleteFile(blob.DirChangelog, s.fileName(tableID))
}

// Count returns the number of entries logged for one table.
func (s *Store) Count(tableID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[tableID]
}

// TotalCount returns the number of entries across all tables. The
// persistence engine uses it as a compaction trigger.
func (s *Store) TotalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, c := range s.counts {
		total += c
	}
	return total
}

// TableIDs returns every table with a non-empty log.
func (s *Store) TableIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, c := range s.counts {
		if c > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// Close releases all open file handles.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for id, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.files, id)
	}
	return firstErr
}

// countLines counts decodable entries in a table's log file.
func (s *Store) countLines(tableID string) (int, error) {
	entries, err := s.ReadAll(tableID)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}
