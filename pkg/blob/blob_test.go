package blob

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestWriteRead(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.WriteFile(DirState, "a.json", []byte(`{"x":1}`)))

	data, err := s.ReadFile(DirState, "a.json")
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(data))
}

func TestRead_Missing(t *testing.T) {
	s := newTestStore(t)

	data, err := s.ReadFile(DirState, "missing.json")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestWrite_Overwrite(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.WriteFile(DirState, "a.json", []byte("one")))
	require.NoError(t, s.WriteFile(DirState, "a.json", []byte("two")))

	data, err := s.ReadFile(DirState, "a.json")
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestWrite_LeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.WriteFile(DirSnapshots, "t_shard_0.parquet", []byte("data")))

	names, err := s.ListFiles(DirSnapshots, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"t_shard_0.parquet"}, names)
}

func TestListFiles_Prefix(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.WriteFile(DirSnapshots, "orders_shard_0.parquet", []byte("a")))
	require.NoError(t, s.WriteFile(DirSnapshots, "orders_shard_1.parquet", []byte("b")))
	require.NoError(t, s.WriteFile(DirSnapshots, "people_shard_0.parquet", []byte("c")))

	names, err := s.ListFiles(DirSnapshots, "orders_")
	require.NoError(t, err)
	assert.Equal(t, []string{"orders_shard_0.parquet", "orders_shard_1.parquet"}, names)
}

func TestCopyFile(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.WriteFile(DirSnapshots, "src.parquet", []byte("payload")))
	require.NoError(t, s.CopyFile(DirSnapshots, "src.parquet", "dst.parquet"))

	data, err := s.ReadFile(DirSnapshots, "dst.parquet")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestDelete_Idempotent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.WriteFile(DirState, "a.json", []byte("x")))
	require.NoError(t, s.DeleteFile(DirState, "a.json"))
	require.NoError(t, s.DeleteFile(DirState, "a.json"))

	data, err := s.ReadFile(DirState, "a.json")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestCleanupTempFiles(t *testing.T) {
	s := newTestStore(t)

	// Simulate an interrupted write.
	orphan := filepath.Join(s.Root(), DirSnapshots, "t_shard_0.parquet.12345.tmp")
	require.NoError(t, os.WriteFile(orphan, []byte("partial"), 0644))
	require.NoError(t, s.WriteFile(DirSnapshots, "t_shard_0.parquet", []byte("full")))

	removed, err := s.CleanupTempFiles(DirSnapshots)
	require.NoError(t, err)
	assert.Len(t, removed, 1)

	names, err := s.ListFiles(DirSnapshots, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"t_shard_0.parquet"}, names)
}

func TestCleanupZeroByteFiles(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.WriteFile(DirSnapshots, "good_shard_0.parquet", []byte("x")))
	require.NoError(t, s.WriteFile(DirSnapshots, "bad_shard_1.parquet", nil))
	require.NoError(t, s.WriteFile(DirState, "empty.json", nil))

	removed, err := s.CleanupZeroByteFiles(DirSnapshots, ".parquet")
	require.NoError(t, err)
	assert.Equal(t, []string{"bad_shard_1.parquet"}, removed)

	size, err := s.FileSize(DirSnapshots, "good_shard_0.parquet")
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}
