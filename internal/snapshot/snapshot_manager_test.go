package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ChuLiYu/pipeexec/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(name string, state types.TaskState) *types.TaskRecord {
	return &types.TaskRecord{
		Name:    types.TaskName(name),
		Type:    "preproc",
		State:   state,
		Columns: map[string]any{"band": "b"},
	}
}

func sample(lastSeq uint64) types.SnapshotData {
	recs := map[types.TaskName]*types.TaskRecord{}
	for _, r := range []*types.TaskRecord{
		record("preproc_20200219_b_0_00000001", types.StateDone),
		record("preproc_20200219_b_1_00000001", types.StateFailed),
		record("preproc_20200219_b_2_00000001", types.StateWaiting),
	} {
		recs[r.Name] = r
	}
	return types.SnapshotData{Records: recs, LastSeq: lastSeq}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

func TestWriteAndLoad(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "state.snapshot.json"))

	require.NoError(t, manager.Write(sample(42)))
	assert.True(t, manager.Exists())

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint64(42), loaded.LastSeq)
	require.Len(t, loaded.Records, 3)
	assert.Equal(t, types.StateFailed, loaded.Records["preproc_20200219_b_1_00000001"].State)
	assert.Equal(t, "b", loaded.Records["preproc_20200219_b_1_00000001"].Columns["band"])
}

// TestAtomicWrite 並發讀寫時只會讀到完整的舊或新快照
func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	manager := NewManager(filepath.Join(dir, "state.snapshot.json"))
	require.NoError(t, manager.Write(sample(50)))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, manager.Write(sample(100)))
	}()
	var loaded types.SnapshotData
	go func() {
		defer wg.Done()
		data, err := manager.Load()
		assert.NoError(t, err)
		loaded = data
	}()
	wg.Wait()

	assert.True(t, loaded.LastSeq == 50 || loaded.LastSeq == 100, "got %d", loaded.LastSeq)

	leftovers, _ := filepath.Glob(filepath.Join(dir, "*.tmp-*"))
	assert.Empty(t, leftovers, "temp files must not survive a write")
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint64(0), loaded.LastSeq)
	assert.NotNil(t, loaded.Records)
	assert.Empty(t, loaded.Records)
	assert.False(t, manager.Exists())
}

func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.snapshot.json")
	data := sample(1)
	data.SchemaVer = 2
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0644))

	_, err = NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	tests := map[string]string{
		"truncated json":   `{"records": {"a": {"name": "a", "state": "DONE"`,
		"name mismatch":    `{"schema_ver": 1, "records": {"a": {"name": "b", "state": "DONE"}}}`,
		"unknown state":    `{"schema_ver": 1, "records": {"a": {"name": "a", "state": "LOST"}}}`,
		"null record body": `{"schema_ver": 1, "records": {"a": null}}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "state.snapshot.json")
			require.NoError(t, os.WriteFile(path, []byte(body), 0644))
			_, err := NewManager(path).Load()
			assert.ErrorIs(t, err, ErrCorruptedSnapshot)
		})
	}
}

func TestWriteFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	readOnly := filepath.Join(t.TempDir(), "readonly")
	require.NoError(t, os.Mkdir(readOnly, 0555))
	defer os.Chmod(readOnly, 0755)

	err := NewManager(filepath.Join(readOnly, "state.snapshot.json")).Write(sample(1))
	assert.Error(t, err)
}

// ============================================================================
// 進階功能測試
// ============================================================================

func TestWriteWithBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.snapshot.json")
	manager := NewManager(path)

	for i := 1; i <= 4; i++ {
		require.NoError(t, manager.WriteWithBackup(sample(uint64(i)), 2))
	}

	backups, err := filepath.Glob(path + ".2*")
	require.NoError(t, err)
	assert.Len(t, backups, 2, "only the newest backups are kept")

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), loaded.LastSeq)
}

func BenchmarkWrite(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "bench.json"))
	data := types.SnapshotData{Records: map[types.TaskName]*types.TaskRecord{}}
	for i := 0; i < 10000; i++ {
		r := record(fmt.Sprintf("preproc_20200219_b_0_%08d", i), types.StateDone)
		data.Records[r.Name] = r
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := manager.Write(data); err != nil {
			b.Fatal(err)
		}
	}
}
