package state

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/pipeexec/pkg/types"
)

// MemoryStore 記憶體中的任務狀態表，也是 FileStore 的核心
//
// 併發安全：sync.RWMutex 保護；讀操作使用 RLock，寫操作使用 Lock。
// 回傳的紀錄皆為深拷貝，呼叫者修改不會影響內部狀態。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[types.TaskName]*types.TaskRecord
}

// NewMemoryStore 建立空的記憶體 store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[types.TaskName]*types.TaskRecord)}
}

func (m *MemoryStore) Register(ctx context.Context, recs ...*types.TaskRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range recs {
		if _, exists := m.records[r.Name]; exists {
			continue
		}
		m.insertLocked(r)
		n++
	}
	return n, nil
}

func (m *MemoryStore) insertLocked(r *types.TaskRecord) {
	c := cloneRecord(r)
	c.State = types.StateWaiting
	if c.UpdatedAt == 0 {
		c.Touch()
	}
	m.records[c.Name] = c
}

func (m *MemoryStore) Get(ctx context.Context, name types.TaskName) (*types.TaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[name]
	if !ok {
		return nil, notFound(name)
	}
	return cloneRecord(r), nil
}

func (m *MemoryStore) States(ctx context.Context, names []types.TaskName) (map[types.TaskName]types.TaskState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[types.TaskName]types.TaskState, len(names))
	for _, name := range names {
		if r, ok := m.records[name]; ok {
			out[name] = r.State
		}
	}
	return out, nil
}

func (m *MemoryStore) SetState(ctx context.Context, name types.TaskName, to types.TaskState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLocked(name, to)
}

func (m *MemoryStore) setLocked(name types.TaskName, to types.TaskState) error {
	r, ok := m.records[name]
	if !ok {
		return notFound(name)
	}
	if err := checkTransition(name, r.State, to); err != nil {
		return err
	}
	r.State = to
	r.Touch()
	return nil
}

func (m *MemoryStore) Reset(ctx context.Context, name types.TaskName) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resetLocked(name)
}

func (m *MemoryStore) resetLocked(name types.TaskName) error {
	r, ok := m.records[name]
	if !ok {
		return notFound(name)
	}
	if err := checkReset(name, r.State); err != nil {
		return err
	}
	r.State = types.StateWaiting
	r.Touch()
	return nil
}

// check validates a mutation without applying it (FileStore logs first).
func (m *MemoryStore) check(name types.TaskName, to types.TaskState, reset bool) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[name]
	if !ok {
		return notFound(name)
	}
	if reset {
		return checkReset(name, r.State)
	}
	return checkTransition(name, r.State, to)
}

func (m *MemoryStore) has(name types.TaskName) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[name]
	return ok
}

func (m *MemoryStore) List(ctx context.Context, typeTag string) ([]*types.TaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.TaskRecord
	for _, r := range m.records {
		if typeTag == "" || r.Type == typeTag {
			out = append(out, cloneRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

// ============================================================================
// 快照與恢復
// ============================================================================

// Snapshot 深拷貝當前所有紀錄
func (m *MemoryStore) Snapshot() types.SnapshotData {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := make(map[types.TaskName]*types.TaskRecord, len(m.records))
	for name, r := range m.records {
		recs[name] = cloneRecord(r)
	}
	return types.SnapshotData{Records: recs}
}

// Restore 以快照內容取代目前狀態
func (m *MemoryStore) Restore(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[types.TaskName]*types.TaskRecord, len(data.Records))
	for name, r := range data.Records {
		if r == nil || !r.State.Valid() {
			return fmt.Errorf("restore %s: invalid record", name)
		}
		m.records[name] = cloneRecord(r)
	}
	return nil
}
