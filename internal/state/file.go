package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/pipeexec/internal/snapshot"
	"github.com/ChuLiYu/pipeexec/internal/storage/wal"
	"github.com/ChuLiYu/pipeexec/pkg/types"
	"go.uber.org/zap"
)

const (
	walFile      = "state.wal"
	snapshotFile = "state.snapshot.json"
)

// WALFile is where a file store in dir keeps its event log.
func WALFile(dir string) string { return filepath.Join(dir, walFile) }

// FileOptions configures a FileStore.
type FileOptions struct {
	Dir             string
	CheckpointEvery int  // events between snapshots; <= 0 means 1000
	SyncOnAppend    bool // fsync every event instead of every batch
	KeepBackups     int  // rotated WAL files and old snapshots kept; <= 0 means 3
	Logger          *zap.Logger
}

// FileStore 以 WAL + 快照持久化的 MemoryStore
//
// 寫入流程：先驗證 -> 寫入 WAL -> 套用到記憶體。
// 恢復流程：載入快照 -> 重放 seq > LastSeq 的 WAL 事件。
// 每 CheckpointEvery 個事件寫一次快照並旋轉 WAL。
type FileStore struct {
	mu         sync.Mutex // 序列化所有寫入
	mem        *MemoryStore
	wal        *wal.WAL
	snap       *snapshot.Manager
	every      int
	keep       int
	sinceCheck int
	logger     *zap.Logger
}

// OpenFile 開啟（或建立）目錄中的檔案型 store 並完成恢復
func OpenFile(opts FileOptions) (*FileStore, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("file store: directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("file store: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	every := opts.CheckpointEvery
	if every <= 0 {
		every = 1000
	}

	keep := opts.KeepBackups
	if keep <= 0 {
		keep = 3
	}

	snap := snapshot.NewManager(filepath.Join(opts.Dir, snapshotFile))
	fresh := !snap.Exists()
	data, err := snap.Load()
	if err != nil {
		return nil, fmt.Errorf("file store: load snapshot: %w", err)
	}
	mem := NewMemoryStore()
	if err := mem.Restore(data); err != nil {
		return nil, fmt.Errorf("file store: restore snapshot: %w", err)
	}

	w, err := wal.NewWAL(WALFile(opts.Dir), opts.SyncOnAppend, data.LastSeq)
	if err != nil {
		return nil, fmt.Errorf("file store: open wal: %w", err)
	}

	replayed := 0
	err = w.Replay(data.LastSeq, func(ev wal.Event) error {
		replayed++
		return apply(mem, ev)
	})
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("file store: replay wal: %w", err)
	}

	logger.Info("state recovered",
		zap.String("dir", opts.Dir),
		zap.Bool("fresh", fresh),
		zap.Int("records", len(data.Records)),
		zap.Uint64("snapshot_seq", data.LastSeq),
		zap.Int("replayed", replayed),
	)

	return &FileStore{
		mem:        mem,
		wal:        w,
		snap:       snap,
		every:      every,
		keep:       keep,
		sinceCheck: replayed,
		logger:     logger,
	}, nil
}

// apply 重放單一事件到記憶體
func apply(mem *MemoryStore, ev wal.Event) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	switch ev.Type {
	case wal.EventRegister:
		if ev.Record == nil {
			return fmt.Errorf("seq %d: register without record", ev.Seq)
		}
		if _, exists := mem.records[ev.Name]; !exists {
			mem.insertLocked(ev.Record)
		}
		return nil
	case wal.EventTransition:
		return mem.setLocked(ev.Name, ev.State)
	case wal.EventReset:
		return mem.resetLocked(ev.Name)
	default:
		return fmt.Errorf("seq %d: unknown event type %q", ev.Seq, ev.Type)
	}
}

func (s *FileStore) Register(ctx context.Context, recs ...*types.TaskRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range recs {
		if s.mem.has(r.Name) {
			continue
		}
		c := cloneRecord(r)
		c.State = types.StateWaiting
		c.Touch()
		if _, err := s.wal.Append(wal.Event{Type: wal.EventRegister, Name: c.Name, State: c.State, Record: c}, false); err != nil {
			return n, err
		}
		s.mem.Register(ctx, c)
		n++
	}
	if n == 0 {
		return 0, nil
	}
	if err := s.wal.Flush(); err != nil {
		return n, err
	}
	return n, s.afterWrite(n)
}

func (s *FileStore) SetState(ctx context.Context, name types.TaskName, to types.TaskState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.check(name, to, false); err != nil {
		return err
	}
	if _, err := s.wal.Append(wal.Event{Type: wal.EventTransition, Name: name, State: to}, true); err != nil {
		return err
	}
	if err := s.mem.SetState(ctx, name, to); err != nil {
		return err
	}
	return s.afterWrite(1)
}

func (s *FileStore) Reset(ctx context.Context, name types.TaskName) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.check(name, "", true); err != nil {
		return err
	}
	if _, err := s.wal.Append(wal.Event{Type: wal.EventReset, Name: name, State: types.StateWaiting}, true); err != nil {
		return err
	}
	if err := s.mem.Reset(ctx, name); err != nil {
		return err
	}
	return s.afterWrite(1)
}

func (s *FileStore) Get(ctx context.Context, name types.TaskName) (*types.TaskRecord, error) {
	return s.mem.Get(ctx, name)
}

func (s *FileStore) States(ctx context.Context, names []types.TaskName) (map[types.TaskName]types.TaskState, error) {
	return s.mem.States(ctx, names)
}

func (s *FileStore) List(ctx context.Context, typeTag string) ([]*types.TaskRecord, error) {
	return s.mem.List(ctx, typeTag)
}

func (s *FileStore) afterWrite(n int) error {
	s.sinceCheck += n
	if s.sinceCheck < s.every {
		return nil
	}
	return s.checkpointLocked()
}

// Checkpoint 寫入快照並旋轉 WAL
func (s *FileStore) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpointLocked()
}

func (s *FileStore) checkpointLocked() error {
	if err := s.wal.Flush(); err != nil {
		return err
	}
	data := s.mem.Snapshot()
	data.LastSeq = s.wal.GetLastSeq()
	if err := s.snap.WriteWithBackup(data, s.keep); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := s.wal.Rotate(); err != nil {
		return fmt.Errorf("checkpoint: rotate wal: %w", err)
	}
	// 旋轉出來的 WAL 已被快照覆蓋，只留最近幾個供排查
	if err := snapshot.PruneBackups(s.wal.Path(), s.keep); err != nil {
		return fmt.Errorf("checkpoint: prune wal backups: %w", err)
	}
	s.logger.Debug("state checkpoint",
		zap.String("snapshot", s.snap.GetPath()),
		zap.Uint64("seq", data.LastSeq),
		zap.Int("records", len(data.Records)))
	s.sinceCheck = 0
	return nil
}

// WALPath 回傳目前 WAL 檔案路徑（status --wal 使用）
func (s *FileStore) WALPath() string { return s.wal.Path() }

// Close 若有未快照的事件則寫入最終快照，然後關閉 WAL
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sinceCheck > 0 {
		if err := s.checkpointLocked(); err != nil {
			s.wal.Close()
			return err
		}
	}
	return s.wal.Close()
}
