// ============================================================================
// pipeexec State Store - 任務狀態持久化與轉換規則
// ============================================================================
//
// Package: internal/state
// File: store.go
//
// 任務狀態轉換 (State Machine):
//   WAITING ──(all deps DONE)──> READY ──(dispatch)──> RUNNING ──> DONE
//                                                              └──> FAILED
//   DONE / FAILED / RUNNING ──(operator Reset)──> WAITING
//
// 規則:
//   - Register 只插入不存在的紀錄（WAITING），絕不覆寫
//   - 紀錄永不刪除
//   - SetState 只接受上圖中的前進轉換；其餘回傳 ErrInvalidTransition
//   - Reset 是唯一的回退路徑，由操作者觸發，引擎本身不會呼叫
//
// Backends: memory, file (WAL + snapshot), sql (gorm), redis.
//
// ============================================================================

package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/pipeexec/pkg/types"
)

var (
	// ErrNotFound 任務紀錄不存在
	ErrNotFound = errors.New("task record not found")
	// ErrInvalidTransition 不合法的狀態轉換
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrReadinessViolation 依賴尚未 DONE 卻嘗試分派；代表排程協定有 bug
	ErrReadinessViolation = errors.New("readiness violation")
)

// Store persists one record per TaskName.
type Store interface {
	// Register inserts records that do not exist yet and reports how many
	// were inserted. Existing rows are left untouched.
	Register(ctx context.Context, recs ...*types.TaskRecord) (int, error)
	Get(ctx context.Context, name types.TaskName) (*types.TaskRecord, error)
	// States returns the recorded state of every known name; absent names
	// are omitted.
	States(ctx context.Context, names []types.TaskName) (map[types.TaskName]types.TaskState, error)
	SetState(ctx context.Context, name types.TaskName, to types.TaskState) error
	Reset(ctx context.Context, name types.TaskName) error
	// List returns the records of one type ("" for all), ordered by name.
	List(ctx context.Context, typeTag string) ([]*types.TaskRecord, error)
	Close() error
}

var forward = map[types.TaskState][]types.TaskState{
	types.StateWaiting: {types.StateReady},
	types.StateReady:   {types.StateRunning},
	types.StateRunning: {types.StateDone, types.StateFailed},
}

// CanTransition reports whether SetState accepts from -> to.
func CanTransition(from, to types.TaskState) bool {
	for _, s := range forward[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanReset reports whether an operator may reset a record in state s.
func CanReset(s types.TaskState) bool {
	return s == types.StateDone || s == types.StateFailed || s == types.StateRunning
}

func checkTransition(name types.TaskName, from, to types.TaskState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, name, from, to)
	}
	return nil
}

func checkReset(name types.TaskName, from types.TaskState) error {
	if !CanReset(from) {
		return fmt.Errorf("%w: reset %s from %s", ErrInvalidTransition, name, from)
	}
	return nil
}

func notFound(name types.TaskName) error {
	return fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Count tallies records per state.
func Count(recs []*types.TaskRecord) map[types.TaskState]int {
	out := make(map[types.TaskState]int, len(types.AllStates))
	for _, s := range types.AllStates {
		out[s] = 0
	}
	for _, r := range recs {
		out[r.State]++
	}
	return out
}

func cloneRecord(r *types.TaskRecord) *types.TaskRecord {
	c := *r
	if r.Columns != nil {
		c.Columns = make(map[string]any, len(r.Columns))
		for k, v := range r.Columns {
			c.Columns[k] = v
		}
	}
	return &c
}
