// Package types 定義了 pipeexec 系統中使用的核心領域模型
package types

import (
	"fmt"
	"time"
)

// TaskName uniquely identifies one task instance. Names are only built by a
// task type's Join so they always split back with the same type.
type TaskName string

// TaskState 任務狀態
type TaskState string

// 定義任務狀態常數
const (
	StateWaiting TaskState = "WAITING" // 等待中：至少一個依賴尚未完成
	StateReady   TaskState = "READY"   // 就緒：所有依賴皆為 DONE
	StateRunning TaskState = "RUNNING" // 執行中：已分派給 worker
	StateDone    TaskState = "DONE"    // 完成
	StateFailed  TaskState = "FAILED"  // 失敗，需由操作者重置才會重跑
)

// AllStates lists the states in lifecycle order.
var AllStates = []TaskState{StateWaiting, StateReady, StateRunning, StateDone, StateFailed}

// Valid reports whether s is one of the known states.
func (s TaskState) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether s only leaves through an explicit reset.
func (s TaskState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// ParseState converts a persisted string back to a TaskState.
func ParseState(s string) (TaskState, error) {
	st := TaskState(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown task state %q", s)
	}
	return st, nil
}

// TaskRecord 持久化的任務紀錄，每個 TaskName 一列
type TaskRecord struct {
	Name      TaskName       `json:"name"`
	Type      string         `json:"type"`
	State     TaskState      `json:"state"`
	Columns   map[string]any `json:"columns,omitempty"` // 任務類型宣告的欄位值
	UpdatedAt int64          `json:"updated_at"`        // Unix 毫秒
}

// Touch stamps the record with the current time.
func (r *TaskRecord) Touch() {
	r.UpdatedAt = time.Now().UnixMilli()
}

// SnapshotData 快照資料，用於檔案型狀態儲存的持久化和恢復
type SnapshotData struct {
	Records   map[TaskName]*TaskRecord `json:"records"`    // 所有任務紀錄
	SchemaVer int                      `json:"schema_ver"` // 資料結構版本號
	LastSeq   uint64                   `json:"last_seq"`   // 快照涵蓋的最後 WAL 序號
}

// Counts aggregates unit outcomes for one rank or for the whole pool.
type Counts struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Add accumulates other into c.
func (c *Counts) Add(other Counts) {
	c.Processed += other.Processed
	c.Skipped += other.Skipped
	c.Succeeded += other.Succeeded
	c.Failed += other.Failed
}

func (c Counts) String() string {
	return fmt.Sprintf("processed=%d skipped=%d succeeded=%d failed=%d",
		c.Processed, c.Skipped, c.Succeeded, c.Failed)
}
