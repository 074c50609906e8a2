package wal

// ============================================================================
// WAL 工具函式
// 職責：離線檢查、除錯與統計（status --wal 使用）
// ============================================================================

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// GetLastEvent 從 WAL 檔案讀取最後一個事件
//
// 採用從頭掃描：WAL 在每次 checkpoint 後都會旋轉，檔案不大。
// 檔案為空時回傳 ErrEmptyWAL。
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := scan(path, func(line int, event Event, err error) error {
		if err != nil {
			return err
		}
		ev := event
		last = &ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式正確
// - 所有事件的校驗和正確
// - seq 嚴格遞增（旋轉後首個 seq 可大於 1）
//
// 回傳所有問題，而不只是第一個。
func ValidateWAL(path string) error {
	var problems []error
	var lastSeq uint64
	err := scan(path, func(line int, event Event, err error) error {
		if err != nil {
			problems = append(problems, err)
			return nil
		}
		if !VerifyChecksum(event) {
			problems = append(problems, &ChecksumError{Seq: event.Seq, Expected: CalculateChecksum(event), Actual: event.Checksum})
		}
		if event.Seq <= lastSeq {
			problems = append(problems, fmt.Errorf("%w: line %d seq=%d after seq=%d", ErrSequenceGap, line, event.Seq, lastSeq))
		}
		lastSeq = event.Seq
		return nil
	})
	if err != nil {
		return err
	}
	return errors.Join(problems...)
}

// DumpWAL 輸出 WAL 內容（人類可讀格式）
//
//	[Seq:1] REGISTER preproc_20200219_b_3_00000042 WAITING at 2024-01-01T00:00:00Z (checksum:0x12345678)
func DumpWAL(path string, w io.Writer) error {
	return scan(path, func(line int, event Event, err error) error {
		if err != nil {
			_, werr := fmt.Fprintf(w, "[line %d] CORRUPTED: %v\n", line, err)
			return werr
		}
		mark := ""
		if !VerifyChecksum(event) {
			mark = " BAD-CHECKSUM"
		}
		_, werr := fmt.Fprintf(w, "[Seq:%d] %s %s %s at %s (checksum:0x%08x)%s\n",
			event.Seq, event.Type, event.Name, event.State,
			time.UnixMilli(event.Timestamp).UTC().Format(time.RFC3339), event.Checksum, mark)
		return werr
	})
}

// WALStats WAL 統計資訊
type WALStats struct {
	TotalEvents    int               // 總事件數
	EventTypes     map[EventType]int // 各類型事件計數
	FirstSeq       uint64            // 第一個事件的 seq
	LastSeq        uint64            // 最後一個事件的 seq
	TimeRange      [2]int64          // 時間範圍 [最早, 最晚]
	CorruptedCount int               // 損壞事件數
}

// GetWALStats 取得 WAL 的統計資訊；損壞的行只計數不中止
func GetWALStats(path string) (*WALStats, error) {
	stats := &WALStats{EventTypes: make(map[EventType]int)}
	err := scan(path, func(line int, event Event, err error) error {
		if err != nil || !VerifyChecksum(event) {
			stats.CorruptedCount++
			return nil
		}
		if stats.TotalEvents == 0 {
			stats.FirstSeq = event.Seq
			stats.TimeRange[0] = event.Timestamp
		}
		stats.TotalEvents++
		stats.EventTypes[event.Type]++
		stats.LastSeq = event.Seq
		if event.Timestamp < stats.TimeRange[0] {
			stats.TimeRange[0] = event.Timestamp
		}
		if event.Timestamp > stats.TimeRange[1] {
			stats.TimeRange[1] = event.Timestamp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
