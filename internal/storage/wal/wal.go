package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加任務狀態事件到日誌檔案（append-only，JSON lines）
// 2. 提供重放功能以恢復 store 狀態（可跳過快照已涵蓋的事件）
// 3. 支援日誌旋轉（快照後清空），序號跨旋轉保持單調遞增
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"time"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // WAL 檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // WAL 檔案路徑
	seq          uint64        // 當前事件序號
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool

	buffer        []Event // 批次寫入事件緩衝區
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 minSeq 開始
- 如果檔案已存在，讀取最後一個事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋

minSeq 通常是快照的 LastSeq：旋轉後的空檔案仍要接續快照的序號。
*/
func NewWAL(path string, syncOnAppend bool, minSeq uint64) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	seq := minSeq
	if last, err := GetLastEvent(path); err == nil && last.Seq > seq {
		seq = last.Seq
	} else if err != nil && !errors.Is(err, ErrEmptyWAL) {
		file.Close()
		return nil, err
	}

	return &WAL{
		file:         file,
		encoder:      json.NewEncoder(file),
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,

		buffer:        make([]Event, 0, 256),
		bufferSize:    256,
		lastFlushTime: time.Now(),
		flushInterval: time.Second,
	}, nil
}

// Path returns the log file path.
func (w *WAL) Path() string { return w.path }

// Append 追加一個事件到 WAL，回傳分配到的 seq
//
// 行為：
// - 自動遞增 seq、填入時間戳與 checksum
// - 先放入 buffer；forceFlush、syncOnAppend、buffer 滿或超時才寫入並 fsync
func (w *WAL) Append(event Event, forceFlush bool) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrWALClosed
	}

	w.seq++
	event.Seq = w.seq
	event.Timestamp = time.Now().UnixMilli()
	event.Checksum = CalculateChecksum(event)
	w.buffer = append(w.buffer, event)

	needFlush := forceFlush || w.syncOnAppend ||
		len(w.buffer) >= w.bufferSize || time.Since(w.lastFlushTime) > w.flushInterval
	if needFlush {
		if err := w.flushLocked(); err != nil {
			return event.Seq, err
		}
	}
	return event.Seq, nil
}

// Flush 將 buffer 中的事件寫入並同步到磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 重放 seq > afterSeq 的事件
//
// 行為：
// - 先 flush，確保 buffer 中的事件也被重放
// - 驗證每個事件的 checksum，遇到錯誤立即停止
func (w *WAL) Replay(afterSeq uint64, handler EventHandler) error {
	w.mu.Lock()
	if !w.closed {
		if err := w.flushLocked(); err != nil {
			w.mu.Unlock()
			return err
		}
	}
	path := w.path
	w.mu.Unlock()

	return ReplayFile(path, afterSeq, handler)
}

// ReplayFile 重放任意 WAL 檔案（工具函式與離線檢查使用）
func ReplayFile(path string, afterSeq uint64, handler EventHandler) error {
	return scan(path, func(line int, event Event, err error) error {
		if err != nil {
			return err
		}
		if !VerifyChecksum(event) {
			return &ChecksumError{Seq: event.Seq, Expected: CalculateChecksum(event), Actual: event.Checksum}
		}
		if event.Seq <= afterSeq {
			return nil
		}
		return handler(event)
	})
}

// Rotate 旋轉日誌檔案：舊檔改名備份，開新空檔。seq 不歸零。
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}

	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405.000000000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return nil
}

// Close 關閉 WAL；關閉後的實例不可重用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// flushLocked 內部方法，假設調用者已經持有 w.mu 鎖
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return w.file.Sync()
}

// scan 逐行解析 WAL 檔案；visit 收到解析錯誤時可決定是否中止
func scan(path string, visit func(line int, event Event, err error) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for line := 1; ; line++ {
		raw, readErr := r.ReadBytes('\n')
		raw = bytes.TrimSpace(raw)
		if len(raw) > 0 {
			var event Event
			var perr error
			if err := json.Unmarshal(raw, &event); err != nil {
				perr = &CorruptionError{Line: line, Cause: err}
			}
			if err := visit(line, event, perr); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}
