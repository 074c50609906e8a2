package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
	"strings"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 校驗範圍：Seq + Type + Name + State
// 不包含 Timestamp 與 Record（Record 可由 Name 重新推導）
func CalculateChecksum(event Event) uint32 {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(event.Seq, 10))
	b.WriteByte('|')
	b.WriteString(string(event.Type))
	b.WriteByte('|')
	b.WriteString(string(event.Name))
	b.WriteByte('|')
	b.WriteString(string(event.State))
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}
