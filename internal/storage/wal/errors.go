package wal

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrChecksumMismatch 紀錄內容與校驗和不符（資料損毀）
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrClosed WAL 已關閉
	ErrClosed = errors.New("wal: already closed")
)

// CorruptionError 無法解析的紀錄
type CorruptionError struct {
	Seq    uint64 // 最後一筆正常紀錄的序號
	Offset int64  // 檔案中的位元組位置
	Cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted record after seq=%d at offset %d: %v", e.Seq, e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() error { return e.Cause }
