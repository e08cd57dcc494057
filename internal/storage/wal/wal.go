package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 以 JSON Lines 追加 redo 紀錄（append-only），一次 Append 為一個交易
// 2. 重放快照之後的完整交易以恢復狀態
// 3. 快照寫入後清空檔案；序號持續遞增，不會因清空而歸零
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
)

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex
	file         *os.File
	w            *bufio.Writer
	path         string
	seq          uint64 // 最後一筆紀錄的序號
	txID         uint64
	syncOnAppend bool
	closed       bool
}

// Open 建立或開啟 WAL
//
// 檔案已存在時掃描既有紀錄以延續 seq 與交易編號；尾端寫到一半的紀錄會被忽略。
func Open(path string, syncOnAppend bool) (*WAL, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create wal directory")
		}
	}

	w := &WAL{path: path, syncOnAppend: syncOnAppend}
	pos, err := w.scan(0, func([]Record) error { return nil })
	if err != nil {
		return nil, err
	}
	w.seq, w.txID = pos.seq, pos.txID
	if err := truncateTail(path, pos.end); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open wal %s", path)
	}
	w.file = file
	w.w = bufio.NewWriter(file)
	return w, nil
}

// Append 以單一交易寫入 recs，回傳最後一筆的序號
//
// Seq、TxID、Last 與 Checksum 由 WAL 填入。
func (w *WAL) Append(recs []Record) (uint64, error) {
	if len(recs) == 0 {
		return w.LastSeq(), nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return w.seq, ErrClosed
	}

	w.txID++
	seq := w.seq
	for i := range recs {
		seq++
		recs[i].Seq = seq
		recs[i].TxID = w.txID
		recs[i].Last = i == len(recs)-1
		if len(recs[i].Data) > 0 {
			// 先正規化成實際寫入的位元組（compact + HTML escape），校驗和才會一致
			data, err := json.Marshal(recs[i].Data)
			if err != nil {
				w.seq = seq
				return w.seq, errors.Wrap(err, "encode wal record data")
			}
			recs[i].Data = data
		}
		recs[i].Checksum = CalculateChecksum(recs[i])
		line, err := json.Marshal(recs[i])
		if err != nil {
			w.seq = seq
			return w.seq, errors.Wrap(err, "encode wal record")
		}
		w.w.Write(line)
		w.w.WriteByte('\n')
	}
	// 失敗的交易也佔用序號；它沒有 Last，重放時會被略過
	w.seq = seq
	if err := w.w.Flush(); err != nil {
		return w.seq, errors.Wrap(err, "write wal")
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return w.seq, errors.Wrap(err, "sync wal")
		}
	}
	return seq, nil
}

// Replay 依序把 after 之後的完整交易交給 fn，回傳套用的交易數
func (w *WAL) Replay(after uint64, fn Handler) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrClosed
	}
	if err := w.w.Flush(); err != nil {
		return 0, errors.Wrap(err, "flush wal")
	}
	n := 0
	_, err := w.scan(after, func(recs []Record) error {
		n++
		return fn(recs)
	})
	return n, err
}

// Reset 清空檔案（快照已涵蓋所有紀錄後呼叫）
func (w *WAL) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if err := w.w.Flush(); err != nil {
		return errors.Wrap(err, "flush wal")
	}
	if err := w.file.Truncate(0); err != nil {
		return errors.Wrap(err, "truncate wal")
	}
	return w.file.Sync()
}

// LastSeq 最後一筆紀錄的序號；快照記錄這個值，重放時從它之後開始
func (w *WAL) LastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path WAL 檔案路徑
func (w *WAL) Path() string { return w.path }

// Close 關閉 WAL；關閉後不可再使用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.w.Flush(); err != nil {
		w.file.Close()
		return errors.Wrap(err, "flush wal")
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return errors.Wrap(err, "sync wal")
	}
	return w.file.Close()
}

// ============================================================================
// 讀取
// ============================================================================

// position 掃描結束時的位置
type position struct {
	seq  uint64 // 最後一筆有效紀錄（含未完成交易）
	txID uint64
	end  int64 // 最後一筆有效紀錄之後的位元組位置
}

// scan 讀取檔案並把 seq > after 的完整交易交給 fn
//
// 尾端寫到一半的紀錄（沒有換行或校驗失敗的最後一行）視為崩潰殘留並停止；
// 中間的損毀紀錄回傳 *CorruptionError。
func (w *WAL) scan(after uint64, fn Handler) (position, error) {
	var pos position
	f, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return pos, nil
		}
		return pos, errors.Wrapf(err, "open wal %s", w.path)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var (
		offset  int64
		pending []Record
	)
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			return pos, nil
		}
		if err != nil {
			return pos, errors.Wrap(err, "read wal")
		}
		start := offset
		offset += int64(len(line))

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			pos.end = offset
			continue
		}
		var rec Record
		cause := json.Unmarshal(line, &rec)
		if cause == nil && !VerifyChecksum(rec) {
			cause = ErrChecksumMismatch
		}
		if cause != nil {
			if tail, _ := r.Peek(1); len(tail) == 0 {
				return pos, nil
			}
			return pos, &CorruptionError{Seq: pos.seq, Offset: start, Cause: cause}
		}
		pos.seq, pos.txID, pos.end = rec.Seq, rec.TxID, offset

		// 換了交易編號表示前一個交易沒寫完
		if len(pending) > 0 && pending[0].TxID != rec.TxID {
			pending = nil
		}
		pending = append(pending, rec)
		if !rec.Last {
			continue
		}
		group := pending
		pending = nil
		if group[len(group)-1].Seq <= after {
			continue
		}
		if err := fn(group); err != nil {
			return pos, err
		}
	}
}

// truncateTail 截掉 end 之後的殘留資料，避免新紀錄接在半行後面
func truncateTail(path string, end int64) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "stat wal %s", path)
	}
	if info.Size() <= end {
		return nil
	}
	return errors.Wrap(os.Truncate(path, end), "truncate torn wal tail")
}
