package wal

// ============================================================================
// 校驗和：CRC32-IEEE，涵蓋紀錄的所有欄位（Checksum 本身除外）
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"
)

// CalculateChecksum 計算紀錄的 CRC32
func CalculateChecksum(r Record) uint32 {
	h := crc32.NewIEEE()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], r.Seq)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], r.TxID)
	h.Write(buf[:])
	if r.Last {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	// 以 0 分隔可變長度欄位，避免 ("ab","c") 與 ("a","bc") 相同
	for _, s := range []string{string(r.Kind), string(r.Op), r.Name, r.Group} {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	h.Write(r.Data)
	return h.Sum32()
}

// VerifyChecksum 驗證紀錄的校驗和
func VerifyChecksum(r Record) bool {
	return r.Checksum == CalculateChecksum(r)
}
