package wal

import "encoding/json"

// ============================================================================
// WAL 型別定義
// ============================================================================

// Kind 紀錄所屬的實體表
type Kind string

const (
	KindJob                Kind = "job"
	KindTrigger            Kind = "trigger"
	KindCalendar           Kind = "calendar"
	KindPausedTriggerGroup Kind = "paused_trigger_group"
	KindPausedJobGroup     Kind = "paused_job_group"
	KindFiredTrigger       Kind = "fired_trigger"
	KindSchedulerState     Kind = "scheduler_state"
)

// Op 對實體的操作
type Op string

const (
	OpPut    Op = "PUT"    // 寫入整列（Data 為新內容）
	OpDelete Op = "DELETE" // 刪除
)

// Record 一筆 redo 紀錄
//
// 同一個交易的紀錄共用 TxID，Replay 時只套用完整寫入的交易。
type Record struct {
	Seq      uint64          `json:"seq"`
	TxID     uint64          `json:"tx"`
	Last     bool            `json:"last,omitempty"` // 交易的最後一筆
	Kind     Kind            `json:"kind"`
	Op       Op              `json:"op"`
	Name     string          `json:"name"`
	Group    string          `json:"group,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Checksum uint32          `json:"checksum"`
}

// Handler Replay 時套用一個完整交易的紀錄
type Handler func(recs []Record) error
