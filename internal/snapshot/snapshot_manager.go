package snapshot

// ============================================================================
// 職責說明：
// 1. 將記憶體 store 的完整內容序列化為 JSON 快照檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// ============================================================================

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// SchemaVersion 目前的快照格式版本
const SchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// TriggerRow 觸發器與其狀態
type TriggerRow struct {
	Trigger *types.Trigger     `json:"trigger"`
	State   types.TriggerState `json:"state"`
}

// Data 快照內容
//
// 日曆以 types.MarshalCalendar 產生的不透明 blob 保存。
type Data struct {
	SchemaVer int    `json:"schema_version"`
	TakenAt   int64  `json:"taken_at"`
	WALSeq    uint64 `json:"wal_seq,omitempty"` // 快照涵蓋到的最後一筆 WAL 紀錄

	Jobs                []*types.JobDetail            `json:"jobs"`
	Triggers            []TriggerRow                  `json:"triggers"`
	Calendars           map[string]json.RawMessage    `json:"calendars"`
	PausedTriggerGroups []string                      `json:"paused_trigger_groups"`
	PausedJobGroups     []string                      `json:"paused_job_groups"`
	FiredTriggers       []*types.FiredTriggerRecord   `json:"fired_triggers"`
	SchedulerStates     []*types.SchedulerStateRecord `json:"scheduler_states"`
}

// Manager 快照管理器
type Manager struct {
	path string
	mu   sync.Mutex // 保護檔案操作
}

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write 原子性寫入快照
//
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(data Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SchemaVersion

	// 帶縮排，方便人工閱讀與除錯
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create snapshot directory")
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return errors.Wrap(err, "write temp snapshot")
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "rename snapshot")
	}
	return nil
}

// Load 載入快照
//
// 檔案不存在時回傳空的 Data（首次啟動）。
func (m *Manager) Load() (Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data Data
	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Data{SchemaVer: SchemaVersion, Calendars: map[string]json.RawMessage{}}, nil
		}
		return data, errors.Wrap(err, "read snapshot")
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, errors.Mark(errors.Wrapf(err, "decode %s", m.path), ErrCorruptedSnapshot)
	}
	if data.SchemaVer != SchemaVersion {
		return data, errors.Wrapf(ErrIncompatibleVersion, "got %d, want %d", data.SchemaVer, SchemaVersion)
	}
	if data.Calendars == nil {
		data.Calendars = map[string]json.RawMessage{}
	}
	return data, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Path 快照檔案路徑
func (m *Manager) Path() string {
	return m.path
}
