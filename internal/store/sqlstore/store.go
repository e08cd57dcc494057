// ============================================================================
// beaver-sched SQL store - jobstore.Backend 的 SQLite 實作
// ============================================================================
//
// Package: internal/store/sqlstore
// 文件: store.go
// 功能: 每個 unit of work 對應一個 database/sql 交易
//
// 設計理念:
//   1. 所有資料列都以 sched_name 區分，多個排程器可以共用同一個檔案
//   2. 任務資料以 JSON 保存；日曆以 types.MarshalCalendar 的 blob 保存
//   3. 跨行程互斥交給 lock.RowLockSemaphore（locks 表），它在同一個交易
//      內第一個執行寫入，SQLite 的寫鎖因此持有到 commit
//
// ============================================================================

package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-sched/internal/jobstore"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// ErrReadOnly 在唯讀交易中寫入
var ErrReadOnly = errors.New("write in read-only transaction")

// Store SQL store
type Store struct {
	db        *sql.DB
	schedName string
	ownsDB    bool
	log       *zap.SugaredLogger
}

var _ jobstore.Backend = (*Store)(nil)

// Open 開啟（必要時建立）資料庫檔案並回傳 store；Close 時關閉資料庫
func Open(path, schedName string, logger *zap.SugaredLogger) (*Store, error) {
	db, err := OpenDB(path, logger)
	if err != nil {
		return nil, err
	}
	s := New(db, schedName, logger)
	s.ownsDB = true
	return s, nil
}

// New 以既有的 *sql.DB 建立 store；schema 必須已經 migrate
func New(db *sql.DB, schedName string, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{
		db:        db,
		schedName: schedName,
		log:       logger.With("component", "sql-store", "sched_name", schedName),
	}
}

// DB 底層資料庫（測試與管理工具用）
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Begin(ctx context.Context, readOnly bool) (jobstore.Tx, error) {
	t, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction")
	}
	return &tx{tx: t, sched: s.schedName, readOnly: readOnly}, nil
}

func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// ============================================================================
// 編碼
// ============================================================================

func encodeData(m types.JobDataMap) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	return b, errors.Wrap(err, "encode job data")
}

func decodeData(b []byte) (types.JobDataMap, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m types.JobDataMap
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, errors.Wrap(err, "decode job data")
	}
	return m, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
