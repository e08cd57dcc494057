// ============================================================================
// beaver-sched Redis store - 多節點共用的記憶體 store
// ============================================================================
//
// Package: internal/store/redisstore
// 文件: store.go
// 功能: 每個節點一份 memory.Store 副本，共享狀態放在 Redis
//
// Redis 內容（同一個 hash tag，Redis Cluster 下落在同一個 slot）:
//   <prefix>seq   全域提交序號
//   <prefix>rows  hash；欄位是實體 key，值是該列最新的 redo 紀錄
//   <prefix>log   stream；每個提交一筆，ID 為 "<seq>-0"，只保留最近 maxLog 筆
//
// 流程:
//   1. 寫入交易 Commit：副本產生的 redo 紀錄以 Lua script 一次寫入
//      rows 與 log，序號加一
//   2. 交易開始：持有副本寫鎖，讀取 seq；落後時從 log 補上，log 已被裁切
//      或序號倒退（共享狀態被清掉）時從 rows 整份重建
//
// 跨節點的互斥靠 lock.RedisSemaphore；engine 先拿鎖才 Begin，副本在鎖內
// 追上共享狀態。
//
// ============================================================================

package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-sched/internal/jobstore"
	"github.com/ChuLiYu/beaver-sched/internal/store/memory"
	"github.com/ChuLiYu/beaver-sched/internal/storage/wal"
)

const (
	defaultMaxLog  = 10000
	defaultTimeout = 5 * time.Second
)

// commitScript 寫入一個提交
//
// KEYS[1] seq, KEYS[2] rows, KEYS[3] log
// ARGV[1] log 上限, ARGV[2] 整個提交的紀錄, 之後成對: 欄位, 值（空字串表示刪除）
var commitScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
for i = 3, #ARGV, 2 do
	if ARGV[i+1] == '' then
		redis.call('HDEL', KEYS[2], ARGV[i])
	else
		redis.call('HSET', KEYS[2], ARGV[i], ARGV[i+1])
	end
end
redis.call('XADD', KEYS[3], 'MAXLEN', '~', ARGV[1], seq .. '-0', 'recs', ARGV[2])
return seq
`)

// Store 以 Redis 共享狀態的 jobstore.Backend
type Store struct {
	*memory.Store

	client  redis.UniversalClient
	seqKey  string
	rowsKey string
	logKey  string
	maxLog  int64
	timeout time.Duration
	log     *zap.SugaredLogger

	// 只在持有副本寫鎖時存取
	seq   uint64
	stale bool
}

var _ jobstore.Backend = (*Store)(nil)

// Option 設定 Store
type Option func(*Store)

// WithMaxLog stream 保留的提交數；落後更多的節點會整份重建
func WithMaxLog(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxLog = n
		}
	}
}

// WithTimeout 單次 Redis 操作的逾時
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Store) { s.log = l }
}

// New 建立 store；schedName 區分同一個 Redis 上的多個排程器
func New(ctx context.Context, client redis.UniversalClient, prefix, schedName string, opts ...Option) (*Store, error) {
	base := fmt.Sprintf("%s{%s}:", prefix, schedName)
	s := &Store{
		client:  client,
		seqKey:  base + "seq",
		rowsKey: base + "rows",
		logKey:  base + "log",
		maxLog:  defaultMaxLog,
		timeout: defaultTimeout,
		log:     zap.NewNop().Sugar(),
		stale:   true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "redis-store", "key", base)

	replica, err := memory.New(
		memory.WithLogger(s.log),
		memory.WithCommitHook(s.publish),
		memory.WithSyncer(s),
	)
	if err != nil {
		return nil, err
	}
	s.Store = replica

	// 第一次載入在這裡完成，連不上 Redis 直接失敗
	tx, err := replica.Begin(ctx, true)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "load shared job store"), jobstore.ErrCriticalPersistence)
	}
	_ = tx.Rollback()
	s.log.Infow("loaded shared job store", "seq", s.seq)
	return s, nil
}

// ============================================================================
// 同步
// ============================================================================

// Sync 讓副本追上共享狀態；memory.Store 在 Begin 時持寫鎖呼叫
func (s *Store) Sync(ctx context.Context, r memory.Replica) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if s.stale {
		return s.reload(ctx, r)
	}
	remote, err := s.client.Get(ctx, s.seqKey).Uint64()
	if errors.Is(err, redis.Nil) {
		remote, err = 0, nil
	}
	if err != nil {
		return errors.Wrap(err, "read shared sequence")
	}
	switch {
	case remote == s.seq:
		return nil
	case remote < s.seq:
		s.log.Warnw("shared sequence went backwards, reloading", "local", s.seq, "remote", remote)
		return s.reload(ctx, r)
	}

	msgs, err := s.client.XRange(ctx, s.logKey, streamID(s.seq+1), streamID(remote)).Result()
	if err != nil {
		return errors.Wrap(err, "read shared log")
	}
	if len(msgs) == 0 || msgSeq(msgs[0].ID) != s.seq+1 {
		s.log.Infow("shared log trimmed past local sequence, reloading", "local", s.seq, "remote", remote)
		return s.reload(ctx, r)
	}

	var batch []wal.Record
	last := s.seq
	for _, m := range msgs {
		recs, err := decodeCommit(m.Values["recs"])
		if err != nil {
			return errors.Wrapf(err, "decode shared log %s", m.ID)
		}
		batch = append(batch, recs...)
		last = msgSeq(m.ID)
	}
	if err := r.Apply(batch); err != nil {
		s.stale = true
		return errors.Wrap(err, "apply shared log")
	}
	s.seq = last
	return nil
}

func (s *Store) reload(ctx context.Context, r memory.Replica) error {
	var (
		seqCmd  *redis.StringCmd
		rowsCmd *redis.StringStringMapCmd
	)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		seqCmd = p.Get(ctx, s.seqKey)
		rowsCmd = p.HGetAll(ctx, s.rowsKey)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return errors.Wrap(err, "read shared rows")
	}

	seq, err := seqCmd.Uint64()
	if errors.Is(err, redis.Nil) {
		seq, err = 0, nil
	}
	if err != nil {
		return errors.Wrap(err, "read shared sequence")
	}
	rows := rowsCmd.Val()
	recs := make([]wal.Record, 0, len(rows))
	for field, raw := range rows {
		var rec wal.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return errors.Wrapf(err, "decode shared row %s", field)
		}
		recs = append(recs, rec)
	}
	if err := r.Reload(recs); err != nil {
		s.stale = true
		return errors.Wrap(err, "rebuild from shared rows")
	}
	s.seq, s.stale = seq, false
	return nil
}

// publish 是副本的 commit hook；在副本寫鎖內執行
func (s *Store) publish(recs []wal.Record) error {
	payload, err := json.Marshal(recs)
	if err != nil {
		return errors.Wrap(err, "encode commit")
	}
	args := make([]any, 0, 2+2*len(recs))
	args = append(args, s.maxLog, payload)
	for _, rec := range recs {
		if rec.Op == wal.OpDelete {
			args = append(args, rowField(rec), "")
			continue
		}
		row, err := json.Marshal(rec)
		if err != nil {
			return errors.Wrapf(err, "encode %s %s", rec.Kind, rec.Name)
		}
		args = append(args, rowField(rec), row)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	seq, err := commitScript.Run(ctx, s.client, []string{s.seqKey, s.rowsKey, s.logKey}, args...).Uint64()
	if err != nil {
		// 不確定有沒有寫進去；下次交易整份重建
		s.stale = true
		return errors.Wrap(err, "publish commit")
	}
	// 中間沒有其他提交時副本已經等於共享狀態；否則下次交易從 log 補
	if seq == s.seq+1 {
		s.seq = seq
	}
	return nil
}

// ============================================================================
// 編碼
// ============================================================================

func rowField(rec wal.Record) string {
	field, _ := json.Marshal([]string{string(rec.Kind), rec.Group, rec.Name})
	return string(field)
}

func decodeCommit(v any) ([]wal.Record, error) {
	raw, ok := v.(string)
	if !ok {
		return nil, errors.Newf("unexpected log entry %T", v)
	}
	var recs []wal.Record
	if err := json.Unmarshal([]byte(raw), &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func streamID(seq uint64) string { return strconv.FormatUint(seq, 10) + "-0" }

func msgSeq(id string) uint64 {
	ms, _, _ := strings.Cut(id, "-")
	n, _ := strconv.ParseUint(ms, 10, 64)
	return n
}
