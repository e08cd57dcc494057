// ============================================================================
// beaver-sched 記憶體 store - jobstore.Backend 的記憶體實作
// ============================================================================
//
// Package: internal/store/memory
// 文件: store.go
// 功能: 以 map 保存所有實體，單一 RWMutex 提供交易隔離
//
// 設計理念:
//   1. 每個實體一個 map，作為單一真實來源
//   2. 輔助索引：
//      - due: gods treeset，依 (nextFireTime, priority desc, key) 排序的
//        WAITING 觸發器，取得與 misfire 掃描都只需要走訪開頭
//      - byJob: 任務 -> 觸發器 key 集合
//   3. 交易：寫入交易持有寫鎖直到 Commit/Rollback；每次修改記錄一個
//      undo 函式，Rollback 時反向執行
//   4. 觸發器列一旦寫入就不再原地修改，狀態變更一律換成新的列，
//      因此 undo 只需要把舊指標放回去
//
// 持久化:
//   - 設定快照路徑時，New 會載入快照，Close 與 Save 寫回快照
//   - 設定 WAL 時，每個寫入交易在 Commit 時把修改過的列追加到 WAL；
//     New 在快照之後重放 WAL，Save 寫完快照後清空 WAL
//   - 設定 commit hook 時，同一組 redo 紀錄先交給 hook（redisstore 用來
//     寫入共享狀態）；設定 Syncer 時，Begin 在持有寫鎖的情況下先套用
//     其他節點的修改
//
// ============================================================================

package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/emirpasic/gods/sets/treeset"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-sched/internal/jobstore"
	"github.com/ChuLiYu/beaver-sched/internal/snapshot"
	"github.com/ChuLiYu/beaver-sched/internal/storage/wal"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

var (
	// ErrReadOnly 在唯讀交易中寫入
	ErrReadOnly = errors.New("write in read-only transaction")
	// ErrTxDone 交易已經 commit 或 rollback
	ErrTxDone = errors.New("transaction already finished")
)

type triggerRow struct {
	t     *types.Trigger
	state types.TriggerState
}

type dueEntry struct {
	next     int64
	priority int
	key      types.TriggerKey
}

func compareDue(a, b interface{}) int {
	x, y := a.(dueEntry), b.(dueEntry)
	switch {
	case x.next < y.next:
		return -1
	case x.next > y.next:
		return 1
	case x.priority > y.priority:
		return -1
	case x.priority < y.priority:
		return 1
	}
	return types.Key(x.key).Compare(types.Key(y.key))
}

// Store 記憶體 store
type Store struct {
	mu sync.RWMutex

	jobs                map[types.JobKey]*types.JobDetail
	triggers            map[types.TriggerKey]*triggerRow
	byJob               map[types.JobKey]map[types.TriggerKey]struct{}
	due                 *treeset.Set
	calendars           map[string][]byte
	pausedTriggerGroups map[string]struct{}
	pausedJobGroups     map[string]struct{}
	fired               map[string]*types.FiredTriggerRecord
	states              map[string]*types.SchedulerStateRecord

	snap     *snapshot.Manager
	wal      *wal.WAL
	walPath  string
	walSync  bool
	onCommit func(recs []wal.Record) error
	syncer   Syncer
	log      *zap.SugaredLogger
}

// Syncer 把其他節點提交的修改帶進這份副本
type Syncer interface {
	// Sync runs at the start of every transaction with the store's write
	// lock held; no local commit can interleave with it.
	Sync(ctx context.Context, r Replica) error
}

// Replica 持有寫鎖時可用的套用操作
type Replica interface {
	// Apply replays committed records. Every record carries a whole row, so
	// applying one twice is harmless.
	Apply(recs []wal.Record) error
	// Reload drops everything and rebuilds from recs.
	Reload(recs []wal.Record) error
}

type replica struct{ s *Store }

func (r replica) Apply(recs []wal.Record) error { return r.s.apply(recs) }

func (r replica) Reload(recs []wal.Record) error {
	r.s.reset()
	return r.s.apply(recs)
}

var _ jobstore.Backend = (*Store)(nil)

// Option 設定 Store
type Option func(*Store)

// WithSnapshot 啟用快照檔
func WithSnapshot(path string) Option {
	return func(s *Store) {
		if path != "" {
			s.snap = snapshot.NewManager(path)
		}
	}
}

// WithWAL 啟用 redo log；sync 為 true 時每次 Commit 都 fsync
func WithWAL(path string, sync bool) Option {
	return func(s *Store) {
		s.walPath = path
		s.walSync = sync
	}
}

// WithCommitHook 每個有修改的寫入交易在 Commit 時先呼叫 h；
// h 回傳錯誤時交易 rollback
func WithCommitHook(h func(recs []wal.Record) error) Option {
	return func(s *Store) { s.onCommit = h }
}

// WithSyncer 設定副本同步
func WithSyncer(sy Syncer) Option {
	return func(s *Store) { s.syncer = sy }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Store) { s.log = l }
}

// New 建立記憶體 store；設定快照時會先載入既有快照
func New(opts ...Option) (*Store, error) {
	s := &Store{log: zap.NewNop().Sugar()}
	s.reset()
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "memory-store")

	var after uint64
	if s.snap != nil {
		data, err := s.snap.Load()
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "load memory store snapshot"), jobstore.ErrCriticalPersistence)
		}
		s.restore(data)
		after = data.WALSeq
		s.log.Infow("restored snapshot", "path", s.snap.Path(),
			"jobs", len(s.jobs), "triggers", len(s.triggers), "fired", len(s.fired))
	}

	if s.walPath != "" {
		w, err := wal.Open(s.walPath, s.walSync)
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "open memory store wal"), jobstore.ErrCriticalPersistence)
		}
		n, err := w.Replay(after, s.apply)
		if err != nil {
			w.Close()
			return nil, errors.Mark(errors.Wrap(err, "replay memory store wal"), jobstore.ErrCriticalPersistence)
		}
		s.wal = w
		if n > 0 {
			s.log.Infow("replayed wal", "path", w.Path(), "transactions", n, "last_seq", w.LastSeq())
		}
	}
	return s, nil
}

// Begin 開始一個交易；寫入交易獨佔整個 store
func (s *Store) Begin(ctx context.Context, readOnly bool) (jobstore.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.syncer != nil {
		s.mu.Lock()
		if err := s.syncer.Sync(ctx, replica{s}); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		if !readOnly {
			return &tx{s: s}, nil
		}
		// 唯讀交易改持讀鎖；中間插入的本地提交已經在副本裡
		s.mu.Unlock()
	}
	if readOnly {
		s.mu.RLock()
	} else {
		s.mu.Lock()
	}
	return &tx{s: s, readOnly: readOnly}, nil
}

func (s *Store) reset() {
	s.jobs = make(map[types.JobKey]*types.JobDetail)
	s.triggers = make(map[types.TriggerKey]*triggerRow)
	s.byJob = make(map[types.JobKey]map[types.TriggerKey]struct{})
	s.due = treeset.NewWith(compareDue)
	s.calendars = make(map[string][]byte)
	s.pausedTriggerGroups = make(map[string]struct{})
	s.pausedJobGroups = make(map[string]struct{})
	s.fired = make(map[string]*types.FiredTriggerRecord)
	s.states = make(map[string]*types.SchedulerStateRecord)
}

// Save 寫入快照並清空 WAL；未設定快照時不做任何事
//
// 整個過程持有讀鎖，寫入交易無法在快照與清空之間插入。
func (s *Store) Save() error {
	if s.snap == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data := s.snapshotData()
	data.WALSeq = s.wal.LastSeq()
	if err := s.snap.Write(data); err != nil {
		return err
	}
	if s.wal != nil {
		// 重放會略過 seq <= WALSeq 的紀錄，清空失敗只需記錄
		if err := s.wal.Reset(); err != nil {
			s.log.Warnw("reset wal after snapshot", "error", err)
		}
	}
	return nil
}

// Close 寫入最後一次快照並關閉 WAL
func (s *Store) Close() error {
	err := s.Save()
	if s.wal != nil {
		err = multierr.Append(err, s.wal.Close())
	}
	return err
}

// ============================================================================
// 索引維護
// ============================================================================

func (s *Store) indexed(row *triggerRow) bool {
	return row.t.NextFireTime != 0 &&
		(row.state == types.StateWaiting || row.state == types.StateMisfired)
}

func (s *Store) index(key types.TriggerKey, row *triggerRow) {
	set := s.byJob[row.t.JobKey]
	if set == nil {
		set = make(map[types.TriggerKey]struct{})
		s.byJob[row.t.JobKey] = set
	}
	set[key] = struct{}{}
	if s.indexed(row) {
		s.due.Add(dueEntry{row.t.NextFireTime, row.t.Priority, key})
	}
}

func (s *Store) unindex(key types.TriggerKey, row *triggerRow) {
	if set := s.byJob[row.t.JobKey]; set != nil {
		delete(set, key)
		if len(set) == 0 {
			delete(s.byJob, row.t.JobKey)
		}
	}
	if s.indexed(row) {
		s.due.Remove(dueEntry{row.t.NextFireTime, row.t.Priority, key})
	}
}

// setTrigger replaces the row for key (nil deletes it) and returns the old one.
func (s *Store) setTrigger(key types.TriggerKey, row *triggerRow) *triggerRow {
	old := s.triggers[key]
	if old != nil {
		s.unindex(key, old)
	}
	if row == nil {
		delete(s.triggers, key)
	} else {
		s.triggers[key] = row
		s.index(key, row)
	}
	return old
}

// ============================================================================
// 快照
// ============================================================================

func (s *Store) snapshotData() snapshot.Data {
	data := snapshot.Data{
		TakenAt:   time.Now().UnixMilli(),
		Calendars: make(map[string]json.RawMessage, len(s.calendars)),
	}
	for _, job := range s.jobs {
		data.Jobs = append(data.Jobs, job.Clone())
	}
	sort.Slice(data.Jobs, func(i, j int) bool {
		return types.Key(data.Jobs[i].Key).Compare(types.Key(data.Jobs[j].Key)) < 0
	})
	for _, row := range s.triggers {
		data.Triggers = append(data.Triggers, snapshot.TriggerRow{Trigger: row.t.Clone(), State: row.state})
	}
	sort.Slice(data.Triggers, func(i, j int) bool {
		return types.Key(data.Triggers[i].Trigger.Key).Compare(types.Key(data.Triggers[j].Trigger.Key)) < 0
	})
	for name, blob := range s.calendars {
		data.Calendars[name] = append(json.RawMessage(nil), blob...)
	}
	data.PausedTriggerGroups = sortedSet(s.pausedTriggerGroups)
	data.PausedJobGroups = sortedSet(s.pausedJobGroups)
	for _, rec := range s.fired {
		c := *rec
		data.FiredTriggers = append(data.FiredTriggers, &c)
	}
	sort.Slice(data.FiredTriggers, func(i, j int) bool {
		return data.FiredTriggers[i].FireInstanceID < data.FiredTriggers[j].FireInstanceID
	})
	for _, rec := range s.states {
		c := *rec
		data.SchedulerStates = append(data.SchedulerStates, &c)
	}
	sort.Slice(data.SchedulerStates, func(i, j int) bool {
		return data.SchedulerStates[i].InstanceID < data.SchedulerStates[j].InstanceID
	})
	return data
}

func (s *Store) restore(data snapshot.Data) {
	for _, job := range data.Jobs {
		s.jobs[job.Key] = job
	}
	for _, row := range data.Triggers {
		if row.Trigger == nil {
			continue
		}
		s.setTrigger(row.Trigger.Key, &triggerRow{t: row.Trigger, state: row.State})
	}
	for name, blob := range data.Calendars {
		s.calendars[name] = []byte(blob)
	}
	for _, g := range data.PausedTriggerGroups {
		s.pausedTriggerGroups[g] = struct{}{}
	}
	for _, g := range data.PausedJobGroups {
		s.pausedJobGroups[g] = struct{}{}
	}
	for _, rec := range data.FiredTriggers {
		s.fired[rec.FireInstanceID] = rec
	}
	for _, rec := range data.SchedulerStates {
		s.states[rec.InstanceID] = rec
	}
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
