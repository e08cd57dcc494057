// ============================================================================
// beaver-sched 任務儲存引擎 - 觸發器狀態機與取得協定
// ============================================================================
//
// Package: internal/jobstore
// 文件: engine.go
// 功能: Engine 把所有排程規則放在同一處，持久化交給可替換的 Backend
//
// 設計理念:
//   1. Backend 只負責讀寫（記憶體或 SQL），不知道狀態機
//   2. 每個修改操作都是一個 unit of work：開交易 -> 取具名鎖 -> 執行 ->
//      commit -> 釋放鎖；任何錯誤或 panic 都會 rollback 並釋放鎖
//   3. 同一時間只持有一把具名鎖（TRIGGER_ACCESS 或 STATE_ACCESS）
//   4. 關閉時先關閉 admission gate，再等所有進行中的操作結束
//
// 背景工作:
//   - misfire handler: 週期性掃描錯過觸發時間的觸發器
//   - cluster manager: 週期性 checkin 並接手失效節點的工作（僅叢集模式）
//
// ============================================================================

package jobstore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-sched/internal/lock"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// ============================================================================
// 設定
// ============================================================================

// Config 引擎設定
type Config struct {
	InstanceName string // 排程器名稱，叢集內所有節點相同
	InstanceID   string // 節點 ID；空字串或 "AUTO" 時自動產生

	MisfireThreshold           time.Duration // 超過此時間未觸發視為 misfire
	MaxMisfiresToHandleAtATime int           // 每輪 misfire 掃描的上限
	DoubleCheckMisfires        bool          // 取鎖前先用 count 查詢確認是否有 misfire

	Clustered              bool
	ClusterCheckinInterval time.Duration
	RetryInterval          time.Duration // 背景工作失敗後的最大重試間隔
}

// DefaultConfig 預設設定
func DefaultConfig() Config {
	return Config{
		InstanceName:               "BeaverScheduler",
		MisfireThreshold:           60 * time.Second,
		MaxMisfiresToHandleAtATime: 20,
		DoubleCheckMisfires:        true,
		ClusterCheckinInterval:     7500 * time.Millisecond,
		RetryInterval:              15 * time.Second,
	}
}

// clusterSlack is added to a peer's checkin interval before it is declared
// failed.
const clusterSlack = 7500

// ============================================================================
// 外部協作者
// ============================================================================

// Signaler 讓引擎通知排程執行端
type Signaler interface {
	NotifyTriggerListenersMisfired(t *types.Trigger)
	NotifySchedulerListenersFinalized(t *types.Trigger)
	// SignalSchedulingChange wakes the run loop; 0 means "unknown, re-check".
	SignalSchedulingChange(candidateNewNextFireTime int64)
}

type noopSignaler struct{}

func (noopSignaler) NotifyTriggerListenersMisfired(*types.Trigger)    {}
func (noopSignaler) NotifySchedulerListenersFinalized(*types.Trigger) {}
func (noopSignaler) SignalSchedulingChange(int64)                     {}

// Metrics 引擎回報的指標
type Metrics interface {
	RecordAcquired(n int)
	RecordReleased()
	RecordFired(n int)
	RecordCompleted(instr types.CompletedExecutionInstruction)
	RecordMisfired(n int)
	RecordRecovered(n int)
	RecordLockWait(lockName string, d time.Duration)
	RecordCheckin(failedPeers int)
}

type noopMetrics struct{}

func (noopMetrics) RecordAcquired(int)                                  {}
func (noopMetrics) RecordReleased()                                     {}
func (noopMetrics) RecordFired(int)                                     {}
func (noopMetrics) RecordCompleted(types.CompletedExecutionInstruction) {}
func (noopMetrics) RecordMisfired(int)                                  {}
func (noopMetrics) RecordRecovered(int)                                 {}
func (noopMetrics) RecordLockWait(string, time.Duration)                {}
func (noopMetrics) RecordCheckin(int)                                   {}

// ============================================================================
// Engine
// ============================================================================

// Engine 任務儲存引擎
type Engine struct {
	backend Backend
	sem     lock.Semaphore
	cfg     Config

	log      *zap.SugaredLogger
	clock    clockwork.Clock
	signaler Signaler
	metrics  Metrics

	instanceID string
	fireSeq    atomic.Int64
	recoverSeq atomic.Int64

	gate gate

	// cluster bookkeeping, only touched by the checkin path
	checkinMu    sync.Mutex
	firstCheckin bool
	lastCheckin  int64

	mu       sync.Mutex
	started  bool
	bgCancel context.CancelFunc
	bgWg     sync.WaitGroup
}

// Option 設定 Engine
type Option func(*Engine)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) { e.log = l }
}

func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithSignaler(s Signaler) Option {
	return func(e *Engine) { e.signaler = s }
}

func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithConfig(c Config) Option {
	return func(e *Engine) { e.cfg = c }
}

func WithInstanceID(id string) Option {
	return func(e *Engine) { e.cfg.InstanceID = id }
}

// New 建立引擎
func New(backend Backend, sem lock.Semaphore, opts ...Option) *Engine {
	e := &Engine{
		backend:      backend,
		sem:          sem,
		cfg:          DefaultConfig(),
		log:          zap.NewNop().Sugar(),
		clock:        clockwork.NewRealClock(),
		signaler:     noopSignaler{},
		metrics:      noopMetrics{},
		firstCheckin: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.MaxMisfiresToHandleAtATime <= 0 {
		e.cfg.MaxMisfiresToHandleAtATime = 20
	}
	if e.cfg.ClusterCheckinInterval <= 0 {
		e.cfg.ClusterCheckinInterval = 7500 * time.Millisecond
	}
	if e.cfg.RetryInterval <= 0 {
		e.cfg.RetryInterval = 15 * time.Second
	}
	e.instanceID = resolveInstanceID(e.cfg)
	e.log = e.log.With("component", "jobstore", "instance", e.instanceID)
	e.fireSeq.Store(e.now())
	e.lastCheckin = e.now()
	return e
}

func resolveInstanceID(cfg Config) string {
	switch cfg.InstanceID {
	case "", "AUTO":
		if !cfg.Clustered && cfg.InstanceID == "" {
			return "NON_CLUSTERED"
		}
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "localhost"
		}
		return host + "-" + uuid.NewString()[:8]
	default:
		return cfg.InstanceID
	}
}

// InstanceID 節點 ID
func (e *Engine) InstanceID() string { return e.instanceID }

// Clustered 是否為叢集模式
func (e *Engine) Clustered() bool { return e.cfg.Clustered }

// MisfireThreshold 以毫秒表示的 misfire 門檻
func (e *Engine) MisfireThreshold() int64 { return e.cfg.MisfireThreshold.Milliseconds() }

func (e *Engine) now() int64 { return e.clock.Now().UnixMilli() }

func (e *Engine) nextFireInstanceID() string {
	return fmt.Sprintf("%s-%d", e.instanceID, e.fireSeq.Add(1))
}

// ============================================================================
// Admission gate
// ============================================================================

type gate struct {
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func (g *gate) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.wg.Add(1)
	return true
}

func (g *gate) leave() { g.wg.Done() }

func (g *gate) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.wg.Wait()
}

// ============================================================================
// Unit of work
// ============================================================================

// unit 一次 unit of work 的交易與延後到 commit 之後才送出的通知
type unit struct {
	Tx
	now   int64
	after []func()
}

func (u *unit) afterCommit(f func()) { u.after = append(u.after, f) }

// executeInLock runs fn inside a transaction while holding lockName.
func (e *Engine) executeInLock(ctx context.Context, lockName string, fn func(u *unit) error) error {
	return e.runUnit(ctx, lockName, false, fn)
}

// executeWithoutLock runs read-only fn inside a transaction.
func (e *Engine) executeWithoutLock(ctx context.Context, fn func(u *unit) error) error {
	return e.runUnit(ctx, "", true, fn)
}

func (e *Engine) runUnit(ctx context.Context, lockName string, readOnly bool, fn func(u *unit) error) (err error) {
	if !e.gate.enter() {
		return ErrSchedulerShuttingDown
	}
	defer e.gate.leave()

	var lease lock.Lease
	obtain := func(q lock.Querier) error {
		start := e.clock.Now()
		l, err := e.sem.Obtain(ctx, q, lockName)
		if err != nil {
			return transient(err, "obtain "+lockName)
		}
		e.metrics.RecordLockWait(lockName, e.clock.Since(start))
		lease = l
		return nil
	}
	release := func() error {
		if lease == nil {
			return nil
		}
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			return transient(err, "release "+lockName)
		}
		return nil
	}

	// 不靠連線的鎖先拿，store 在 Begin 時看到的就是持鎖後的資料
	connLock := e.sem.RequiresConnection()
	if lockName != "" && !connLock {
		if err := obtain(nil); err != nil {
			return err
		}
	}

	tx, err := e.backend.Begin(ctx, readOnly)
	if err != nil {
		return multierr.Append(transient(err, "begin unit of work"), release())
	}

	if lockName != "" && connLock {
		if err := obtain(tx.Querier()); err != nil {
			return multierr.Append(err, tx.Rollback())
		}
	}

	u := &unit{Tx: tx, now: e.now()}
	finished := false
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("unit of work panicked: %v", r)
		}
		if !finished {
			err = multierr.Append(err, tx.Rollback())
		}
		err = multierr.Append(err, release())
		if err == nil {
			for _, f := range u.after {
				f()
			}
		}
	}()

	if err = fn(u); err != nil {
		return transient(err, "unit of work")
	}
	if lease != nil {
		// 鎖已經不在手上，其他節點可能看過舊資料
		if err = lock.Check(lease); err != nil {
			return transient(err, "unit of work")
		}
	}
	finished = true
	if err = tx.Commit(); err != nil {
		return transient(err, "commit")
	}
	return nil
}

// ============================================================================
// 生命週期
// ============================================================================

// SchedulerStarted 啟動時的恢復，接著啟動背景工作
//
// 非叢集模式執行完整恢復；叢集模式做第一次 checkin，順便接手自己上次
// 留下的工作與孤兒 fired 紀錄。
func (e *Engine) SchedulerStarted(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	if e.cfg.Clustered {
		if _, err := e.DoCheckin(ctx); err != nil {
			return errors.Wrap(err, "initial cluster checkin")
		}
	} else {
		if err := e.RecoverJobs(ctx); err != nil {
			return errors.Wrap(err, "startup recovery")
		}
	}

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.bgCancel = cancel
	e.bgWg.Add(1)
	go e.misfireLoop(bgCtx)
	if e.cfg.Clustered {
		e.bgWg.Add(1)
		go e.clusterLoop(bgCtx)
	}
	e.started = true
	e.log.Infow("job store started", "clustered", e.cfg.Clustered)
	return nil
}

// Shutdown 停止背景工作，拒絕新的操作並等待進行中的操作結束
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.bgCancel
	e.bgCancel = nil
	e.started = false
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		e.bgWg.Wait()
		e.gate.close()
		close(done)
	}()

	select {
	case <-done:
		e.log.Infow("job store shut down")
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for in-flight operations")
	}
}
