// ============================================================================
// beaver-sched 控制器 - 排程執行迴圈
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: Runner 把任務儲存引擎與 Worker Pool 接起來，實作 jobstore.Signaler
//
// 核心循環 (3 個並發 Goroutine):
//   1. Run Loop - 等空閒 Worker -> 取得下一批觸發器 -> 等到觸發時間 ->
//      TriggersFired -> 交給 Worker Pool
//   2. Result Loop - 接收 Worker 結果，呼叫 TriggeredJobComplete（失敗會重試）
//   3. Snapshot Loop - 記憶體後端定期存快照（其他後端不啟動）
//
// 等待觸發時間:
//   取得的觸發器在等待期間維持 ACQUIRED。收到 SignalSchedulingChange 且新時間
//   比手上這批更早、而且距離觸發還有一段時間時，把這批還回 WAITING 重新取得。
//
// 關閉順序:
//   1. close(stopCh) -> Run Loop 還回手上的觸發器後結束
//   2. pool.Stop()   -> 等所有執行中的任務結束並關閉 resultCh
//   3. Result Loop 把剩下的結果全部回報給引擎後結束
//   4. 最後一次快照，最後才 store.Shutdown()
//
// ============================================================================

package controller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/beaver-sched/internal/jobstore"
	"github.com/ChuLiYu/beaver-sched/internal/worker"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Runner 配置
type Config struct {
	WorkerCount      int           // Worker 數量
	BatchSize        int           // 每次最多取得的觸發器數
	BatchTimeWindow  time.Duration // 允許提早取得的時間窗
	IdleWaitTime     time.Duration // 沒有觸發器時的等待時間，也是往後看多遠
	JobTimeout       time.Duration // 單次執行超時；0 代表不限
	SnapshotInterval time.Duration // 快照間隔；0 代表不做
	RetryInterval    time.Duration // 回報完成失敗時的最大重試間隔
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		WorkerCount:      4,
		BatchSize:        1,
		IdleWaitTime:     30 * time.Second,
		SnapshotInterval: time.Minute,
		RetryInterval:    15 * time.Second,
	}
}

// earlierThreshold 新觸發時間至少要早這麼多，才值得放掉手上這批
const earlierThreshold = 70 * time.Millisecond

// JobStore Runner 用到的引擎操作
type JobStore interface {
	InstanceID() string
	SchedulerStarted(ctx context.Context) error
	Shutdown(ctx context.Context) error
	AcquireNextTriggers(ctx context.Context, noLaterThan int64, maxCount int, timeWindow int64) ([]*types.Trigger, error)
	ReleaseAcquiredTrigger(ctx context.Context, t *types.Trigger) error
	TriggersFired(ctx context.Context, triggers []*types.Trigger) ([]types.FireResult, error)
	TriggeredJobComplete(ctx context.Context, t *types.Trigger, job *types.JobDetail, instr types.CompletedExecutionInstruction) error
}

// Saver 可以存快照的後端（記憶體後端）
type Saver interface {
	Save() error
}

// RecoveryObserver 記錄啟動恢復時間
type RecoveryObserver interface {
	SetRecoveryTime(d time.Duration)
}

// Status Runner 狀態
type Status struct {
	InstanceID string
	Running    bool
	Uptime     time.Duration
	Workers    int
	Available  int
	Fired      int64
	Completed  int64
	Misfired   int64
	Finalized  int64
}

// Runner 排程執行迴圈
type Runner struct {
	cfg      Config
	store    JobStore
	pool     *worker.Pool
	saver    Saver
	recovery RecoveryObserver
	log      *zap.SugaredLogger
	clock    clockwork.Clock

	signalCh chan int64 // 最近一次 SignalSchedulingChange 的候選時間

	fired     atomic.Int64
	completed atomic.Int64
	misfired  atomic.Int64
	finalized atomic.Int64

	mu        sync.Mutex
	running   bool
	stopped   bool
	startTime time.Time
	stopCh    chan struct{}
	cancel    context.CancelFunc
	runWg     sync.WaitGroup
	resultWg  sync.WaitGroup
	loopWg    sync.WaitGroup
}

var _ jobstore.Signaler = (*Runner)(nil)

// Option 設定 Runner
type Option func(*Runner)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Runner) { r.log = l }
}

func WithClock(c clockwork.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithSaver 讓 Runner 定期（以及關閉時）存快照
func WithSaver(s Saver) Option {
	return func(r *Runner) { r.saver = s }
}

func WithRecoveryObserver(o RecoveryObserver) Option {
	return func(r *Runner) { r.recovery = o }
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewRunner 建立 Runner；引擎要以 Runner 當 Signaler 建立，再用 Bind 接回來
func NewRunner(cfg Config, pool *worker.Pool, opts ...Option) *Runner {
	def := DefaultConfig()
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = def.WorkerCount
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.IdleWaitTime <= 0 {
		cfg.IdleWaitTime = def.IdleWaitTime
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	r := &Runner{
		cfg:      cfg,
		pool:     pool,
		log:      zap.NewNop().Sugar(),
		clock:    clockwork.NewRealClock(),
		signalCh: make(chan int64, 1),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "runner")
	return r
}

// Bind 設定任務儲存引擎，必須在 Start 之前呼叫
func (r *Runner) Bind(store JobStore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store = store
}

// Start 執行啟動恢復，啟動 Worker Pool 與三個循環
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store == nil {
		return errors.New("runner has no job store bound")
	}
	if r.running || r.stopped {
		return errors.New("runner already started")
	}

	start := r.clock.Now()
	if err := r.store.SchedulerStarted(ctx); err != nil {
		return errors.Wrap(err, "start job store")
	}
	recoveryTime := r.clock.Since(start)
	if r.recovery != nil {
		r.recovery.SetRecoveryTime(recoveryTime)
	}
	r.log.Infow("recovery completed", "duration", recoveryTime)

	if err := r.pool.Start(r.cfg.WorkerCount); err != nil {
		return errors.Wrap(err, "start worker pool")
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.startTime = r.clock.Now()
	r.running = true

	r.runWg.Add(1)
	go r.runLoop(loopCtx)
	r.resultWg.Add(1)
	go r.resultLoop(context.WithoutCancel(ctx))
	if r.saver != nil && r.cfg.SnapshotInterval > 0 {
		r.loopWg.Add(1)
		go r.snapshotLoop()
	}

	r.log.Infow("runner started", "instance", r.store.InstanceID(), "workers", r.cfg.WorkerCount)
	return nil
}

// ============================================================================
// Run Loop
// ============================================================================

func (r *Runner) runLoop(ctx context.Context) {
	defer r.runWg.Done()

	failLog := rate.Sometimes{First: 3, Interval: time.Minute}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = r.cfg.RetryInterval
	bo.MaxElapsedTime = 0
	bo.Clock = r.clock
	bo.Reset()

	for {
		if r.isStopping() {
			return
		}

		avail, err := r.pool.BlockForAvailable(ctx)
		if err != nil {
			return
		}

		// 清掉舊訊號：接下來取得的這批已經包含它要通知的變化
		r.drainSignal()

		now := r.clock.Now()
		maxCount := min(avail, r.cfg.BatchSize)
		triggers, err := r.store.AcquireNextTriggers(ctx,
			now.Add(r.cfg.IdleWaitTime).UnixMilli(), maxCount, r.cfg.BatchTimeWindow.Milliseconds())
		if err != nil {
			if r.isStopping() {
				return
			}
			failLog.Do(func() { r.log.Errorw("acquiring triggers failed", "error", err) })
			if !r.sleep(bo.NextBackOff()) {
				return
			}
			continue
		}
		bo.Reset()

		if len(triggers) == 0 {
			r.idle()
			continue
		}

		if !r.waitForFireTime(ctx, triggers) {
			continue
		}
		r.fire(ctx, triggers)
	}
}

// waitForFireTime 等到第一個觸發器的觸發時間；回傳 false 代表這批已被還回
func (r *Runner) waitForFireTime(ctx context.Context, triggers []*types.Trigger) bool {
	first := triggers[0].NextFireTime
	for {
		until := time.Duration(first-r.clock.Now().UnixMilli()) * time.Millisecond
		if until <= 2*time.Millisecond {
			return true
		}
		select {
		case <-r.clock.After(until):
		case cand := <-r.signalCh:
			if r.earlierWithinReason(cand, first) {
				r.log.Debugw("scheduling changed, releasing batch", "count", len(triggers))
				r.releaseAll(triggers)
				return false
			}
		case <-r.stopCh:
			r.releaseAll(triggers)
			return false
		}
	}
}

// earlierWithinReason 新時間更早，而且距離原本的觸發還夠久
func (r *Runner) earlierWithinReason(cand, first int64) bool {
	if cand != 0 && cand >= first {
		return false
	}
	left := time.Duration(first-r.clock.Now().UnixMilli()) * time.Millisecond
	return left > earlierThreshold
}

func (r *Runner) fire(ctx context.Context, triggers []*types.Trigger) {
	results, err := r.store.TriggersFired(ctx, triggers)
	if err != nil {
		r.log.Errorw("firing triggers failed, releasing batch", "count", len(triggers), "error", err)
		r.releaseAll(triggers)
		return
	}

	for i, res := range results {
		if res.Bundle == nil {
			r.release(triggers[i])
			continue
		}
		r.fired.Add(1)
		task := worker.Task{Bundle: res.Bundle, Timeout: r.cfg.JobTimeout}
		if err := r.pool.Submit(task); err != nil {
			r.log.Errorw("cannot hand fired trigger to a worker", "trigger", res.Bundle.Trigger.Key.String(), "error", err)
			r.complete(context.WithoutCancel(ctx), res.Bundle, types.InstructionSetAllJobTriggersError)
		}
	}
}

func (r *Runner) release(t *types.Trigger) {
	if err := r.store.ReleaseAcquiredTrigger(context.Background(), t); err != nil {
		r.log.Errorw("releasing acquired trigger failed", "trigger", t.Key.String(), "error", err)
	}
}

func (r *Runner) releaseAll(triggers []*types.Trigger) {
	for _, t := range triggers {
		r.release(t)
	}
}

// idle 沒有觸發器時等待 IdleWaitTime，或被訊號 / 關閉喚醒
func (r *Runner) idle() {
	select {
	case <-r.clock.After(r.cfg.IdleWaitTime):
	case <-r.signalCh:
	case <-r.stopCh:
	}
}

func (r *Runner) sleep(d time.Duration) bool {
	select {
	case <-r.clock.After(d):
		return true
	case <-r.stopCh:
		return false
	}
}

func (r *Runner) drainSignal() {
	select {
	case <-r.signalCh:
	default:
	}
}

func (r *Runner) isStopping() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// ============================================================================
// Result Loop
// ============================================================================

// resultLoop 一直執行到 Pool 關閉並讀完所有結果為止
func (r *Runner) resultLoop(ctx context.Context) {
	defer r.resultWg.Done()
	for {
		result, err := r.pool.ReceiveResult()
		if err != nil {
			return
		}
		r.complete(ctx, result.Bundle, result.Instruction)
	}
}

// complete 回報執行完成；引擎暫時不可用時持續重試，關閉中則放棄
func (r *Runner) complete(ctx context.Context, b *types.TriggerFiredBundle, instr types.CompletedExecutionInstruction) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = r.cfg.RetryInterval
	bo.MaxElapsedTime = 0
	bo.Clock = r.clock

	attempt := 0
	op := func() error {
		attempt++
		err := r.store.TriggeredJobComplete(ctx, b.Trigger, b.Job, instr)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, jobstore.ErrSchedulerShuttingDown):
			return backoff.Permanent(err)
		default:
			if attempt == 1 || attempt%10 == 0 {
				r.log.Errorw("reporting job completion failed, retrying",
					"trigger", b.Trigger.Key.String(), "attempt", attempt, "error", err)
			}
			return err
		}
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		r.log.Errorw("giving up on job completion", "trigger", b.Trigger.Key.String(), "error", err)
		return
	}
	r.completed.Add(1)
}

// ============================================================================
// Snapshot Loop
// ============================================================================

func (r *Runner) snapshotLoop() {
	defer r.loopWg.Done()
	ticker := r.clock.NewTicker(r.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.Chan():
			if err := r.saver.Save(); err != nil {
				r.log.Errorw("failed to take snapshot", "error", err)
			}
		}
	}
}

// ============================================================================
// jobstore.Signaler
// ============================================================================

func (r *Runner) NotifyTriggerListenersMisfired(t *types.Trigger) {
	r.misfired.Add(1)
	r.log.Infow("trigger misfired", "trigger", t.Key.String(), "next_fire_time", t.NextFireTime)
}

func (r *Runner) NotifySchedulerListenersFinalized(t *types.Trigger) {
	r.finalized.Add(1)
	r.log.Infow("trigger finalized", "trigger", t.Key.String())
}

// SignalSchedulingChange 喚醒 Run Loop；只保留最早的候選時間
func (r *Runner) SignalSchedulingChange(candidate int64) {
	for {
		select {
		case r.signalCh <- candidate:
			return
		case prev := <-r.signalCh:
			if prev == 0 || (candidate != 0 && prev < candidate) {
				candidate = prev
			}
		}
	}
}

// ============================================================================
// 公開方法
// ============================================================================

// GetStatus 取得 Runner 狀態
func (r *Runner) GetStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Status{
		Running:   r.running,
		Workers:   r.pool.GetWorkerCount(),
		Available: r.pool.Available(),
		Fired:     r.fired.Load(),
		Completed: r.completed.Load(),
		Misfired:  r.misfired.Load(),
		Finalized: r.finalized.Load(),
	}
	if r.store != nil {
		s.InstanceID = r.store.InstanceID()
	}
	if r.running {
		s.Uptime = r.clock.Since(r.startTime)
	}
	return s
}

// Stop 優雅關閉 Runner 與任務儲存引擎
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped || !r.running {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	r.running = false
	r.mu.Unlock()

	r.log.Infow("stopping runner")

	// 1. Run Loop 還回手上的觸發器後結束
	close(r.stopCh)
	r.cancel()
	r.runWg.Wait()

	// 2. 等執行中的任務結束
	r.pool.Stop()

	// 3. Result Loop 讀完剩下的結果
	r.resultWg.Wait()
	r.loopWg.Wait()

	var err error
	if r.saver != nil {
		if serr := r.saver.Save(); serr != nil {
			err = multierr.Append(err, errors.Wrap(serr, "final snapshot"))
		}
	}
	if serr := r.store.Shutdown(ctx); serr != nil {
		err = multierr.Append(err, errors.Wrap(serr, "shutdown job store"))
	}
	r.log.Infow("runner stopped")
	return err
}
