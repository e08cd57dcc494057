// ============================================================================
// beaver-sched Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理固定數量的 Worker goroutine，並回報還有幾個 Worker 空閒
//
// 架構組件:
//   ┌─────────────┐
//   │   Runner    │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │    Pool     │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 空閒計數:
//   Runner 只取得「空閒 Worker 數」個觸發器，避免觸發器在 ACQUIRED 狀態
//   排隊。inFlight 在 Submit 時加一，Worker 執行完、送出結果前減一，並喚醒
//   BlockForAvailable。
//
// 生命週期:
//   1. NewPool() - 建立 Pool
//   2. Start(n) - 啟動 n 個 Worker
//   3. Submit(task) / ReceiveResult()
//   4. Stop() - 不再接受新 Task，等所有 Worker 做完手上的工作後關閉 resultCh
//
// 關閉順序:
//   Stop 先關 stopCh，讓卡在 Submit 的呼叫者返回 ErrPoolClosed，之後才在寫鎖
//   內關閉 taskCh；Submit 在讀鎖內送出，所以不會送到已關閉的 channel。
//   ReceiveResult 讀到 resultCh 關閉為止，Stop 之前送出的結果都會被讀到。
//
// ============================================================================

package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Observer 接收每次執行的結果（metrics 用）
type Observer interface {
	RecordJobRun(d time.Duration, err error)
	SetBusyWorkers(n int)
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池
type Pool struct {
	registry *Registry
	log      *zap.SugaredLogger
	observer Observer

	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	idleCh   chan struct{} // 有 Worker 空出來時送一個訊號
	wg       sync.WaitGroup

	inFlight atomic.Int32

	mu       sync.RWMutex
	started  bool
	stopped  bool
	stopOnce sync.Once
}

// PoolOption 設定 Pool
type PoolOption func(*Pool)

func WithLogger(l *zap.SugaredLogger) PoolOption {
	return func(p *Pool) { p.log = l }
}

func WithObserver(o Observer) PoolOption {
	return func(p *Pool) { p.observer = o }
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
//
// bufferSize 是任務與結果通道的緩衝大小；registry 為 nil 時使用只含內建
// job class 的註冊表。
func NewPool(bufferSize int, registry *Registry, opts ...PoolOption) *Pool {
	if registry == nil {
		registry = NewRegistry()
	}
	p := &Pool{
		registry: registry,
		log:      zap.NewNop().Sugar(),
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
		idleCh:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("component", "worker_pool")
	return p
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount < 1 {
		return errors.Newf("worker count must be positive, got %d", workerCount)
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	p.log.Infow("worker pool started", "workers", workerCount)
	return nil
}

// Submit 提交任務；所有 Worker 都忙碌且緩衝已滿時會阻塞
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	p.busy(p.inFlight.Add(1))
	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		p.busy(p.inFlight.Add(-1))
		return ErrPoolClosed
	}
}

// ReceiveResult 從結果通道接收執行結果；Stop 後讀完剩餘結果才回傳 ErrPoolClosed
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Available 空閒的 Worker 數
func (p *Pool) Available() int {
	n := p.GetWorkerCount() - int(p.inFlight.Load())
	if n < 0 {
		return 0
	}
	return n
}

// BlockForAvailable 等到至少有一個 Worker 空閒，回傳空閒數
func (p *Pool) BlockForAvailable(ctx context.Context) (int, error) {
	for {
		if n := p.Available(); n > 0 {
			return n, nil
		}
		select {
		case <-p.idleCh:
		case <-p.stopCh:
			return 0, ErrPoolClosed
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (p *Pool) finished() {
	p.busy(p.inFlight.Add(-1))
	select {
	case p.idleCh <- struct{}{}:
	default:
	}
}

func (p *Pool) busy(n int32) {
	if p.observer != nil {
		p.observer.SetBusyWorkers(int(n))
	}
}

func (p *Pool) observe(r Result) {
	if p.observer != nil {
		p.observer.RecordJobRun(r.Duration, r.Error)
	}
}

// Stop 優雅地關閉 Worker Pool
//
// 呼叫者必須持續呼叫 ReceiveResult 直到回傳 ErrPoolClosed，否則結果緩衝
// 滿了之後 Worker 會卡住。
func (p *Pool) Stop() {
	p.mu.RLock()
	started := p.started
	p.mu.RUnlock()
	if !started {
		return
	}

	p.stopOnce.Do(func() {
		close(p.stopCh)

		p.mu.Lock()
		p.stopped = true
		close(p.taskCh)
		p.mu.Unlock()

		p.wg.Wait()
		close(p.resultCh)
		p.log.Infow("worker pool stopped")
	})
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}
