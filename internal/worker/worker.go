// ============================================================================
// beaver-sched Worker - 任務執行單元
// ============================================================================
//
// Package: internal/worker
// 文件: worker.go
// 功能: 每個 Worker 是一個獨立 goroutine，從 taskCh 取出觸發包並執行
//
// 執行流程:
//   1. 從 taskCh 接收 Task（阻塞等待）
//   2. 由 Registry 解析 JobClass，建立帶 timeout 的 Context 執行
//   3. 依執行結果算出 CompletedExecutionInstruction
//   4. 把 Result 送到 resultCh，直到 taskCh 關閉
//
// 錯誤處理:
//   - 解析不到 JobClass: SET_ALL_JOB_TRIGGERS_ERROR，避免一直重新觸發
//   - 任務 panic: 視為一般錯誤，worker 繼續服務下一個 Task
//   - 其餘交給 Trigger.ExecutionComplete（JobExecutionError 可要求重跑或取消排程）
//
// ============================================================================

package worker

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// Worker 代表一個執行單元
type Worker struct {
	id       int
	pool     *Pool
	taskCh   <-chan Task
	resultCh chan<- Result
	log      *zap.SugaredLogger
}

func newWorker(id int, p *Pool) *Worker {
	return &Worker{
		id:       id,
		pool:     p,
		taskCh:   p.taskCh,
		resultCh: p.resultCh,
		log:      p.log.With("worker", id),
	}
}

// Run Worker 主循環；taskCh 關閉後結束
func (w *Worker) Run() {
	for task := range w.taskCh {
		result := w.execute(task)
		w.pool.finished()
		// 結果不能丟：丟了觸發器就會永遠停在 EXECUTING
		w.resultCh <- result
	}
}

func (w *Worker) execute(task Task) Result {
	b := task.Bundle
	start := time.Now()
	result := Result{Bundle: b}

	fn, err := w.pool.registry.Resolve(b.Job.JobClass)
	if err != nil {
		w.log.Errorw("cannot resolve job class", "job", b.Job.Key.String(), "error", err)
		result.Error = err
		result.Instruction = types.InstructionSetAllJobTriggersError
		return result
	}

	ctx, cancel := context.Background(), context.CancelFunc(func() {})
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
	}
	err = w.call(ctx, fn, newJobContext(b, w.log))
	cancel()

	result.Error = err
	result.Duration = time.Since(start)
	result.Instruction = b.Trigger.ExecutionComplete(err)
	if err != nil {
		w.log.Warnw("job failed", "job", b.Job.Key.String(), "trigger", b.Trigger.Key.String(),
			"instruction", result.Instruction.String(), "error", err)
	}
	w.pool.observe(result)
	return result
}

func (w *Worker) call(ctx context.Context, fn JobFunc, jc *JobContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("job panicked: %v", r)
		}
	}()
	return fn(ctx, jc)
}
