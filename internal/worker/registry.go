package worker

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// ============================================================================
// Job class 註冊表
// ============================================================================

// ErrUnknownJobClass 找不到 job class 對應的函式
var ErrUnknownJobClass = errors.New("unknown job class")

// JobFunc 任務的實際程式碼
//
// 回傳 *JobExecutionError 可以要求排程器立即重跑或取消排程。
type JobFunc func(ctx context.Context, jc *JobContext) error

// JobExecutionError 任務失敗並附帶對觸發器的處置要求
type JobExecutionError struct {
	Err               error
	Refire            bool // 立即重跑
	UnscheduleTrigger bool // 觸發器改為 COMPLETE
	UnscheduleAll     bool // 任務的所有觸發器改為 COMPLETE
}

func (e *JobExecutionError) Error() string {
	if e.Err == nil {
		return "job execution failed"
	}
	return e.Err.Error()
}

func (e *JobExecutionError) Unwrap() error { return e.Err }

func (e *JobExecutionError) RefireImmediately() bool       { return e.Refire }
func (e *JobExecutionError) UnscheduleFiringTrigger() bool { return e.UnscheduleTrigger }
func (e *JobExecutionError) UnscheduleAllTriggers() bool   { return e.UnscheduleAll }

// Registry 把 JobDetail.JobClass 解析成 JobFunc
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]JobFunc
}

// NewRegistry 建立註冊表，已包含內建的 job class
func NewRegistry() *Registry {
	r := &Registry{funcs: make(map[string]JobFunc)}
	r.Register("echo", echoJob)
	r.Register("sleep", sleepJob)
	r.Register("fail", failJob)
	return r
}

// Register 註冊（或覆蓋）一個 job class
func (r *Registry) Register(class string, fn JobFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[class] = fn
}

// Resolve 取得 job class 的函式
func (r *Registry) Resolve(class string) (JobFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[class]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownJobClass, "%q", class)
	}
	return fn, nil
}

// Classes 已註冊的 job class，依名稱排序
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.funcs))
	for c := range r.funcs {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// ============================================================================
// 內建 job class
// ============================================================================

// echoJob 記錄 message 並累加 runs
func echoJob(_ context.Context, jc *JobContext) error {
	runs, _ := strconv.Atoi(jc.Job.JobData.GetString("runs"))
	jc.Job.JobData["runs"] = strconv.Itoa(runs + 1)
	jc.Log.Infow("echo", "message", jc.MergedData.GetString("message"),
		"scheduled", jc.ScheduledFireTime, "recovering", jc.Recovering)
	return nil
}

// sleepJob 睡 duration（Go duration 字串，預設 1s），可被 timeout 中斷
func sleepJob(ctx context.Context, jc *JobContext) error {
	d := time.Second
	if s := jc.MergedData.GetString("duration"); s != "" {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return &JobExecutionError{Err: errors.Wrap(err, "parse duration"), UnscheduleAll: true}
		}
		d = parsed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// failJob 一定失敗；refire / unschedule / unschedule_all 設為 "true" 時附帶處置要求
func failJob(_ context.Context, jc *JobContext) error {
	return &JobExecutionError{
		Err:               errors.Newf("job %s failed on purpose", jc.Job.Key),
		Refire:            jc.MergedData.GetString("refire") == "true",
		UnscheduleTrigger: jc.MergedData.GetString("unschedule") == "true",
		UnscheduleAll:     jc.MergedData.GetString("unschedule_all") == "true",
	}
}
