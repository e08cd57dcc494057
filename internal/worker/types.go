package worker

import (
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// Task 代表一次要執行的觸發
type Task struct {
	Bundle  *types.TriggerFiredBundle // TriggersFired 回傳的觸發包
	Timeout time.Duration             // 執行超時時間；0 代表不限
}

// Result 代表一次執行的結果
type Result struct {
	Bundle      *types.TriggerFiredBundle
	Instruction types.CompletedExecutionInstruction // 交給 TriggeredJobComplete 的指令
	Error       error                               // 任務函式的錯誤（如果有）
	Duration    time.Duration                       // 實際執行時間
}

// Success 任務是否正常結束
func (r Result) Success() bool { return r.Error == nil }

// JobContext 任務函式可見的執行資訊
type JobContext struct {
	Job        *types.JobDetail
	Trigger    *types.Trigger
	Recovering bool

	FireTime          time.Time
	ScheduledFireTime time.Time
	PrevFireTime      time.Time // zero 代表第一次觸發
	NextFireTime      time.Time // zero 代表不會再觸發

	// MergedData 是任務資料再疊上觸發器資料；修改 Job.JobData 才會在
	// PersistJobDataAfterExecution 時被保存
	MergedData types.JobDataMap

	Log *zap.SugaredLogger
}

func msTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func newJobContext(b *types.TriggerFiredBundle, log *zap.SugaredLogger) *JobContext {
	merged := b.Job.JobData.Clone()
	if merged == nil {
		merged = types.JobDataMap{}
	}
	for k, v := range b.Trigger.JobData {
		merged[k] = v
	}
	if b.Job.JobData == nil {
		b.Job.JobData = types.JobDataMap{}
	}
	return &JobContext{
		Job:               b.Job,
		Trigger:           b.Trigger,
		Recovering:        b.Recovering,
		FireTime:          msTime(b.FireTime),
		ScheduledFireTime: msTime(b.ScheduledFireTime),
		PrevFireTime:      msTime(b.PrevFireTime),
		NextFireTime:      msTime(b.NextFireTime),
		MergedData:        merged,
		Log:               log.With("job", b.Job.Key.String(), "trigger", b.Trigger.Key.String()),
	}
}
