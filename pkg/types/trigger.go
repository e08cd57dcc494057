package types

import (
	"time"

	"github.com/cockroachdb/errors"
)

// DefaultPriority 觸發器的預設優先級；數值越大越先觸發
const DefaultPriority = 5

// RepeatIndefinitely 表示觸發器無限重複
const RepeatIndefinitely = -1

// MisfireInstruction 錯過觸發時的處置策略
type MisfireInstruction int

const (
	MisfireIgnore                           MisfireInstruction = -1
	MisfireSmartPolicy                      MisfireInstruction = 0
	MisfireFireNow                          MisfireInstruction = 1
	MisfireRescheduleNowWithExistingCount   MisfireInstruction = 2
	MisfireRescheduleNowWithRemainingCount  MisfireInstruction = 3
	MisfireRescheduleNextWithRemainingCount MisfireInstruction = 4
	MisfireRescheduleNextWithExistingCount  MisfireInstruction = 5
)

// giveUpAt bounds calendar skipping so a calendar that excludes everything
// cannot loop forever.
var giveUpAt = time.Date(2299, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// ErrInvalidTrigger 觸發器欄位不合法
var ErrInvalidTrigger = errors.New("invalid trigger")

// Trigger 觸發器：綁定到一個任務的固定間隔排程
//
// 所有時間都是 Unix 毫秒，0 代表「無」。NextFireTime 由觸發器自己在
// 每次觸發與每次 misfire 處理後重新計算。
type Trigger struct {
	Key          TriggerKey `json:"key" yaml:"key"`
	JobKey       JobKey     `json:"job_key" yaml:"job_key"`
	Description  string     `json:"description,omitempty" yaml:"description,omitempty"`
	CalendarName string     `json:"calendar_name,omitempty" yaml:"calendar_name,omitempty"`
	Priority     int        `json:"priority" yaml:"priority"`

	StartTime        int64 `json:"start_time" yaml:"start_time"`
	EndTime          int64 `json:"end_time,omitempty" yaml:"end_time,omitempty"`
	NextFireTime     int64 `json:"next_fire_time,omitempty" yaml:"-"`
	PreviousFireTime int64 `json:"previous_fire_time,omitempty" yaml:"-"`

	RepeatInterval int64 `json:"repeat_interval" yaml:"repeat_interval"` // 毫秒
	RepeatCount    int   `json:"repeat_count" yaml:"repeat_count"`
	TimesTriggered int   `json:"times_triggered" yaml:"-"`

	MisfireInstruction MisfireInstruction `json:"misfire_instruction" yaml:"misfire_instruction"`

	// 只在 ACQUIRED / EXECUTING 期間有值
	FireInstanceID string `json:"fire_instance_id,omitempty" yaml:"-"`

	JobData JobDataMap `json:"job_data,omitempty" yaml:"job_data,omitempty"`
}

// NewTrigger 建立一個觸發器，只觸發一次；需要重複時再設定 RepeatInterval/RepeatCount
func NewTrigger(key TriggerKey, jobKey JobKey, startTime int64) *Trigger {
	return &Trigger{
		Key:       key,
		JobKey:    jobKey,
		Priority:  DefaultPriority,
		StartTime: startTime,
	}
}

// Clone 深拷貝觸發器
func (t *Trigger) Clone() *Trigger {
	if t == nil {
		return nil
	}
	c := *t
	c.JobData = t.JobData.Clone()
	return &c
}

// Validate checks the schedule is internally consistent.
func (t *Trigger) Validate() error {
	if t == nil {
		return errors.Wrap(ErrInvalidTrigger, "trigger is nil")
	}
	if t.Key.Name == "" {
		return errors.Wrap(ErrInvalidTrigger, "trigger name cannot be empty")
	}
	if t.Key.Group == "" {
		t.Key.Group = DefaultGroup
	}
	if t.JobKey.Name == "" {
		return errors.Wrapf(ErrInvalidTrigger, "trigger %s: job name cannot be empty", t.Key)
	}
	if t.JobKey.Group == "" {
		t.JobKey.Group = DefaultGroup
	}
	if t.StartTime <= 0 {
		return errors.Wrapf(ErrInvalidTrigger, "trigger %s: start time must be set", t.Key)
	}
	if t.EndTime != 0 && t.EndTime < t.StartTime {
		return errors.Wrapf(ErrInvalidTrigger, "trigger %s: end time before start time", t.Key)
	}
	if t.RepeatCount < RepeatIndefinitely {
		return errors.Wrapf(ErrInvalidTrigger, "trigger %s: repeat count must be >= 0 or -1", t.Key)
	}
	if t.RepeatCount != 0 && t.RepeatInterval < 1 {
		return errors.Wrapf(ErrInvalidTrigger, "trigger %s: repeat interval must be >= 1 when repeating", t.Key)
	}
	if t.MisfireInstruction < MisfireIgnore || t.MisfireInstruction > MisfireRescheduleNextWithExistingCount {
		return errors.Wrapf(ErrInvalidTrigger, "trigger %s: unknown misfire instruction %d", t.Key, t.MisfireInstruction)
	}
	return nil
}

func (t *Trigger) exhausted() bool {
	return t.RepeatCount != RepeatIndefinitely && t.TimesTriggered > t.RepeatCount
}

// FireTimeAfter returns the first scheduled time strictly after the given
// time, ignoring calendars. 0 means the schedule has no such time.
func (t *Trigger) FireTimeAfter(after int64) int64 {
	if t.exhausted() {
		return 0
	}
	if t.RepeatCount == 0 && after >= t.StartTime {
		return 0
	}
	if t.EndTime != 0 && t.EndTime <= after {
		return 0
	}
	if after < t.StartTime {
		return t.StartTime
	}

	n := (after-t.StartTime)/t.RepeatInterval + 1
	if t.RepeatCount != RepeatIndefinitely && n > int64(t.RepeatCount) {
		return 0
	}
	next := t.StartTime + n*t.RepeatInterval
	if t.EndTime != 0 && t.EndTime <= next {
		return 0
	}
	return next
}

// skipExcluded advances from fire past times the calendar excludes.
func (t *Trigger) skipExcluded(fire int64, cal Calendar) int64 {
	for fire != 0 && cal != nil && !cal.IsTimeIncluded(fire) {
		fire = t.FireTimeAfter(fire)
		if fire == 0 || fire > giveUpAt {
			return 0
		}
	}
	return fire
}

// ComputeFirstFireTime sets and returns the first fire time at or after the
// start time that the calendar allows.
func (t *Trigger) ComputeFirstFireTime(cal Calendar) int64 {
	t.NextFireTime = t.skipExcluded(t.StartTime, cal)
	return t.NextFireTime
}

// Triggered advances the schedule after a firing.
func (t *Trigger) Triggered(cal Calendar) {
	t.TimesTriggered++
	t.PreviousFireTime = t.NextFireTime
	t.NextFireTime = t.skipExcluded(t.FireTimeAfter(t.NextFireTime), cal)
}

// MayFireAgain 是否還有下一次觸發時間
func (t *Trigger) MayFireAgain() bool {
	return t.NextFireTime != 0
}

// EffectiveMisfireInstruction resolves the smart policy against the schedule.
func (t *Trigger) EffectiveMisfireInstruction() MisfireInstruction {
	instr := t.MisfireInstruction
	switch {
	case instr == MisfireSmartPolicy:
		switch t.RepeatCount {
		case 0:
			return MisfireFireNow
		case RepeatIndefinitely:
			return MisfireRescheduleNextWithRemainingCount
		default:
			return MisfireRescheduleNowWithExistingCount
		}
	case instr == MisfireFireNow && t.RepeatCount != 0:
		return MisfireRescheduleNowWithRemainingCount
	}
	return instr
}

func (t *Trigger) timesFiredBetween(start, end int64) int {
	if t.RepeatInterval < 1 {
		return 0
	}
	return int((end - start) / t.RepeatInterval)
}

// UpdateAfterMisfire applies the misfire instruction as of now.
func (t *Trigger) UpdateAfterMisfire(cal Calendar, now int64) {
	instr := t.EffectiveMisfireInstruction()

	switch instr {
	case MisfireIgnore:
		return

	case MisfireFireNow:
		t.NextFireTime = now

	case MisfireRescheduleNextWithExistingCount:
		t.NextFireTime = t.skipExcluded(t.FireTimeAfter(now), cal)

	case MisfireRescheduleNextWithRemainingCount:
		next := t.skipExcluded(t.FireTimeAfter(now), cal)
		if next != 0 {
			t.TimesTriggered += t.timesFiredBetween(t.NextFireTime, next)
		}
		t.NextFireTime = next

	case MisfireRescheduleNowWithExistingCount:
		if t.RepeatCount != 0 && t.RepeatCount != RepeatIndefinitely {
			t.RepeatCount -= t.TimesTriggered
			t.TimesTriggered = 0
		}
		t.rescheduleAt(now)

	case MisfireRescheduleNowWithRemainingCount:
		missed := t.timesFiredBetween(t.NextFireTime, now)
		if t.RepeatCount != 0 && t.RepeatCount != RepeatIndefinitely {
			remaining := t.RepeatCount - (t.TimesTriggered + missed)
			if remaining < 0 {
				remaining = 0
			}
			t.RepeatCount = remaining
			t.TimesTriggered = 0
		}
		t.rescheduleAt(now)
	}
}

func (t *Trigger) rescheduleAt(now int64) {
	if t.EndTime != 0 && t.EndTime < now {
		t.NextFireTime = 0
		return
	}
	t.StartTime = now
	t.NextFireTime = now
}

// UpdateWithNewCalendar recomputes the next fire time after the trigger's
// calendar was replaced. Times already past by more than threshold are
// skipped forward.
func (t *Trigger) UpdateWithNewCalendar(cal Calendar, now, misfireThreshold int64) {
	t.NextFireTime = t.FireTimeAfter(t.PreviousFireTime)
	if t.NextFireTime == 0 || cal == nil {
		return
	}
	for t.NextFireTime != 0 && !cal.IsTimeIncluded(t.NextFireTime) {
		t.NextFireTime = t.FireTimeAfter(t.NextFireTime)
		if t.NextFireTime == 0 || t.NextFireTime > giveUpAt {
			t.NextFireTime = 0
			return
		}
		if t.NextFireTime < now && now-t.NextFireTime >= misfireThreshold {
			t.NextFireTime = t.FireTimeAfter(t.NextFireTime)
		}
	}
}

// ExecutionOutcome is implemented by job errors that ask the scheduler to
// do something specific with the firing trigger.
type ExecutionOutcome interface {
	RefireImmediately() bool
	UnscheduleFiringTrigger() bool
	UnscheduleAllTriggers() bool
}

// ExecutionComplete 根據任務執行結果決定觸發器的後續處置
func (t *Trigger) ExecutionComplete(err error) CompletedExecutionInstruction {
	var outcome ExecutionOutcome
	if err != nil && errors.As(err, &outcome) {
		switch {
		case outcome.RefireImmediately():
			return InstructionReExecuteJob
		case outcome.UnscheduleFiringTrigger():
			return InstructionSetTriggerComplete
		case outcome.UnscheduleAllTriggers():
			return InstructionSetAllJobTriggersComplete
		}
	}
	if !t.MayFireAgain() {
		return InstructionDeleteTrigger
	}
	return InstructionNoop
}
