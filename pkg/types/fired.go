package types

// Well-known names shared by every store.
const (
	// AllGroupsPaused is stored in the paused-trigger-group set while
	// PauseAll is in effect so that newly stored triggers start paused.
	AllGroupsPaused = "_$_ALL_GROUPS_PAUSED_$_"

	// RecoveringJobsGroup holds the one-shot triggers created for jobs that
	// were executing on a failed node and request recovery.
	RecoveringJobsGroup = "RECOVERING_JOBS"

	FailedJobOrigTriggerName          = "QRTZ_FAILED_JOB_ORIG_TRIGGER_NAME"
	FailedJobOrigTriggerGroup         = "QRTZ_FAILED_JOB_ORIG_TRIGGER_GROUP"
	FailedJobOrigTriggerFireTime      = "QRTZ_FAILED_JOB_ORIG_TRIGGER_FIRETIME_IN_MILLISECONDS_AS_STRING"
	FailedJobOrigTriggerScheduledTime = "QRTZ_FAILED_JOB_ORIG_TRIGGER_SCHEDULED_FIRETIME_IN_MILLISECONDS_AS_STRING"
)

// FiredTriggerRecord 進行中的觸發紀錄，每個 ACQUIRED / EXECUTING 觸發器一筆
type FiredTriggerRecord struct {
	FireInstanceID   string       `json:"fire_instance_id"`
	TriggerKey       TriggerKey   `json:"trigger_key"`
	JobKey           JobKey       `json:"job_key"`
	InstanceID       string       `json:"instance_id"` // 擁有此紀錄的節點
	FiredTime        int64        `json:"fired_time"`
	ScheduledTime    int64        `json:"scheduled_time"`
	Priority         int          `json:"priority"`
	State            TriggerState `json:"state"`
	NonConcurrent    bool         `json:"non_concurrent"`
	RequestsRecovery bool         `json:"requests_recovery"`
}

// TriggerFiredBundle 交給執行端的觸發包
type TriggerFiredBundle struct {
	Job               *JobDetail
	Trigger           *Trigger
	Calendar          Calendar
	Recovering        bool
	FireTime          int64
	ScheduledFireTime int64
	PrevFireTime      int64
	NextFireTime      int64
}

// FireResult wraps the bundle for one fired trigger. A nil Bundle means the
// trigger must not run.
type FireResult struct {
	Bundle *TriggerFiredBundle
}
