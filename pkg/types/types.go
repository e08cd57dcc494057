// Package types 定義了 beaver-sched 系統中使用的核心領域模型
package types

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// DefaultGroup 未指定群組時使用的群組名稱
const DefaultGroup = "DEFAULT"

// Key 識別一個任務或觸發器：(name, group) 在同類實體中全域唯一
type Key struct {
	Name  string `json:"name" yaml:"name"`
	Group string `json:"group" yaml:"group"`
}

// NewKey 建立 Key，group 為空時使用 DefaultGroup
func NewKey(name, group string) Key {
	if group == "" {
		group = DefaultGroup
	}
	return Key{Name: name, Group: group}
}

func (k Key) String() string {
	return k.Group + "." + k.Name
}

// Compare orders keys by group, then name.
func (k Key) Compare(o Key) int {
	if c := strings.Compare(k.Group, o.Group); c != 0 {
		return c
	}
	return strings.Compare(k.Name, o.Name)
}

// JobKey 任務唯一識別碼
type JobKey Key

// TriggerKey 觸發器唯一識別碼
type TriggerKey Key

// NewJobKey 建立任務識別碼
func NewJobKey(name, group string) JobKey { return JobKey(NewKey(name, group)) }

// NewTriggerKey 建立觸發器識別碼
func NewTriggerKey(name, group string) TriggerKey { return TriggerKey(NewKey(name, group)) }

func (k JobKey) String() string     { return Key(k).String() }
func (k TriggerKey) String() string { return Key(k).String() }

// JobDataMap 任務執行所需的資料載荷
type JobDataMap map[string]any

// Clone returns a deep copy of nested maps and slices; scalars are shared.
func (m JobDataMap) Clone() JobDataMap {
	if m == nil {
		return nil
	}
	out := make(JobDataMap, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(JobDataMap(t).Clone())
	case JobDataMap:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

// GetString returns the value under key formatted as a string, "" if absent.
func (m JobDataMap) GetString(key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// ErrInvalidJob 任務欄位不合法
var ErrInvalidJob = errors.New("invalid job")

// JobDetail 任務結構，代表系統中的一個工作單元
//
// JobClass 對 store 而言是不透明的，由執行端解析成實際的程式碼。
type JobDetail struct {
	Key         JobKey `json:"key" yaml:"key"`
	JobClass    string `json:"job_class" yaml:"job_class"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	Durable                      bool `json:"durable" yaml:"durable"`                                                 // 沒有觸發器時仍保留
	RequestsRecovery             bool `json:"requests_recovery" yaml:"requests_recovery"`                             // 節點崩潰後重新執行
	DisallowConcurrentExecution  bool `json:"disallow_concurrent_execution" yaml:"disallow_concurrent_execution"`     // 不可重入
	PersistJobDataAfterExecution bool `json:"persist_job_data_after_execution" yaml:"persist_job_data_after_execution"` // 執行後回寫資料

	JobData JobDataMap `json:"job_data,omitempty" yaml:"job_data,omitempty"`
}

// Clone 深拷貝任務
func (j *JobDetail) Clone() *JobDetail {
	if j == nil {
		return nil
	}
	c := *j
	c.JobData = j.JobData.Clone()
	return &c
}

// Validate checks the fields a store relies on.
func (j *JobDetail) Validate() error {
	if j == nil {
		return errors.Wrap(ErrInvalidJob, "job is nil")
	}
	if j.Key.Name == "" {
		return errors.Wrap(ErrInvalidJob, "job name cannot be empty")
	}
	if j.Key.Group == "" {
		j.Key.Group = DefaultGroup
	}
	if j.JobClass == "" {
		return errors.Wrapf(ErrInvalidJob, "job %s: job class cannot be empty", j.Key)
	}
	return nil
}

// SchedulerStateRecord 叢集節點的心跳紀錄
type SchedulerStateRecord struct {
	InstanceID      string `json:"instance_id"`
	LastCheckin     int64  `json:"last_checkin"`     // Unix 毫秒
	CheckinInterval int64  `json:"checkin_interval"` // 毫秒
}
