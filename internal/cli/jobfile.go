package cli

import (
	"bytes"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// ============================================================================
// 任務定義檔（schedule 指令）
// ============================================================================
//
//	calendars:
//	  - name: maintenance
//	    exclude:
//	      - {start: 2026-03-01T02:00:00Z, end: 2026-03-01T04:00:00Z}
//	jobs:
//	  - name: nightly-report
//	    group: reports
//	    class: echo
//	    durable: true
//	    data: {message: hello}
//	    triggers:
//	      - name: every-minute
//	        interval: 1m          # 省略 repeat 表示無限重複
//	        delay: 10s            # 或 start: 2026-03-01T09:00:00Z
//	        misfire: reschedule_next_remaining
//	        calendar: maintenance

type jobFile struct {
	Calendars []calendarDef `yaml:"calendars"`
	Jobs      []jobDef      `yaml:"jobs"`
}

type calendarDef struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Exclude     []rangeDef `yaml:"exclude"`
}

type rangeDef struct {
	Start time.Time `yaml:"start"`
	End   time.Time `yaml:"end"`
}

type jobDef struct {
	Name               string         `yaml:"name"`
	Group              string         `yaml:"group"`
	Class              string         `yaml:"class"`
	Description        string         `yaml:"description"`
	Durable            bool           `yaml:"durable"`
	RequestsRecovery   bool           `yaml:"requests_recovery"`
	DisallowConcurrent bool           `yaml:"disallow_concurrent"`
	PersistData        bool           `yaml:"persist_data"`
	Data               map[string]any `yaml:"data"`
	Triggers           []triggerDef   `yaml:"triggers"`
}

type triggerDef struct {
	Name        string         `yaml:"name"`
	Group       string         `yaml:"group"`
	Description string         `yaml:"description"`
	Start       time.Time      `yaml:"start"`
	Delay       time.Duration  `yaml:"delay"`
	End         time.Time      `yaml:"end"`
	Interval    time.Duration  `yaml:"interval"`
	Repeat      *int           `yaml:"repeat"`
	Priority    *int           `yaml:"priority"`
	Misfire     string         `yaml:"misfire"`
	Calendar    string         `yaml:"calendar"`
	Data        map[string]any `yaml:"data"`
}

// namedCalendar 定義檔中的日曆
type namedCalendar struct {
	Name     string
	Calendar types.Calendar
}

// schedulePlan 一個定義檔展開後的內容；Triggers[i] 屬於 Jobs 中 JobKey 相同的任務
type schedulePlan struct {
	Calendars []namedCalendar
	Jobs      []*types.JobDetail
	Triggers  []*types.Trigger
}

var misfireNames = map[string]types.MisfireInstruction{
	"":                          types.MisfireSmartPolicy,
	"smart":                     types.MisfireSmartPolicy,
	"ignore":                    types.MisfireIgnore,
	"fire_now":                  types.MisfireFireNow,
	"reschedule_now_existing":   types.MisfireRescheduleNowWithExistingCount,
	"reschedule_now_remaining":  types.MisfireRescheduleNowWithRemainingCount,
	"reschedule_next_remaining": types.MisfireRescheduleNextWithRemainingCount,
	"reschedule_next_existing":  types.MisfireRescheduleNextWithExistingCount,
}

func readJobFile(path string) (*jobFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read job file")
	}
	return parseJobFile(data)
}

// parseJobFile 解析定義檔；未知欄位視為錯誤
func parseJobFile(data []byte) (*jobFile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f jobFile
	if err := dec.Decode(&f); err != nil {
		return nil, errors.Wrap(err, "parse job file")
	}
	return &f, nil
}

// plan 以 now 為基準展開成任務、觸發器與日曆
func (f *jobFile) plan(now time.Time) (*schedulePlan, error) {
	p := &schedulePlan{}

	for _, c := range f.Calendars {
		if c.Name == "" {
			return nil, errors.New("calendar name is required")
		}
		ranges := make([]types.TimeRange, 0, len(c.Exclude))
		for _, r := range c.Exclude {
			if !r.End.After(r.Start) {
				return nil, errors.Newf("calendar %s: range end must be after start", c.Name)
			}
			ranges = append(ranges, types.TimeRange{Start: r.Start.UnixMilli(), End: r.End.UnixMilli()})
		}
		cal := types.NewRangeCalendar(ranges...)
		cal.Description = c.Description
		p.Calendars = append(p.Calendars, namedCalendar{Name: c.Name, Calendar: cal})
	}

	for _, j := range f.Jobs {
		job := &types.JobDetail{
			Key:                          types.NewJobKey(j.Name, j.Group),
			JobClass:                     j.Class,
			Description:                  j.Description,
			Durable:                      j.Durable,
			RequestsRecovery:             j.RequestsRecovery,
			DisallowConcurrentExecution:  j.DisallowConcurrent,
			PersistJobDataAfterExecution: j.PersistData,
			JobData:                      types.JobDataMap(j.Data),
		}
		if err := job.Validate(); err != nil {
			return nil, err
		}
		if !job.Durable && len(j.Triggers) == 0 {
			return nil, errors.Newf("job %s: a non-durable job needs at least one trigger", job.Key)
		}
		p.Jobs = append(p.Jobs, job)

		for _, td := range j.Triggers {
			t, err := td.build(job.Key, now)
			if err != nil {
				return nil, err
			}
			p.Triggers = append(p.Triggers, t)
		}
	}
	return p, nil
}

func (td triggerDef) build(jobKey types.JobKey, now time.Time) (*types.Trigger, error) {
	name := td.Name
	if name == "" {
		name = jobKey.Name
	}
	group := td.Group
	if group == "" {
		group = jobKey.Group
	}

	start := now.Add(td.Delay)
	if !td.Start.IsZero() {
		start = td.Start
	}
	t := types.NewTrigger(types.NewTriggerKey(name, group), jobKey, start.UnixMilli())
	t.Description = td.Description
	t.CalendarName = td.Calendar
	t.JobData = types.JobDataMap(td.Data)
	if !td.End.IsZero() {
		t.EndTime = td.End.UnixMilli()
	}
	if td.Priority != nil {
		t.Priority = *td.Priority
	}
	if td.Interval > 0 {
		t.RepeatInterval = td.Interval.Milliseconds()
		t.RepeatCount = types.RepeatIndefinitely
	}
	if td.Repeat != nil {
		t.RepeatCount = *td.Repeat
	}

	instr, ok := misfireNames[strings.ToLower(td.Misfire)]
	if !ok {
		return nil, errors.Newf("trigger %s: unknown misfire policy %q", t.Key, td.Misfire)
	}
	t.MisfireInstruction = instr

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}
