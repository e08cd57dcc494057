package types

import (
	"encoding/json"
	"reflect"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// Calendar 排除時間集合，觸發器計算下一次觸發時間時會參考它
type Calendar interface {
	// IsTimeIncluded reports whether ms (Unix millis) may be used as a fire time.
	IsTimeIncluded(ms int64) bool
	// NextIncludedTime returns the first included time strictly after ms.
	NextIncludedTime(ms int64) int64
}

// ErrUnknownCalendarType 日曆型別未註冊
var ErrUnknownCalendarType = errors.New("unknown calendar type")

var (
	calendarMu    sync.RWMutex
	calendarNew   = map[string]func() Calendar{}
	calendarNames = map[reflect.Type]string{}
)

// RegisterCalendarType makes a calendar implementation storable by durable
// backends. The factory must return a pointer that json can decode into.
func RegisterCalendarType(name string, factory func() Calendar) {
	calendarMu.Lock()
	defer calendarMu.Unlock()
	calendarNew[name] = factory
	calendarNames[reflect.TypeOf(factory())] = name
}

type calendarEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalCalendar encodes a registered calendar as an opaque blob.
func MarshalCalendar(cal Calendar) ([]byte, error) {
	calendarMu.RLock()
	name, ok := calendarNames[reflect.TypeOf(cal)]
	calendarMu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownCalendarType, "%T", cal)
	}
	data, err := json.Marshal(cal)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal calendar %s", name)
	}
	return json.Marshal(calendarEnvelope{Type: name, Data: data})
}

// UnmarshalCalendar decodes a blob produced by MarshalCalendar.
func UnmarshalCalendar(blob []byte) (Calendar, error) {
	var env calendarEnvelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, errors.Wrap(err, "decode calendar envelope")
	}
	calendarMu.RLock()
	factory, ok := calendarNew[env.Type]
	calendarMu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownCalendarType, "%q", env.Type)
	}
	cal := factory()
	if err := json.Unmarshal(env.Data, cal); err != nil {
		return nil, errors.Wrapf(err, "decode calendar %s", env.Type)
	}
	return cal, nil
}

// TimeRange 半開區間 [Start, End)，Unix 毫秒
type TimeRange struct {
	Start int64 `json:"start" yaml:"start"`
	End   int64 `json:"end" yaml:"end"`
}

// RangeCalendar 排除一組時間區間的日曆（例如維護時段）
type RangeCalendar struct {
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Excluded    []TimeRange `json:"excluded" yaml:"excluded"`
}

func init() {
	RegisterCalendarType("range", func() Calendar { return &RangeCalendar{} })
}

// NewRangeCalendar builds a calendar excluding the given ranges.
func NewRangeCalendar(ranges ...TimeRange) *RangeCalendar {
	c := &RangeCalendar{Excluded: append([]TimeRange(nil), ranges...)}
	sort.Slice(c.Excluded, func(i, j int) bool { return c.Excluded[i].Start < c.Excluded[j].Start })
	return c
}

func (c *RangeCalendar) IsTimeIncluded(ms int64) bool {
	for _, r := range c.Excluded {
		if ms >= r.Start && ms < r.End {
			return false
		}
	}
	return true
}

func (c *RangeCalendar) NextIncludedTime(ms int64) int64 {
	next := ms + 1
	for {
		moved := false
		for _, r := range c.Excluded {
			if next >= r.Start && next < r.End {
				next = r.End
				moved = true
			}
		}
		if !moved {
			return next
		}
	}
}
