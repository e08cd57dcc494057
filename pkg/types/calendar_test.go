package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type unregisteredCalendar struct{}

func (unregisteredCalendar) IsTimeIncluded(int64) bool     { return true }
func (unregisteredCalendar) NextIncludedTime(ms int64) int64 { return ms + 1 }

func TestRangeCalendar(t *testing.T) {
	cal := NewRangeCalendar(
		TimeRange{Start: 300, End: 400},
		TimeRange{Start: 100, End: 200},
		TimeRange{Start: 200, End: 250},
	)

	assert.True(t, cal.IsTimeIncluded(99))
	assert.False(t, cal.IsTimeIncluded(100))
	assert.False(t, cal.IsTimeIncluded(249))
	assert.True(t, cal.IsTimeIncluded(250))
	assert.False(t, cal.IsTimeIncluded(399))

	assert.Equal(t, int64(250), cal.NextIncludedTime(99))
	assert.Equal(t, int64(251), cal.NextIncludedTime(250))
	assert.Equal(t, int64(400), cal.NextIncludedTime(299))
}

func TestCalendarCodecRoundTrip(t *testing.T) {
	cal := NewRangeCalendar(TimeRange{Start: 10, End: 20})
	cal.Description = "maintenance"

	blob, err := MarshalCalendar(cal)
	require.NoError(t, err)

	decoded, err := UnmarshalCalendar(blob)
	require.NoError(t, err)
	assert.Equal(t, cal, decoded)
}

func TestCalendarCodecRejectsUnknownTypes(t *testing.T) {
	_, err := MarshalCalendar(unregisteredCalendar{})
	assert.ErrorIs(t, err, ErrUnknownCalendarType)

	_, err = UnmarshalCalendar([]byte(`{"type":"nope","data":{}}`))
	assert.ErrorIs(t, err, ErrUnknownCalendarType)

	_, err = UnmarshalCalendar([]byte(`not json`))
	assert.Error(t, err)
}

func TestGroupMatcher(t *testing.T) {
	tests := []struct {
		matcher GroupMatcher
		group   string
		want    bool
		pattern string
	}{
		{GroupEquals("reports"), "reports", true, "reports"},
		{GroupEquals("reports"), "reports-daily", false, "reports"},
		{GroupStartsWith("rep"), "reports", true, "rep%"},
		{GroupEndsWith("_daily"), "reports_daily", true, `%\_daily`},
		{GroupContains("100%"), "at-100%-load", true, `%100\%%`},
		{AnyGroup(), "whatever", true, "%"},
		{GroupMatcher{Operator: "BOGUS"}, "x", false, "%"},
	}

	for _, tt := range tests {
		t.Run(string(tt.matcher.Operator)+"/"+tt.group, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.matcher.Matches(tt.group))
			assert.Equal(t, tt.pattern, tt.matcher.SQLPattern())
		})
	}
}

func TestKeysAndJobData(t *testing.T) {
	k := NewJobKey("send", "")
	assert.Equal(t, "DEFAULT.send", k.String())
	assert.Negative(t, Key{Name: "b", Group: "a"}.Compare(Key{Name: "a", Group: "b"}))
	assert.Zero(t, Key(k).Compare(Key(NewJobKey("send", DefaultGroup))))

	data := JobDataMap{"count": 3, "name": "x"}
	assert.Equal(t, "3", data.GetString("count"))
	assert.Equal(t, "x", data.GetString("name"))
	assert.Equal(t, "", data.GetString("missing"))

	job := &JobDetail{Key: JobKey{Name: "j"}, JobClass: "noop", JobData: data}
	require.NoError(t, job.Validate())
	assert.Equal(t, DefaultGroup, job.Key.Group)

	clone := job.Clone()
	clone.JobData["name"] = "y"
	assert.Equal(t, "x", job.JobData["name"])

	assert.Error(t, (&JobDetail{Key: JobKey{Name: "j"}}).Validate())
}
