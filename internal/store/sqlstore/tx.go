package sqlstore

import (
	"context"
	"database/sql"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/ChuLiYu/beaver-sched/internal/jobstore"
	"github.com/ChuLiYu/beaver-sched/internal/lock"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

var _ jobstore.Tx = (*tx)(nil)

type tx struct {
	tx       *sql.Tx
	sched    string
	readOnly bool
}

type scanner interface {
	Scan(dest ...any) error
}

func (x *tx) Querier() lock.Querier { return x.tx }

func (x *tx) Commit() error {
	return errors.Wrap(x.tx.Commit(), "commit")
}

func (x *tx) Rollback() error {
	err := x.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return errors.Wrap(err, "rollback")
}

func (x *tx) exec(ctx context.Context, query string, args ...any) (int64, error) {
	if x.readOnly {
		return 0, ErrReadOnly
	}
	res, err := x.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrapf(err, "exec %s", firstWords(query))
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "rows affected")
}

func (x *tx) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := x.tx.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errors.Wrapf(err, "query %s", firstWords(query))
	}
	return n, nil
}

func (x *tx) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := x.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "query %s", firstWords(query))
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, errors.Wrap(err, "scan")
		}
		out = append(out, s)
	}
	return out, errors.Wrap(rows.Err(), "iterate")
}

// firstWords keeps error messages short.
func firstWords(q string) string {
	f := strings.Fields(q)
	if len(f) > 3 {
		f = f[:3]
	}
	return strings.Join(f, " ")
}

// matcherClause renders m as an extra AND condition on col.
func matcherClause(col string, m types.GroupMatcher) (string, []any) {
	switch m.Operator {
	case types.MatchAnything:
		return "", nil
	case types.MatchEquals:
		return " AND " + col + " = ?", []any{m.Value}
	default:
		return " AND " + col + ` LIKE ? ESCAPE '\'`, []any{m.SQLPattern()}
	}
}

// ============================================================================
// 任務
// ============================================================================

const jobCols = `job_name, job_group, description, job_class, is_durable, is_nonconcurrent, is_update_data, requests_recovery, job_data`

func (x *tx) InsertJob(ctx context.Context, job *types.JobDetail) error {
	data, err := encodeData(job.JobData)
	if err != nil {
		return err
	}
	_, err = x.exec(ctx, `INSERT INTO job_details (sched_name, `+jobCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		x.sched, job.Key.Name, job.Key.Group, job.Description, job.JobClass,
		boolInt(job.Durable), boolInt(job.DisallowConcurrentExecution),
		boolInt(job.PersistJobDataAfterExecution), boolInt(job.RequestsRecovery), data)
	return err
}

func (x *tx) UpdateJob(ctx context.Context, job *types.JobDetail) error {
	data, err := encodeData(job.JobData)
	if err != nil {
		return err
	}
	_, err = x.exec(ctx, `UPDATE job_details SET description = ?, job_class = ?, is_durable = ?,
		is_nonconcurrent = ?, is_update_data = ?, requests_recovery = ?, job_data = ?
		WHERE sched_name = ? AND job_name = ? AND job_group = ?`,
		job.Description, job.JobClass, boolInt(job.Durable), boolInt(job.DisallowConcurrentExecution),
		boolInt(job.PersistJobDataAfterExecution), boolInt(job.RequestsRecovery), data,
		x.sched, job.Key.Name, job.Key.Group)
	return err
}

func scanJob(sc scanner) (*types.JobDetail, error) {
	var (
		job                                   types.JobDetail
		durable, nonConc, update, recoverable int
		data                                  []byte
	)
	if err := sc.Scan(&job.Key.Name, &job.Key.Group, &job.Description, &job.JobClass,
		&durable, &nonConc, &update, &recoverable, &data); err != nil {
		return nil, err
	}
	job.Durable = durable != 0
	job.DisallowConcurrentExecution = nonConc != 0
	job.PersistJobDataAfterExecution = update != 0
	job.RequestsRecovery = recoverable != 0
	var err error
	job.JobData, err = decodeData(data)
	return &job, err
}

func (x *tx) SelectJob(ctx context.Context, key types.JobKey) (*types.JobDetail, error) {
	row := x.tx.QueryRowContext(ctx, `SELECT `+jobCols+` FROM job_details
		WHERE sched_name = ? AND job_name = ? AND job_group = ?`, x.sched, key.Name, key.Group)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, errors.Wrapf(err, "select job %s", key)
}

func (x *tx) DeleteJob(ctx context.Context, key types.JobKey) (bool, error) {
	n, err := x.exec(ctx, `DELETE FROM job_details WHERE sched_name = ? AND job_name = ? AND job_group = ?`,
		x.sched, key.Name, key.Group)
	return n > 0, err
}

func (x *tx) UpdateJobData(ctx context.Context, key types.JobKey, data types.JobDataMap) error {
	blob, err := encodeData(data)
	if err != nil {
		return err
	}
	_, err = x.exec(ctx, `UPDATE job_details SET job_data = ? WHERE sched_name = ? AND job_name = ? AND job_group = ?`,
		blob, x.sched, key.Name, key.Group)
	return err
}

func (x *tx) SelectJobKeys(ctx context.Context, m types.GroupMatcher) ([]types.JobKey, error) {
	clause, args := matcherClause("job_group", m)
	rows, err := x.tx.QueryContext(ctx, `SELECT job_name, job_group FROM job_details WHERE sched_name = ?`+
		clause+` ORDER BY job_group, job_name`, append([]any{x.sched}, args...)...)
	if err != nil {
		return nil, errors.Wrap(err, "select job keys")
	}
	defer rows.Close()
	var keys []types.JobKey
	for rows.Next() {
		var k types.JobKey
		if err := rows.Scan(&k.Name, &k.Group); err != nil {
			return nil, errors.Wrap(err, "scan job key")
		}
		keys = append(keys, k)
	}
	return keys, errors.Wrap(rows.Err(), "iterate job keys")
}

func (x *tx) SelectJobGroups(ctx context.Context) ([]string, error) {
	return x.strings(ctx, `SELECT DISTINCT job_group FROM job_details WHERE sched_name = ? ORDER BY job_group`, x.sched)
}

func (x *tx) CountJobs(ctx context.Context) (int, error) {
	return x.count(ctx, `SELECT COUNT(*) FROM job_details WHERE sched_name = ?`, x.sched)
}

// ============================================================================
// 觸發器
// ============================================================================

const triggerCols = `trigger_name, trigger_group, job_name, job_group, description, calendar_name, priority,
	start_time, end_time, next_fire_time, prev_fire_time, repeat_interval, repeat_count, times_triggered,
	misfire_instr, fire_instance_id, job_data`

const dueOrder = ` ORDER BY next_fire_time ASC, priority DESC, trigger_group ASC, trigger_name ASC`

func triggerArgs(t *types.Trigger) ([]any, error) {
	data, err := encodeData(t.JobData)
	if err != nil {
		return nil, err
	}
	return []any{t.Key.Name, t.Key.Group, t.JobKey.Name, t.JobKey.Group, t.Description, t.CalendarName,
		t.Priority, t.StartTime, t.EndTime, t.NextFireTime, t.PreviousFireTime, t.RepeatInterval,
		t.RepeatCount, t.TimesTriggered, int(t.MisfireInstruction), t.FireInstanceID, data}, nil
}

func scanTrigger(sc scanner) (*types.Trigger, error) {
	var (
		t       types.Trigger
		misfire int
		data    []byte
	)
	if err := sc.Scan(&t.Key.Name, &t.Key.Group, &t.JobKey.Name, &t.JobKey.Group, &t.Description,
		&t.CalendarName, &t.Priority, &t.StartTime, &t.EndTime, &t.NextFireTime, &t.PreviousFireTime,
		&t.RepeatInterval, &t.RepeatCount, &t.TimesTriggered, &misfire, &t.FireInstanceID, &data); err != nil {
		return nil, err
	}
	t.MisfireInstruction = types.MisfireInstruction(misfire)
	var err error
	t.JobData, err = decodeData(data)
	return &t, err
}

func (x *tx) queryTriggers(ctx context.Context, where string, args ...any) ([]*types.Trigger, error) {
	rows, err := x.tx.QueryContext(ctx, `SELECT `+triggerCols+` FROM triggers WHERE `+where, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select triggers")
	}
	defer rows.Close()
	var out []*types.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan trigger")
		}
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "iterate triggers")
}

func (x *tx) InsertTrigger(ctx context.Context, t *types.Trigger, state types.TriggerState) error {
	args, err := triggerArgs(t)
	if err != nil {
		return err
	}
	args = append([]any{x.sched}, append(args, string(state))...)
	_, err = x.exec(ctx, `INSERT INTO triggers (sched_name, `+triggerCols+`, trigger_state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	return err
}

func (x *tx) UpdateTrigger(ctx context.Context, t *types.Trigger, state types.TriggerState) error {
	data, err := encodeData(t.JobData)
	if err != nil {
		return err
	}
	_, err = x.exec(ctx, `UPDATE triggers SET job_name = ?, job_group = ?, description = ?, calendar_name = ?,
		priority = ?, start_time = ?, end_time = ?, next_fire_time = ?, prev_fire_time = ?, repeat_interval = ?,
		repeat_count = ?, times_triggered = ?, misfire_instr = ?, fire_instance_id = ?, job_data = ?, trigger_state = ?
		WHERE sched_name = ? AND trigger_name = ? AND trigger_group = ?`,
		t.JobKey.Name, t.JobKey.Group, t.Description, t.CalendarName, t.Priority, t.StartTime, t.EndTime,
		t.NextFireTime, t.PreviousFireTime, t.RepeatInterval, t.RepeatCount, t.TimesTriggered,
		int(t.MisfireInstruction), t.FireInstanceID, data, string(state),
		x.sched, t.Key.Name, t.Key.Group)
	return err
}

func (x *tx) SelectTrigger(ctx context.Context, key types.TriggerKey) (*types.Trigger, error) {
	row := x.tx.QueryRowContext(ctx, `SELECT `+triggerCols+` FROM triggers
		WHERE sched_name = ? AND trigger_name = ? AND trigger_group = ?`, x.sched, key.Name, key.Group)
	t, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, errors.Wrapf(err, "select trigger %s", key)
}

func (x *tx) SelectTriggerState(ctx context.Context, key types.TriggerKey) (types.TriggerState, error) {
	var state string
	err := x.tx.QueryRowContext(ctx, `SELECT trigger_state FROM triggers
		WHERE sched_name = ? AND trigger_name = ? AND trigger_group = ?`, x.sched, key.Name, key.Group).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return types.StateNone, nil
	}
	if err != nil {
		return types.StateNone, errors.Wrapf(err, "select trigger state %s", key)
	}
	return types.TriggerState(state), nil
}

func (x *tx) DeleteTrigger(ctx context.Context, key types.TriggerKey) (bool, error) {
	n, err := x.exec(ctx, `DELETE FROM triggers WHERE sched_name = ? AND trigger_name = ? AND trigger_group = ?`,
		x.sched, key.Name, key.Group)
	return n > 0, err
}

func (x *tx) SelectTriggersForJob(ctx context.Context, key types.JobKey) ([]*types.Trigger, error) {
	return x.queryTriggers(ctx, `sched_name = ? AND job_name = ? AND job_group = ? ORDER BY trigger_group, trigger_name`,
		x.sched, key.Name, key.Group)
}

func (x *tx) SelectTriggersForCalendar(ctx context.Context, name string) ([]*types.Trigger, error) {
	return x.queryTriggers(ctx, `sched_name = ? AND calendar_name = ? ORDER BY trigger_group, trigger_name`,
		x.sched, name)
}

func (x *tx) triggerKeys(ctx context.Context, where string, args ...any) ([]types.TriggerKey, error) {
	rows, err := x.tx.QueryContext(ctx, `SELECT trigger_name, trigger_group FROM triggers WHERE `+where+
		` ORDER BY trigger_group, trigger_name`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select trigger keys")
	}
	defer rows.Close()
	var keys []types.TriggerKey
	for rows.Next() {
		var k types.TriggerKey
		if err := rows.Scan(&k.Name, &k.Group); err != nil {
			return nil, errors.Wrap(err, "scan trigger key")
		}
		keys = append(keys, k)
	}
	return keys, errors.Wrap(rows.Err(), "iterate trigger keys")
}

func (x *tx) SelectTriggerKeys(ctx context.Context, m types.GroupMatcher) ([]types.TriggerKey, error) {
	clause, args := matcherClause("trigger_group", m)
	return x.triggerKeys(ctx, `sched_name = ?`+clause, append([]any{x.sched}, args...)...)
}

func (x *tx) SelectTriggerGroups(ctx context.Context) ([]string, error) {
	return x.strings(ctx, `SELECT DISTINCT trigger_group FROM triggers WHERE sched_name = ? ORDER BY trigger_group`, x.sched)
}

func (x *tx) SelectTriggerKeysInState(ctx context.Context, state types.TriggerState) ([]types.TriggerKey, error) {
	return x.triggerKeys(ctx, `sched_name = ? AND trigger_state = ?`, x.sched, string(state))
}

func (x *tx) CountTriggers(ctx context.Context) (int, error) {
	return x.count(ctx, `SELECT COUNT(*) FROM triggers WHERE sched_name = ?`, x.sched)
}

// stateFilter renders " AND trigger_state IN (?, ...)"; empty for no states.
func stateFilter(from []types.TriggerState) (string, []any) {
	if len(from) == 0 {
		return "", nil
	}
	args := make([]any, len(from))
	for i, s := range from {
		args[i] = string(s)
	}
	return " AND trigger_state IN (?" + strings.Repeat(", ?", len(from)-1) + ")", args
}

func (x *tx) UpdateTriggerStateFrom(ctx context.Context, key types.TriggerKey, to types.TriggerState, from ...types.TriggerState) (bool, error) {
	clause, fromArgs := stateFilter(from)
	args := append([]any{string(to), x.sched, key.Name, key.Group}, fromArgs...)
	n, err := x.exec(ctx, `UPDATE triggers SET trigger_state = ?
		WHERE sched_name = ? AND trigger_name = ? AND trigger_group = ?`+clause, args...)
	return n > 0, err
}

func (x *tx) UpdateTriggerStatesForJobFrom(ctx context.Context, key types.JobKey, to types.TriggerState, from ...types.TriggerState) (int, error) {
	clause, fromArgs := stateFilter(from)
	args := append([]any{string(to), x.sched, key.Name, key.Group}, fromArgs...)
	n, err := x.exec(ctx, `UPDATE triggers SET trigger_state = ?
		WHERE sched_name = ? AND job_name = ? AND job_group = ?`+clause, args...)
	return int(n), err
}

func (x *tx) SelectTriggersToAcquire(ctx context.Context, noLaterThan int64, limit int) ([]*types.Trigger, error) {
	where := `sched_name = ? AND trigger_state = ? AND next_fire_time <> 0 AND next_fire_time <= ?` + dueOrder
	args := []any{x.sched, string(types.StateWaiting), noLaterThan}
	if limit > 0 {
		where += ` LIMIT ?`
		args = append(args, limit)
	}
	return x.queryTriggers(ctx, where, args...)
}

const misfiredWhere = `sched_name = ? AND misfire_instr <> ? AND next_fire_time <> 0 AND next_fire_time < ?
	AND trigger_state IN (?, ?)`

func (x *tx) misfiredArgs(before int64) []any {
	return []any{x.sched, int(types.MisfireIgnore), before, string(types.StateWaiting), string(types.StateMisfired)}
}

func (x *tx) SelectMisfiredTriggers(ctx context.Context, before int64, limit int) ([]*types.Trigger, error) {
	where := misfiredWhere + dueOrder
	args := x.misfiredArgs(before)
	if limit > 0 {
		where += ` LIMIT ?`
		args = append(args, limit)
	}
	return x.queryTriggers(ctx, where, args...)
}

func (x *tx) CountMisfiredTriggers(ctx context.Context, before int64) (int, error) {
	return x.count(ctx, `SELECT COUNT(*) FROM triggers WHERE `+misfiredWhere, x.misfiredArgs(before)...)
}

// ============================================================================
// 日曆
// ============================================================================

func (x *tx) InsertCalendar(ctx context.Context, name string, cal types.Calendar) error {
	blob, err := types.MarshalCalendar(cal)
	if err != nil {
		return err
	}
	_, err = x.exec(ctx, `INSERT INTO calendars (sched_name, calendar_name, calendar) VALUES (?, ?, ?)`,
		x.sched, name, blob)
	return err
}

func (x *tx) UpdateCalendar(ctx context.Context, name string, cal types.Calendar) error {
	blob, err := types.MarshalCalendar(cal)
	if err != nil {
		return err
	}
	_, err = x.exec(ctx, `UPDATE calendars SET calendar = ? WHERE sched_name = ? AND calendar_name = ?`,
		blob, x.sched, name)
	return err
}

func (x *tx) SelectCalendar(ctx context.Context, name string) (types.Calendar, error) {
	var blob []byte
	err := x.tx.QueryRowContext(ctx, `SELECT calendar FROM calendars WHERE sched_name = ? AND calendar_name = ?`,
		x.sched, name).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "select calendar %s", name)
	}
	return types.UnmarshalCalendar(blob)
}

func (x *tx) DeleteCalendar(ctx context.Context, name string) (bool, error) {
	n, err := x.exec(ctx, `DELETE FROM calendars WHERE sched_name = ? AND calendar_name = ?`, x.sched, name)
	return n > 0, err
}

func (x *tx) SelectCalendarNames(ctx context.Context) ([]string, error) {
	return x.strings(ctx, `SELECT calendar_name FROM calendars WHERE sched_name = ? ORDER BY calendar_name`, x.sched)
}

func (x *tx) CountCalendars(ctx context.Context) (int, error) {
	return x.count(ctx, `SELECT COUNT(*) FROM calendars WHERE sched_name = ?`, x.sched)
}

// ============================================================================
// 暫停標記
// ============================================================================

func (x *tx) InsertPausedTriggerGroup(ctx context.Context, group string) error {
	_, err := x.exec(ctx, `INSERT OR IGNORE INTO paused_trigger_grps (sched_name, trigger_group) VALUES (?, ?)`,
		x.sched, group)
	return err
}

func (x *tx) DeletePausedTriggerGroup(ctx context.Context, group string) error {
	_, err := x.exec(ctx, `DELETE FROM paused_trigger_grps WHERE sched_name = ? AND trigger_group = ?`, x.sched, group)
	return err
}

func (x *tx) IsTriggerGroupPaused(ctx context.Context, group string) (bool, error) {
	n, err := x.count(ctx, `SELECT COUNT(*) FROM paused_trigger_grps WHERE sched_name = ? AND trigger_group = ?`,
		x.sched, group)
	return n > 0, err
}

func (x *tx) SelectPausedTriggerGroups(ctx context.Context) ([]string, error) {
	return x.strings(ctx, `SELECT trigger_group FROM paused_trigger_grps WHERE sched_name = ? ORDER BY trigger_group`, x.sched)
}

func (x *tx) InsertPausedJobGroup(ctx context.Context, group string) error {
	_, err := x.exec(ctx, `INSERT OR IGNORE INTO paused_job_grps (sched_name, job_group) VALUES (?, ?)`,
		x.sched, group)
	return err
}

func (x *tx) DeletePausedJobGroup(ctx context.Context, group string) error {
	_, err := x.exec(ctx, `DELETE FROM paused_job_grps WHERE sched_name = ? AND job_group = ?`, x.sched, group)
	return err
}

func (x *tx) IsJobGroupPaused(ctx context.Context, group string) (bool, error) {
	n, err := x.count(ctx, `SELECT COUNT(*) FROM paused_job_grps WHERE sched_name = ? AND job_group = ?`,
		x.sched, group)
	return n > 0, err
}

func (x *tx) SelectPausedJobGroups(ctx context.Context) ([]string, error) {
	return x.strings(ctx, `SELECT job_group FROM paused_job_grps WHERE sched_name = ? ORDER BY job_group`, x.sched)
}

// ============================================================================
// Fired 紀錄
// ============================================================================

const firedCols = `entry_id, trigger_name, trigger_group, job_name, job_group, instance_name, fired_time,
	sched_time, priority, state, is_nonconcurrent, requests_recovery`

func scanFired(sc scanner) (*types.FiredTriggerRecord, error) {
	var (
		rec                 types.FiredTriggerRecord
		state               string
		nonConc, recoverable int
	)
	if err := sc.Scan(&rec.FireInstanceID, &rec.TriggerKey.Name, &rec.TriggerKey.Group, &rec.JobKey.Name,
		&rec.JobKey.Group, &rec.InstanceID, &rec.FiredTime, &rec.ScheduledTime, &rec.Priority, &state,
		&nonConc, &recoverable); err != nil {
		return nil, err
	}
	rec.State = types.TriggerState(state)
	rec.NonConcurrent = nonConc != 0
	rec.RequestsRecovery = recoverable != 0
	return &rec, nil
}

func (x *tx) queryFired(ctx context.Context, where string, args ...any) ([]*types.FiredTriggerRecord, error) {
	rows, err := x.tx.QueryContext(ctx, `SELECT `+firedCols+` FROM fired_triggers WHERE `+where+
		` ORDER BY entry_id`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select fired triggers")
	}
	defer rows.Close()
	var out []*types.FiredTriggerRecord
	for rows.Next() {
		rec, err := scanFired(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan fired trigger")
		}
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "iterate fired triggers")
}

func (x *tx) InsertFiredTrigger(ctx context.Context, rec *types.FiredTriggerRecord) error {
	_, err := x.exec(ctx, `INSERT INTO fired_triggers (sched_name, `+firedCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		x.sched, rec.FireInstanceID, rec.TriggerKey.Name, rec.TriggerKey.Group, rec.JobKey.Name,
		rec.JobKey.Group, rec.InstanceID, rec.FiredTime, rec.ScheduledTime, rec.Priority, string(rec.State),
		boolInt(rec.NonConcurrent), boolInt(rec.RequestsRecovery))
	return err
}

func (x *tx) UpdateFiredTrigger(ctx context.Context, rec *types.FiredTriggerRecord) error {
	_, err := x.exec(ctx, `UPDATE fired_triggers SET trigger_name = ?, trigger_group = ?, job_name = ?,
		job_group = ?, instance_name = ?, fired_time = ?, sched_time = ?, priority = ?, state = ?,
		is_nonconcurrent = ?, requests_recovery = ?
		WHERE sched_name = ? AND entry_id = ?`,
		rec.TriggerKey.Name, rec.TriggerKey.Group, rec.JobKey.Name, rec.JobKey.Group, rec.InstanceID,
		rec.FiredTime, rec.ScheduledTime, rec.Priority, string(rec.State),
		boolInt(rec.NonConcurrent), boolInt(rec.RequestsRecovery),
		x.sched, rec.FireInstanceID)
	return err
}

func (x *tx) DeleteFiredTrigger(ctx context.Context, fireInstanceID string) error {
	_, err := x.exec(ctx, `DELETE FROM fired_triggers WHERE sched_name = ? AND entry_id = ?`, x.sched, fireInstanceID)
	return err
}

func (x *tx) SelectFiredTriggers(ctx context.Context, instanceID string) ([]*types.FiredTriggerRecord, error) {
	if instanceID == "" {
		return x.queryFired(ctx, `sched_name = ?`, x.sched)
	}
	return x.queryFired(ctx, `sched_name = ? AND instance_name = ?`, x.sched, instanceID)
}

func (x *tx) SelectFiredTriggersForJob(ctx context.Context, key types.JobKey) ([]*types.FiredTriggerRecord, error) {
	return x.queryFired(ctx, `sched_name = ? AND job_name = ? AND job_group = ?`, x.sched, key.Name, key.Group)
}

func (x *tx) SelectFiredInstanceIDs(ctx context.Context) ([]string, error) {
	return x.strings(ctx, `SELECT DISTINCT instance_name FROM fired_triggers WHERE sched_name = ? ORDER BY instance_name`, x.sched)
}

func (x *tx) DeleteFiredTriggers(ctx context.Context, instanceID string) (int, error) {
	var (
		n   int64
		err error
	)
	if instanceID == "" {
		n, err = x.exec(ctx, `DELETE FROM fired_triggers WHERE sched_name = ?`, x.sched)
	} else {
		n, err = x.exec(ctx, `DELETE FROM fired_triggers WHERE sched_name = ? AND instance_name = ?`, x.sched, instanceID)
	}
	return int(n), err
}

func (x *tx) CountFiredTriggersForTrigger(ctx context.Context, key types.TriggerKey) (int, error) {
	return x.count(ctx, `SELECT COUNT(*) FROM fired_triggers WHERE sched_name = ? AND trigger_name = ? AND trigger_group = ?`,
		x.sched, key.Name, key.Group)
}

// ============================================================================
// 叢集節點
// ============================================================================

func (x *tx) UpsertSchedulerState(ctx context.Context, rec *types.SchedulerStateRecord) error {
	_, err := x.exec(ctx, `INSERT INTO scheduler_state (sched_name, instance_name, last_checkin_time, checkin_interval)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (sched_name, instance_name) DO UPDATE SET
			last_checkin_time = excluded.last_checkin_time,
			checkin_interval = excluded.checkin_interval`,
		x.sched, rec.InstanceID, rec.LastCheckin, rec.CheckinInterval)
	return err
}

func (x *tx) SelectSchedulerStates(ctx context.Context) ([]*types.SchedulerStateRecord, error) {
	rows, err := x.tx.QueryContext(ctx, `SELECT instance_name, last_checkin_time, checkin_interval
		FROM scheduler_state WHERE sched_name = ? ORDER BY instance_name`, x.sched)
	if err != nil {
		return nil, errors.Wrap(err, "select scheduler state")
	}
	defer rows.Close()
	var out []*types.SchedulerStateRecord
	for rows.Next() {
		var rec types.SchedulerStateRecord
		if err := rows.Scan(&rec.InstanceID, &rec.LastCheckin, &rec.CheckinInterval); err != nil {
			return nil, errors.Wrap(err, "scan scheduler state")
		}
		out = append(out, &rec)
	}
	return out, errors.Wrap(rows.Err(), "iterate scheduler state")
}

func (x *tx) DeleteSchedulerState(ctx context.Context, instanceID string) error {
	_, err := x.exec(ctx, `DELETE FROM scheduler_state WHERE sched_name = ? AND instance_name = ?`, x.sched, instanceID)
	return err
}

func (x *tx) ClearAll(ctx context.Context) error {
	// triggers before job_details for the foreign key
	for _, table := range []string{"fired_triggers", "triggers", "job_details", "calendars",
		"paused_trigger_grps", "paused_job_grps"} {
		if _, err := x.exec(ctx, `DELETE FROM `+table+` WHERE sched_name = ?`, x.sched); err != nil {
			return err
		}
	}
	return nil
}
