package memory

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/ChuLiYu/beaver-sched/internal/jobstore"
	"github.com/ChuLiYu/beaver-sched/internal/lock"
	"github.com/ChuLiYu/beaver-sched/internal/storage/wal"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

var _ jobstore.Tx = (*tx)(nil)

// tx 記憶體交易；寫入交易在結束前持有 Store 的寫鎖
type tx struct {
	s        *Store
	readOnly bool
	done     bool
	undo     []func()

	// 修改過的列，Commit 時寫入 WAL
	dirty []change
	seen  map[change]struct{}
}

type change struct {
	kind wal.Kind
	key  any
}

func (x *tx) Querier() lock.Querier { return nil }

func (x *tx) Commit() error {
	if x.done {
		return ErrTxDone
	}
	if len(x.dirty) > 0 && (x.s.wal != nil || x.s.onCommit != nil) {
		recs, err := x.s.redo(x.dirty)
		if err == nil && x.s.onCommit != nil {
			// 共享狀態寫入失敗時本地也不留下修改
			if err = x.s.onCommit(recs); err != nil {
				_ = x.Rollback()
				return errors.Wrap(err, "commit hook")
			}
		}
		if err == nil && x.s.wal != nil {
			_, err = x.s.wal.Append(recs)
		}
		if err != nil {
			_ = x.Rollback()
			return errors.Mark(errors.Wrap(err, "append wal"), jobstore.ErrCriticalPersistence)
		}
	}
	x.finish()
	return nil
}

func (x *tx) Rollback() error {
	if x.done {
		return nil
	}
	for i := len(x.undo) - 1; i >= 0; i-- {
		x.undo[i]()
	}
	x.finish()
	return nil
}

func (x *tx) finish() {
	x.done = true
	x.undo = nil
	x.dirty, x.seen = nil, nil
	if x.readOnly {
		x.s.mu.RUnlock()
	} else {
		x.s.mu.Unlock()
	}
}

func (x *tx) read() error {
	if x.done {
		return ErrTxDone
	}
	return nil
}

func (x *tx) write() error {
	if x.done {
		return ErrTxDone
	}
	if x.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (x *tx) touch(kind wal.Kind, key any) {
	c := change{kind, key}
	if _, ok := x.seen[c]; ok {
		return
	}
	if x.seen == nil {
		x.seen = make(map[change]struct{})
	}
	x.seen[c] = struct{}{}
	x.dirty = append(x.dirty, c)
}

// put / del record their inverse in the undo log.
func put[K comparable, V any](x *tx, kind wal.Kind, m map[K]V, k K, v V) {
	x.touch(kind, k)
	old, had := m[k]
	m[k] = v
	x.undo = append(x.undo, func() {
		if had {
			m[k] = old
		} else {
			delete(m, k)
		}
	})
}

func del[K comparable, V any](x *tx, kind wal.Kind, m map[K]V, k K) bool {
	old, had := m[k]
	if !had {
		return false
	}
	x.touch(kind, k)
	delete(m, k)
	x.undo = append(x.undo, func() { m[k] = old })
	return true
}

func (x *tx) setTrigger(key types.TriggerKey, row *triggerRow) {
	x.touch(wal.KindTrigger, key)
	old := x.s.setTrigger(key, row)
	x.undo = append(x.undo, func() { x.s.setTrigger(key, old) })
}

// ============================================================================
// 任務
// ============================================================================

func (x *tx) InsertJob(_ context.Context, job *types.JobDetail) error {
	if err := x.write(); err != nil {
		return err
	}
	put(x, wal.KindJob, x.s.jobs, job.Key, job.Clone())
	return nil
}

func (x *tx) UpdateJob(ctx context.Context, job *types.JobDetail) error {
	return x.InsertJob(ctx, job)
}

func (x *tx) SelectJob(_ context.Context, key types.JobKey) (*types.JobDetail, error) {
	if err := x.read(); err != nil {
		return nil, err
	}
	return x.s.jobs[key].Clone(), nil
}

func (x *tx) DeleteJob(_ context.Context, key types.JobKey) (bool, error) {
	if err := x.write(); err != nil {
		return false, err
	}
	return del(x, wal.KindJob, x.s.jobs, key), nil
}

func (x *tx) UpdateJobData(_ context.Context, key types.JobKey, data types.JobDataMap) error {
	if err := x.write(); err != nil {
		return err
	}
	job, ok := x.s.jobs[key]
	if !ok {
		return nil
	}
	c := job.Clone()
	c.JobData = data.Clone()
	put(x, wal.KindJob, x.s.jobs, key, c)
	return nil
}

func (x *tx) SelectJobKeys(_ context.Context, m types.GroupMatcher) ([]types.JobKey, error) {
	if err := x.read(); err != nil {
		return nil, err
	}
	var keys []types.JobKey
	for k := range x.s.jobs {
		if m.Matches(k.Group) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return types.Key(keys[i]).Compare(types.Key(keys[j])) < 0 })
	return keys, nil
}

func (x *tx) SelectJobGroups(_ context.Context) ([]string, error) {
	if err := x.read(); err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	for k := range x.s.jobs {
		set[k.Group] = struct{}{}
	}
	return sortedSet(set), nil
}

func (x *tx) CountJobs(_ context.Context) (int, error) {
	if err := x.read(); err != nil {
		return 0, err
	}
	return len(x.s.jobs), nil
}

// ============================================================================
// 觸發器
// ============================================================================

func (x *tx) InsertTrigger(_ context.Context, t *types.Trigger, state types.TriggerState) error {
	if err := x.write(); err != nil {
		return err
	}
	x.setTrigger(t.Key, &triggerRow{t: t.Clone(), state: state})
	return nil
}

func (x *tx) UpdateTrigger(ctx context.Context, t *types.Trigger, state types.TriggerState) error {
	return x.InsertTrigger(ctx, t, state)
}

func (x *tx) SelectTrigger(_ context.Context, key types.TriggerKey) (*types.Trigger, error) {
	if err := x.read(); err != nil {
		return nil, err
	}
	row, ok := x.s.triggers[key]
	if !ok {
		return nil, nil
	}
	return row.t.Clone(), nil
}

func (x *tx) SelectTriggerState(_ context.Context, key types.TriggerKey) (types.TriggerState, error) {
	if err := x.read(); err != nil {
		return types.StateNone, err
	}
	row, ok := x.s.triggers[key]
	if !ok {
		return types.StateNone, nil
	}
	return row.state, nil
}

func (x *tx) DeleteTrigger(_ context.Context, key types.TriggerKey) (bool, error) {
	if err := x.write(); err != nil {
		return false, err
	}
	if _, ok := x.s.triggers[key]; !ok {
		return false, nil
	}
	x.setTrigger(key, nil)
	return true, nil
}

func (x *tx) sortedTriggers(keep func(*triggerRow) bool) []*types.Trigger {
	var out []*types.Trigger
	for _, row := range x.s.triggers {
		if keep(row) {
			out = append(out, row.t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return types.Key(out[i].Key).Compare(types.Key(out[j].Key)) < 0 })
	return out
}

func (x *tx) SelectTriggersForJob(_ context.Context, key types.JobKey) ([]*types.Trigger, error) {
	if err := x.read(); err != nil {
		return nil, err
	}
	var out []*types.Trigger
	for k := range x.s.byJob[key] {
		out = append(out, x.s.triggers[k].t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return types.Key(out[i].Key).Compare(types.Key(out[j].Key)) < 0 })
	return out, nil
}

func (x *tx) SelectTriggersForCalendar(_ context.Context, name string) ([]*types.Trigger, error) {
	if err := x.read(); err != nil {
		return nil, err
	}
	return x.sortedTriggers(func(r *triggerRow) bool { return r.t.CalendarName == name }), nil
}

func (x *tx) SelectTriggerKeys(_ context.Context, m types.GroupMatcher) ([]types.TriggerKey, error) {
	if err := x.read(); err != nil {
		return nil, err
	}
	var keys []types.TriggerKey
	for k := range x.s.triggers {
		if m.Matches(k.Group) {
			keys = append(keys, k)
		}
	}
	sortTriggerKeys(keys)
	return keys, nil
}

func (x *tx) SelectTriggerGroups(_ context.Context) ([]string, error) {
	if err := x.read(); err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	for k := range x.s.triggers {
		set[k.Group] = struct{}{}
	}
	return sortedSet(set), nil
}

func (x *tx) SelectTriggerKeysInState(_ context.Context, state types.TriggerState) ([]types.TriggerKey, error) {
	if err := x.read(); err != nil {
		return nil, err
	}
	var keys []types.TriggerKey
	for k, row := range x.s.triggers {
		if row.state == state {
			keys = append(keys, k)
		}
	}
	sortTriggerKeys(keys)
	return keys, nil
}

func (x *tx) CountTriggers(_ context.Context) (int, error) {
	if err := x.read(); err != nil {
		return 0, err
	}
	return len(x.s.triggers), nil
}

func stateIn(s types.TriggerState, from []types.TriggerState) bool {
	if len(from) == 0 {
		return true
	}
	for _, f := range from {
		if s == f {
			return true
		}
	}
	return false
}

func (x *tx) UpdateTriggerStateFrom(_ context.Context, key types.TriggerKey, to types.TriggerState, from ...types.TriggerState) (bool, error) {
	if err := x.write(); err != nil {
		return false, err
	}
	row, ok := x.s.triggers[key]
	if !ok || !stateIn(row.state, from) {
		return false, nil
	}
	x.setTrigger(key, &triggerRow{t: row.t, state: to})
	return true, nil
}

func (x *tx) UpdateTriggerStatesForJobFrom(ctx context.Context, key types.JobKey, to types.TriggerState, from ...types.TriggerState) (int, error) {
	if err := x.write(); err != nil {
		return 0, err
	}
	keys := make([]types.TriggerKey, 0, len(x.s.byJob[key]))
	for k := range x.s.byJob[key] {
		keys = append(keys, k)
	}
	n := 0
	for _, k := range keys {
		ok, err := x.UpdateTriggerStateFrom(ctx, k, to, from...)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// walkDue visits indexed triggers in due order until fn returns false.
func (x *tx) walkDue(fn func(e dueEntry, row *triggerRow) bool) {
	it := x.s.due.Iterator()
	for it.Next() {
		e := it.Value().(dueEntry)
		if !fn(e, x.s.triggers[e.key]) {
			return
		}
	}
}

func (x *tx) SelectTriggersToAcquire(_ context.Context, noLaterThan int64, limit int) ([]*types.Trigger, error) {
	if err := x.read(); err != nil {
		return nil, err
	}
	var out []*types.Trigger
	x.walkDue(func(e dueEntry, row *triggerRow) bool {
		if e.next > noLaterThan {
			return false
		}
		if row.state == types.StateWaiting {
			out = append(out, row.t.Clone())
		}
		return limit <= 0 || len(out) < limit
	})
	return out, nil
}

func (x *tx) SelectMisfiredTriggers(_ context.Context, before int64, limit int) ([]*types.Trigger, error) {
	if err := x.read(); err != nil {
		return nil, err
	}
	var out []*types.Trigger
	x.walkDue(func(e dueEntry, row *triggerRow) bool {
		if e.next >= before {
			return false
		}
		if row.t.MisfireInstruction != types.MisfireIgnore {
			out = append(out, row.t.Clone())
		}
		return limit <= 0 || len(out) < limit
	})
	return out, nil
}

func (x *tx) CountMisfiredTriggers(ctx context.Context, before int64) (int, error) {
	n := 0
	if err := x.read(); err != nil {
		return 0, err
	}
	x.walkDue(func(e dueEntry, row *triggerRow) bool {
		if e.next >= before {
			return false
		}
		if row.t.MisfireInstruction != types.MisfireIgnore {
			n++
		}
		return true
	})
	return n, nil
}

// ============================================================================
// 日曆
// ============================================================================

func (x *tx) InsertCalendar(_ context.Context, name string, cal types.Calendar) error {
	if err := x.write(); err != nil {
		return err
	}
	blob, err := types.MarshalCalendar(cal)
	if err != nil {
		return err
	}
	put(x, wal.KindCalendar, x.s.calendars, name, blob)
	return nil
}

func (x *tx) UpdateCalendar(ctx context.Context, name string, cal types.Calendar) error {
	return x.InsertCalendar(ctx, name, cal)
}

func (x *tx) SelectCalendar(_ context.Context, name string) (types.Calendar, error) {
	if err := x.read(); err != nil {
		return nil, err
	}
	blob, ok := x.s.calendars[name]
	if !ok {
		return nil, nil
	}
	return types.UnmarshalCalendar(blob)
}

func (x *tx) DeleteCalendar(_ context.Context, name string) (bool, error) {
	if err := x.write(); err != nil {
		return false, err
	}
	return del(x, wal.KindCalendar, x.s.calendars, name), nil
}

func (x *tx) SelectCalendarNames(_ context.Context) ([]string, error) {
	if err := x.read(); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(x.s.calendars))
	for name := range x.s.calendars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (x *tx) CountCalendars(_ context.Context) (int, error) {
	if err := x.read(); err != nil {
		return 0, err
	}
	return len(x.s.calendars), nil
}

// ============================================================================
// 暫停標記
// ============================================================================

func (x *tx) InsertPausedTriggerGroup(_ context.Context, group string) error {
	if err := x.write(); err != nil {
		return err
	}
	put(x, wal.KindPausedTriggerGroup, x.s.pausedTriggerGroups, group, struct{}{})
	return nil
}

func (x *tx) DeletePausedTriggerGroup(_ context.Context, group string) error {
	if err := x.write(); err != nil {
		return err
	}
	del(x, wal.KindPausedTriggerGroup, x.s.pausedTriggerGroups, group)
	return nil
}

func (x *tx) IsTriggerGroupPaused(_ context.Context, group string) (bool, error) {
	if err := x.read(); err != nil {
		return false, err
	}
	_, ok := x.s.pausedTriggerGroups[group]
	return ok, nil
}

func (x *tx) SelectPausedTriggerGroups(_ context.Context) ([]string, error) {
	if err := x.read(); err != nil {
		return nil, err
	}
	return sortedSet(x.s.pausedTriggerGroups), nil
}

func (x *tx) InsertPausedJobGroup(_ context.Context, group string) error {
	if err := x.write(); err != nil {
		return err
	}
	put(x, wal.KindPausedJobGroup, x.s.pausedJobGroups, group, struct{}{})
	return nil
}

func (x *tx) DeletePausedJobGroup(_ context.Context, group string) error {
	if err := x.write(); err != nil {
		return err
	}
	del(x, wal.KindPausedJobGroup, x.s.pausedJobGroups, group)
	return nil
}

func (x *tx) IsJobGroupPaused(_ context.Context, group string) (bool, error) {
	if err := x.read(); err != nil {
		return false, err
	}
	_, ok := x.s.pausedJobGroups[group]
	return ok, nil
}

func (x *tx) SelectPausedJobGroups(_ context.Context) ([]string, error) {
	if err := x.read(); err != nil {
		return nil, err
	}
	return sortedSet(x.s.pausedJobGroups), nil
}

// ============================================================================
// Fired 紀錄
// ============================================================================

func (x *tx) InsertFiredTrigger(_ context.Context, rec *types.FiredTriggerRecord) error {
	if err := x.write(); err != nil {
		return err
	}
	c := *rec
	put(x, wal.KindFiredTrigger, x.s.fired, rec.FireInstanceID, &c)
	return nil
}

func (x *tx) UpdateFiredTrigger(ctx context.Context, rec *types.FiredTriggerRecord) error {
	return x.InsertFiredTrigger(ctx, rec)
}

func (x *tx) DeleteFiredTrigger(_ context.Context, fireInstanceID string) error {
	if err := x.write(); err != nil {
		return err
	}
	del(x, wal.KindFiredTrigger, x.s.fired, fireInstanceID)
	return nil
}

func (x *tx) selectFired(keep func(*types.FiredTriggerRecord) bool) []*types.FiredTriggerRecord {
	var out []*types.FiredTriggerRecord
	for _, rec := range x.s.fired {
		if keep(rec) {
			c := *rec
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireInstanceID < out[j].FireInstanceID })
	return out
}

func (x *tx) SelectFiredTriggers(_ context.Context, instanceID string) ([]*types.FiredTriggerRecord, error) {
	if err := x.read(); err != nil {
		return nil, err
	}
	return x.selectFired(func(r *types.FiredTriggerRecord) bool {
		return instanceID == "" || r.InstanceID == instanceID
	}), nil
}

func (x *tx) SelectFiredTriggersForJob(_ context.Context, key types.JobKey) ([]*types.FiredTriggerRecord, error) {
	if err := x.read(); err != nil {
		return nil, err
	}
	return x.selectFired(func(r *types.FiredTriggerRecord) bool { return r.JobKey == key }), nil
}

func (x *tx) SelectFiredInstanceIDs(_ context.Context) ([]string, error) {
	if err := x.read(); err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	for _, rec := range x.s.fired {
		set[rec.InstanceID] = struct{}{}
	}
	return sortedSet(set), nil
}

func (x *tx) DeleteFiredTriggers(_ context.Context, instanceID string) (int, error) {
	if err := x.write(); err != nil {
		return 0, err
	}
	var ids []string
	for id, rec := range x.s.fired {
		if instanceID == "" || rec.InstanceID == instanceID {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		del(x, wal.KindFiredTrigger, x.s.fired, id)
	}
	return len(ids), nil
}

func (x *tx) CountFiredTriggersForTrigger(_ context.Context, key types.TriggerKey) (int, error) {
	if err := x.read(); err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range x.s.fired {
		if rec.TriggerKey == key {
			n++
		}
	}
	return n, nil
}

// ============================================================================
// 叢集節點
// ============================================================================

func (x *tx) UpsertSchedulerState(_ context.Context, rec *types.SchedulerStateRecord) error {
	if err := x.write(); err != nil {
		return err
	}
	c := *rec
	put(x, wal.KindSchedulerState, x.s.states, rec.InstanceID, &c)
	return nil
}

func (x *tx) SelectSchedulerStates(_ context.Context) ([]*types.SchedulerStateRecord, error) {
	if err := x.read(); err != nil {
		return nil, err
	}
	out := make([]*types.SchedulerStateRecord, 0, len(x.s.states))
	for _, rec := range x.s.states {
		c := *rec
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

func (x *tx) DeleteSchedulerState(_ context.Context, instanceID string) error {
	if err := x.write(); err != nil {
		return err
	}
	del(x, wal.KindSchedulerState, x.s.states, instanceID)
	return nil
}

func (x *tx) ClearAll(_ context.Context) error {
	if err := x.write(); err != nil {
		return err
	}
	for k := range x.s.triggers {
		x.setTrigger(k, nil)
	}
	for k := range x.s.jobs {
		del(x, wal.KindJob, x.s.jobs, k)
	}
	for k := range x.s.calendars {
		del(x, wal.KindCalendar, x.s.calendars, k)
	}
	for k := range x.s.pausedTriggerGroups {
		del(x, wal.KindPausedTriggerGroup, x.s.pausedTriggerGroups, k)
	}
	for k := range x.s.pausedJobGroups {
		del(x, wal.KindPausedJobGroup, x.s.pausedJobGroups, k)
	}
	for k := range x.s.fired {
		del(x, wal.KindFiredTrigger, x.s.fired, k)
	}
	return nil
}

func sortTriggerKeys(keys []types.TriggerKey) {
	sort.Slice(keys, func(i, j int) bool { return types.Key(keys[i]).Compare(types.Key(keys[j])) < 0 })
}
