package memory

import (
	"encoding/json"

	"github.com/cockroachdb/errors"

	"github.com/ChuLiYu/beaver-sched/internal/snapshot"
	"github.com/ChuLiYu/beaver-sched/internal/storage/wal"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// ============================================================================
// WAL 紀錄 <-> store 列
// ============================================================================

// redo 把交易修改過的列轉成 WAL 紀錄；每筆紀錄是該列在 Commit 時的最終內容
func (s *Store) redo(changes []change) ([]wal.Record, error) {
	recs := make([]wal.Record, 0, len(changes))
	for _, c := range changes {
		rec := wal.Record{Kind: c.kind, Op: wal.OpDelete}
		var v any

		switch c.kind {
		case wal.KindJob:
			k := c.key.(types.JobKey)
			rec.Name, rec.Group = k.Name, k.Group
			if job, ok := s.jobs[k]; ok {
				v = job
			}
		case wal.KindTrigger:
			k := c.key.(types.TriggerKey)
			rec.Name, rec.Group = k.Name, k.Group
			if row, ok := s.triggers[k]; ok {
				v = snapshot.TriggerRow{Trigger: row.t, State: row.state}
			}
		case wal.KindCalendar:
			rec.Name = c.key.(string)
			if blob, ok := s.calendars[rec.Name]; ok {
				rec.Op, rec.Data = wal.OpPut, json.RawMessage(blob)
			}
		case wal.KindPausedTriggerGroup:
			rec.Name = c.key.(string)
			if _, ok := s.pausedTriggerGroups[rec.Name]; ok {
				rec.Op = wal.OpPut
			}
		case wal.KindPausedJobGroup:
			rec.Name = c.key.(string)
			if _, ok := s.pausedJobGroups[rec.Name]; ok {
				rec.Op = wal.OpPut
			}
		case wal.KindFiredTrigger:
			rec.Name = c.key.(string)
			if ft, ok := s.fired[rec.Name]; ok {
				v = ft
			}
		case wal.KindSchedulerState:
			rec.Name = c.key.(string)
			if st, ok := s.states[rec.Name]; ok {
				v = st
			}
		default:
			return nil, errors.Newf("unknown wal kind %q", c.kind)
		}

		if v != nil {
			data, err := json.Marshal(v)
			if err != nil {
				return nil, errors.Wrapf(err, "encode %s %s", c.kind, rec.Name)
			}
			rec.Op, rec.Data = wal.OpPut, data
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// apply 重放一個交易；呼叫端持有寫鎖，或仍在 New 裡
func (s *Store) apply(recs []wal.Record) error {
	for _, rec := range recs {
		if err := s.applyOne(rec); err != nil {
			return errors.Wrapf(err, "apply wal seq %d", rec.Seq)
		}
	}
	return nil
}

func (s *Store) applyOne(rec wal.Record) error {
	present := rec.Op == wal.OpPut

	switch rec.Kind {
	case wal.KindJob:
		k := types.NewJobKey(rec.Name, rec.Group)
		if !present {
			delete(s.jobs, k)
			return nil
		}
		var job types.JobDetail
		if err := json.Unmarshal(rec.Data, &job); err != nil {
			return err
		}
		s.jobs[k] = &job
	case wal.KindTrigger:
		k := types.NewTriggerKey(rec.Name, rec.Group)
		if !present {
			s.setTrigger(k, nil)
			return nil
		}
		var row snapshot.TriggerRow
		if err := json.Unmarshal(rec.Data, &row); err != nil {
			return err
		}
		if row.Trigger == nil {
			return errors.New("trigger row without trigger")
		}
		s.setTrigger(k, &triggerRow{t: row.Trigger, state: row.State})
	case wal.KindCalendar:
		if !present {
			delete(s.calendars, rec.Name)
			return nil
		}
		s.calendars[rec.Name] = append([]byte(nil), rec.Data...)
	case wal.KindPausedTriggerGroup:
		setMember(s.pausedTriggerGroups, rec.Name, present)
	case wal.KindPausedJobGroup:
		setMember(s.pausedJobGroups, rec.Name, present)
	case wal.KindFiredTrigger:
		if !present {
			delete(s.fired, rec.Name)
			return nil
		}
		var ft types.FiredTriggerRecord
		if err := json.Unmarshal(rec.Data, &ft); err != nil {
			return err
		}
		s.fired[rec.Name] = &ft
	case wal.KindSchedulerState:
		if !present {
			delete(s.states, rec.Name)
			return nil
		}
		var st types.SchedulerStateRecord
		if err := json.Unmarshal(rec.Data, &st); err != nil {
			return err
		}
		s.states[rec.Name] = &st
	default:
		return errors.Newf("unknown wal kind %q", rec.Kind)
	}
	return nil
}

func setMember(set map[string]struct{}, name string, present bool) {
	if present {
		set[name] = struct{}{}
	} else {
		delete(set, name)
	}
}
