package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"autopilot/internal/docstore"
	"autopilot/internal/task/model"
	logx "autopilot/pkg/logx"
)

// Lease is the single-active-scheduler record.
type Lease struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AcquireLease takes or renews the scheduler lease for owner. It returns false
// while another owner holds an unexpired lease. The check-then-write is not
// atomic across processes; two instances racing on an expired lease may both
// win one tick.
func (s *Store) AcquireLease(ctx context.Context, owner string, ttl time.Duration, now time.Time) (bool, error) {
	var cur Lease
	err := s.docs.Get(ctx, model.LeasePath, &cur)
	switch {
	case errors.Is(err, docstore.ErrNotFound):
	case err != nil:
		return false, err
	case cur.Owner != owner && now.Before(cur.ExpiresAt):
		return false, nil
	}
	next := Lease{Owner: owner, ExpiresAt: now.Add(ttl).UTC()}
	if err := s.docs.Set(ctx, model.LeasePath, next); err != nil {
		return false, err
	}
	if cur.Owner != owner {
		s.log.Info("scheduler lease acquired", logx.String("owner", owner), logx.String("previous", cur.Owner))
	}
	return true, nil
}

// ReleaseLease drops the lease if owner holds it.
func (s *Store) ReleaseLease(ctx context.Context, owner string) error {
	var cur Lease
	err := s.docs.Get(ctx, model.LeasePath, &cur)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur.Owner != owner {
		return nil
	}
	return s.docs.Delete(ctx, model.LeasePath)
}

type RepairReport struct {
	Checked   int `json:"checked"`
	Removed   int `json:"removed"`
	Rewritten int `json:"rewritten"`
	Restored  int `json:"restored"`
}

// RepairIndex reconciles every index entry with its task: entries whose task is
// gone or no longer timed are removed, entries that disagree are rewritten.
// It then lists the tasks of every mandate seen in the index, plus mandates,
// and restores missing entries of timed tasks. A mandate with no entry left
// and not named in mandates cannot be discovered.
func (s *Store) RepairIndex(ctx context.Context, now time.Time, mandates ...string) (RepairReport, error) {
	var rep RepairReport
	docs, err := s.docs.Query(ctx, model.IndexCollection)
	if err != nil {
		return rep, err
	}
	for _, d := range docs {
		rep.Checked++
		var e model.IndexEntry
		if err := d.Decode(&e); err != nil {
			s.log.Warn("remove undecodable index entry", logx.String("path", d.Path), logx.Err(err))
			if err := s.docs.Delete(ctx, d.Path); err != nil {
				return rep, err
			}
			rep.Removed++
			continue
		}
		t, err := s.GetTask(ctx, e.MandatePath, e.TaskID)
		if err != nil && !IsNotFound(err) {
			return rep, err
		}
		if err != nil || !t.ExecutionPlan.Timed() || t.Status == model.TaskCompleted {
			if err := s.docs.Delete(ctx, d.Path); err != nil {
				return rep, err
			}
			rep.Removed++
			continue
		}
		if e.Agrees(t) && d.Path == model.IndexPath(t.JobID()) {
			continue
		}
		ops := []docstore.Op{docstore.SetOp(model.IndexPath(t.JobID()), t.IndexEntry(now))}
		if d.Path != model.IndexPath(t.JobID()) {
			ops = append(ops, docstore.DeleteOp(d.Path))
		}
		if err := s.docs.Batch(ctx, ops...); err != nil {
			return rep, err
		}
		rep.Rewritten++
	}

	seen := map[string]bool{}
	sweep := make([]string, 0, len(docs)+len(mandates))
	add := func(m string) {
		m = strings.Trim(strings.TrimSpace(m), "/")
		if m != "" && !seen[m] {
			seen[m] = true
			sweep = append(sweep, m)
		}
	}
	for _, d := range docs {
		var e model.IndexEntry
		if d.Decode(&e) == nil {
			add(e.MandatePath)
		}
	}
	for _, m := range mandates {
		add(m)
	}
	for _, m := range sweep {
		tasks, err := s.ListTasks(ctx, m)
		if err != nil {
			return rep, err
		}
		for _, t := range tasks {
			if !t.ExecutionPlan.Timed() || t.Status == model.TaskCompleted {
				continue
			}
			var e model.IndexEntry
			err := s.docs.Get(ctx, model.IndexPath(t.JobID()), &e)
			if err == nil {
				continue
			}
			if !errors.Is(err, docstore.ErrNotFound) {
				return rep, err
			}
			if err := s.docs.Set(ctx, model.IndexPath(t.JobID()), t.IndexEntry(now)); err != nil {
				return rep, err
			}
			rep.Restored++
		}
	}

	if rep.Removed > 0 || rep.Rewritten > 0 || rep.Restored > 0 {
		s.log.Warn("scheduler index repaired",
			logx.Int("checked", rep.Checked),
			logx.Int("removed", rep.Removed),
			logx.Int("rewritten", rep.Rewritten),
			logx.Int("restored", rep.Restored),
		)
	}
	return rep, nil
}
