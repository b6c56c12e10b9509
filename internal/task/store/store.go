// Package store persists tasks, executions and the scheduler index on top of a docstore.
//
// Every write that touches a task's schedule or enabled flag also rewrites the
// task's index entry in the same docstore batch, so the pair changes together
// or not at all.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"autopilot/internal/docstore"
	"autopilot/internal/task/model"
	"autopilot/internal/task/schedule"
	logx "autopilot/pkg/logx"
)

type Store struct {
	docs docstore.Store
	calc *schedule.Calculator
	now  func() time.Time
	log  logx.Logger
}

type Option func(*Store)

// WithClock overrides the time source used for bookkeeping timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithCalculator(c *schedule.Calculator) Option {
	return func(s *Store) {
		if c != nil {
			s.calc = c
		}
	}
}

func New(docs docstore.Store, log logx.Logger, opts ...Option) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{
		docs: docs,
		calc: schedule.NewCalculator(),
		now:  time.Now,
		log:  log.With(logx.String("comp", "task.store")),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Docs exposes the underlying document store.
func (s *Store) Docs() docstore.Store { return s.docs }

// NewTask is the input of CreateTask.
type NewTask struct {
	MandatePath   string
	TaskID        string
	ExecutionPlan model.Plan
	// CronExpression is required for SCHEDULED; ONE_TIME may use it to derive its single run.
	CronExpression string
	Timezone       string
	// NextExecutionLocal is an explicit ONE_TIME instant (RFC3339 or YYYY-MM-DDTHH:MM in Timezone).
	NextExecutionLocal string
	Mission            model.Mission
	Enabled            *bool
}

func (s *Store) CreateTask(ctx context.Context, in NewTask) (model.Task, error) {
	mandate := strings.Trim(strings.TrimSpace(in.MandatePath), "/")
	id := strings.TrimSpace(in.TaskID)
	switch {
	case mandate == "":
		return model.Task{}, &ValidationError{Field: "mandate_path", Reason: "required"}
	case id == "":
		return model.Task{}, &ValidationError{Field: "task_id", Reason: "required"}
	case strings.Contains(id, "/"):
		return model.Task{}, &ValidationError{Field: "task_id", Reason: "must not contain '/'"}
	case !in.ExecutionPlan.Valid():
		return model.Task{}, &ValidationError{Field: "execution_plan", Reason: "must be one of SCHEDULED, ONE_TIME, ON_DEMAND, NOW"}
	}

	now := s.now().UTC()
	t := model.Task{
		MandatePath:   mandate,
		TaskID:        id,
		ExecutionPlan: in.ExecutionPlan,
		Enabled:       true,
		Status:        model.TaskActive,
		Mission:       in.Mission,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if in.Enabled != nil && !*in.Enabled {
		t.Enabled = false
		t.Status = model.TaskDisabled
	}

	if in.ExecutionPlan.Timed() {
		sch, err := s.firstSchedule(in, now)
		if err != nil {
			return model.Task{}, err
		}
		t.Schedule = sch
	}

	var existing model.Task
	err := s.docs.Get(ctx, t.Path(), &existing)
	if err == nil {
		return model.Task{}, &ConflictError{Path: t.Path()}
	}
	if !errors.Is(err, docstore.ErrNotFound) {
		return model.Task{}, err
	}
	if t.ExecutionPlan.Timed() {
		// clients/acme + x and clients + acme_x derive the same job id.
		var held model.IndexEntry
		err := s.docs.Get(ctx, model.IndexPath(t.JobID()), &held)
		switch {
		case err == nil && (held.MandatePath != t.MandatePath || held.TaskID != t.TaskID):
			return model.Task{}, &ConflictError{Path: model.IndexPath(t.JobID())}
		case err != nil && !errors.Is(err, docstore.ErrNotFound):
			return model.Task{}, err
		}
	}

	ops := []docstore.Op{docstore.SetOp(t.Path(), t)}
	if t.ExecutionPlan.Timed() {
		ops = append(ops, docstore.SetOp(model.IndexPath(t.JobID()), t.IndexEntry(now)))
	}
	if err := s.docs.Batch(ctx, ops...); err != nil {
		return model.Task{}, err
	}
	s.log.Info("task created",
		logx.String("mandate_path", t.MandatePath),
		logx.String("task_id", t.TaskID),
		logx.String("plan", string(t.ExecutionPlan)),
	)
	return t, nil
}

func (s *Store) firstSchedule(in NewTask, now time.Time) (*model.Schedule, error) {
	sch := &model.Schedule{
		CronExpression: strings.TrimSpace(in.CronExpression),
		Timezone:       strings.TrimSpace(in.Timezone),
	}
	if sch.Timezone == "" {
		sch.Timezone = "UTC"
	}
	var (
		local, utc time.Time
		err        error
	)
	switch {
	case in.ExecutionPlan == model.PlanOneTime && strings.TrimSpace(in.NextExecutionLocal) != "":
		local, utc, err = s.calc.ParseLocal(in.NextExecutionLocal, sch.Timezone)
	case sch.CronExpression != "":
		local, utc, err = s.calc.Next(sch.CronExpression, sch.Timezone, now)
	default:
		return nil, &ValidationError{Field: "cron_expression", Reason: "required for " + string(in.ExecutionPlan) + " tasks"}
	}
	if err != nil {
		return nil, err
	}
	sch.SetNext(local, utc)
	return sch, nil
}

func (s *Store) GetTask(ctx context.Context, mandate, taskID string) (model.Task, error) {
	p := model.TaskPath(mandate, taskID)
	var t model.Task
	if err := s.docs.Get(ctx, p, &t); err != nil {
		return model.Task{}, notFound("task", p, err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, mandate string) ([]model.Task, error) {
	docs, err := s.docs.Query(ctx, model.TasksCollection(mandate))
	if err != nil {
		return nil, err
	}
	out := make([]model.Task, 0, len(docs))
	for _, d := range docs {
		var t model.Task
		if err := d.Decode(&t); err != nil {
			s.log.Warn("skip undecodable task", logx.String("path", d.Path), logx.Err(err))
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// reserved fields may only change through the operations that keep the index in step.
var reserved = []string{"task_id", "mandate_path", "execution_plan", "schedule", "enabled", "status", "execution_count", "created_at"}

// UpdateTaskFields merges non-scheduling fields such as "mission.title".
func (s *Store) UpdateTaskFields(ctx context.Context, mandate, taskID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	for k := range fields {
		root, _, _ := strings.Cut(k, ".")
		for _, r := range reserved {
			if root == r {
				return &ValidationError{Field: k, Reason: "managed by the scheduler; use the enable or reschedule operations"}
			}
		}
	}
	upd := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		upd[k] = v
	}
	upd["updated_at"] = s.now().UTC()
	p := model.TaskPath(mandate, taskID)
	return notFound("task", p, s.docs.Update(ctx, p, upd))
}

// SetEnabled flips a task on or off and mirrors the change into its index entry.
// Re-enabling a SCHEDULED task recomputes its next occurrence from now so missed runs are skipped.
func (s *Store) SetEnabled(ctx context.Context, mandate, taskID string, enabled bool) (model.Task, error) {
	t, err := s.GetTask(ctx, mandate, taskID)
	if err != nil {
		return model.Task{}, err
	}
	now := s.now().UTC()
	t.Enabled = enabled
	t.UpdatedAt = now
	if enabled {
		t.Status = model.TaskActive
		t.CompletedAt = nil
	} else {
		t.Status = model.TaskDisabled
	}

	if enabled && t.ExecutionPlan.Timed() {
		if t.Schedule == nil {
			return model.Task{}, &ValidationError{Field: "schedule", Reason: "task has no schedule"}
		}
		switch {
		case t.ExecutionPlan == model.PlanScheduled || t.Schedule.CronExpression != "":
			local, utc, err := s.calc.Next(t.Schedule.CronExpression, t.Schedule.Timezone, now)
			if err != nil {
				return model.Task{}, err
			}
			t.Schedule.SetNext(local, utc)
		default:
			if _, ok := t.Schedule.NextUTC(); !ok {
				return model.Task{}, &ValidationError{Field: "schedule.next_execution_utc", Reason: "one-time task has no execution time"}
			}
		}
	}

	ops := []docstore.Op{docstore.SetOp(t.Path(), t)}
	if t.ExecutionPlan.Timed() {
		ops = append(ops, docstore.SetOp(model.IndexPath(t.JobID()), t.IndexEntry(now)))
	}
	if err := s.docs.Batch(ctx, ops...); err != nil {
		return model.Task{}, err
	}
	return t, nil
}

// Reschedule replaces the cron expression and timezone of a timed task.
func (s *Store) Reschedule(ctx context.Context, mandate, taskID, expr, tz string) (model.Task, error) {
	t, err := s.GetTask(ctx, mandate, taskID)
	if err != nil {
		return model.Task{}, err
	}
	if !t.ExecutionPlan.Timed() {
		return model.Task{}, &ValidationError{Field: "execution_plan", Reason: string(t.ExecutionPlan) + " tasks have no schedule"}
	}
	now := s.now().UTC()
	local, utc, err := s.calc.Next(expr, tz, now)
	if err != nil {
		return model.Task{}, err
	}
	t.Schedule = &model.Schedule{CronExpression: strings.TrimSpace(expr), Timezone: strings.TrimSpace(tz)}
	t.Schedule.SetNext(local, utc)
	t.UpdatedAt = now
	if err := s.docs.Batch(ctx,
		docstore.SetOp(t.Path(), t),
		docstore.SetOp(model.IndexPath(t.JobID()), t.IndexEntry(now)),
	); err != nil {
		return model.Task{}, err
	}
	return t, nil
}

// DeleteTask removes the task, its executions and its index entry in one batch.
func (s *Store) DeleteTask(ctx context.Context, mandate, taskID string) error {
	t, err := s.GetTask(ctx, mandate, taskID)
	if err != nil {
		return err
	}
	execs, err := s.docs.Query(ctx, model.ExecutionsCollection(t.MandatePath, t.TaskID))
	if err != nil {
		return err
	}
	ops := make([]docstore.Op, 0, len(execs)+2)
	for _, d := range execs {
		ops = append(ops, docstore.DeleteOp(d.Path))
	}
	ops = append(ops,
		docstore.DeleteOp(t.Path()),
		docstore.DeleteOp(model.IndexPath(t.JobID())),
	)
	if err := s.docs.Batch(ctx, ops...); err != nil {
		return err
	}
	s.log.Info("task deleted",
		logx.String("mandate_path", t.MandatePath),
		logx.String("task_id", t.TaskID),
		logx.Int("executions", len(execs)),
	)
	return nil
}

// GetDue returns enabled timed tasks whose next UTC occurrence is at or before now,
// ordered by that occurrence. Entries without a next occurrence are never due.
func (s *Store) GetDue(ctx context.Context, now time.Time) ([]model.Task, error) {
	docs, err := s.docs.Query(ctx, model.IndexCollection, docstore.Eq("enabled", true))
	if err != nil {
		return nil, err
	}
	type due struct {
		at   time.Time
		task model.Task
	}
	var out []due
	for _, d := range docs {
		var e model.IndexEntry
		if err := d.Decode(&e); err != nil {
			s.log.Warn("skip undecodable index entry", logx.String("path", d.Path), logx.Err(err))
			continue
		}
		at, ok := e.NextUTC()
		if !ok || at.After(now) {
			continue
		}
		t, err := s.GetTask(ctx, e.MandatePath, e.TaskID)
		if err != nil {
			if IsNotFound(err) {
				s.log.Warn("index entry without task", logx.String("job_id", e.JobID))
				continue
			}
			return nil, err
		}
		if !t.Enabled || !t.ExecutionPlan.Timed() {
			continue
		}
		if _, ok := t.Schedule.NextUTC(); !ok {
			continue
		}
		out = append(out, due{at: at, task: t})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].at.Equal(out[j].at) {
			return out[i].at.Before(out[j].at)
		}
		return out[i].task.JobID() < out[j].task.JobID()
	})
	tasks := make([]model.Task, len(out))
	for i, d := range out {
		tasks[i] = d.task
	}
	return tasks, nil
}

// AdvanceSchedule stores the next occurrence, bumps execution_count and rewrites
// the index entry. Both documents change together or not at all. The task is
// re-read so a concurrent enable flip or reschedule is not overwritten.
func (s *Store) AdvanceSchedule(ctx context.Context, t model.Task, local, utc time.Time) (model.Task, model.IndexEntry, error) {
	if t.Schedule == nil {
		return model.Task{}, model.IndexEntry{}, &ValidationError{Field: "schedule", Reason: "task has no schedule"}
	}
	if utc.IsZero() {
		return model.Task{}, model.IndexEntry{}, &ValidationError{Field: "schedule.next_execution_utc", Reason: "empty next occurrence"}
	}
	cur, err := s.GetTask(ctx, t.MandatePath, t.TaskID)
	if err != nil {
		return model.Task{}, model.IndexEntry{}, err
	}
	if cur.Schedule == nil {
		return model.Task{}, model.IndexEntry{}, &ValidationError{Field: "schedule", Reason: "task has no schedule"}
	}
	now := s.now().UTC()
	next := *cur.Schedule
	if next.CronExpression == t.Schedule.CronExpression && next.Timezone == t.Schedule.Timezone {
		next.SetNext(local, utc)
	}
	cur.Schedule = &next
	cur.ExecutionCount++
	cur.UpdatedAt = now
	entry := cur.IndexEntry(now)

	err = s.docs.Batch(ctx,
		docstore.UpdateOp(cur.Path(), map[string]any{
			"schedule.next_execution_local": next.NextExecutionLocal,
			"schedule.next_execution_utc":   next.NextExecutionUTC,
			"execution_count":               cur.ExecutionCount,
			"updated_at":                    now,
		}),
		docstore.SetOp(model.IndexPath(entry.JobID), entry),
	)
	if err != nil {
		return model.Task{}, model.IndexEntry{}, notFound("task", cur.Path(), err)
	}
	return cur, entry, nil
}

// CompleteOneTime disables a fired ONE_TIME task and drops its index entry.
func (s *Store) CompleteOneTime(ctx context.Context, t model.Task, at time.Time) (model.Task, error) {
	at = at.UTC()
	t.Enabled = false
	t.Status = model.TaskCompleted
	t.CompletedAt = &at
	t.UpdatedAt = s.now().UTC()
	err := s.docs.Batch(ctx,
		docstore.UpdateOp(t.Path(), map[string]any{
			"enabled":      false,
			"status":       model.TaskCompleted,
			"completed_at": at,
			"updated_at":   t.UpdatedAt,
		}),
		docstore.DeleteOp(model.IndexPath(t.JobID())),
	)
	if err != nil {
		return model.Task{}, notFound("task", t.Path(), err)
	}
	return t, nil
}
