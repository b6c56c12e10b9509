package store

import (
	"context"
	"errors"
	"sort"
	"strings"

	"autopilot/internal/docstore"
	"autopilot/internal/task/model"
	logx "autopilot/pkg/logx"
)

func (s *Store) CreateExecution(ctx context.Context, e model.Execution) (model.Execution, error) {
	if strings.TrimSpace(e.ExecutionID) == "" {
		return model.Execution{}, &ValidationError{Field: "execution_id", Reason: "required"}
	}
	e.MandatePath = strings.Trim(e.MandatePath, "/")
	if e.Status == "" {
		e.Status = model.ExecutionRunning
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = s.now().UTC()
	}
	if e.WorkflowChecklist.Steps == nil {
		e.WorkflowChecklist.Steps = []model.Step{}
	}
	e.WorkflowChecklist.TotalSteps = len(e.WorkflowChecklist.Steps)
	if err := s.docs.Set(ctx, e.Path(), e); err != nil {
		return model.Execution{}, err
	}
	return e, nil
}

func (s *Store) GetExecution(ctx context.Context, mandate, taskID, executionID string) (model.Execution, error) {
	p := model.ExecutionPath(mandate, taskID, executionID)
	var e model.Execution
	if err := s.docs.Get(ctx, p, &e); err != nil {
		return model.Execution{}, notFound("execution", p, err)
	}
	return e, nil
}

// ListExecutions returns a task's executions, oldest first.
func (s *Store) ListExecutions(ctx context.Context, mandate, taskID string) ([]model.Execution, error) {
	docs, err := s.docs.Query(ctx, model.ExecutionsCollection(mandate, taskID))
	if err != nil {
		return nil, err
	}
	out := make([]model.Execution, 0, len(docs))
	for _, d := range docs {
		var e model.Execution
		if err := d.Decode(&e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// SaveChecklist persists the full step list and its count.
func (s *Store) SaveChecklist(ctx context.Context, mandate, taskID, executionID string, c model.Checklist) error {
	if c.Steps == nil {
		c.Steps = []model.Step{}
	}
	c.TotalSteps = len(c.Steps)
	p := model.ExecutionPath(mandate, taskID, executionID)
	return notFound("execution", p, s.docs.Update(ctx, p, map[string]any{"workflow_checklist": c}))
}

func (s *Store) UpdateExecutionStatus(ctx context.Context, mandate, taskID, executionID string, status model.ExecutionStatus, reason string) error {
	fields := map[string]any{"status": status}
	if reason != "" {
		fields["error"] = reason
	}
	if status != model.ExecutionRunning {
		fields["finished_at"] = s.now().UTC()
	}
	p := model.ExecutionPath(mandate, taskID, executionID)
	return notFound("execution", p, s.docs.Update(ctx, p, fields))
}

// AttachLPT records a dispatched batch under the execution's lpt_tasks map.
func (s *Store) AttachLPT(ctx context.Context, mandate, taskID, executionID string, ref model.LPTRef) error {
	if ref.BatchID == "" {
		return &ValidationError{Field: "batch_id", Reason: "required"}
	}
	if strings.Contains(ref.BatchID, ".") {
		return &ValidationError{Field: "batch_id", Reason: "must not contain '.'"}
	}
	p := model.ExecutionPath(mandate, taskID, executionID)
	return notFound("execution", p, s.docs.Update(ctx, p, map[string]any{"lpt_tasks." + ref.BatchID: ref}))
}

// FinalizeExecution folds the execution into the task's last_execution_report and
// deletes the execution record. execution_count is only incremented for plans the
// scheduler does not already count when it advances a schedule.
func (s *Store) FinalizeExecution(ctx context.Context, mandate, taskID, executionID string, status model.ExecutionStatus, summary string) (model.ExecutionReport, error) {
	e, err := s.GetExecution(ctx, mandate, taskID, executionID)
	if err != nil {
		return model.ExecutionReport{}, err
	}
	t, err := s.GetTask(ctx, mandate, taskID)
	if err != nil {
		return model.ExecutionReport{}, err
	}
	now := s.now().UTC()
	rep := model.ExecutionReport{
		ExecutionID:    e.ExecutionID,
		ThreadKey:      e.ThreadKey,
		Status:         status,
		Summary:        summary,
		StartedAt:      e.StartedAt,
		FinishedAt:     now,
		TotalSteps:     e.WorkflowChecklist.TotalSteps,
		CompletedSteps: e.WorkflowChecklist.Completed(),
	}
	for id := range e.LPTTasks {
		rep.LPTBatches = append(rep.LPTBatches, id)
	}
	sort.Strings(rep.LPTBatches)

	fields := map[string]any{
		"last_execution_report": rep,
		"updated_at":            now,
	}
	if t.ExecutionPlan != model.PlanScheduled {
		fields["execution_count"] = t.ExecutionCount + 1
	}
	err = s.docs.Batch(ctx,
		docstore.UpdateOp(t.Path(), fields),
		docstore.DeleteOp(e.Path()),
	)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return model.ExecutionReport{}, &NotFoundError{Kind: "task", Path: t.Path()}
		}
		return model.ExecutionReport{}, err
	}
	s.log.Info("execution finalized",
		logx.String("mandate_path", t.MandatePath),
		logx.String("task_id", t.TaskID),
		logx.String("execution_id", e.ExecutionID),
		logx.String("status", string(status)),
	)
	return rep, nil
}
