package checklist

import (
	"fmt"
	"strings"

	"autopilot/internal/docstore"
	"autopilot/internal/task/model"
)

type StepErrorCode string

const (
	CodeDuplicate     StepErrorCode = "duplicate_step"
	CodeMissing       StepErrorCode = "step_not_found"
	CodeNotDeletable  StepErrorCode = "step_not_deletable"
	CodeInvalidStatus StepErrorCode = "invalid_status"
	CodeInvalidInput  StepErrorCode = "invalid_input"
)

// StepError rejects a checklist mutation.
type StepError struct {
	Code   StepErrorCode
	StepID string
	Status model.StepStatus
	Detail string
}

func (e *StepError) Error() string {
	switch e.Code {
	case CodeDuplicate:
		return fmt.Sprintf("step %q already exists", e.StepID)
	case CodeMissing:
		return fmt.Sprintf("step %q not found", e.StepID)
	case CodeNotDeletable:
		return fmt.Sprintf("step %q is %s and cannot be deleted", e.StepID, e.Status)
	case CodeInvalidStatus:
		return fmt.Sprintf("invalid status %q for step %q", e.Status, e.StepID)
	default:
		return fmt.Sprintf("invalid step %q: %s", e.StepID, e.Detail)
	}
}

func (e *StepError) Remediation() string {
	switch e.Code {
	case CodeDuplicate:
		return "use a new step id or update the existing step"
	case CodeMissing:
		return "read the checklist to get valid step ids"
	case CodeNotDeletable:
		return "only pending steps can be deleted; mark the step completed or error instead"
	case CodeInvalidStatus:
		return "status must be one of pending, in_progress, completed, error"
	default:
		return "provide a step id and name"
	}
}

// BlockingStep is a step that keeps a workflow from terminating.
type BlockingStep struct {
	ID     string           `json:"id"`
	Name   string           `json:"name"`
	Status model.StepStatus `json:"status"`
}

// IncompleteChecklistError rejects termination of an automated execution.
type IncompleteChecklistError struct {
	Blocking  []BlockingStep
	Completed int
	Total     int
}

func (e *IncompleteChecklistError) Error() string {
	return fmt.Sprintf("checklist incomplete: %d/%d steps completed", e.Completed, e.Total)
}

func (e *IncompleteChecklistError) Remediation() string {
	var b strings.Builder
	b.WriteString("finish or mark these steps before terminating: ")
	for i, s := range e.Blocking {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s (%s, %s)", s.ID, s.Name, s.Status)
	}
	return b.String()
}

// UnknownExecutionError rejects termination of an execution that does not exist.
type UnknownExecutionError struct {
	Ref Ref
}

func (e *UnknownExecutionError) Error() string {
	return "unknown execution: " + e.Ref.key()
}

func (e *UnknownExecutionError) Is(target error) bool { return target == docstore.ErrNotFound }

func (e *UnknownExecutionError) Remediation() string {
	return fmt.Sprintf("execution %s of task %s in %s does not exist; check the execution_id or terminate without an execution",
		e.Ref.ExecutionID, e.Ref.TaskID, e.Ref.MandatePath)
}
