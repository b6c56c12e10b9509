package checklist

import (
	"context"
	"errors"
	"fmt"

	"autopilot/internal/docstore"
	"autopilot/internal/eventbus"
	"autopilot/internal/task/model"
	logx "autopilot/pkg/logx"
)

// Finalizer folds a finished execution into its task.
type Finalizer interface {
	FinalizeExecution(ctx context.Context, mandate, taskID, executionID string, status model.ExecutionStatus, summary string) (model.ExecutionReport, error)
}

// TerminationRequest asks to end a workflow. Execution is nil for interactive runs.
type TerminationRequest struct {
	Reason     string `json:"reason"`
	Conclusion string `json:"conclusion"`
	Execution  *Ref   `json:"execution,omitempty"`
}

type Decision struct {
	Allowed   bool                   `json:"allowed"`
	Automated bool                   `json:"automated"`
	FailOpen  bool                   `json:"fail_open,omitempty"`
	Unknown   bool                   `json:"unknown_execution,omitempty"`
	Completed int                    `json:"completed_steps"`
	Total     int                    `json:"total_steps"`
	Blocking  []BlockingStep         `json:"blocking_steps,omitempty"`
	Message   string                 `json:"message"`
	Report    *model.ExecutionReport `json:"report,omitempty"`
}

// Gate decides whether a termination request may proceed.
type Gate struct {
	store     Executions
	finalizer Finalizer
	bus       eventbus.Bus
	log       logx.Logger
}

func NewGate(store Executions, finalizer Finalizer, bus eventbus.Bus, log logx.Logger) *Gate {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gate{store: store, finalizer: finalizer, bus: bus, log: log.With(logx.String("comp", "termination"))}
}

// Evaluate approves interactive runs unconditionally and automated runs only
// when every step is completed. An execution that does not exist is rejected;
// any other failed checklist lookup approves with a warning.
func (g *Gate) Evaluate(ctx context.Context, req TerminationRequest) Decision {
	d := g.evaluate(ctx, req)
	label := "approved"
	switch {
	case !d.Allowed:
		label = "rejected"
	case d.FailOpen:
		label = "fail_open"
	}
	eventbus.Publish(g.bus, eventbus.TerminationDecided, eventbus.Outcome{Label: label})
	return d
}

func (g *Gate) evaluate(ctx context.Context, req TerminationRequest) Decision {
	if req.Execution == nil || req.Execution.ExecutionID == "" {
		return Decision{Allowed: true, Message: "no active execution; termination accepted"}
	}
	ref := *req.Execution
	ex, err := g.store.GetExecution(ctx, ref.MandatePath, ref.TaskID, ref.ExecutionID)
	if errors.Is(err, docstore.ErrNotFound) {
		return Decision{Automated: true, Unknown: true, Message: (&UnknownExecutionError{Ref: ref}).Remediation()}
	}
	if err != nil {
		g.log.Warn("checklist lookup failed; allowing termination",
			logx.String("mandate_path", ref.MandatePath),
			logx.String("task_id", ref.TaskID),
			logx.String("execution_id", ref.ExecutionID),
			logx.Err(err),
		)
		return Decision{Allowed: true, Automated: true, FailOpen: true, Message: "checklist unavailable; termination accepted"}
	}

	c := ex.WorkflowChecklist
	d := Decision{Automated: true, Total: len(c.Steps)}
	if len(c.Steps) == 0 {
		d.Allowed = true
		d.Message = "checklist empty; termination accepted"
		return d
	}
	for _, s := range c.Steps {
		if s.Status == model.StepCompleted {
			d.Completed++
			continue
		}
		d.Blocking = append(d.Blocking, BlockingStep{ID: s.ID, Name: s.Name, Status: s.Status})
	}
	if len(d.Blocking) > 0 {
		d.Message = (&IncompleteChecklistError{Blocking: d.Blocking, Completed: d.Completed, Total: d.Total}).Remediation()
		return d
	}
	d.Allowed = true
	d.Message = fmt.Sprintf("all %d steps completed; termination accepted", d.Total)
	return d
}

// Terminate evaluates req and, when approved for an execution, finalizes it as completed.
// A rejection is returned as *UnknownExecutionError or *IncompleteChecklistError.
func (g *Gate) Terminate(ctx context.Context, req TerminationRequest) (Decision, error) {
	d := g.Evaluate(ctx, req)
	if d.Unknown {
		return d, &UnknownExecutionError{Ref: *req.Execution}
	}
	if !d.Allowed {
		return d, &IncompleteChecklistError{Blocking: d.Blocking, Completed: d.Completed, Total: d.Total}
	}
	if req.Execution == nil || req.Execution.ExecutionID == "" || g.finalizer == nil {
		return d, nil
	}
	ref := *req.Execution
	summary := req.Conclusion
	if summary == "" {
		summary = req.Reason
	}
	rep, err := g.finalizer.FinalizeExecution(ctx, ref.MandatePath, ref.TaskID, ref.ExecutionID, model.ExecutionCompleted, summary)
	if err != nil {
		g.log.Warn("finalize after termination failed",
			logx.String("execution_id", ref.ExecutionID),
			logx.Err(err),
		)
		return d, nil
	}
	d.Report = &rep
	return d, nil
}
