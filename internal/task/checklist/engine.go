// Package checklist mutates an execution's workflow checklist and gates termination on it.
package checklist

import (
	"context"
	"strings"
	"sync"
	"time"

	"autopilot/internal/eventbus"
	"autopilot/internal/task/model"
	logx "autopilot/pkg/logx"
)

// Ref addresses one execution. Interactive marks a user-facing session whose
// observers should see every mutation.
type Ref struct {
	MandatePath string `json:"mandate_path"`
	TaskID      string `json:"task_id"`
	ExecutionID string `json:"execution_id"`
	Interactive bool   `json:"interactive,omitempty"`
}

func (r Ref) key() string { return model.ExecutionPath(r.MandatePath, r.TaskID, r.ExecutionID) }

type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Mutation describes one successful change.
type Mutation struct {
	Kind           Kind       `json:"kind"`
	Step           model.Step `json:"step"`
	TotalSteps     int        `json:"total_steps"`
	CompletedSteps int        `json:"completed_steps"`
	Reason         string     `json:"reason,omitempty"`
}

// Observer is told about mutations made in interactive contexts.
type Observer interface {
	ChecklistChanged(ctx context.Context, ref Ref, m Mutation)
}

// Executions is the slice of the task store the engine needs.
type Executions interface {
	GetExecution(ctx context.Context, mandate, taskID, executionID string) (model.Execution, error)
	SaveChecklist(ctx context.Context, mandate, taskID, executionID string, c model.Checklist) error
}

type StepSpec struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	InsertAfter string `json:"insert_after,omitempty"`
}

// StepPatch carries optional fields; nil means unchanged.
type StepPatch struct {
	Status  *model.StepStatus `json:"status,omitempty"`
	Message *string           `json:"message,omitempty"`
}

type Engine struct {
	store     Executions
	observers []Observer
	bus       eventbus.Bus
	now       func() time.Time
	log       logx.Logger

	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

type Option func(*Engine)

func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

func WithBus(b eventbus.Bus) Option { return func(e *Engine) { e.bus = b } }

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(store Executions, log logx.Logger, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		store: store,
		now:   time.Now,
		log:   log.With(logx.String("comp", "checklist")),
		locks: map[string]*refLock{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// lock serializes read-modify-write cycles per execution within this process.
func (e *Engine) lock(ref Ref) func() {
	k := ref.key()
	e.mu.Lock()
	l, ok := e.locks[k]
	if !ok {
		l = &refLock{}
		e.locks[k] = l
	}
	l.refs++
	e.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, k)
		}
		e.mu.Unlock()
	}
}

func (e *Engine) Get(ctx context.Context, ref Ref) (model.Checklist, error) {
	ex, err := e.store.GetExecution(ctx, ref.MandatePath, ref.TaskID, ref.ExecutionID)
	if err != nil {
		return model.Checklist{}, err
	}
	return ex.WorkflowChecklist, nil
}

// Create adds a pending step after spec.InsertAfter, or at the end.
func (e *Engine) Create(ctx context.Context, ref Ref, spec StepSpec) (Mutation, error) {
	id := strings.TrimSpace(spec.ID)
	if id == "" || strings.TrimSpace(spec.Name) == "" {
		return Mutation{}, &StepError{Code: CodeInvalidInput, StepID: id, Detail: "id and name are required"}
	}
	return e.mutate(ctx, ref, KindCreate, "", func(c *model.Checklist, stamp string) (model.Step, error) {
		if c.Index(id) >= 0 {
			return model.Step{}, &StepError{Code: CodeDuplicate, StepID: id}
		}
		step := model.Step{ID: id, Name: strings.TrimSpace(spec.Name), Status: model.StepPending, Timestamp: stamp}
		pos := len(c.Steps)
		if after := strings.TrimSpace(spec.InsertAfter); after != "" {
			i := c.Index(after)
			if i < 0 {
				return model.Step{}, &StepError{Code: CodeMissing, StepID: after}
			}
			pos = i + 1
		}
		c.Steps = append(c.Steps, model.Step{})
		copy(c.Steps[pos+1:], c.Steps[pos:])
		c.Steps[pos] = step
		return step, nil
	})
}

// Update overwrites the provided fields of a step and refreshes its timestamp.
func (e *Engine) Update(ctx context.Context, ref Ref, id string, patch StepPatch) (Mutation, error) {
	if patch.Status != nil && !patch.Status.Valid() {
		return Mutation{}, &StepError{Code: CodeInvalidStatus, StepID: id, Status: *patch.Status}
	}
	return e.mutate(ctx, ref, KindUpdate, "", func(c *model.Checklist, stamp string) (model.Step, error) {
		i := c.Index(id)
		if i < 0 {
			return model.Step{}, &StepError{Code: CodeMissing, StepID: id}
		}
		s := &c.Steps[i]
		if patch.Status != nil {
			s.Status = *patch.Status
		}
		if patch.Message != nil {
			s.Message = *patch.Message
		}
		s.Timestamp = stamp
		return *s, nil
	})
}

// Delete removes a step that is still pending.
func (e *Engine) Delete(ctx context.Context, ref Ref, id, reason string) (Mutation, error) {
	return e.mutate(ctx, ref, KindDelete, reason, func(c *model.Checklist, _ string) (model.Step, error) {
		i := c.Index(id)
		if i < 0 {
			return model.Step{}, &StepError{Code: CodeMissing, StepID: id}
		}
		s := c.Steps[i]
		if s.Status != model.StepPending {
			return model.Step{}, &StepError{Code: CodeNotDeletable, StepID: id, Status: s.Status}
		}
		c.Steps = append(c.Steps[:i], c.Steps[i+1:]...)
		return s, nil
	})
}

func (e *Engine) mutate(ctx context.Context, ref Ref, kind Kind, reason string, fn func(*model.Checklist, string) (model.Step, error)) (Mutation, error) {
	unlock := e.lock(ref)
	defer unlock()

	ex, err := e.store.GetExecution(ctx, ref.MandatePath, ref.TaskID, ref.ExecutionID)
	if err != nil {
		return Mutation{}, err
	}
	c := ex.WorkflowChecklist
	c.Steps = append([]model.Step(nil), c.Steps...)
	step, err := fn(&c, model.Stamp(e.now()))
	if err != nil {
		return Mutation{}, err
	}
	c.TotalSteps = len(c.Steps)
	if err := e.store.SaveChecklist(ctx, ref.MandatePath, ref.TaskID, ref.ExecutionID, c); err != nil {
		return Mutation{}, err
	}

	m := Mutation{Kind: kind, Step: step, TotalSteps: c.TotalSteps, CompletedSteps: c.Completed(), Reason: reason}
	e.log.Debug("checklist mutated",
		logx.String("execution_id", ref.ExecutionID),
		logx.String("kind", string(kind)),
		logx.String("step_id", step.ID),
		logx.Int("total_steps", m.TotalSteps),
	)
	eventbus.Publish(e.bus, eventbus.ChecklistMutated, eventbus.Outcome{Kind: string(kind), Label: step.ID})
	if ref.Interactive {
		for _, o := range e.observers {
			o.ChecklistChanged(ctx, ref, m)
		}
	}
	return m, nil
}
