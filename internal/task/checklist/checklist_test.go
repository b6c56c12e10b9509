package checklist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"autopilot/internal/docstore"
	"autopilot/internal/task/model"
	"autopilot/internal/task/store"
	logx "autopilot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	muts []Mutation
}

func (r *recorder) ChecklistChanged(_ context.Context, _ Ref, m Mutation) {
	r.mu.Lock()
	r.muts = append(r.muts, m)
	r.mu.Unlock()
}

func setup(t *testing.T) (*store.Store, Ref) {
	t.Helper()
	ctx := context.Background()
	st := store.New(docstore.NewMemory(), logx.Nop())
	_, err := st.CreateTask(ctx, store.NewTask{MandatePath: "m", TaskID: "t", ExecutionPlan: model.PlanOnDemand})
	require.NoError(t, err)
	_, err = st.CreateExecution(ctx, model.Execution{ExecutionID: "e", MandatePath: "m", TaskID: "t"})
	require.NoError(t, err)
	return st, Ref{MandatePath: "m", TaskID: "t", ExecutionID: "e"}
}

func statusPtr(s model.StepStatus) *model.StepStatus { return &s }

func TestCreateInsertsAndRejectsDuplicates(t *testing.T) {
	st, ref := setup(t)
	eng := NewEngine(st, logx.Nop())
	ctx := context.Background()

	_, err := eng.Create(ctx, ref, StepSpec{ID: "a", Name: "A"})
	require.NoError(t, err)
	_, err = eng.Create(ctx, ref, StepSpec{ID: "c", Name: "C"})
	require.NoError(t, err)
	m, err := eng.Create(ctx, ref, StepSpec{ID: "b", Name: "B", InsertAfter: "a"})
	require.NoError(t, err)
	assert.Equal(t, 3, m.TotalSteps)
	assert.Equal(t, model.StepPending, m.Step.Status)

	c, err := eng.Get(ctx, ref)
	require.NoError(t, err)
	ids := []string{}
	for _, s := range c.Steps {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Equal(t, 3, c.TotalSteps)

	_, err = eng.Create(ctx, ref, StepSpec{ID: "a", Name: "again"})
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, CodeDuplicate, se.Code)

	_, err = eng.Create(ctx, ref, StepSpec{ID: "d", Name: "D", InsertAfter: "zz"})
	require.ErrorAs(t, err, &se)
	assert.Equal(t, CodeMissing, se.Code)
}

func TestUpdatePartial(t *testing.T) {
	st, ref := setup(t)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	eng := NewEngine(st, logx.Nop(), WithClock(func() time.Time { return now }))
	ctx := context.Background()
	_, err := eng.Create(ctx, ref, StepSpec{ID: "a", Name: "A"})
	require.NoError(t, err)

	now = now.Add(time.Minute)
	msg := "halfway"
	m, err := eng.Update(ctx, ref, "a", StepPatch{Message: &msg})
	require.NoError(t, err)
	assert.Equal(t, model.StepPending, m.Step.Status)
	assert.Equal(t, "halfway", m.Step.Message)
	assert.Equal(t, "2025-01-01T00:01:00Z", m.Step.Timestamp)

	m, err = eng.Update(ctx, ref, "a", StepPatch{Status: statusPtr(model.StepCompleted)})
	require.NoError(t, err)
	assert.Equal(t, "halfway", m.Step.Message)
	assert.Equal(t, 1, m.CompletedSteps)

	// No transition graph: completed may go back to in_progress.
	_, err = eng.Update(ctx, ref, "a", StepPatch{Status: statusPtr(model.StepInProgress)})
	require.NoError(t, err)

	var se *StepError
	_, err = eng.Update(ctx, ref, "a", StepPatch{Status: statusPtr("done")})
	require.ErrorAs(t, err, &se)
	assert.Equal(t, CodeInvalidStatus, se.Code)
	_, err = eng.Update(ctx, ref, "nope", StepPatch{Message: &msg})
	require.ErrorAs(t, err, &se)
	assert.Equal(t, CodeMissing, se.Code)
}

func TestDeleteOnlyPending(t *testing.T) {
	ctx := context.Background()
	for _, status := range []model.StepStatus{model.StepInProgress, model.StepCompleted, model.StepError} {
		st, ref := setup(t)
		eng := NewEngine(st, logx.Nop())
		_, err := eng.Create(ctx, ref, StepSpec{ID: "a", Name: "A"})
		require.NoError(t, err)
		_, err = eng.Update(ctx, ref, "a", StepPatch{Status: statusPtr(status)})
		require.NoError(t, err)

		_, err = eng.Delete(ctx, ref, "a", "not needed")
		var se *StepError
		require.ErrorAs(t, err, &se, status)
		assert.Equal(t, CodeNotDeletable, se.Code)
		c, err := eng.Get(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, 1, c.TotalSteps)
	}

	st, ref := setup(t)
	eng := NewEngine(st, logx.Nop())
	_, err := eng.Create(ctx, ref, StepSpec{ID: "a", Name: "A"})
	require.NoError(t, err)
	_, err = eng.Create(ctx, ref, StepSpec{ID: "b", Name: "B"})
	require.NoError(t, err)
	m, err := eng.Delete(ctx, ref, "a", "merged into b")
	require.NoError(t, err)
	assert.Equal(t, 1, m.TotalSteps)
	assert.Equal(t, "merged into b", m.Reason)

	_, err = eng.Delete(ctx, ref, "a", "")
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, CodeMissing, se.Code)
}

func TestObserversOnlyInInteractiveContext(t *testing.T) {
	st, ref := setup(t)
	rec := &recorder{}
	eng := NewEngine(st, logx.Nop(), WithObserver(rec))
	ctx := context.Background()

	_, err := eng.Create(ctx, ref, StepSpec{ID: "a", Name: "A"})
	require.NoError(t, err)
	assert.Empty(t, rec.muts)

	ref.Interactive = true
	_, err = eng.Create(ctx, ref, StepSpec{ID: "b", Name: "B"})
	require.NoError(t, err)
	require.Len(t, rec.muts, 1)
	assert.Equal(t, KindCreate, rec.muts[0].Kind)
	assert.Equal(t, 2, rec.muts[0].TotalSteps)
}

func TestConcurrentCreatesKeepEveryStep(t *testing.T) {
	st, ref := setup(t)
	eng := NewEngine(st, logx.Nop())
	ctx := context.Background()
	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.Create(ctx, ref, StepSpec{ID: id, Name: id})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	c, err := eng.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, 6, c.TotalSteps)
	assert.Empty(t, eng.locks)
}

func TestGateNoExecutionAlwaysAllows(t *testing.T) {
	g := NewGate(nil, nil, nil, logx.Nop())
	d := g.Evaluate(context.Background(), TerminationRequest{Reason: "done"})
	assert.True(t, d.Allowed)
	assert.False(t, d.Automated)
}

func TestGateRequiresEveryStepCompleted(t *testing.T) {
	st, ref := setup(t)
	eng := NewEngine(st, logx.Nop())
	gate := NewGate(st, st, nil, logx.Nop())
	ctx := context.Background()

	d := gate.Evaluate(ctx, TerminationRequest{Execution: &ref})
	assert.True(t, d.Allowed, "empty checklist cannot gate")

	for _, id := range []string{"a", "b", "c"} {
		_, err := eng.Create(ctx, ref, StepSpec{ID: id, Name: id})
		require.NoError(t, err)
	}
	_, err := eng.Update(ctx, ref, "a", StepPatch{Status: statusPtr(model.StepCompleted)})
	require.NoError(t, err)
	_, err = eng.Update(ctx, ref, "b", StepPatch{Status: statusPtr(model.StepError)})
	require.NoError(t, err)

	d, err = gate.Terminate(ctx, TerminationRequest{Conclusion: "all good", Execution: &ref})
	var ice *IncompleteChecklistError
	require.ErrorAs(t, err, &ice)
	assert.False(t, d.Allowed)
	assert.Equal(t, 1, d.Completed)
	assert.Equal(t, 3, d.Total)
	require.Len(t, d.Blocking, 2)
	assert.Equal(t, "b", d.Blocking[0].ID)
	assert.Equal(t, model.StepError, d.Blocking[0].Status)
	assert.Contains(t, d.Message, "c (c, pending)")

	// Still there: a rejection does not finalize.
	_, err = st.GetExecution(ctx, "m", "t", "e")
	require.NoError(t, err)

	for _, id := range []string{"b", "c"} {
		_, err := eng.Update(ctx, ref, id, StepPatch{Status: statusPtr(model.StepCompleted)})
		require.NoError(t, err)
	}
	d, err = gate.Terminate(ctx, TerminationRequest{Conclusion: "all good", Execution: &ref})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	require.NotNil(t, d.Report)
	assert.Equal(t, 3, d.Report.CompletedSteps)

	task, err := st.GetTask(ctx, "m", "t")
	require.NoError(t, err)
	assert.Equal(t, "all good", task.LastExecutionReport.Summary)
	_, err = st.GetExecution(ctx, "m", "t", "e")
	assert.True(t, store.IsNotFound(err))
}

type brokenStore struct{}

func (brokenStore) GetExecution(context.Context, string, string, string) (model.Execution, error) {
	return model.Execution{}, errors.New("connection reset")
}

func (brokenStore) SaveChecklist(context.Context, string, string, string, model.Checklist) error {
	return errors.New("connection reset")
}

func TestGateFailsOpenOnLookupError(t *testing.T) {
	gate := NewGate(brokenStore{}, nil, nil, logx.Nop())
	d := gate.Evaluate(context.Background(), TerminationRequest{Execution: &Ref{MandatePath: "m", TaskID: "t", ExecutionID: "e"}})
	assert.True(t, d.Allowed)
	assert.True(t, d.FailOpen)
}

func TestGateRejectsUnknownExecution(t *testing.T) {
	st, ref := setup(t)
	gate := NewGate(st, st, nil, logx.Nop())
	ctx := context.Background()

	typo := ref
	typo.ExecutionID = "e-typo"
	d, err := gate.Terminate(ctx, TerminationRequest{Reason: "done", Execution: &typo})
	var uee *UnknownExecutionError
	require.ErrorAs(t, err, &uee)
	assert.True(t, store.IsNotFound(err))
	assert.False(t, d.Allowed)
	assert.False(t, d.FailOpen)
	assert.True(t, d.Unknown)
	assert.Contains(t, d.Message, "e-typo")
	assert.Contains(t, uee.Remediation(), "check the execution_id")

	_, err = st.GetExecution(ctx, ref.MandatePath, ref.TaskID, ref.ExecutionID)
	require.NoError(t, err)
}
