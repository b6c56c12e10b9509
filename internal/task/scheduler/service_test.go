package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"autopilot/internal/agent"
	"autopilot/internal/docstore"
	"autopilot/internal/eventbus"
	"autopilot/internal/messaging"
	"autopilot/internal/task/jobs"
	"autopilot/internal/task/model"
	"autopilot/internal/task/store"
	logx "autopilot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	mu       sync.Mutex
	now      time.Time
	st       *store.Store
	msgs     *messaging.Memory
	runner   *jobs.Runner
	triggers chan agent.Trigger
	engine   agent.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		now:      time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		msgs:     messaging.NewMemory(),
		triggers: make(chan agent.Trigger, 16),
	}
	h.st = store.New(docstore.NewMemory(), logx.Nop(), store.WithClock(h.clock))
	h.engine = agent.Func(func(_ context.Context, tr agent.Trigger) error {
		h.triggers <- tr
		return nil
	})
	h.runner = jobs.New(jobs.Config{Enabled: true, Workers: 2}, logx.Nop(), eventbus.New())
	h.runner.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.runner.Stop(ctx)
	})
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) set(at time.Time) {
	h.mu.Lock()
	h.now = at
	h.mu.Unlock()
}

func (h *harness) scheduler(cfg Config, m Messenger) *Scheduler {
	if m == nil {
		m = h.msgs
	}
	return New(cfg, Deps{
		Store:     h.st,
		Messenger: m,
		Engine:    h.engine,
		Jobs:      h.runner,
		Clock:     ClockFunc(h.clock),
	}, logx.Nop(), eventbus.New())
}

func (h *harness) nightly(t *testing.T, id, title string) model.Task {
	t.Helper()
	task, err := h.st.CreateTask(context.Background(), store.NewTask{
		MandatePath:    "clients/acme",
		TaskID:         id,
		ExecutionPlan:  model.PlanScheduled,
		CronExpression: "0 3 * * *",
		Timezone:       "Europe/Zurich",
		Mission:        model.Mission{Title: title, Prompt: "summarize"},
	})
	require.NoError(t, err)
	return task
}

func waitAll(t *testing.T, rep TickReport) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, h := range rep.Handles {
		require.NoError(t, h.Wait(ctx))
	}
}

func TestTickTriggersDueScheduledTaskOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.nightly(t, "t1", "nightly")
	s := h.scheduler(Config{}, nil)

	// Not yet due.
	rep := s.Tick(ctx)
	assert.Equal(t, 0, rep.Due)

	h.set(time.Date(2025, 6, 2, 1, 0, 30, 0, time.UTC))
	rep = s.Tick(ctx)
	require.Equal(t, 1, rep.Due)
	require.Equal(t, 1, rep.Triggered)
	waitAll(t, rep)

	res := rep.Results[0]
	assert.Equal(t, OutcomeTriggered, res.Outcome)
	assert.Equal(t, "clients_acme_t1", res.JobID)
	assert.Equal(t, "task_t1_1748826030", res.ThreadKey)
	assert.Equal(t, "2025-06-03T01:00:00Z", res.Next)

	tr := <-h.triggers
	assert.Equal(t, res.ExecutionID, tr.ExecutionID)
	assert.Equal(t, "summarize", tr.Mission.Prompt)

	task, err := h.st.GetTask(ctx, "clients/acme", "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, task.ExecutionCount)
	assert.Equal(t, "2025-06-03T03:00:00+02:00", task.Schedule.NextExecutionLocal)

	execs, err := h.st.ListExecutions(ctx, "clients/acme", "t1")
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, model.ExecutionRunning, execs[0].Status)

	threads := h.msgs.Threads()
	require.Len(t, threads, 1)
	assert.Equal(t, res.ThreadKey, threads[0].Key)
	assert.Equal(t, "nightly", threads[0].Title)

	// Same instant again: nothing is due any more.
	rep = s.Tick(ctx)
	assert.Equal(t, 0, rep.Due)
	execs, err = h.st.ListExecutions(ctx, "clients/acme", "t1")
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

func TestTickCompletesOneTimeTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.st.CreateTask(ctx, store.NewTask{
		MandatePath:        "clients/acme",
		TaskID:             "once",
		ExecutionPlan:      model.PlanOneTime,
		Timezone:           "UTC",
		NextExecutionLocal: "2025-06-01T12:00:00Z",
	})
	require.NoError(t, err)
	s := h.scheduler(Config{}, nil)

	h.set(time.Date(2025, 6, 1, 12, 0, 5, 0, time.UTC))
	rep := s.Tick(ctx)
	require.Equal(t, 1, rep.Triggered)
	waitAll(t, rep)

	task, err := h.st.GetTask(ctx, "clients/acme", "once")
	require.NoError(t, err)
	assert.False(t, task.Enabled)
	assert.Equal(t, model.TaskCompleted, task.Status)

	var e model.IndexEntry
	err = h.st.Docs().Get(ctx, model.IndexPath("clients_acme_once"), &e)
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	h.set(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	assert.Equal(t, 0, s.Tick(ctx).Due)
}

type pickyMessenger struct {
	inner *messaging.Memory
	fail  string
}

func (m pickyMessenger) CreateThread(ctx context.Context, t messaging.Thread) error {
	if t.Title == m.fail {
		return errors.New("topic quota reached")
	}
	return m.inner.CreateThread(ctx, t)
}

func TestThreadFailureIsIsolatedAndKeepsSchedule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	broken := h.nightly(t, "a", "broken")
	h.nightly(t, "b", "fine")
	s := h.scheduler(Config{}, pickyMessenger{inner: h.msgs, fail: "broken"})

	h.set(time.Date(2025, 6, 2, 1, 0, 0, 0, time.UTC))
	rep := s.Tick(ctx)
	require.Equal(t, 2, rep.Due)
	assert.Equal(t, 1, rep.Triggered)
	assert.Equal(t, 1, rep.Failed)
	waitAll(t, rep)

	byTask := map[string]TaskResult{}
	for _, r := range rep.Results {
		byTask[r.TaskID] = r
	}
	assert.Equal(t, OutcomeFailed, byTask["a"].Outcome)
	assert.Equal(t, "thread", byTask["a"].Stage)
	assert.Equal(t, OutcomeTriggered, byTask["b"].Outcome)

	task, err := h.st.GetTask(ctx, "clients/acme", "a")
	require.NoError(t, err)
	assert.Equal(t, broken.Schedule.NextExecutionUTC, task.Schedule.NextExecutionUTC)
	assert.Equal(t, 0, task.ExecutionCount)

	execs, err := h.st.ListExecutions(ctx, "clients/acme", "a")
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, model.ExecutionFailed, execs[0].Status)
	assert.Contains(t, execs[0].Error, "topic quota reached")

	other, err := h.st.GetTask(ctx, "clients/acme", "b")
	require.NoError(t, err)
	assert.Equal(t, 1, other.ExecutionCount)

	snap := s.Snapshot()
	assert.Equal(t, uint64(1), snap.Triggered)
	assert.Equal(t, uint64(1), snap.Failed)
	require.NotNil(t, snap.LastTick)
	assert.Nil(t, snap.LastTick.Handles)
}

func TestEngineFailureMarksExecutionFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.nightly(t, "t1", "nightly")
	h.engine = agent.Func(func(context.Context, agent.Trigger) error { return errors.New("engine down") })
	s := h.scheduler(Config{}, nil)

	h.set(time.Date(2025, 6, 2, 1, 0, 0, 0, time.UTC))
	rep := s.Tick(ctx)
	require.Equal(t, 1, rep.Triggered)
	require.Len(t, rep.Handles, 1)

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.Error(t, rep.Handles[0].Wait(wctx))

	require.Eventually(t, func() bool {
		e, err := h.st.GetExecution(ctx, "clients/acme", "t1", rep.Results[0].ExecutionID)
		return err == nil && e.Status == model.ExecutionFailed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLeaseHeldElsewhereSkipsTick(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.nightly(t, "t1", "nightly")
	h.set(time.Date(2025, 6, 2, 1, 0, 0, 0, time.UTC))

	ok, err := h.st.AcquireLease(ctx, "other", time.Minute, h.clock())
	require.NoError(t, err)
	require.True(t, ok)

	s := h.scheduler(Config{InstanceID: "me", LeaseTTL: time.Minute}, nil)
	rep := s.Tick(ctx)
	assert.True(t, rep.LeaseLost)
	assert.Equal(t, 0, rep.Due)

	h.set(h.clock().Add(2 * time.Minute))
	rep = s.Tick(ctx)
	assert.False(t, rep.LeaseLost)
	assert.Equal(t, 1, rep.Triggered)
	waitAll(t, rep)
}

func TestStartStop(t *testing.T) {
	h := newHarness(t)
	h.nightly(t, "t1", "nightly")
	h.set(time.Date(2025, 6, 2, 1, 0, 0, 0, time.UTC))
	s := h.scheduler(Config{Enabled: true, PollInterval: time.Hour, RepairOnStart: true}, nil)

	s.Start(context.Background())
	assert.Equal(t, StateRunning, s.Snapshot().State)

	select {
	case <-h.triggers:
	case <-time.After(2 * time.Second):
		t.Fatal("first tick did not trigger the due task")
	}

	s.Apply(Config{Enabled: true, PollInterval: 2 * time.Hour})
	assert.Equal(t, 2*time.Hour, s.Snapshot().PollInterval)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, StateStopped, s.Snapshot().State)
	assert.GreaterOrEqual(t, s.Snapshot().Ticks, uint64(1))
}

func TestStartDisabledIsNoop(t *testing.T) {
	h := newHarness(t)
	s := h.scheduler(Config{Enabled: false}, nil)
	s.Start(context.Background())
	assert.Equal(t, StateStopped, s.Snapshot().State)
	require.NoError(t, s.Stop(context.Background()))
}

func indexEntry(t *testing.T, h *harness, jobID string) model.IndexEntry {
	t.Helper()
	var e model.IndexEntry
	require.NoError(t, h.st.Docs().Get(context.Background(), model.IndexPath(jobID), &e))
	return e
}

func TestCorruptScheduleLeavesTaskUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.nightly(t, "t1", "nightly")
	require.NoError(t, h.st.Docs().Update(ctx, task.Path(), map[string]any{"schedule.timezone": "Mars/Olympus"}))
	require.NoError(t, h.st.Docs().Update(ctx, model.IndexPath(task.JobID()), map[string]any{"timezone": "Mars/Olympus"}))
	before := indexEntry(t, h, task.JobID())
	s := h.scheduler(Config{}, nil)

	h.set(time.Date(2025, 6, 2, 1, 0, 30, 0, time.UTC))
	rep := s.Tick(ctx)
	require.Equal(t, 1, rep.Due)
	assert.Equal(t, 0, rep.Triggered)
	assert.Equal(t, 1, rep.Failed)
	waitAll(t, rep)

	res := rep.Results[0]
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, "advance", res.Stage)
	assert.Contains(t, res.Error, "Mars/Olympus")

	got, err := h.st.GetTask(ctx, "clients/acme", "t1")
	require.NoError(t, err)
	assert.Equal(t, task.Schedule.NextExecutionUTC, got.Schedule.NextExecutionUTC)
	assert.Equal(t, 0, got.ExecutionCount)
	assert.Equal(t, before, indexEntry(t, h, task.JobID()))

	// The same occurrence is offered again.
	h.set(h.clock().Add(time.Minute))
	rep = s.Tick(ctx)
	require.Equal(t, 1, rep.Due)
	assert.Equal(t, "advance", rep.Results[0].Stage)
	waitAll(t, rep)
}

type failingAdvanceStore struct {
	*store.Store
}

func (failingAdvanceStore) AdvanceSchedule(context.Context, model.Task, time.Time, time.Time) (model.Task, model.IndexEntry, error) {
	return model.Task{}, model.IndexEntry{}, errors.New("write quorum lost")
}

func TestAdvanceFailureIsReportedAndRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.nightly(t, "t1", "nightly")
	h.nightly(t, "t2", "other")
	before := indexEntry(t, h, task.JobID())

	s := New(Config{}, Deps{
		Store:     failingAdvanceStore{h.st},
		Messenger: h.msgs,
		Engine:    h.engine,
		Jobs:      h.runner,
		Clock:     ClockFunc(h.clock),
	}, logx.Nop(), eventbus.New())

	h.set(time.Date(2025, 6, 2, 1, 0, 0, 0, time.UTC))
	rep := s.Tick(ctx)
	require.Equal(t, 2, rep.Due)
	assert.Equal(t, 2, rep.Failed)
	waitAll(t, rep)
	for _, res := range rep.Results {
		assert.Equal(t, OutcomeFailed, res.Outcome)
		assert.Equal(t, "advance", res.Stage)
		assert.Equal(t, "write quorum lost", res.Error)
		assert.Empty(t, res.Next)
	}

	got, err := h.st.GetTask(ctx, "clients/acme", "t1")
	require.NoError(t, err)
	assert.Equal(t, task.Schedule.NextExecutionUTC, got.Schedule.NextExecutionUTC)
	assert.Equal(t, 0, got.ExecutionCount)
	assert.Equal(t, before, indexEntry(t, h, task.JobID()))
	assert.Equal(t, uint64(2), s.Snapshot().Failed)

	h.set(h.clock().Add(time.Minute))
	assert.Equal(t, 2, s.Tick(ctx).Due)
}
