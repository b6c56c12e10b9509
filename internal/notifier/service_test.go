package notifier

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"autopilot/internal/eventbus"
	"autopilot/internal/messaging"
	"autopilot/internal/task/checklist"
	"autopilot/internal/task/model"
	logx "autopilot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execs map[string]model.Execution

func (e execs) GetExecution(_ context.Context, _, _, id string) (model.Execution, error) {
	x, ok := e[id]
	if !ok {
		return model.Execution{}, errors.New("not found")
	}
	return x, nil
}

type flaky struct {
	*messaging.Memory
	fails atomic.Int32
}

func (f *flaky) Publish(ctx context.Context, m messaging.Message) error {
	if f.fails.Add(-1) >= 0 {
		return errors.New("transient")
	}
	return f.Memory.Publish(ctx, m)
}

func start(t *testing.T, cfg Config, m messaging.Messenger, lookup ExecutionLookup) *Service {
	t.Helper()
	cfg.Enabled = true
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 1000
	}
	s := New(cfg, m, lookup, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitMessages(t *testing.T, m *messaging.Memory, n int) []messaging.Message {
	t.Helper()
	require.Eventually(t, func() bool { return len(m.Messages()) >= n }, 2*time.Second, 5*time.Millisecond)
	return m.Messages()
}

func TestChecklistNoticeLandsInExecutionThread(t *testing.T) {
	mem := messaging.NewMemory()
	s := start(t, Config{}, mem, execs{"e1": {ExecutionID: "e1", ThreadKey: "task_t1_100"}})

	ref := checklist.Ref{MandatePath: "clients/acme", TaskID: "t1", ExecutionID: "e1", Interactive: true}
	s.ChecklistChanged(context.Background(), ref, checklist.Mutation{
		Kind:           checklist.KindUpdate,
		Step:           model.Step{ID: "s1", Name: "Fetch invoices", Status: model.StepCompleted, Message: "12 found"},
		TotalSteps:     3,
		CompletedSteps: 1,
	})

	msgs := waitMessages(t, mem, 1)
	assert.Equal(t, "clients/acme", msgs[0].Channel)
	assert.Equal(t, "task_t1_100", msgs[0].ThreadKey)
	assert.Equal(t, messaging.KindChecklist, msgs[0].Kind)
	assert.Equal(t, "[1/3] Fetch invoices: completed - 12 found", msgs[0].Text)
	assert.Len(t, s.Snapshot(), 1)
}

func TestThreadLookupFailureFallsBackToChannel(t *testing.T) {
	mem := messaging.NewMemory()
	s := start(t, Config{}, mem, execs{})
	s.ChecklistChanged(context.Background(), checklist.Ref{MandatePath: "clients/acme", ExecutionID: "gone"}, checklist.Mutation{
		Kind:       checklist.KindCreate,
		Step:       model.Step{ID: "s1", Name: "Plan"},
		TotalSteps: 1,
	})
	msgs := waitMessages(t, mem, 1)
	assert.Empty(t, msgs[0].ThreadKey)
	assert.Equal(t, "[0/1] Plan: added", msgs[0].Text)
}

func TestRetryThenDeliver(t *testing.T) {
	f := &flaky{Memory: messaging.NewMemory()}
	f.fails.Store(2)
	s := start(t, Config{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}, f, nil)
	require.NoError(t, s.Notify(context.Background(), Note{Channel: "ops", Kind: messaging.KindLog, Text: "disk low", Priority: 7}))
	msgs := waitMessages(t, f.Memory, 1)
	assert.Equal(t, "⚠️ disk low", msgs[0].Text)
}

func TestDedupWindow(t *testing.T) {
	mem := messaging.NewMemory()
	s := start(t, Config{DedupWindow: time.Minute, Workers: 1}, mem, nil)
	ctx := context.Background()
	for range 3 {
		require.NoError(t, s.Notify(ctx, Note{Channel: "ops", Kind: messaging.KindLog, Text: "same"}))
	}
	require.NoError(t, s.Notify(ctx, Note{Channel: "ops", Kind: messaging.KindLog, Text: "other"}))
	waitMessages(t, mem, 2)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, mem.Messages(), 2)
}

func TestDisabledAndStopped(t *testing.T) {
	s := New(Config{}, messaging.NewMemory(), nil, logx.Nop(), nil)
	assert.ErrorIs(t, s.Notify(context.Background(), Note{Channel: "x", Text: "y"}), ErrDisabled)

	s = start(t, Config{}, messaging.NewMemory(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.ErrorIs(t, s.Notify(context.Background(), Note{Channel: "x", Text: "y"}), ErrStopped)
}

func TestStopDrainsQueue(t *testing.T) {
	mem := messaging.NewMemory()
	s := start(t, Config{Workers: 1, QueueSize: 64}, mem, nil)
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Notify(context.Background(), Note{Channel: "ops", Text: string(rune('a' + i))})
		}()
	}
	wg.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.Len(t, mem.Messages(), 20)
}

func TestFormatMutation(t *testing.T) {
	got := FormatMutation(checklist.Mutation{Kind: checklist.KindDelete, Step: model.Step{Name: "Reconcile"}, TotalSteps: 2, CompletedSteps: 1, Reason: "not needed"})
	assert.Equal(t, "[1/2] Reconcile: removed (not needed)", got)
}
