package scheduler

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"autopilot/internal/agent"
	"autopilot/internal/eventbus"
	"autopilot/internal/messaging"
	rtsup "autopilot/internal/runtime/supervisor"
	"autopilot/internal/task/jobs"
	"autopilot/internal/task/model"
	"autopilot/internal/task/schedule"
	logx "autopilot/pkg/logx"

	"github.com/google/uuid"
)

const defaultPollInterval = 60 * time.Second

type Scheduler struct {
	mu    sync.Mutex
	cfg   Config
	deps  Deps
	log   logx.Logger
	bus   eventbus.Bus
	sup   *rtsup.Supervisor
	state State
	wake  chan struct{}

	// tickMu keeps ticks from overlapping, including manual ticks.
	tickMu sync.Mutex
	last   *TickReport

	ticks     atomic.Uint64
	triggered atomic.Uint64
	failed    atomic.Uint64
}

func New(cfg Config, deps Deps, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Calculator == nil {
		deps.Calculator = schedule.NewCalculator()
	}
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}
	return &Scheduler{
		cfg:   withDefaults(cfg),
		deps:  deps,
		log:   log.With(logx.String("comp", "scheduler")),
		bus:   bus,
		state: StateStopped,
		wake:  make(chan struct{}, 1),
	}
}

func withDefaults(cfg Config) Config {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if strings.TrimSpace(cfg.InstanceID) == "" {
		host, _ := os.Hostname()
		cfg.InstanceID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return cfg
}

func (s *Scheduler) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the config; a new poll interval takes effect on the current sleep.
func (s *Scheduler) Apply(cfg Config) {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()
	if prev.PollInterval != cfg.PollInterval {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// Start launches the polling loop. It is a no-op when disabled or already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.state == StateRunning {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.state = StateRunning
	s.sup.Go0("loop", s.loop)
	s.log.Info("scheduler started",
		logx.Duration("poll_interval", s.cfg.PollInterval),
		logx.String("instance_id", s.cfg.InstanceID),
		logx.Duration("lease_ttl", s.cfg.LeaseTTL),
	)
}

// Stop interrupts the sleep and waits for an in-flight tick to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	cfg := s.cfg
	s.sup = nil
	s.state = StateStopped
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	start := time.Now()
	sup.Cancel()
	err := sup.Wait(ctx)
	if cfg.LeaseTTL > 0 && s.deps.Store != nil {
		if rerr := s.deps.Store.ReleaseLease(context.WithoutCancel(ctx), cfg.InstanceID); rerr != nil {
			s.log.Warn("lease release failed", logx.Err(rerr))
		}
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	return err
}

func (s *Scheduler) loop(ctx context.Context) {
	// Ticks run on a context that survives Stop so an in-flight tick completes.
	tickCtx := context.WithoutCancel(ctx)
	if s.config().RepairOnStart {
		if _, err := s.deps.Store.RepairIndex(tickCtx, s.deps.Clock.Now().UTC()); err != nil {
			s.log.Warn("index repair failed", logx.Err(err))
		}
	}
	for {
		s.Tick(tickCtx)
		if !s.sleep(ctx) {
			return
		}
	}
}

func (s *Scheduler) sleep(ctx context.Context) bool {
	for {
		t := time.NewTimer(s.config().PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-s.wake:
			t.Stop()
		case <-t.C:
			return true
		}
	}
}

// Tick runs one polling pass.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	cfg := s.config()
	now := s.deps.Clock.Now().UTC()
	rep := TickReport{At: now}
	defer func() {
		s.ticks.Add(1)
		r := rep
		s.mu.Lock()
		s.last = &r
		s.mu.Unlock()
		eventbus.Publish(s.bus, eventbus.SchedulerTick, eventbus.Outcome{
			Label:  fmt.Sprintf("due=%d triggered=%d failed=%d", rep.Due, rep.Triggered, rep.Failed),
			Detail: rep.Error,
		})
	}()

	if cfg.LeaseTTL > 0 {
		ok, err := s.deps.Store.AcquireLease(ctx, cfg.InstanceID, cfg.LeaseTTL, now)
		if err != nil {
			rep.Error = "lease: " + err.Error()
			s.log.Warn("lease check failed; skipping tick", logx.Err(err))
			return rep
		}
		if !ok {
			rep.LeaseLost = true
			s.log.Debug("lease held by another instance; skipping tick")
			return rep
		}
	}

	due, err := s.deps.Store.GetDue(ctx, now)
	if err != nil {
		rep.Error = "get due: " + err.Error()
		s.log.Warn("due-task query failed", logx.Err(err))
		return rep
	}
	rep.Due = len(due)
	for _, t := range due {
		res, h := s.processTask(ctx, t, now)
		rep.Results = append(rep.Results, res)
		if h != nil {
			rep.Handles = append(rep.Handles, h)
		}
		if res.Outcome == OutcomeTriggered {
			rep.Triggered++
			s.triggered.Add(1)
		} else {
			rep.Failed++
			s.failed.Add(1)
		}
	}
	if rep.Due > 0 {
		s.log.Info("tick processed",
			logx.Int("due", rep.Due),
			logx.Int("triggered", rep.Triggered),
			logx.Int("failed", rep.Failed),
		)
	}
	return rep
}

// processTask handles one due task. Errors and panics stay inside this task.
func (s *Scheduler) processTask(ctx context.Context, t model.Task, now time.Time) (res TaskResult, h *jobs.Handle) {
	res = TaskResult{JobID: t.JobID(), MandatePath: t.MandatePath, TaskID: t.TaskID}
	log := s.log.With(logx.String("mandate_path", t.MandatePath), logx.String("task_id", t.TaskID))

	fail := func(stage string, err error) {
		res.Outcome = OutcomeFailed
		res.Stage = stage
		res.Error = err.Error()
		log.Warn("task processing failed",
			logx.String("stage", stage),
			logx.String("execution_id", res.ExecutionID),
			logx.Err(err),
		)
		eventbus.Publish(s.bus, eventbus.SchedulerTaskFailed, eventbus.Outcome{Kind: stage, Label: res.JobID, Detail: res.Error})
	}
	defer func() {
		if r := recover(); r != nil {
			fail("panic", fmt.Errorf("panic: %v", r))
		}
	}()

	execID := uuid.NewString()
	threadKey := model.ThreadKey(t.TaskID, now)
	res.ExecutionID = execID
	res.ThreadKey = threadKey
	log = log.With(logx.String("execution_id", execID), logx.String("thread_key", threadKey))

	exec, err := s.deps.Store.CreateExecution(ctx, model.Execution{
		ExecutionID:   execID,
		MandatePath:   t.MandatePath,
		TaskID:        t.TaskID,
		ExecutionPlan: t.ExecutionPlan,
		ThreadKey:     threadKey,
		Status:        model.ExecutionRunning,
		StartedAt:     now,
	})
	if err != nil {
		fail("execution", err)
		return res, nil
	}

	title := t.Mission.Title
	if title == "" {
		title = t.TaskID
	}
	if s.deps.Messenger != nil {
		err = s.deps.Messenger.CreateThread(ctx, threadFor(exec, title))
		if err != nil {
			s.markFailed(ctx, exec, "thread creation failed: "+err.Error(), log)
			fail("thread", err)
			return res, nil
		}
	}

	trigger := agent.Trigger{
		MandatePath:   t.MandatePath,
		TaskID:        t.TaskID,
		ExecutionID:   execID,
		ThreadKey:     threadKey,
		ExecutionPlan: t.ExecutionPlan,
		Mission:       t.Mission,
		TriggeredAt:   now,
	}
	h, err = s.deps.Jobs.Submit(ctx, jobs.Job{
		ID:      execID,
		Name:    "agent." + res.JobID,
		Timeout: s.config().TriggerTimeout,
		Run:     func(jctx context.Context) error { return s.deps.Engine.Run(jctx, trigger) },
		OnFailure: func(fctx context.Context, err error) {
			s.markFailed(fctx, exec, "engine run failed: "+err.Error(), log)
		},
	})
	if err != nil {
		s.markFailed(ctx, exec, "trigger rejected: "+err.Error(), log)
		fail("trigger", err)
		return res, nil
	}

	switch t.ExecutionPlan {
	case model.PlanScheduled:
		local, utc, err := s.deps.Calculator.Next(t.Schedule.CronExpression, t.Schedule.Timezone, now)
		if err != nil {
			// Schedule stays untouched; the same occurrence is offered again next tick.
			fail("advance", err)
			return res, h
		}
		_, entry, err := s.deps.Store.AdvanceSchedule(ctx, t, local, utc)
		if err != nil {
			fail("advance", err)
			return res, h
		}
		res.Next = entry.NextExecutionUTC
	case model.PlanOneTime:
		if _, err := s.deps.Store.CompleteOneTime(ctx, t, now); err != nil {
			fail("complete", err)
			return res, h
		}
	}

	res.Outcome = OutcomeTriggered
	log.Info("task triggered", logx.String("next_utc", res.Next))
	eventbus.Publish(s.bus, eventbus.SchedulerTaskTriggered, eventbus.Outcome{Label: res.JobID, Detail: execID})
	return res, h
}

func threadFor(e model.Execution, title string) messaging.Thread {
	return messaging.Thread{
		MandatePath: e.MandatePath,
		Key:         e.ThreadKey,
		Title:       title,
		TaskID:      e.TaskID,
		ExecutionID: e.ExecutionID,
	}
}

func (s *Scheduler) markFailed(ctx context.Context, e model.Execution, reason string, log logx.Logger) {
	if err := s.deps.Store.UpdateExecutionStatus(ctx, e.MandatePath, e.TaskID, e.ExecutionID, model.ExecutionFailed, reason); err != nil {
		log.Warn("mark execution failed", logx.Err(err))
	}
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:        s.state,
		PollInterval: s.cfg.PollInterval,
		InstanceID:   s.cfg.InstanceID,
		LeaseTTL:     s.cfg.LeaseTTL,
		Ticks:        s.ticks.Load(),
		Triggered:    s.triggered.Load(),
		Failed:       s.failed.Load(),
	}
	if s.last != nil {
		r := *s.last
		r.Handles = nil
		snap.LastTick = &r
	}
	return snap
}

// Supervisor returns the loop supervisor (nil when stopped).
func (s *Scheduler) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}
