package scheduler

import (
	"context"
	"time"

	"autopilot/internal/agent"
	"autopilot/internal/messaging"
	"autopilot/internal/task/jobs"
	"autopilot/internal/task/model"
	"autopilot/internal/task/store"
)

type Config struct {
	Enabled      bool
	PollInterval time.Duration
	// InstanceID names this process as lease owner.
	InstanceID string
	// LeaseTTL > 0 makes every tick acquire the shared scheduler lease first.
	LeaseTTL      time.Duration
	RepairOnStart bool
	// TriggerTimeout bounds one conversation-engine run. 0 means none.
	TriggerTimeout time.Duration
}

// TaskStore is the persistence the loop needs.
type TaskStore interface {
	GetDue(ctx context.Context, now time.Time) ([]model.Task, error)
	CreateExecution(ctx context.Context, e model.Execution) (model.Execution, error)
	UpdateExecutionStatus(ctx context.Context, mandate, taskID, executionID string, status model.ExecutionStatus, reason string) error
	AdvanceSchedule(ctx context.Context, t model.Task, local, utc time.Time) (model.Task, model.IndexEntry, error)
	CompleteOneTime(ctx context.Context, t model.Task, at time.Time) (model.Task, error)
	AcquireLease(ctx context.Context, owner string, ttl time.Duration, now time.Time) (bool, error)
	ReleaseLease(ctx context.Context, owner string) error
	RepairIndex(ctx context.Context, now time.Time, mandates ...string) (store.RepairReport, error)
}

type Messenger interface {
	CreateThread(ctx context.Context, t messaging.Thread) error
}

type JobRunner interface {
	Submit(ctx context.Context, j jobs.Job) (*jobs.Handle, error)
}

type Calculator interface {
	Next(expr, tz string, from time.Time) (local, utc time.Time, err error)
}

type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Outcome of one due task within a tick.
type Outcome string

const (
	OutcomeTriggered Outcome = "triggered"
	OutcomeFailed    Outcome = "failed"
)

type TaskResult struct {
	JobID       string  `json:"job_id"`
	MandatePath string  `json:"mandate_path"`
	TaskID      string  `json:"task_id"`
	ExecutionID string  `json:"execution_id,omitempty"`
	ThreadKey   string  `json:"thread_key,omitempty"`
	Outcome     Outcome `json:"outcome"`
	// Stage names the step that failed: execution, thread, trigger, advance, complete.
	Stage string `json:"stage,omitempty"`
	Error string `json:"error,omitempty"`
	// Next is the new UTC occurrence after a successful advance.
	Next string `json:"next,omitempty"`
}

type TickReport struct {
	At        time.Time      `json:"at"`
	Due       int            `json:"due"`
	Triggered int            `json:"triggered"`
	Failed    int            `json:"failed"`
	LeaseLost bool           `json:"lease_lost,omitempty"`
	Error     string         `json:"error,omitempty"`
	Results   []TaskResult   `json:"results,omitempty"`
	Handles   []*jobs.Handle `json:"-"`
}

type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
)

type Snapshot struct {
	State        State         `json:"state"`
	PollInterval time.Duration `json:"poll_interval"`
	InstanceID   string        `json:"instance_id"`
	LeaseTTL     time.Duration `json:"lease_ttl"`
	Ticks        uint64        `json:"ticks"`
	Triggered    uint64        `json:"triggered"`
	Failed       uint64        `json:"failed"`
	LastTick     *TickReport   `json:"last_tick,omitempty"`
}

// Deps are the collaborators of a Scheduler. Calculator and Clock default to
// the real implementations.
type Deps struct {
	Store      TaskStore
	Messenger  Messenger
	Engine     agent.Engine
	Jobs       JobRunner
	Calculator Calculator
	Clock      Clock
}
