// Package model holds the persisted task, execution and scheduler-index records.
package model

import (
	"strconv"
	"strings"
	"time"

	"autopilot/internal/docstore"
)

// Plan is how a task is triggered.
type Plan string

const (
	PlanScheduled Plan = "SCHEDULED"
	PlanOneTime   Plan = "ONE_TIME"
	PlanOnDemand  Plan = "ON_DEMAND"
	PlanNow       Plan = "NOW"
)

func (p Plan) Valid() bool {
	switch p {
	case PlanScheduled, PlanOneTime, PlanOnDemand, PlanNow:
		return true
	}
	return false
}

// Timed reports whether the plan carries a schedule and an index entry.
func (p Plan) Timed() bool { return p == PlanScheduled || p == PlanOneTime }

// ParsePlan accepts the canonical names case-insensitively.
func ParsePlan(s string) (Plan, bool) {
	p := Plan(strings.ToUpper(strings.TrimSpace(s)))
	return p, p.Valid()
}

type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskDisabled  TaskStatus = "disabled"
	TaskCompleted TaskStatus = "completed"
)

type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepError      StepStatus = "error"
)

func (s StepStatus) Valid() bool {
	switch s {
	case StepPending, StepInProgress, StepCompleted, StepError:
		return true
	}
	return false
}

// TimeLayout is used for every persisted instant.
const TimeLayout = time.RFC3339

// Schedule is the timing block of a SCHEDULED or ONE_TIME task.
// NextExecutionLocal carries the task timezone offset; NextExecutionUTC is authoritative for polling.
type Schedule struct {
	CronExpression     string `json:"cron_expression,omitempty"`
	Timezone           string `json:"timezone"`
	NextExecutionLocal string `json:"next_execution_local"`
	NextExecutionUTC   string `json:"next_execution_utc"`
}

// NextUTC parses NextExecutionUTC. ok is false when it is empty or malformed.
func (s *Schedule) NextUTC() (time.Time, bool) {
	if s == nil {
		return time.Time{}, false
	}
	return ParseInstant(s.NextExecutionUTC)
}

// SetNext stores both representations of one instant.
func (s *Schedule) SetNext(local, utc time.Time) {
	s.NextExecutionLocal = local.Format(TimeLayout)
	s.NextExecutionUTC = utc.UTC().Format(TimeLayout)
}

type Mission struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
}

// ExecutionReport is the summary folded into a task when an execution is finalized.
type ExecutionReport struct {
	ExecutionID    string          `json:"execution_id"`
	ThreadKey      string          `json:"thread_key"`
	Status         ExecutionStatus `json:"status"`
	Summary        string          `json:"summary,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at"`
	TotalSteps     int             `json:"total_steps"`
	CompletedSteps int             `json:"completed_steps"`
	LPTBatches     []string        `json:"lpt_batches,omitempty"`
}

type Task struct {
	MandatePath         string           `json:"mandate_path"`
	TaskID              string           `json:"task_id"`
	ExecutionPlan       Plan             `json:"execution_plan"`
	Schedule            *Schedule        `json:"schedule,omitempty"`
	Enabled             bool             `json:"enabled"`
	Status              TaskStatus       `json:"status"`
	ExecutionCount      int              `json:"execution_count"`
	Mission             Mission          `json:"mission"`
	LastExecutionReport *ExecutionReport `json:"last_execution_report,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
	CompletedAt         *time.Time       `json:"completed_at,omitempty"`
}

func (t Task) Path() string { return TaskPath(t.MandatePath, t.TaskID) }

func (t Task) JobID() string { return JobID(t.MandatePath, t.TaskID) }

// IndexEntry projects the task into its scheduler-index shape.
func (t Task) IndexEntry(now time.Time) IndexEntry {
	e := IndexEntry{
		JobID:         t.JobID(),
		MandatePath:   t.MandatePath,
		TaskID:        t.TaskID,
		ExecutionPlan: t.ExecutionPlan,
		Enabled:       t.Enabled,
		UpdatedAt:     now.UTC(),
	}
	if t.Schedule != nil {
		e.CronExpression = t.Schedule.CronExpression
		e.Timezone = t.Schedule.Timezone
		e.NextExecutionUTC = t.Schedule.NextExecutionUTC
		e.NextExecutionLocal = t.Schedule.NextExecutionLocal
	}
	return e
}

// IndexEntry is the flat projection used by the due-task query.
type IndexEntry struct {
	JobID              string    `json:"job_id"`
	MandatePath        string    `json:"mandate_path"`
	TaskID             string    `json:"task_id"`
	ExecutionPlan      Plan      `json:"execution_plan"`
	CronExpression     string    `json:"cron_expression,omitempty"`
	Timezone           string    `json:"timezone"`
	NextExecutionUTC   string    `json:"next_execution_utc"`
	NextExecutionLocal string    `json:"next_execution_local"`
	Enabled            bool      `json:"enabled"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (e IndexEntry) NextUTC() (time.Time, bool) { return ParseInstant(e.NextExecutionUTC) }

// Agrees reports whether the entry mirrors the scheduling fields of t.
func (e IndexEntry) Agrees(t Task) bool {
	want := t.IndexEntry(e.UpdatedAt)
	return e.JobID == want.JobID &&
		e.MandatePath == want.MandatePath &&
		e.TaskID == want.TaskID &&
		e.ExecutionPlan == want.ExecutionPlan &&
		e.CronExpression == want.CronExpression &&
		e.Timezone == want.Timezone &&
		e.NextExecutionUTC == want.NextExecutionUTC &&
		e.NextExecutionLocal == want.NextExecutionLocal &&
		e.Enabled == want.Enabled
}

type Step struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Status    StepStatus `json:"status"`
	Timestamp string     `json:"timestamp"`
	Message   string     `json:"message,omitempty"`
}

type Checklist struct {
	Steps      []Step `json:"steps"`
	TotalSteps int    `json:"total_steps"`
}

// Completed counts steps in the completed state.
func (c Checklist) Completed() int {
	n := 0
	for _, s := range c.Steps {
		if s.Status == StepCompleted {
			n++
		}
	}
	return n
}

// Index returns the position of id, or -1.
func (c Checklist) Index(id string) int {
	for i, s := range c.Steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// LPTRef records one dispatched batch on the execution.
type LPTRef struct {
	BatchID   string    `json:"batch_id"`
	Family    string    `json:"family"`
	Status    string    `json:"status"`
	JobIDs    []string  `json:"job_ids"`
	CreatedAt time.Time `json:"created_at"`
}

type Execution struct {
	ExecutionID       string            `json:"execution_id"`
	MandatePath       string            `json:"mandate_path"`
	TaskID            string            `json:"task_id"`
	ExecutionPlan     Plan              `json:"execution_plan"`
	ThreadKey         string            `json:"thread_key"`
	Status            ExecutionStatus   `json:"status"`
	StartedAt         time.Time         `json:"started_at"`
	FinishedAt        *time.Time        `json:"finished_at,omitempty"`
	Error             string            `json:"error,omitempty"`
	WorkflowChecklist Checklist         `json:"workflow_checklist"`
	LPTTasks          map[string]LPTRef `json:"lpt_tasks,omitempty"`
}

func (e Execution) Path() string { return ExecutionPath(e.MandatePath, e.TaskID, e.ExecutionID) }

// ThreadKey names the conversation thread of one trigger instant.
func ThreadKey(taskID string, at time.Time) string {
	return "task_" + taskID + "_" + strconv.FormatInt(at.Unix(), 10)
}

// JobID derives the scheduler-index key of a task.
func JobID(mandatePath, taskID string) string {
	return strings.ReplaceAll(strings.Trim(mandatePath, "/"), "/", "_") + "_" + taskID
}

const (
	IndexCollection = "scheduler"
	LeasePath       = "scheduler_leases/primary"
)

func TasksCollection(mandate string) string { return docstore.Join(mandate, "tasks") }

func TaskPath(mandate, taskID string) string { return docstore.Join(mandate, "tasks", taskID) }

func ExecutionsCollection(mandate, taskID string) string {
	return docstore.Join(mandate, "tasks", taskID, "executions")
}

func ExecutionPath(mandate, taskID, executionID string) string {
	return docstore.Join(mandate, "tasks", taskID, "executions", executionID)
}

func IndexPath(jobID string) string { return docstore.Join(IndexCollection, jobID) }

func LPTTaskPath(mandate, batchID string) string { return docstore.Join(mandate, "lpt_tasks", batchID) }

func NotificationPath(mandate, batchID, jobID string) string {
	return docstore.Join(mandate, "notifications", batchID+"_"+jobID)
}

// ParseInstant parses a persisted instant; empty input is not ok.
func ParseInstant(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Stamp formats now for step timestamps.
func Stamp(now time.Time) string { return now.UTC().Format(TimeLayout) }
