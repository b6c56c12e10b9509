package jobs

import (
	"context"
	"sync"
	"time"
)

type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout applies when Job.Timeout is 0. 0 means no timeout.
	DefaultTimeout time.Duration
	HistorySize    int
}

// Job is a unit of detached work.
type Job struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error

	// RetryMax is the number of extra attempts; 0 runs once.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// OnFailure runs once after the final failed attempt, with its own bounded context.
	OnFailure func(ctx context.Context, err error)
}

type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Handle observes one submitted job.
type Handle struct {
	id   string
	name string

	mu    sync.Mutex
	state State
	err   error
	done  chan struct{}
}

func newHandle(id, name string) *Handle {
	return &Handle{id: id, name: name, state: StateQueued, done: make(chan struct{})}
}

func (h *Handle) ID() string   { return h.id }
func (h *Handle) Name() string { return h.name }

// Done is closed once the job reached a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err is the terminal error; nil while running or on success.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks until the job finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) setRunning() {
	h.mu.Lock()
	h.state = StateRunning
	h.mu.Unlock()
}

func (h *Handle) finish(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateSucceeded || h.state == StateFailed {
		return
	}
	h.err = err
	if err != nil {
		h.state = StateFailed
	} else {
		h.state = StateSucceeded
	}
	close(h.done)
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Event is published on the bus when a job finishes.
type Event struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`
	Error    string        `json:"error,omitempty"`
}

type Snapshot struct {
	Enabled   bool          `json:"enabled"`
	Workers   int           `json:"workers"`
	QueueLen  int           `json:"queue_len"`
	QueueCap  int           `json:"queue_cap"`
	InFlight  int           `json:"in_flight"`
	Succeeded uint64        `json:"succeeded"`
	Failed    uint64        `json:"failed"`
	Dropped   uint64        `json:"dropped"`
	History   []HistoryItem `json:"history,omitempty"`
}
