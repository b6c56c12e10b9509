package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"autopilot/internal/eventbus"
	rtsup "autopilot/internal/runtime/supervisor"
	logx "autopilot/pkg/logx"

	"github.com/google/uuid"
)

const warnThrottleEvery = 5 * time.Second

type Runner struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queued
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	inFlight  atomic.Int32
	succeeded atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64

	lastQueueFullWarnAt atomic.Int64

	hmu     sync.Mutex
	history []HistoryItem
}

type queued struct {
	job        Job
	handle     *Handle
	enqueuedAt time.Time
	timeout    time.Duration
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{cfg: withDefaults(cfg), log: log.With(logx.String("comp", "jobs")), bus: bus}
}

func withDefaults(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	return cfg
}

// Supervisor returns the worker supervisor (nil if not started).
func (r *Runner) Supervisor() *rtsup.Supervisor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sup
}

// Apply swaps the config; a worker or queue size change restarts the pool.
func (r *Runner) Apply(ctx context.Context, cfg Config) {
	cfg = withDefaults(cfg)
	r.mu.Lock()
	prev := r.cfg
	r.cfg = cfg
	running := r.stopCh != nil && r.stopDone == nil
	r.mu.Unlock()

	if !running {
		return
	}
	if prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize || !cfg.Enabled {
		r.Stop(ctx)
		r.Start(ctx)
	}
}

func (r *Runner) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	cfg := r.cfg
	if !cfg.Enabled {
		r.mu.Unlock()
		return
	}
	if r.stopCh != nil {
		done := r.stopDone
		r.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		r.mu.Lock()
		if r.stopCh != nil {
			r.mu.Unlock()
			return
		}
	}

	r.q = make(chan queued, cfg.QueueSize)
	r.stopCh = make(chan struct{})
	r.stopDone = nil
	stopCh := r.stopCh
	queue := r.q
	// Jobs outlive the request that submitted them, so workers hang off a
	// context that is only canceled by Stop.
	r.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)
	sup := r.sup
	r.mu.Unlock()

	for i := range cfg.Workers {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			r.worker(c, stopCh, queue, i)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return nil
			}
			return errors.New("worker exited unexpectedly")
		}, 250*time.Millisecond, 10*time.Second)
	}
	r.log.Info("job runner started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop halts the workers. Jobs still queued finish with ErrStopped and
// their OnFailure hook runs.
func (r *Runner) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	if r.stopCh == nil {
		r.mu.Unlock()
		return
	}
	if r.stopDone != nil {
		done := r.stopDone
		r.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	r.stopDone = done
	close(r.stopCh)
	sup := r.sup
	queue := r.q
	r.mu.Unlock()

	go func() {
		if sup != nil {
			// Let running jobs observe cancellation and return.
			sup.Cancel()
			_ = sup.Wait(context.Background())
		}
	drain:
		for {
			select {
			case qt := <-queue:
				r.abandon(qt)
			default:
				break drain
			}
		}
		r.mu.Lock()
		r.q = nil
		r.stopCh = nil
		r.stopDone = nil
		r.sup = nil
		r.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		r.log.Info("job runner stopped")
	case <-ctx.Done():
		r.log.Warn("job runner stop timed out", logx.Err(ctx.Err()))
	}
}

// Submit enqueues j, blocking while the queue is full until ctx ends or the runner stops.
func (r *Runner) Submit(ctx context.Context, j Job) (*Handle, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return r.enqueue(ctx, j, true)
}

// TrySubmit enqueues j without blocking and fails with ErrQueueFull.
func (r *Runner) TrySubmit(j Job) (*Handle, error) {
	return r.enqueue(context.Background(), j, false)
}

func (r *Runner) enqueue(ctx context.Context, j Job, block bool) (*Handle, error) {
	if j.Run == nil {
		return nil, errors.New("job Run is nil")
	}
	j.Name = strings.TrimSpace(j.Name)
	if j.Name == "" {
		return nil, errors.New("job Name is required")
	}
	if strings.TrimSpace(j.ID) == "" {
		j.ID = uuid.NewString()
	}

	r.mu.Lock()
	cfg := r.cfg
	q := r.q
	stopCh := r.stopCh
	stopping := r.stopDone != nil
	r.mu.Unlock()

	switch {
	case !cfg.Enabled:
		return nil, ErrDisabled
	case q == nil || stopCh == nil:
		return nil, ErrStopped
	case stopping:
		return nil, ErrStopping
	}

	timeout := j.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	h := newHandle(j.ID, j.Name)
	qt := queued{job: j, handle: h, enqueuedAt: time.Now(), timeout: timeout}

	if !block {
		select {
		case q <- qt:
			return h, nil
		default:
			r.onQueueFull(j, cap(q))
			return nil, ErrQueueFull
		}
	}
	select {
	case q <- qt:
		return h, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-stopCh:
		return nil, ErrStopping
	}
}

func (r *Runner) onQueueFull(j Job, capacity int) {
	r.dropped.Add(1)
	eventbus.Publish(r.bus, eventbus.JobFinished, eventbus.Outcome{Label: "dropped", Detail: j.Name})
	now := time.Now().UnixNano()
	last := r.lastQueueFullWarnAt.Load()
	if now-last < int64(warnThrottleEvery) || !r.lastQueueFullWarnAt.CompareAndSwap(last, now) {
		return
	}
	r.log.Warn("job dropped: queue full", logx.String("job", j.Name), logx.Int("queue_cap", capacity))
}

func (r *Runner) Snapshot() Snapshot {
	r.mu.Lock()
	cfg := r.cfg
	q := r.q
	r.mu.Unlock()

	snap := Snapshot{
		Enabled:   cfg.Enabled,
		Workers:   cfg.Workers,
		InFlight:  int(r.inFlight.Load()),
		Succeeded: r.succeeded.Load(),
		Failed:    r.failed.Load(),
		Dropped:   r.dropped.Load(),
	}
	if q != nil {
		snap.QueueLen = len(q)
		snap.QueueCap = cap(q)
	}
	r.hmu.Lock()
	snap.History = append([]HistoryItem(nil), r.history...)
	r.hmu.Unlock()
	return snap
}

func (r *Runner) record(item HistoryItem) {
	r.mu.Lock()
	size := r.cfg.HistorySize
	r.mu.Unlock()
	r.hmu.Lock()
	r.history = append(r.history, item)
	if len(r.history) > size {
		r.history = r.history[len(r.history)-size:]
	}
	r.hmu.Unlock()
}
