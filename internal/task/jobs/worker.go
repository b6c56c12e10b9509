package jobs

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"autopilot/internal/eventbus"
	logx "autopilot/pkg/logx"
)

const failureHookTimeout = 10 * time.Second

func (r *Runner) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queued, idx int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			r.inFlight.Add(1)
			r.execOne(ctx, stopCh, qt, rng)
			r.inFlight.Add(-1)
		}
	}
}

func (r *Runner) execOne(ctx context.Context, stopCh <-chan struct{}, qt queued, rng *rand.Rand) {
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	qt.handle.setRunning()
	log := r.log.With(logx.String("job", qt.job.Name), logx.String("job_id", qt.job.ID))

	var err error
	attempts := 0
	maxAttempts := 1 + max(qt.job.RetryMax, 0)
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		err = r.runOnce(ctx, qt, log)
		if err == nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt >= maxAttempts || ctx.Err() != nil {
			break
		}
		delay := backoffDelay(qt.job, attempt, err, rng)
		log.Debug("job retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = ctx.Err()
			break attemptLoop
		case <-stopCh:
			tmr.Stop()
			err = ErrStopped
			break attemptLoop
		case <-tmr.C:
		}
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qt.job.ID, Name: qt.job.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	label := "succeeded"
	if err != nil {
		label = "failed"
		item.Error = err.Error()
		r.failed.Add(1)
		log.Warn("job failed", logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		if qt.job.OnFailure != nil {
			r.onFailure(qt.job, err, log)
		}
	} else {
		r.succeeded.Add(1)
		log.Debug("job completed", logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
	}
	r.record(item)
	qt.handle.finish(err)
	eventbus.Publish(r.bus, eventbus.JobFinished, eventbus.Outcome{Label: label, Detail: qt.job.Name})
}

func (r *Runner) runOnce(ctx context.Context, qt queued, log logx.Logger) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
			log.Error("job panicked", logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
	}()
	return qt.job.Run(runCtx)
}

// abandon settles a job that never reached a worker.
func (r *Runner) abandon(qt queued) {
	log := r.log.With(logx.String("job", qt.job.Name), logx.String("job_id", qt.job.ID))
	r.failed.Add(1)
	log.Warn("job abandoned on stop")
	if qt.job.OnFailure != nil {
		r.onFailure(qt.job, ErrStopped, log)
	}
	r.record(HistoryItem{ID: qt.job.ID, Name: qt.job.Name, Started: time.Now(), QueueDelay: max(time.Since(qt.enqueuedAt), 0), Error: ErrStopped.Error()})
	qt.handle.finish(ErrStopped)
	eventbus.Publish(r.bus, eventbus.JobFinished, eventbus.Outcome{Label: "failed", Detail: qt.job.Name})
}

// onFailure runs the hook detached from the worker context so a stopping
// runner still records the failure.
func (r *Runner) onFailure(j Job, err error, log logx.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), failureHookTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			log.Error("job failure hook panicked", logx.Any("panic", p))
		}
	}()
	j.OnFailure(ctx, err)
}

func backoffDelay(j Job, retry int, err error, rng *rand.Rand) time.Duration {
	base := j.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := j.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}

	var d time.Duration
	var ra RetryAfterError
	if errors.As(err, &ra) {
		d = ra.RetryAfter()
	} else {
		d = base
		for i := 1; i < retry && d < maxD; i++ {
			d *= 2
		}
	}
	if rng != nil && d > 0 {
		d = time.Duration(float64(d) * (1 + (rng.Float64()*2-1)*0.2))
	}
	return min(max(d, 0), maxD)
}
