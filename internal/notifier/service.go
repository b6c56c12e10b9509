package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"autopilot/internal/eventbus"
	"autopilot/internal/messaging"
	rtsup "autopilot/internal/runtime/supervisor"
	"autopilot/internal/task/checklist"
	"autopilot/internal/task/model"
	logx "autopilot/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// ExecutionLookup resolves the thread of an execution for checklist notices.
type ExecutionLookup interface {
	GetExecution(ctx context.Context, mandate, taskID, executionID string) (model.Execution, error)
}

type job struct {
	n Note
	// ref is set for checklist notices whose thread key is resolved by the worker.
	ref *checklist.Ref
	// dedupKey is computed at enqueue time for cheap per-worker processing.
	dedupKey string
}

// Service implements an async notification pipeline:
// queue + worker pool + rate limit + retry + dedup.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	msgr  messaging.Messenger
	execs ExecutionLookup
	bus   eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// In-memory dedup cache: key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

var _ checklist.Observer = (*Service)(nil)

// Supervisor returns the notifier's internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

func New(cfg Config, msgr messaging.Messenger, execs ExecutionLookup, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		msgr:  msgr,
		execs: execs,
		log:   log.With(logx.String("comp", "notifier")),
		bus:   bus,
		dedup: map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps limits live. Queue size and worker count take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// delivery is best-effort and must not take the process down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			// Clean exits happen on shutdown (queue close).
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return nil
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notifier worker exited unexpectedly")
		}, 250*time.Millisecond, 5*time.Second)
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Force-stop internal loops.
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Notify queues n. It never blocks on delivery.
func (s *Service) Notify(ctx context.Context, n Note) error {
	return s.enqueue(ctx, job{n: n})
}

// ChecklistChanged posts a progress line in the execution's thread.
func (s *Service) ChecklistChanged(ctx context.Context, ref checklist.Ref, m checklist.Mutation) {
	r := ref
	err := s.enqueue(ctx, job{
		n: Note{
			Channel: ref.MandatePath,
			Kind:    messaging.KindChecklist,
			Text:    FormatMutation(m),
			Data:    m,
		},
		ref: &r,
	})
	if err != nil && !errors.Is(err, ErrDisabled) {
		s.log.Debug("checklist notice not queued",
			logx.String("execution_id", ref.ExecutionID),
			logx.String("step_id", m.Step.ID),
			logx.Err(err),
		)
	}
}

func (s *Service) enqueue(ctx context.Context, j job) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	dedupWindow := s.cfg.DedupWindow
	dedupMax := s.cfg.DedupMaxEntries
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	j.dedupKey = dedupKey(j)
	if dedupWindow > 0 && j.dedupKey != "" && !s.dedupAllow(j.dedupKey, dedupWindow, dedupMax) {
		return nil
	}

	select {
	case q <- j:
		return nil
	default:
		eventbus.Publish(s.bus, eventbus.NotificationDropped, eventbus.Outcome{Kind: "queue_full", Label: j.n.Kind, Detail: j.n.Channel})
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(channel, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Channel: channel, Text: text})
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) resolveThread(ctx context.Context, j *job) {
	if j.ref == nil || j.n.ThreadKey != "" || s.execs == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	e, err := s.execs.GetExecution(cctx, j.ref.MandatePath, j.ref.TaskID, j.ref.ExecutionID)
	if err != nil {
		// Fall back to the tenant channel.
		s.log.Debug("thread lookup failed", logx.String("execution_id", j.ref.ExecutionID), logx.Err(err))
		return
	}
	j.n.ThreadKey = e.ThreadKey
}

func (s *Service) sendWithRetry(runCtx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	m := s.msgr
	log := s.log
	s.mu.Unlock()

	if m == nil {
		return
	}
	text := prefixForPriority(j.n.Priority) + j.n.Text
	if text == "" {
		return
	}
	s.resolveThread(runCtx, &j)
	msg := messaging.Message{
		Channel:   j.n.Channel,
		ThreadKey: j.n.ThreadKey,
		Kind:      j.n.Kind,
		Text:      text,
		Data:      j.n.Data,
		At:        time.Now().UTC(),
	}

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(runCtx); err != nil {
				return
			}
		}
		// Bound per-send call. Keep tight to avoid hanging workers.
		callCtx, cancel := context.WithTimeout(runCtx, 10*time.Second)
		err := m.Publish(callCtx, msg)
		cancel()
		if err == nil {
			s.appendHistory(msg.Channel, text)
			return
		}
		lastErr = err
		log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt >= maxAttempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-runCtx.Done():
			t.Stop()
			return
		}
	}

	if lastErr != nil {
		log.Warn("notification dropped after retries", logx.String("channel", msg.Channel), logx.String("kind", msg.Kind), logx.Err(lastErr))
		eventbus.Publish(s.bus, eventbus.NotificationDropped, eventbus.Outcome{Kind: "send_failed", Label: msg.Kind, Detail: lastErr.Error()})
	}
}

// FormatMutation renders a checklist change as one line.
func FormatMutation(m checklist.Mutation) string {
	var verb string
	switch m.Kind {
	case checklist.KindCreate:
		verb = "added"
	case checklist.KindDelete:
		verb = "removed"
	default:
		verb = string(m.Step.Status)
	}
	line := fmt.Sprintf("[%d/%d] %s: %s", m.CompletedSteps, m.TotalSteps, m.Step.Name, verb)
	switch {
	case m.Kind == checklist.KindDelete && m.Reason != "":
		line += " (" + m.Reason + ")"
	case m.Kind == checklist.KindUpdate && m.Step.Message != "":
		line += " - " + m.Step.Message
	}
	return line
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	default:
		return ""
	}
}

func dedupKey(j job) string {
	if j.n.Channel == "" {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(j.n.Channel))
	_, _ = h.Write([]byte("|" + j.n.ThreadKey + "|" + j.n.Kind + "|"))
	if j.ref != nil {
		_, _ = h.Write([]byte(j.ref.ExecutionID + "|"))
	}
	_, _ = fmt.Fprintf(h, "%d|", j.n.Priority)
	_, _ = h.Write([]byte(j.n.Text))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration, maxEntries int) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	// Remove entries with earliest expiry until within cap.
	for len(s.dedup) > maxEntries {
		var (
			minKey string
			minT   time.Time
			set    bool
		)
		for k, t := range s.dedup {
			if !set || t.Before(minT) {
				minKey, minT, set = k, t, true
			}
		}
		delete(s.dedup, minKey)
	}
	return true
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return max(d, 0)
}
