package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event names published by the core. Subscribers (metrics, debug logging)
// switch on these; Data carries a small typed payload.
const (
	SchedulerTick          = "scheduler.tick"
	SchedulerTaskTriggered = "scheduler.task.triggered"
	SchedulerTaskFailed    = "scheduler.task.failed"
	SchedulerTaskSkipped   = "scheduler.task.skipped"

	ChecklistMutated    = "checklist.mutated"
	TerminationDecided  = "termination.decided"
	DispatchCompleted   = "dispatch.completed"
	JobFinished         = "job.finished"
	NotificationDropped = "notification.dropped"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Outcome is the common payload for events that only need a label.
type Outcome struct {
	Kind   string `json:"kind,omitempty"`
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
//
// It does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Publish is a nil-safe helper for components holding an optional bus.
func Publish(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	// Sends happen under the read lock so Unsubscribe (write lock) cannot close
	// a channel mid-send.
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
