package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"autopilot/internal/eventbus"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserve(t *testing.T) {
	c := New()
	c.Observe(eventbus.Event{Type: eventbus.SchedulerTick})
	c.Observe(eventbus.Event{Type: eventbus.SchedulerTaskTriggered, Data: eventbus.Outcome{Label: "clients_acme_t1"}})
	c.Observe(eventbus.Event{Type: eventbus.SchedulerTaskFailed, Data: eventbus.Outcome{Kind: "thread"}})
	c.Observe(eventbus.Event{Type: eventbus.DispatchCompleted, Data: eventbus.Outcome{Kind: "bookkeeping", Label: "dispatched"}})
	c.Observe(eventbus.Event{Type: eventbus.DispatchCompleted, Data: eventbus.Outcome{Label: "error"}})
	c.Observe(eventbus.Event{Type: eventbus.TerminationDecided, Data: eventbus.Outcome{Label: "rejected"}})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.ticks))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasks.WithLabelValues("triggered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasks.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dispatches.WithLabelValues("bookkeeping", "dispatched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dispatches.WithLabelValues("unknown", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.terminations.WithLabelValues("rejected")))
}

func TestRunAndHandler(t *testing.T) {
	c := New()
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, bus)
	}()

	require.Eventually(t, func() bool {
		eventbus.Publish(bus, eventbus.ChecklistMutated, eventbus.Outcome{Kind: "create", Label: "s1"})
		return testutil.ToFloat64(c.checklist.WithLabelValues("create")) > 0
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "autopilot_checklist_mutations_total")
	assert.Contains(t, string(body), "go_goroutines")
}
