// Package metrics turns event-bus signals into Prometheus series.
package metrics

import (
	"context"
	"net/http"
	"strings"

	"autopilot/internal/eventbus"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autopilot"

type Collector struct {
	reg *prometheus.Registry

	ticks         prometheus.Counter
	tasks         *prometheus.CounterVec
	checklist     *prometheus.CounterVec
	terminations  *prometheus.CounterVec
	dispatches    *prometheus.CounterVec
	jobs          *prometheus.CounterVec
	notifications *prometheus.CounterVec
}

// New registers every series plus the Go and process collectors on a private registry.
func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "ticks_total",
			Help: "Scheduler polling passes.",
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "tasks_total",
			Help: "Due tasks processed by outcome.",
		}, []string{"outcome"}),
		checklist: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "checklist", Name: "mutations_total",
			Help: "Checklist step mutations by kind.",
		}, []string{"kind"}),
		terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "termination", Name: "decisions_total",
			Help: "Termination gate decisions.",
		}, []string{"decision"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "total",
			Help: "Dispatch attempts by job family and status.",
		}, []string{"family", "status"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "total",
			Help: "Background jobs by outcome.",
		}, []string{"outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notifications", Name: "dropped_total",
			Help: "Notices that were not delivered, by reason.",
		}, []string{"reason"}),
	}
	c.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.ticks, c.tasks, c.checklist, c.terminations, c.dispatches, c.jobs, c.notifications,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Run consumes bus events until ctx ends.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) {
	if bus == nil {
		return
	}
	ch, unsub := bus.Subscribe(512)
	defer unsub()
	c.Consume(ctx, ch)
}

// Consume observes events from an existing subscription until ctx ends or ch closes.
func (c *Collector) Consume(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			c.Observe(e)
		}
	}
}

func (c *Collector) Observe(e eventbus.Event) {
	o, _ := e.Data.(eventbus.Outcome)
	switch e.Type {
	case eventbus.SchedulerTick:
		c.ticks.Inc()
	case eventbus.SchedulerTaskTriggered:
		c.tasks.WithLabelValues("triggered").Inc()
	case eventbus.SchedulerTaskFailed:
		c.tasks.WithLabelValues("failed").Inc()
	case eventbus.SchedulerTaskSkipped:
		c.tasks.WithLabelValues("skipped").Inc()
	case eventbus.ChecklistMutated:
		c.checklist.WithLabelValues(label(o.Kind)).Inc()
	case eventbus.TerminationDecided:
		c.terminations.WithLabelValues(label(o.Label)).Inc()
	case eventbus.DispatchCompleted:
		c.dispatches.WithLabelValues(label(o.Kind), label(o.Label)).Inc()
	case eventbus.JobFinished:
		c.jobs.WithLabelValues(label(o.Label)).Inc()
	case eventbus.NotificationDropped:
		c.notifications.WithLabelValues(label(o.Kind)).Inc()
	}
}

func label(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return s
}
