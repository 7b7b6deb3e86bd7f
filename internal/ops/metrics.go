package ops

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/SpaceDev/SpaceRTK/internal/action"
	"github.com/SpaceDev/SpaceRTK/internal/eventbus"
)

const namespace = "spacertk"

// Metrics owns a private Prometheus registry fed by dispatcher observations
// and event bus traffic.
type Metrics struct {
	reg *prometheus.Registry

	dispatches  *prometheus.CounterVec
	dispatchDur *prometheus.HistogramVec
	fires       *prometheus.CounterVec
	tasks       *prometheus.CounterVec
	lost        prometheus.Counter
}

// Gauges are sampled at scrape time. Nil funcs are skipped.
type Gauges struct {
	JobsScheduled func() float64
	LivenessUp    func() float64
}

func NewMetrics(g Gauges) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Action dispatches by canonical action and outcome.",
		}, []string{"action", "outcome"}),
		dispatchDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Action handler latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 9),
		}, []string{"action"}),
		fires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_fires_total",
			Help:      "Scheduled job fires by result.",
		}, []string{"result"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Task engine executions by result.",
		}, []string{"result"}),
		lost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liveness_lost_total",
			Help:      "Times the Module was declared unreachable.",
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.dispatches, m.dispatchDur, m.fires, m.tasks, m.lost,
	)
	if g.JobsScheduled != nil {
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_scheduled",
			Help:      "Jobs currently in the scheduler table.",
		}, g.JobsScheduled))
	}
	if g.LivenessUp != nil {
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "liveness_up",
			Help:      "1 while the heartbeat loop runs and the Module answers.",
		}, g.LivenessUp))
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Observe is an action.Observer.
func (m *Metrics) Observe(_ context.Context, c action.Call) {
	name := c.Action
	if name == "" {
		name = "unknown"
	}
	m.dispatches.WithLabelValues(name, Outcome(c.Err)).Inc()
	if c.Action != "" {
		m.dispatchDur.WithLabelValues(name).Observe(c.Duration.Seconds())
	}
}

// Outcome classifies a dispatch error for metrics and audit.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, action.ErrNotFound):
		return "not_found"
	case errors.Is(err, action.ErrArgumentMismatch):
		return "mismatch"
	default:
		return "handler_error"
	}
}

// Follow counts bus events until ctx ends.
func (m *Metrics) Follow(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256, "job.", "task.", "liveness.")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.count(ev.Type)
		}
	}
}

func (m *Metrics) count(typ string) {
	switch typ {
	case eventbus.JobFired:
		m.fires.WithLabelValues("fired").Inc()
	case eventbus.JobFailed:
		m.fires.WithLabelValues("failed").Inc()
	case eventbus.JobSkipped:
		m.fires.WithLabelValues("skipped").Inc()
	case eventbus.TaskFinished:
		m.tasks.WithLabelValues("finished").Inc()
	case eventbus.TaskFailed:
		m.tasks.WithLabelValues("failed").Inc()
	case eventbus.TaskSkipped:
		m.tasks.WithLabelValues("skipped").Inc()
	case eventbus.LivenessLost:
		m.lost.Inc()
	}
}
