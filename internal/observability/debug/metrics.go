package debug

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"timetask/internal/eventbus"
)

// Metrics turns bus events into Prometheus series.
type Metrics struct {
	reg *prometheus.Registry

	created   prometheus.Counter
	removed   prometheus.Counter
	retired   prometheus.Counter
	misfired  prometheus.Counter
	fires     *prometheus.CounterVec
	delivered *prometheus.CounterVec
	jobs      *prometheus.CounterVec
}

// NewMetrics registers the collectors. armed reports the number of armed
// tasks; nil leaves the gauge out.
func NewMetrics(armed func() int) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "timetask", Name: "tasks_created_total", Help: "Tasks created.",
		}),
		removed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "timetask", Name: "tasks_removed_total", Help: "Tasks removed by users.",
		}),
		retired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "timetask", Name: "tasks_retired_total", Help: "One-shot tasks retired after firing.",
		}),
		misfired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "timetask", Name: "tasks_misfired_total", Help: "Fires skipped for lateness.",
		}),
		fires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "timetask", Name: "fires_total", Help: "Trigger fires by kind.",
		}, []string{"kind"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "timetask", Name: "deliveries_total", Help: "Delivery outcomes.",
		}, []string{"result"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "timetask", Name: "executor_jobs_total", Help: "Executor job events.",
		}, []string{"event"}),
	}
	m.reg.MustRegister(m.created, m.removed, m.retired, m.misfired, m.fires, m.delivered, m.jobs,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	if armed != nil {
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "timetask", Name: "armed_tasks", Help: "Tasks currently armed in the scheduler.",
		}, func() float64 { return float64(armed()) }))
	}
	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Observe updates counters for one event.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TaskCreated:
		m.created.Inc()
	case eventbus.TaskRemoved:
		m.removed.Inc()
	case eventbus.TaskRetired:
		m.retired.Inc()
	case eventbus.TaskMisfired:
		m.misfired.Inc()
	case eventbus.TaskFired:
		kind := "unknown"
		if info, ok := e.Data.(eventbus.TaskInfo); ok && info.Kind != "" {
			kind = info.Kind
		}
		m.fires.WithLabelValues(kind).Inc()
	case eventbus.TaskDelivered:
		result := "ok"
		if info, ok := e.Data.(eventbus.TaskInfo); ok && info.Error != "" {
			result = "error"
		}
		m.delivered.WithLabelValues(result).Inc()
	case eventbus.JobStarted, eventbus.JobFinished, eventbus.JobFailed, eventbus.JobDropped:
		m.jobs.WithLabelValues(e.Type).Inc()
	}
}

// Consume observes events from bus until ctx is done.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}
