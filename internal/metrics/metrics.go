package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "sentinel"

// Metrics 进程内的 Prometheus 指标
type Metrics struct {
	Registry *prometheus.Registry

	EventsPublished *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	LinesRead       *prometheus.CounterVec
	LaunchFailures  *prometheus.CounterVec
	MonitorsRunning *prometheus.GaugeVec
	ActiveTasks     prometheus.Gauge
	TasksFinished   *prometheus.CounterVec
	Subscribers     prometheus.Gauge
	SinkErrors      *prometheus.CounterVec
}

// New 创建指标并注册到独立的 Registry
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total number of events published to the bus",
		}, []string{"channel", "level"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total number of events dropped because a subscriber was full",
		}, []string{"channel"}),
		LinesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_read_total",
			Help:      "Total number of output lines read from supervised processes",
		}, []string{"source"}),
		LaunchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launch_failures_total",
			Help:      "Total number of external commands that failed to launch",
		}, []string{"command"}),
		MonitorsRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitors_running",
			Help:      "Whether a singleton monitor is running",
		}, []string{"kind"}),
		ActiveTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scan_tasks_active",
			Help:      "Number of active session scan tasks",
		}),
		TasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_tasks_finished_total",
			Help:      "Total number of session scan tasks that finished",
		}, []string{"operation", "state"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bus_subscribers",
			Help:      "Number of sessions subscribed to the event bus",
		}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Total number of events a sink failed to forward",
		}, []string{"sink"}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.EventsPublished,
		m.EventsDropped,
		m.LinesRead,
		m.LaunchFailures,
		m.MonitorsRunning,
		m.ActiveTasks,
		m.TasksFinished,
		m.Subscribers,
		m.SinkErrors,
	)
	return m
}

// SetMonitorRunning 更新单例监控的运行状态
func (m *Metrics) SetMonitorRunning(kind string, running bool) {
	v := 0.0
	if running {
		v = 1
	}
	m.MonitorsRunning.WithLabelValues(kind).Set(v)
}
