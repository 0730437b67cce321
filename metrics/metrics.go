// Package metrics exposes Prometheus instruments for task and pipeline
// activity.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohans/surveyx/pipeline"
	"github.com/mohans/surveyx/task"
)

const namespace = "surveyx"

// Metrics groups the task instruments. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	submitted     prometheus.Counter
	rejected      *prometheus.CounterVec
	finished      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	stageFailures *prometheus.CounterVec
}

// New registers the task instruments with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_submitted_total",
			Help: "Survey tasks accepted for processing.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_rejected_total",
			Help: "Submissions rejected before processing, by reason.",
		}, []string{"reason"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_finished_total",
			Help: "Tasks reaching a terminal status.",
		}, []string{"status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "task_duration_seconds",
			Help:    "Wall time from submission to terminal status.",
			Buckets: prometheus.ExponentialBuckets(30, 2, 10),
		}, []string{"status"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stage_failures_total",
			Help: "Items dropped by a stage because of an error.",
		}, []string{"stage"}),
	}
	reg.MustRegister(m.submitted, m.rejected, m.finished, m.duration, m.stageFailures)
	return m
}

func (m *Metrics) TaskSubmitted() {
	if m != nil {
		m.submitted.Inc()
	}
}

func (m *Metrics) SubmitRejected(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) TaskFinished(status task.Status, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(string(status)).Inc()
	m.duration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
}

func (m *Metrics) StageFailed(stage string) {
	if m != nil {
		m.stageFailures.WithLabelValues(stage).Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StatsSource is satisfied by *pipeline.Graph.
type StatsSource interface {
	Stats() pipeline.Stats
}

// PipelineCollector reports live per-stage gauges at scrape time.
type PipelineCollector struct {
	src      StatsSource
	queue    *prometheus.Desc
	capacity *prometheus.Desc
	busy     *prometheus.Desc
	workers  *prometheus.Desc
	running  *prometheus.Desc
}

func NewPipelineCollector(src StatsSource) *PipelineCollector {
	labels := []string{"stage"}
	return &PipelineCollector{
		src:      src,
		queue:    prometheus.NewDesc(namespace+"_stage_queue_size", "Items waiting in the stage queue.", labels, nil),
		capacity: prometheus.NewDesc(namespace+"_stage_queue_capacity", "Stage queue capacity.", labels, nil),
		busy:     prometheus.NewDesc(namespace+"_stage_busy_workers", "Workers currently processing an item.", labels, nil),
		workers:  prometheus.NewDesc(namespace+"_stage_workers", "Configured workers per stage.", labels, nil),
		running:  prometheus.NewDesc(namespace+"_pipeline_running", "1 while the pipeline accepts work.", nil, nil),
	}
}

func (c *PipelineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queue
	ch <- c.capacity
	ch <- c.busy
	ch <- c.workers
	ch <- c.running
}

func (c *PipelineCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Stats()
	running := 0.0
	if st.Running {
		running = 1
	}
	ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, running)
	for _, s := range st.Stages {
		ch <- prometheus.MustNewConstMetric(c.queue, prometheus.GaugeValue, float64(s.QueueSize), s.Name)
		ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(s.QueueCapacity), s.Name)
		ch <- prometheus.MustNewConstMetric(c.busy, prometheus.GaugeValue, float64(s.Busy), s.Name)
		ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue, float64(s.Workers), s.Name)
	}
}
