// Package metrics exposes supervisor activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/overseer/internal/supervisor"
)

const namespace = "overseer"

var results = []string{
	supervisor.ResultSucceeded,
	supervisor.ResultFailed,
	supervisor.ResultTimedOut,
	supervisor.ResultCancelled,
}

// StatsFunc reports the supervisor's current counts.
type StatsFunc func() supervisor.Stats

// Collector records supervisor lifecycle notifications on its own registry.
// It satisfies supervisor.Observer.
type Collector struct {
	registry *prometheus.Registry

	started   prometheus.Counter
	retries   prometheus.Counter
	queued    prometheus.Counter
	dropped   prometheus.Counter
	completed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// New builds a Collector. Active and queued gauges are read from stats at
// scrape time; a nil stats reports zeros.
func New(stats StatsFunc) *Collector {
	if stats == nil {
		stats = func() supervisor.Stats { return supervisor.Stats{} }
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_started_total",
			Help:      "Total number of worker attempts started, retries included.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempt_retries_total",
			Help:      "Total number of failed attempts that were retried.",
		}),
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_queued_total",
			Help:      "Total number of submissions that waited for capacity.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_dropped_total",
			Help:      "Total number of submissions dropped because no worker could be created.",
		}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_completed_total",
			Help:      "Total number of submissions that reached a terminal result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Duration of the final attempt of each submission, in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"result"}),
	}

	active := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "attempts_active",
		Help:      "Number of attempts currently holding a worker.",
	}, func() float64 { return float64(stats().Active) })

	depth := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Number of submissions waiting for capacity.",
	}, func() float64 { return float64(stats().Queued) })

	c.registry.MustRegister(
		c.started, c.retries, c.queued, c.dropped, c.completed, c.duration,
		active, depth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Pre-initialize label combinations so every result shows up as 0.
	for _, r := range results {
		c.completed.WithLabelValues(r)
	}
	return c
}

// Registry returns the registry the collector's metrics live on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) SubmissionQueued(any, int) {
	c.queued.Inc()
}

func (c *Collector) SubmissionDropped(any, error) {
	c.dropped.Inc()
}

func (c *Collector) AttemptStarted(supervisor.AttemptInfo) {
	c.started.Inc()
}

func (c *Collector) AttemptRetried(supervisor.AttemptInfo, supervisor.AttemptInfo, error) {
	c.retries.Inc()
}

func (c *Collector) AttemptFinished(a supervisor.AttemptInfo, err error) {
	result := supervisor.ResultOf(err)
	c.completed.WithLabelValues(result).Inc()
	if !a.StartedAt.IsZero() {
		c.duration.WithLabelValues(result).Observe(time.Since(a.StartedAt).Seconds())
	}
}
