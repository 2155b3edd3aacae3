package vdisk

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "vdisk"

// Metrics are the per-disk prometheus collectors.
type Metrics struct {
	Outstanding     prometheus.Gauge
	RetryQueueDepth prometheus.Gauge
	CurrentHost     prometheus.Gauge
	Failovers       prometheus.Counter
	FailoverResults *prometheus.CounterVec
	ProbeFailures   prometheus.Counter
	Completions     *prometheus.CounterVec
	Requeued        prometheus.Counter
}

func newMetrics(diskID string) *Metrics {
	labels := prometheus.Labels{"disk": diskID}
	return &Metrics{
		Outstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "outstanding_io",
			Help:        "Requests currently held by the transport.",
			ConstLabels: labels,
		}),
		RetryQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "retry_queue_depth",
			Help:        "Requests waiting in the retry queue.",
			ConstLabels: labels,
		}),
		CurrentHost: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "current_host_index",
			Help:        "Index in the redundancy list I/O is shipped to.",
			ConstLabels: labels,
		}),
		Failovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "failovers_total",
			Help:        "Failover cycles started.",
			ConstLabels: labels,
		}),
		FailoverResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "failover_results_total",
			Help:        "Failover cycles finished, by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		ProbeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "probe_failures_total",
			Help:        "Hosts that failed reopen or the failover-ready probe.",
			ConstLabels: labels,
		}),
		Completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "completions_total",
			Help:        "Guest requests completed, by direction and result.",
			ConstLabels: labels,
		}, []string{"direction", "result"}),
		Requeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "requeued_total",
			Help:        "Requests placed in the retry queue.",
			ConstLabels: labels,
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Outstanding, m.RetryQueueDepth, m.CurrentHost, m.Failovers,
		m.FailoverResults, m.ProbeFailures, m.Completions, m.Requeued,
	}
}

// register adds every collector, undoing partial registration on error.
func (m *Metrics) register(reg prometheus.Registerer) error {
	var done []prometheus.Collector
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			for _, d := range done {
				reg.Unregister(d)
			}
			return err
		}
		done = append(done, c)
	}
	return nil
}

func (m *Metrics) unregister(reg prometheus.Registerer) {
	for _, c := range m.collectors() {
		reg.Unregister(c)
	}
}
