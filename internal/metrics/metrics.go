// Package metrics owns the Prometheus registry and the /metrics + /health
// HTTP listener. The collectors are explicit objects handed to workers by
// the supervisor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type Metrics struct {
	Registry *prometheus.Registry

	EventsReceived  *prometheus.CounterVec // per source
	EventsPublished *prometheus.CounterVec // per target
	EventsDropped   prometheus.Counter
	EventsFiltered  *prometheus.CounterVec // per target
	EventsApplied   *prometheus.CounterVec // per target, kind
	EventErrors     *prometheus.CounterVec // per target
	InitRows        *prometheus.CounterVec // per mapping

	BatchSize     prometheus.Histogram
	FlushDuration prometheus.Histogram
	BusSize       prometheus.Gauge
	WorkerUp      *prometheus.GaugeVec // per kind, name
	Reconnects    *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "etl", Name: "events_received_total",
			Help: "Binlog events read per source",
		}, []string{"source"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "etl", Name: "events_published_total",
			Help: "Events published to the bus per target",
		}, []string{"target"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "etl", Name: "events_dropped_total",
			Help: "Events dropped because the bus was full",
		}),
		EventsFiltered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "etl", Name: "events_filtered_total",
			Help: "Events dropped by mapping filters",
		}, []string{"target"}),
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "etl", Name: "events_applied_total",
			Help: "Rows applied to targets",
		}, []string{"target", "kind"}),
		EventErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "etl", Name: "event_errors_total",
			Help: "Per-event errors on the target side",
		}, []string{"target"}),
		InitRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "etl", Name: "init_rows_total",
			Help: "Rows emitted by init loads",
		}, []string{"mapping"}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "etl", Name: "target_batch_size",
			Help:    "Rows per batch flush",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "etl", Name: "target_flush_seconds",
			Help:    "Batch flush duration",
			Buckets: prometheus.DefBuckets,
		}),
		BusSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "etl", Name: "bus_queue_size",
			Help: "Messages waiting on the bus",
		}),
		WorkerUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "etl", Name: "worker_up",
			Help: "1 while a worker's loop is running",
		}, []string{"kind", "name"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "etl", Name: "reconnects_total",
			Help: "Connection re-establishments per named connection",
		}, []string{"connection"}),
	}
	reg.MustRegister(
		m.EventsReceived, m.EventsPublished, m.EventsDropped, m.EventsFiltered,
		m.EventsApplied, m.EventErrors, m.InitRows,
		m.BatchSize, m.FlushDuration, m.BusSize, m.WorkerUp, m.Reconnects,
	)
	return m
}
