package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/airframesio/bi-toolkit/cmd/fanout"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes pipeline metrics on its own registry
type Collector struct {
	registry *prometheus.Registry

	tasksTotal            *prometheus.CounterVec
	taskDuration          *prometheus.HistogramVec
	consolidationsTotal   *prometheus.CounterVec
	consolidationDuration *prometheus.HistogramVec
	sinkInsertsTotal      *prometheus.CounterVec
}

// New creates a new metrics collector
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bi_toolkit_tasks_total",
				Help: "Fan-out tasks finished, by stage and status",
			},
			[]string{"stage", "status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bi_toolkit_task_duration_seconds",
				Help:    "Time taken by a single fan-out task",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"stage"},
		),
		consolidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bi_toolkit_consolidations_total",
				Help: "Tables consolidated, by status",
			},
			[]string{"status"},
		),
		consolidationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bi_toolkit_consolidation_duration_seconds",
				Help:    "Time taken to merge, compress and clean up one table",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"table"},
		),
		sinkInsertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bi_toolkit_sink_inserts_total",
				Help: "Diagnostic rows written for failed queries, by status",
			},
			[]string{"status"},
		),
	}

	c.registry.MustRegister(
		c.tasksTotal,
		c.taskDuration,
		c.consolidationsTotal,
		c.consolidationDuration,
		c.sinkInsertsTotal,
	)
	return c
}

func status(err error) string {
	if err != nil {
		return "failed"
	}
	return "success"
}

// Observer returns a fan-out observer that records outcomes under stage
func (c *Collector) Observer(stage string) fanout.Observer {
	return func(o fanout.Outcome) {
		c.tasksTotal.WithLabelValues(stage, status(o.Err)).Inc()
		c.taskDuration.WithLabelValues(stage).Observe(o.Duration.Seconds())
	}
}

// ObserveConsolidation records one table's consolidation
func (c *Collector) ObserveConsolidation(table string, duration time.Duration, err error) {
	c.consolidationsTotal.WithLabelValues(status(err)).Inc()
	c.consolidationDuration.WithLabelValues(table).Observe(duration.Seconds())
}

// ObserveSinkInsert records one diagnostic insert
func (c *Collector) ObserveSinkInsert(err error) {
	c.sinkInsertsTotal.WithLabelValues(status(err)).Inc()
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's metrics
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
