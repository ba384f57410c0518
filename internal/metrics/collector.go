// Package metrics exposes storage operation counters both as Prometheus
// series and as a resettable in-process snapshot.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/syncstore/syncstore/pkg/types"
)

// Config represents metrics configuration.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// Collector records coordinator and scheduler activity. All Record methods
// are safe for concurrent use and are no-ops on a disabled collector.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	adapterUsage      *prometheus.CounterVec
	syncConflicts     *prometheus.CounterVec
	queueDepth        prometheus.Gauge

	mu        sync.Mutex
	snapshot  types.StorageMetrics
	totalTime time.Duration

	server *http.Server
}

// NewCollector builds a collector with its own registry.
func NewCollector(config Config) (*Collector, error) {
	if config.Namespace == "" {
		config.Namespace = "syncstore"
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}

	c := &Collector{
		config:   config,
		registry: prometheus.NewRegistry(),
		snapshot: types.StorageMetrics{AdapterUsage: make(map[string]int64)},
	}
	if !config.Enabled {
		return c, nil
	}

	c.operationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "operations_total",
		Help:      "Total storage operations by type and outcome",
	}, []string{"operation", "status"})

	c.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: config.Namespace,
		Name:      "operation_duration_seconds",
		Help:      "Storage operation latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	c.adapterUsage = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "adapter_usage_total",
		Help:      "Operations served per storage adapter",
	}, []string{"adapter"})

	c.syncConflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "sync_conflicts_total",
		Help:      "Conflicts detected during synchronization by resolution",
	}, []string{"resolution"})

	c.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: config.Namespace,
		Name:      "scheduler_queue_depth",
		Help:      "Operations waiting in the scheduler queue",
	})

	for _, col := range []prometheus.Collector{
		c.operationCounter, c.operationDuration, c.adapterUsage, c.syncConflicts, c.queueDepth,
	} {
		if err := c.registry.Register(col); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}

	return c, nil
}

// RecordOperation records one storage operation outcome.
func (c *Collector) RecordOperation(operation string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}

	if c.config.Enabled {
		c.operationCounter.WithLabelValues(operation, status).Inc()
		c.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	}

	c.mu.Lock()
	c.snapshot.TotalOps++
	if success {
		c.snapshot.SuccessOps++
	} else {
		c.snapshot.FailedOps++
	}
	c.totalTime += duration
	c.snapshot.AvgLatency = c.totalTime / time.Duration(c.snapshot.TotalOps)
	c.mu.Unlock()
}

// RecordAdapterUse attributes an operation to the adapter that served it.
func (c *Collector) RecordAdapterUse(adapter string) {
	if c.config.Enabled {
		c.adapterUsage.WithLabelValues(adapter).Inc()
	}

	c.mu.Lock()
	c.snapshot.AdapterUsage[adapter]++
	c.mu.Unlock()
}

// RecordConflict counts a sync conflict by how it was resolved.
func (c *Collector) RecordConflict(resolution string) {
	if c.config.Enabled {
		c.syncConflicts.WithLabelValues(resolution).Inc()
	}
}

// SetQueueDepth publishes the scheduler queue length.
func (c *Collector) SetQueueDepth(depth int) {
	if c.config.Enabled {
		c.queueDepth.Set(float64(depth))
	}
}

// Snapshot returns a copy of the in-process counters.
func (c *Collector) Snapshot() types.StorageMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.snapshot
	out.AdapterUsage = make(map[string]int64, len(c.snapshot.AdapterUsage))
	for k, v := range c.snapshot.AdapterUsage {
		out.AdapterUsage[k] = v
	}
	return out
}

// Reset zeroes the in-process counters. Prometheus series are cumulative and
// are left alone.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = types.StorageMetrics{AdapterUsage: make(map[string]int64)}
	c.totalTime = 0
}

// Start serves the metrics endpoint. No-op when disabled.
func (c *Collector) Start() error {
	if !c.config.Enabled || c.config.Port == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Stop shuts the metrics endpoint down.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}
