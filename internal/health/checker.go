// Package health periodically probes storage adapters and serves the
// aggregated status over HTTP.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/syncstore/syncstore/internal/adapter"
	"github.com/syncstore/syncstore/pkg/types"
)

// Config tunes the checker.
type Config struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	HTTPPort int           `yaml:"http_port"`
}

// AdapterHealth is the last observed state of one adapter.
type AdapterHealth struct {
	Adapter             string             `json:"adapter"`
	Status              types.HealthStatus `json:"status"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
}

// Report aggregates all adapter states.
type Report struct {
	Healthy   bool                     `json:"healthy"`
	CheckedAt time.Time                `json:"checked_at"`
	Adapters  map[string]AdapterHealth `json:"adapters"`
}

// Checker drives the probe loop.
type Checker struct {
	config   Config
	adapters []adapter.Adapter
	logger   *zap.Logger

	mu      sync.RWMutex
	results map[string]AdapterHealth
	lastRun time.Time

	cancel context.CancelFunc
	done   chan struct{}
	server *http.Server
}

// NewChecker builds a checker over the given adapters.
func NewChecker(config Config, adapters []adapter.Adapter, logger *zap.Logger) *Checker {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Checker{
		config:   config,
		adapters: adapters,
		logger:   logger.With(zap.String("component", "health")),
		results:  make(map[string]AdapterHealth),
	}
}

// Start probes once immediately, then on the configured interval. When a
// port is configured the report is served at /healthz.
func (c *Checker) Start() {
	if c.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	c.runChecks(ctx)

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.runChecks(ctx)
			}
		}
	}()

	if c.config.HTTPPort > 0 {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", c.handleHealthz)

		c.server = &http.Server{
			Addr:              fmt.Sprintf(":%d", c.config.HTTPPort),
			Handler:           mux,
			ReadHeaderTimeout: 30 * time.Second,
		}
		go func() {
			if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				c.logger.Error("health endpoint failed", zap.Error(err))
			}
		}()
	}
}

// Stop halts the probe loop and the HTTP endpoint.
func (c *Checker) Stop(ctx context.Context) error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	<-c.done
	c.cancel = nil

	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// runChecks probes every adapter concurrently.
func (c *Checker) runChecks(ctx context.Context) {
	var wg sync.WaitGroup
	for _, a := range c.adapters {
		wg.Add(1)
		go func(a adapter.Adapter) {
			defer wg.Done()
			c.probe(ctx, a)
		}(a)
	}
	wg.Wait()

	c.mu.Lock()
	c.lastRun = time.Now()
	c.mu.Unlock()
}

func (c *Checker) probe(ctx context.Context, a adapter.Adapter) {
	probeCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	status, err := a.HealthCheck(probeCtx)
	if err != nil {
		status = &types.HealthStatus{
			CheckedAt: time.Now(),
			Message:   err.Error(),
		}
	}

	c.mu.Lock()
	entry := c.results[a.Name()]
	entry.Adapter = a.Name()
	entry.Status = *status
	if status.Healthy {
		entry.ConsecutiveFailures = 0
	} else {
		entry.ConsecutiveFailures++
	}
	c.results[a.Name()] = entry
	failures := entry.ConsecutiveFailures
	c.mu.Unlock()

	if !status.Healthy {
		c.logger.Warn("adapter unhealthy",
			zap.String("adapter", a.Name()),
			zap.String("message", status.Message),
			zap.Int("consecutive_failures", failures))
	}
}

// Report returns the latest aggregated view. Overall health requires every
// probed adapter to be healthy.
func (c *Checker) Report() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()

	report := Report{
		Healthy:   len(c.results) > 0,
		CheckedAt: c.lastRun,
		Adapters:  make(map[string]AdapterHealth, len(c.results)),
	}
	for name, entry := range c.results {
		report.Adapters[name] = entry
		if !entry.Status.Healthy {
			report.Healthy = false
		}
	}
	return report
}

// AdapterStatus returns the latest state for one adapter.
func (c *Checker) AdapterStatus(name string) (AdapterHealth, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.results[name]
	return entry, ok
}

func (c *Checker) handleHealthz(w http.ResponseWriter, r *http.Request) {
	report := c.Report()

	w.Header().Set("Content-Type", "application/json")
	if !report.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}
