package telemetry

import (
	"sync"
	"time"
)

// FreshnessProvider reports when the replica was last synced
type FreshnessProvider interface {
	LastSync() time.Time
}

// MetricsCollector periodically refreshes gauges derived from replica state
type MetricsCollector struct {
	provider FreshnessProvider
	interval time.Duration
	now      func() time.Time
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider FreshnessProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	SecondsSinceSync.Set(mc.staleness().Seconds())
}

// staleness is zero until the first sync completes
func (mc *MetricsCollector) staleness() time.Duration {
	if mc.provider == nil {
		return 0
	}
	last := mc.provider.LastSync()
	if last.IsZero() {
		return 0
	}
	return mc.now().Sub(last)
}
