// Package metrics provides in-process pipeline counters and their
// Prometheus exposition.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is a best-effort consistent view of the pipeline counters.
type Snapshot struct {
	EventsProcessed  uint64  `json:"events_processed"`
	EventsPerSecond  float64 `json:"events_per_second"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
	ErrorRate        float64 `json:"error_rate"`
	QueueDepth       int     `json:"queue_depth"`
	ActiveWorkers    int     `json:"active_workers"`
}

// Collector accumulates processing counters. Recording methods are safe
// for concurrent use on the hot path; the throughput rate is refreshed
// by a periodic sample loop.
type Collector struct {
	processed    uint64
	errors       uint64
	latencyMicro uint64

	mu          sync.Mutex
	rate        float64
	lastSample  time.Time
	lastCounter uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a collector sampling throughput at the given
// interval.
func NewCollector(sampleInterval time.Duration) *Collector {
	c := &Collector{
		lastSample: time.Now(),
		stopCh:     make(chan struct{}),
	}

	if sampleInterval > 0 {
		c.wg.Add(1)
		go c.sampleLoop(sampleInterval)
	}
	return c
}

// RecordProcessed records one fully processed event and its latency.
func (c *Collector) RecordProcessed(latency time.Duration) {
	atomic.AddUint64(&c.processed, 1)
	atomic.AddUint64(&c.latencyMicro, uint64(latency.Microseconds()))
	EventsProcessed.Inc()
	ProcessingDuration.Observe(float64(latency.Milliseconds()))
}

// RecordError records a processing failure.
func (c *Collector) RecordError() {
	atomic.AddUint64(&c.errors, 1)
}

// Processed returns the cumulative processed count.
func (c *Collector) Processed() uint64 {
	return atomic.LoadUint64(&c.processed)
}

// Restore seeds the cumulative counter from a recovered checkpoint.
func (c *Collector) Restore(processed uint64) {
	atomic.StoreUint64(&c.processed, processed)
	c.mu.Lock()
	c.lastCounter = processed
	c.mu.Unlock()
}

func (c *Collector) sampleLoop(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case now := <-ticker.C:
			c.sample(now)
		}
	}
}

func (c *Collector) sample(now time.Time) {
	count := atomic.LoadUint64(&c.processed)

	c.mu.Lock()
	elapsed := now.Sub(c.lastSample).Seconds()
	if elapsed > 0 {
		c.rate = float64(count-c.lastCounter) / elapsed
	}
	c.lastSample = now
	c.lastCounter = count
	c.mu.Unlock()
}

// Snapshot returns the current counters. queueDepth and activeWorkers
// are supplied by the caller since they live in other components.
func (c *Collector) Snapshot(queueDepth, activeWorkers int) Snapshot {
	processed := atomic.LoadUint64(&c.processed)
	errors := atomic.LoadUint64(&c.errors)
	latency := atomic.LoadUint64(&c.latencyMicro)

	c.mu.Lock()
	rate := c.rate
	c.mu.Unlock()

	s := Snapshot{
		EventsProcessed: processed,
		EventsPerSecond: rate,
		QueueDepth:      queueDepth,
		ActiveWorkers:   activeWorkers,
	}
	if processed > 0 {
		s.AverageLatencyMs = float64(latency) / float64(processed) / 1000
	}
	if total := processed + errors; total > 0 {
		s.ErrorRate = float64(errors) / float64(total)
	}
	return s
}

// Close stops the sample loop.
func (c *Collector) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}
