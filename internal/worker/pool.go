// Package worker provides the event processing worker pool and its
// auto-scaler.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"fraudsentry/internal/queue"
	"fraudsentry/internal/schema"
)

// ErrPoolRunning is returned when Start is called on a running pool.
var ErrPoolRunning = errors.New("worker pool already running")

// ErrPoolStopped is returned when the pool is resized while stopped.
var ErrPoolStopped = errors.New("worker pool not running")

// ProcessFunc handles a single event pulled from the queue.
type ProcessFunc func(ctx context.Context, event *schema.Event) error

// Config holds the worker pool configuration.
type Config struct {
	MinWorkers   int           `yaml:"min_workers"`
	MaxWorkers   int           `yaml:"max_workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default worker pool configuration.
func DefaultConfig() Config {
	return Config{
		MinWorkers:   2,
		MaxWorkers:   16,
		PollInterval: 100 * time.Millisecond,
		ShutdownWait: 30 * time.Second,
	}
}

// Pool pulls events from the priority queue and runs them through the
// processing function. Workers share only the queue and the metrics
// counters.
type Pool struct {
	queue     *queue.PriorityQueue
	process   ProcessFunc
	config    Config
	onFailure func()

	mu      sync.Mutex
	workers map[int]chan struct{}
	nextID  int
	running bool
	wg      sync.WaitGroup

	// Metrics
	processed uint64
	failures  uint64
	panics    uint64
}

// NewPool creates a worker pool reading from q.
func NewPool(q *queue.PriorityQueue, process ProcessFunc, cfg Config) *Pool {
	if cfg.MinWorkers < 1 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	return &Pool{
		queue:   q,
		process: process,
		config:  cfg,
		workers: make(map[int]chan struct{}),
	}
}

// OnFailure installs a hook invoked once per event whose processing
// failed or panicked. Must be set before Start.
func (p *Pool) OnFailure(fn func()) {
	p.onFailure = fn
}

// Start spawns the minimum worker count. Failure to start the floor is
// fatal to the caller.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrPoolRunning
	}
	p.running = true

	for i := 0; i < p.config.MinWorkers; i++ {
		p.spawnLocked(ctx)
	}

	slog.Info("worker pool started",
		"min_workers", p.config.MinWorkers,
		"max_workers", p.config.MaxWorkers,
	)
	return nil
}

// spawnLocked starts one worker. Caller holds p.mu.
func (p *Pool) spawnLocked(ctx context.Context) {
	id := p.nextID
	p.nextID++
	stop := make(chan struct{})
	p.workers[id] = stop

	p.wg.Add(1)
	go p.worker(ctx, id, stop)
}

// Grow adds up to n workers without exceeding the configured maximum.
// It returns the number actually added.
func (p *Pool) Grow(ctx context.Context, n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return 0
	}

	added := 0
	for i := 0; i < n && len(p.workers) < p.config.MaxWorkers; i++ {
		p.spawnLocked(ctx)
		added++
	}
	return added
}

// ShrinkOne signals one worker to exit after it finishes its current
// event. It reports whether a worker was released; the pool never drops
// below the configured minimum.
func (p *Pool) ShrinkOne() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running || len(p.workers) <= p.config.MinWorkers {
		return false
	}

	for id, stop := range p.workers {
		close(stop)
		delete(p.workers, id)
		return true
	}
	return false
}

// Size returns the current worker count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// worker is a single processing goroutine.
func (p *Pool) worker(ctx context.Context, id int, stop chan struct{}) {
	defer p.wg.Done()

	slog.Debug("worker started", "worker_id", id)

	for {
		select {
		case <-ctx.Done():
			slog.Debug("worker stopping (context)", "worker_id", id)
			return
		case <-stop:
			slog.Debug("worker stopping (scaled down)", "worker_id", id)
			return
		default:
			event, err := p.queue.PopWithTimeout(p.config.PollInterval)
			if err != nil {
				if err == queue.ErrQueueEmpty {
					continue
				}
				if err == queue.ErrQueueClosed {
					return
				}
				slog.Warn("unexpected queue error", "worker_id", id, "error", err)
				atomic.AddUint64(&p.failures, 1)
				continue
			}

			p.processOne(ctx, id, event)
		}
	}
}

// processOne runs a single event with crash isolation. A panicking
// handler is logged and counted; the worker survives.
func (p *Pool) processOne(ctx context.Context, id int, event *schema.Event) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&p.panics, 1)
			atomic.AddUint64(&p.failures, 1)
			if p.onFailure != nil {
				p.onFailure()
			}
			slog.Error("panic while processing event",
				"worker_id", id,
				"event_id", event.EventID,
				"panic", r,
			)
		}
	}()

	if err := p.process(ctx, event); err != nil {
		atomic.AddUint64(&p.failures, 1)
		if p.onFailure != nil {
			p.onFailure()
		}
		slog.Error("failed to process event",
			"worker_id", id,
			"event_id", event.EventID,
			"error", err,
		)
		return
	}

	atomic.AddUint64(&p.processed, 1)
}

// Stop stops all workers, waiting up to ShutdownWait for in-flight
// events to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	for id, stop := range p.workers {
		close(stop)
		delete(p.workers, id)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("worker pool stopped gracefully")
	case <-time.After(p.config.ShutdownWait):
		slog.Warn("worker pool shutdown timed out")
	}
}

// Metrics returns pool statistics.
func (p *Pool) Metrics() PoolMetrics {
	return PoolMetrics{
		ActiveWorkers: p.Size(),
		Processed:     atomic.LoadUint64(&p.processed),
		Failures:      atomic.LoadUint64(&p.failures),
		Panics:        atomic.LoadUint64(&p.panics),
	}
}

// PoolMetrics holds worker pool statistics.
type PoolMetrics struct {
	ActiveWorkers int    `json:"active_workers"`
	Processed     uint64 `json:"processed"`
	Failures      uint64 `json:"failures"`
	Panics        uint64 `json:"panics"`
}
