// Package batch provides the micro-batching coordinator that groups raw
// events into time/size-bounded batches for persistence and downstream
// processors.
package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fraudsentry/internal/schema"
)

// ErrCoordinatorClosed is returned when adding to a closed coordinator.
var ErrCoordinatorClosed = errors.New("batch coordinator is closed")

// Processor consumes flushed event batches. A processor error is logged
// and does not block other processors or subsequent batches.
type Processor interface {
	Name() string
	ProcessBatch(ctx context.Context, batch *schema.EventBatch) error
}

// PersistFunc persists a flushed batch before processor dispatch.
// Persistence failures are logged and never block live processing.
type PersistFunc func(batch *schema.EventBatch) error

// Config holds the batch coordinator configuration.
type Config struct {
	BatchSize    int           `yaml:"batch_size"`
	FlushTimeout time.Duration `yaml:"flush_timeout"`
}

// DefaultConfig returns the default batch coordinator configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:    100,
		FlushTimeout: 5 * time.Second,
	}
}

// Coordinator buffers events and flushes a batch when the buffer reaches
// BatchSize or when FlushTimeout elapses since the last flush, whichever
// comes first.
type Coordinator struct {
	config  Config
	persist PersistFunc

	mu         sync.Mutex
	buffer     []*schema.Event
	processors []Processor
	closed     bool

	flushTimer *time.Timer

	// Metrics
	batchesFlushed  uint64
	eventsBatched   uint64
	processorErrors uint64
	persistErrors   uint64
}

// NewCoordinator creates a batch coordinator. persist may be nil when no
// replay persistence is wanted.
func NewCoordinator(cfg Config, persist PersistFunc) *Coordinator {
	c := &Coordinator{
		config:  cfg,
		persist: persist,
		buffer:  make([]*schema.Event, 0, cfg.BatchSize),
	}
	c.flushTimer = time.AfterFunc(cfg.FlushTimeout, c.timerFlush)
	return c
}

// Register adds a batch processor. Processors registered after flushes
// begin only see later batches.
func (c *Coordinator) Register(p Processor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processors = append(c.processors, p)

	slog.Info("batch processor registered", "processor", p.Name())
}

// Add buffers an event, flushing if the size trigger is reached.
func (c *Coordinator) Add(event *schema.Event) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCoordinatorClosed
	}

	c.buffer = append(c.buffer, event)

	var batch *schema.EventBatch
	var procs []Processor
	if len(c.buffer) >= c.config.BatchSize {
		batch, procs = c.cutLocked()
	}
	c.mu.Unlock()

	c.dispatch(batch, procs)
	return nil
}

// Flush forces out the current buffer regardless of triggers.
func (c *Coordinator) Flush() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	batch, procs := c.cutLocked()
	c.mu.Unlock()

	c.dispatch(batch, procs)
}

// timerFlush is called by the flush timer.
func (c *Coordinator) timerFlush() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	batch, procs := c.cutLocked()
	c.mu.Unlock()

	c.dispatch(batch, procs)
}

// cutLocked removes the current buffer as a batch and snapshots the
// processor list, restarting the flush timer. Caller holds c.mu. Returns
// a nil batch when the buffer is empty.
func (c *Coordinator) cutLocked() (*schema.EventBatch, []Processor) {
	c.flushTimer.Reset(c.config.FlushTimeout)

	if len(c.buffer) == 0 {
		return nil, nil
	}

	events := c.buffer
	c.buffer = make([]*schema.Event, 0, c.config.BatchSize)

	batch := &schema.EventBatch{
		BatchID:   uuid.New(),
		Events:    events,
		CreatedAt: time.Now(),
		Priority:  maxSeverity(events),
	}

	atomic.AddUint64(&c.batchesFlushed, 1)
	atomic.AddUint64(&c.eventsBatched, uint64(len(events)))

	procs := make([]Processor, len(c.processors))
	copy(procs, c.processors)
	return batch, procs
}

// dispatch persists and fans out a cut batch. It runs without c.mu so a
// slow processor never blocks workers adding events; batches cut
// concurrently may reach processors concurrently.
func (c *Coordinator) dispatch(batch *schema.EventBatch, procs []Processor) {
	if batch == nil {
		return
	}

	if c.persist != nil {
		if err := c.persist(batch); err != nil {
			atomic.AddUint64(&c.persistErrors, 1)
			slog.Error("failed to persist batch",
				"batch_id", batch.BatchID,
				"events", len(batch.Events),
				"error", err,
			)
		}
	}

	ctx := context.Background()
	for _, p := range procs {
		if err := p.ProcessBatch(ctx, batch); err != nil {
			atomic.AddUint64(&c.processorErrors, 1)
			slog.Error("batch processor failed",
				"processor", p.Name(),
				"batch_id", batch.BatchID,
				"error", err,
			)
		}
	}
}

// Close flushes the remaining buffer and stops the coordinator.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	batch, procs := c.cutLocked()
	c.closed = true
	c.flushTimer.Stop()
	c.mu.Unlock()

	c.dispatch(batch, procs)
}

// Metrics returns coordinator statistics.
func (c *Coordinator) Metrics() CoordinatorMetrics {
	c.mu.Lock()
	pending := len(c.buffer)
	c.mu.Unlock()

	return CoordinatorMetrics{
		BatchesFlushed:  atomic.LoadUint64(&c.batchesFlushed),
		EventsBatched:   atomic.LoadUint64(&c.eventsBatched),
		ProcessorErrors: atomic.LoadUint64(&c.processorErrors),
		PersistErrors:   atomic.LoadUint64(&c.persistErrors),
		Pending:         pending,
	}
}

// CoordinatorMetrics holds batch coordinator statistics.
type CoordinatorMetrics struct {
	BatchesFlushed  uint64 `json:"batches_flushed"`
	EventsBatched   uint64 `json:"events_batched"`
	ProcessorErrors uint64 `json:"processor_errors"`
	PersistErrors   uint64 `json:"persist_errors"`
	Pending         int    `json:"pending"`
}

func maxSeverity(events []*schema.Event) schema.Severity {
	max := schema.SeverityInfo
	for _, e := range events {
		if e.Severity > max {
			max = e.Severity
		}
	}
	return max
}
