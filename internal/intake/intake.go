// Package intake is the validated front door for events. It rejects
// malformed and duplicate events, stamps internal fields, and pushes
// accepted events onto the bounded priority queue without ever blocking
// the producer.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fraudsentry/internal/queue"
	"fraudsentry/internal/schema"
)

var (
	// ErrDuplicateEvent is returned when an event ID has been seen before.
	ErrDuplicateEvent = errors.New("duplicate event id")
	// ErrQueueFull signals backpressure; the caller decides retry or drop.
	ErrQueueFull = errors.New("intake queue is full")
)

// ValidationError wraps a schema validation failure at intake.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "event validation failed: " + e.Reason
}

// Intake validates, deduplicates, and enqueues events.
type Intake struct {
	validator *schema.Validator
	queue     *queue.PriorityQueue
	dedup     DedupStore

	// Metrics
	accepted   uint64
	rejected   uint64
	duplicates uint64
	dropped    uint64
}

// New creates an Intake in front of q using the given validator and dedup
// store.
func New(validator *schema.Validator, q *queue.PriorityQueue, dedup DedupStore) *Intake {
	return &Intake{
		validator: validator,
		queue:     q,
		dedup:     dedup,
	}
}

// Submit validates and enqueues a single event. It fails fast: a full queue
// returns ErrQueueFull immediately, invalid events return *ValidationError,
// duplicates return ErrDuplicateEvent. Events flagged as replays skip the
// duplicate check. The event is never mutated after a successful return
// except by the worker that pops it.
func (in *Intake) Submit(ctx context.Context, event *schema.Event) error {
	if event == nil {
		atomic.AddUint64(&in.rejected, 1)
		return &ValidationError{Reason: "nil event"}
	}

	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}
	if event.SchemaVersion == "" {
		event.SchemaVersion = schema.SchemaVersionCurrent
	}

	if err := in.validator.Validate(event); err != nil {
		atomic.AddUint64(&in.rejected, 1)
		return &ValidationError{Reason: err.Error()}
	}

	// Replayed events keep their original IDs, which the dedup index may
	// still remember from the first pass. They are deliberate
	// resubmissions, so they bypass the duplicate check.
	if !event.IsReplay {
		fresh, err := in.dedup.Add(ctx, event.EventID)
		if err != nil {
			// A dedup backend outage must not stall live traffic; log and
			// accept the event.
			slog.Warn("dedup store unavailable, accepting event", "error", err)
		} else if !fresh {
			atomic.AddUint64(&in.duplicates, 1)
			return fmt.Errorf("%w: %s", ErrDuplicateEvent, event.EventID)
		}
	}

	if err := in.queue.Push(event); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			atomic.AddUint64(&in.dropped, 1)
			return ErrQueueFull
		}
		return err
	}

	atomic.AddUint64(&in.accepted, 1)
	return nil
}

// SubmitBatch submits each event independently and returns the number
// accepted. A single invalid event does not abort the rest of the batch.
func (in *Intake) SubmitBatch(ctx context.Context, events []*schema.Event) int {
	accepted := 0
	for _, e := range events {
		if err := in.Submit(ctx, e); err != nil {
			slog.Debug("batch event rejected", "error", err)
			continue
		}
		accepted++
	}
	return accepted
}

// Metrics returns intake statistics.
func (in *Intake) Metrics() IntakeMetrics {
	return IntakeMetrics{
		Accepted:   atomic.LoadUint64(&in.accepted),
		Rejected:   atomic.LoadUint64(&in.rejected),
		Duplicates: atomic.LoadUint64(&in.duplicates),
		Dropped:    atomic.LoadUint64(&in.dropped),
	}
}

// IntakeMetrics holds intake statistics.
type IntakeMetrics struct {
	Accepted   uint64 `json:"accepted"`
	Rejected   uint64 `json:"rejected"`
	Duplicates uint64 `json:"duplicates"`
	Dropped    uint64 `json:"dropped"`
}
