package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"fraudsentry/internal/schema"
)

// EventSink writes flushed event batches into the fraud_events table. It
// registers with the batch coordinator as a processor.
type EventSink struct {
	client *ClickHouseClient

	// Metrics
	inserted uint64
	failed   uint64
}

// NewEventSink creates a ClickHouse-backed batch processor.
func NewEventSink(client *ClickHouseClient) *EventSink {
	return &EventSink{client: client}
}

// Name implements batch.Processor.
func (s *EventSink) Name() string { return "clickhouse" }

// ProcessBatch inserts all events of the batch in a single insert.
func (s *EventSink) ProcessBatch(ctx context.Context, b *schema.EventBatch) error {
	ctx, cancel := context.WithTimeout(ctx, timeoutOr(s.client.config.InsertTimeout, 30*time.Second))
	defer cancel()

	insert, err := s.client.PrepareBatch(ctx, `
		INSERT INTO fraud_events (
			event_id, batch_id, event_type, severity,
			timestamp, received_at, source, transaction_id,
			correlation_key, risk_score, confidence_score,
			evidence, details, is_replay
		)
	`)
	if err != nil {
		atomic.AddUint64(&s.failed, uint64(len(b.Events)))
		return fmt.Errorf("failed to prepare insert: %w", err)
	}

	for _, e := range b.Events {
		details, _ := json.Marshal(e.Details)

		isReplay := uint8(0)
		if e.IsReplay {
			isReplay = 1
		}

		err := insert.Append(
			e.EventID,
			b.BatchID,
			string(e.Type),
			uint8(e.Severity),
			e.Timestamp.UTC(),
			e.ReceivedAt.UTC(),
			e.Source,
			e.TransactionID,
			e.CorrelationKey,
			e.RiskScore,
			e.ConfidenceScore,
			e.Evidence,
			string(details),
			isReplay,
		)
		if err != nil {
			atomic.AddUint64(&s.failed, uint64(len(b.Events)))
			return fmt.Errorf("failed to append event %s: %w", e.EventID, err)
		}
	}

	if err := insert.Send(); err != nil {
		atomic.AddUint64(&s.failed, uint64(len(b.Events)))
		return fmt.Errorf("failed to send batch: %w", err)
	}

	atomic.AddUint64(&s.inserted, uint64(len(b.Events)))
	return nil
}

// Metrics returns sink statistics.
func (s *EventSink) Metrics() SinkMetrics {
	return SinkMetrics{
		Inserted: atomic.LoadUint64(&s.inserted),
		Failed:   atomic.LoadUint64(&s.failed),
	}
}

// SinkMetrics holds sink statistics.
type SinkMetrics struct {
	Inserted uint64 `json:"inserted"`
	Failed   uint64 `json:"failed"`
}

// timeoutOr returns d unless zero, else the fallback.
func timeoutOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
