package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"fraudsentry/internal/schema"
)

// SubmitFunc delivers a decoded event into the processing pipeline.
type SubmitFunc func(ctx context.Context, event *schema.Event) error

// Consumer reads fraud events from the events topic and submits them
// into the pipeline. Messages that fail to decode are committed and
// dropped; messages the pipeline rejects are not committed so they are
// redelivered after a rebalance.
type Consumer struct {
	reader  *kafka.Reader
	config  *Config
	logger  *slog.Logger
	submit  SubmitFunc
	metrics *consumerMetrics
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
	started atomic.Bool
}

type consumerMetrics struct {
	messagesConsumed atomic.Int64
	bytesConsumed    atomic.Int64
	decodeErrors     atomic.Int64
	errors           atomic.Int64
	lastOffset       atomic.Int64
	lastError        atomic.Value
	lastErrorTime    atomic.Value
}

// NewConsumer creates a Kafka consumer for the events topic.
func NewConsumer(config *Config, submit SubmitFunc, logger *slog.Logger) (*Consumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if submit == nil {
		return nil, errors.New("kafka: submit function is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer, err := config.GetDialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           config.Brokers,
		GroupID:           config.ConsumerGroup,
		Topic:             config.EventsTopic,
		Dialer:            dialer,
		MinBytes:          config.ConsumerMinBytes,
		MaxBytes:          config.ConsumerMaxBytes,
		MaxWait:           config.ConsumerMaxWait,
		CommitInterval:    config.CommitInterval,
		StartOffset:       config.StartOffset,
		HeartbeatInterval: config.HeartbeatInterval,
		SessionTimeout:    config.SessionTimeout,
		RebalanceTimeout:  config.RebalanceTimeout,
		ReadBackoffMin:    100 * time.Millisecond,
		ReadBackoffMax:    time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())

	c := &Consumer{
		reader:  reader,
		config:  config,
		logger:  logger,
		submit:  submit,
		metrics: &consumerMetrics{},
		ctx:     ctx,
		cancel:  cancel,
	}

	logger.Info("kafka consumer initialized",
		"brokers", config.Brokers,
		"topic", config.EventsTopic,
		"group", config.ConsumerGroup,
	)

	return c, nil
}

// Start begins consuming in a goroutine. Use Stop() to stop.
func (c *Consumer) Start() error {
	if c.started.Swap(true) {
		return errors.New("kafka: consumer already started")
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.consumeLoop(); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("consumer loop exited with error", "error", err)
		}
	}()

	c.logger.Info("kafka consumer started",
		"topic", c.config.EventsTopic,
		"group", c.config.ConsumerGroup,
	)

	return nil
}

func (c *Consumer) consumeLoop() error {
	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		default:
		}

		msg, err := c.reader.FetchMessage(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}

			c.metrics.errors.Add(1)
			c.metrics.lastError.Store(err)
			c.metrics.lastErrorTime.Store(time.Now())

			c.logger.Error("failed to fetch message",
				"error", err,
				"topic", c.config.EventsTopic,
			)

			// Back off on errors
			select {
			case <-c.ctx.Done():
				return c.ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}

		if err := c.processMessage(msg); err != nil {
			c.logger.Error("failed to submit event",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			// Leave the offset uncommitted for redelivery
			continue
		}

		if err := c.reader.CommitMessages(c.ctx, msg); err != nil {
			c.logger.Error("failed to commit offset",
				"error", err,
				"offset", msg.Offset,
			)
		}

		c.metrics.messagesConsumed.Add(1)
		c.metrics.bytesConsumed.Add(int64(len(msg.Value) + len(msg.Key)))
		c.metrics.lastOffset.Store(msg.Offset)
	}
}

func (c *Consumer) processMessage(msg kafka.Message) error {
	var event schema.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.metrics.decodeErrors.Add(1)
		c.logger.Warn("dropping undecodable message",
			"error", err,
			"partition", msg.Partition,
			"offset", msg.Offset,
		)
		return nil // Commit and move on, redelivery cannot fix it
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = msg.Time.UTC()
	}

	ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
	defer cancel()

	if err := c.submit(ctx, &event); err != nil {
		c.metrics.errors.Add(1)
		c.metrics.lastError.Store(err)
		c.metrics.lastErrorTime.Store(time.Now())
		return err
	}

	return nil
}

// GetMetrics returns current consumer metrics.
func (c *Consumer) GetMetrics() Metrics {
	m := Metrics{
		MessagesConsumed: c.metrics.messagesConsumed.Load(),
		BytesConsumed:    c.metrics.bytesConsumed.Load(),
		Errors:           c.metrics.errors.Load(),
	}

	if err := c.metrics.lastError.Load(); err != nil {
		m.LastError = err.(error)
	}
	if t := c.metrics.lastErrorTime.Load(); t != nil {
		m.LastErrorTime = t.(time.Time)
	}

	return m
}

// DecodeErrors returns the count of dropped undecodable messages.
func (c *Consumer) DecodeErrors() int64 {
	return c.metrics.decodeErrors.Load()
}

// Stats returns internal reader statistics.
func (c *Consumer) Stats() kafka.ReaderStats {
	return c.reader.Stats()
}

// Stop gracefully stops the consumer.
func (c *Consumer) Stop() error {
	if c.closed.Swap(true) {
		return nil // Already closed
	}

	c.logger.Info("stopping kafka consumer",
		"messages_consumed", c.metrics.messagesConsumed.Load(),
	)

	c.cancel()
	c.wg.Wait()

	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close consumer: %w", err)
	}

	return nil
}
