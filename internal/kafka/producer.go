package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"fraudsentry/internal/correlation"
	"fraudsentry/internal/schema"
)

// Producer publishes detections to Kafka.
type Producer struct {
	writer  *kafka.Writer
	config  *Config
	logger  *slog.Logger
	metrics *producerMetrics
	closed  atomic.Bool
}

type producerMetrics struct {
	messagesProduced atomic.Int64
	bytesProduced    atomic.Int64
	errors           atomic.Int64
	retries          atomic.Int64
	lastError        atomic.Value // stores error
	lastErrorTime    atomic.Value // stores time.Time
}

// NewProducer creates a Kafka producer writing to the detections topic.
func NewProducer(config *Config, logger *slog.Logger) (*Producer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer, err := config.GetDialer()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.DetectionsTopic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    config.ProducerBatchSize,
		BatchTimeout: config.ProducerBatchTimeout,
		MaxAttempts:  config.ProducerMaxRetries,
		WriteTimeout: config.WriteTimeout,
		ReadTimeout:  config.ReadTimeout,
		RequiredAcks: kafka.RequiredAcks(config.RequiredAcks),
		Compression:  config.GetCompression(),
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	p := &Producer{
		writer:  writer,
		config:  config,
		logger:  logger,
		metrics: &producerMetrics{},
	}

	logger.Info("kafka producer initialized",
		"brokers", config.Brokers,
		"topic", config.DetectionsTopic,
		"compression", config.CompressionType,
	)

	return p, nil
}

// detectionEnvelope is the wire format on the detections topic.
type detectionEnvelope struct {
	Kind        string                        `json:"kind"`
	Timestamp   time.Time                     `json:"timestamp"`
	Correlation *correlation.EventCorrelation `json:"correlation,omitempty"`
	Execution   *schema.ResponseExecution     `json:"execution,omitempty"`
}

// PublishCorrelation publishes a detected correlation, keyed by its
// correlation key so detections for one entity stay ordered.
func (p *Producer) PublishCorrelation(ctx context.Context, c *correlation.EventCorrelation) error {
	return p.publishJSON(ctx, c.Key, detectionEnvelope{
		Kind:        "correlation",
		Timestamp:   time.Now().UTC(),
		Correlation: c,
	})
}

// PublishExecution publishes a rule response execution.
func (p *Producer) PublishExecution(ctx context.Context, exec *schema.ResponseExecution) error {
	return p.publishJSON(ctx, exec.RuleID, detectionEnvelope{
		Kind:      "execution",
		Timestamp: time.Now().UTC(),
		Execution: exec,
	})
}

func (p *Producer) publishJSON(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal message: %w", err)
	}
	return p.Produce(ctx, []byte(key), data)
}

// Produce sends a single message with retry and exponential backoff.
func (p *Producer) Produce(ctx context.Context, key, value []byte) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	msg := kafka.Message{
		Key:   key,
		Value: value,
		Time:  time.Now(),
	}

	var lastErr error
	backoff := p.config.ProducerRetryBackoff

	for attempt := 0; attempt <= p.config.ProducerMaxRetries; attempt++ {
		if attempt > 0 {
			p.metrics.retries.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := p.writer.WriteMessages(ctx, msg)
		if err == nil {
			p.metrics.messagesProduced.Add(1)
			p.metrics.bytesProduced.Add(int64(len(msg.Value) + len(msg.Key)))
			return nil
		}

		lastErr = err
		p.metrics.errors.Add(1)
		p.metrics.lastError.Store(err)
		p.metrics.lastErrorTime.Store(time.Now())

		p.logger.Warn("kafka produce failed",
			"error", err,
			"attempt", attempt+1,
			"max_attempts", p.config.ProducerMaxRetries+1,
		)

		if isNonRetryableError(err) {
			return fmt.Errorf("kafka: non-retryable error: %w", err)
		}
	}

	return fmt.Errorf("kafka: failed after %d attempts: %w", p.config.ProducerMaxRetries+1, lastErr)
}

// GetMetrics returns current producer metrics.
func (p *Producer) GetMetrics() Metrics {
	m := Metrics{
		MessagesProduced: p.metrics.messagesProduced.Load(),
		BytesProduced:    p.metrics.bytesProduced.Load(),
		Errors:           p.metrics.errors.Load(),
		Retries:          p.metrics.retries.Load(),
	}

	if err := p.metrics.lastError.Load(); err != nil {
		m.LastError = err.(error)
	}
	if t := p.metrics.lastErrorTime.Load(); t != nil {
		m.LastErrorTime = t.(time.Time)
	}

	return m
}

// Close closes the producer and flushes any buffered messages.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil // Already closed
	}

	p.logger.Info("closing kafka producer",
		"messages_produced", p.metrics.messagesProduced.Load(),
	)

	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close producer: %w", err)
	}

	return nil
}

// isNonRetryableError checks if an error should not be retried.
func isNonRetryableError(err error) bool {
	switch err {
	case kafka.MessageSizeTooLarge:
		return true
	case kafka.InvalidTopic:
		return true
	case kafka.TopicAuthorizationFailed:
		return true
	case kafka.GroupAuthorizationFailed:
		return true
	case kafka.ClusterAuthorizationFailed:
		return true
	}
	return false
}
