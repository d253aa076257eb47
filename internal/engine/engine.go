// Package engine assembles the full fraud processing pipeline: intake,
// priority queue, worker pool with auto-scaling, rule evaluation,
// correlation detection, micro-batching, and replay/checkpoint persistence.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"fraudsentry/internal/audit"
	"fraudsentry/internal/batch"
	"fraudsentry/internal/correlation"
	"fraudsentry/internal/intake"
	"fraudsentry/internal/metrics"
	"fraudsentry/internal/queue"
	"fraudsentry/internal/replay"
	"fraudsentry/internal/rules"
	"fraudsentry/internal/schema"
	"fraudsentry/internal/worker"
)

var (
	ErrEngineRunning = errors.New("engine already running")
	ErrEngineStopped = errors.New("engine is not running")
)

// DetectionPublisher receives correlations and executions as they happen,
// for downstream streaming. Publish failures are logged, never fatal.
type DetectionPublisher interface {
	PublishCorrelation(ctx context.Context, c *correlation.EventCorrelation) error
	PublishExecution(ctx context.Context, exec *schema.ResponseExecution) error
}

// Config holds the engine's component configuration.
type Config struct {
	QueueSize             int
	Validator             schema.ValidatorConfig
	Rules                 rules.EngineConfig
	Correlation           correlation.EngineConfig
	Workers               worker.Config
	AutoScaler            worker.AutoScalerConfig
	Batch                 batch.Config
	Audit                 audit.Config
	Replay                replay.StoreConfig
	Checkpoint            replay.CheckpointConfig
	MetricsSampleInterval time.Duration
}

// DefaultConfig returns default engine configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize:             100000,
		Validator:             schema.DefaultValidatorConfig(),
		Rules:                 rules.DefaultEngineConfig(),
		Correlation:           correlation.DefaultEngineConfig(),
		Workers:               worker.DefaultConfig(),
		AutoScaler:            worker.DefaultAutoScalerConfig(),
		Batch:                 batch.DefaultConfig(),
		Audit:                 audit.DefaultConfig(),
		Replay:                replay.DefaultStoreConfig(),
		Checkpoint:            replay.DefaultCheckpointConfig(),
		MetricsSampleInterval: 5 * time.Second,
	}
}

// Engine is the top-level pipeline facade. All intake surfaces submit
// through it, and all component lifecycles hang off Start/Stop.
type Engine struct {
	config Config

	queue       *queue.PriorityQueue
	intake      *intake.Intake
	dedup       intake.DedupStore
	rules       *rules.Engine
	registry    *rules.HandlerRegistry
	correlation *correlation.Engine
	pool        *worker.Pool
	scaler      *worker.AutoScaler
	batches     *batch.Coordinator
	trail       *audit.Trail
	replays     *replay.Store
	checkpoints *replay.CheckpointManager
	collector   *metrics.Collector

	publisher DetectionPublisher

	checkpointMu sync.Mutex
	running      atomic.Bool
	stopGauges   chan struct{}
	gaugeWG      sync.WaitGroup
}

// New builds an engine with all components wired but not started.
// A nil dedup store defaults to the in-memory index.
func New(cfg Config, dedup intake.DedupStore) (*Engine, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.MetricsSampleInterval <= 0 {
		cfg.MetricsSampleInterval = DefaultConfig().MetricsSampleInterval
	}
	if dedup == nil {
		dedup = intake.NewMemoryDedup(time.Hour)
	}

	trail, err := audit.NewTrail(cfg.Audit)
	if err != nil {
		return nil, fmt.Errorf("audit trail: %w", err)
	}

	replays, err := replay.NewStore(cfg.Replay)
	if err != nil {
		trail.Close()
		return nil, fmt.Errorf("replay store: %w", err)
	}

	checkpoints, err := replay.NewCheckpointManager(cfg.Checkpoint)
	if err != nil {
		replays.Close()
		trail.Close()
		return nil, fmt.Errorf("checkpoint manager: %w", err)
	}

	e := &Engine{
		config:      cfg,
		queue:       queue.NewPriorityQueue(cfg.QueueSize),
		dedup:       dedup,
		registry:    rules.NewHandlerRegistry(),
		trail:       trail,
		replays:     replays,
		checkpoints: checkpoints,
		collector:   metrics.NewCollector(cfg.MetricsSampleInterval),
		stopGauges:  make(chan struct{}),
	}

	validator := schema.NewValidatorWithConfig(cfg.Validator)
	e.intake = intake.New(validator, e.queue, dedup)
	e.rules = rules.NewEngine(cfg.Rules, e.registry)
	e.correlation = correlation.NewEngine(cfg.Correlation, e.emitCorrelation)
	e.batches = batch.NewCoordinator(cfg.Batch, replays.StoreBatch)
	e.pool = worker.NewPool(e.queue, e.processEvent, cfg.Workers)
	e.pool.OnFailure(e.collector.RecordError)
	e.scaler = worker.NewAutoScaler(e.pool, e.queue, cfg.AutoScaler)

	return e, nil
}

// SetPublisher attaches a detection publisher. Must be called before Start.
func (e *Engine) SetPublisher(p DetectionPublisher) {
	e.publisher = p
}

// RegisterBatchProcessor attaches a downstream batch consumer, such as the
// ClickHouse sink. Must be called before Start.
func (e *Engine) RegisterBatchProcessor(p batch.Processor) {
	e.batches.Register(p)
}

// OnAuditRotate registers a hook for rotated audit files, used by the S3
// archiver. Must be called before Start.
func (e *Engine) OnAuditRotate(fn func(path string)) {
	e.trail.SetRotateHook(fn)
}

// ReplayFiles exposes the replay store's aged files for archival.
func (e *Engine) ReplayFiles(olderThan time.Time) ([]string, error) {
	return e.replays.Files(olderThan)
}

// RemoveReplayFile removes an archived replay file from local disk.
func (e *Engine) RemoveReplayFile(path string) error {
	return e.replays.Remove(path)
}

// Start restores checkpoint state and launches the worker pool, the
// auto-scaler, and the correlation detection loop.
func (e *Engine) Start(ctx context.Context) error {
	if e.running.Swap(true) {
		return ErrEngineRunning
	}

	if cp, err := e.checkpoints.Latest(); err != nil {
		slog.Warn("checkpoint recovery failed, starting fresh", "error", err)
	} else if cp != nil {
		e.collector.Restore(cp.EventsProcessed)
		slog.Info("restored from checkpoint",
			"events_processed", cp.EventsProcessed,
			"checkpoint_time", cp.Timestamp)
	}

	if err := e.pool.Start(ctx); err != nil {
		e.running.Store(false)
		return err
	}
	e.scaler.Start(ctx)
	e.correlation.Start(ctx)

	e.gaugeWG.Add(1)
	go e.gaugeLoop()

	if err := e.trail.Log("engine_started", "engine", "fraudsentry", map[string]any{
		"queue_size":  e.config.QueueSize,
		"min_workers": e.config.Workers.MinWorkers,
		"max_workers": e.config.Workers.MaxWorkers,
	}); err != nil {
		slog.Warn("audit log failed", "error", err)
	}

	slog.Info("engine started",
		"queue_size", e.config.QueueSize,
		"workers", e.pool.Size())
	return nil
}

// Stop drains and shuts down the pipeline: intake closes first so workers
// can drain the queue, then batching flushes, then persistence closes.
func (e *Engine) Stop() error {
	if !e.running.Swap(false) {
		return ErrEngineStopped
	}

	e.scaler.Stop()
	e.correlation.Stop()

	// Closing the queue stops new submissions and lets workers drain
	// what is already buffered before the pool's shutdown wait expires.
	e.queue.Close()
	e.pool.Stop()

	e.batches.Close()
	e.replays.Close()

	close(e.stopGauges)
	e.gaugeWG.Wait()
	e.collector.Close()

	if err := e.trail.Log("engine_stopped", "engine", "fraudsentry", map[string]any{
		"events_processed": e.collector.Processed(),
	}); err != nil {
		slog.Warn("audit log failed", "error", err)
	}

	var errs []error
	if err := e.trail.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.dedup.Close(); err != nil {
		errs = append(errs, err)
	}

	slog.Info("engine stopped", "events_processed", e.collector.Processed())
	return errors.Join(errs...)
}

// SubmitEvent validates and enqueues a single event.
func (e *Engine) SubmitEvent(ctx context.Context, event *schema.Event) error {
	if !e.running.Load() {
		return ErrEngineStopped
	}

	if err := e.intake.Submit(ctx, event); err != nil {
		metrics.EventsRejected.Inc()
		if errors.Is(err, intake.ErrQueueFull) {
			metrics.EventsDropped.Inc()
		}
		return err
	}

	metrics.EventsAccepted.Inc()
	return nil
}

// SubmitEventsBatch submits each event independently and returns per-event
// success flags in submission order.
func (e *Engine) SubmitEventsBatch(ctx context.Context, events []*schema.Event) []bool {
	results := make([]bool, len(events))
	for i, ev := range events {
		results[i] = e.SubmitEvent(ctx, ev) == nil
	}
	return results
}

// RegisterActionHandler installs the side-effect handler for an action.
func (e *Engine) RegisterActionHandler(action schema.ResponseAction, handler rules.ActionHandler) {
	e.registry.Register(action, handler)
}

// AddResponseRule installs or replaces a response rule.
func (e *Engine) AddResponseRule(rule *schema.ResponseRule) error {
	if err := e.rules.AddRule(rule); err != nil {
		return err
	}
	if err := e.trail.Log("rule_added", "rule", rule.ID, map[string]any{
		"name":    rule.Name,
		"actions": len(rule.Actions),
		"enabled": rule.Enabled,
	}); err != nil {
		slog.Warn("audit log failed", "error", err)
	}
	return nil
}

// RemoveResponseRule removes a rule by ID.
func (e *Engine) RemoveResponseRule(ruleID string) error {
	if err := e.rules.RemoveRule(ruleID); err != nil {
		return err
	}
	if err := e.trail.Log("rule_removed", "rule", ruleID, nil); err != nil {
		slog.Warn("audit log failed", "error", err)
	}
	return nil
}

// ReplayEvents resubmits stored events from [start, end) through intake.
// Replayed events carry the replay flag and are deduplicated against the
// live stream by event ID.
func (e *Engine) ReplayEvents(ctx context.Context, start, end time.Time) (int, error) {
	if err := e.trail.Log("replay_started", "replay", "", map[string]any{
		"start": start.UTC().Format(time.RFC3339),
		"end":   end.UTC().Format(time.RFC3339),
	}); err != nil {
		slog.Warn("audit log failed", "error", err)
	}

	count, err := e.replays.Replay(ctx, start, end, e.intake.Submit)

	details := map[string]any{"events": count}
	if err != nil {
		details["error"] = err.Error()
	}
	if logErr := e.trail.Log("replay_finished", "replay", "", details); logErr != nil {
		slog.Warn("audit log failed", "error", logErr)
	}

	return count, err
}

// processEvent is the per-worker pipeline: rule evaluation and response,
// correlation windowing, and micro-batch accumulation.
func (e *Engine) processEvent(ctx context.Context, event *schema.Event) error {
	start := time.Now()
	actionFailed := false

	for _, rule := range e.rules.Evaluate(event) {
		executions := e.rules.Execute(ctx, event, rule)
		if executions == nil {
			continue // Throttled
		}

		metrics.RulesFired.WithLabelValues(rule.ID).Inc()
		for i := range executions {
			exec := &executions[i]

			status := "ok"
			if !exec.Success {
				status = "error"
				actionFailed = true
			}
			metrics.ActionsExecuted.WithLabelValues(string(exec.Action), status).Inc()

			if err := e.trail.Log("action_executed", "event", event.EventID.String(), map[string]any{
				"rule_id": exec.RuleID,
				"action":  string(exec.Action),
				"success": exec.Success,
			}); err != nil {
				slog.Warn("audit log failed", "error", err)
			}

			if e.publisher != nil {
				if err := e.publisher.PublishExecution(ctx, exec); err != nil {
					slog.Warn("execution publish failed", "error", err, "rule", exec.RuleID)
				}
			}
		}
	}

	e.correlation.AddEvent(event)

	if err := e.batches.Add(event); err != nil {
		slog.Warn("batch add failed", "error", err, "event", event.EventID)
	}

	if actionFailed {
		e.collector.RecordError()
	}
	e.collector.RecordProcessed(time.Since(start))
	e.maybeCheckpoint()
	return nil
}

// emitCorrelation feeds a detected pattern's synthetic event back into
// intake and publishes the detection downstream.
func (e *Engine) emitCorrelation(ctx context.Context, event *schema.Event) error {
	if pattern := event.DetailString("pattern"); pattern != "" {
		metrics.CorrelationsDetected.WithLabelValues(pattern).Inc()
	}

	if e.publisher != nil {
		if corr := e.findCorrelation(event.DetailString("correlation_id")); corr != nil {
			if err := e.publisher.PublishCorrelation(ctx, corr); err != nil {
				slog.Warn("correlation publish failed", "error", err)
			}
		}
	}

	return e.intake.Submit(ctx, event)
}

func (e *Engine) findCorrelation(id string) *correlation.EventCorrelation {
	if id == "" {
		return nil
	}
	for _, corr := range e.correlation.ActiveCorrelations() {
		if corr.CorrelationID.String() == id {
			return corr
		}
	}
	return nil
}

// maybeCheckpoint writes a checkpoint when the processed-event interval has
// elapsed. The mutex keeps concurrent workers from writing twice.
func (e *Engine) maybeCheckpoint() {
	processed := e.collector.Processed()
	if !e.checkpoints.Due(processed) {
		return
	}

	e.checkpointMu.Lock()
	defer e.checkpointMu.Unlock()

	processed = e.collector.Processed()
	if !e.checkpoints.Due(processed) {
		return // Another worker got here first
	}

	im := e.intake.Metrics()
	rm := e.rules.Metrics()
	cm := e.correlation.Metrics()

	cp := replay.Checkpoint{
		Timestamp:       time.Now().UTC(),
		EventsProcessed: processed,
		Counters: map[string]uint64{
			"accepted":   im.Accepted,
			"rejected":   im.Rejected,
			"duplicates": im.Duplicates,
			"firings":    rm.Firings,
			"detections": cm.Detections,
		},
	}

	if err := e.checkpoints.Write(cp); err != nil {
		slog.Error("checkpoint write failed", "error", err)
		return
	}

	if err := e.trail.Log("checkpoint_written", "checkpoint", "", map[string]any{
		"events_processed": processed,
	}); err != nil {
		slog.Warn("audit log failed", "error", err)
	}
}

func (e *Engine) gaugeLoop() {
	defer e.gaugeWG.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopGauges:
			return
		case <-ticker.C:
			metrics.QueueUtilization.Set(e.queue.Utilization())
			metrics.ActiveWorkers.Set(float64(e.pool.Size()))
		}
	}
}

// GetMetrics returns the rolling performance snapshot.
func (e *Engine) GetMetrics() metrics.Snapshot {
	return e.collector.Snapshot(e.queue.Len(), e.pool.Size())
}

// Status is a full point-in-time view of every pipeline component.
type Status struct {
	Running            bool                            `json:"running"`
	Snapshot           metrics.Snapshot                `json:"snapshot"`
	Intake             intake.IntakeMetrics            `json:"intake"`
	Queue              queue.Metrics                   `json:"queue"`
	Pool               worker.PoolMetrics              `json:"pool"`
	Scaling            []worker.ScalingDecision        `json:"scaling_decisions,omitempty"`
	Rules              rules.EngineMetrics             `json:"rules"`
	RecentExecutions   []schema.ResponseExecution      `json:"recent_executions,omitempty"`
	Correlation        correlation.EngineMetrics       `json:"correlation"`
	ActiveCorrelations []*correlation.EventCorrelation `json:"active_correlations,omitempty"`
	Batches            batch.CoordinatorMetrics        `json:"batches"`
	Replay             replay.StoreMetrics             `json:"replay"`
	Audit              audit.TrailMetrics              `json:"audit"`
}

// GetStatus returns the full component status.
func (e *Engine) GetStatus() Status {
	return Status{
		Running:            e.running.Load(),
		Snapshot:           e.GetMetrics(),
		Intake:             e.intake.Metrics(),
		Queue:              e.queue.Metrics(),
		Pool:               e.pool.Metrics(),
		Scaling:            e.scaler.Decisions(),
		Rules:              e.rules.Metrics(),
		RecentExecutions:   e.rules.RecentExecutions(20),
		Correlation:        e.correlation.Metrics(),
		ActiveCorrelations: e.correlation.ActiveCorrelations(),
		Batches:            e.batches.Metrics(),
		Replay:             e.replays.Metrics(),
		Audit:              e.trail.Metrics(),
	}
}

// VerifyAuditTrail walks the audit hash chain end to end.
func (e *Engine) VerifyAuditTrail() error {
	return e.trail.Verify()
}
