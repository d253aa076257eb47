package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"fraudsentry/internal/queue"
)

// Scaling actions recorded in decision history.
const (
	ScaleUp   = "scale_up"
	ScaleDown = "scale_down"
	ScaleHold = "hold"
)

// ScalingDecision records a single auto-scaler evaluation.
type ScalingDecision struct {
	Action        string    `json:"action"`
	TargetWorkers int       `json:"target_workers"`
	Reason        string    `json:"reason"`
	Confidence    float64   `json:"confidence"`
	Timestamp     time.Time `json:"timestamp"`
}

// AutoScalerConfig holds the auto-scaler configuration.
type AutoScalerConfig struct {
	Interval      time.Duration `yaml:"interval"`
	Cooldown      time.Duration `yaml:"cooldown"`
	HighWatermark float64       `yaml:"high_watermark"`
	LowWatermark  float64       `yaml:"low_watermark"`
	GrowStep      int           `yaml:"grow_step"`
	HistorySize   int           `yaml:"history_size"`
}

// DefaultAutoScalerConfig returns the default auto-scaler configuration.
func DefaultAutoScalerConfig() AutoScalerConfig {
	return AutoScalerConfig{
		Interval:      30 * time.Second,
		Cooldown:      60 * time.Second,
		HighWatermark: 0.8,
		LowWatermark:  0.3,
		GrowStep:      2,
		HistorySize:   64,
	}
}

// AutoScaler periodically sizes the worker pool from queue utilization.
// Scaling actions are spaced by a cooldown to prevent oscillation; a
// failed action leaves the worker count unchanged and is retried on the
// next cycle.
type AutoScaler struct {
	pool   *Pool
	queue  *queue.PriorityQueue
	config AutoScalerConfig

	mu         sync.Mutex
	history    []ScalingDecision
	histIdx    int
	histCount  int
	lastAction time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup

	// Metrics
	scaleUps   uint64
	scaleDowns uint64
}

// NewAutoScaler creates an auto-scaler managing p.
func NewAutoScaler(p *Pool, q *queue.PriorityQueue, cfg AutoScalerConfig) *AutoScaler {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 64
	}
	if cfg.GrowStep < 1 {
		cfg.GrowStep = 1
	}
	return &AutoScaler{
		pool:    p,
		queue:   q,
		config:  cfg,
		history: make([]ScalingDecision, cfg.HistorySize),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the periodic scaling loop.
func (a *AutoScaler) Start(ctx context.Context) {
	a.wg.Add(1)
	go a.loop(ctx)

	slog.Info("auto-scaler started",
		"interval", a.config.Interval,
		"high_watermark", a.config.HighWatermark,
		"low_watermark", a.config.LowWatermark,
	)
}

// Stop stops the scaling loop.
func (a *AutoScaler) Stop() {
	close(a.stopCh)
	a.wg.Wait()
}

func (a *AutoScaler) loop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.evaluate(ctx, time.Now())
		}
	}
}

// evaluate runs one scaling cycle at the given time.
func (a *AutoScaler) evaluate(ctx context.Context, now time.Time) ScalingDecision {
	util := a.queue.Utilization()
	size := a.pool.Size()

	a.mu.Lock()
	inCooldown := !a.lastAction.IsZero() && now.Sub(a.lastAction) < a.config.Cooldown
	a.mu.Unlock()

	decision := ScalingDecision{
		Action:        ScaleHold,
		TargetWorkers: size,
		Reason:        "utilization within bounds",
		Timestamp:     now,
	}

	switch {
	case inCooldown:
		decision.Reason = "cooldown"
	case util > a.config.HighWatermark && size < a.pool.config.MaxWorkers:
		added := a.pool.Grow(ctx, a.config.GrowStep)
		decision.Action = ScaleUp
		decision.TargetWorkers = size + added
		decision.Reason = "queue utilization above high watermark"
		decision.Confidence = growConfidence(util, a.config.HighWatermark)
		if added > 0 {
			atomic.AddUint64(&a.scaleUps, 1)
			a.markAction(now)
			slog.Info("scaled up",
				"workers", decision.TargetWorkers,
				"utilization", util,
			)
		}
	case util < a.config.LowWatermark && size > a.pool.config.MinWorkers:
		if a.pool.ShrinkOne() {
			decision.Action = ScaleDown
			decision.TargetWorkers = size - 1
			decision.Reason = "queue utilization below low watermark"
			decision.Confidence = shrinkConfidence(util, a.config.LowWatermark)
			atomic.AddUint64(&a.scaleDowns, 1)
			a.markAction(now)
			slog.Info("scaled down",
				"workers", decision.TargetWorkers,
				"utilization", util,
			)
		}
	}

	a.record(decision)
	return decision
}

func (a *AutoScaler) markAction(now time.Time) {
	a.mu.Lock()
	a.lastAction = now
	a.mu.Unlock()
}

func (a *AutoScaler) record(d ScalingDecision) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.history[a.histIdx] = d
	a.histIdx = (a.histIdx + 1) % len(a.history)
	if a.histCount < len(a.history) {
		a.histCount++
	}
}

// Decisions returns the recorded scaling decisions, oldest first.
func (a *AutoScaler) Decisions() []ScalingDecision {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]ScalingDecision, 0, a.histCount)
	start := a.histIdx - a.histCount
	if start < 0 {
		start += len(a.history)
	}
	for i := 0; i < a.histCount; i++ {
		out = append(out, a.history[(start+i)%len(a.history)])
	}
	return out
}

// Metrics returns auto-scaler statistics.
func (a *AutoScaler) Metrics() AutoScalerMetrics {
	return AutoScalerMetrics{
		ScaleUps:   atomic.LoadUint64(&a.scaleUps),
		ScaleDowns: atomic.LoadUint64(&a.scaleDowns),
	}
}

// AutoScalerMetrics holds auto-scaler statistics.
type AutoScalerMetrics struct {
	ScaleUps   uint64 `json:"scale_ups"`
	ScaleDowns uint64 `json:"scale_downs"`
}

// growConfidence maps how far utilization exceeds the high watermark
// onto [0,1].
func growConfidence(util, high float64) float64 {
	if high >= 1 {
		return 1
	}
	c := (util - high) / (1 - high)
	if c > 1 {
		return 1
	}
	return c
}

// shrinkConfidence maps how far utilization sits below the low
// watermark onto [0,1].
func shrinkConfidence(util, low float64) float64 {
	if low <= 0 {
		return 1
	}
	c := (low - util) / low
	if c > 1 {
		return 1
	}
	return c
}
