// Package correlation detects cross-event fraud patterns over per-key
// sliding windows and feeds synthetic pattern events back into intake.
package correlation

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fraudsentry/internal/schema"
)

// EmitFunc receives the synthetic event for a newly detected correlation.
// Returning an error marks the emission failed; the correlation stays
// recorded so the instance is not emitted twice.
type EmitFunc func(ctx context.Context, event *schema.Event) error

// EngineConfig configures the correlation engine.
type EngineConfig struct {
	Window         time.Duration // Sliding window per key
	MaxWindowSize  int           // Event cap per key
	DetectInterval time.Duration // How often detectors run
}

// DefaultEngineConfig returns default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Window:         10 * time.Minute,
		MaxWindowSize:  100,
		DetectInterval: 5 * time.Second,
	}
}

type detector func(key string, events []*schema.Event, now time.Time) *EventCorrelation

// Engine maintains per-key sliding windows and runs pattern detectors over
// them on a fixed interval. It owns the windows exclusively; workers only
// call AddEvent.
type Engine struct {
	config EngineConfig
	emit   EmitFunc

	windows map[string][]*schema.Event
	active  map[uuid.UUID]*EventCorrelation
	mu      sync.Mutex

	detectors []detector

	stopCh chan struct{}
	wg     sync.WaitGroup

	// Metrics
	eventsAdded uint64
	detections  uint64
	emitFailed  uint64
}

// NewEngine creates a correlation engine. Detected patterns are delivered
// through emit.
func NewEngine(config EngineConfig, emit EmitFunc) *Engine {
	if config.Window <= 0 {
		config.Window = DefaultEngineConfig().Window
	}
	if config.MaxWindowSize <= 0 {
		config.MaxWindowSize = DefaultEngineConfig().MaxWindowSize
	}
	if config.DetectInterval <= 0 {
		config.DetectInterval = DefaultEngineConfig().DetectInterval
	}

	return &Engine{
		config:  config,
		emit:    emit,
		windows: make(map[string][]*schema.Event),
		active:  make(map[uuid.UUID]*EventCorrelation),
		detectors: []detector{
			detectVelocity,
			detectImpossibleTravel,
			detectMultipleDevices,
		},
		stopCh: make(chan struct{}),
	}
}

// AddEvent appends the event to its key's sliding window. Events without a
// correlation key and synthetic pattern events are ignored (the latter so a
// detection cannot feed itself).
func (e *Engine) AddEvent(event *schema.Event) {
	if event.CorrelationKey == "" || event.Type == schema.EventSuspiciousPattern {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	window := append(e.windows[event.CorrelationKey], event)
	window = e.trimLocked(window, time.Now())
	e.windows[event.CorrelationKey] = window

	atomic.AddUint64(&e.eventsAdded, 1)
}

// trimLocked drops entries older than the window and caps the list length,
// keeping the most recent events.
func (e *Engine) trimLocked(window []*schema.Event, now time.Time) []*schema.Event {
	cutoff := now.Add(-e.config.Window)

	kept := window[:0]
	for _, ev := range window {
		if ev.Timestamp.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	if len(kept) > e.config.MaxWindowSize {
		kept = kept[len(kept)-e.config.MaxWindowSize:]
	}
	return kept
}

// Start launches the periodic detection loop.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.detectLoop(ctx)
	slog.Info("correlation engine started",
		"window", e.config.Window,
		"interval", e.config.DetectInterval)
}

// Stop stops the detection loop.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	slog.Info("correlation engine stopped")
}

func (e *Engine) detectLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.DetectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.Detect(ctx)
		}
	}
}

// Detect runs every detector over every key's window and emits a synthetic
// event per new correlation instance. A failure on one key is logged and
// skips that key's cycle only.
func (e *Engine) Detect(ctx context.Context) {
	now := time.Now()

	e.mu.Lock()
	keys := make([]string, 0, len(e.windows))
	for key := range e.windows {
		e.windows[key] = e.trimLocked(e.windows[key], now)
		if len(e.windows[key]) == 0 {
			delete(e.windows, key)
			continue
		}
		keys = append(keys, key)
	}
	// Expire finished correlation instances.
	for id, corr := range e.active {
		if now.Sub(corr.DetectedAt) > e.config.Window {
			delete(e.active, id)
		}
	}
	e.mu.Unlock()

	for _, key := range keys {
		if err := e.detectKey(ctx, key, now); err != nil {
			slog.Error("correlation detection failed for key, skipping cycle",
				"key", key,
				"error", err)
		}
	}
}

func (e *Engine) detectKey(ctx context.Context, key string, now time.Time) error {
	e.mu.Lock()
	window := make([]*schema.Event, len(e.windows[key]))
	copy(window, e.windows[key])
	e.mu.Unlock()

	var firstErr error
	for _, detect := range e.detectors {
		corr := detect(key, window, now)
		if corr == nil {
			continue
		}

		e.mu.Lock()
		if _, seen := e.active[corr.CorrelationID]; seen {
			e.mu.Unlock()
			continue
		}
		e.active[corr.CorrelationID] = corr
		e.mu.Unlock()

		atomic.AddUint64(&e.detections, 1)
		slog.Info("correlation detected",
			"pattern", corr.Pattern,
			"key", key,
			"events", len(corr.EventIDs),
			"confidence", corr.Confidence)

		if err := e.emit(ctx, e.syntheticEvent(corr)); err != nil {
			atomic.AddUint64(&e.emitFailed, 1)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// syntheticEvent builds the high-priority event a correlation feeds back
// into intake. This resubmission is the only coupling between correlation
// output and automated response.
func (e *Engine) syntheticEvent(corr *EventCorrelation) *schema.Event {
	evidence := make([]string, 0, len(corr.EventIDs)+len(corr.Factors))
	for _, id := range corr.EventIDs {
		evidence = append(evidence, "event:"+id.String())
	}
	evidence = append(evidence, corr.Factors...)

	return &schema.Event{
		EventID:         uuid.New(),
		Type:            schema.EventSuspiciousPattern,
		Severity:        schema.SeverityHigh,
		Timestamp:       corr.DetectedAt,
		Source:          "correlation-engine",
		CorrelationKey:  corr.Key,
		RiskScore:       corr.Confidence,
		ConfidenceScore: corr.Confidence,
		Evidence:        evidence,
		Details: map[string]any{
			"pattern":        string(corr.Pattern),
			"correlation_id": corr.CorrelationID.String(),
			"window_start":   corr.WindowStart.UTC().Format(time.RFC3339),
			"window_end":     corr.WindowEnd.UTC().Format(time.RFC3339),
		},
	}
}

// ActiveCorrelations returns a snapshot of unexpired correlation instances.
func (e *Engine) ActiveCorrelations() []*EventCorrelation {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*EventCorrelation, 0, len(e.active))
	for _, corr := range e.active {
		out = append(out, corr)
	}
	return out
}

// Metrics returns correlation engine statistics.
func (e *Engine) Metrics() EngineMetrics {
	e.mu.Lock()
	keys := len(e.windows)
	active := len(e.active)
	e.mu.Unlock()

	return EngineMetrics{
		TrackedKeys:        keys,
		ActiveCorrelations: active,
		EventsAdded:        atomic.LoadUint64(&e.eventsAdded),
		Detections:         atomic.LoadUint64(&e.detections),
		EmitFailed:         atomic.LoadUint64(&e.emitFailed),
	}
}

// EngineMetrics holds correlation engine statistics.
type EngineMetrics struct {
	TrackedKeys        int    `json:"tracked_keys"`
	ActiveCorrelations int    `json:"active_correlations"`
	EventsAdded        uint64 `json:"events_added"`
	Detections         uint64 `json:"detections"`
	EmitFailed         uint64 `json:"emit_failed"`
}
