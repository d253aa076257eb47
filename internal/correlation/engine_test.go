package correlation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"fraudsentry/internal/schema"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []*schema.Event
}

func (c *captureEmitter) emit(_ context.Context, e *schema.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureEmitter) all() []*schema.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*schema.Event(nil), c.events...)
}

func keyEvent(key string, age time.Duration, details map[string]any) *schema.Event {
	return &schema.Event{
		EventID:        uuid.New(),
		Type:           schema.EventHighRiskTransaction,
		Severity:       schema.SeverityMedium,
		Timestamp:      time.Now().Add(-age),
		Source:         "test",
		CorrelationKey: key,
		Details:        details,
	}
}

func newTestEngine(emit EmitFunc) *Engine {
	cfg := DefaultEngineConfig()
	cfg.DetectInterval = time.Hour // detection driven manually in tests
	return NewEngine(cfg, emit)
}

func TestEngine_VelocityDetection(t *testing.T) {
	sink := &captureEmitter{}
	e := newTestEngine(sink.emit)

	key := schema.UserKey("u1")
	for i := 0; i < 3; i++ {
		e.AddEvent(keyEvent(key, time.Duration(i)*time.Second, nil))
	}

	e.Detect(context.Background())

	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("emitted %d events, want 1", len(events))
	}

	got := events[0]
	if got.Type != schema.EventSuspiciousPattern {
		t.Errorf("synthetic event type = %v, want %v", got.Type, schema.EventSuspiciousPattern)
	}
	if got.Severity != schema.SeverityHigh {
		t.Errorf("synthetic event severity = %v, want high", got.Severity)
	}
	if got.CorrelationKey != key {
		t.Errorf("synthetic event key = %q, want %q", got.CorrelationKey, key)
	}
	if got.Details["pattern"] != string(PatternHighVelocity) {
		t.Errorf("pattern = %v, want high_velocity", got.Details["pattern"])
	}
	if len(got.Evidence) < 3 {
		t.Errorf("evidence entries = %d, want >= 3 (member event ids)", len(got.Evidence))
	}
}

func TestEngine_VelocityBelowThreshold(t *testing.T) {
	sink := &captureEmitter{}
	e := newTestEngine(sink.emit)

	key := schema.UserKey("u2")
	e.AddEvent(keyEvent(key, time.Second, nil))
	e.AddEvent(keyEvent(key, 2*time.Second, nil))

	e.Detect(context.Background())

	if got := sink.all(); len(got) != 0 {
		t.Errorf("emitted %d events below threshold, want 0", len(got))
	}
}

func TestEngine_DetectionIdempotence(t *testing.T) {
	sink := &captureEmitter{}
	e := newTestEngine(sink.emit)

	key := schema.UserKey("u3")
	for i := 0; i < 3; i++ {
		e.AddEvent(keyEvent(key, time.Duration(i)*time.Second, nil))
	}

	// Re-running detection over the same window must not emit the same
	// instance twice.
	for i := 0; i < 4; i++ {
		e.Detect(context.Background())
	}

	if got := sink.all(); len(got) != 1 {
		t.Fatalf("emitted %d events over repeated cycles, want 1", len(got))
	}

	m := e.Metrics()
	if m.Detections != 1 {
		t.Errorf("Metrics().Detections = %d, want 1", m.Detections)
	}
}

func TestEngine_ImpossibleTravel(t *testing.T) {
	sink := &captureEmitter{}
	e := newTestEngine(sink.emit)

	key := schema.UserKey("u4")
	e.AddEvent(keyEvent(key, 5*time.Minute, map[string]any{"location": "US-NY"}))
	e.AddEvent(keyEvent(key, time.Minute, map[string]any{"location": "SG"}))

	e.Detect(context.Background())

	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("emitted %d events, want 1", len(events))
	}
	if events[0].Details["pattern"] != string(PatternImpossibleTravel) {
		t.Errorf("pattern = %v, want impossible_travel", events[0].Details["pattern"])
	}
}

func TestEngine_ImpossibleTravelSameLocation(t *testing.T) {
	sink := &captureEmitter{}
	e := newTestEngine(sink.emit)

	key := schema.UserKey("u5")
	e.AddEvent(keyEvent(key, 5*time.Minute, map[string]any{"location": "US-NY"}))
	e.AddEvent(keyEvent(key, time.Minute, map[string]any{"location": "US-NY"}))

	e.Detect(context.Background())

	// Two events but velocity threshold not met and locations agree.
	if got := sink.all(); len(got) != 0 {
		t.Errorf("emitted %d events for same location, want 0", len(got))
	}
}

func TestEngine_MultipleDevices(t *testing.T) {
	sink := &captureEmitter{}
	e := newTestEngine(sink.emit)

	key := schema.UserKey("u6")
	e.AddEvent(keyEvent(key, 3*time.Minute, map[string]any{"device_id": "dev-a"}))
	e.AddEvent(keyEvent(key, 2*time.Minute, map[string]any{"device_id": "dev-b"}))
	e.AddEvent(keyEvent(key, time.Minute, map[string]any{"device_id": "dev-c"}))

	e.Detect(context.Background())

	var deviceEvents int
	for _, ev := range sink.all() {
		if ev.Details["pattern"] == string(PatternMultipleDevices) {
			deviceEvents++
		}
	}
	if deviceEvents != 1 {
		t.Errorf("multiple_devices detections = %d, want 1", deviceEvents)
	}
}

func TestEngine_WindowTrimming(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.Window = time.Minute
	cfg.MaxWindowSize = 5
	cfg.DetectInterval = time.Hour
	e := NewEngine(cfg, (&captureEmitter{}).emit)

	key := schema.UserKey("u7")

	// Stale event falls outside the window.
	e.AddEvent(keyEvent(key, 2*time.Minute, nil))
	// Ten fresh events exceed the cap.
	for i := 0; i < 10; i++ {
		e.AddEvent(keyEvent(key, time.Duration(i)*time.Second, nil))
	}

	e.mu.Lock()
	got := len(e.windows[key])
	e.mu.Unlock()

	if got != 5 {
		t.Errorf("window length = %d, want 5 (cap)", got)
	}
}

func TestEngine_IgnoresSyntheticAndKeylessEvents(t *testing.T) {
	e := newTestEngine((&captureEmitter{}).emit)

	synthetic := keyEvent(schema.UserKey("u8"), 0, nil)
	synthetic.Type = schema.EventSuspiciousPattern
	e.AddEvent(synthetic)

	keyless := keyEvent("", 0, nil)
	e.AddEvent(keyless)

	if m := e.Metrics(); m.EventsAdded != 0 {
		t.Errorf("EventsAdded = %d, want 0", m.EventsAdded)
	}
}

func TestCorrelationID_Deterministic(t *testing.T) {
	bucket := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	a := correlationID("user_1", PatternHighVelocity, bucket)
	b := correlationID("user_1", PatternHighVelocity, bucket)
	if a != b {
		t.Error("same inputs produced different correlation ids")
	}

	c := correlationID("user_2", PatternHighVelocity, bucket)
	if a == c {
		t.Error("different keys produced the same correlation id")
	}

	d := correlationID("user_1", PatternMultipleDevices, bucket)
	if a == d {
		t.Error("different patterns produced the same correlation id")
	}
}

func TestEngine_StartStop(t *testing.T) {
	sink := &captureEmitter{}
	cfg := DefaultEngineConfig()
	cfg.DetectInterval = 10 * time.Millisecond
	e := NewEngine(cfg, sink.emit)

	key := schema.UserKey("u9")
	for i := 0; i < 3; i++ {
		e.AddEvent(keyEvent(key, time.Duration(i)*time.Second, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	e.Stop()

	if got := sink.all(); len(got) != 1 {
		t.Errorf("background loop emitted %d events, want 1", len(got))
	}
}
