package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"fraudsentry/internal/intake"
	"fraudsentry/internal/metrics"
	"fraudsentry/internal/schema"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.QueueSize = 100
	cfg.Workers.MinWorkers = 2
	cfg.Workers.MaxWorkers = 4
	cfg.Workers.PollInterval = 10 * time.Millisecond
	cfg.Workers.ShutdownWait = 2 * time.Second
	cfg.Batch.BatchSize = 10
	cfg.Batch.FlushTimeout = 50 * time.Millisecond
	cfg.Correlation.DetectInterval = 20 * time.Millisecond
	cfg.Audit.Dir = filepath.Join(dir, "audit")
	cfg.Audit.FlushInterval = 10 * time.Millisecond
	cfg.Replay.Dir = filepath.Join(dir, "replay")
	cfg.Checkpoint.Dir = filepath.Join(dir, "checkpoints")
	cfg.Checkpoint.Interval = 5
	return cfg
}

func startEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(func() {
		if e.running.Load() {
			e.Stop()
		}
	})
	return e
}

func highRiskEvent() *schema.Event {
	return &schema.Event{
		EventID:         uuid.New(),
		Type:            schema.EventHighRiskTransaction,
		Severity:        schema.SeverityHigh,
		Timestamp:       time.Now().UTC(),
		Source:          "payments",
		CorrelationKey:  schema.UserKey("u1"),
		RiskScore:       0.85,
		ConfidenceScore: 0.9,
	}
}

func blockAndAlertRule() *schema.ResponseRule {
	return &schema.ResponseRule{
		ID:          "high-risk-block",
		Name:        "Block high risk transactions",
		EventTypes:  []schema.EventType{schema.EventHighRiskTransaction},
		MinSeverity: schema.SeverityMedium,
		Actions:     []schema.ResponseAction{schema.ActionBlockTransaction, schema.ActionSendAlert},
		Enabled:     true,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

type actionRecorder struct {
	mu    sync.Mutex
	calls []schema.ResponseAction
}

func (r *actionRecorder) handler(action schema.ResponseAction) func(context.Context, *schema.Event, *schema.ResponseRule) error {
	return func(context.Context, *schema.Event, *schema.ResponseRule) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, action)
		return nil
	}
}

func (r *actionRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestEngineEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	rec := &actionRecorder{}
	e.RegisterActionHandler(schema.ActionBlockTransaction, rec.handler(schema.ActionBlockTransaction))
	e.RegisterActionHandler(schema.ActionSendAlert, rec.handler(schema.ActionSendAlert))
	if err := e.AddResponseRule(blockAndAlertRule()); err != nil {
		t.Fatalf("add rule: %v", err)
	}

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		if e.running.Load() {
			e.Stop()
		}
	}()

	if err := e.SubmitEvent(context.Background(), highRiskEvent()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return rec.count() == 2 })

	status := e.GetStatus()
	if status.Rules.Firings != 1 {
		t.Errorf("firings = %d, want 1", status.Rules.Firings)
	}
	if len(status.RecentExecutions) != 2 {
		t.Errorf("recent executions = %d, want 2", len(status.RecentExecutions))
	}
	for _, exec := range status.RecentExecutions {
		if !exec.Success {
			t.Errorf("execution %s failed: %s", exec.Action, exec.Error)
		}
	}
	if status.Intake.Accepted != 1 {
		t.Errorf("intake accepted = %d, want 1", status.Intake.Accepted)
	}

	waitFor(t, 2*time.Second, func() bool { return e.GetMetrics().EventsProcessed == 1 })

	if err := e.VerifyAuditTrail(); err != nil {
		t.Errorf("audit verify: %v", err)
	}

	if err := e.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := e.Stop(); !errors.Is(err, ErrEngineStopped) {
		t.Errorf("second stop err = %v, want %v", err, ErrEngineStopped)
	}
}

func TestEngineRejectsDuplicates(t *testing.T) {
	e := startEngine(t, testConfig(t))

	event := highRiskEvent()
	if err := e.SubmitEvent(context.Background(), event); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	dup := *event
	if err := e.SubmitEvent(context.Background(), &dup); !errors.Is(err, intake.ErrDuplicateEvent) {
		t.Errorf("err = %v, want %v", err, intake.ErrDuplicateEvent)
	}
}

func TestEngineSubmitWhenStopped(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Stop()

	if err := e.SubmitEvent(context.Background(), highRiskEvent()); !errors.Is(err, ErrEngineStopped) {
		t.Errorf("err = %v, want %v", err, ErrEngineStopped)
	}

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func TestEngineBatchSubmit(t *testing.T) {
	e := startEngine(t, testConfig(t))

	ev1 := highRiskEvent()
	ev2 := highRiskEvent()
	dup := *ev1

	results := e.SubmitEventsBatch(context.Background(), []*schema.Event{ev1, ev2, &dup})
	want := []bool{true, true, false}
	for i, ok := range results {
		if ok != want[i] {
			t.Errorf("result[%d] = %v, want %v", i, ok, want[i])
		}
	}
}

func TestEngineProcessedCounterOncePerEvent(t *testing.T) {
	e := startEngine(t, testConfig(t))

	// The counter is shared process state, so measure the delta.
	before := testutil.ToFloat64(metrics.EventsProcessed)

	if err := e.SubmitEvent(context.Background(), highRiskEvent()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return e.GetMetrics().EventsProcessed == 1 })

	if got := testutil.ToFloat64(metrics.EventsProcessed) - before; got != 1 {
		t.Errorf("processed counter advanced by %v for 1 event, want 1", got)
	}
}

func TestEngineErrorRateTracksActionFailures(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	e.RegisterActionHandler(schema.ActionBlockTransaction,
		func(context.Context, *schema.Event, *schema.ResponseRule) error {
			return errors.New("downstream unavailable")
		})
	rule := &schema.ResponseRule{
		ID:          "failing-block",
		Name:        "Block with broken downstream",
		EventTypes:  []schema.EventType{schema.EventHighRiskTransaction},
		MinSeverity: schema.SeverityMedium,
		Actions:     []schema.ResponseAction{schema.ActionBlockTransaction},
		Enabled:     true,
	}
	if err := e.AddResponseRule(rule); err != nil {
		t.Fatalf("add rule: %v", err)
	}

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		if e.running.Load() {
			e.Stop()
		}
	})

	if err := e.SubmitEvent(context.Background(), highRiskEvent()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return e.GetMetrics().EventsProcessed == 1 })

	if rate := e.GetMetrics().ErrorRate; rate == 0 {
		t.Error("error rate = 0 after a failed action, want > 0")
	}
}

func TestEngineErrorRateTracksHandlerPanics(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	e.RegisterActionHandler(schema.ActionBlockTransaction,
		func(context.Context, *schema.Event, *schema.ResponseRule) error {
			panic("handler exploded")
		})
	rule := blockAndAlertRule()
	rule.Actions = []schema.ResponseAction{schema.ActionBlockTransaction}
	if err := e.AddResponseRule(rule); err != nil {
		t.Fatalf("add rule: %v", err)
	}

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		if e.running.Load() {
			e.Stop()
		}
	})

	if err := e.SubmitEvent(context.Background(), highRiskEvent()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return e.GetStatus().Pool.Panics == 1 })

	if rate := e.GetMetrics().ErrorRate; rate == 0 {
		t.Error("error rate = 0 after a handler panic, want > 0")
	}
}

func TestEngineCorrelationFeedback(t *testing.T) {
	cfg := testConfig(t)
	e := startEngine(t, cfg)

	// Three rapid events on one key trip the velocity detector, which
	// feeds one synthetic pattern event back through intake.
	for i := 0; i < 3; i++ {
		if err := e.SubmitEvent(context.Background(), highRiskEvent()); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	waitFor(t, 3*time.Second, func() bool {
		return e.GetStatus().Correlation.Detections >= 1
	})

	waitFor(t, 2*time.Second, func() bool {
		return e.GetStatus().Intake.Accepted >= 4
	})

	status := e.GetStatus()
	if len(status.ActiveCorrelations) == 0 {
		t.Error("expected an active correlation")
	}
}

func TestEngineReplayAcrossRestart(t *testing.T) {
	cfg := testConfig(t)

	first := startEngine(t, cfg)
	for i := 0; i < 3; i++ {
		if err := first.SubmitEvent(context.Background(), highRiskEvent()); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	waitFor(t, 2*time.Second, func() bool { return first.GetMetrics().EventsProcessed == 3 })
	if err := first.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// A fresh engine over the same directories sees the stored batches.
	second := startEngine(t, cfg)

	count, err := second.ReplayEvents(context.Background(),
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if count != 3 {
		t.Errorf("replayed %d events, want 3", count)
	}

	waitFor(t, 2*time.Second, func() bool {
		return second.GetStatus().Intake.Accepted >= 3
	})
}

func TestEngineCheckpointRecovery(t *testing.T) {
	cfg := testConfig(t)
	cfg.Checkpoint.Interval = 2

	first := startEngine(t, cfg)
	for i := 0; i < 4; i++ {
		if err := first.SubmitEvent(context.Background(), highRiskEvent()); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	waitFor(t, 2*time.Second, func() bool { return first.GetMetrics().EventsProcessed == 4 })
	if err := first.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	second := startEngine(t, cfg)
	if got := second.GetMetrics().EventsProcessed; got < 2 {
		t.Errorf("restored processed = %d, want >= 2", got)
	}
}
