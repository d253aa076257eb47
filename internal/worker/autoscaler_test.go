package worker

import (
	"context"
	"testing"
	"time"

	"fraudsentry/internal/queue"
	"fraudsentry/internal/schema"
)

func scalerConfig() AutoScalerConfig {
	cfg := DefaultAutoScalerConfig()
	cfg.Interval = 10 * time.Millisecond
	cfg.Cooldown = 0
	return cfg
}

func idlePool(t *testing.T, q *queue.PriorityQueue, poolCfg Config) *Pool {
	t.Helper()
	// Long poll keeps workers from draining the queue during the test.
	poolCfg.PollInterval = time.Hour
	p := NewPool(q, func(_ context.Context, _ *schema.Event) error { return nil }, poolCfg)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		q.Close()
		p.Stop()
	})
	return p
}

func TestAutoScalerScalesUpOnHighUtilization(t *testing.T) {
	q := queue.NewPriorityQueue(10)
	cfg := testConfig()
	p := idlePool(t, q, cfg)

	for i := 0; i < 9; i++ {
		if err := q.Push(testEvent(schema.SeverityMedium)); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	a := NewAutoScaler(p, q, scalerConfig())
	d := a.evaluate(context.Background(), time.Now())

	if d.Action != ScaleUp {
		t.Fatalf("Action = %q, want %q", d.Action, ScaleUp)
	}
	if d.TargetWorkers != 4 {
		t.Errorf("TargetWorkers = %d, want 4", d.TargetWorkers)
	}
	if d.Confidence <= 0 || d.Confidence > 1 {
		t.Errorf("Confidence = %v, want in (0,1]", d.Confidence)
	}
	if got := p.Size(); got != 4 {
		t.Errorf("pool size = %d, want 4", got)
	}
}

func TestAutoScalerScalesDownOnLowUtilization(t *testing.T) {
	q := queue.NewPriorityQueue(10)
	cfg := testConfig()
	p := idlePool(t, q, cfg)
	p.Grow(context.Background(), 2)

	a := NewAutoScaler(p, q, scalerConfig())
	d := a.evaluate(context.Background(), time.Now())

	if d.Action != ScaleDown {
		t.Fatalf("Action = %q, want %q", d.Action, ScaleDown)
	}
	if d.TargetWorkers != 3 {
		t.Errorf("TargetWorkers = %d, want 3", d.TargetWorkers)
	}
	if got := p.Size(); got != 3 {
		t.Errorf("pool size = %d, want 3", got)
	}
}

func TestAutoScalerHoldsWithinBand(t *testing.T) {
	q := queue.NewPriorityQueue(10)
	p := idlePool(t, q, testConfig())

	for i := 0; i < 5; i++ {
		if err := q.Push(testEvent(schema.SeverityMedium)); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	a := NewAutoScaler(p, q, scalerConfig())
	d := a.evaluate(context.Background(), time.Now())

	if d.Action != ScaleHold {
		t.Errorf("Action = %q, want %q", d.Action, ScaleHold)
	}
	if got := p.Size(); got != 2 {
		t.Errorf("pool size = %d, want 2", got)
	}
}

func TestAutoScalerCooldown(t *testing.T) {
	q := queue.NewPriorityQueue(10)
	p := idlePool(t, q, testConfig())

	for i := 0; i < 9; i++ {
		if err := q.Push(testEvent(schema.SeverityMedium)); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	cfg := scalerConfig()
	cfg.Cooldown = time.Minute
	cfg.GrowStep = 1
	a := NewAutoScaler(p, q, cfg)

	now := time.Now()
	if d := a.evaluate(context.Background(), now); d.Action != ScaleUp {
		t.Fatalf("first Action = %q, want %q", d.Action, ScaleUp)
	}
	if d := a.evaluate(context.Background(), now.Add(time.Second)); d.Action != ScaleHold {
		t.Errorf("Action during cooldown = %q, want %q", d.Action, ScaleHold)
	}
	if d := a.evaluate(context.Background(), now.Add(2*time.Minute)); d.Action != ScaleUp {
		t.Errorf("Action after cooldown = %q, want %q", d.Action, ScaleUp)
	}
}

func TestAutoScalerBoundsNeverViolated(t *testing.T) {
	q := queue.NewPriorityQueue(4)
	cfg := testConfig()
	p := idlePool(t, q, cfg)

	a := NewAutoScaler(p, q, scalerConfig())

	// Alternate saturated and empty queue for many cycles; the pool
	// must stay within [min, max] the whole time.
	for cycle := 0; cycle < 20; cycle++ {
		for q.Len() < q.Cap() {
			_ = q.Push(testEvent(schema.SeverityHigh))
		}
		a.evaluate(context.Background(), time.Now())
		checkBounds(t, p, cfg)

		for q.Len() > 0 {
			if _, err := q.Pop(); err != nil {
				break
			}
		}
		a.evaluate(context.Background(), time.Now())
		checkBounds(t, p, cfg)
	}
}

func checkBounds(t *testing.T, p *Pool, cfg Config) {
	t.Helper()
	if size := p.Size(); size < cfg.MinWorkers || size > cfg.MaxWorkers {
		t.Fatalf("pool size %d outside [%d,%d]", size, cfg.MinWorkers, cfg.MaxWorkers)
	}
}

func TestAutoScalerDecisionHistory(t *testing.T) {
	q := queue.NewPriorityQueue(10)
	p := idlePool(t, q, testConfig())

	cfg := scalerConfig()
	cfg.HistorySize = 3
	a := NewAutoScaler(p, q, cfg)

	for i := 0; i < 5; i++ {
		a.evaluate(context.Background(), time.Now())
	}

	decisions := a.Decisions()
	if len(decisions) != 3 {
		t.Fatalf("len(Decisions) = %d, want 3", len(decisions))
	}
	for i, d := range decisions {
		if d.Action != ScaleHold {
			t.Errorf("decision %d Action = %q, want %q", i, d.Action, ScaleHold)
		}
	}
}

func TestAutoScalerStartStop(t *testing.T) {
	q := queue.NewPriorityQueue(10)
	p := idlePool(t, q, testConfig())

	a := NewAutoScaler(p, q, scalerConfig())
	a.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	a.Stop()

	if len(a.Decisions()) == 0 {
		t.Error("expected recorded decisions from background loop")
	}
}
