package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"fraudsentry/internal/schema"
)

func newTestEvent(sev schema.Severity) *schema.Event {
	return &schema.Event{
		EventID:   uuid.New(),
		Type:      schema.EventHighRiskTransaction,
		Severity:  sev,
		Timestamp: time.Now().UTC(),
		Source:    "test",
	}
}

func TestNewPriorityQueue(t *testing.T) {
	t.Run("with valid size", func(t *testing.T) {
		pq := NewPriorityQueue(100)
		if pq.Cap() != 100 {
			t.Errorf("Cap() = %d, want 100", pq.Cap())
		}
		if pq.Len() != 0 {
			t.Errorf("Len() = %d, want 0", pq.Len())
		}
	})

	t.Run("with zero size uses default", func(t *testing.T) {
		pq := NewPriorityQueue(0)
		if pq.Cap() != 10000 {
			t.Errorf("Cap() = %d, want 10000 (default)", pq.Cap())
		}
	})
}

func TestPriorityQueue_SeverityOrdering(t *testing.T) {
	pq := NewPriorityQueue(10)

	low := newTestEvent(schema.SeverityLow)
	crit := newTestEvent(schema.SeverityCritical)
	med := newTestEvent(schema.SeverityMedium)

	for _, e := range []*schema.Event{low, crit, med} {
		if err := pq.Push(e); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	want := []uuid.UUID{crit.EventID, med.EventID, low.EventID}
	for i, id := range want {
		e, err := pq.Pop()
		if err != nil {
			t.Fatalf("Pop() #%d error = %v", i, err)
		}
		if e.EventID != id {
			t.Errorf("Pop() #%d = severity %d, want event %v", i, e.Severity, id)
		}
	}
}

func TestPriorityQueue_FIFOWithinSeverity(t *testing.T) {
	pq := NewPriorityQueue(20)

	ids := make([]uuid.UUID, 10)
	for i := range ids {
		e := newTestEvent(schema.SeverityMedium)
		ids[i] = e.EventID
		if err := pq.Push(e); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	for i, id := range ids {
		e, err := pq.Pop()
		if err != nil {
			t.Fatalf("Pop() error = %v", err)
		}
		if e.EventID != id {
			t.Errorf("Pop() #%d returned %v, want %v (FIFO within class)", i, e.EventID, id)
		}
	}
}

func TestPriorityQueue_Full(t *testing.T) {
	pq := NewPriorityQueue(3)

	for i := 0; i < 3; i++ {
		if err := pq.Push(newTestEvent(schema.SeverityLow)); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	err := pq.Push(newTestEvent(schema.SeverityCritical))
	if err != ErrQueueFull {
		t.Errorf("Push() on full queue error = %v, want ErrQueueFull", err)
	}

	m := pq.Metrics()
	if m.Dropped != 1 {
		t.Errorf("Metrics().Dropped = %d, want 1", m.Dropped)
	}
}

func TestPriorityQueue_PopWithTimeout(t *testing.T) {
	pq := NewPriorityQueue(5)

	t.Run("times out on empty queue", func(t *testing.T) {
		start := time.Now()
		_, err := pq.PopWithTimeout(50 * time.Millisecond)
		if err != ErrQueueEmpty {
			t.Errorf("PopWithTimeout() error = %v, want ErrQueueEmpty", err)
		}
		if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
			t.Errorf("returned after %v, want ~50ms wait", elapsed)
		}
	})

	t.Run("wakes on push", func(t *testing.T) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			pq.Push(newTestEvent(schema.SeverityHigh))
		}()

		e, err := pq.PopWithTimeout(time.Second)
		if err != nil {
			t.Fatalf("PopWithTimeout() error = %v", err)
		}
		if e == nil {
			t.Fatal("PopWithTimeout() returned nil event")
		}
	})

	t.Run("wakes on close", func(t *testing.T) {
		pq2 := NewPriorityQueue(5)
		go func() {
			time.Sleep(20 * time.Millisecond)
			pq2.Close()
		}()

		_, err := pq2.PopWithTimeout(time.Second)
		if err != ErrQueueClosed {
			t.Errorf("PopWithTimeout() error = %v, want ErrQueueClosed", err)
		}
	})
}

func TestPriorityQueue_Closed(t *testing.T) {
	pq := NewPriorityQueue(5)
	pq.Push(newTestEvent(schema.SeverityLow))
	pq.Close()

	if err := pq.Push(newTestEvent(schema.SeverityLow)); err != ErrQueueClosed {
		t.Errorf("Push() after close error = %v, want ErrQueueClosed", err)
	}

	// Buffered events still drain after close.
	if _, err := pq.Pop(); err != nil {
		t.Errorf("Pop() after close error = %v, want nil (drain)", err)
	}
}

func TestPriorityQueue_ConcurrentAccess(t *testing.T) {
	pq := NewPriorityQueue(1000)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				pq.Push(newTestEvent(schema.Severity(i%5 + 1)))
			}
		}()
	}
	wg.Wait()

	popped := 0
	lastSev := schema.SeverityCritical
	for {
		e, err := pq.Pop()
		if err == ErrQueueEmpty {
			break
		}
		if err != nil {
			t.Fatalf("Pop() error = %v", err)
		}
		if e.Severity > lastSev {
			t.Fatalf("severity ordering violated: %d after %d", e.Severity, lastSev)
		}
		lastSev = e.Severity
		popped++
	}

	if popped != 400 {
		t.Errorf("popped %d events, want 400", popped)
	}

	m := pq.Metrics()
	if m.Pushed != 400 || m.Popped != 400 {
		t.Errorf("Metrics() = pushed %d popped %d, want 400/400", m.Pushed, m.Popped)
	}
}

func TestPriorityQueue_Utilization(t *testing.T) {
	pq := NewPriorityQueue(10)
	for i := 0; i < 5; i++ {
		pq.Push(newTestEvent(schema.SeverityLow))
	}
	if u := pq.Utilization(); u != 0.5 {
		t.Errorf("Utilization() = %f, want 0.5", u)
	}
}
