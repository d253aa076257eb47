// Package queue provides a thread-safe bounded priority queue for events.
// Events drain in severity order (highest first); within one severity class
// the queue is FIFO by submission sequence.
package queue

import (
	"container/heap"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"fraudsentry/internal/schema"
)

var (
	// ErrQueueFull is returned when attempting to push to a full queue.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueEmpty is returned when attempting to pop from an empty queue.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrQueueClosed is returned when attempting to use a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// item is an enqueued event with its tiebreak sequence number.
type item struct {
	event *schema.Event
	seq   uint64
}

// eventHeap orders items by severity descending, sequence ascending.
type eventHeap []item

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].event.Severity != h[j].event.Severity {
		return h[i].event.Severity > h[j].event.Severity
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(item)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = item{}
	*h = old[:n-1]
	return it
}

// PriorityQueue is a bounded, thread-safe priority queue for events.
type PriorityQueue struct {
	heap   eventHeap
	size   int
	seq    uint64
	closed bool
	mu     sync.Mutex
	cond   *sync.Cond

	// Metrics (accessed atomically)
	totalPushed  uint64
	totalPopped  uint64
	totalDropped uint64
}

// NewPriorityQueue creates a new PriorityQueue with the specified capacity.
func NewPriorityQueue(size int) *PriorityQueue {
	if size <= 0 {
		size = 10000 // Default size
	}

	pq := &PriorityQueue{
		heap: make(eventHeap, 0, size),
		size: size,
	}
	pq.cond = sync.NewCond(&pq.mu)
	return pq
}

// Push adds an event to the queue.
// Returns ErrQueueFull if the queue is at capacity; it never blocks.
func (pq *PriorityQueue) Push(event *schema.Event) error {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if pq.closed {
		return ErrQueueClosed
	}

	if len(pq.heap) == pq.size {
		atomic.AddUint64(&pq.totalDropped, 1)
		return ErrQueueFull
	}

	pq.seq++
	heap.Push(&pq.heap, item{event: event, seq: pq.seq})
	atomic.AddUint64(&pq.totalPushed, 1)

	// Signal waiting consumers
	pq.cond.Signal()
	return nil
}

// Pop removes and returns the highest-priority event.
// Returns ErrQueueEmpty if the queue is empty.
func (pq *PriorityQueue) Pop() (*schema.Event, error) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.popLocked()
}

func (pq *PriorityQueue) popLocked() (*schema.Event, error) {
	if len(pq.heap) == 0 {
		return nil, ErrQueueEmpty
	}

	it := heap.Pop(&pq.heap).(item)
	atomic.AddUint64(&pq.totalPopped, 1)
	return it.event, nil
}

// PopWithTimeout removes and returns the highest-priority event.
// Returns ErrQueueEmpty if no event is available within the timeout, so
// consumers stay responsive to shutdown.
func (pq *PriorityQueue) PopWithTimeout(timeout time.Duration) (*schema.Event, error) {
	deadline := time.Now().Add(timeout)

	pq.mu.Lock()
	defer pq.mu.Unlock()

	for len(pq.heap) == 0 && !pq.closed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrQueueEmpty
		}

		// Wake the cond after the remaining time so Wait cannot block past
		// the deadline.
		timer := time.AfterFunc(remaining, func() {
			pq.mu.Lock()
			pq.cond.Broadcast()
			pq.mu.Unlock()
		})

		pq.cond.Wait()
		timer.Stop()
	}

	if pq.closed && len(pq.heap) == 0 {
		return nil, ErrQueueClosed
	}

	return pq.popLocked()
}

// Len returns the current number of events in the queue.
func (pq *PriorityQueue) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return len(pq.heap)
}

// Cap returns the capacity of the queue.
func (pq *PriorityQueue) Cap() int {
	return pq.size
}

// Utilization returns queue depth / capacity in [0,1].
func (pq *PriorityQueue) Utilization() float64 {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return float64(len(pq.heap)) / float64(pq.size)
}

// IsFull returns true if the queue is at capacity.
func (pq *PriorityQueue) IsFull() bool {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return len(pq.heap) == pq.size
}

// Close closes the queue and wakes up any waiting consumers.
func (pq *PriorityQueue) Close() {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.closed = true
	pq.cond.Broadcast()
}

// Metrics returns queue statistics.
func (pq *PriorityQueue) Metrics() Metrics {
	return Metrics{
		Pushed:   atomic.LoadUint64(&pq.totalPushed),
		Popped:   atomic.LoadUint64(&pq.totalPopped),
		Dropped:  atomic.LoadUint64(&pq.totalDropped),
		Depth:    pq.Len(),
		Capacity: pq.size,
	}
}

// Metrics holds statistics about queue operations.
type Metrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}
