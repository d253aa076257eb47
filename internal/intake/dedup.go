package intake

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DedupStore tracks which event IDs have already been accepted.
type DedupStore interface {
	// Add records the ID and reports whether it was newly added.
	// A false return means the ID was already present (duplicate).
	Add(ctx context.Context, id uuid.UUID) (bool, error)
	Close() error
}

// MemoryDedup is the default in-process dedup index. Entries expire after a
// TTL so the index stays bounded under sustained load.
type MemoryDedup struct {
	ttl     time.Duration
	seen    map[uuid.UUID]time.Time
	mu      sync.Mutex
	stopCh  chan struct{}
	stopped sync.Once
}

// NewMemoryDedup creates an in-memory dedup store with the given entry TTL.
func NewMemoryDedup(ttl time.Duration) *MemoryDedup {
	if ttl <= 0 {
		ttl = time.Hour
	}

	d := &MemoryDedup{
		ttl:    ttl,
		seen:   make(map[uuid.UUID]time.Time),
		stopCh: make(chan struct{}),
	}
	go d.cleanupLoop()
	return d
}

// Add records the ID, returning false if it was already present.
func (d *MemoryDedup) Add(_ context.Context, id uuid.UUID) (bool, error) {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if expiry, ok := d.seen[id]; ok && now.Before(expiry) {
		return false, nil
	}
	d.seen[id] = now.Add(d.ttl)
	return true, nil
}

func (d *MemoryDedup) cleanupLoop() {
	ticker := time.NewTicker(d.ttl / 4)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			d.mu.Lock()
			for id, expiry := range d.seen {
				if now.After(expiry) {
					delete(d.seen, id)
				}
			}
			d.mu.Unlock()
		}
	}
}

// Close stops the cleanup loop.
func (d *MemoryDedup) Close() error {
	d.stopped.Do(func() { close(d.stopCh) })
	return nil
}
