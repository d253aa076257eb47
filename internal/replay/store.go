// Package replay provides write-behind batch persistence with time-range
// replay, plus periodic processing checkpoints for approximate recovery.
package replay

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fraudsentry/internal/schema"
)

// ErrStoreClosed is returned when storing to a closed store.
var ErrStoreClosed = errors.New("replay store is closed")

// SubmitFunc resubmits a replayed event into the pipeline.
type SubmitFunc func(ctx context.Context, event *schema.Event) error

// StoreConfig holds the replay store configuration.
type StoreConfig struct {
	Dir      string `yaml:"dir"`
	Compress bool   `yaml:"compress"`
}

// DefaultStoreConfig returns the default replay store configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Dir:      "data/replay",
		Compress: true,
	}
}

// Store persists event batches as timestamp-named JSON files and replays
// them back through a submit function.
type Store struct {
	config StoreConfig

	mu     sync.Mutex
	closed bool

	// Metrics
	batchesStored  uint64
	eventsStored   uint64
	eventsReplayed uint64
	storeErrors    uint64
}

// NewStore creates a replay store writing under cfg.Dir.
func NewStore(cfg StoreConfig) (*Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create replay directory: %w", err)
	}
	return &Store{config: cfg}, nil
}

// batchFilename returns events_<YYYYMMDD>_<HHMMSS>_<batchID>.json with an
// optional .gz suffix.
func batchFilename(batch *schema.EventBatch, compress bool) string {
	name := fmt.Sprintf("events_%s_%s.json",
		batch.CreatedAt.UTC().Format("20060102_150405"),
		batch.BatchID)
	if compress {
		name += ".gz"
	}
	return name
}

// StoreBatch serializes the batch to the replay directory. Write-behind:
// the batch has already been dispatched when this runs.
func (s *Store) StoreBatch(batch *schema.EventBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	data, err := json.Marshal(batch)
	if err != nil {
		atomic.AddUint64(&s.storeErrors, 1)
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	if s.config.Compress {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(data); err != nil {
			atomic.AddUint64(&s.storeErrors, 1)
			return fmt.Errorf("failed to compress batch: %w", err)
		}
		if err := gw.Close(); err != nil {
			atomic.AddUint64(&s.storeErrors, 1)
			return fmt.Errorf("failed to compress batch: %w", err)
		}
		data = buf.Bytes()
	}

	path := filepath.Join(s.config.Dir, batchFilename(batch, s.config.Compress))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		atomic.AddUint64(&s.storeErrors, 1)
		return fmt.Errorf("failed to write batch file: %w", err)
	}

	atomic.AddUint64(&s.batchesStored, 1)
	atomic.AddUint64(&s.eventsStored, uint64(len(batch.Events)))

	slog.Debug("batch persisted",
		"batch_id", batch.BatchID,
		"events", len(batch.Events),
		"path", path,
	)
	return nil
}

// parseFileTimestamp extracts the embedded timestamp from a batch
// filename.
func parseFileTimestamp(name string) (time.Time, bool) {
	base := strings.TrimPrefix(filepath.Base(name), "events_")
	if base == filepath.Base(name) || len(base) < 15 {
		return time.Time{}, false
	}
	ts, err := time.Parse("20060102_150405", base[:15])
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// Replay resubmits every event from batches whose file timestamp lies in
// [start, end), each flagged as a replay. It returns the number of
// events replayed. File-level failures are logged and skipped.
func (s *Store) Replay(ctx context.Context, start, end time.Time, submit SubmitFunc) (int, error) {
	files, err := filepath.Glob(filepath.Join(s.config.Dir, "events_*.json*"))
	if err != nil {
		return 0, fmt.Errorf("failed to list replay files: %w", err)
	}
	sort.Strings(files)

	count := 0
	for _, path := range files {
		ts, ok := parseFileTimestamp(path)
		if !ok {
			continue
		}
		if ts.Before(start.UTC()) || !ts.Before(end.UTC()) {
			continue
		}

		batch, err := readBatchFile(path)
		if err != nil {
			slog.Error("failed to read replay file", "path", path, "error", err)
			continue
		}

		for _, event := range batch.Events {
			if err := ctx.Err(); err != nil {
				return count, err
			}

			replayed := *event
			replayed.IsReplay = true
			if err := submit(ctx, &replayed); err != nil {
				slog.Warn("failed to resubmit replayed event",
					"event_id", event.EventID,
					"error", err,
				)
				continue
			}
			count++
		}
	}

	atomic.AddUint64(&s.eventsReplayed, uint64(count))
	slog.Info("replay complete", "start", start, "end", end, "events", count)
	return count, nil
}

// Files returns the stored batch files older than the cutoff, for
// archival.
func (s *Store) Files(olderThan time.Time) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(s.config.Dir, "events_*.json*"))
	if err != nil {
		return nil, err
	}

	var out []string
	for _, path := range files {
		ts, ok := parseFileTimestamp(path)
		if ok && ts.Before(olderThan.UTC()) {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Remove deletes a stored batch file, after archival.
func (s *Store) Remove(path string) error {
	if filepath.Dir(path) != filepath.Clean(s.config.Dir) {
		return fmt.Errorf("path %s outside replay directory", path)
	}
	return os.Remove(path)
}

func readBatchFile(path string) (*schema.EventBatch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gr, err := gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		r = gr
	}

	var batch schema.EventBatch
	if err := json.NewDecoder(r).Decode(&batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

// Close marks the store closed. Replay remains available.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Metrics returns replay store statistics.
func (s *Store) Metrics() StoreMetrics {
	return StoreMetrics{
		BatchesStored:  atomic.LoadUint64(&s.batchesStored),
		EventsStored:   atomic.LoadUint64(&s.eventsStored),
		EventsReplayed: atomic.LoadUint64(&s.eventsReplayed),
		StoreErrors:    atomic.LoadUint64(&s.storeErrors),
	}
}

// StoreMetrics holds replay store statistics.
type StoreMetrics struct {
	BatchesStored  uint64 `json:"batches_stored"`
	EventsStored   uint64 `json:"events_stored"`
	EventsReplayed uint64 `json:"events_replayed"`
	StoreErrors    uint64 `json:"store_errors"`
}
