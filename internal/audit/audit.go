// Package audit provides a tamper-evident audit trail for response
// actions. Each entry carries a truncated SHA-256 checksum chained to
// the previous entry so that modification, deletion, or insertion of
// lines is detectable.
package audit

import (
	"bufio"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
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

	"github.com/google/uuid"
)

// Common errors.
var (
	ErrTrailClosed      = errors.New("audit trail is closed")
	ErrChecksumMismatch = errors.New("audit entry checksum mismatch")
	ErrChainBroken      = errors.New("audit chain integrity broken")
	ErrSequenceGap      = errors.New("sequence gap detected in audit trail")
)

// checksumLen is the number of hex characters kept from the SHA-256
// digest.
const checksumLen = 16

// Entry is a single audit trail line.
type Entry struct {
	EntryID          string         `json:"entry_id"`
	Sequence         uint64         `json:"sequence"`
	Timestamp        time.Time      `json:"timestamp"`
	Action           string         `json:"action"`
	EntityType       string         `json:"entity_type"`
	EntityID         string         `json:"entity_id"`
	Details          map[string]any `json:"details,omitempty"`
	PreviousChecksum string         `json:"previous_checksum"`
	Checksum         string         `json:"checksum"`
}

// computeChecksum hashes action, entity, details in sorted key order and
// the previous checksum, truncated to checksumLen hex characters.
func (e *Entry) computeChecksum() string {
	h := sha256.New()
	h.Write([]byte(e.Action))
	h.Write([]byte(e.EntityType))
	h.Write([]byte(e.EntityID))

	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h.Write([]byte(k))
			fmt.Fprintf(h, "%v", e.Details[k])
		}
	}

	h.Write([]byte(e.PreviousChecksum))

	return hex.EncodeToString(h.Sum(nil))[:checksumLen]
}

// Config holds the audit trail configuration.
type Config struct {
	Dir             string        `yaml:"dir"`
	MaxFileSize     int64         `yaml:"max_file_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	CompressRotated bool          `yaml:"compress_rotated"`
}

// DefaultConfig returns the default audit trail configuration.
func DefaultConfig() Config {
	return Config{
		Dir:             "data/audit",
		MaxFileSize:     50 * 1024 * 1024,
		FlushInterval:   time.Second,
		CompressRotated: true,
	}
}

// Trail appends checksummed JSON lines to a date-named file, rotating on
// size. Rotated files get a timestamp suffix and are optionally
// gzip-compressed.
type Trail struct {
	config Config

	mu          sync.Mutex
	sequence    uint64
	prevSum     string
	currentFile *os.File
	currentPath string
	currentSize int64
	closed      bool

	// onRotate receives the final path of each rotated file, for
	// archival. Called without holding the trail lock.
	onRotate func(path string)

	stopCh chan struct{}
	wg     sync.WaitGroup

	// Metrics
	written     uint64
	writeErrors uint64
}

// genesisChecksum anchors the chain for an empty trail.
func genesisChecksum() string {
	h := sha256.Sum256([]byte("fraudsentry-audit-genesis-v1"))
	return hex.EncodeToString(h[:])[:checksumLen]
}

// NewTrail creates an audit trail writing under cfg.Dir.
func NewTrail(cfg Config) (*Trail, error) {
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	t := &Trail{
		config:  cfg,
		prevSum: genesisChecksum(),
		stopCh:  make(chan struct{}),
	}

	if err := t.recoverState(); err != nil {
		slog.Warn("failed to recover audit state", "error", err)
	}

	if err := t.openFile(); err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}

	if cfg.FlushInterval > 0 {
		t.wg.Add(1)
		go t.flushLoop()
	}

	slog.Info("audit trail initialized", "dir", cfg.Dir, "sequence", t.sequence)
	return t, nil
}

// SetRotateHook registers a callback invoked with the path of each
// rotated file.
func (t *Trail) SetRotateHook(fn func(path string)) {
	t.mu.Lock()
	t.onRotate = fn
	t.mu.Unlock()
}

// recoverState resumes the sequence and chain tail from the newest
// uncompressed trail file.
func (t *Trail) recoverState() error {
	files, err := filepath.Glob(filepath.Join(t.config.Dir, "audit_*.log"))
	if err != nil || len(files) == 0 {
		return err
	}

	// Rotated names do not sort in write order, so take the highest
	// sequence across the tail of every file.
	var last *Entry
	for _, path := range files {
		e, err := readLastEntry(path)
		if err != nil {
			return err
		}
		if e != nil && (last == nil || e.Sequence > last.Sequence) {
			last = e
		}
	}
	if last != nil {
		t.sequence = last.Sequence
		t.prevSum = last.Checksum
	}
	return nil
}

func readLastEntry(path string) (*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lastLine string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lastLine = line
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if lastLine == "" {
		return nil, nil
	}

	var e Entry
	if err := json.Unmarshal([]byte(lastLine), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func activeFilename(now time.Time) string {
	return fmt.Sprintf("audit_%s.log", now.Format("20060102"))
}

// openFile opens or creates the active date-named file. Caller holds
// t.mu or runs before the trail is shared.
func (t *Trail) openFile() error {
	if t.currentFile != nil {
		t.currentFile.Close()
	}

	path := filepath.Join(t.config.Dir, activeFilename(time.Now()))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	t.currentFile = f
	t.currentPath = path
	t.currentSize = stat.Size()
	return nil
}

// Log appends one checksummed entry. Writes are synchronous to keep the
// chain ordered.
func (t *Trail) Log(action, entityType, entityID string, details map[string]any) error {
	t.mu.Lock()

	if t.closed {
		t.mu.Unlock()
		return ErrTrailClosed
	}

	t.sequence++
	entry := &Entry{
		EntryID:          uuid.NewString(),
		Sequence:         t.sequence,
		Timestamp:        time.Now().UTC(),
		Action:           action,
		EntityType:       entityType,
		EntityID:         entityID,
		Details:          details,
		PreviousChecksum: t.prevSum,
	}
	entry.Checksum = entry.computeChecksum()
	t.prevSum = entry.Checksum

	rotated, err := t.writeLocked(entry)
	hook := t.onRotate
	t.mu.Unlock()

	if rotated != "" && hook != nil {
		hook(rotated)
	}
	return err
}

// writeLocked writes the entry, rotating first if needed. It returns the
// path of a rotated file, if any. Caller holds t.mu.
func (t *Trail) writeLocked(entry *Entry) (string, error) {
	var rotated string

	if t.currentSize >= t.config.MaxFileSize {
		path, err := t.rotateLocked()
		if err != nil {
			slog.Error("failed to rotate audit file", "error", err)
		} else {
			rotated = path
		}
	}

	// Roll to a new file at the date boundary.
	if filepath.Base(t.currentPath) != activeFilename(time.Now()) {
		if err := t.openFile(); err != nil {
			return rotated, fmt.Errorf("failed to open new audit file: %w", err)
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		atomic.AddUint64(&t.writeErrors, 1)
		return rotated, fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	n, err := t.currentFile.Write(data)
	if err != nil {
		atomic.AddUint64(&t.writeErrors, 1)
		return rotated, fmt.Errorf("failed to write audit entry: %w", err)
	}

	t.currentSize += int64(n)
	atomic.AddUint64(&t.written, 1)
	return rotated, nil
}

// rotateLocked closes the active file under a timestamp-suffixed name
// and opens a fresh one. Caller holds t.mu.
func (t *Trail) rotateLocked() (string, error) {
	if t.currentFile == nil {
		return "", nil
	}

	t.currentFile.Sync()
	t.currentFile.Close()
	t.currentFile = nil

	base := strings.TrimSuffix(filepath.Base(t.currentPath), ".log")
	rotatedPath := filepath.Join(t.config.Dir,
		fmt.Sprintf("%s_%d.log", base, time.Now().UnixNano()))
	if err := os.Rename(t.currentPath, rotatedPath); err != nil {
		return "", err
	}

	if t.config.CompressRotated {
		gzPath, err := compressFile(rotatedPath)
		if err != nil {
			slog.Warn("failed to compress rotated audit file", "path", rotatedPath, "error", err)
		} else {
			rotatedPath = gzPath
		}
	}

	if err := writeChecksumSidecar(rotatedPath); err != nil {
		slog.Warn("failed to write audit checksum sidecar", "path", rotatedPath, "error", err)
	}

	if err := t.openFile(); err != nil {
		return rotatedPath, err
	}

	slog.Info("audit file rotated", "path", rotatedPath)
	return rotatedPath, nil
}

// compressFile gzips path and removes the original.
func compressFile(path string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer in.Close()

	gzPath := path + ".gz"
	out, err := os.Create(gzPath)
	if err != nil {
		return "", err
	}

	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		gw.Close()
		out.Close()
		os.Remove(gzPath)
		return "", err
	}
	if err := gw.Close(); err != nil {
		out.Close()
		os.Remove(gzPath)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(gzPath)
		return "", err
	}

	os.Remove(path)
	return gzPath, nil
}

// writeChecksumSidecar writes <path>.sha256 with the file's full digest.
func writeChecksumSidecar(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}

	return os.WriteFile(path+".sha256", []byte(hex.EncodeToString(h.Sum(nil))), 0o600)
}

// Verify re-checks every entry checksum, the chain linkage, and the
// sequence continuity across all trail files in order.
func (t *Trail) Verify() error {
	t.mu.Lock()
	if t.currentFile != nil {
		t.currentFile.Sync()
	}
	t.mu.Unlock()

	files, err := filepath.Glob(filepath.Join(t.config.Dir, "audit_*.log*"))
	if err != nil {
		return err
	}

	var entries []*Entry
	for _, path := range files {
		if strings.HasSuffix(path, ".sha256") {
			continue
		}
		fileEntries, err := readEntries(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		entries = append(entries, fileEntries...)
	}

	// Rotation splits the chain across files whose names do not sort in
	// write order, so order by sequence before walking the chain.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Sequence < entries[j].Sequence
	})

	prevSum := genesisChecksum()
	var prevSeq uint64

	for _, e := range entries {
		if e.computeChecksum() != e.Checksum {
			return fmt.Errorf("%w: entry %s", ErrChecksumMismatch, e.EntryID)
		}
		if e.PreviousChecksum != prevSum {
			return fmt.Errorf("%w: entry %s", ErrChainBroken, e.EntryID)
		}
		if e.Sequence != prevSeq+1 {
			return fmt.Errorf("%w: expected %d, got %d", ErrSequenceGap, prevSeq+1, e.Sequence)
		}
		prevSum = e.Checksum
		prevSeq = e.Sequence
	}

	return nil
}

// readEntries reads all entries from a plain or gzipped trail file.
func readEntries(path string) ([]*Entry, error) {
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

	var entries []*Entry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, scanner.Err()
}

func (t *Trail) flushLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.mu.Lock()
			if t.currentFile != nil {
				t.currentFile.Sync()
			}
			t.mu.Unlock()
		}
	}
}

// Close flushes and closes the trail.
func (t *Trail) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	close(t.stopCh)
	t.wg.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.currentFile != nil {
		t.currentFile.Sync()
		err := t.currentFile.Close()
		t.currentFile = nil
		return err
	}
	return nil
}

// Metrics returns audit trail statistics.
func (t *Trail) Metrics() TrailMetrics {
	return TrailMetrics{
		Written:     atomic.LoadUint64(&t.written),
		WriteErrors: atomic.LoadUint64(&t.writeErrors),
	}
}

// TrailMetrics holds audit trail statistics.
type TrailMetrics struct {
	Written     uint64 `json:"written"`
	WriteErrors uint64 `json:"write_errors"`
}
