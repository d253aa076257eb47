package s3

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Uploader is the subset of Client used by the archiver.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) error
}

// ReplaySource lists and removes aged replay files.
type ReplaySource interface {
	Files(olderThan time.Time) ([]string, error)
	Remove(path string) error
}

// ArchiverConfig holds the archiver configuration.
type ArchiverConfig struct {
	AuditPrefix  string        `yaml:"audit_prefix"`
	ReplayPrefix string        `yaml:"replay_prefix"`
	ReplayMaxAge time.Duration `yaml:"replay_max_age"`
	ScanInterval time.Duration `yaml:"scan_interval"`

	// DeleteAfterUpload removes local files once archived.
	DeleteAfterUpload bool `yaml:"delete_after_upload"`
}

// DefaultArchiverConfig returns the default archiver configuration.
func DefaultArchiverConfig() ArchiverConfig {
	return ArchiverConfig{
		AuditPrefix:       "audit/",
		ReplayPrefix:      "replay/",
		ReplayMaxAge:      7 * 24 * time.Hour,
		ScanInterval:      time.Hour,
		DeleteAfterUpload: true,
	}
}

// Archiver uploads rotated audit files as they appear and sweeps aged
// replay files on a periodic loop.
type Archiver struct {
	uploader Uploader
	replays  ReplaySource
	config   ArchiverConfig

	stopCh chan struct{}
	wg     sync.WaitGroup

	// Metrics
	auditArchived  uint64
	replayArchived uint64
	archiveErrors  uint64
}

// NewArchiver creates an archiver. replays may be nil to disable the
// replay sweep.
func NewArchiver(uploader Uploader, replays ReplaySource, cfg ArchiverConfig) *Archiver {
	return &Archiver{
		uploader: uploader,
		replays:  replays,
		config:   cfg,
		stopCh:   make(chan struct{}),
	}
}

// ArchiveAuditFile uploads a rotated audit file and its checksum
// sidecar. Wire it as the audit trail's rotation hook.
func (a *Archiver) ArchiveAuditFile(ctx context.Context, path string) error {
	if err := a.uploadFile(ctx, path, a.config.AuditPrefix); err != nil {
		atomic.AddUint64(&a.archiveErrors, 1)
		return err
	}

	sidecar := path + ".sha256"
	if _, err := os.Stat(sidecar); err == nil {
		if err := a.uploadFile(ctx, sidecar, a.config.AuditPrefix); err != nil {
			atomic.AddUint64(&a.archiveErrors, 1)
			return err
		}
		if a.config.DeleteAfterUpload {
			os.Remove(sidecar)
		}
	}

	if a.config.DeleteAfterUpload {
		if err := os.Remove(path); err != nil {
			slog.Warn("failed to remove archived audit file", "path", path, "error", err)
		}
	}

	atomic.AddUint64(&a.auditArchived, 1)
	return nil
}

// Start launches the periodic replay sweep.
func (a *Archiver) Start(ctx context.Context) {
	if a.replays == nil || a.config.ScanInterval <= 0 {
		return
	}

	a.wg.Add(1)
	go a.sweepLoop(ctx)

	slog.Info("archiver started",
		"scan_interval", a.config.ScanInterval,
		"replay_max_age", a.config.ReplayMaxAge,
	)
}

// Stop stops the sweep loop.
func (a *Archiver) Stop() {
	close(a.stopCh)
	a.wg.Wait()
}

func (a *Archiver) sweepLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.sweepReplays(ctx)
		}
	}
}

// sweepReplays archives replay files older than the retention cutoff.
func (a *Archiver) sweepReplays(ctx context.Context) {
	cutoff := time.Now().Add(-a.config.ReplayMaxAge)
	files, err := a.replays.Files(cutoff)
	if err != nil {
		atomic.AddUint64(&a.archiveErrors, 1)
		slog.Error("failed to list aged replay files", "error", err)
		return
	}

	for _, path := range files {
		if err := a.uploadFile(ctx, path, a.config.ReplayPrefix); err != nil {
			atomic.AddUint64(&a.archiveErrors, 1)
			slog.Error("failed to archive replay file", "path", path, "error", err)
			continue
		}

		if a.config.DeleteAfterUpload {
			if err := a.replays.Remove(path); err != nil {
				slog.Warn("failed to remove archived replay file", "path", path, "error", err)
			}
		}
		atomic.AddUint64(&a.replayArchived, 1)
	}

	if len(files) > 0 {
		slog.Info("replay sweep complete", "archived", len(files))
	}
}

func (a *Archiver) uploadFile(ctx context.Context, path, prefix string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	key := prefix + filepath.Base(path)
	return a.uploader.Upload(ctx, key, f, contentTypeFor(path))
}

func contentTypeFor(path string) string {
	switch filepath.Ext(path) {
	case ".gz":
		return "application/gzip"
	case ".json":
		return "application/json"
	default:
		return "text/plain"
	}
}

// Metrics returns archiver statistics.
func (a *Archiver) Metrics() ArchiverMetrics {
	return ArchiverMetrics{
		AuditArchived:  atomic.LoadUint64(&a.auditArchived),
		ReplayArchived: atomic.LoadUint64(&a.replayArchived),
		ArchiveErrors:  atomic.LoadUint64(&a.archiveErrors),
	}
}

// ArchiverMetrics holds archiver statistics.
type ArchiverMetrics struct {
	AuditArchived  uint64 `json:"audit_archived"`
	ReplayArchived uint64 `json:"replay_archived"`
	ArchiveErrors  uint64 `json:"archive_errors"`
}
