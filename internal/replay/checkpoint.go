package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Checkpoint is a periodic durable snapshot of cumulative processing
// state. Recovery from a checkpoint is approximate: counters resume,
// in-flight events do not.
type Checkpoint struct {
	Timestamp       time.Time         `json:"timestamp"`
	EventsProcessed uint64            `json:"events_processed"`
	Counters        map[string]uint64 `json:"counters,omitempty"`
}

// CheckpointConfig holds the checkpoint manager configuration.
type CheckpointConfig struct {
	Dir         string `yaml:"dir"`
	Interval    uint64 `yaml:"interval"`
	MaxRetained int    `yaml:"max_retained"`
}

// DefaultCheckpointConfig returns the default checkpoint configuration.
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Dir:         "data/checkpoints",
		Interval:    1000,
		MaxRetained: 10,
	}
}

// CheckpointManager writes a checkpoint every Interval processed events
// and loads the latest at boot.
type CheckpointManager struct {
	config CheckpointConfig

	lastCheckpointed uint64
}

// NewCheckpointManager creates a checkpoint manager writing under
// cfg.Dir.
func NewCheckpointManager(cfg CheckpointConfig) (*CheckpointManager, error) {
	if cfg.Interval == 0 {
		cfg.Interval = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &CheckpointManager{config: cfg}, nil
}

// Due reports whether a checkpoint should be taken at the given
// cumulative processed count.
func (m *CheckpointManager) Due(processed uint64) bool {
	return processed >= m.lastCheckpointed+m.config.Interval
}

// Write persists a checkpoint and prunes old ones.
func (m *CheckpointManager) Write(cp Checkpoint) error {
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	name := fmt.Sprintf("checkpoint_%s.json", cp.Timestamp.UTC().Format("20060102_150405.000000000"))
	path := filepath.Join(m.config.Dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}

	m.lastCheckpointed = cp.EventsProcessed
	m.prune()
	return nil
}

// Latest loads the most recent checkpoint, or nil when none exists.
func (m *CheckpointManager) Latest() (*Checkpoint, error) {
	files, err := filepath.Glob(filepath.Join(m.config.Dir, "checkpoint_*.json"))
	if err != nil || len(files) == 0 {
		return nil, err
	}

	sort.Strings(files)
	data, err := os.ReadFile(files[len(files)-1])
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint: %w", err)
	}

	m.lastCheckpointed = cp.EventsProcessed
	return &cp, nil
}

// prune removes checkpoints beyond the retention limit.
func (m *CheckpointManager) prune() {
	if m.config.MaxRetained <= 0 {
		return
	}

	files, err := filepath.Glob(filepath.Join(m.config.Dir, "checkpoint_*.json"))
	if err != nil || len(files) <= m.config.MaxRetained {
		return
	}

	sort.Strings(files)
	for _, f := range files[:len(files)-m.config.MaxRetained] {
		os.Remove(f)
	}
}
