package replay

import (
	"path/filepath"
	"testing"
	"time"
)

func TestCheckpointDue(t *testing.T) {
	cfg := CheckpointConfig{Dir: t.TempDir(), Interval: 100}
	m, err := NewCheckpointManager(cfg)
	if err != nil {
		t.Fatalf("NewCheckpointManager: %v", err)
	}

	if m.Due(50) {
		t.Error("Due(50) = true before first interval")
	}
	if !m.Due(100) {
		t.Error("Due(100) = false, want true")
	}

	if err := m.Write(Checkpoint{EventsProcessed: 100}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if m.Due(150) {
		t.Error("Due(150) = true right after checkpoint at 100")
	}
	if !m.Due(200) {
		t.Error("Due(200) = false, want true")
	}
}

func TestCheckpointWriteAndLatest(t *testing.T) {
	cfg := CheckpointConfig{Dir: t.TempDir(), Interval: 100}
	m, err := NewCheckpointManager(cfg)
	if err != nil {
		t.Fatalf("NewCheckpointManager: %v", err)
	}

	if cp, err := m.Latest(); err != nil || cp != nil {
		t.Fatalf("Latest on empty dir = %v, %v; want nil, nil", cp, err)
	}

	base := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		cp := Checkpoint{
			Timestamp:       base.Add(time.Duration(i) * time.Minute),
			EventsProcessed: uint64(i * 100),
			Counters:        map[string]uint64{"alerts_sent": uint64(i)},
		}
		if err := m.Write(cp); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	latest, err := m.Latest()
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest == nil {
		t.Fatal("Latest returned nil")
	}
	if latest.EventsProcessed != 300 {
		t.Errorf("EventsProcessed = %d, want 300", latest.EventsProcessed)
	}
	if latest.Counters["alerts_sent"] != 3 {
		t.Errorf("Counters[alerts_sent] = %d, want 3", latest.Counters["alerts_sent"])
	}
}

func TestCheckpointRecoveryAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := CheckpointConfig{Dir: dir, Interval: 100}

	m, err := NewCheckpointManager(cfg)
	if err != nil {
		t.Fatalf("NewCheckpointManager: %v", err)
	}
	if err := m.Write(Checkpoint{EventsProcessed: 500}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	m2, err := NewCheckpointManager(cfg)
	if err != nil {
		t.Fatalf("NewCheckpointManager: %v", err)
	}
	cp, err := m2.Latest()
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if cp.EventsProcessed != 500 {
		t.Errorf("EventsProcessed = %d, want 500", cp.EventsProcessed)
	}

	// The loaded checkpoint anchors the next interval.
	if m2.Due(550) {
		t.Error("Due(550) = true after recovering checkpoint at 500")
	}
	if !m2.Due(600) {
		t.Error("Due(600) = false, want true")
	}
}

func TestCheckpointPrune(t *testing.T) {
	cfg := CheckpointConfig{Dir: t.TempDir(), Interval: 10, MaxRetained: 3}
	m, err := NewCheckpointManager(cfg)
	if err != nil {
		t.Fatalf("NewCheckpointManager: %v", err)
	}

	base := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		cp := Checkpoint{
			Timestamp:       base.Add(time.Duration(i) * time.Second),
			EventsProcessed: uint64(i * 10),
		}
		if err := m.Write(cp); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	files, err := filepath.Glob(filepath.Join(cfg.Dir, "checkpoint_*.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 3 {
		t.Errorf("got %d retained checkpoints, want 3", len(files))
	}
}
