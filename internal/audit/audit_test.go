package audit

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testTrail(t *testing.T, cfg Config) *Trail {
	t.Helper()
	cfg.Dir = t.TempDir()
	trail, err := NewTrail(cfg)
	if err != nil {
		t.Fatalf("NewTrail: %v", err)
	}
	t.Cleanup(func() { trail.Close() })
	return trail
}

func TestTrailLogAndVerify(t *testing.T) {
	trail := testTrail(t, DefaultConfig())

	actions := []string{"block_transaction", "send_alert", "flag_account"}
	for i, a := range actions {
		err := trail.Log(a, "transaction", "tx-1", map[string]any{
			"rule_id": "velocity-check",
			"index":   i,
		})
		if err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	if err := trail.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}
	if got := trail.Metrics().Written; got != 3 {
		t.Errorf("Written = %d, want 3", got)
	}
}

func TestTrailFileNaming(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	trail, err := NewTrail(cfg)
	if err != nil {
		t.Fatalf("NewTrail: %v", err)
	}
	defer trail.Close()

	if err := trail.Log("send_alert", "event", "e-1", nil); err != nil {
		t.Fatalf("Log: %v", err)
	}

	want := "audit_" + time.Now().Format("20060102") + ".log"
	if _, err := os.Stat(filepath.Join(cfg.Dir, want)); err != nil {
		t.Errorf("expected active file %s: %v", want, err)
	}
}

func TestTrailChainLinksEntries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	trail, err := NewTrail(cfg)
	if err != nil {
		t.Fatalf("NewTrail: %v", err)
	}
	defer trail.Close()

	for i := 0; i < 3; i++ {
		if err := trail.Log("send_alert", "event", "e-1", nil); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	path := filepath.Join(cfg.Dir, activeFilename(time.Now()))
	entries, err := readEntries(path)
	if err != nil {
		t.Fatalf("readEntries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}

	if entries[0].PreviousChecksum != genesisChecksum() {
		t.Error("first entry not anchored to genesis checksum")
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PreviousChecksum != entries[i-1].Checksum {
			t.Errorf("entry %d not chained to entry %d", i, i-1)
		}
	}
	for i, e := range entries {
		if len(e.Checksum) != checksumLen {
			t.Errorf("entry %d checksum length = %d, want %d", i, len(e.Checksum), checksumLen)
		}
	}
}

func TestTrailDetectsTampering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	trail, err := NewTrail(cfg)
	if err != nil {
		t.Fatalf("NewTrail: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := trail.Log("block_transaction", "transaction", "tx-9", map[string]any{
			"amount": 120.50,
		}); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}
	trail.Close()

	path := filepath.Join(cfg.Dir, activeFilename(time.Now()))

	t.Run("modified line", func(t *testing.T) {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		tampered := strings.Replace(string(data), "tx-9", "tx-X", 1)
		if err := os.WriteFile(path, []byte(tampered), 0o600); err != nil {
			t.Fatal(err)
		}

		trail2, err := NewTrail(cfg)
		if err != nil {
			t.Fatalf("NewTrail: %v", err)
		}
		defer trail2.Close()

		if err := trail2.Verify(); !errors.Is(err, ErrChecksumMismatch) {
			t.Errorf("Verify = %v, want ErrChecksumMismatch", err)
		}

		// Restore for the next subtest.
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("deleted line", func(t *testing.T) {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		lines := strings.SplitAfter(string(data), "\n")
		truncated := lines[0] + lines[2]
		if err := os.WriteFile(path, []byte(truncated), 0o600); err != nil {
			t.Fatal(err)
		}

		trail2, err := NewTrail(cfg)
		if err != nil {
			t.Fatalf("NewTrail: %v", err)
		}
		defer trail2.Close()

		err = trail2.Verify()
		if !errors.Is(err, ErrChainBroken) && !errors.Is(err, ErrSequenceGap) {
			t.Errorf("Verify = %v, want chain or sequence error", err)
		}
	})
}

func TestTrailRotation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.MaxFileSize = 200
	cfg.CompressRotated = false
	trail, err := NewTrail(cfg)
	if err != nil {
		t.Fatalf("NewTrail: %v", err)
	}
	defer trail.Close()

	var rotated []string
	trail.SetRotateHook(func(path string) { rotated = append(rotated, path) })

	for i := 0; i < 10; i++ {
		if err := trail.Log("send_alert", "event", "e-1", map[string]any{
			"padding": strings.Repeat("x", 50),
		}); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	if len(rotated) == 0 {
		t.Fatal("expected at least one rotation")
	}
	for _, path := range rotated {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("rotated file missing: %v", err)
		}
		if _, err := os.Stat(path + ".sha256"); err != nil {
			t.Errorf("checksum sidecar missing for %s: %v", path, err)
		}
	}

	// The chain must survive rotation.
	if err := trail.Verify(); err != nil {
		t.Errorf("Verify after rotation: %v", err)
	}
}

func TestTrailRotationCompressed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.MaxFileSize = 200
	cfg.CompressRotated = true
	trail, err := NewTrail(cfg)
	if err != nil {
		t.Fatalf("NewTrail: %v", err)
	}
	defer trail.Close()

	var rotated []string
	trail.SetRotateHook(func(path string) { rotated = append(rotated, path) })

	for i := 0; i < 10; i++ {
		if err := trail.Log("send_alert", "event", "e-1", map[string]any{
			"padding": strings.Repeat("x", 50),
		}); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	if len(rotated) == 0 {
		t.Fatal("expected at least one rotation")
	}
	for _, path := range rotated {
		if !strings.HasSuffix(path, ".gz") {
			t.Errorf("rotated file %s not compressed", path)
		}
	}

	if err := trail.Verify(); err != nil {
		t.Errorf("Verify with compressed files: %v", err)
	}
}

func TestTrailRecoversStateAcrossRestart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()

	trail, err := NewTrail(cfg)
	if err != nil {
		t.Fatalf("NewTrail: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := trail.Log("flag_account", "account", "a-1", nil); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}
	trail.Close()

	trail2, err := NewTrail(cfg)
	if err != nil {
		t.Fatalf("NewTrail after restart: %v", err)
	}
	defer trail2.Close()

	if err := trail2.Log("flag_account", "account", "a-2", nil); err != nil {
		t.Fatalf("Log after restart: %v", err)
	}

	// The new entry must continue both the sequence and the chain.
	if err := trail2.Verify(); err != nil {
		t.Errorf("Verify across restart: %v", err)
	}
}

func TestTrailClosed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	trail, err := NewTrail(cfg)
	if err != nil {
		t.Fatalf("NewTrail: %v", err)
	}
	trail.Close()

	if err := trail.Log("send_alert", "event", "e-1", nil); !errors.Is(err, ErrTrailClosed) {
		t.Errorf("Log after Close = %v, want ErrTrailClosed", err)
	}
}
