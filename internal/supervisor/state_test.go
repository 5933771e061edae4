package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "runtime-state.json")

	want := &runtimeState{
		PID:        4242,
		ConfigPath: "/etc/core/config.json",
		CorePath:   "/usr/local/bin/core",
		StartedAt:  time.Now().Truncate(time.Second),
	}
	if err := saveState(path, want); err != nil {
		t.Fatalf("saveState: %v", err)
	}

	got, err := loadState(path)
	if err != nil {
		t.Fatalf("loadState: %v", err)
	}
	if got == nil {
		t.Fatal("loadState returned nil for an existing file")
	}
	if got.PID != want.PID || got.ConfigPath != want.ConfigPath || got.CorePath != want.CorePath {
		t.Errorf("loaded state %+v, want %+v", got, want)
	}
	if !got.StartedAt.Equal(want.StartedAt) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, want.StartedAt)
	}
}

func TestLoadStateMissingFile(t *testing.T) {
	got, err := loadState(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("loadState on missing file: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil state for missing file, got %+v", got)
	}
}

func TestDeleteStateIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime-state.json")
	if err := saveState(path, &runtimeState{PID: 7}); err != nil {
		t.Fatalf("saveState: %v", err)
	}
	if err := deleteState(path); err != nil {
		t.Fatalf("deleteState: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("state file still present after delete")
	}
	if err := deleteState(path); err != nil {
		t.Errorf("second deleteState errored: %v", err)
	}
}
