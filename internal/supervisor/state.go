package supervisor

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// runtimeState is persisted after every successful start/stop so a restarted
// daemon can recognize (and clean up) a core process it lost track of.
type runtimeState struct {
	PID        int       `json:"pid"`
	ConfigPath string    `json:"config_path"`
	CorePath   string    `json:"core_path"`
	StartedAt  time.Time `json:"started_at,omitempty"`
}

func defaultStatePath() string {
	base, err := os.UserConfigDir()
	if err != nil || base == "" {
		base = "."
	}
	return filepath.Join(base, "CoreWarden", "runtime-state.json")
}

func loadState(path string) (*runtimeState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var s runtimeState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func saveState(path string, s *runtimeState) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func deleteState(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
