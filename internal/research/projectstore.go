package research

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// statePath returns the on-disk path of a project's manager state file.
func statePath(projectRoot string) string {
	return filepath.Join(projectRoot, "manager", "state.json")
}

// loadProjectState reads projectRoot's manager/state.json, or returns
// os.ErrNotExist if the file doesn't exist yet.
func loadProjectState(projectRoot string) (*ProjectState, error) {
	data, err := os.ReadFile(statePath(projectRoot)) //nolint:gosec // operator-controlled project directory, not user input.
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("research: read project state: %w", err)
	}
	ps := &ProjectState{}
	if err := json.Unmarshal(data, ps); err != nil {
		return nil, fmt.Errorf("research: parse project state: %w", err)
	}
	return ps, nil
}

// saveProjectState atomically replaces projectRoot's manager/state.json
// via temp-file-then-rename, mirroring internal/state.Store.save.
func saveProjectState(projectRoot string, ps *ProjectState) error {
	data, err := json.MarshalIndent(ps, "", "  ")
	if err != nil {
		return fmt.Errorf("research: marshal project state: %w", err)
	}
	path := statePath(projectRoot)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("research: create manager dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json.tmp")
	if err != nil {
		return fmt.Errorf("research: create temp project state: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // best effort; rename below removes it on success.

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("research: write temp project state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("research: close temp project state: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("research: rename temp project state: %w", err)
	}
	return nil
}
