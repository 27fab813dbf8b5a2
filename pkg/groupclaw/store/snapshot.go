// Package store – snapshot.go writes the group/task snapshot the main
// group's sandbox reads to know what exists. Rewritten on startup,
// after registration changes, and on refresh_groups.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Snapshot is the JSON document exposed to the main group's sandbox.
type Snapshot struct {
	GeneratedAt time.Time `json:"generatedAt"`
	Groups      []*Group  `json:"groups"`
	Tasks       []*Task   `json:"tasks"`
}

// WriteSnapshot collects groups and tasks and writes the snapshot
// file atomically.
func WriteSnapshot(s Store, path string) error {
	groups, err := s.AllGroups()
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	tasks, err := s.AllTasks()
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	snap := Snapshot{GeneratedAt: time.Now(), Groups: groups, Tasks: tasks}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
