package taskstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNotFound is returned when a task has no stored summary.
var ErrNotFound = errors.New("task not found")

// FSStore persists tasks under a base directory, one subdirectory per
// task: rounds/<n>/<artifact>, events.ndjson, summary.json. The store
// assumes a single writer per task; concurrent invocations on the same
// task are the caller's responsibility to serialize.
type FSStore struct {
	base string
}

// NewFSStore creates a store rooted at base.
func NewFSStore(base string) (*FSStore, error) {
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, fmt.Errorf("creating task store dir: %w", err)
	}
	return &FSStore{base: base}, nil
}

// TaskDir returns the storage directory for a task.
func (s *FSStore) TaskDir(taskID string) string {
	return filepath.Join(s.base, taskID)
}

// CreateTask makes the task directory.
func (s *FSStore) CreateTask(taskID string) (string, error) {
	dir := s.TaskDir(taskID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating task dir: %w", err)
	}
	return dir, nil
}

// AppendRoundArtifact writes an artifact under rounds/<n>/.
func (s *FSStore) AppendRoundArtifact(taskID string, round int, name string, data []byte) error {
	dir := filepath.Join(s.TaskDir(taskID), "rounds", fmt.Sprintf("%03d", round))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating round dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		return fmt.Errorf("writing artifact %s: %w", name, err)
	}
	return nil
}

// AppendStateEvent appends one JSONL record to events.ndjson.
func (s *FSStore) AppendStateEvent(taskID string, ev StateEvent) error {
	f, err := os.OpenFile(filepath.Join(s.TaskDir(taskID), "events.ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling state event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending state event: %w", err)
	}
	return nil
}

// WriteSummary writes summary.json atomically via temp file + rename.
func (s *FSStore) WriteSummary(taskID string, summary *Summary) error {
	summary.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}

	path := filepath.Join(s.TaskDir(taskID), "summary.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming summary: %w", err)
	}
	return nil
}

// ReadSummary loads summary.json.
func (s *FSStore) ReadSummary(taskID string) (*Summary, error) {
	data, err := os.ReadFile(filepath.Join(s.TaskDir(taskID), "summary.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading summary: %w", err)
	}

	var summary Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("parsing summary: %w", err)
	}
	return &summary, nil
}

// ReadStateEvents loads the durable event log, skipping blank lines.
// Used by the logs/timeline commands; the coordinator itself keeps
// events in memory during a run.
func (s *FSStore) ReadStateEvents(taskID string) ([]StateEvent, error) {
	data, err := os.ReadFile(filepath.Join(s.TaskDir(taskID), "events.ndjson"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading event log: %w", err)
	}

	var events []StateEvent
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			if i > start {
				var ev StateEvent
				if err := json.Unmarshal(data[start:i], &ev); err == nil {
					events = append(events, ev)
				}
			}
			start = i + 1
		}
	}
	return events, nil
}

// EventLogPath returns the path to a task's durable event log.
func (s *FSStore) EventLogPath(taskID string) string {
	return filepath.Join(s.TaskDir(taskID), "events.ndjson")
}
