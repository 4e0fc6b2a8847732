package scheduler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// storeFile is the persisted shape. Earlier releases wrote a bare array
// of one-time tasks; load accepts both.
type storeFile struct {
	Tasks          []*Task          `json:"tasks"`
	RecurringTasks []*RecurringTask `json:"recurringTasks"`
}

func (s *Scheduler) load() error {
	if s.storePath == "" {
		return nil
	}
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read schedule store: %w", err)
	}

	var file storeFile
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("[")) {
		// Legacy format: bare task array.
		if err := json.Unmarshal(data, &file.Tasks); err != nil {
			slog.Warn("schedule store unreadable, starting empty", "path", s.storePath, "error", err)
			return nil
		}
	} else if err := json.Unmarshal(data, &file); err != nil {
		slog.Warn("schedule store unreadable, starting empty", "path", s.storePath, "error", err)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range file.Tasks {
		if task.ID == "" {
			continue
		}
		s.tasks[task.ID] = task
	}
	for _, rec := range file.RecurringTasks {
		if rec.ID == "" {
			continue
		}
		s.recurring[rec.ID] = rec
	}
	return nil
}

// saveLocked persists the current state via temp-file-plus-rename. Save
// failures are logged, never fatal: the in-memory schedule keeps working.
func (s *Scheduler) saveLocked() {
	if s.storePath == "" {
		return
	}

	file := storeFile{
		Tasks:          make([]*Task, 0, len(s.tasks)),
		RecurringTasks: make([]*RecurringTask, 0, len(s.recurring)),
	}
	for _, task := range s.tasks {
		file.Tasks = append(file.Tasks, task)
	}
	for _, rec := range s.recurring {
		file.RecurringTasks = append(file.RecurringTasks, rec)
	}
	sort.Slice(file.Tasks, func(i, j int) bool { return file.Tasks[i].CreatedAt.Before(file.Tasks[j].CreatedAt) })
	sort.Slice(file.RecurringTasks, func(i, j int) bool {
		return file.RecurringTasks[i].CreatedAt.Before(file.RecurringTasks[j].CreatedAt)
	})

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		slog.Warn("schedule store marshal failed", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.storePath), 0o755); err != nil {
		slog.Warn("schedule store dir failed", "error", err)
		return
	}
	tmp := s.storePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		slog.Warn("schedule store write failed", "error", err)
		return
	}
	if err := os.Rename(tmp, s.storePath); err != nil {
		slog.Warn("schedule store rename failed", "error", err)
	}
}
