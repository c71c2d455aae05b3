// Package tasks implements the per-project task-list store backed by
// .agent-tasks.json (SPEC_FULL.md §3, §4.3 step 4). It follows the
// teacher's general JSON-file-store idiom (read-modify-write under a
// mutex, atomic rename on save) rather than any of its domain-specific
// stores — the teacher's own internal/tasks is a cron scheduler with no
// analog here.
package tasks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/coderloop/engine/internal/chunk"
	"github.com/google/uuid"
)

// Status is a task's lifecycle state.
type Status string

const (
	Pending    Status = "pending"
	InProgress Status = "in_progress"
	Completed  Status = "completed"
)

// Task is one entry in the project task list.
type Task struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status Status `json:"status"`
}

// FileName is the conventional task-list filename inside a project directory.
const FileName = ".agent-tasks.json"

// Store persists a project's task list to FileName in the project
// directory given to NewStore.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore returns a Store rooted at projectDir.
func NewStore(projectDir string) *Store {
	return &Store{path: filepath.Join(projectDir, FileName)}
}

// Load reads the task list, returning an empty slice if the file is absent.
func (s *Store) Load() ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() ([]Task, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read task list: %w", err)
	}
	var tasks []Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("parse task list: %w", err)
	}
	return tasks, nil
}

func (s *Store) saveLocked(tasks []Task) error {
	payload, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("encode task list: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("write task list: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Materialize replaces the task list with one task per step, step 1
// in_progress and the rest pending, per the plan-approval flow.
func (s *Store) Materialize(steps []string) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make([]Task, 0, len(steps))
	for i, step := range steps {
		status := Pending
		if i == 0 {
			status = InProgress
		}
		tasks = append(tasks, Task{ID: uuid.NewString(), Title: step, Status: status})
	}
	if err := s.saveLocked(tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Update sets id's status. When status is Completed, the next Pending task
// (in list order) auto-advances to InProgress, preserving the at-most-one-
// in_progress invariant.
func (s *Store) Update(id string, status Status) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.loadLocked()
	if err != nil {
		return nil, err
	}

	found := false
	for i := range tasks {
		if tasks[i].ID == id {
			tasks[i].Status = status
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("task %q not found", id)
	}

	if status == Completed {
		for i := range tasks {
			if tasks[i].Status == Pending {
				tasks[i].Status = InProgress
				break
			}
		}
	}

	if err := s.saveLocked(tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// HasPending reports whether any task is still pending or in_progress.
func HasPending(tasks []Task) bool {
	for _, t := range tasks {
		if t.Status != Completed {
			return true
		}
	}
	return false
}

// ToChunkView converts tasks to the wire shape used by a `tasks` chunk.
func ToChunkView(tasks []Task) []chunk.TaskView {
	views := make([]chunk.TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, chunk.TaskView{ID: t.ID, Title: t.Title, Status: string(t.Status)})
	}
	return views
}
