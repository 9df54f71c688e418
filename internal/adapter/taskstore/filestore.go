package taskstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"researchd/internal/domain"
)

const maxStoredTasks = 500

// FileStore implements domain.TaskStore with JSON file persistence.
// Terminal task results stay retrievable across restarts.
type FileStore struct {
	dir   string
	mu    sync.RWMutex
	tasks map[string]domain.Task
}

// NewFileStore creates a new file-backed task store.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("taskstore: create dir: %w", err)
	}

	s := &FileStore{
		dir:   dir,
		tasks: make(map[string]domain.Task),
	}

	if err := s.load(); err != nil {
		return nil, fmt.Errorf("taskstore: load: %w", err)
	}

	return s, nil
}

func (s *FileStore) Save(_ context.Context, task domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[task.ID] = task

	// Evict oldest terminal tasks if over limit.
	if len(s.tasks) > maxStoredTasks {
		s.evictOldest()
	}

	return s.persist()
}

func (s *FileStore) Get(_ context.Context, id string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("taskstore: task %q: %w", id, domain.ErrTaskNotFound)
	}
	return &task, nil
}

func (s *FileStore) List(_ context.Context, limit int) ([]domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt) // newest first
	})

	if limit > 0 && limit < len(tasks) {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

func (s *FileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("taskstore: task %q: %w", id, domain.ErrTaskNotFound)
	}
	delete(s.tasks, id)
	return s.persist()
}

// --- persistence ---

func (s *FileStore) tasksPath() string {
	return filepath.Join(s.dir, "tasks.json")
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.tasksPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return domain.WrapOp("read", err)
	}

	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return fmt.Errorf("parse tasks.json: %w", err)
	}
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return nil
}

func (s *FileStore) persist() error {
	tasks := make([]domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	return writeJSON(s.tasksPath(), tasks)
}

// evictOldest removes the oldest terminal tasks until count is within
// the limit. Running tasks are never evicted.
func (s *FileStore) evictOldest() {
	type entry struct {
		id string
		t  domain.Task
	}
	var candidates []entry
	for id, t := range s.tasks {
		if t.Terminal() {
			candidates = append(candidates, entry{id, t})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].t.CreatedAt.Before(candidates[j].t.CreatedAt)
	})
	for _, c := range candidates {
		if len(s.tasks) <= maxStoredTasks {
			break
		}
		delete(s.tasks, c.id)
	}
}

// writeJSON atomically writes v as indented JSON to path.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return domain.WrapOp("marshal", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return domain.WrapOp("write", err)
	}
	return os.Rename(tmp, path)
}
