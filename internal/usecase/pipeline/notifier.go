package pipeline

import (
	"log/slog"
	"sync"

	"researchd/internal/domain"
)

// ProgressFunc observes a task advancing. percent is the completion
// percentage after the reported stage change.
type ProgressFunc func(taskID string, stage domain.Stage, percent float64)

// CompletionFunc observes a task reaching a terminal state. The task
// value is a snapshot; mutating it has no effect on the engine.
type CompletionFunc func(task domain.Task)

// Notifier fans task lifecycle updates out to registered observers.
// Observers can watch one task or every task. A panicking observer is
// logged and skipped; it never takes the pipeline down with it.
type Notifier struct {
	mu sync.Mutex

	progress   map[string][]ProgressFunc
	completion map[string][]CompletionFunc

	allProgress   []ProgressFunc
	allCompletion []CompletionFunc

	// done marks tasks whose completion already fired. Completion is
	// delivered exactly once per task.
	done map[string]bool

	logger *slog.Logger
}

func NewNotifier(logger *slog.Logger) *Notifier {
	return &Notifier{
		progress:   make(map[string][]ProgressFunc),
		completion: make(map[string][]CompletionFunc),
		done:       make(map[string]bool),
		logger:     logger,
	}
}

// OnProgress registers a progress observer for one task.
func (n *Notifier) OnProgress(taskID string, fn ProgressFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress[taskID] = append(n.progress[taskID], fn)
}

// OnCompletion registers a completion observer for one task.
func (n *Notifier) OnCompletion(taskID string, fn CompletionFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completion[taskID] = append(n.completion[taskID], fn)
}

// OnAnyProgress registers a progress observer for every task.
func (n *Notifier) OnAnyProgress(fn ProgressFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.allProgress = append(n.allProgress, fn)
}

// OnAnyCompletion registers a completion observer for every task.
func (n *Notifier) OnAnyCompletion(fn CompletionFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.allCompletion = append(n.allCompletion, fn)
}

// NotifyProgress delivers a progress update to the task's observers
// and the global observers.
func (n *Notifier) NotifyProgress(taskID string, stage domain.Stage, percent float64) {
	n.mu.Lock()
	fns := make([]ProgressFunc, 0, len(n.progress[taskID])+len(n.allProgress))
	fns = append(fns, n.progress[taskID]...)
	fns = append(fns, n.allProgress...)
	n.mu.Unlock()

	for _, fn := range fns {
		n.invokeProgress(fn, taskID, stage, percent)
	}
}

// NotifyCompletion delivers the terminal snapshot exactly once and
// drops the task's scoped observers afterwards.
func (n *Notifier) NotifyCompletion(task domain.Task) {
	n.mu.Lock()
	if n.done[task.ID] {
		n.mu.Unlock()
		return
	}
	n.done[task.ID] = true
	fns := make([]CompletionFunc, 0, len(n.completion[task.ID])+len(n.allCompletion))
	fns = append(fns, n.completion[task.ID]...)
	fns = append(fns, n.allCompletion...)
	delete(n.completion, task.ID)
	delete(n.progress, task.ID)
	n.mu.Unlock()

	for _, fn := range fns {
		n.invokeCompletion(fn, task)
	}
}

func (n *Notifier) invokeProgress(fn ProgressFunc, taskID string, stage domain.Stage, percent float64) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("progress observer panicked", "task_id", taskID, "panic", r)
		}
	}()
	fn(taskID, stage, percent)
}

func (n *Notifier) invokeCompletion(fn CompletionFunc, task domain.Task) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("completion observer panicked", "task_id", task.ID, "panic", r)
		}
	}()
	fn(task)
}
