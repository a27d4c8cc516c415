package pipeline

import (
	"sync"

	"github.com/sitepulse/scheduler/internal/domain"
)

// ActiveTasks is the worker-local map of in-flight tasks keyed by run.
// Entries are added when a task enters initializing and removed at its
// terminal stage; runs hold counts only, so no cross-references form.
type ActiveTasks struct {
	mu    sync.RWMutex
	tasks map[string]map[string]domain.Task
}

func NewActiveTasks() *ActiveTasks {
	return &ActiveTasks{tasks: make(map[string]map[string]domain.Task)}
}

func (a *ActiveTasks) Add(task domain.Task) {
	a.mu.Lock()
	defer a.mu.Unlock()
	bySource, ok := a.tasks[task.RunID]
	if !ok {
		bySource = make(map[string]domain.Task)
		a.tasks[task.RunID] = bySource
	}
	bySource[task.SourceURL] = task
}

func (a *ActiveTasks) Remove(task domain.Task) {
	a.mu.Lock()
	defer a.mu.Unlock()
	bySource, ok := a.tasks[task.RunID]
	if !ok {
		return
	}
	delete(bySource, task.SourceURL)
	if len(bySource) == 0 {
		delete(a.tasks, task.RunID)
	}
}

func (a *ActiveTasks) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	total := 0
	for _, bySource := range a.tasks {
		total += len(bySource)
	}
	return total
}
