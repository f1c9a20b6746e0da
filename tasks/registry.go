package tasks

import (
	"context"
	"sync"

	"github.com/revelium/splatlab/jobqueue"
)

// Fn runs one job. It returns nil on success; the runner finalizes the
// job's state from the return value.
type Fn func(ctx context.Context, env *Env, j *jobqueue.Job, q *jobqueue.Queue) error

// Task represents a runnable unit bound to the jobqueue.
type Task struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Fn   Fn     `json:"-"`
}

type TaskMap map[string]Task

var (
	tasksMu sync.RWMutex
	tasks   = make(TaskMap)
)

func init() {
	RegisterTask("splat", "Image to Splat Scene", splatTask)
	RegisterTask("outpaint", "Outpaint View", outpaintTask)
	RegisterTask("extend", "Extend Scene", extendTask)
	RegisterTask("cleanup", "Delete Artifacts", cleanupTask)
}

// RegisterTask adds or replaces the task with the given id.
func RegisterTask(id, name string, fn Fn) {
	tasksMu.Lock()
	defer tasksMu.Unlock()
	tasks[id] = Task{
		ID:   id,
		Name: name,
		Fn:   fn,
	}
}

// GetTasks returns a copy of the registry.
func GetTasks() TaskMap {
	tasksMu.RLock()
	defer tasksMu.RUnlock()
	out := make(TaskMap, len(tasks))
	for id, t := range tasks {
		out[id] = t
	}
	return out
}

// Lookup returns the task registered under id.
func Lookup(id string) (Task, bool) {
	tasksMu.RLock()
	defer tasksMu.RUnlock()
	t, ok := tasks[id]
	return t, ok
}
