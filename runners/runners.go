package runners

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/revelium/splatlab/jobqueue"
	"github.com/revelium/splatlab/tasks"
)

// PollInterval is how often idle runners look for claimable jobs when no
// signal arrived.
const PollInterval = 2 * time.Second

// Runners manages a pool of concurrent job runners.
type Runners struct {
	queue   *jobqueue.Queue
	env     *tasks.Env
	mu      sync.Mutex
	running int
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	jobs    sync.WaitGroup
	once    sync.Once
}

// New starts a pool that runs queued jobs against env.
func New(queue *jobqueue.Queue, env *tasks.Env) *Runners {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runners{
		queue:  queue,
		env:    env,
		ctx:    ctx,
		cancel: cancel,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-r.queue.Signal:
				r.CheckForJobs()
			case <-ticker.C:
				r.CheckForJobs()
			}
		}
	}()

	return r
}

// Running reports how many jobs are executing.
func (r *Runners) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Shutdown stops claiming new jobs and waits for running ones, up to the
// context deadline. Running jobs are cancelled when ctx expires.
func (r *Runners) Shutdown(ctx context.Context) {
	r.once.Do(func() {
		r.cancel()
		r.wg.Wait()
	})

	done := make(chan struct{})
	go func() {
		r.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("Shutdown deadline reached with %d jobs running", r.Running())
	}
}

// CheckForJobs claims and starts every job that is currently claimable.
func (r *Runners) CheckForJobs() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.ctx.Err() == nil && r.tryFetchJobAndRun() {
	}
}

// tryFetchJobAndRun starts one claimable job. Must be called with r.mu held.
func (r *Runners) tryFetchJobAndRun() bool {
	job, err := r.queue.ClaimJob()
	if err != nil || job == nil {
		return false
	}
	r.runJob(job)
	return true
}

func (r *Runners) runJob(j *jobqueue.Job) {
	r.running++
	r.jobs.Add(1)
	go func() {
		defer r.jobs.Done()
		defer func() {
			r.mu.Lock()
			r.running--
			if r.ctx.Err() == nil {
				for r.tryFetchJobAndRun() {
				}
			}
			r.mu.Unlock()
		}()

		task, exists := tasks.Lookup(j.Command)
		if !exists {
			r.queue.PushJobStdout(j.ID, "Task not found: "+j.Command)
			r.queue.ErrorJob(j.ID, fmt.Errorf("unknown task %q", j.Command))
			return
		}
		r.finish(j, r.run(task, j))
	}()
}

// run executes the task, turning a panic into an error so the backend slot
// is released.
func (r *Runners) run(task tasks.Task, j *jobqueue.Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, p)
		}
	}()
	return task.Fn(j.Ctx, r.env, j, r.queue)
}

func (r *Runners) finish(j *jobqueue.Job, err error) {
	if err == nil {
		if cErr := r.queue.CompleteJob(j.ID); cErr != nil && !errors.Is(cErr, jobqueue.ErrBadState) {
			log.Printf("Failed to complete job %s: %v", j.ID, cErr)
		}
		return
	}

	// a cancelled job was already moved out of in-progress by CancelJob
	if j.Ctx.Err() != nil {
		return
	}
	log.Printf("Job %s (%s) failed: %v", j.ID, j.Command, err)
	r.queue.PushJobStdout(j.ID, "Error: "+err.Error())
	if eErr := r.queue.ErrorJob(j.ID, err); eErr != nil && !errors.Is(eErr, jobqueue.ErrBadState) {
		log.Printf("Failed to mark job %s errored: %v", j.ID, eErr)
	}
}
