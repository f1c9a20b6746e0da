package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/revelium/splatlab/stream"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobExists   = errors.New("job with given ID already exists")
	ErrBadState    = errors.New("job is not in a valid state for this operation")
)

// Backends a job can be throttled against.
const (
	BackendModal     = "modal"
	BackendReplicate = "replicate"
	BackendLocal     = "local"
)

// JobState represents the current state of a job in the queue.
type JobState int

const (
	StatePending JobState = iota
	StateInProgress
	StateCompleted
	StateCancelled
	StateError
)

func (s JobState) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateInProgress:
		return "InProgress"
	case StateCompleted:
		return "Completed"
	case StateCancelled:
		return "Cancelled"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the job will not change state again.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateError
}

// MarshalJSON serializes JobState as a lowercase string for JSON.
func (s JobState) MarshalJSON() ([]byte, error) {
	var str string
	switch s {
	case StatePending:
		str = "pending"
	case StateInProgress:
		str = "in_progress"
	case StateCompleted:
		str = "completed"
	case StateCancelled:
		str = "cancelled"
	case StateError:
		str = "error"
	default:
		str = "unknown"
	}
	return json.Marshal(str)
}

// UnmarshalJSON deserializes JobState from a string.
func (s *JobState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	switch str {
	case "in_progress":
		*s = StateInProgress
	case "completed":
		*s = StateCompleted
	case "cancelled":
		*s = StateCancelled
	case "error":
		*s = StateError
	default:
		*s = StatePending
	}
	return nil
}

// Job is one unit of work. Input is the task's JSON payload and Result is
// whatever the task reported on success.
type Job struct {
	ID           string             `json:"id"`
	Command      string             `json:"command"`
	Input        string             `json:"input"`
	Backend      string             `json:"backend"`
	Stdout       []string           `json:"-"`
	Result       json.RawMessage    `json:"result,omitempty"`
	Error        string             `json:"error,omitempty"`
	Dependencies []string           `json:"dependencies"`
	State        JobState           `json:"state"`
	Ctx          context.Context    `json:"-"`
	Cancel       context.CancelFunc `json:"-"`

	CreatedAt   time.Time `json:"created_at"`
	ClaimedAt   time.Time `json:"claimed_at"`
	CompletedAt time.Time `json:"completed_at"`
	ErroredAt   time.Time `json:"errored_at"`
}

// Queue is a thread-safe structure that manages Jobs with dependencies.
type Queue struct {
	mu            sync.Mutex
	Jobs          map[string]*Job
	JobOrder      []string
	Signal        chan string
	Db            *sql.DB
	BackendLimits map[string]int
	RunningCounts map[string]int
}

// NewQueue returns an in-memory queue.
func NewQueue() *Queue {
	return &Queue{
		Jobs:          make(map[string]*Job),
		Signal:        make(chan string, 100),
		BackendLimits: make(map[string]int),
		RunningCounts: make(map[string]int),
	}
}

// NewQueueWithDB returns a queue persisted to db, reloading any saved jobs.
// Jobs that were in progress when the process stopped go back to pending.
func NewQueueWithDB(db *sql.DB) *Queue {
	q := NewQueue()
	q.Db = db

	if err := q.createJobsTable(); err != nil {
		log.Printf("Failed to create jobs table: %v", err)
	}
	if err := q.loadJobsFromDB(); err != nil {
		log.Printf("Failed to load jobs from database: %v", err)
	}
	return q
}

func (q *Queue) createJobsTable() error {
	_, err := q.Db.Exec(`
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		input TEXT,
		stdout TEXT, -- JSON array
		dependencies TEXT, -- JSON array
		state INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		claimed_at DATETIME,
		completed_at DATETIME,
		errored_at DATETIME,
		job_order_position INTEGER
	)`)
	if err != nil {
		return err
	}

	_, _ = q.Db.Exec("ALTER TABLE jobs ADD COLUMN backend TEXT")
	_, _ = q.Db.Exec("ALTER TABLE jobs ADD COLUMN result TEXT")
	_, _ = q.Db.Exec("ALTER TABLE jobs ADD COLUMN error TEXT")
	return nil
}

func (q *Queue) saveJobToDB(job *Job) error {
	if q.Db == nil {
		return nil
	}

	stdoutJSON, _ := json.Marshal(job.Stdout)
	dependenciesJSON, _ := json.Marshal(job.Dependencies)

	position := -1
	for i, id := range q.JobOrder {
		if id == job.ID {
			position = i
			break
		}
	}

	_, err := q.Db.Exec(`
	INSERT OR REPLACE INTO jobs (
		id, command, input, backend, stdout, result, error, dependencies, state,
		created_at, claimed_at, completed_at, errored_at, job_order_position
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.Command,
		job.Input,
		job.Backend,
		string(stdoutJSON),
		string(job.Result),
		job.Error,
		string(dependenciesJSON),
		int(job.State),
		job.CreatedAt,
		job.ClaimedAt,
		job.CompletedAt,
		job.ErroredAt,
		position,
	)
	return err
}

func (q *Queue) loadJobsFromDB() error {
	if q.Db == nil {
		return nil
	}

	rows, err := q.Db.Query(`
	SELECT id, command, COALESCE(input, ''), COALESCE(backend, ''), COALESCE(stdout, '[]'),
		COALESCE(result, ''), COALESCE(error, ''), COALESCE(dependencies, '[]'), state,
		created_at, claimed_at, completed_at, errored_at
	FROM jobs
	ORDER BY job_order_position`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var resumed []string
	for rows.Next() {
		var job Job
		var stdoutJSON, resultJSON, dependenciesJSON string
		var state int

		err := rows.Scan(
			&job.ID,
			&job.Command,
			&job.Input,
			&job.Backend,
			&stdoutJSON,
			&resultJSON,
			&job.Error,
			&dependenciesJSON,
			&state,
			&job.CreatedAt,
			&job.ClaimedAt,
			&job.CompletedAt,
			&job.ErroredAt,
		)
		if err != nil {
			log.Printf("Error scanning job row: %v", err)
			continue
		}

		if err := json.Unmarshal([]byte(stdoutJSON), &job.Stdout); err != nil {
			job.Stdout = []string{}
		}
		if err := json.Unmarshal([]byte(dependenciesJSON), &job.Dependencies); err != nil {
			job.Dependencies = []string{}
		}
		if resultJSON != "" {
			job.Result = json.RawMessage(resultJSON)
		}
		if job.Backend == "" {
			job.Backend = BackendFor(job.Command)
		}

		job.State = JobState(state)
		if job.State == StateInProgress {
			job.State = StatePending
			job.ClaimedAt = time.Time{}
			resumed = append(resumed, job.ID)
		}

		job.Ctx, job.Cancel = context.WithCancel(context.Background())
		q.Jobs[job.ID] = &job
		q.JobOrder = append(q.JobOrder, job.ID)
	}

	if len(resumed) > 0 {
		log.Printf("Resumed %d jobs that were in progress: %v", len(resumed), resumed)
		for _, id := range resumed {
			select {
			case q.Signal <- id:
			default:
			}
		}
	}
	return rows.Err()
}

func (q *Queue) removeJobFromDB(jobID string) error {
	if q.Db == nil {
		return nil
	}
	_, err := q.Db.Exec("DELETE FROM jobs WHERE id = ?", jobID)
	return err
}

// SaveAllJobsToDB writes every job to the database. Called on shutdown.
func (q *Queue) SaveAllJobsToDB() error {
	if q.Db == nil {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, job := range q.Jobs {
		if err := q.saveJobToDB(job); err != nil {
			log.Printf("Failed to save job %s to database: %v", job.ID, err)
		}
	}
	return nil
}

// signal wakes a runner without blocking when the channel is full; runners
// also poll.
func (q *Queue) signal(id string) {
	select {
	case q.Signal <- id:
	default:
	}
}

// AddJob queues command with its JSON input. An empty id gets a fresh UUID.
func (q *Queue) AddJob(id, command, input string, dependencies []string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := q.Jobs[id]; exists {
		return "", ErrJobExists
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:           id,
		Command:      command,
		Input:        input,
		Backend:      BackendFor(command),
		Dependencies: dependencies,
		State:        StatePending,
		Ctx:          ctx,
		Cancel:       cancel,
		CreatedAt:    time.Now(),
	}
	q.Jobs[id] = job
	q.JobOrder = append(q.JobOrder, id)

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job to database: %v", err)
	}

	q.signal(id)
	publishListUpdate("create", job)
	return id, nil
}

// CopyJob queues a fresh pending copy of an existing job.
func (q *Queue) CopyJob(id string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return "", ErrJobNotFound
	}

	ctx, cancel := context.WithCancel(context.Background())
	newJob := *job
	newJob.ID = uuid.NewString()
	newJob.Stdout = []string{}
	newJob.Result = nil
	newJob.Error = ""
	newJob.State = StatePending
	newJob.CreatedAt = time.Now()
	newJob.ClaimedAt = time.Time{}
	newJob.CompletedAt = time.Time{}
	newJob.ErroredAt = time.Time{}
	newJob.Ctx = ctx
	newJob.Cancel = cancel

	q.Jobs[newJob.ID] = &newJob
	q.JobOrder = append(q.JobOrder, newJob.ID)

	if err := q.saveJobToDB(&newJob); err != nil {
		log.Printf("Failed to save copied job to database: %v", err)
	}

	q.signal(newJob.ID)
	publishListUpdate("create", &newJob)
	return newJob.ID, nil
}

// ClaimJob returns the oldest pending job whose dependencies have completed
// and whose backend is under its concurrency limit, marking it in progress.
// It returns nil when nothing is claimable.
func (q *Queue) ClaimJob() (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, jobID := range q.JobOrder {
		job := q.Jobs[jobID]
		if job.State != StatePending {
			continue
		}
		if dep, ok := q.failedDependency(job); ok {
			q.failLocked(job, dep)
			continue
		}
		if !q.canClaim(job) {
			continue
		}
		if q.RunningCounts[job.Backend] >= q.backendLimitLocked(job.Backend) {
			continue
		}

		job.State = StateInProgress
		job.ClaimedAt = time.Now()
		q.RunningCounts[job.Backend]++

		if err := q.saveJobToDB(job); err != nil {
			log.Printf("Failed to save job state to database: %v", err)
		}
		publishListUpdate("update", job)
		return job, nil
	}
	return nil, nil
}

// canClaim reports whether every dependency has completed. A missing
// dependency blocks the job until it is cancelled.
func (q *Queue) canClaim(job *Job) bool {
	for _, dep := range job.Dependencies {
		depJob, exists := q.Jobs[dep]
		if !exists || depJob.State != StateCompleted {
			return false
		}
	}
	return true
}

// failedDependency returns the first dependency that errored or was
// cancelled.
func (q *Queue) failedDependency(job *Job) (*Job, bool) {
	for _, dep := range job.Dependencies {
		if depJob, ok := q.Jobs[dep]; ok && (depJob.State == StateError || depJob.State == StateCancelled) {
			return depJob, true
		}
	}
	return nil, false
}

// failLocked moves a pending job to the error state because dep ended
// without completing, then does the same for the job's own dependents.
func (q *Queue) failLocked(job, dep *Job) {
	job.Cancel()
	job.State = StateError
	job.ErroredAt = time.Now()
	job.Error = fmt.Sprintf("dependency %s %s", dep.ID, failVerb(dep.State))

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job error state to database: %v", err)
	}
	publishListUpdate("update", job)
	q.failDependentsLocked(job)
}

// failDependentsLocked fails every pending job that depends on dep.
func (q *Queue) failDependentsLocked(dep *Job) {
	for _, id := range q.JobOrder {
		job := q.Jobs[id]
		if job.State == StatePending && slices.Contains(job.Dependencies, dep.ID) {
			q.failLocked(job, dep)
		}
	}
}

func failVerb(s JobState) string {
	if s == StateCancelled {
		return "was cancelled"
	}
	return "failed"
}

// ErrorJob moves an in-progress job to the error state, recording cause.
func (q *Queue) ErrorJob(id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if job.State != StateInProgress {
		return fmt.Errorf("%w: cannot error a %s job", ErrBadState, job.State)
	}

	job.State = StateError
	job.ErroredAt = time.Now()
	if cause != nil {
		job.Error = cause.Error()
	}
	q.RunningCounts[job.Backend]--

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job error state to database: %v", err)
	}
	publishListUpdate("update", job)
	q.failDependentsLocked(job)
	return nil
}

// CancelJob cancels a pending or in-progress job and its context.
func (q *Queue) CancelJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if job.State != StatePending && job.State != StateInProgress {
		return fmt.Errorf("%w: cannot cancel a %s job", ErrBadState, job.State)
	}
	job.Cancel()

	if job.State == StateInProgress {
		q.RunningCounts[job.Backend]--
	}
	job.State = StateCancelled

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job cancellation to database: %v", err)
	}
	publishListUpdate("update", job)
	q.failDependentsLocked(job)
	return nil
}

// PushJobStdout appends a progress line to the job and streams it.
func (q *Queue) PushJobStdout(id string, line string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	job.Stdout = append(job.Stdout, line)

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job stdout to database: %v", err)
	}
	stream.Publish("stdout-"+id, stdoutEvent{UpdateType: "stdout", Line: line})
	return nil
}

// SetResult stores v as the job's JSON result.
func (q *Queue) SetResult(id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	job.Result = data
	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job result to database: %v", err)
	}
	return nil
}

// CompleteJob marks an in-progress job completed and wakes runners waiting
// on it as a dependency.
func (q *Queue) CompleteJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if job.State != StateInProgress {
		return fmt.Errorf("%w: cannot complete a %s job", ErrBadState, job.State)
	}

	job.State = StateCompleted
	job.CompletedAt = time.Now()
	q.RunningCounts[job.Backend]--

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job completion to database: %v", err)
	}
	publishListUpdate("update", job)
	q.signal(id)
	return nil
}

// GetJobs returns a snapshot of all jobs, newest first.
func (q *Queue) GetJobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := make([]Job, 0, len(q.JobOrder))
	for i := len(q.JobOrder) - 1; i >= 0; i-- {
		jobs = append(jobs, q.snapshot(q.Jobs[q.JobOrder[i]]))
	}
	return jobs
}

// GetJob returns the live job or nil.
func (q *Queue) GetJob(id string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.Jobs[id]
}

// Snapshot returns a copy of the job safe to read without the lock.
func (q *Queue) Snapshot(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.Jobs[id]
	if !ok {
		return Job{}, false
	}
	return q.snapshot(job), true
}

func (q *Queue) snapshot(job *Job) Job {
	c := *job
	c.Stdout = append([]string(nil), job.Stdout...)
	c.Dependencies = append([]string(nil), job.Dependencies...)
	return c
}

// RemoveJob deletes a job, cancelling it first if it is still running.
func (q *Queue) RemoveJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if job.State == StateInProgress {
		job.Cancel()
		q.RunningCounts[job.Backend]--
	}
	q.removeLocked(id)
	return nil
}

func (q *Queue) removeLocked(id string) {
	delete(q.Jobs, id)
	for i, jobID := range q.JobOrder {
		if jobID == id {
			q.JobOrder = append(q.JobOrder[:i], q.JobOrder[i+1:]...)
			break
		}
	}
	if err := q.removeJobFromDB(id); err != nil {
		log.Printf("Failed to remove job %s from database: %v", id, err)
	}
	publishListUpdate("delete", &Job{ID: id})
}

// ClearNonRunningJobs removes every job that is not in progress and returns
// how many were removed.
func (q *Queue) ClearNonRunningJobs() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	var remove []string
	for _, id := range q.JobOrder {
		if q.Jobs[id].State != StateInProgress {
			remove = append(remove, id)
		}
	}
	for _, id := range remove {
		q.removeLocked(id)
	}
	return len(remove)
}

// Stats counts jobs by state and running jobs by backend.
type Stats struct {
	States  map[string]int `json:"states"`
	Running map[string]int `json:"running"`
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{States: map[string]int{}, Running: map[string]int{}}
	for _, job := range q.Jobs {
		key, _ := job.State.MarshalJSON()
		s.States[string(key[1:len(key)-1])]++
	}
	for backend, n := range q.RunningCounts {
		s.Running[backend] = n
	}
	return s
}

type listEvent struct {
	UpdateType string `json:"updateType"`
	Job        Job    `json:"job"`
}

type stdoutEvent struct {
	UpdateType string `json:"updateType"`
	Line       string `json:"line"`
}

// publishListUpdate streams a job change. Must be called with q.mu held.
func publishListUpdate(updateType string, job *Job) {
	ev := listEvent{UpdateType: updateType, Job: *job}
	ev.Job.Stdout = nil
	stream.Publish(updateType, ev)
}

// BackendFor maps a command to the backend whose limit it counts against.
func BackendFor(command string) string {
	switch command {
	case "splat":
		return BackendModal
	case "outpaint", "extend":
		return BackendReplicate
	default:
		return BackendLocal
	}
}

func (q *Queue) backendLimitLocked(backend string) int {
	if limit, ok := q.BackendLimits[backend]; ok && limit > 0 {
		return limit
	}
	return 1
}

// SetBackendLimit sets how many jobs of backend may run at once.
func (q *Queue) SetBackendLimit(backend string, limit int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.BackendLimits[backend] = limit
}
