// Package jobqueue manages the persistent queue of frame-processing jobs:
// conversions, denoise passes, correction runs, and ingest scans. Jobs are
// persisted to sqlite so an interrupted batch resumes after restart, and
// every state change is published to the event stream.
package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumonic/xframe/stream"
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
	case "pending":
		*s = StatePending
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

// Job is one unit of frame processing: a task name plus the input frame
// path and task arguments. Output records where the task wrote its
// result.
type Job struct {
	ID           string             `json:"id"`
	Task         string             `json:"task"`
	Input        string             `json:"input"`
	Output       string             `json:"output"`
	Args         []string           `json:"args"`
	Lane         string             `json:"lane"`
	Stdout       []string           `json:"-"`
	Dependencies []string           `json:"dependencies"`
	State        JobState           `json:"state"`
	Ctx          context.Context    `json:"-"`
	Cancel       context.CancelFunc `json:"-"`

	CreatedAt   time.Time `json:"created_at"`
	ClaimedAt   time.Time `json:"claimed_at"`
	CompletedAt time.Time `json:"completed_at"`
	ErroredAt   time.Time `json:"errored_at"`
}

// Queue is a thread-safe FIFO of Jobs with dependencies and per-lane
// concurrency limits.
type Queue struct {
	mu            sync.Mutex
	Jobs          map[string]*Job
	JobOrder      []string // order in which jobs were added
	Signal        chan string
	Db            *sql.DB // database connection for persistence
	LaneLimits    map[string]int
	RunningCounts map[string]int
}

// NewQueue initializes an in-memory queue without persistence.
func NewQueue() *Queue {
	return &Queue{
		Jobs:          make(map[string]*Job),
		Signal:        make(chan string, 100),
		LaneLimits:    make(map[string]int),
		RunningCounts: make(map[string]int),
	}
}

// NewQueueWithDB initializes a queue persisted to db, loading any jobs a
// previous run left behind.
func NewQueueWithDB(db *sql.DB) *Queue {
	q := &Queue{
		Jobs:          make(map[string]*Job),
		Signal:        make(chan string, 100),
		Db:            db,
		LaneLimits:    make(map[string]int),
		RunningCounts: make(map[string]int),
	}

	if err := q.createJobsTable(); err != nil {
		log.Printf("Failed to create jobs table: %v", err)
	}
	if err := q.loadJobsFromDB(); err != nil {
		log.Printf("Failed to load jobs from database: %v", err)
	}

	return q
}

func (q *Queue) createJobsTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		task TEXT NOT NULL,
		input TEXT,
		output TEXT,
		args TEXT, -- JSON array
		lane TEXT,
		stdout TEXT, -- JSON array
		dependencies TEXT, -- JSON array
		state INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		claimed_at DATETIME,
		completed_at DATETIME,
		errored_at DATETIME,
		job_order_position INTEGER
	)`

	_, err := q.Db.Exec(query)
	return err
}

func (q *Queue) saveJobToDB(job *Job) error {
	if q.Db == nil {
		return nil
	}

	argsJSON, _ := json.Marshal(job.Args)
	stdoutJSON, _ := json.Marshal(job.Stdout)
	dependenciesJSON, _ := json.Marshal(job.Dependencies)

	position := -1
	for i, id := range q.JobOrder {
		if id == job.ID {
			position = i
			break
		}
	}

	query := `
	INSERT OR REPLACE INTO jobs (
		id, task, input, output, args, lane, stdout, dependencies, state,
		created_at, claimed_at, completed_at, errored_at, job_order_position
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := q.Db.Exec(query,
		job.ID,
		job.Task,
		job.Input,
		job.Output,
		string(argsJSON),
		job.Lane,
		string(stdoutJSON),
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

	query := `
	SELECT id, task, input, COALESCE(output, ''), args, COALESCE(lane, ''), stdout, dependencies, state,
		   created_at, claimed_at, completed_at, errored_at, job_order_position
	FROM jobs
	ORDER BY job_order_position`

	rows, err := q.Db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	var resumedJobs []string

	for rows.Next() {
		var job Job
		var argsJSON, stdoutJSON, dependenciesJSON string
		var state int
		var position int

		err := rows.Scan(
			&job.ID,
			&job.Task,
			&job.Input,
			&job.Output,
			&argsJSON,
			&job.Lane,
			&stdoutJSON,
			&dependenciesJSON,
			&state,
			&job.CreatedAt,
			&job.ClaimedAt,
			&job.CompletedAt,
			&job.ErroredAt,
			&position,
		)
		if err != nil {
			log.Printf("Error scanning job row: %v", err)
			continue
		}

		if err := json.Unmarshal([]byte(argsJSON), &job.Args); err != nil {
			job.Args = []string{}
		}
		if err := json.Unmarshal([]byte(stdoutJSON), &job.Stdout); err != nil {
			job.Stdout = []string{}
		}
		if err := json.Unmarshal([]byte(dependenciesJSON), &job.Dependencies); err != nil {
			job.Dependencies = []string{}
		}

		job.State = JobState(state)
		if job.Lane == "" {
			job.Lane = laneFor(job.Task)
		}

		// A job that was in progress when the server died is resumed
		// from the start: reset to pending so a runner can claim it.
		if job.State == StateInProgress {
			job.State = StatePending
			job.ClaimedAt = time.Time{}
			resumedJobs = append(resumedJobs, job.ID)
		}

		ctx, cancel := context.WithCancel(context.Background())
		job.Ctx = ctx
		job.Cancel = cancel

		q.Jobs[job.ID] = &job
		q.JobOrder = append(q.JobOrder, job.ID)
	}

	if len(resumedJobs) > 0 {
		log.Printf("Resumed %d jobs that were in progress: %v", len(resumedJobs), resumedJobs)
		for _, jobID := range resumedJobs {
			select {
			case q.Signal <- jobID:
			default:
				// Channel full, skip
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

// SaveAllJobsToDB flushes every job to the database, used at shutdown.
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

// AddJob appends a new job and returns its generated ID.
func (q *Queue) AddJob(task string, input string, args []string, dependencies []string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := uuid.NewString()
	if _, exists := q.Jobs[id]; exists {
		return "", errors.New("job with given ID already exists")
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:           id,
		Task:         task,
		Input:        input,
		Args:         args,
		Lane:         laneFor(task),
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

	q.Signal <- id
	publishJobEvent("create", job)

	return id, nil
}

// ClaimJob finds the first pending job whose dependencies are completed
// and whose lane has capacity, marks it in progress, and returns it.
// With nothing claimable it returns nil and no error.
func (q *Queue) ClaimJob() (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, jobID := range q.JobOrder {
		job := q.Jobs[jobID]
		if job.State == StatePending && q.canClaim(job) {
			limit := q.laneLimitLocked(job.Lane)
			if q.RunningCounts[job.Lane] >= limit {
				continue
			}

			job.State = StateInProgress
			job.ClaimedAt = time.Now()
			q.RunningCounts[job.Lane]++

			if err := q.saveJobToDB(job); err != nil {
				log.Printf("Failed to save job state to database: %v", err)
			}

			publishJobEvent("update", job)
			return job, nil
		}
	}

	return nil, nil
}

// canClaim checks that all of a job's dependencies are completed.
func (q *Queue) canClaim(job *Job) bool {
	for _, dep := range job.Dependencies {
		depJob, exists := q.Jobs[dep]
		if !exists {
			return false
		}
		if depJob.State != StateCompleted {
			return false
		}
	}
	return true
}

// ErrorJob sets a job's state to error if it is currently in progress.
func (q *Queue) ErrorJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return errors.New("job not found")
	}
	if job.State != StateInProgress {
		return errors.New("job is not in progress, cannot set error")
	}

	job.State = StateError
	job.ErroredAt = time.Now()
	q.RunningCounts[job.Lane]--

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job error state to database: %v", err)
	}

	publishJobEvent("update", job)
	return nil
}

// CancelJob cancels a pending or in-progress job.
func (q *Queue) CancelJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return errors.New("job not found")
	}
	if job.State != StatePending && job.State != StateInProgress {
		return errors.New("job is not pending or in progress, cannot cancel")
	}
	job.Cancel()

	if job.State == StateInProgress {
		q.RunningCounts[job.Lane]--
	}
	job.State = StateCancelled

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job cancellation to database: %v", err)
	}

	publishJobEvent("update", job)
	return nil
}

// PushJobStdout appends a line to the job's captured output.
func (q *Queue) PushJobStdout(id string, line string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return errors.New("job not found")
	}

	job.Stdout = append(job.Stdout, line)

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job stdout to database: %v", err)
	}

	publishStdout(id, line)
	return nil
}

// SetJobOutput records where the job wrote its result.
func (q *Queue) SetJobOutput(id string, output string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return errors.New("job not found")
	}

	job.Output = output

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job output to database: %v", err)
	}
	return nil
}

// CompleteJob marks an in-progress job as completed.
func (q *Queue) CompleteJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return errors.New("job not found")
	}
	if job.State != StateInProgress {
		return errors.New("job is not in progress, cannot complete")
	}

	job.State = StateCompleted
	job.CompletedAt = time.Now()
	q.RunningCounts[job.Lane]--

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job completion to database: %v", err)
	}

	publishJobEvent("update", job)
	return nil
}

// GetJobs returns all jobs, newest first.
func (q *Queue) GetJobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	length := len(q.JobOrder)
	jobs := make([]Job, 0, length)
	for i := length - 1; i >= 0; i-- {
		jobs = append(jobs, *q.Jobs[q.JobOrder[i]])
	}
	return jobs
}

// GetJob returns the job with the given ID, or nil.
func (q *Queue) GetJob(id string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, exists := q.Jobs[id]
	if !exists {
		return nil
	}
	return job
}

// RemoveJob deletes a job from the queue and the database.
func (q *Queue) RemoveJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, exists := q.Jobs[id]
	if !exists {
		return errors.New("job not found")
	}

	if job.State == StateInProgress {
		q.RunningCounts[job.Lane]--
	}

	delete(q.Jobs, id)
	for i, jobID := range q.JobOrder {
		if jobID == id {
			q.JobOrder = append(q.JobOrder[:i], q.JobOrder[i+1:]...)
			break
		}
	}

	if err := q.removeJobFromDB(id); err != nil {
		log.Printf("Failed to remove job from database: %v", err)
	}

	publishJobEvent("delete", &Job{ID: id})
	return nil
}

// ClearFinishedJobs removes every job that is not currently running and
// returns the number cleared.
func (q *Queue) ClearFinishedJobs() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var toRemove []string
	for _, jobID := range q.JobOrder {
		if q.Jobs[jobID].State != StateInProgress {
			toRemove = append(toRemove, jobID)
		}
	}

	for _, jobID := range toRemove {
		delete(q.Jobs, jobID)
		for i, id := range q.JobOrder {
			if id == jobID {
				q.JobOrder = append(q.JobOrder[:i], q.JobOrder[i+1:]...)
				break
			}
		}
		if err := q.removeJobFromDB(jobID); err != nil {
			log.Printf("Failed to remove job %s from database: %v", jobID, err)
		}
		publishJobEvent("delete", &Job{ID: jobID})
	}

	return len(toRemove), nil
}

// SetLaneLimit caps concurrent jobs for a lane.
func (q *Queue) SetLaneLimit(lane string, limit int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.LaneLimits[lane] = limit
}

func (q *Queue) laneLimitLocked(lane string) int {
	if limit, ok := q.LaneLimits[lane]; ok {
		return limit
	}
	// Default: one job at a time per lane. Frame jobs hold whole frames
	// in memory, so concurrency is opted into per lane.
	return 1
}

// laneFor maps a task name to its concurrency lane. Every task runs in
// its own lane.
func laneFor(task string) string {
	if task == "" {
		return "default"
	}
	return task
}

type jobEvent struct {
	UpdateType string `json:"updateType"`
	Job        Job    `json:"job"`
}

type stdoutEvent struct {
	UpdateType string `json:"updateType"`
	Line       string `json:"line"`
}

// publishJobEvent pushes a job state change onto the event stream.
func publishJobEvent(updateType string, job *Job) {
	payload, err := json.Marshal(jobEvent{UpdateType: updateType, Job: *job})
	if err != nil {
		log.Printf("Failed to marshal job event: %v", err)
		return
	}
	stream.Publish(stream.Event{Type: updateType, Data: string(payload)})
}

func publishStdout(id string, line string) {
	payload, err := json.Marshal(stdoutEvent{UpdateType: "stdout", Line: line})
	if err != nil {
		log.Printf("Failed to marshal stdout event: %v", err)
		return
	}
	// Type is stdout-<job-id> so clients can follow one job's log.
	stream.Publish(stream.Event{Type: fmt.Sprintf("stdout-%s", id), Data: string(payload)})
}
