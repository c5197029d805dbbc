// Package runners drives the pool of goroutines that claim and execute
// jobs from the queue.
package runners

import (
	"context"
	"sync"

	"github.com/lumonic/xframe/jobqueue"
	"github.com/lumonic/xframe/tasks"
)

// Runners manages a pool of concurrent job runners.
type Runners struct {
	queue   *jobqueue.Queue
	mu      sync.Mutex
	running int
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new Runners instance listening on the queue's signal
// channel.
func New(queue *jobqueue.Queue) *Runners {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runners{
		queue:  queue,
		ctx:    ctx,
		cancel: cancel,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-r.queue.Signal:
				// A new job was queued; try to pick it up.
				r.CheckForJobs()
			}
		}
	}()

	return r
}

// Shutdown stops the runners from accepting new jobs and waits for the
// signal listener to exit.
func (r *Runners) Shutdown() {
	r.cancel()
	r.wg.Wait()
}

// CheckForJobs attempts to claim and run a new job. It can be called
// externally or triggered by queue signals.
func (r *Runners) CheckForJobs() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tryFetchJobAndRun()
}

// runJob starts a single job in its own goroutine. When the job
// finishes the runner immediately tries to claim the next one.
func (r *Runners) runJob(j *jobqueue.Job) {
	r.running++
	go func() {
		defer func() {
			r.mu.Lock()
			r.running--
			r.tryFetchJobAndRun()
			r.mu.Unlock()
		}()

		tasksMap := tasks.GetTasks()
		task, exists := tasksMap[j.Task]
		if !exists {
			r.queue.PushJobStdout(j.ID, "Task not found: "+j.Task)
			r.queue.ErrorJob(j.ID)
			return
		}

		// Finalize job state even if the task forgets to.
		if err := task.Fn(j, r.queue, &r.mu); err != nil {
			select {
			case <-j.Ctx.Done():
				_ = r.queue.CancelJob(j.ID)
			default:
				_ = r.queue.ErrorJob(j.ID)
			}
		}
	}()
}

func (r *Runners) tryFetchJobAndRun() {
	job, err := r.queue.ClaimJob()
	if err != nil || job == nil {
		// No job available.
		return
	}

	r.runJob(job)
}
