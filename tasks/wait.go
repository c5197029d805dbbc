package tasks

import (
	"strconv"
	"sync"
	"time"

	"github.com/lumonic/xframe/jobqueue"
)

// waitFn sleeps in short ticks so cancellation stays responsive. Used to
// exercise the queue and runner plumbing.
func waitFn(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
	ctx := j.Ctx

	ticks := 5
	if j.Input != "" {
		if n, err := strconv.Atoi(j.Input); err == nil && n > 0 {
			ticks = n
		}
	}

	for i := 0; i < ticks; i++ {
		select {
		case <-ctx.Done():
			q.PushJobStdout(j.ID, "Task was canceled")
			_ = q.CancelJob(j.ID)
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
			q.PushJobStdout(j.ID, "Waiting in task...")
		}
	}
	q.CompleteJob(j.ID)
	return nil
}
