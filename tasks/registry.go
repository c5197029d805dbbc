// Package tasks holds the runnable units the job runners execute:
// conversion, denoise, correction, and ingest.
package tasks

import (
	"sync"

	"github.com/lumonic/xframe/jobqueue"
)

// Task represents a runnable unit bound to the jobqueue.
type Task struct {
	ID   string                                                        `json:"id"`
	Name string                                                        `json:"name"`
	Fn   func(j *jobqueue.Job, q *jobqueue.Queue, r *sync.Mutex) error `json:"-"`
}

type TaskMap map[string]Task

var tasks = make(TaskMap)

func init() {
	// Register built-in tasks
	RegisterTask("convert", "Convert Raw Frame to PNG", convertTask)
	RegisterTask("denoise", "Median Denoise", denoiseTask)
	RegisterTask("correct", "Flat-Field Correction", correctTask)
	RegisterTask("ingest", "Ingest Raw Frames", ingestTask)
	RegisterTask("wait", "Wait", waitFn)
}

func RegisterTask(id, name string, fn func(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error) {
	tasks[id] = Task{
		ID:   id,
		Name: name,
		Fn:   fn,
	}
}

func GetTasks() TaskMap {
	return tasks
}
