package tasks

import (
	"sync"
	"testing"

	"github.com/lumonic/xframe/jobqueue"
)

func TestBuiltinTasksRegistered(t *testing.T) {
	tasksMap := GetTasks()

	for _, id := range []string{"convert", "denoise", "correct", "ingest", "wait"} {
		task, exists := tasksMap[id]
		if !exists {
			t.Errorf("task %q not registered", id)
			continue
		}
		if task.ID != id {
			t.Errorf("task %q has ID %q", id, task.ID)
		}
		if task.Name == "" {
			t.Errorf("task %q has empty name", id)
		}
		if task.Fn == nil {
			t.Errorf("task %q has nil Fn", id)
		}
	}
}

func TestRegisterTask(t *testing.T) {
	fn := func(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error { return nil }
	RegisterTask("custom-test-task", "Custom", fn)
	defer delete(tasks, "custom-test-task")

	task, exists := GetTasks()["custom-test-task"]
	if !exists {
		t.Fatal("RegisterTask did not register the task")
	}
	if task.Name != "Custom" {
		t.Errorf("task Name = %q; want %q", task.Name, "Custom")
	}
}
