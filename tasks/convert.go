package tasks

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lumonic/xframe/catalog"
	"github.com/lumonic/xframe/frame"
	"github.com/lumonic/xframe/jobqueue"
)

// convertTask reads a raw detector frame and writes it out as PNG.
//
// Supported arguments:
//   - -width, -height: detector geometry override
//   - -order little|big: raw byte order
//   - -depth 8|16: output bit depth
//   - -out <dir>: output directory
func convertTask(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
	ctx := j.Ctx
	opts := parseFrameOptions(j.Args)

	input := strings.TrimSpace(j.Input)
	if input == "" {
		q.PushJobStdout(j.ID, "No input frame path given")
		q.ErrorJob(j.ID)
		return fmt.Errorf("convert: empty input")
	}

	select {
	case <-ctx.Done():
		q.PushJobStdout(j.ID, "Task was canceled")
		_ = q.CancelJob(j.ID)
		return ctx.Err()
	default:
	}

	q.PushJobStdout(j.ID, fmt.Sprintf("Converting %s (%dx%d)", input, opts.width, opts.height))

	f, err := frame.ReadRaw(input, opts.width, opts.height, opts.order)
	if err != nil {
		q.PushJobStdout(j.ID, fmt.Sprintf("Error reading raw frame: %v", err))
		q.ErrorJob(j.ID)
		return err
	}

	outPath := filepath.Join(opts.outDir, rawBaseName(input)+".png")
	if err := os.MkdirAll(opts.outDir, 0755); err != nil {
		q.PushJobStdout(j.ID, fmt.Sprintf("Error creating output directory: %v", err))
		q.ErrorJob(j.ID)
		return err
	}
	if err := f.WritePNG(outPath, opts.keep16); err != nil {
		q.PushJobStdout(j.ID, fmt.Sprintf("Error writing PNG: %v", err))
		q.ErrorJob(j.ID)
		return err
	}

	recordOutput(q, j.ID, catalog.Record{
		Path:   outPath,
		Kind:   catalog.KindPNG,
		Source: input,
		Width:  f.Width,
		Height: f.Height,
	})

	depth := "16-bit"
	if !opts.keep16 {
		depth = "8-bit"
	}
	q.PushJobStdout(j.ID, fmt.Sprintf("Wrote %s PNG: %s", depth, outPath))
	_ = q.SetJobOutput(j.ID, outPath)
	q.CompleteJob(j.ID)
	return nil
}

// recordOutput catalogs a produced file, filling in its size. Catalog
// failures are reported but do not fail the job.
func recordOutput(q *jobqueue.Queue, jobID string, rec catalog.Record) {
	if q.Db == nil {
		return
	}
	if fi, err := os.Stat(rec.Path); err == nil {
		rec.Size = fi.Size()
	}
	if err := catalog.EnsureSchema(q.Db); err != nil {
		q.PushJobStdout(jobID, fmt.Sprintf("Warning: failed to set up catalog schema: %v", err))
		return
	}
	if err := catalog.Insert(q.Db, rec); err != nil {
		q.PushJobStdout(jobID, fmt.Sprintf("Warning: failed to catalog %s: %v", rec.Path, err))
	}
}
