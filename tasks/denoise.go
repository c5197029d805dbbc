package tasks

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lumonic/xframe/appconfig"
	"github.com/lumonic/xframe/catalog"
	"github.com/lumonic/xframe/filter"
	"github.com/lumonic/xframe/frame"
	"github.com/lumonic/xframe/jobqueue"
)

// denoiseTask applies the median filter to a raw frame and writes the
// result next to the output PNGs as a new raw file.
//
// Supported arguments:
//   - -k, -kernel <n>: median window size
//   - -width, -height, -order: detector geometry override
//   - -out <dir>: output directory
func denoiseTask(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
	ctx := j.Ctx
	opts := parseFrameOptions(j.Args)

	input := strings.TrimSpace(j.Input)
	if input == "" {
		q.PushJobStdout(j.ID, "No input frame path given")
		q.ErrorJob(j.ID)
		return fmt.Errorf("denoise: empty input")
	}

	select {
	case <-ctx.Done():
		q.PushJobStdout(j.ID, "Task was canceled")
		_ = q.CancelJob(j.ID)
		return ctx.Err()
	default:
	}

	q.PushJobStdout(j.ID, fmt.Sprintf("Denoising %s with %dx%d median window", input, opts.kernel, opts.kernel))

	f, err := frame.ReadRaw(input, opts.width, opts.height, opts.order)
	if err != nil {
		q.PushJobStdout(j.ID, fmt.Sprintf("Error reading raw frame: %v", err))
		q.ErrorJob(j.ID)
		return err
	}

	workers := appconfig.Get().Workers
	out, err := filter.FilterParallel(f.Pix, f.Width, f.Height, opts.kernel, workers)
	if err != nil {
		q.PushJobStdout(j.ID, fmt.Sprintf("Error filtering frame: %v", err))
		q.ErrorJob(j.ID)
		return err
	}
	f.Pix = out

	outPath := filepath.Join(opts.outDir, rawBaseName(input)+"_denoised.raw")
	if err := os.MkdirAll(opts.outDir, 0755); err != nil {
		q.PushJobStdout(j.ID, fmt.Sprintf("Error creating output directory: %v", err))
		q.ErrorJob(j.ID)
		return err
	}
	if err := f.WriteRaw(outPath, opts.order); err != nil {
		q.PushJobStdout(j.ID, fmt.Sprintf("Error writing denoised frame: %v", err))
		q.ErrorJob(j.ID)
		return err
	}

	recordOutput(q, j.ID, catalog.Record{
		Path:   outPath,
		Kind:   catalog.KindRaw,
		Source: input,
		Width:  f.Width,
		Height: f.Height,
	})

	q.PushJobStdout(j.ID, fmt.Sprintf("Wrote denoised frame: %s", outPath))
	_ = q.SetJobOutput(j.ID, outPath)
	q.CompleteJob(j.ID)
	return nil
}
