package tasks

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lumonic/xframe/appconfig"
	"github.com/lumonic/xframe/catalog"
	"github.com/lumonic/xframe/correction"
	"github.com/lumonic/xframe/frame"
	"github.com/lumonic/xframe/jobqueue"
)

// correctTask runs the flat-field correction on a low/high energy frame
// pair. The job input is the low-energy frame; the high-energy frame is
// passed with -high.
//
// Supported arguments:
//   - -high <path>: high-energy frame (required)
//   - -width, -height, -order: detector geometry override
//   - -out <dir>: output directory
func correctTask(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
	ctx := j.Ctx
	opts := parseFrameOptions(j.Args)
	cfg := appconfig.Get()

	lowPath := strings.TrimSpace(j.Input)
	if lowPath == "" {
		q.PushJobStdout(j.ID, "No low-energy frame path given")
		q.ErrorJob(j.ID)
		return fmt.Errorf("correct: empty input")
	}
	if opts.high == "" {
		q.PushJobStdout(j.ID, "No high-energy frame given, use -high <path>")
		q.ErrorJob(j.ID)
		return fmt.Errorf("correct: missing -high argument")
	}

	select {
	case <-ctx.Done():
		q.PushJobStdout(j.ID, "Task was canceled")
		_ = q.CancelJob(j.ID)
		return ctx.Err()
	default:
	}

	pipeline, err := correction.NewPipeline(cfg.Calibration, cfg.CorrectionLowPath, cfg.CorrectionHighPath)
	if err != nil {
		q.PushJobStdout(j.ID, fmt.Sprintf("Error loading gain maps: %v", err))
		q.ErrorJob(j.ID)
		return err
	}

	low, err := frame.ReadRaw(lowPath, opts.width, opts.height, opts.order)
	if err != nil {
		q.PushJobStdout(j.ID, fmt.Sprintf("Error reading low frame: %v", err))
		q.ErrorJob(j.ID)
		return err
	}
	high, err := frame.ReadRaw(opts.high, opts.width, opts.height, opts.order)
	if err != nil {
		q.PushJobStdout(j.ID, fmt.Sprintf("Error reading high frame: %v", err))
		q.ErrorJob(j.ID)
		return err
	}

	q.PushJobStdout(j.ID, fmt.Sprintf("Correcting pair %s / %s", lowPath, opts.high))

	res, err := pipeline.CorrectPair(low, high)
	if err != nil {
		q.PushJobStdout(j.ID, fmt.Sprintf("Error correcting pair: %v", err))
		q.ErrorJob(j.ID)
		return err
	}

	q.PushJobStdout(j.ID, fmt.Sprintf("Low mean %.2f, high mean %.2f, ratio %.4f (calibrated %.4f)",
		res.MeanLow, res.MeanHigh, res.Ratio, cfg.Calibration.RatioHighOverLow))

	if err := os.MkdirAll(opts.outDir, 0755); err != nil {
		q.PushJobStdout(j.ID, fmt.Sprintf("Error creating output directory: %v", err))
		q.ErrorJob(j.ID)
		return err
	}

	lowOut := filepath.Join(opts.outDir, rawBaseName(lowPath)+"_corr.raw")
	highOut := filepath.Join(opts.outDir, rawBaseName(opts.high)+"_corr.raw")

	lowFrame := res.Low.Frame()
	if err := lowFrame.WriteRaw(lowOut, opts.order); err != nil {
		q.PushJobStdout(j.ID, fmt.Sprintf("Error writing corrected low frame: %v", err))
		q.ErrorJob(j.ID)
		return err
	}
	highFrame := res.High.Frame()
	if err := highFrame.WriteRaw(highOut, opts.order); err != nil {
		q.PushJobStdout(j.ID, fmt.Sprintf("Error writing corrected high frame: %v", err))
		q.ErrorJob(j.ID)
		return err
	}

	recordOutput(q, j.ID, catalog.Record{
		Path:   lowOut,
		Kind:   catalog.KindCorrected,
		Source: lowPath,
		Width:  lowFrame.Width,
		Height: lowFrame.Height,
	})
	recordOutput(q, j.ID, catalog.Record{
		Path:   highOut,
		Kind:   catalog.KindCorrected,
		Source: opts.high,
		Width:  highFrame.Width,
		Height: highFrame.Height,
	})

	q.PushJobStdout(j.ID, fmt.Sprintf("Wrote corrected frames: %s, %s", lowOut, highOut))
	_ = q.SetJobOutput(j.ID, lowOut)
	q.CompleteJob(j.ID)
	return nil
}
