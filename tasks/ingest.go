package tasks

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lumonic/xframe/appconfig"
	"github.com/lumonic/xframe/catalog"
	"github.com/lumonic/xframe/downloads"
	"github.com/lumonic/xframe/frame"
	"github.com/lumonic/xframe/jobqueue"
)

// ingestTask scans for raw frames and catalogs them. The input can be a
// directory of raw files, a capture archive, or an http(s) URL pointing
// at one; archives are fetched and unpacked into the incoming directory
// first.
//
// Supported arguments:
//   - -r, --recursive: scan directories recursively
//   - --convert: queue a convert job for each new frame
func ingestTask(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
	ctx := j.Ctx
	cfg := appconfig.Get()

	input := strings.TrimSpace(j.Input)
	if input == "" {
		input = cfg.IncomingPath
	}

	recursive := false
	queueConvert := false
	for _, arg := range j.Args {
		switch strings.ToLower(arg) {
		case "-r", "--recursive":
			recursive = true
		case "--convert":
			queueConvert = true
		}
	}

	// A URL is fetched into the incoming directory before extraction.
	if isHTTPURL(input) {
		archivePath := filepath.Join(cfg.IncomingPath, filepath.Base(input))
		q.PushJobStdout(j.ID, fmt.Sprintf("Fetching capture archive: %s", input))
		if err := os.MkdirAll(cfg.IncomingPath, 0755); err != nil {
			q.PushJobStdout(j.ID, fmt.Sprintf("Error creating incoming directory: %v", err))
			q.ErrorJob(j.ID)
			return err
		}
		err := downloads.FetchWithRetry(ctx, archivePath, input, func(downloaded, total int64) {
			if total > 0 {
				q.PushJobStdout(j.ID, fmt.Sprintf("Downloaded %s of %s",
					downloads.FormatBytes(downloaded), downloads.FormatBytes(total)))
			}
		})
		if err != nil {
			if ctx.Err() != nil {
				q.PushJobStdout(j.ID, "Task was canceled")
				_ = q.CancelJob(j.ID)
				return ctx.Err()
			}
			q.PushJobStdout(j.ID, fmt.Sprintf("Error fetching archive: %v", err))
			q.ErrorJob(j.ID)
			return err
		}
		input = archivePath
	}

	// Archives unpack into a directory named after the archive.
	if downloads.IsArchivePath(input) {
		destDir := filepath.Join(cfg.IncomingPath, archiveBaseName(input))
		q.PushJobStdout(j.ID, fmt.Sprintf("Extracting %s to %s", input, destDir))
		if err := os.MkdirAll(destDir, 0755); err != nil {
			q.PushJobStdout(j.ID, fmt.Sprintf("Error creating extraction directory: %v", err))
			q.ErrorJob(j.ID)
			return err
		}
		err := downloads.ExtractArchive(input, destDir, func(p downloads.Progress) {
			q.PushJobStdout(j.ID, p.Message)
		})
		if err != nil {
			q.PushJobStdout(j.ID, fmt.Sprintf("Error extracting archive: %v", err))
			q.ErrorJob(j.ID)
			return err
		}
		input = destDir
		recursive = true
	}

	if err := catalog.EnsureSchema(q.Db); err != nil {
		q.PushJobStdout(j.ID, fmt.Sprintf("Error setting up catalog schema: %v", err))
		q.ErrorJob(j.ID)
		return err
	}

	q.PushJobStdout(j.ID, fmt.Sprintf("Scanning for raw frames in: %s", input))
	if recursive {
		q.PushJobStdout(j.ID, "Scanning recursively...")
	}

	rawFiles, err := scanRawFrames(input, recursive)
	if err != nil {
		q.PushJobStdout(j.ID, fmt.Sprintf("Error scanning directory: %v", err))
		q.ErrorJob(j.ID)
		return err
	}

	q.PushJobStdout(j.ID, fmt.Sprintf("Found %d raw frames", len(rawFiles)))
	if len(rawFiles) == 0 {
		q.PushJobStdout(j.ID, "No raw frames found to ingest")
		q.CompleteJob(j.ID)
		return nil
	}

	existingPaths, err := existingFramePaths(q.Db, input)
	if err != nil {
		q.PushJobStdout(j.ID, fmt.Sprintf("Error loading existing catalog entries: %v", err))
		q.ErrorJob(j.ID)
		return err
	}

	var newFiles []string
	for _, f := range rawFiles {
		if _, ok := existingPaths[f]; !ok {
			newFiles = append(newFiles, f)
		}
	}

	q.PushJobStdout(j.ID, fmt.Sprintf("Found %d new frames to ingest", len(newFiles)))
	if len(newFiles) == 0 {
		q.PushJobStdout(j.ID, "All frames already exist in catalog")
		q.CompleteJob(j.ID)
		return nil
	}

	var insertedFiles []string
	for i, filePath := range newFiles {
		select {
		case <-ctx.Done():
			q.PushJobStdout(j.ID, "Task was canceled")
			_ = q.CancelJob(j.ID)
			return ctx.Err()
		default:
		}

		var size int64
		if fi, err := os.Stat(filePath); err == nil {
			size = fi.Size()
		}
		rec := catalog.Record{
			Path:   filePath,
			Kind:   catalog.KindRaw,
			Size:   size,
			Width:  cfg.FrameWidth,
			Height: cfg.FrameHeight,
		}
		if err := catalog.Insert(q.Db, rec); err != nil {
			q.PushJobStdout(j.ID, fmt.Sprintf("Warning: failed to catalog %s: %v", filePath, err))
			continue
		}
		insertedFiles = append(insertedFiles, filePath)
		if (i+1)%100 == 0 || i == len(newFiles)-1 {
			q.PushJobStdout(j.ID, fmt.Sprintf("Progress: %d/%d frames ingested", i+1, len(newFiles)))
		}
	}

	q.PushJobStdout(j.ID, fmt.Sprintf("Ingestion completed: %d frames added to catalog", len(insertedFiles)))

	if queueConvert {
		for _, filePath := range insertedFiles {
			if _, err := q.AddJob("convert", filePath, nil, nil); err != nil {
				q.PushJobStdout(j.ID, "Warning: failed to queue convert job for "+filePath+": "+err.Error())
			} else {
				q.PushJobStdout(j.ID, "Queued convert job for: "+filePath)
			}
		}
	}

	select {
	case <-ctx.Done():
		q.PushJobStdout(j.ID, "Task was canceled")
		_ = q.CancelJob(j.ID)
		return ctx.Err()
	default:
	}
	q.CompleteJob(j.ID)
	return nil
}

func isHTTPURL(input string) bool {
	lower := strings.ToLower(input)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// archiveBaseName strips the archive extensions from a path's base name.
func archiveBaseName(path string) string {
	base := filepath.Base(path)
	lower := strings.ToLower(base)
	for _, ext := range []string{".tar.gz", ".tgz", ".zip", ".7z"} {
		if strings.HasSuffix(lower, ext) {
			return base[:len(base)-len(ext)]
		}
	}
	return base
}

// scanRawFrames walks the directory collecting raw frame files.
func scanRawFrames(dir string, recursive bool) ([]string, error) {
	var files []string
	walkFn := func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && !recursive && path != dir {
			return filepath.SkipDir
		}
		if !info.IsDir() && frame.IsRawPath(path) {
			absPath, err := filepath.Abs(path)
			if err == nil {
				files = append(files, filepath.FromSlash(absPath))
			} else {
				files = append(files, path)
			}
		}
		return nil
	}
	if err := filepath.Walk(dir, walkFn); err != nil {
		return nil, err
	}
	return files, nil
}

// existingFramePaths loads catalogued paths under the scan directory.
func existingFramePaths(db *sql.DB, dirPath string) (map[string]struct{}, error) {
	prefix := ""
	if dirPath != "" && dirPath != "." {
		if absDir, err := filepath.Abs(dirPath); err == nil {
			prefix = filepath.FromSlash(absDir)
		} else {
			prefix = dirPath
		}
	}
	return catalog.ExistingPaths(db, prefix)
}
