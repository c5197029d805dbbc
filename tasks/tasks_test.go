package tasks

import (
	"database/sql"
	"encoding/binary"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/lumonic/xframe/appconfig"
	"github.com/lumonic/xframe/catalog"
	"github.com/lumonic/xframe/correction"
	"github.com/lumonic/xframe/frame"
	"github.com/lumonic/xframe/jobqueue"
)

// testConfig points the task defaults at a temp directory and a small
// detector geometry.
func testConfig(t *testing.T, width, height int) appconfig.Config {
	t.Helper()
	dir := t.TempDir()
	orig := appconfig.Get()
	t.Cleanup(func() { appconfig.Set(orig) })

	cfg := appconfig.Config{
		IncomingPath:  filepath.Join(dir, "incoming"),
		OutputPath:    filepath.Join(dir, "out"),
		FrameWidth:    width,
		FrameHeight:   height,
		Endianness:    "little",
		Keep16Bit:     true,
		DenoiseKernel: 3,
		PreviewMaxDim: 64,
		Workers:       2,
		Calibration:   correction.Default(),
	}
	appconfig.Set(cfg)
	return cfg
}

func newTestQueue(t *testing.T) *jobqueue.Queue {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return jobqueue.NewQueueWithDB(db)
}

func writeTestRaw(t *testing.T, path string, width, height int) *frame.Frame {
	t.Helper()
	f := frame.New(width, height)
	for i := range f.Pix {
		f.Pix[i] = uint16(i * 7 % 4000)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := f.WriteRaw(path, binary.LittleEndian); err != nil {
		t.Fatalf("WriteRaw() error = %v", err)
	}
	return f
}

// runTask claims the job and invokes the registered task directly, the
// way a runner would.
func runTask(t *testing.T, q *jobqueue.Queue, id string) error {
	t.Helper()
	claimed, err := q.ClaimJob()
	if err != nil || claimed == nil || claimed.ID != id {
		t.Fatalf("ClaimJob() = %v, %v; want job %s", claimed, err, id)
	}
	task, exists := GetTasks()[claimed.Task]
	if !exists {
		t.Fatalf("task %q not registered", claimed.Task)
	}
	var mu sync.Mutex
	return task.Fn(claimed, q, &mu)
}

func TestConvertTask(t *testing.T) {
	cfg := testConfig(t, 4, 3)
	q := newTestQueue(t)

	rawPath := filepath.Join(cfg.IncomingPath, "capture_0001.raw")
	writeTestRaw(t, rawPath, 4, 3)

	id, _ := q.AddJob("convert", rawPath, nil, nil)
	if err := runTask(t, q, id); err != nil {
		t.Fatalf("convertTask error = %v", err)
	}

	job := q.GetJob(id)
	if job.State != jobqueue.StateCompleted {
		t.Fatalf("job state = %v; want completed", job.State)
	}

	outPath := filepath.Join(cfg.OutputPath, "capture_0001.png")
	if job.Output != outPath {
		t.Errorf("job output = %q; want %q", job.Output, outPath)
	}

	fh, err := os.Open(outPath)
	if err != nil {
		t.Fatalf("output PNG missing: %v", err)
	}
	defer fh.Close()
	img, err := png.Decode(fh)
	if err != nil {
		t.Fatalf("output is not a valid PNG: %v", err)
	}
	if img.Bounds().Dx() != 4 || img.Bounds().Dy() != 3 {
		t.Errorf("PNG dims = %v; want 4x3", img.Bounds())
	}

	rec, err := catalog.Get(q.Db, outPath)
	if err != nil {
		t.Fatalf("catalog.Get() error = %v", err)
	}
	if rec.Kind != catalog.KindPNG || rec.Source != rawPath {
		t.Errorf("catalog record = %+v; want png derived from %s", rec, rawPath)
	}
}

func TestConvertTaskMissingInput(t *testing.T) {
	testConfig(t, 4, 3)
	q := newTestQueue(t)

	id, _ := q.AddJob("convert", "/does/not/exist.raw", nil, nil)
	if err := runTask(t, q, id); err == nil {
		t.Fatal("convertTask should fail for a missing input")
	}
	if q.GetJob(id).State != jobqueue.StateError {
		t.Errorf("job state = %v; want error", q.GetJob(id).State)
	}
}

func TestDenoiseTask(t *testing.T) {
	cfg := testConfig(t, 6, 5)
	q := newTestQueue(t)

	rawPath := filepath.Join(cfg.IncomingPath, "noisy.raw")
	writeTestRaw(t, rawPath, 6, 5)

	id, _ := q.AddJob("denoise", rawPath, []string{"-k", "3"}, nil)
	if err := runTask(t, q, id); err != nil {
		t.Fatalf("denoiseTask error = %v", err)
	}

	outPath := filepath.Join(cfg.OutputPath, "noisy_denoised.raw")
	out, err := frame.ReadRaw(outPath, 6, 5, binary.LittleEndian)
	if err != nil {
		t.Fatalf("denoised output unreadable: %v", err)
	}
	if out.Width != 6 || out.Height != 5 {
		t.Errorf("denoised dims = %dx%d; want 6x5", out.Width, out.Height)
	}

	if q.GetJob(id).State != jobqueue.StateCompleted {
		t.Errorf("job state = %v; want completed", q.GetJob(id).State)
	}
}

func TestIngestTask(t *testing.T) {
	cfg := testConfig(t, 4, 3)
	q := newTestQueue(t)

	writeTestRaw(t, filepath.Join(cfg.IncomingPath, "a.raw"), 4, 3)
	writeTestRaw(t, filepath.Join(cfg.IncomingPath, "b.raw"), 4, 3)
	os.WriteFile(filepath.Join(cfg.IncomingPath, "notes.txt"), []byte("not a frame"), 0644)

	id, _ := q.AddJob("ingest", cfg.IncomingPath, []string{"--convert"}, nil)
	if err := runTask(t, q, id); err != nil {
		t.Fatalf("ingestTask error = %v", err)
	}

	if q.GetJob(id).State != jobqueue.StateCompleted {
		t.Fatalf("job state = %v; want completed", q.GetJob(id).State)
	}

	n, err := catalog.Count(q.Db, catalog.KindRaw)
	if err != nil {
		t.Fatalf("catalog.Count() error = %v", err)
	}
	if n != 2 {
		t.Errorf("catalogued %d raw frames; want 2", n)
	}

	var convertJobs int
	for _, job := range q.GetJobs() {
		if job.Task == "convert" {
			convertJobs++
		}
	}
	if convertJobs != 2 {
		t.Errorf("queued %d convert jobs; want 2", convertJobs)
	}
}

func TestIngestTaskSkipsKnownFrames(t *testing.T) {
	cfg := testConfig(t, 4, 3)
	q := newTestQueue(t)

	writeTestRaw(t, filepath.Join(cfg.IncomingPath, "a.raw"), 4, 3)

	first, _ := q.AddJob("ingest", cfg.IncomingPath, nil, nil)
	if err := runTask(t, q, first); err != nil {
		t.Fatalf("first ingest error = %v", err)
	}

	second, _ := q.AddJob("ingest", cfg.IncomingPath, nil, nil)
	if err := runTask(t, q, second); err != nil {
		t.Fatalf("second ingest error = %v", err)
	}

	n, _ := catalog.Count(q.Db, catalog.KindRaw)
	if n != 1 {
		t.Errorf("catalogued %d raw frames after re-ingest; want 1", n)
	}
}

func TestCorrectTaskMissingHigh(t *testing.T) {
	cfg := testConfig(t, 6, 6)
	q := newTestQueue(t)

	rawPath := filepath.Join(cfg.IncomingPath, "low.raw")
	writeTestRaw(t, rawPath, 6, 6)

	id, _ := q.AddJob("correct", rawPath, nil, nil)
	if err := runTask(t, q, id); err == nil {
		t.Fatal("correctTask should fail without -high")
	}
	if q.GetJob(id).State != jobqueue.StateError {
		t.Errorf("job state = %v; want error", q.GetJob(id).State)
	}
}

func TestParseFrameOptions(t *testing.T) {
	testConfig(t, 100, 200)

	opts := parseFrameOptions([]string{"-width", "8", "-depth", "8", "-out", "/tmp/out", "extra"})
	if opts.width != 8 {
		t.Errorf("width = %d; want 8", opts.width)
	}
	if opts.height != 200 {
		t.Errorf("height = %d; want configured 200", opts.height)
	}
	if opts.keep16 {
		t.Error("keep16 should be false with -depth 8")
	}
	if opts.outDir != "/tmp/out" {
		t.Errorf("outDir = %q; want /tmp/out", opts.outDir)
	}
	if len(opts.remaining) != 1 || opts.remaining[0] != "extra" {
		t.Errorf("remaining = %v; want [extra]", opts.remaining)
	}
}

func TestRawBaseName(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/frames/a.raw", "a"},
		{"/frames/a.raw.zst", "a"},
		{"capture_0001.raw", "capture_0001"},
	}
	for _, tt := range tests {
		if got := rawBaseName(tt.path); got != tt.want {
			t.Errorf("rawBaseName(%q) = %q; want %q", tt.path, got, tt.want)
		}
	}
}
