// rawtopng converts raw detector frames to PNG, singly or as a batch
// over a directory, with optional median denoising.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/lumonic/xframe/filter"
	"github.com/lumonic/xframe/frame"
)

func main() {
	inPath := flag.String("in", "", "input raw frame (.raw or .raw.zst)")
	dirPath := flag.String("dir", "", "convert every raw frame under this directory instead of a single file")
	outPath := flag.String("out", "", "output PNG path (single file) or output directory (batch)")

	width := flag.Int("width", frame.DefaultWidth, "frame width in pixels")
	height := flag.Int("height", frame.DefaultHeight, "frame height in pixels")
	order := flag.String("order", "little", "raw byte order: little|big")
	depth := flag.Int("depth", 16, "output bit depth: 8|16")
	denoise := flag.Int("denoise", 0, "median window size, 0 disables denoising")
	threads := flag.Int("threads", runtime.GOMAXPROCS(0), "worker goroutines for batch conversion")

	flag.Parse()

	if (*inPath == "") == (*dirPath == "") {
		fmt.Fprintln(os.Stderr, "usage: rawtopng --in <frame.raw> [--out out.png] | --dir <frames/> [--out pngs/]")
		os.Exit(2)
	}
	if *depth != 8 && *depth != 16 {
		fmt.Fprintln(os.Stderr, "depth must be 8 or 16")
		os.Exit(2)
	}

	byteOrder := frame.ByteOrder(*order)
	keep16 := *depth == 16

	if *inPath != "" {
		dest := *outPath
		if dest == "" {
			dest = replaceRawExt(*inPath, ".png")
		}
		if err := convertOne(*inPath, dest, *width, *height, byteOrder, keep16, *denoise, *threads); err != nil {
			fmt.Fprintf(os.Stderr, "failed to convert %s: %v\n", *inPath, err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %s (%dx%d, %d-bit)\n", dest, *width, *height, *depth)
		return
	}

	files, err := collectRawFiles(*dirPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to scan %s: %v\n", *dirPath, err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintf(os.Stderr, "no raw frames found under %s\n", *dirPath)
		os.Exit(1)
	}

	destDir := *outPath
	if destDir == "" {
		destDir = *dirPath
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create output directory: %v\n", err)
		os.Exit(1)
	}

	failed := convertBatch(files, destDir, *width, *height, byteOrder, keep16, *denoise, *threads)
	fmt.Printf("Converted %d/%d frames\n", len(files)-failed, len(files))
	if failed > 0 {
		os.Exit(1)
	}
}

func convertOne(src, dest string, width, height int, order binary.ByteOrder, keep16 bool, denoise, threads int) error {
	f, err := frame.ReadRaw(src, width, height, order)
	if err != nil {
		return err
	}

	if denoise > 1 {
		out, err := filter.FilterParallel(f.Pix, f.Width, f.Height, denoise, threads)
		if err != nil {
			return err
		}
		f.Pix = out
	}

	return f.WritePNG(dest, keep16)
}

// convertBatch fans files out to a worker pool and returns the number of
// failures.
func convertBatch(files []string, destDir string, width, height int, order binary.ByteOrder, keep16 bool, denoise, threads int) int {
	if threads < 1 {
		threads = 1
	}
	if threads > len(files) {
		threads = len(files)
	}

	work := make(chan string)
	var wg sync.WaitGroup
	var mu sync.Mutex
	failed := 0

	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for src := range work {
				dest := filepath.Join(destDir, replaceRawExt(filepath.Base(src), ".png"))
				// Each worker denoises single-threaded; parallelism
				// comes from converting many frames at once.
				if err := convertOne(src, dest, width, height, order, keep16, denoise, 1); err != nil {
					fmt.Fprintf(os.Stderr, "failed to convert %s: %v\n", src, err)
					mu.Lock()
					failed++
					mu.Unlock()
					continue
				}
				fmt.Printf("Wrote %s\n", dest)
			}
		}()
	}

	for _, f := range files {
		work <- f
	}
	close(work)
	wg.Wait()

	return failed
}

func collectRawFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && frame.IsRawPath(path) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func replaceRawExt(path, ext string) string {
	path = strings.TrimSuffix(path, ".zst")
	path = strings.TrimSuffix(path, ".raw")
	return path + ext
}
