// Package filter implements the 2-D median denoise filter used on raw
// detector frames. Frames are row-major uint16 grids; boundaries are
// handled with mirror (reflect) padding so edge pixels see a full
// neighborhood.
package filter

import (
	"fmt"
	"slices"
	"sort"
	"sync"
)

// Filter computes, for every pixel of the width×height row-major grid src,
// the median of the ksize×ksize neighborhood centered on it, using mirror
// padding at the edges. It returns a new grid of the same dimensions; src
// is never modified.
//
// An even ksize is a documented degenerate case: the filter is a no-op and
// an exact copy of src is returned. Invalid dimensions, a src length that
// does not match width*height, ksize < 1, or a ksize too large for mirror
// padding to stay in range (ksize > 2L-1 on either axis) are reported as
// errors.
func Filter(src []uint16, width, height, ksize int) ([]uint16, error) {
	if err := validate(src, width, height, ksize); err != nil {
		return nil, err
	}

	out := make([]uint16, len(src))
	if ksize%2 == 0 || ksize == 1 {
		// Even sizes have no unique middle rank; a 1×1 window's median
		// is the pixel itself. Both degrade to a plain copy.
		copy(out, src)
		return out, nil
	}

	scanRows(src, out, width, height, ksize, 0, height)
	return out, nil
}

// FilterParallel is Filter with the row scan split across up to workers
// goroutines. Every row rebuilds its window from scratch, so rows are
// independent and the result is identical to the sequential filter.
func FilterParallel(src []uint16, width, height, ksize, workers int) ([]uint16, error) {
	if err := validate(src, width, height, ksize); err != nil {
		return nil, err
	}

	out := make([]uint16, len(src))
	if ksize%2 == 0 || ksize == 1 {
		copy(out, src)
		return out, nil
	}

	if workers < 1 {
		workers = 1
	}
	if workers > height {
		workers = height
	}
	if workers == 1 {
		scanRows(src, out, width, height, ksize, 0, height)
		return out, nil
	}

	var wg sync.WaitGroup
	rowsPer := (height + workers - 1) / workers
	for r0 := 0; r0 < height; r0 += rowsPer {
		r1 := r0 + rowsPer
		if r1 > height {
			r1 = height
		}
		wg.Add(1)
		go func(r0, r1 int) {
			defer wg.Done()
			scanRows(src, out, width, height, ksize, r0, r1)
		}(r0, r1)
	}
	wg.Wait()
	return out, nil
}

func validate(src []uint16, width, height, ksize int) error {
	if width < 1 || height < 1 {
		return fmt.Errorf("filter: invalid dimensions %dx%d", width, height)
	}
	if len(src) != width*height {
		return fmt.Errorf("filter: source has %d samples, want %d for %dx%d", len(src), width*height, width, height)
	}
	if ksize < 1 {
		return fmt.Errorf("filter: invalid kernel size %d", ksize)
	}
	// Mirror padding reflects at most L-1 past an edge; beyond that the
	// reflected index would leave the grid again.
	if ksize > 2*width-1 || ksize > 2*height-1 {
		return fmt.Errorf("filter: kernel size %d too large for %dx%d grid", ksize, width, height)
	}
	return nil
}

// scanRows filters rows [r0, r1). Traversal is row-major: the window is
// rebuilt and sorted at column 0 of each row, then slid one column at a
// time to the right. Sliding removes the ksize samples of the departing
// column and inserts the ksize samples of the entering column, keeping the
// window sorted throughout.
func scanRows(src, out []uint16, width, height, ksize, r0, r1 int) {
	half := ksize / 2
	win := newWindow(ksize * ksize)

	for r := r0; r < r1; r++ {
		win.rebuild(src, width, height, r, half)
		out[r*width] = win.median()

		for c := 1; c < width; c++ {
			for dr := -half; dr <= half; dr++ {
				// The departing sample is looked up at its coordinate so
				// the value that actually leaves the neighborhood is the
				// one evicted, duplicates included.
				win.remove(sampleAt(src, width, height, r+dr, c-1-half))
				win.insert(sampleAt(src, width, height, r+dr, c+half))
			}
			out[r*width+c] = win.median()
		}
	}
}

// reflect maps coordinate x onto [0, n) by mirroring across the nearest
// edge without repeating the edge sample: -1 maps to 1, n maps to n-2.
func reflect(x, n int) int {
	if x < 0 {
		return -x
	}
	if x >= n {
		return 2*n - x - 2
	}
	return x
}

func sampleAt(src []uint16, width, height, r, c int) uint16 {
	return src[reflect(r, height)*width+reflect(c, width)]
}

// window is the sorted multiset of the ksize² samples under the kernel.
// Updates keep it sorted with a binary search plus tail shift, which is
// cheaper per pixel than re-sorting the whole window.
type window struct {
	vals []uint16
	area int
}

func newWindow(area int) *window {
	return &window{vals: make([]uint16, 0, area+1), area: area}
}

// rebuild refills the window with the full neighborhood of (r, 0) and
// sorts it. Done once per row; columns within the row slide incrementally.
func (w *window) rebuild(src []uint16, width, height, r, half int) {
	w.vals = w.vals[:0]
	for dr := -half; dr <= half; dr++ {
		for dc := -half; dc <= half; dc++ {
			w.vals = append(w.vals, sampleAt(src, width, height, r+dr, dc))
		}
	}
	slices.Sort(w.vals)
}

// median returns the element at rank area/2. The window always holds an
// odd number of samples, so this is the unique middle value.
func (w *window) median() uint16 {
	return w.vals[w.area/2]
}

// remove deletes the leftmost occurrence of v. The caller only ever
// removes values that are present: the window mirrors the neighborhood
// exactly at all times.
func (w *window) remove(v uint16) {
	i := sort.Search(len(w.vals), func(i int) bool { return w.vals[i] >= v })
	w.vals = append(w.vals[:i], w.vals[i+1:]...)
}

// insert places v at its sorted position, before any equal values.
func (w *window) insert(v uint16) {
	i := sort.Search(len(w.vals), func(i int) bool { return w.vals[i] >= v })
	w.vals = append(w.vals, 0)
	copy(w.vals[i+1:], w.vals[i:])
	w.vals[i] = v
}
