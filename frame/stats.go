package frame

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Margins describes the dead border around the active detector area. The
// stock sensor carries black bars of 12 px on three sides and 450 px on
// the right.
type Margins struct {
	Top    int `json:"top"`
	Left   int `json:"left"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// DefaultMargins is the trim for the stock 2048×2560 sensor.
var DefaultMargins = Margins{Top: 12, Left: 12, Right: 450, Bottom: 12}

// Crop returns the frame with the margin borders removed.
func (f *Frame) Crop(m Margins) (*Frame, error) {
	w := f.Width - m.Left - m.Right
	h := f.Height - m.Top - m.Bottom
	if w < 1 || h < 1 {
		return nil, fmt.Errorf("frame: margins %+v leave no pixels of a %dx%d frame", m, f.Width, f.Height)
	}
	out := New(w, h)
	for r := 0; r < h; r++ {
		src := f.Pix[(r+m.Top)*f.Width+m.Left:]
		copy(out.Pix[r*w:(r+1)*w], src[:w])
	}
	return out, nil
}

// Uncrop re-embeds a cropped frame into the full sensor geometry, filling
// the restored border with borderValue.
func (f *Frame) Uncrop(m Margins, borderValue uint16) *Frame {
	w := f.Width + m.Left + m.Right
	h := f.Height + m.Top + m.Bottom
	out := New(w, h)
	if borderValue != 0 {
		for i := range out.Pix {
			out.Pix[i] = borderValue
		}
	}
	for r := 0; r < f.Height; r++ {
		copy(out.Pix[(r+m.Top)*w+m.Left:], f.Pix[r*f.Width:(r+1)*f.Width])
	}
	return out
}

// CornerMean returns the mean intensity of the four size×size corner
// blocks, a cheap proxy for the dark level of an exposure.
func (f *Frame) CornerMean(size int) (float64, error) {
	if size < 1 || size > f.Width || size > f.Height {
		return 0, fmt.Errorf("frame: corner size %d out of range for %dx%d frame", size, f.Width, f.Height)
	}
	vals := make([]float64, 0, 4*size*size)
	for _, origin := range [][2]int{
		{0, 0},
		{0, f.Width - size},
		{f.Height - size, 0},
		{f.Height - size, f.Width - size},
	} {
		for r := origin[0]; r < origin[0]+size; r++ {
			for c := origin[1]; c < origin[1]+size; c++ {
				vals = append(vals, float64(f.At(r, c)))
			}
		}
	}
	return stat.Mean(vals, nil), nil
}

// TopHalfMean returns the mean of the brightest half of the samples, the
// statistic the calibration normalizes against. With n samples the top
// ⌈n/2⌉ are selected by value; ties at the threshold are all included.
func (f *Frame) TopHalfMean() (float64, error) {
	vals := make([]float64, len(f.Pix))
	for i, v := range f.Pix {
		vals[i] = float64(v)
	}
	return topHalfMean(vals)
}

func topHalfMean(vals []float64) (float64, error) {
	n := len(vals)
	if n == 0 {
		return 0, fmt.Errorf("frame: empty sample set")
	}
	sorted := make([]float64, n)
	copy(sorted, vals)
	sort.Float64s(sorted)
	k := (n + 1) / 2
	threshold := sorted[n-k]
	at := sort.SearchFloat64s(sorted, threshold)
	return stat.Mean(sorted[at:], nil), nil
}

// Float is the float64 companion grid used by the correction math, where
// per-pixel gains and normalization push samples off the uint16 lattice.
type Float struct {
	Width  int
	Height int
	Pix    []float64
}

// NewFloat allocates a zeroed float grid.
func NewFloat(width, height int) *Float {
	return &Float{Width: width, Height: height, Pix: make([]float64, width*height)}
}

// Float converts the frame to its float64 companion.
func (f *Frame) Float() *Float {
	out := NewFloat(f.Width, f.Height)
	for i, v := range f.Pix {
		out.Pix[i] = float64(v)
	}
	return out
}

// Frame converts back to uint16 samples, rounding and clamping to the
// representable range.
func (g *Float) Frame() *Frame {
	out := New(g.Width, g.Height)
	for i, v := range g.Pix {
		r := math.Round(v)
		switch {
		case r < 0:
			out.Pix[i] = 0
		case r > 65535:
			out.Pix[i] = 65535
		default:
			out.Pix[i] = uint16(r)
		}
	}
	return out
}

// MulElem multiplies element-wise by o, in place.
func (g *Float) MulElem(o *Float) error {
	if g.Width != o.Width || g.Height != o.Height {
		return fmt.Errorf("frame: grid size mismatch %dx%d vs %dx%d", g.Width, g.Height, o.Width, o.Height)
	}
	for i := range g.Pix {
		g.Pix[i] *= o.Pix[i]
	}
	return nil
}

// Scale multiplies every sample by s, in place.
func (g *Float) Scale(s float64) {
	for i := range g.Pix {
		g.Pix[i] *= s
	}
}

// TopHalfMean is the float-grid version of Frame.TopHalfMean.
func (g *Float) TopHalfMean() (float64, error) {
	return topHalfMean(g.Pix)
}
