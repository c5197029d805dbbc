package frame

import (
	"fmt"
	"image"
	"image/png"
	"io"
	"os"

	"github.com/nfnt/resize"
	xdraw "golang.org/x/image/draw"
)

// Gray16 converts the frame to a 16-bit grayscale image, preserving the
// full sample depth.
func (f *Frame) Gray16() *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, f.Width, f.Height))
	for i, v := range f.Pix {
		// image.Gray16 stores big-endian sample bytes.
		img.Pix[i*2] = byte(v >> 8)
		img.Pix[i*2+1] = byte(v)
	}
	return img
}

// Gray8 converts the frame to 8-bit grayscale by linearly scaling the
// global min..max range onto 0..255. A constant frame comes out all black,
// matching the detector console's display convention.
func (f *Frame) Gray8() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, f.Width, f.Height))
	minV, maxV := f.Pix[0], f.Pix[0]
	for _, v := range f.Pix {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	if maxV == minV {
		return img
	}
	scale := 255.0 / float64(maxV-minV)
	for i, v := range f.Pix {
		img.Pix[i] = uint8(float64(v-minV) * scale)
	}
	return img
}

// EncodePNG writes the frame as PNG. keep16 preserves the 16-bit depth;
// otherwise samples are scaled to 8 bits.
func (f *Frame) EncodePNG(w io.Writer, keep16 bool) error {
	var img image.Image
	if keep16 {
		img = f.Gray16()
	} else {
		img = f.Gray8()
	}
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("frame: encoding png: %w", err)
	}
	return nil
}

// WritePNG writes the frame as a PNG file.
func (f *Frame) WritePNG(path string, keep16 bool) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("frame: creating %s: %w", path, err)
	}
	defer file.Close()
	if err := f.EncodePNG(file, keep16); err != nil {
		return err
	}
	return file.Close()
}

// Preview renders an 8-bit view of the frame downscaled so neither side
// exceeds maxDim. Used by the API preview endpoint.
func (f *Frame) Preview(maxDim int) image.Image {
	src := f.Gray8()
	if maxDim <= 0 || (f.Width <= maxDim && f.Height <= maxDim) {
		return src
	}
	w, h := fitWithin(f.Width, f.Height, maxDim)
	dst := image.NewGray(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Over, nil)
	return dst
}

// Thumbnail produces a small list-view rendering, at most maxPx on the
// longer side.
func (f *Frame) Thumbnail(maxPx int) image.Image {
	if maxPx <= 0 {
		maxPx = 128
	}
	return resize.Thumbnail(uint(maxPx), uint(maxPx), f.Gray8(), resize.Lanczos3)
}

func fitWithin(w, h, maxDim int) (int, int) {
	if w >= h {
		return maxDim, maxInt(1, h*maxDim/w)
	}
	return maxInt(1, w*maxDim/h), maxDim
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
