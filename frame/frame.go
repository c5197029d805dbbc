// Package frame handles raw detector frames: fixed-size row-major grids
// of unsigned 16-bit samples as written by the detector readout. It reads
// and writes the on-disk raw format (optionally zstd-compressed), converts
// frames to PNG, and provides the geometry and intensity statistics the
// correction pipeline needs.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Default detector geometry. Frames from the line detector are 2048
// columns by 2560 rows of little-endian uint16 samples.
const (
	DefaultWidth  = 2048
	DefaultHeight = 2560
)

// ErrSizeMismatch is returned when a raw stream does not contain exactly
// width*height 16-bit samples.
var ErrSizeMismatch = errors.New("frame: raw size mismatch")

// Frame is a single detector exposure: a Width×Height grid of 16-bit
// samples in row-major order.
type Frame struct {
	Width  int
	Height int
	Pix    []uint16
}

// New allocates a zeroed frame.
func New(width, height int) *Frame {
	return &Frame{
		Width:  width,
		Height: height,
		Pix:    make([]uint16, width*height),
	}
}

// At returns the sample at (row, col). Bounds are the caller's problem,
// same as indexing Pix directly.
func (f *Frame) At(row, col int) uint16 {
	return f.Pix[row*f.Width+col]
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	c := New(f.Width, f.Height)
	copy(c.Pix, f.Pix)
	return c
}

// DecodeRaw reads width*height 16-bit samples with the given byte order
// from r. The stream must contain exactly the expected number of bytes;
// anything else reports ErrSizeMismatch.
func DecodeRaw(r io.Reader, width, height int, order binary.ByteOrder) (*Frame, error) {
	if width < 1 || height < 1 {
		return nil, fmt.Errorf("frame: invalid dimensions %dx%d", width, height)
	}
	want := width * height * 2
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("frame: reading raw stream: %w", err)
	}
	if len(buf) != want {
		return nil, fmt.Errorf("%w: got %d bytes, want %d for %dx%d", ErrSizeMismatch, len(buf), want, width, height)
	}

	f := New(width, height)
	for i := range f.Pix {
		f.Pix[i] = order.Uint16(buf[i*2:])
	}
	return f, nil
}

// EncodeRaw writes the frame's samples to w with the given byte order.
func (f *Frame) EncodeRaw(w io.Writer, order binary.ByteOrder) error {
	buf := make([]byte, len(f.Pix)*2)
	for i, v := range f.Pix {
		order.PutUint16(buf[i*2:], v)
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("frame: writing raw stream: %w", err)
	}
	return nil
}

// ReadRaw loads a raw frame file. Files ending in .zst are decompressed
// transparently; the decoded payload is validated the same way.
func ReadRaw(path string, width, height int, order binary.ByteOrder) (*Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("frame: opening %s: %w", path, err)
	}
	defer file.Close()

	var r io.Reader = file
	if IsCompressed(path) {
		dec, err := zstd.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("frame: zstd reader for %s: %w", path, err)
		}
		defer dec.Close()
		r = dec
	}

	f, err := DecodeRaw(r, width, height, order)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// WriteRaw writes a raw frame file, zstd-compressed when the path ends in
// .zst.
func (f *Frame) WriteRaw(path string, order binary.ByteOrder) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("frame: creating %s: %w", path, err)
	}
	defer file.Close()

	var w io.Writer = file
	var enc *zstd.Encoder
	if IsCompressed(path) {
		enc, err = zstd.NewWriter(file)
		if err != nil {
			return fmt.Errorf("frame: zstd writer for %s: %w", path, err)
		}
		w = enc
	}

	if err := f.EncodeRaw(w, order); err != nil {
		return err
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return fmt.Errorf("frame: finishing zstd stream for %s: %w", path, err)
		}
	}
	return file.Close()
}

// IsCompressed reports whether path names a zstd-compressed raw file.
func IsCompressed(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".zst")
}

// IsRawPath reports whether path looks like a raw frame file the pipeline
// should pick up: .raw or .raw.zst.
func IsRawPath(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".raw") || strings.HasSuffix(lower, ".raw.zst")
}

// ByteOrder resolves the config-level endianness name. Anything other
// than "big" means little-endian, which is what the detector emits.
func ByteOrder(name string) binary.ByteOrder {
	if strings.EqualFold(name, "big") {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
