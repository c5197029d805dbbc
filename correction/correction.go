// Package correction implements the intensity correction pipeline for
// dual-energy exposures: trim the dead border, median-denoise, flatten
// with the per-pixel gain map from calibration, and normalize the result
// onto the calibrated intensity scale.
package correction

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/lumonic/xframe/filter"
	"github.com/lumonic/xframe/frame"
)

// Calibration carries the constants produced by the detector calibration
// run. The defaults match the stock 2048×2560 sensor.
type Calibration struct {
	Margins          frame.Margins `json:"margins"`
	KernelSize       int           `json:"kernelSize"`
	IntensityLow     float64       `json:"intensityLow"`
	IntensityHigh    float64       `json:"intensityHigh"`
	RatioHighOverLow float64       `json:"ratioHighOverLow"`
	CornerSize       int           `json:"cornerSize"`
}

// Default returns the stock calibration constants.
func Default() Calibration {
	return Calibration{
		Margins:          frame.DefaultMargins,
		KernelSize:       3,
		IntensityLow:     15260,
		IntensityHigh:    25726,
		RatioHighOverLow: 1.6858,
		CornerSize:       100,
	}
}

// LoadMap reads a per-pixel gain map from a CSV file: one frame row per
// line, comma-separated floats, all lines the same length.
func LoadMap(path string) (*frame.Float, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("correction: opening gain map %s: %w", path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("correction: parsing gain map %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("correction: gain map %s is empty", path)
	}

	width := len(records[0])
	gain := frame.NewFloat(width, len(records))
	for r, row := range records {
		if len(row) != width {
			return nil, fmt.Errorf("correction: gain map %s row %d has %d columns, want %d", path, r, len(row), width)
		}
		for c, cell := range row {
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("correction: gain map %s row %d col %d: %w", path, r, c, err)
			}
			gain.Pix[r*width+c] = v
		}
	}
	return gain, nil
}

// Pipeline applies the correction to exposures using the gain maps for
// the low- and high-energy channels.
type Pipeline struct {
	Cal      Calibration
	GainLow  *frame.Float
	GainHigh *frame.Float
}

// NewPipeline loads both gain maps and returns a ready pipeline.
func NewPipeline(cal Calibration, lowPath, highPath string) (*Pipeline, error) {
	low, err := LoadMap(lowPath)
	if err != nil {
		return nil, err
	}
	high, err := LoadMap(highPath)
	if err != nil {
		return nil, err
	}
	return &Pipeline{Cal: cal, GainLow: low, GainHigh: high}, nil
}

// Correct runs one exposure through the pipeline: crop, denoise, flatten
// by the gain map, then scale so the mean of the brightest half of the
// samples lands on target.
func (p *Pipeline) Correct(f *frame.Frame, gain *frame.Float, target float64) (*frame.Float, error) {
	cropped, err := f.Crop(p.Cal.Margins)
	if err != nil {
		return nil, err
	}

	denoised, err := filter.Filter(cropped.Pix, cropped.Width, cropped.Height, p.Cal.KernelSize)
	if err != nil {
		return nil, fmt.Errorf("correction: denoise: %w", err)
	}
	flat := (&frame.Frame{Width: cropped.Width, Height: cropped.Height, Pix: denoised}).Float()

	if err := flat.MulElem(gain); err != nil {
		return nil, fmt.Errorf("correction: flatten: %w", err)
	}

	mean, err := flat.TopHalfMean()
	if err != nil {
		return nil, err
	}
	if mean == 0 {
		return nil, fmt.Errorf("correction: flattened exposure has zero top-half mean, cannot normalize")
	}
	flat.Scale(target / mean)
	return flat, nil
}

// CorrectLow corrects a low-energy exposure.
func (p *Pipeline) CorrectLow(f *frame.Frame) (*frame.Float, error) {
	return p.Correct(f, p.GainLow, p.Cal.IntensityLow)
}

// CorrectHigh corrects a high-energy exposure.
func (p *Pipeline) CorrectHigh(f *frame.Frame) (*frame.Float, error) {
	return p.Correct(f, p.GainHigh, p.Cal.IntensityHigh)
}

// PairResult is the outcome of correcting a low/high exposure pair.
type PairResult struct {
	Low      *frame.Float
	High     *frame.Float
	MeanLow  float64
	MeanHigh float64
	Ratio    float64
}

// CorrectPair corrects both exposures of a dual-energy acquisition and
// reports the achieved high/low intensity ratio, which calibration expects
// to sit near Cal.RatioHighOverLow.
func (p *Pipeline) CorrectPair(low, high *frame.Frame) (*PairResult, error) {
	lowOut, err := p.CorrectLow(low)
	if err != nil {
		return nil, fmt.Errorf("correction: low exposure: %w", err)
	}
	highOut, err := p.CorrectHigh(high)
	if err != nil {
		return nil, fmt.Errorf("correction: high exposure: %w", err)
	}

	meanLow, err := lowOut.TopHalfMean()
	if err != nil {
		return nil, err
	}
	meanHigh, err := highOut.TopHalfMean()
	if err != nil {
		return nil, err
	}

	res := &PairResult{Low: lowOut, High: highOut, MeanLow: meanLow, MeanHigh: meanHigh}
	if meanLow != 0 {
		res.Ratio = meanHigh / meanLow
	}
	return res, nil
}
