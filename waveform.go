package galvoscan

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"gonum.org/v1/gonum/floats"
)

// Waveform is one frame's worth of galvo drive voltages. X is the fast axis and
// Y the slow axis. A Waveform is never modified after GenerateWaveform returns
// it, so the buffer controller may replay the same slices indefinitely.
type Waveform struct {
	X, Y   []float64
	Params ScanParameters
}

// Len is the number of samples per channel (one frame).
func (w *Waveform) Len() int {
	return len(w.X)
}

// Duration is the playback time of one frame, in seconds.
func (w *Waveform) Duration() float64 {
	return float64(w.Len()) / w.Params.SampleRate
}

// Interleaved returns X,Y pairs in a single slice (x0,y0,x1,y1,...), the
// layout of a two-channel analog output write.
func (w *Waveform) Interleaved() []float64 {
	out := make([]float64, 2*len(w.X))
	for i := range w.X {
		out[2*i] = w.X[i]
		out[2*i+1] = w.Y[i]
	}
	return out
}

// linspace returns n evenly spaced values from lo to hi inclusive.
func linspace(lo, hi float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = lo
		return out
	}
	return floats.Span(out, lo, hi)
}

// GenerateWaveform builds the X and Y drive signals for one frame.
// The result depends only on p, so equal parameters give bit-identical
// waveforms.
func GenerateWaveform(p ScanParameters) (*Waveform, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	n := p.ImageSize
	spl := p.SamplesPerLine()
	amp := p.ScannerAmplitude

	// Y is shortened by the fill fraction so the trimmed image stays square.
	y := linspace(amp*p.FillFraction, -amp*p.FillFraction, spl*n)

	line := linspace(-amp, amp, spl)
	var tile []float64
	var ntiles int
	switch p.ScanPattern {
	case Bidirectional:
		tile = make([]float64, 2*spl)
		copy(tile, line)
		for i, v := range line {
			tile[2*spl-1-i] = v
		}
		ntiles = n / 2
	default:
		tile = line
		ntiles = n
	}
	x := make([]float64, 0, len(tile)*ntiles)
	for i := 0; i < ntiles; i++ {
		x = append(x, tile...)
	}

	if len(x) != len(y) {
		return nil, &WaveformLengthMismatchError{LenX: len(x), LenY: len(y)}
	}
	return &Waveform{X: x, Y: y, Params: p}, nil
}

// WriteWaveformCSV writes w as CSV: a header row of analog output channel
// numbers (xChan, yChan) followed by one row per sample.
func WriteWaveformCSV(out io.Writer, w *Waveform, xChan, yChan int) error {
	cw := csv.NewWriter(out)
	if err := cw.Write([]string{strconv.Itoa(xChan), strconv.Itoa(yChan)}); err != nil {
		return err
	}
	row := make([]string, 2)
	for i := range w.X {
		row[0] = strconv.FormatFloat(w.X[i], 'g', -1, 64)
		row[1] = strconv.FormatFloat(w.Y[i], 'g', -1, 64)
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing waveform sample %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
