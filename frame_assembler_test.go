package galvoscan

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

func TestAssembleIdentityUnidirectional(t *testing.T) {
	p := DefaultScanParameters()
	p.ImageSize = 4
	p.FillFraction = 0.9
	p.SamplesPerPixel = 1
	p.ScanPattern = Unidirectional
	w, err := GenerateWaveform(p)
	require.NoError(t, err)

	block := SynthesizeBlock(w, 0, 1, IdentityDetector)
	f, err := AssembleFrame(block, p, 0)
	require.NoError(t, err)
	require.Equal(t, 4, f.Size())

	amp := p.ScannerAmplitude
	for i := 0; i < 4; i++ {
		row := mat.Row(nil, i, f.Data)
		for j, v := range row {
			if v < -amp || v > amp {
				t.Errorf("pixel (%d,%d)=%v outside [%v, %v]", i, j, v, -amp, amp)
			}
			if j > 0 && v <= row[j-1] {
				t.Errorf("row %d is not increasing at column %d: %v", i, j, row)
			}
		}
	}
	// The first of 5 columns per line was turnaround and is gone.
	assert.InDelta(t, -1.5, f.Data.At(0, 0), 1e-12)
	assert.InDelta(t, amp, f.Data.At(0, 3), 1e-12)
}

func TestAssembleAveragesAndInverts(t *testing.T) {
	p := DefaultScanParameters()
	p.ImageSize = 2
	p.FillFraction = 1
	p.SamplesPerPixel = 3
	// 2 lines of 2 pixels of 3 samples.
	samples := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	block := mustBlock(t, samples, 1, time.Unix(100, 0))

	f, err := AssembleFrame(block, p, 0)
	require.NoError(t, err)
	// Line 1 comes first after the quarter turn.
	assert.Equal(t, []float64{8, 11}, mat.Row(nil, 0, f.Data))
	assert.Equal(t, []float64{2, 5}, mat.Row(nil, 1, f.Data))
	assert.Equal(t, time.Unix(100, 0), f.Timestamp)
	assert.Equal(t, p.InputRange, f.InputRange)

	p.InvertSignal = true
	f, err = AssembleFrame(block, p, 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{-8, -11}, mat.Row(nil, 0, f.Data))
}

func TestAssembleMultiChannel(t *testing.T) {
	p := DefaultScanParameters()
	p.ImageSize = 8
	p.InputChannels = 2
	w, err := GenerateWaveform(p)
	require.NoError(t, err)
	detector := func(c int, x, y float64) float64 {
		if c == 1 {
			return 2 * y
		}
		return x
	}
	frames, err := AssembleFrames(SynthesizeBlock(w, 0, 2, detector), p)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, 0, frames[0].Channel)
	assert.Equal(t, 1, frames[1].Channel)
	// Channel 1 sees Y, which is constant-ish along a row and varies between rows.
	assert.Less(t, frames[1].Data.At(0, 0), frames[1].Data.At(7, 0))

	_, err = AssembleFrames(SynthesizeBlock(w, 0, 1, detector), p)
	assert.ErrorIs(t, err, ErrFrameShapeMismatch)
}

func adjacentRowCorrelations(f *Frame) []float64 {
	n := f.Size()
	corr := make([]float64, n-1)
	for i := 0; i < n-1; i++ {
		corr[i] = stat.Correlation(mat.Row(nil, i, f.Data), mat.Row(nil, i+1, f.Data), nil)
	}
	return corr
}

func TestBidirectionalPhaseCorrection(t *testing.T) {
	const lag = 3
	p := DefaultScanParameters()
	p.ImageSize = 16
	p.FillFraction = 0.5 // 24 columns per line
	p.SamplesPerPixel = 1
	p.ScanPattern = Bidirectional
	w, err := GenerateWaveform(p)
	require.NoError(t, err)

	// The scene is a sinusoid in X with a 12-pixel period; the detector sees it
	// lag samples late, which offsets outgoing and return lines in opposite
	// directions.
	cols := float64(p.CorrectedPointsPerLine() - 1)
	amp := p.ScannerAmplitude
	scene := func(c int, x, y float64) float64 {
		pos := (x + amp) / (2 * amp) * cols
		return math.Sin(2 * math.Pi * pos / 12)
	}
	block := SynthesizeBlock(w, lag, 1, scene)

	p.BidiPhaseOffset = lag
	corrected, err := AssembleFrame(block, p, 0)
	require.NoError(t, err)
	require.Equal(t, 16, corrected.Size())
	for i, c := range adjacentRowCorrelations(corrected) {
		if c < 0.99 {
			t.Errorf("with offset %d, rows %d and %d correlate %.3f, want > 0.99", lag, i, i+1, c)
		}
	}

	p.BidiPhaseOffset = 0
	uncorrected, err := AssembleFrame(block, p, 0)
	require.NoError(t, err)
	for i, c := range adjacentRowCorrelations(uncorrected) {
		if c > 0 {
			t.Errorf("without offset, rows %d and %d correlate %.3f, want < 0", i, i+1, c)
		}
	}
}

func TestBidirectionalWithoutLag(t *testing.T) {
	p := DefaultScanParameters()
	p.ImageSize = 8
	p.SamplesPerPixel = 2
	p.ScanPattern = Bidirectional
	w, err := GenerateWaveform(p)
	require.NoError(t, err)
	f, err := AssembleFrame(SynthesizeBlock(w, 0, 1, IdentityDetector), p, 0)
	require.NoError(t, err)
	// With no lag every row, outgoing or return, reads the same X positions
	// left to right.
	first := mat.Row(nil, 0, f.Data)
	for i := 1; i < 8; i++ {
		assert.InDeltaSlice(t, first, mat.Row(nil, i, f.Data), 1e-9, "row %d", i)
	}
	for j := 1; j < 8; j++ {
		assert.Greater(t, first[j], first[j-1])
	}
}

func TestAssembleShapeErrors(t *testing.T) {
	p := DefaultScanParameters()
	p.ImageSize = 4
	p.SamplesPerPixel = 2
	w, err := GenerateWaveform(p)
	require.NoError(t, err)
	good := SynthesizeBlock(w, 0, 1, IdentityDetector)
	_, err = AssembleFrame(good, p, 0)
	require.NoError(t, err)

	short := mustBlock(t, append([]float64(nil), w.X[:w.Len()-1]...), 1, time.Now())
	_, err = AssembleFrame(short, p, 0)
	var ferr *FrameShapeMismatchError
	require.True(t, errors.As(err, &ferr), "odd-length block error = %v", err)
	assert.Equal(t, w.Len()-1, ferr.Samples)

	shorter := mustBlock(t, append([]float64(nil), w.X[:w.Len()-2]...), 1, time.Now())
	_, err = AssembleFrame(shorter, p, 0)
	assert.ErrorIs(t, err, ErrFrameShapeMismatch)

	_, err = AssembleFrame(good, p, 1)
	assert.ErrorIs(t, err, ErrFrameShapeMismatch)
	_, err = AssembleFrame(nil, p, 0)
	assert.ErrorIs(t, err, ErrFrameShapeMismatch)
}

func mustBlock(t *testing.T, samples []float64, nchan int, ts time.Time) *RawFrameBlock {
	t.Helper()
	block, err := NewRawFrameBlock(samples, nchan, ts)
	require.NoError(t, err)
	return block
}

func TestNewRawFrameBlockRejectsRaggedSamples(t *testing.T) {
	block, err := NewRawFrameBlock(make([]float64, 12), 3, time.Now())
	require.NoError(t, err)
	r, c := block.Data.Dims()
	assert.Equal(t, 4, r)
	assert.Equal(t, 3, c)

	tests := []struct {
		name    string
		samples []float64
		nchan   int
	}{
		{"empty", nil, 1},
		{"ragged", make([]float64, 10), 3},
		{"no channels", make([]float64, 10), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var block *RawFrameBlock
			var err error
			assert.NotPanics(t, func() { block, err = NewRawFrameBlock(tt.samples, tt.nchan, time.Now()) })
			assert.Nil(t, block)
			var ferr *FrameShapeMismatchError
			require.True(t, errors.As(err, &ferr), "error = %v", err)
			assert.Equal(t, len(tt.samples), ferr.Samples)
			assert.ErrorIs(t, err, ErrFrameShapeMismatch)
		})
	}
}

func TestCircShift(t *testing.T) {
	src := []float64{0, 1, 2, 3, 4}
	dst := make([]float64, 5)
	circShift(dst, src, 2)
	assert.Equal(t, []float64{3, 4, 0, 1, 2}, dst)
	circShift(dst, src, -1)
	assert.Equal(t, []float64{1, 2, 3, 4, 0}, dst)
	circShift(dst, src, 5)
	assert.Equal(t, src, dst)
}
