package galvoscan

import (
	"bytes"
	"encoding/csv"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaveformDeterministic(t *testing.T) {
	for _, pattern := range []ScanPattern{Unidirectional, Bidirectional} {
		p := DefaultScanParameters()
		p.ImageSize = 64
		p.ScanPattern = pattern
		w1, err := GenerateWaveform(p)
		require.NoError(t, err)
		w2, err := GenerateWaveform(p)
		require.NoError(t, err)
		require.Equal(t, len(w1.X), len(w2.X))
		for i := range w1.X {
			if math.Float64bits(w1.X[i]) != math.Float64bits(w2.X[i]) ||
				math.Float64bits(w1.Y[i]) != math.Float64bits(w2.Y[i]) {
				t.Fatalf("%v waveforms differ at sample %d", pattern, i)
			}
		}
	}
}

func TestWaveformLength(t *testing.T) {
	for _, n := range []int{1, 4, 16, 63, 256} {
		for _, ff := range []float64{0.5, 0.8, 0.9, 1.0} {
			for _, spp := range []int{1, 2, 4} {
				p := DefaultScanParameters()
				p.ImageSize = n
				p.FillFraction = ff
				p.SamplesPerPixel = spp
				w, err := GenerateWaveform(p)
				if err != nil {
					t.Errorf("GenerateWaveform(n=%d, ff=%v, spp=%d) error %v", n, ff, spp, err)
					continue
				}
				spl := int(math.Ceil(float64(n)*(2-ff))) * spp
				if len(w.X) != spl*n || len(w.Y) != spl*n {
					t.Errorf("n=%d ff=%v spp=%d: len(X)=%d len(Y)=%d, want %d",
						n, ff, spp, len(w.X), len(w.Y), spl*n)
				}
			}
		}
	}
}

func TestWaveformShape(t *testing.T) {
	p := DefaultScanParameters()
	p.ImageSize = 8
	p.FillFraction = 0.8
	p.SamplesPerPixel = 2
	p.ScannerAmplitude = 2
	w, err := GenerateWaveform(p)
	require.NoError(t, err)
	spl := p.SamplesPerLine()

	assert.Equal(t, p.ScannerAmplitude*p.FillFraction, w.Y[0])
	assert.InDelta(t, -p.ScannerAmplitude*p.FillFraction, w.Y[len(w.Y)-1], 1e-12)
	for i := 1; i < len(w.Y); i++ {
		if w.Y[i] >= w.Y[i-1] {
			t.Fatalf("Y is not strictly decreasing at %d", i)
		}
	}
	for line := 0; line < p.ImageSize; line++ {
		assert.Equal(t, -2.0, w.X[line*spl])
		assert.InDelta(t, 2.0, w.X[(line+1)*spl-1], 1e-12)
	}

	p.ScanPattern = Bidirectional
	w, err = GenerateWaveform(p)
	require.NoError(t, err)
	for line := 0; line < p.ImageSize; line += 2 {
		fwd := w.X[line*spl : (line+1)*spl]
		back := w.X[(line+1)*spl : (line+2)*spl]
		for i := range fwd {
			if fwd[i] != back[spl-1-i] {
				t.Fatalf("return line %d is not the reverse of line %d at %d", line+1, line, i)
			}
		}
	}
}

func TestWaveformRejectsInvalid(t *testing.T) {
	p := DefaultScanParameters()
	p.ScannerAmplitude = 10
	_, err := GenerateWaveform(p)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestWaveformLengthMismatchError(t *testing.T) {
	err := error(&WaveformLengthMismatchError{LenX: 10, LenY: 12})
	assert.ErrorIs(t, err, ErrWaveformLengthMismatch)
	assert.Contains(t, err.Error(), "len(X)=10")
}

func TestInterleavedAndCSV(t *testing.T) {
	p := DefaultScanParameters()
	p.ImageSize = 4
	w, err := GenerateWaveform(p)
	require.NoError(t, err)
	il := w.Interleaved()
	require.Len(t, il, 2*w.Len())
	assert.Equal(t, w.X[3], il[6])
	assert.Equal(t, w.Y[3], il[7])

	var buf bytes.Buffer
	require.NoError(t, WriteWaveformCSV(&buf, w, 0, 1))
	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, w.Len()+1)
	assert.Equal(t, []string{"0", "1"}, records[0])
	assert.Equal(t, "-3", records[1][0])
}
