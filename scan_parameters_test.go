package galvoscan

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultParametersValid(t *testing.T) {
	p := DefaultScanParameters()
	if err := p.Validate(); err != nil {
		t.Errorf("DefaultScanParameters().Validate() = %v, want nil", err)
	}
}

func TestDerivedQuantities(t *testing.T) {
	p := DefaultScanParameters()
	p.ImageSize = 256
	p.FillFraction = 0.9
	p.SamplesPerPixel = 4
	p.SampleRate = 512000
	assert.InDelta(t, 1.1, p.FillFractionExcess(), 1e-12)
	assert.Equal(t, 282, p.CorrectedPointsPerLine())
	assert.Equal(t, 1128, p.SamplesPerLine())
	assert.Equal(t, 1128*256, p.SamplesPerFrame())

	// The frame rate follows sampleRate / (samplesPerLine*imageSize).
	want := p.SampleRate / float64(p.SamplesPerLine()*p.ImageSize)
	assert.InDelta(t, want, p.FrameRate(), 1e-12)
	assert.InDelta(t, 1.773, p.FrameRate(), 0.001)
	assert.InDelta(t, float64(time.Second)/want, float64(p.FramePeriod()), float64(time.Microsecond))
}

func TestScannerAmplitudeLimit(t *testing.T) {
	p := DefaultScanParameters()
	p.FillFraction = 0.9
	p.MaxScannerVoltage = 10

	// 10 V * 1.1 = 11 V exceeds the limit.
	q, err := p.SetField("scannerAmplitude", "10")
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "SetField(scannerAmplitude, 10) error = %v, want ValidationError", err)
	assert.Equal(t, "ScannerAmplitude", verr.Field)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Equal(t, p, q, "rejected SetField must return the old parameters")

	q, err = p.SetField("scannerAmplitude", "9")
	require.NoError(t, err)
	assert.Equal(t, 9.0, q.ScannerAmplitude)
	assert.Equal(t, 3.0, p.ScannerAmplitude, "SetField must not modify the receiver")
}

func TestValidateRejects(t *testing.T) {
	base := DefaultScanParameters()
	tests := []struct {
		name  string
		edit  func(p *ScanParameters)
		field string
	}{
		{"zero size", func(p *ScanParameters) { p.ImageSize = 0 }, "ImageSize"},
		{"negative amplitude", func(p *ScanParameters) { p.ScannerAmplitude = -1 }, "ScannerAmplitude"},
		{"zero samples per pixel", func(p *ScanParameters) { p.SamplesPerPixel = 0 }, "SamplesPerPixel"},
		{"fill fraction zero", func(p *ScanParameters) { p.FillFraction = 0 }, "FillFraction"},
		{"fill fraction above one", func(p *ScanParameters) { p.FillFraction = 1.01 }, "FillFraction"},
		{"zero rate", func(p *ScanParameters) { p.SampleRate = 0 }, "SampleRate"},
		{"no channels", func(p *ScanParameters) { p.InputChannels = 0 }, "InputChannels"},
		{"zero range", func(p *ScanParameters) { p.InputRange = 0 }, "InputRange"},
		{"negative buffer", func(p *ScanParameters) { p.MinBufferedSeconds = -1 }, "MinBufferedSeconds"},
		{"unknown pattern", func(p *ScanParameters) { p.ScanPattern = ScanPattern(7) }, "ScanPattern"},
		{"odd bidi size", func(p *ScanParameters) { p.ScanPattern = Bidirectional; p.ImageSize = 255 }, "ImageSize"},
		{"bidi offset too large", func(p *ScanParameters) {
			p.ScanPattern = Bidirectional
			p.ImageSize = 16
			p.FillFraction = 0.5 // 24 columns per line
			p.BidiPhaseOffset = -5
		}, "BidiPhaseOffset"},
	}
	for _, tc := range tests {
		p := base
		tc.edit(&p)
		err := p.Validate()
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%s: Validate() = %v, want ValidationError", tc.name, err)
			continue
		}
		if verr.Field != tc.field {
			t.Errorf("%s: ValidationError.Field = %q, want %q", tc.name, verr.Field, tc.field)
		}
	}
}

func TestBidiOffsetLimitAccepted(t *testing.T) {
	p := DefaultScanParameters()
	p.ScanPattern = Bidirectional
	p.ImageSize = 16
	p.FillFraction = 0.5
	p.BidiPhaseOffset = 4 // 24 - 8 == 16 columns remain
	assert.NoError(t, p.Validate())
}

func TestSetFieldParsing(t *testing.T) {
	p := DefaultScanParameters()
	q, err := p.SetField("ScanPattern", "BIDI")
	require.NoError(t, err)
	assert.Equal(t, Bidirectional, q.ScanPattern)

	q, err = q.SetField("invertsignal", "true")
	require.NoError(t, err)
	assert.True(t, q.InvertSignal)

	_, err = p.SetField("imagesize", "big")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = p.SetField("nosuchfield", "1")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = p.SetField("scanpattern", "spiral")
	assert.ErrorIs(t, err, ErrValidation)

	assert.Len(t, ParameterNames(), 12)
	for _, name := range ParameterNames() {
		if _, err := p.SetField(name, "x"); err == nil {
			t.Errorf("SetField(%q, \"x\") succeeded, want a parse error", name)
		}
	}
}

func TestScanPatternText(t *testing.T) {
	text, err := Bidirectional.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "bidirectional", string(text))
	var sp ScanPattern
	require.NoError(t, sp.UnmarshalText([]byte("Unidirectional")))
	assert.Equal(t, Unidirectional, sp)
	assert.Error(t, sp.UnmarshalText([]byte("resonant")))
}
