package galvoscan

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ScanPattern says whether data are taken on one or both sweeps of the fast axis.
type ScanPattern int

// Names for the possible values of ScanPattern
const (
	Unidirectional ScanPattern = iota // data on the outgoing sweep only
	Bidirectional                     // data on outgoing and return sweeps
)

func (p ScanPattern) String() string {
	switch p {
	case Unidirectional:
		return "unidirectional"
	case Bidirectional:
		return "bidirectional"
	}
	return fmt.Sprintf("ScanPattern(%d)", int(p))
}

// ParseScanPattern accepts "uni", "unidirectional", "bidi" or "bidirectional",
// in any case.
func ParseScanPattern(s string) (ScanPattern, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "uni", "unidirectional":
		return Unidirectional, nil
	case "bidi", "bidirectional":
		return Bidirectional, nil
	}
	return Unidirectional, invalid("ScanPattern", s, "must be unidirectional or bidirectional")
}

// MarshalText lets viper and yaml store the pattern by name.
func (p ScanPattern) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (p *ScanPattern) UnmarshalText(text []byte) error {
	v, err := ParseScanPattern(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ScanParameters holds everything needed to build one frame's drive waveform
// and to reconstruct a frame from the digitized samples. It is a value type:
// every change makes a new copy.
type ScanParameters struct {
	ImageSize          int         `yaml:"imageSize" mapstructure:"imagesize"`
	ScannerAmplitude   float64     `yaml:"scannerAmplitude" mapstructure:"scanneramplitude"`
	SamplesPerPixel    int         `yaml:"samplesPerPixel" mapstructure:"samplesperpixel"`
	FillFraction       float64     `yaml:"fillFraction" mapstructure:"fillfraction"`
	ScanPattern        ScanPattern `yaml:"scanPattern" mapstructure:"scanpattern"`
	BidiPhaseOffset    int         `yaml:"bidiPhaseOffset" mapstructure:"bidiphaseoffset"`
	SampleRate         float64     `yaml:"sampleRate" mapstructure:"samplerate"`
	MaxScannerVoltage  float64     `yaml:"maxScannerVoltage" mapstructure:"maxscannervoltage"`
	InvertSignal       bool        `yaml:"invertSignal" mapstructure:"invertsignal"`
	InputChannels      int         `yaml:"inputChannels" mapstructure:"inputchannels"`
	InputRange         float64     `yaml:"inputRange" mapstructure:"inputrange"`
	MinBufferedSeconds float64     `yaml:"minBufferedSeconds" mapstructure:"minbufferedseconds"`
}

// DefaultScanParameters returns a small, valid unidirectional configuration.
func DefaultScanParameters() ScanParameters {
	return ScanParameters{
		ImageSize:          256,
		ScannerAmplitude:   3,
		SamplesPerPixel:    4,
		FillFraction:       0.9,
		ScanPattern:        Unidirectional,
		BidiPhaseOffset:    0,
		SampleRate:         512000,
		MaxScannerVoltage:  10,
		InvertSignal:       false,
		InputChannels:      1,
		InputRange:         2,
		MinBufferedSeconds: 1,
	}
}

// FillFractionExcess is 2-FillFraction, the factor by which each line is
// lengthened to leave room for the mirror turnaround.
func (p ScanParameters) FillFractionExcess() float64 {
	return 2 - p.FillFraction
}

// CorrectedPointsPerLine is the number of pixels acquired per line, including
// the turnaround pixels that are trimmed away.
func (p ScanParameters) CorrectedPointsPerLine() int {
	return int(math.Ceil(float64(p.ImageSize) * p.FillFractionExcess()))
}

// SamplesPerLine is the number of raw samples per scan line.
func (p ScanParameters) SamplesPerLine() int {
	return p.CorrectedPointsPerLine() * p.SamplesPerPixel
}

// SamplesPerFrame is the waveform length, also the input chunk length.
func (p ScanParameters) SamplesPerFrame() int {
	return p.SamplesPerLine() * p.ImageSize
}

// FramePeriod is the time to scan one frame.
func (p ScanParameters) FramePeriod() time.Duration {
	return time.Duration(float64(time.Second) * float64(p.SamplesPerFrame()) / p.SampleRate)
}

// FrameRate is the number of frames per second.
func (p ScanParameters) FrameRate() float64 {
	return p.SampleRate / float64(p.SamplesPerFrame())
}

// Validate checks every invariant. It never touches hardware.
func (p ScanParameters) Validate() error {
	if p.ImageSize <= 0 {
		return invalid("ImageSize", p.ImageSize, "must be positive")
	}
	if !(p.ScannerAmplitude > 0) {
		return invalid("ScannerAmplitude", p.ScannerAmplitude, "must be positive")
	}
	if p.SamplesPerPixel < 1 {
		return invalid("SamplesPerPixel", p.SamplesPerPixel, "must be at least 1")
	}
	if !(p.FillFraction > 0 && p.FillFraction <= 1) {
		return invalid("FillFraction", p.FillFraction, "must be in (0, 1]")
	}
	if !(p.SampleRate > 0) {
		return invalid("SampleRate", p.SampleRate, "must be positive")
	}
	if !(p.MaxScannerVoltage > 0) {
		return invalid("MaxScannerVoltage", p.MaxScannerVoltage, "must be positive")
	}
	if peak := p.ScannerAmplitude * p.FillFractionExcess(); peak > p.MaxScannerVoltage {
		return invalid("ScannerAmplitude", p.ScannerAmplitude,
			"needs %.3f V peak at fill fraction %g, above the %g V maximum", peak, p.FillFraction, p.MaxScannerVoltage)
	}
	if p.InputChannels < 1 {
		return invalid("InputChannels", p.InputChannels, "must be at least 1")
	}
	if !(p.InputRange > 0) {
		return invalid("InputRange", p.InputRange, "must be positive")
	}
	if p.MinBufferedSeconds < 0 || math.IsNaN(p.MinBufferedSeconds) {
		return invalid("MinBufferedSeconds", p.MinBufferedSeconds, "must not be negative")
	}
	switch p.ScanPattern {
	case Unidirectional:
	case Bidirectional:
		if p.ImageSize%2 != 0 {
			return invalid("ImageSize", p.ImageSize, "must be even for bidirectional scanning")
		}
		edge := p.BidiPhaseOffset
		if edge < 0 {
			edge = -edge
		}
		if width := p.CorrectedPointsPerLine() - 2*edge; width < p.ImageSize {
			return invalid("BidiPhaseOffset", p.BidiPhaseOffset,
				"leaves %d columns after edge trimming, fewer than ImageSize %d", width, p.ImageSize)
		}
	default:
		return invalid("ScanPattern", p.ScanPattern, "is not a known pattern")
	}
	return nil
}

// SetField returns a copy of p with the named field parsed from value. Field
// names are case-insensitive. The copy is validated before it is returned, so
// on error the caller's parameters are untouched by construction.
func (p ScanParameters) SetField(field, value string) (ScanParameters, error) {
	q := p
	value = strings.TrimSpace(value)
	name := strings.ToLower(strings.TrimSpace(field))
	var err error
	switch name {
	case "imagesize":
		q.ImageSize, err = strconv.Atoi(value)
	case "scanneramplitude":
		q.ScannerAmplitude, err = strconv.ParseFloat(value, 64)
	case "samplesperpixel":
		q.SamplesPerPixel, err = strconv.Atoi(value)
	case "fillfraction":
		q.FillFraction, err = strconv.ParseFloat(value, 64)
	case "scanpattern":
		q.ScanPattern, err = ParseScanPattern(value)
	case "bidiphaseoffset":
		q.BidiPhaseOffset, err = strconv.Atoi(value)
	case "samplerate":
		q.SampleRate, err = strconv.ParseFloat(value, 64)
	case "maxscannervoltage":
		q.MaxScannerVoltage, err = strconv.ParseFloat(value, 64)
	case "invertsignal":
		q.InvertSignal, err = strconv.ParseBool(value)
	case "inputchannels":
		q.InputChannels, err = strconv.Atoi(value)
	case "inputrange":
		q.InputRange, err = strconv.ParseFloat(value, 64)
	case "minbufferedseconds":
		q.MinBufferedSeconds, err = strconv.ParseFloat(value, 64)
	default:
		return p, invalid(field, value, "is not a scan parameter")
	}
	if err != nil {
		if _, ok := err.(*ValidationError); ok {
			return p, err
		}
		return p, invalid(field, value, "cannot be parsed: %v", err)
	}
	if err := q.Validate(); err != nil {
		return p, err
	}
	return q, nil
}

// ParameterNames lists the keys accepted by SetField.
func ParameterNames() []string {
	return []string{"imagesize", "scanneramplitude", "samplesperpixel", "fillfraction",
		"scanpattern", "bidiphaseoffset", "samplerate", "maxscannervoltage",
		"invertsignal", "inputchannels", "inputrange", "minbufferedseconds"}
}
