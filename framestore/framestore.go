// Package framestore writes assembled image frames to disk as NPY stacks,
// TIFF files or FITS files. Every format stores unsigned 16-bit pixels,
// quantized from detector volts.
package framestore

import (
	"fmt"
	"image"
	"math"
	"strings"

	"github.com/hashicorp/go-multierror"
	"gonum.org/v1/gonum/mat"
)

// Format selects a file format.
type Format int

// The supported formats. NPY is the default.
const (
	NPY Format = iota
	TIFF
	FITS
)

func (f Format) String() string {
	switch f {
	case NPY:
		return "npy"
	case TIFF:
		return "tiff"
	case FITS:
		return "fits"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// ParseFormat accepts npy, tif, tiff or fits, in any case.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "npy":
		return NPY, nil
	case "tif", "tiff":
		return TIFF, nil
	case "fits", "fit":
		return FITS, nil
	}
	return NPY, fmt.Errorf("unknown frame file format %q, want npy, tiff or fits", s)
}

// Quantize maps voltages in [0, inputRange] linearly onto [0, 65535], clipping
// values outside that range. The result is in row-major order.
func Quantize(data *mat.Dense, inputRange float64) []uint16 {
	r, c := data.Dims()
	out := make([]uint16, r*c)
	scale := math.MaxUint16 / inputRange
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := math.Round(data.At(i, j) * scale)
			switch {
			case v <= 0 || math.IsNaN(v):
				v = 0
			case v >= math.MaxUint16:
				v = math.MaxUint16
			}
			out[i*c+j] = uint16(v)
		}
	}
	return out
}

// Gray16 returns the quantized frame as an image, row 0 at the top.
func Gray16(data *mat.Dense, inputRange float64) *image.Gray16 {
	r, c := data.Dims()
	img := image.NewGray16(image.Rect(0, 0, c, r))
	for i, v := range Quantize(data, inputRange) {
		img.Pix[2*i] = uint8(v >> 8)
		img.Pix[2*i+1] = uint8(v)
	}
	return img
}

// FrameWriter stores the frames of one input channel.
type FrameWriter interface {
	WriteFrame(index int64, data *mat.Dense) error
	Frames() int
	Close() error
}

// Config describes one channel's output files. Pattern is a printf pattern
// with two %s verbs, replaced by a file's name and its extension.
type Config struct {
	Format     Format
	Pattern    string
	Channel    int
	ImageSize  int
	InputRange float64
}

func (c Config) filename(name, ext string) string {
	return fmt.Sprintf(c.Pattern, name, ext)
}

func (c Config) channelName() string {
	return fmt.Sprintf("chan%d", c.Channel)
}

// New opens a FrameWriter of the configured format.
func New(cfg Config) (FrameWriter, error) {
	if cfg.ImageSize < 1 {
		return nil, fmt.Errorf("framestore: image size %d", cfg.ImageSize)
	}
	if !(cfg.InputRange > 0) {
		return nil, fmt.Errorf("framestore: input range %v", cfg.InputRange)
	}
	if strings.Count(cfg.Pattern, "%s") != 2 {
		return nil, fmt.Errorf("framestore: pattern %q needs exactly two %%s verbs", cfg.Pattern)
	}
	switch cfg.Format {
	case NPY:
		return newNPYWriter(cfg)
	case TIFF:
		return &tiffWriter{cfg: cfg}, nil
	case FITS:
		return &fitsWriter{cfg: cfg}, nil
	}
	return nil, fmt.Errorf("framestore: unsupported format %v", cfg.Format)
}

// Set holds one FrameWriter per input channel.
type Set struct {
	writers []FrameWriter
}

// NewSet opens writers for channels 0 to nchan-1. If any fails, those
// already open are closed.
func NewSet(cfg Config, nchan int) (*Set, error) {
	s := &Set{}
	for c := 0; c < nchan; c++ {
		cfg.Channel = c
		w, err := New(cfg)
		if err != nil {
			return nil, multierror.Append(err, s.Close()).ErrorOrNil()
		}
		s.writers = append(s.writers, w)
	}
	return s, nil
}

// WriteFrame stores data as frame index of the given channel.
func (s *Set) WriteFrame(channel int, index int64, data *mat.Dense) error {
	if channel < 0 || channel >= len(s.writers) {
		return fmt.Errorf("framestore: no writer for channel %d", channel)
	}
	return s.writers[channel].WriteFrame(index, data)
}

// Frames returns the number of frames written on each channel.
func (s *Set) Frames() []int {
	n := make([]int, len(s.writers))
	for i, w := range s.writers {
		n[i] = w.Frames()
	}
	return n
}

// Close closes every writer and reports all of their errors.
func (s *Set) Close() error {
	var result *multierror.Error
	for _, w := range s.writers {
		if err := w.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.writers = nil
	return result.ErrorOrNil()
}

func checkShape(data *mat.Dense, size int) error {
	if r, c := data.Dims(); r != size || c != size {
		return fmt.Errorf("framestore: frame is %dx%d, writer expects %dx%d", r, c, size, size)
	}
	return nil
}
