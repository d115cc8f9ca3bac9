package galvoscan

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// FrameIndex counts frames delivered by a session. It never decreases.
type FrameIndex int64

// RawFrameBlock is one frame's worth of digitized input: Data has one row per
// sample and one column per analog input channel.
type RawFrameBlock struct {
	Data      *mat.Dense
	Timestamp time.Time
}

// NewRawFrameBlock wraps samples that are already laid out sample-major
// (s0c0, s0c1, ..., s1c0, ...). Samples that cannot form whole rows of nchan
// values are a *FrameShapeMismatchError.
func NewRawFrameBlock(samples []float64, nchan int, ts time.Time) (*RawFrameBlock, error) {
	switch {
	case nchan < 1:
		return nil, &FrameShapeMismatchError{Channel: -1, Samples: len(samples),
			Msg: fmt.Sprintf("%d input channels", nchan)}
	case len(samples) == 0:
		return nil, &FrameShapeMismatchError{Channel: -1, Msg: "no samples"}
	case len(samples)%nchan != 0:
		return nil, &FrameShapeMismatchError{Channel: -1, Samples: len(samples),
			Msg: fmt.Sprintf("not divisible by %d channels", nchan)}
	}
	return &RawFrameBlock{Data: mat.NewDense(len(samples)/nchan, nchan, samples), Timestamp: ts}, nil
}

// Frame is one reconstructed image for one input channel.
type Frame struct {
	Channel   int
	Index     FrameIndex
	Timestamp time.Time
	Data      *mat.Dense // ImageSize x ImageSize, rows follow the fast axis
	// InputRange is the analog input range (volts) in force when the frame
	// was acquired; consumers scale pixel values by it.
	InputRange float64
}

// Size returns the side length of the (square) frame.
func (f *Frame) Size() int {
	r, _ := f.Data.Dims()
	return r
}

// AssembleFrame reconstructs the image for one channel of block.
func AssembleFrame(block *RawFrameBlock, p ScanParameters, channel int) (*Frame, error) {
	if block == nil || block.Data == nil {
		return nil, &FrameShapeMismatchError{Channel: channel, Msg: "empty block"}
	}
	nsamp, nchan := block.Data.Dims()
	if channel < 0 || channel >= nchan {
		return nil, &FrameShapeMismatchError{Channel: channel, Samples: nsamp,
			Msg: fmt.Sprintf("block has %d channels", nchan)}
	}
	spp := p.SamplesPerPixel
	if spp < 1 || nsamp%spp != 0 {
		return nil, &FrameShapeMismatchError{Channel: channel, Samples: nsamp,
			Msg: fmt.Sprintf("not divisible by %d samples per pixel", spp)}
	}
	n := p.ImageSize
	cppl := p.CorrectedPointsPerLine()
	npix := nsamp / spp
	if npix != cppl*n {
		return nil, &FrameShapeMismatchError{Channel: channel, Samples: nsamp,
			Msg: fmt.Sprintf("%d pixels, want %d x %d", npix, cppl, n)}
	}

	raw := mat.Col(nil, channel, block.Data)
	avg := make([]float64, npix)
	norm := 1.0 / float64(spp)
	for i := range avg {
		avg[i] = floats.Sum(raw[i*spp:(i+1)*spp]) * norm
	}
	if p.InvertSignal {
		floats.Scale(-1, avg)
	}

	// The averaged stream is cppl (fast) by n (slow), column-major. Rotating it a
	// quarter turn counter-clockwise puts scan line n-1-i in image row i.
	rows := make([][]float64, n)
	for i := range rows {
		line := n - 1 - i
		rows[i] = avg[line*cppl : (line+1)*cppl]
	}

	var start int
	switch p.ScanPattern {
	case Bidirectional:
		rows, start = correctBidirectional(rows, p.BidiPhaseOffset, n)
	default:
		start = cppl - n
	}

	data := mat.NewDense(n, n, nil)
	for i, row := range rows {
		data.SetRow(i, row[start:start+n])
	}
	return &Frame{Channel: channel, Timestamp: block.Timestamp, Data: data, InputRange: p.InputRange}, nil
}

// correctBidirectional realigns return lines with outgoing lines. Rows at odd
// index are reversed, even rows shift left by offset and odd rows right by
// offset (circularly), then every row is reversed. It returns new rows and the
// first column to keep: offset columns are trimmed from each edge and the
// remaining turnaround is split evenly between the two sides.
func correctBidirectional(rows [][]float64, offset, n int) ([][]float64, int) {
	w := len(rows[0])
	out := make([][]float64, len(rows))
	tmp := make([]float64, w)
	for i, row := range rows {
		copy(tmp, row)
		shift := -offset
		if i%2 == 1 {
			reverse(tmp)
			shift = offset
		}
		dst := make([]float64, w)
		circShift(dst, tmp, shift)
		reverse(dst)
		out[i] = dst
	}
	edge := offset
	if edge < 0 {
		edge = -edge
	}
	return out, edge + (w-2*edge-n)/2
}

// circShift sets dst[c] = src[c-s] with wraparound.
func circShift(dst, src []float64, s int) {
	w := len(src)
	s %= w
	if s < 0 {
		s += w
	}
	copy(dst[s:], src[:w-s])
	copy(dst[:s], src[w-s:])
}

func reverse(v []float64) {
	for i, j := 0, len(v)-1; i < j; i, j = i+1, j-1 {
		v[i], v[j] = v[j], v[i]
	}
}

// AssembleFrames reconstructs every channel of block. If any channel fails, the
// whole block is rejected.
func AssembleFrames(block *RawFrameBlock, p ScanParameters) ([]*Frame, error) {
	if block == nil || block.Data == nil {
		return nil, &FrameShapeMismatchError{Msg: "empty block"}
	}
	nsamp, nchan := block.Data.Dims()
	if nchan != p.InputChannels {
		return nil, &FrameShapeMismatchError{Channel: -1, Samples: nsamp,
			Msg: fmt.Sprintf("block has %d channels, want %d", nchan, p.InputChannels)}
	}
	frames := make([]*Frame, nchan)
	for c := range frames {
		f, err := AssembleFrame(block, p, c)
		if err != nil {
			return nil, err
		}
		frames[c] = f
	}
	return frames, nil
}
