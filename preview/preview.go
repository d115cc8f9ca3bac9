// Package preview keeps a picture of the most recent frame of each channel on
// disk, together with a histogram of its pixel values, for quick inspection
// by people and by simple viewers that poll a directory.
package preview

import (
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/rasterlab/galvoscan"
	"github.com/rasterlab/galvoscan/framestore"
	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Writer is a galvoscan.FrameConsumer that rewrites latest_chanN.png and
// histogram_chanN.png at most a few times per second for each channel. It
// must be used from a single goroutine, such as an AsyncConsumer's worker.
type Writer struct {
	dir        string
	inputRange float64
	bins       int
	maxRate    rate.Limit
	limiters   map[int]*rate.Limiter
	written    atomic.Int64
	skipped    atomic.Int64
}

// New returns a Writer into dir (created if needed). Frames of one channel
// arriving faster than maxPerSecond are skipped. Pixels are scaled from
// [0, f.InputRange] volts, or [0, inputRange] for frames that carry no range.
func New(dir string, inputRange, maxPerSecond float64) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	if maxPerSecond <= 0 {
		return nil, fmt.Errorf("preview rate %v must be positive", maxPerSecond)
	}
	return &Writer{
		dir:        dir,
		inputRange: inputRange,
		bins:       64,
		maxRate:    rate.Limit(maxPerSecond),
		limiters:   make(map[int]*rate.Limiter),
	}, nil
}

// ConsumeFrame writes f unless its channel is over the rate limit.
func (w *Writer) ConsumeFrame(f *galvoscan.Frame) error {
	lim, ok := w.limiters[f.Channel]
	if !ok {
		lim = rate.NewLimiter(w.maxRate, 1)
		w.limiters[f.Channel] = lim
	}
	if !lim.Allow() {
		w.skipped.Add(1)
		return nil
	}
	var result *multierror.Error
	if err := w.writeImage(f); err != nil {
		result = multierror.Append(result, err)
	}
	if err := w.writeHistogram(f); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	w.written.Add(1)
	return nil
}

// Written returns the number of frames written so far.
func (w *Writer) Written() int64 {
	return w.written.Load()
}

// Skipped returns the number of frames dropped by the rate limit.
func (w *Writer) Skipped() int64 {
	return w.skipped.Load()
}

// ImagePath is where the latest frame of channel is written.
func (w *Writer) ImagePath(channel int) string {
	return filepath.Join(w.dir, fmt.Sprintf("latest_chan%d.png", channel))
}

// HistogramPath is where the histogram of channel's latest frame is written.
func (w *Writer) HistogramPath(channel int) string {
	return filepath.Join(w.dir, fmt.Sprintf("histogram_chan%d.png", channel))
}

// replaceFile writes through a temporary file and renames it over path, so a
// reader never sees a partial image.
func replaceFile(path string, write func(f *os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".preview-*")
	if err != nil {
		return err
	}
	err = write(tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (w *Writer) writeImage(f *galvoscan.Frame) error {
	inputRange := f.InputRange
	if inputRange <= 0 {
		inputRange = w.inputRange
	}
	img := framestore.Gray16(f.Data, inputRange)
	return replaceFile(w.ImagePath(f.Channel), func(out *os.File) error {
		return png.Encode(out, img)
	})
}

func (w *Writer) writeHistogram(f *galvoscan.Frame) error {
	r, c := f.Data.Dims()
	values := make(plotter.Values, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			values = append(values, f.Data.At(i, j))
		}
	}
	mean, std := stat.MeanStdDev(values, nil)

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Channel %d frame %d: mean %.4g V, std %.3g V", f.Channel, f.Index, mean, std)
	p.X.Label.Text = "Signal (V)"
	p.Y.Label.Text = "Pixels"
	h, err := plotter.NewHist(values, w.bins)
	if err != nil {
		return err
	}
	p.Add(h)

	wt, err := p.WriterTo(5*vg.Inch, 3*vg.Inch, "png")
	if err != nil {
		return err
	}
	return replaceFile(w.HistogramPath(f.Channel), func(out *os.File) error {
		_, err := wt.WriteTo(out)
		return err
	})
}
