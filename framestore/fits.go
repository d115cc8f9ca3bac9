package framestore

import (
	"fmt"
	"os"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/hashicorp/go-multierror"
	"gonum.org/v1/gonum/mat"
)

// fitsWriter stores each frame as its own FITS file. FITS has no unsigned
// 16-bit type, so pixels are stored as int16 with BZERO=32768.
type fitsWriter struct {
	cfg    Config
	frames int
}

func (w *fitsWriter) frameFilename(index int64) string {
	return w.cfg.filename(fmt.Sprintf("%s_%06d", w.cfg.channelName(), index), "fits")
}

func (w *fitsWriter) WriteFrame(index int64, data *mat.Dense) error {
	if err := checkShape(data, w.cfg.ImageSize); err != nil {
		return err
	}
	f, err := os.Create(w.frameFilename(index))
	if err != nil {
		return err
	}
	err = writeFITS(f, w.cfg, index, data)
	if cerr := f.Close(); cerr != nil {
		err = multierror.Append(err, cerr).ErrorOrNil()
	}
	if err != nil {
		return err
	}
	w.frames++
	return nil
}

func writeFITS(f *os.File, cfg Config, index int64, data *mat.Dense) error {
	fits, err := fitsio.Create(f)
	if err != nil {
		return err
	}
	defer fits.Close()
	dims := []int{cfg.ImageSize, cfg.ImageSize}
	im := fitsio.NewImage(16, dims)
	defer im.Close()
	cards := []fitsio.Card{
		{Name: "BZERO", Value: 32768},
		{Name: "BSCALE", Value: 1.0},
		{Name: "FRAME", Value: int(index), Comment: "frame index within the session"},
		{Name: "CHANNEL", Value: cfg.Channel, Comment: "analog input channel"},
		{Name: "VRANGE", Value: cfg.InputRange, Comment: "volts mapped to 65535"},
		{Name: "DATE", Value: time.Now().UTC().Format("2006-01-02T15:04:05")},
	}
	if err := im.Header().Append(cards...); err != nil {
		return err
	}
	uints := Quantize(data, cfg.InputRange)
	ints := make([]int16, len(uints))
	for i, v := range uints {
		ints[i] = int16(int32(v) - 32768)
	}
	if err := im.Write(ints); err != nil {
		return err
	}
	return fits.Write(im)
}

func (w *fitsWriter) Frames() int {
	return w.frames
}

func (w *fitsWriter) Close() error {
	return nil
}
