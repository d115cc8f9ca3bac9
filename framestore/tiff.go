package framestore

import (
	"fmt"
	"os"

	"golang.org/x/image/tiff"
	"gonum.org/v1/gonum/mat"
)

// tiffWriter stores each frame as its own 16-bit grayscale TIFF file.
type tiffWriter struct {
	cfg    Config
	frames int
}

func (w *tiffWriter) frameFilename(index int64) string {
	return w.cfg.filename(fmt.Sprintf("%s_%06d", w.cfg.channelName(), index), "tif")
}

func (w *tiffWriter) WriteFrame(index int64, data *mat.Dense) (err error) {
	if err := checkShape(data, w.cfg.ImageSize); err != nil {
		return err
	}
	f, err := os.Create(w.frameFilename(index))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if err := tiff.Encode(f, Gray16(data, w.cfg.InputRange), &tiff.Options{Compression: tiff.Deflate, Predictor: true}); err != nil {
		return err
	}
	w.frames++
	return nil
}

func (w *tiffWriter) Frames() int {
	return w.frames
}

func (w *tiffWriter) Close() error {
	return nil
}
