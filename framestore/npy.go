package framestore

import (
	"time"

	"github.com/rasterlab/galvoscan/npyappend"
	"gonum.org/v1/gonum/mat"
)

// npySyncInterval is how often an open NPY stack's header is brought up to
// date, so readers and crash survivors see the frames written so far.
var npySyncInterval = time.Second

// npyWriter appends every frame of a channel to one 3-d NPY array.
type npyWriter struct {
	cfg      Config
	appender *npyappend.StackAppender[uint16]
	lastSync time.Time
}

func newNPYWriter(cfg Config) (*npyWriter, error) {
	a, err := npyappend.NewStackAppender[uint16](cfg.filename(cfg.channelName(), "npy"), cfg.ImageSize, cfg.ImageSize)
	if err != nil {
		return nil, err
	}
	return &npyWriter{cfg: cfg, appender: a}, nil
}

func (w *npyWriter) WriteFrame(index int64, data *mat.Dense) error {
	if err := checkShape(data, w.cfg.ImageSize); err != nil {
		return err
	}
	if err := w.appender.Append(Quantize(data, w.cfg.InputRange)); err != nil {
		return err
	}
	if now := time.Now(); now.Sub(w.lastSync) >= npySyncInterval {
		w.lastSync = now
		return w.appender.Sync()
	}
	return nil
}

func (w *npyWriter) Frames() int {
	return w.appender.Frames()
}

func (w *npyWriter) Close() error {
	return w.appender.Close()
}
