// Package npyappend writes a growing stack of equal-shaped arrays to a NumPy
// .npy file. The header reserves a fixed 128 bytes and is rewritten with the
// current frame count on Sync and Close, so a file that is still being written
// can be read at any time.
package npyappend

import (
	"fmt"
	"os"
	"strings"

	"github.com/rasterlab/galvoscan/getbytes"
)

const headerLen = 128

// StackAppender appends frames of one fixed shape to a .npy file. The file's
// shape is (nframes, shape...).
type StackAppender[T getbytes.Number] struct {
	filename   string
	file       *os.File
	shape      []int
	frameLen   int
	nframes    int
	LastHeader string
}

// NewStackAppender creates filename (truncating any old file) for frames of
// the given shape.
func NewStackAppender[T getbytes.Number](filename string, shape ...int) (*StackAppender[T], error) {
	frameLen := 1
	for _, s := range shape {
		if s <= 0 {
			return nil, fmt.Errorf("npyappend: invalid frame shape %v", shape)
		}
		frameLen *= s
	}
	file, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	a := &StackAppender[T]{
		filename: filename,
		file:     file,
		shape:    append([]int(nil), shape...),
		frameLen: frameLen,
	}
	if err := a.writeHeader(); err != nil {
		file.Close()
		return nil, err
	}
	return a, nil
}

// Append adds one frame, stored in C order.
func (a *StackAppender[T]) Append(frame []T) error {
	if len(frame) != a.frameLen {
		return fmt.Errorf("npyappend: frame has %d values, want %d", len(frame), a.frameLen)
	}
	if _, err := a.file.Write(getbytes.FromSlice(frame)); err != nil {
		return err
	}
	a.nframes++
	return nil
}

// Frames returns the number of frames appended.
func (a *StackAppender[T]) Frames() int {
	return a.nframes
}

// Filename returns the path being written.
func (a *StackAppender[T]) Filename() string {
	return a.filename
}

// Sync rewrites the header with the current frame count.
func (a *StackAppender[T]) Sync() error {
	return a.writeHeader()
}

// Tell returns the file size in bytes.
func (a *StackAppender[T]) Tell() int64 {
	info, err := a.file.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

// Close writes the final header and closes the file.
func (a *StackAppender[T]) Close() error {
	if err := a.writeHeader(); err != nil {
		a.file.Close()
		return err
	}
	return a.file.Close()
}

func (a *StackAppender[T]) writeHeader() error {
	dims := make([]string, 0, 1+len(a.shape))
	dims = append(dims, fmt.Sprint(a.nframes))
	for _, s := range a.shape {
		dims = append(dims, fmt.Sprint(s))
	}
	shape := strings.Join(dims, ", ")
	if len(dims) == 1 {
		shape += ","
	}
	const magic = "\x93NUMPY\x01\x00"
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%s), }", dtype[T](), shape)
	nbody := headerLen - len(magic) - 2
	if len(dict)+1 > nbody {
		return fmt.Errorf("npyappend: header %q does not fit in %d bytes", dict, headerLen)
	}
	body := dict + strings.Repeat(" ", nbody-len(dict)-1) + "\n"
	header := magic + string([]byte{byte(nbody), byte(nbody >> 8)}) + body
	a.LastHeader = header
	if _, err := a.file.WriteAt([]byte(header), 0); err != nil {
		return err
	}
	_, err := a.file.Seek(0, 2)
	return err
}

func dtype[T getbytes.Number]() string {
	var zero T
	switch any(zero).(type) {
	case uint8:
		return "|u1"
	case uint16:
		return "<u2"
	case uint32:
		return "<u4"
	case uint64:
		return "<u8"
	case int8:
		return "|i1"
	case int16:
		return "<i2"
	case int32:
		return "<i4"
	case int64:
		return "<i8"
	case float32:
		return "<f4"
	case float64:
		return "<f8"
	}
	panic(fmt.Sprintf("npyappend: no dtype for %T", zero))
}
