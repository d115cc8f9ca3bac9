// Package getbytes views numeric slices as raw bytes without copying.
// The result aliases the input, so the input must not change while the bytes
// are in use. Byte order is the host's (little-endian on every platform we run).
package getbytes

import (
	"unsafe"
)

// Number is any fixed-size numeric type.
type Number interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~int8 | ~int16 | ~int32 | ~int64 | ~float32 | ~float64
}

// FromSlice returns the bytes backing d.
func FromSlice[T Number](d []T) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	outlength := uintptr(len(d)) * unsafe.Sizeof(d[0])
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), outlength)
}

// FromValue returns the bytes of a single value.
func FromValue[T Number](d T) []byte {
	return FromSlice([]T{d})
}

// Float32s converts float64 values to a new float32 slice and returns its bytes,
// the usual encoding for frames sent to display clients.
func Float32s(d []float64) []byte {
	out := make([]float32, len(d))
	for i, v := range d {
		out[i] = float32(v)
	}
	return FromSlice(out)
}
