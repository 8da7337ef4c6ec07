// Package getbytes converts numeric values and slices to raw little-endian
// []byte without copying, for binary record files and ZMQ payloads.
package getbytes

import (
	"unsafe"
)

// FromSliceUint16 converts a []uint16 to []byte using unsafe
func FromSliceUint16(d []uint16) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	outlength := uintptr(len(d)) * unsafe.Sizeof(d[0]) / unsafe.Sizeof(byte(0))
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), outlength)
}

// FromSliceUint32 converts a []uint32 to []byte using unsafe
func FromSliceUint32(d []uint32) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	outlength := uintptr(len(d)) * unsafe.Sizeof(d[0]) / unsafe.Sizeof(byte(0))
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), outlength)
}

// FromSliceUint64 converts a []uint64 to []byte using unsafe
func FromSliceUint64(d []uint64) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	outlength := uintptr(len(d)) * unsafe.Sizeof(d[0]) / unsafe.Sizeof(byte(0))
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), outlength)
}

// FromSliceFloat64 converts a []float64 to []byte using unsafe
func FromSliceFloat64(d []float64) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	outlength := uintptr(len(d)) * unsafe.Sizeof(d[0]) / unsafe.Sizeof(byte(0))
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), outlength)
}

// FromUint16 converts a uint16 to []byte using unsafe
func FromUint16(d uint16) []byte {
	return FromSliceUint16([]uint16{d})
}

// FromUint32 converts a uint32 to []byte using unsafe
func FromUint32(d uint32) []byte {
	return FromSliceUint32([]uint32{d})
}

// FromUint64 converts a uint64 to []byte using unsafe
func FromUint64(d uint64) []byte {
	return FromSliceUint64([]uint64{d})
}

// FromFloat64 converts a float64 to []byte using unsafe
func FromFloat64(d float64) []byte {
	return FromSliceFloat64([]float64{d})
}
