package krnl

import (
	"unsafe"

	"github.com/gomlx/gokrnl/dtypes"
)

// FlatDataToRaw returns the bytes backing flat, without copying. The slice is still owned by flat.
func FlatDataToRaw[T dtypes.Supported](flat []T) []byte {
	if len(flat) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(flat))), len(flat)*int(unsafe.Sizeof(zero)))
}

// RawToFlatData reinterprets raw as a slice of T, without copying. raw must be aligned to T, which is the
// case for anything allocated as a Go slice of T or larger elements.
func RawToFlatData[T dtypes.Supported](raw []byte) []T {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if len(raw) < size {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(raw))), len(raw)/size)
}

// ScalarsToRaw packs the values into a new byte slice.
func ScalarsToRaw[T dtypes.Supported](values []T) []byte {
	raw := FlatDataToRaw(values)
	packed := make([]byte, len(raw)+8)
	// The extra 8 bytes let us align the start to 8, so the packed data can be reinterpreted as any T.
	offset := int(uintptr(unsafe.Pointer(unsafe.SliceData(packed))) % 8)
	if offset != 0 {
		offset = 8 - offset
	}
	packed = packed[offset : offset+len(raw)]
	copy(packed, raw)
	return packed
}
