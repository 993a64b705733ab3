// Package dtypes lists the element types a kernel buffer can hold, and maps them to and from Go types.
package dtypes

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/x448/float16"
)

// DType is the element type of a Buffer.
type DType int

const (
	// Invalid represents an invalid (or not set) dtype.
	Invalid DType = iota

	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64

	// Float16 is stored as github.com/x448/float16.Float16. Kernel bodies must convert it to float32 to do arithmetic.
	Float16
	Float32
	Float64
)

// Supported lists the Go types that can be used as elements of a Buffer.
type Supported interface {
	int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float16.Float16 | float32 | float64
}

var dtypeNames = map[DType]string{
	Invalid: "Invalid",
	Int8:    "Int8",
	Int16:   "Int16",
	Int32:   "Int32",
	Int64:   "Int64",
	Uint8:   "Uint8",
	Uint16:  "Uint16",
	Uint32:  "Uint32",
	Uint64:  "Uint64",
	Float16: "Float16",
	Float32: "Float32",
	Float64: "Float64",
}

// MapOfNames maps the names and common aliases (case-sensitive) to the corresponding DType.
var MapOfNames = map[string]DType{}

func init() {
	for dtype, name := range dtypeNames {
		MapOfNames[name] = dtype
		MapOfNames[strings.ToLower(name)] = dtype
	}
	aliases := map[string]DType{
		"S8": Int8, "S16": Int16, "S32": Int32, "S64": Int64,
		"U8": Uint8, "U16": Uint16, "U32": Uint32, "U64": Uint64,
		"F16": Float16, "F32": Float32, "F64": Float64,
		"Half": Float16, "Float": Float32, "Double": Float64,
	}
	for alias, dtype := range aliases {
		MapOfNames[alias] = dtype
		MapOfNames[strings.ToLower(alias)] = dtype
	}
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if name, found := dtypeNames[dtype]; found {
		return name
	}
	return fmt.Sprintf("DType(%d)", int(dtype))
}

// IsValid returns whether dtype is one of the supported element types.
func (dtype DType) IsValid() bool {
	return dtype > Invalid && dtype <= Float64
}

// IsFloat returns whether dtype is a floating point type.
func (dtype DType) IsFloat() bool {
	return dtype == Float16 || dtype == Float32 || dtype == Float64
}

// IsUnsigned returns whether dtype is an unsigned integer type.
func (dtype DType) IsUnsigned() bool {
	return dtype >= Uint8 && dtype <= Uint64
}

// Size returns the number of bytes of one element of dtype, or 0 for an invalid dtype.
func (dtype DType) Size() int {
	switch dtype {
	case Int8, Uint8:
		return 1
	case Int16, Uint16, Float16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	}
	return 0
}

// SizeForLength returns the number of bytes needed to hold length elements of dtype.
func (dtype DType) SizeForLength(length int) int {
	return dtype.Size() * length
}

// GoType returns the Go type used to represent dtype, or nil for an invalid dtype.
func (dtype DType) GoType() reflect.Type {
	switch dtype {
	case Int8:
		return reflect.TypeFor[int8]()
	case Int16:
		return reflect.TypeFor[int16]()
	case Int32:
		return reflect.TypeFor[int32]()
	case Int64:
		return reflect.TypeFor[int64]()
	case Uint8:
		return reflect.TypeFor[uint8]()
	case Uint16:
		return reflect.TypeFor[uint16]()
	case Uint32:
		return reflect.TypeFor[uint32]()
	case Uint64:
		return reflect.TypeFor[uint64]()
	case Float16:
		return reflect.TypeFor[float16.Float16]()
	case Float32:
		return reflect.TypeFor[float32]()
	case Float64:
		return reflect.TypeFor[float64]()
	}
	return nil
}

// FromGenericsType returns the DType for the given Go type.
func FromGenericsType[T Supported]() DType {
	var t T
	switch any(t).(type) {
	case int8:
		return Int8
	case int16:
		return Int16
	case int32:
		return Int32
	case int64:
		return Int64
	case uint8:
		return Uint8
	case uint16:
		return Uint16
	case uint32:
		return Uint32
	case uint64:
		return Uint64
	case float16.Float16:
		return Float16
	case float32:
		return Float32
	case float64:
		return Float64
	}
	return Invalid
}

// FromAny returns the DType of the given value, or Invalid if it is not a supported type.
func FromAny(value any) DType {
	switch value.(type) {
	case int8:
		return Int8
	case int16:
		return Int16
	case int32:
		return Int32
	case int64:
		return Int64
	case uint8:
		return Uint8
	case uint16:
		return Uint16
	case uint32:
		return Uint32
	case uint64:
		return Uint64
	case float16.Float16:
		return Float16
	case float32:
		return Float32
	case float64:
		return Float64
	}
	return Invalid
}
