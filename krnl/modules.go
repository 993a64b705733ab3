package krnl

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/gomlx/gokrnl/dtypes"
	"github.com/pkg/errors"
)

// ParamKind tells how a kernel parameter is bound at dispatch.
type ParamKind int

const (
	// ItemParam is bound to one element of a Buffer per invocation, read-only.
	ItemParam ParamKind = iota

	// ItemMutParam is bound to one element of a Buffer per invocation, and the value left by the body is
	// written back.
	ItemMutParam

	// UniformParam is one scalar value shared by all invocations.
	UniformParam
)

// String implements fmt.Stringer.
func (k ParamKind) String() string {
	switch k {
	case ItemParam:
		return "item"
	case ItemMutParam:
		return "item mut"
	case UniformParam:
		return "uniform"
	}
	return fmt.Sprintf("ParamKind(%d)", int(k))
}

// Param is one entry of a kernel signature.
type Param struct {
	Name string
	Kind ParamKind
}

// Item declares a read-only per-item parameter.
func Item(name string) Param { return Param{Name: name, Kind: ItemParam} }

// ItemMut declares a per-item output parameter.
func ItemMut(name string) Param { return Param{Name: name, Kind: ItemMutParam} }

// Uniform declares a uniform scalar parameter.
func Uniform(name string) Param { return Param{Name: name, Kind: UniformParam} }

// String implements fmt.Stringer.
func (p Param) String() string {
	return fmt.Sprintf("#[%s] %s", p.Kind, p.Name)
}

// Body is the elementwise function of a kernel.
//
// items holds the values of the element being computed, for each item parameter in signature order; the
// values left in the ItemMut positions are written back. uniforms holds the uniform values, in signature
// order. Both slices are only valid during the call.
//
// A Body must be a pure function of its arguments: it can't capture mutable state, since invocations run
// concurrently and in no specified order on accelerators.
type Body[T dtypes.Supported] func(items []T, uniforms []T)

// Module is a statically declared elementwise kernel: a name, a parameter signature and a body for
// element type T. It is not executable by itself: Build compiles it for a device.
type Module[T dtypes.Supported] struct {
	id     uint64
	name   string
	params []Param
	body   Body[T]

	// Indices into params.
	itemIdx, mutIdx, uniformIdx []int
	// Position of each ItemMut parameter among the items.
	mutItemPos []int
}

var lastModuleID atomic.Uint64

// NewModule declares a kernel.
//
// The signature must have a non-empty name, unique parameter names, and at least one ItemMut parameter,
// which defines the length of the dispatch.
func NewModule[T dtypes.Supported](name string, body Body[T], params ...Param) (*Module[T], error) {
	if name == "" {
		return nil, errors.WithStack(&ArgumentError{Reason: "kernel module needs a name"})
	}
	if body == nil {
		return nil, errors.WithStack(&ArgumentError{Kernel: name, Reason: "nil kernel body"})
	}
	m := &Module[T]{name: name, params: append([]Param(nil), params...), body: body}
	seen := make(map[string]bool, len(params))
	for ii, p := range params {
		if p.Name == "" {
			return nil, errors.WithStack(&ArgumentError{Kernel: name, Reason: fmt.Sprintf("parameter #%d has no name", ii)})
		}
		if seen[p.Name] {
			return nil, errors.WithStack(&ArgumentError{Kernel: name, Reason: fmt.Sprintf("parameter %q declared more than once", p.Name)})
		}
		seen[p.Name] = true
		switch p.Kind {
		case ItemParam:
			m.itemIdx = append(m.itemIdx, ii)
		case ItemMutParam:
			m.mutItemPos = append(m.mutItemPos, len(m.itemIdx))
			m.itemIdx = append(m.itemIdx, ii)
			m.mutIdx = append(m.mutIdx, ii)
		case UniformParam:
			m.uniformIdx = append(m.uniformIdx, ii)
		default:
			return nil, errors.WithStack(&ArgumentError{Kernel: name, Reason: fmt.Sprintf("parameter %q has invalid kind %s", p.Name, p.Kind)})
		}
	}
	if len(m.mutIdx) == 0 {
		return nil, errors.WithStack(&ArgumentError{Kernel: name, Reason: "kernel has no ItemMut (output) parameter"})
	}
	m.id = lastModuleID.Add(1)
	return m, nil
}

// MustNewModule is like NewModule, but panics on error. Used for package level kernel declarations.
func MustNewModule[T dtypes.Supported](name string, body Body[T], params ...Param) *Module[T] {
	m, err := NewModule(name, body, params...)
	if err != nil {
		panic(fmt.Sprintf("krnl.MustNewModule: %+v", err))
	}
	return m
}

// moduleDecl is the type-erased view of a Module used by KernelCache.
type moduleDecl interface {
	ID() uint64
	Name() string
	kernelSpec() *KernelSpec
	newHostProgram() Program
}

// ID is the identity of the module in the process.
func (m *Module[T]) ID() uint64 { return m.id }

// Name of the kernel.
func (m *Module[T]) Name() string { return m.name }

// Params returns the signature. Owned by the Module, don't change it.
func (m *Module[T]) Params() []Param { return m.params }

// NumItems returns the number of item parameters (Item and ItemMut).
func (m *Module[T]) NumItems() int { return len(m.itemIdx) }

// NumUniforms returns the number of uniform parameters.
func (m *Module[T]) NumUniforms() int { return len(m.uniformIdx) }

// DType of the elements.
func (m *Module[T]) DType() dtypes.DType { return dtypes.FromGenericsType[T]() }

// Requires returns the device features needed by the kernel.
func (m *Module[T]) Requires() Features { return FeaturesForDType(m.DType()) }

// String implements fmt.Stringer, e.g. `affine(#[item] x, #[uniform] a, #[uniform] b, #[item mut] y) [Float32]`.
func (m *Module[T]) String() string {
	parts := make([]string, len(m.params))
	for ii, p := range m.params {
		parts[ii] = p.String()
	}
	return fmt.Sprintf("%s(%s) [%s]", m.name, strings.Join(parts, ", "), m.DType())
}

// itemParamNames returns the names of the item parameters, in signature order.
func (m *Module[T]) itemParamNames() []string {
	names := make([]string, len(m.itemIdx))
	for ii, idx := range m.itemIdx {
		names[ii] = m.params[idx].Name
	}
	return names
}

// isMutItem returns whether the item at position pos (among items) is an ItemMut parameter.
func (m *Module[T]) isMutItem(pos int) bool {
	return m.params[m.itemIdx[pos]].Kind == ItemMutParam
}

// run executes the body over the elements [start, end).
func (m *Module[T]) run(items [][]T, uniforms []T, start, end int) {
	scratch := make([]T, len(items))
	for i := start; i < end; i++ {
		for pos, item := range items {
			scratch[pos] = item[i]
		}
		m.body(scratch, uniforms)
		for _, pos := range m.mutItemPos {
			items[pos][i] = scratch[pos]
		}
	}
}

func (m *Module[T]) kernelSpec() *KernelSpec {
	return &KernelSpec{
		Name:     m.name,
		Params:   m.params,
		DType:    m.DType(),
		Requires: m.Requires(),
		Entry: func(rawItems [][]byte, rawUniforms []byte, start, end int) {
			items := make([][]T, len(rawItems))
			for ii, raw := range rawItems {
				items[ii] = RawToFlatData[T](raw)
			}
			m.run(items, RawToFlatData[T](rawUniforms), start, end)
		},
	}
}
