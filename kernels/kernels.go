// Package kernels holds a few elementwise kernels declared with krnl, and the wrappers to call them.
//
// The wrappers take the buffers where they are: on the host the loop runs directly on the host slices,
// otherwise the kernel is dispatched to the buffers' device, and the caller must Device.Wait before
// reading the results.
package kernels

import (
	"github.com/chewxy/math32"
	"github.com/gomlx/gokrnl/dtypes"
	"github.com/gomlx/gokrnl/krnl"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

var (
	// AffineModule computes y = a*x + b, with uniform a and b.
	AffineModule = must.M1(krnl.NewModule[float32]("affine",
		func(items, uniforms []float32) {
			items[1] = uniforms[0]*items[0] + uniforms[1]
		},
		krnl.Item("x"), krnl.Uniform("a"), krnl.Uniform("b"), krnl.ItemMut("y")))

	// AffineItemsModule computes y = a*x + b, with every term given per element.
	AffineItemsModule = must.M1(krnl.NewModule[float64]("affine_items",
		func(items, _ []float64) {
			items[3] = items[0]*items[2] + items[1]
		},
		krnl.Item("a"), krnl.Item("b"), krnl.Item("x"), krnl.ItemMut("y")))

	// Hypot32Module computes h = sqrt(x*x + y*y) without undue overflow.
	Hypot32Module = must.M1(krnl.NewModule[float32]("hypot32",
		func(items, _ []float32) {
			items[2] = math32.Hypot(items[0], items[1])
		},
		krnl.Item("x"), krnl.Item("y"), krnl.ItemMut("h")))

	// ScaleHalfModule computes y = s*x in half precision, with the product taken in float32.
	// It requires devices with krnl.FeatureFloat16.
	ScaleHalfModule = must.M1(krnl.NewModule[float16.Float16]("scale_half",
		func(items, uniforms []float16.Float16) {
			items[1] = float16.Fromfloat32(uniforms[0].Float32() * items[0].Float32())
		},
		krnl.Item("x"), krnl.Uniform("s"), krnl.ItemMut("y")))
)

// Affine computes y = a*x + b over every element.
//
// If both buffers are on the host it runs synchronously on the host slices. Otherwise the kernel is
// dispatched to their device, see krnl.Dispatch.
func Affine(cache *krnl.KernelCache, a, b float32, x, y *krnl.Buffer[float32]) error {
	if x.IsValid() && y.IsValid() && x.Len() != y.Len() {
		return errors.Errorf("affine: x and y lengths must match, got %d and %d", x.Len(), y.Len())
	}
	if xs, ys, ok := hostSlices(x, y); ok && x != y {
		for ii, v := range xs {
			ys[ii] = a*v + b
		}
		return nil
	}
	return krnl.Dispatch(cache, AffineModule, []float32{a, b}, x, y)
}

// AffineItems computes y = a*x + b over every element, with a and b given per element.
func AffineItems(cache *krnl.KernelCache, a, b, x, y *krnl.Buffer[float64]) error {
	for _, item := range []*krnl.Buffer[float64]{a, b, x} {
		if item.IsValid() && y.IsValid() && item.Len() != y.Len() {
			return errors.Errorf("affine_items: a, b, x and y lengths must match, got %d, %d, %d and %d",
				a.Len(), b.Len(), x.Len(), y.Len())
		}
	}
	return krnl.Dispatch(cache, AffineItemsModule, nil, a, b, x, y)
}

// Hypot32 computes h = hypot(x, y) over every element.
func Hypot32(cache *krnl.KernelCache, x, y, h *krnl.Buffer[float32]) error {
	return krnl.Dispatch(cache, Hypot32Module, nil, x, y, h)
}

// ScaleHalf computes y = s*x over every element, in half precision.
func ScaleHalf(cache *krnl.KernelCache, s float32, x, y *krnl.Buffer[float16.Float16]) error {
	return krnl.Dispatch(cache, ScaleHalfModule, []float16.Float16{float16.Fromfloat32(s)}, x, y)
}

// hostSlices returns the host data of both buffers, if both are valid and host resident.
func hostSlices[T dtypes.Supported](x, y *krnl.Buffer[T]) (xs, ys []T, ok bool) {
	if !x.IsValid() || !y.IsValid() || !x.IsHost() || !y.IsHost() {
		return nil, nil, false
	}
	return must.M1(x.HostData()), must.M1(y.HostData()), true
}
