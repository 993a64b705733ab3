package krnl

import (
	"fmt"

	"github.com/gomlx/gokrnl/dtypes"
	"github.com/pkg/errors"
)

// Dispatch validates the arguments and runs the kernel over every element of the item buffers.
//
// uniforms and items are given in the order of the uniform and item parameters of the module signature.
// Item buffers must have the same length (or it fails with *ShapeMismatchError) and be stored on the same
// device (or it fails with *LocationMismatchError): buffers are never relocated implicitly. Validation
// happens before anything is executed, so a failed call has no side effects.
//
// If the buffers are on the host, the kernel body runs as a plain loop on the calling goroutine, and
// Dispatch returns when it's done. Otherwise the kernel is compiled for the device (or taken from the cache),
// and Dispatch returns as soon as the launch is submitted to the device queue: call Device.Wait before
// reading the results back, it also reports execution failures as *ExecutionError.
func Dispatch[T dtypes.Supported](cache *KernelCache, module *Module[T], uniforms []T, items ...*Buffer[T]) error {
	target, length, err := module.validate(uniforms, items)
	if err != nil {
		return err
	}
	if target.IsHost() {
		module.runOnHost(uniforms, items, length)
		return nil
	}
	kernel, err := module.Build(cache, target)
	if err != nil {
		return err
	}
	return kernel.launch(uniforms, items, length)
}

// validate checks the arguments of a dispatch and returns the device where it runs and the number of elements.
func (m *Module[T]) validate(uniforms []T, items []*Buffer[T]) (target *Device, length int, err error) {
	if len(uniforms) != len(m.uniformIdx) {
		err = errors.WithStack(&ArgumentError{Kernel: m.name,
			Reason: fmt.Sprintf("expected %d uniform arguments, got %d", len(m.uniformIdx), len(uniforms))})
		return
	}
	if len(items) != len(m.itemIdx) {
		err = errors.WithStack(&ArgumentError{Kernel: m.name,
			Reason: fmt.Sprintf("expected %d item arguments, got %d", len(m.itemIdx), len(items))})
		return
	}
	names := m.itemParamNames()
	for pos, b := range items {
		if cErr := b.check(); cErr != nil {
			err = errors.WithStack(&ArgumentError{Kernel: m.name, Reason: fmt.Sprintf("invalid buffer for %q", names[pos]), Err: cErr})
			return
		}
	}

	// An output can't alias any other item: invocations would race on it.
	for pos, b := range items {
		if !m.isMutItem(pos) {
			continue
		}
		for otherPos, other := range items {
			if otherPos != pos && other == b {
				err = errors.WithStack(&ArgumentError{Kernel: m.name,
					Reason: fmt.Sprintf("output %q is also passed as %q", names[pos], names[otherPos])})
				return
			}
		}
	}

	length = items[0].length
	for _, b := range items[1:] {
		if b.length != length {
			lengths := make([]int, len(items))
			for ii, b := range items {
				lengths[ii] = b.length
			}
			err = errors.WithStack(&ShapeMismatchError{Kernel: m.name, Params: names, Lengths: lengths})
			return
		}
	}

	target = items[0].device
	for _, b := range items[1:] {
		if b.device != target {
			locations := make([]string, len(items))
			for ii, b := range items {
				locations[ii] = b.device.String()
			}
			err = errors.WithStack(&LocationMismatchError{Kernel: m.name, Params: names, Locations: locations})
			return
		}
	}
	return
}
