package krnl

import (
	"github.com/gomlx/gokrnl/dtypes"
	"github.com/pkg/errors"
)

// Kernel is a Module compiled for one Device, ready to be dispatched any number of times.
//
// It is created with Module.Build, and owned by the KernelCache that built it.
type Kernel[T dtypes.Supported] struct {
	module  *Module[T]
	device  *Device
	program Program
}

// hostProgram is the "compiled" form of a kernel for the host: the body runs on the calling goroutine.
type hostProgram struct {
	name string
}

func (p hostProgram) Name() string { return p.name }

func (m *Module[T]) newHostProgram() Program {
	return hostProgram{name: m.name}
}

// Build returns the kernel compiled for the device, from the cache or compiling it on first use.
//
// It fails with a *CompilationError if the device doesn't support the features required by the kernel,
// e.g. FeatureFloat64 for a float64 kernel. A nil device means the host.
func (m *Module[T]) Build(cache *KernelCache, device *Device) (*Kernel[T], error) {
	if device == nil {
		device = Host()
	}
	if cache == nil {
		cache = DefaultCache()
	}
	program, err := cache.getOrBuild(m, device)
	if err != nil {
		return nil, err
	}
	return &Kernel[T]{module: m, device: device, program: program}, nil
}

// Module returns the declaration of the kernel.
func (k *Kernel[T]) Module() *Module[T] { return k.module }

// Device the kernel was compiled for.
func (k *Kernel[T]) Device() *Device { return k.device }

// Program returns the runtime artifact of the kernel.
func (k *Kernel[T]) Program() Program { return k.program }

// Dispatch runs the kernel over every element of the item buffers, which must all be stored on the
// kernel's device and have the same length. uniforms and items are given in the order of the uniform and
// item parameters of the signature.
//
// On the host it runs synchronously. On an accelerator it returns once the work is submitted: call
// Device.Wait before reading the results, it also reports execution failures.
func (k *Kernel[T]) Dispatch(uniforms []T, items ...*Buffer[T]) error {
	target, length, err := k.module.validate(uniforms, items)
	if err != nil {
		return err
	}
	if target != k.device {
		names := append(k.module.itemParamNames(), "kernel")
		locations := make([]string, 0, len(names))
		for _, b := range items {
			locations = append(locations, b.device.String())
		}
		locations = append(locations, k.device.String())
		return errors.WithStack(&LocationMismatchError{Kernel: k.module.name, Params: names, Locations: locations})
	}
	return k.launch(uniforms, items, length)
}

// launch executes or submits a validated dispatch.
func (k *Kernel[T]) launch(uniforms []T, items []*Buffer[T], length int) error {
	if k.device.IsHost() {
		k.module.runOnHost(uniforms, items, length)
		return nil
	}
	if length == 0 {
		return nil
	}
	mems := make([]Memory, len(items))
	for ii, b := range items {
		mems[ii] = b.memory()
	}
	rawUniforms := ScalarsToRaw(uniforms)
	device, program, name := k.device, k.program, k.module.name
	device.submit(taskLaunch, name, func() error {
		if err := device.engine.Launch(program, mems, rawUniforms, length); err != nil {
			return errors.WithStack(&ExecutionError{Kernel: name, Device: device.String(), Err: err})
		}
		return nil
	})
	return nil
}

// runOnHost is the host fallback: a plain loop on the calling goroutine.
func (m *Module[T]) runOnHost(uniforms []T, items []*Buffer[T], length int) {
	flats := make([][]T, len(items))
	for ii, b := range items {
		flats[ii] = b.host
	}
	m.run(flats, append([]T(nil), uniforms...), 0, length)
}
