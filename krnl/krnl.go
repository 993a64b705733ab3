// Package krnl dispatches elementwise kernels to the host or to accelerators.
//
// A kernel is declared once, as a Module with a parameter signature and a Body. It can then run on the
// host, as a plain loop, or on any accelerator opened through a registered Driver:
//
//	var affine = krnl.MustNewModule("affine",
//		func(items, uniforms []float32) { items[1] = uniforms[0]*items[0] + uniforms[1] },
//		krnl.Item("x"), krnl.Uniform("a"), krnl.Uniform("b"), krnl.ItemMut("y"))
//
//	registry := krnl.NewRegistry(must.M1(krnl.GetDriver("sim")))
//	device := must.M1(registry.BuildDefault())
//	cache := krnl.NewKernelCache()
//	x := must.M1(krnl.FromHost([]float32{0, 1, 2, 3.5}).Relocate(device))
//	y := must.M1(krnl.Zeros[float32](device, x.Len()))
//	must.M(krnl.Dispatch(cache, affine, []float32{2, 1}, x, y))
//	must.M(device.Wait())
//	result := must.M1(y.IntoHost()) // [1, 3, 5, 8]
//
// Compiled kernels are memoized per device by a KernelCache. Dispatches on an accelerator are asynchronous
// and executed in submission order: Device.Wait synchronizes and reports execution failures.
package krnl
