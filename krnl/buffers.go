package krnl

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/gomlx/gokrnl/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Buffer is an owned, contiguous sequence of elements of type T, stored either on the host or on one
// accelerator.
//
// A Buffer is exclusively owned and not safe for concurrent use. Relocate and IntoHost consume it: the
// receiver is no longer valid after they succeed, which prevents the use of stale copies.
type Buffer[T dtypes.Supported] struct {
	device *Device
	length int

	// host holds the data of host-resident buffers.
	host []T

	// mem holds the data of device-resident buffers.
	mem     *deviceMemory
	cleanup runtime.Cleanup

	consumed bool
}

// deviceMemory wraps the Memory of a device, to free it in the device queue.
type deviceMemory struct {
	device *Device
	mem    Memory
	freed  atomic.Bool
}

var buffersAlive atomic.Int64

// BuffersAlive returns the number of device allocations held by Buffers.
func BuffersAlive() int64 {
	return buffersAlive.Load()
}

// free queues the release of the memory after the work already submitted to the device, which may still
// be using it.
func (dm *deviceMemory) free() {
	if dm == nil || !dm.freed.CompareAndSwap(false, true) {
		return
	}
	buffersAlive.Add(-1)
	// After Device.Close the task is rejected, and the memory goes away with the engine.
	_ = dm.device.submit(taskTransfer, "free", func() error {
		klog.V(2).Infof("krnl: %s: freeing %d bytes", dm.device, dm.mem.Size())
		dm.mem.Free()
		return nil
	})
}

// FromHost creates a host Buffer that takes ownership of data: the caller must not use data afterwards.
func FromHost[T dtypes.Supported](data []T) *Buffer[T] {
	return &Buffer[T]{device: Host(), length: len(data), host: data}
}

// Zeros creates a Buffer with length zero-valued elements on the device.
// A nil device means the host.
func Zeros[T dtypes.Supported](device *Device, length int) (*Buffer[T], error) {
	if length < 0 {
		return nil, errors.WithStack(&ArgumentError{Reason: "negative buffer length"})
	}
	if device.IsHost() {
		return FromHost(make([]T, length)), nil
	}
	return upload(device, make([]T, length))
}

// newDeviceBuffer creates the Buffer owning mem, and registers the memory for freeing.
func newDeviceBuffer[T dtypes.Supported](dm *deviceMemory, length int) *Buffer[T] {
	b := &Buffer[T]{device: dm.device, length: length, mem: dm}
	b.cleanup = runtime.AddCleanup(b, func(dm *deviceMemory) { dm.free() }, dm)
	return b
}

// upload allocates memory on the device and copies data into it, blocking until done.
func upload[T dtypes.Supported](device *Device, data []T) (*Buffer[T], error) {
	raw := FlatDataToRaw(data)
	size := dtypes.FromGenericsType[T]().SizeForLength(len(data))
	dm := &deviceMemory{device: device}
	err := device.run("upload", func() error {
		mem, err := device.engine.Alloc(size)
		if err != nil {
			return &TransferError{Op: "alloc", Device: device.String(), Bytes: size, Err: err}
		}
		if err := device.engine.Write(mem, raw); err != nil {
			mem.Free()
			return &TransferError{Op: "upload", Device: device.String(), Bytes: size, Err: err}
		}
		dm.mem = mem
		return nil
	})
	runtime.KeepAlive(data)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	buffersAlive.Add(1)
	return newDeviceBuffer[T](dm, len(data)), nil
}

// download copies the device memory to a new host slice, blocking until done.
func download[T dtypes.Supported](dm *deviceMemory, length int) ([]T, error) {
	data := make([]T, length)
	raw := FlatDataToRaw(data)
	device := dm.device
	err := device.run("download", func() error {
		if err := device.engine.Read(raw, dm.mem); err != nil {
			return &TransferError{Op: "download", Device: device.String(), Bytes: len(raw), Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return data, nil
}

// check returns an error if the buffer can no longer be used.
func (b *Buffer[T]) check() error {
	if b == nil {
		return errors.New("Buffer is nil")
	}
	if b.consumed {
		return errors.WithStack(ErrBufferConsumed)
	}
	return nil
}

// consume invalidates b, without freeing its data, which moved to another Buffer.
func (b *Buffer[T]) consume() {
	if b.mem != nil {
		b.cleanup.Stop()
	}
	b.consumed = true
	b.host = nil
	b.mem = nil
}

// Len returns the number of elements.
func (b *Buffer[T]) Len() int {
	return b.length
}

// DType of the elements.
func (b *Buffer[T]) DType() dtypes.DType {
	return dtypes.FromGenericsType[T]()
}

// Device where the buffer is stored, Host() for host buffers.
func (b *Buffer[T]) Device() *Device {
	return b.device
}

// IsHost returns whether the buffer is stored on the host.
func (b *Buffer[T]) IsHost() bool {
	return b.device.IsHost()
}

// IsValid returns whether the buffer was not consumed yet.
func (b *Buffer[T]) IsValid() bool {
	return b != nil && !b.consumed
}

// String implements fmt.Stringer.
func (b *Buffer[T]) String() string {
	if !b.IsValid() {
		return "Buffer[consumed]"
	}
	return fmt.Sprintf("Buffer[%s x %d @ %s]", b.DType(), b.length, b.device)
}

// HostData returns the elements of a host buffer, without copying: the returned slice is still owned by the
// Buffer. It fails for device buffers, use IntoHost or Relocate instead.
func (b *Buffer[T]) HostData() ([]T, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	if !b.IsHost() {
		return nil, errors.Errorf("buffer is stored in %s, relocate it to the host first", b.device)
	}
	return b.host, nil
}

// Relocate moves the buffer to the device (nil means the host), copying the data if needed, and returns the
// new Buffer. It blocks until the copy is completed, after any work submitted earlier to the devices involved.
//
// On success b is consumed. If the buffer is already on the device no copy is made.
// On failure it returns a *TransferError and b is left as is, but its contents may be lost if the device was.
func (b *Buffer[T]) Relocate(device *Device) (*Buffer[T], error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	if device == nil {
		device = Host()
	}
	if device == b.device {
		moved := &Buffer[T]{device: b.device, length: b.length, host: b.host}
		if b.mem != nil {
			moved = newDeviceBuffer[T](b.mem, b.length)
		}
		b.consume()
		return moved, nil
	}

	// Bring data to host first, if needed.
	data := b.host
	if !b.IsHost() {
		var err error
		data, err = download[T](b.mem, b.length)
		if err != nil {
			return nil, err
		}
	}
	var relocated *Buffer[T]
	if device.IsHost() {
		relocated = FromHost(data)
	} else {
		var err error
		relocated, err = upload(device, data)
		if err != nil {
			return nil, err
		}
	}

	// Release source.
	if b.mem != nil {
		dm := b.mem
		b.consume()
		dm.free()
	} else {
		b.consume()
	}
	return relocated, nil
}

// IntoHost relocates the buffer to the host, if needed, and returns its elements. b is consumed.
//
// For buffers written by a dispatch, call Device.Wait before, to learn about execution failures.
func (b *Buffer[T]) IntoHost() ([]T, error) {
	hostBuffer, err := b.Relocate(Host())
	if err != nil {
		return nil, err
	}
	data := hostBuffer.host
	hostBuffer.consume()
	return data, nil
}

// Destroy releases the buffer storage. It is automatically called when a device Buffer is garbage collected.
// Destroying a consumed buffer is a no-op.
func (b *Buffer[T]) Destroy() {
	if b == nil || b.consumed {
		return
	}
	dm := b.mem
	b.consume()
	dm.free()
}

// memory returns the device memory handle of a device buffer.
func (b *Buffer[T]) memory() Memory {
	return b.mem.mem
}
