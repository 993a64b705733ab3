package krnl

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// HostIndex is the index of the host device.
const HostIndex = -1

// Kind of backend a Device represents.
type Kind int

const (
	KindHost Kind = iota
	KindAccelerator
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindHost:
		return "Host"
	case KindAccelerator:
		return "Accelerator"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Device is a compute backend instance: either the host, or one accelerator opened through a Driver.
//
// Devices are immutable after construction and shared by pointer. Accelerators own a queue that executes
// transfers and dispatches in submission order; dispatches on different devices run independently.
type Device struct {
	id     uint64 // Unique in the process, used by KernelCache. 0 is the host.
	index  int
	kind   Kind
	driver string
	caps   *Capabilities

	engine Engine
	queue  *queue

	closeOnce sync.Once
	closeErr  error
}

var (
	hostDevice   = &Device{id: 0, index: HostIndex, kind: KindHost}
	lastDeviceID atomic.Uint64
)

// Host returns the host device. Dispatches on it run on the calling goroutine.
func Host() *Device {
	return hostDevice
}

// newAcceleratorDevice wraps an opened engine, and starts its queue.
func newAcceleratorDevice(driverName string, index int, engine Engine) *Device {
	caps := engine.Capabilities()
	d := &Device{
		id:     lastDeviceID.Add(1),
		index:  index,
		kind:   KindAccelerator,
		driver: driverName,
		caps:   &caps,
		engine: engine,
	}
	d.queue = newQueue(d)
	return d
}

// Index of the accelerator in its driver, or HostIndex.
func (d *Device) Index() int {
	return d.index
}

// Kind returns whether the device is the host or an accelerator.
func (d *Device) Kind() Kind {
	return d.kind
}

// IsHost returns whether d is the host device.
func (d *Device) IsHost() bool {
	return d == nil || d.kind == KindHost
}

// IsAccelerator returns whether d is an accelerator.
func (d *Device) IsAccelerator() bool {
	return !d.IsHost()
}

// Driver returns the name of the driver the accelerator was opened with, or "" for the host.
func (d *Device) Driver() string {
	return d.driver
}

// Capabilities returns the capabilities of an accelerator, or nil for the host.
// The returned value is owned by the Device, don't change it.
func (d *Device) Capabilities() *Capabilities {
	if d.IsHost() {
		return nil
	}
	return d.caps
}

// String implements fmt.Stringer.
func (d *Device) String() string {
	if d.IsHost() {
		return "Host"
	}
	return fmt.Sprintf("Device(%s:%d)", d.driver, d.index)
}

// Wait blocks until all the work submitted to the device so far is completed, and returns the first
// kernel execution failure since the previous Wait, as an *ExecutionError.
//
// Results of dispatches should only be read back after Wait. It is a no-op for the host.
func (d *Device) Wait() error {
	if d.IsHost() {
		return nil
	}
	err := d.queue.submit(taskBarrier, "wait", nil).Await()
	if execErr := d.queue.takeExecError(); execErr != nil {
		return execErr
	}
	return err
}

// submit work to the device queue. Not valid for the host.
func (d *Device) submit(kind taskKind, name string, run func() error) *Event {
	return d.queue.submit(kind, name, run)
}

// run submits the task and awaits it.
func (d *Device) run(name string, fn func() error) error {
	return d.submit(taskTransfer, name, fn).Await()
}

// Close waits for the submitted work, closes the queue and releases the engine.
// The Device and its buffers are no longer valid after that. Closing the host is a no-op.
func (d *Device) Close() error {
	if d.IsHost() {
		return nil
	}
	d.closeOnce.Do(func() {
		d.queue.close()
		if err := d.queue.takeExecError(); err != nil {
			klog.Warningf("krnl: %s closed with an unreported execution error: %v", d, err)
		}
		if err := d.engine.Close(); err != nil {
			d.closeErr = errors.WithMessagef(err, "failed to close %s", d)
		}
	})
	return d.closeErr
}
