package krnl

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Sentinel causes, wrapped by the typed errors below. Test with errors.Is.
var (
	// ErrDeviceLost is reported by an Engine once its device became unusable. Every later operation on the
	// device fails with it.
	ErrDeviceLost = errors.New("device lost")

	// ErrOutOfMemory is reported by an Engine when a device allocation doesn't fit.
	ErrOutOfMemory = errors.New("device out of memory")

	// ErrBufferConsumed is returned when using a Buffer after it was relocated, converted to host or destroyed.
	ErrBufferConsumed = errors.New("buffer already consumed (relocated, converted to host or destroyed)")

	// ErrDeviceClosed is returned when submitting work to a Device after Device.Close.
	ErrDeviceClosed = errors.New("device closed")
)

// ConfigurationError is returned when no suitable device is found, or an accelerator was required but is absent.
// It carries the remediation for the user.
type ConfigurationError struct {
	Runtime    string // Name of the required runtime, e.g. "Vulkan".
	Diagnostic string // Command the user can run to verify the runtime install.
	Reason     string
	Err        error
}

func (e *ConfigurationError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Reason)
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	runtimeName := e.Runtime
	if runtimeName == "" {
		runtimeName = "an accelerator runtime"
	}
	fmt.Fprintf(&sb, " -- install %s", runtimeName)
	if e.Diagnostic != "" {
		fmt.Fprintf(&sb, " and check `%s`", e.Diagnostic)
	}
	fmt.Fprintf(&sb, ", or select a driver with %s (registered drivers: %v)", DriverEnv, RegisteredDrivers())
	return sb.String()
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// DeviceIndexOutOfRangeError is returned by Driver.Open when there is no device with the given index.
// Device enumeration stops normally on it.
type DeviceIndexOutOfRangeError struct {
	Index, NumDevices int
}

func (e *DeviceIndexOutOfRangeError) Error() string {
	return fmt.Sprintf("device index %d out of range, %d devices available", e.Index, e.NumDevices)
}

// ShapeMismatchError is returned by a dispatch whose item buffers don't all have the same length.
// Nothing is executed.
type ShapeMismatchError struct {
	Kernel  string
	Params  []string
	Lengths []int
}

func (e *ShapeMismatchError) Error() string {
	parts := make([]string, len(e.Params))
	for ii, name := range e.Params {
		parts[ii] = fmt.Sprintf("%s=%d", name, e.Lengths[ii])
	}
	return fmt.Sprintf("kernel %q: item arguments must have the same length, got lengths %s",
		e.Kernel, strings.Join(parts, ", "))
}

// LocationMismatchError is returned by a dispatch whose item buffers are not all on the same device.
// Buffers are never relocated implicitly: the caller must use Buffer.Relocate.
type LocationMismatchError struct {
	Kernel    string
	Params    []string
	Locations []string
}

func (e *LocationMismatchError) Error() string {
	parts := make([]string, len(e.Params))
	for ii, name := range e.Params {
		parts[ii] = fmt.Sprintf("%s@%s", name, e.Locations[ii])
	}
	return fmt.Sprintf("kernel %q: item arguments must be on the same device, got %s -- relocate them explicitly",
		e.Kernel, strings.Join(parts, ", "))
}

// CompilationError is returned when a kernel can't be compiled for a device, typically because the device
// lacks a required feature. It is memoized by the KernelCache: the pairing is not retried.
type CompilationError struct {
	Kernel  string
	Device  string
	Missing Features // Features required by the kernel but not supported by the device, if that is the cause.
	Err     error
}

func (e *CompilationError) Error() string {
	if e.Missing != 0 {
		return fmt.Sprintf("failed to compile kernel %q for %s: device doesn't support required features %s",
			e.Kernel, e.Device, e.Missing)
	}
	return fmt.Sprintf("failed to compile kernel %q for %s: %v", e.Kernel, e.Device, e.Err)
}

func (e *CompilationError) Unwrap() error { return e.Err }

// TransferError is returned when moving data between host and device fails. The source buffer is not
// guaranteed usable afterwards.
type TransferError struct {
	Op     string // "alloc", "upload", "download" or "copy".
	Device string
	Bytes  int
	Err    error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s of %d bytes on %s failed: %v", e.Op, e.Bytes, e.Device, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// ExecutionError is a device-side failure of a submitted kernel. It is reported by Device.Wait, not at
// submission.
type ExecutionError struct {
	Kernel string
	Device string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution of kernel %q on %s failed: %v", e.Kernel, e.Device, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ArgumentError is a malformed call: wrong number of arguments, nil or consumed buffers, invalid signature.
type ArgumentError struct {
	Kernel string
	Reason string
	Err    error
}

func (e *ArgumentError) Error() string {
	msg := e.Reason
	if e.Kernel != "" {
		msg = fmt.Sprintf("kernel %q: %s", e.Kernel, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ArgumentError) Unwrap() error { return e.Err }

// IsIndexOutOfRange returns whether err is (or wraps) a *DeviceIndexOutOfRangeError.
func IsIndexOutOfRange(err error) bool {
	var target *DeviceIndexOutOfRangeError
	return errors.As(err, &target)
}
