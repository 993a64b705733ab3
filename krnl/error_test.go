package krnl

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestConfigurationError(t *testing.T) {
	err := &ConfigurationError{Runtime: "Vulkan", Diagnostic: "vulkaninfo --summary", Reason: "no accelerator device found"}
	msg := err.Error()
	require.Contains(t, msg, "no accelerator device found")
	require.Contains(t, msg, "install Vulkan")
	require.Contains(t, msg, "`vulkaninfo --summary`")
	require.Contains(t, msg, DriverEnv)

	cause := errors.New("probe failed")
	err.Err = cause
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "probe failed")
}

func TestIsIndexOutOfRange(t *testing.T) {
	err := errors.WithMessagef(errors.WithStack(&DeviceIndexOutOfRangeError{Index: 2, NumDevices: 2}), "opening")
	require.True(t, IsIndexOutOfRange(err))
	require.False(t, IsIndexOutOfRange(errors.New("other")))
	require.Contains(t, err.Error(), "device index 2 out of range, 2 devices available")
}

func TestErrorMessages(t *testing.T) {
	shapeErr := &ShapeMismatchError{Kernel: "affine", Params: []string{"x", "y"}, Lengths: []int{4, 3}}
	require.Contains(t, shapeErr.Error(), "x=4, y=3")

	locErr := &LocationMismatchError{Kernel: "affine", Params: []string{"x", "y"}, Locations: []string{"Host", "Device(sim:0)"}}
	require.Contains(t, locErr.Error(), "x@Host, y@Device(sim:0)")

	compErr := &CompilationError{Kernel: "k", Device: "Device(sim:0)", Missing: NewFeatures(FeatureFloat64)}
	require.Contains(t, compErr.Error(), "shader_float64")

	execErr := &ExecutionError{Kernel: "k", Device: "Device(sim:0)", Err: ErrDeviceLost}
	require.ErrorIs(t, execErr, ErrDeviceLost)

	transferErr := &TransferError{Op: "alloc", Device: "Device(sim:0)", Bytes: 16, Err: ErrOutOfMemory}
	require.ErrorIs(t, transferErr, ErrOutOfMemory)
	require.Contains(t, transferErr.Error(), "alloc of 16 bytes")

	argErr := &ArgumentError{Kernel: "k", Reason: "bad", Err: ErrBufferConsumed}
	require.ErrorIs(t, argErr, ErrBufferConsumed)
	require.Equal(t, `kernel "k": bad: `+ErrBufferConsumed.Error(), argErr.Error())
}
