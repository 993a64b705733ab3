package krnl

import (
	"os"
	"slices"
	"sync"

	"github.com/gomlx/gokrnl/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// This file holds the contract between krnl and a compute runtime (a "driver"), and the registry of drivers.

const (
	// DriverEnv is the name of the environment variable that selects the driver used by DefaultRegistry.
	DriverEnv = "KRNL_DRIVER"
)

// Driver is the entry point of an external compute runtime (Vulkan, CUDA, a simulator, ...).
// Implementations register themselves with RegisterDriver, usually in an init function.
type Driver interface {
	// Name the driver is registered with, e.g. "sim".
	Name() string

	// Runtime is the human-readable name of the external runtime the driver needs, e.g. "Vulkan".
	Runtime() string

	// Diagnostic is a command that verifies the runtime install, e.g. "vulkaninfo --summary".
	Diagnostic() string

	// Open the accelerator with the given index.
	// It must return a *DeviceIndexOutOfRangeError if there is no device with that index.
	Open(index int) (Engine, error)
}

// Engine is an opened accelerator.
//
// Capabilities and Compile can be called from any goroutine, concurrently. The other methods are only called
// from the device queue goroutine, one at a time and in submission order.
type Engine interface {
	// Capabilities of the device, constant for the lifetime of the Engine.
	Capabilities() Capabilities

	// Alloc allocates device memory.
	Alloc(sizeBytes int) (Memory, error)

	// Write copies src from host into dst.
	Write(dst Memory, src []byte) error

	// Read copies src from the device into dst.
	Read(dst []byte, src Memory) error

	// Compile the kernel into a Program for this device. This is the expensive part, cached by KernelCache.
	Compile(spec *KernelSpec) (Program, error)

	// Launch runs the program over length elements. items are in the order of the item parameters of the
	// kernel signature, uniforms holds the packed uniform values.
	Launch(program Program, items []Memory, uniforms []byte, length int) error

	// Close releases the device.
	Close() error
}

// Memory is an allocation on a device, owned by one Buffer.
type Memory interface {
	// Size in bytes.
	Size() int

	// Free releases the allocation.
	Free()
}

// Program is a kernel compiled for one device.
type Program interface {
	Name() string
}

// KernelSpec is the type-erased description of a kernel given to Engine.Compile.
type KernelSpec struct {
	Name     string
	Params   []Param
	DType    dtypes.DType
	Requires Features

	// Entry runs the kernel body over the elements [start, end). items holds the raw bytes of each item
	// argument, uniforms the packed uniform values. Calls on disjoint ranges can run concurrently.
	Entry func(items [][]byte, uniforms []byte, start, end int)
}

// NumItems returns the number of item parameters.
func (s *KernelSpec) NumItems() int {
	var count int
	for _, p := range s.Params {
		if p.Kind != UniformParam {
			count++
		}
	}
	return count
}

var (
	// registeredDrivers is protected by muDrivers.
	registeredDrivers = make(map[string]Driver)
	muDrivers         sync.Mutex

	// defaultDriverName is set from DriverEnv at init.
	defaultDriverName string
)

func init() {
	defaultDriverName = os.Getenv(DriverEnv)
}

// RegisterDriver makes the driver available under driver.Name(). Registering a name twice replaces
// the previous driver.
func RegisterDriver(driver Driver) {
	muDrivers.Lock()
	defer muDrivers.Unlock()
	name := driver.Name()
	if _, found := registeredDrivers[name]; found {
		klog.Warningf("krnl: driver %q registered more than once, using the last one", name)
	}
	registeredDrivers[name] = driver
	klog.V(1).Infof("krnl: registered driver %q (runtime %s)", name, driver.Runtime())
}

// GetDriver returns the driver registered under name.
func GetDriver(name string) (Driver, error) {
	muDrivers.Lock()
	defer muDrivers.Unlock()
	driver, found := registeredDrivers[name]
	if !found {
		return nil, errors.Errorf("driver %q not registered, registered drivers: %v", name, registeredDriversLocked())
	}
	return driver, nil
}

// RegisteredDrivers returns the names of the registered drivers, sorted.
func RegisteredDrivers() []string {
	muDrivers.Lock()
	defer muDrivers.Unlock()
	return registeredDriversLocked()
}

func registeredDriversLocked() []string {
	names := make([]string, 0, len(registeredDrivers))
	for name := range registeredDrivers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// defaultDriver returns the driver selected by DriverEnv, or the only registered driver if there is just
// one. It returns nil if no driver could be selected.
func defaultDriver() (Driver, error) {
	if defaultDriverName != "" {
		return GetDriver(defaultDriverName)
	}
	muDrivers.Lock()
	defer muDrivers.Unlock()
	switch len(registeredDrivers) {
	case 0:
		return nil, nil
	case 1:
		for _, driver := range registeredDrivers {
			return driver, nil
		}
	}
	return nil, errors.Errorf("more than one driver registered (%v), select one with %s",
		registeredDriversLocked(), DriverEnv)
}
