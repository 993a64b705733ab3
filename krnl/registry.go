package krnl

import (
	"maps"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Registry enumerates and opens the devices of one Driver.
//
// It is the explicit context object of the package: create one at startup with NewRegistry (or use
// DefaultRegistry) and pass it, along with a KernelCache, to whoever dispatches kernels.
// Devices opened by a Registry are kept open, and the same *Device is returned for the same index,
// until Registry.Close.
type Registry struct {
	driver        Driver
	hostFallback  bool
	maxProbeIndex int

	mu      sync.Mutex
	devices map[int]*Device
}

// RegistryOption configures a Registry.
type RegistryOption func(r *Registry)

// WithHostFallback makes Registry.BuildDefault return the host device, instead of an error, if no
// accelerator is available.
func WithHostFallback() RegistryOption {
	return func(r *Registry) { r.hostFallback = true }
}

// WithMaxProbeIndex bounds enumeration to indices below maxIndex, for drivers that never report an
// out-of-range index.
func WithMaxProbeIndex(maxIndex int) RegistryOption {
	return func(r *Registry) { r.maxProbeIndex = maxIndex }
}

// NewRegistry creates a Registry for the driver. A nil driver yields a host-only registry.
func NewRegistry(driver Driver, options ...RegistryOption) *Registry {
	r := &Registry{
		driver:        driver,
		maxProbeIndex: defaultMaxProbeIndex,
		devices:       make(map[int]*Device),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

const defaultMaxProbeIndex = 1 << 10

var (
	defaultRegistry     *Registry
	defaultRegistryErr  error
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide registry, created on first use for the driver selected by the
// KRNL_DRIVER environment variable (or the only registered driver). It is never closed.
//
// If no driver is registered the registry is host-only, and it uses WithHostFallback.
func DefaultRegistry() (*Registry, error) {
	defaultRegistryOnce.Do(func() {
		driver, err := defaultDriver()
		if err != nil {
			defaultRegistryErr = err
			return
		}
		if driver == nil {
			klog.V(1).Infof("krnl: no driver registered, default registry is host-only")
			defaultRegistry = NewRegistry(nil, WithHostFallback())
			return
		}
		defaultRegistry = NewRegistry(driver)
	})
	return defaultRegistry, defaultRegistryErr
}

// Driver returns the driver of the registry, or nil for a host-only registry.
func (r *Registry) Driver() Driver {
	return r.driver
}

// DeviceConfig is created with Registry.Builder, and is a "builder pattern" to configure the device to open.
//
// Call DeviceConfig.Done to open the device.
type DeviceConfig struct {
	registry *Registry
	index    int
	indexSet bool
}

// Builder returns a DeviceConfig to open a device of the registry.
func (r *Registry) Builder() *DeviceConfig {
	return &DeviceConfig{registry: r}
}

// Index selects the accelerator to open. Without it Done builds the default device (see Registry.BuildDefault).
func (c *DeviceConfig) Index(index int) *DeviceConfig {
	c.index = index
	c.indexSet = true
	return c
}

// Done opens the configured device.
func (c *DeviceConfig) Done() (*Device, error) {
	if !c.indexSet {
		return c.registry.BuildDefault()
	}
	return c.registry.open(c.index)
}

// open returns the device with the given index, opening it if needed.
func (r *Registry) open(index int) (*Device, error) {
	if index < 0 {
		return nil, errors.WithStack(&ArgumentError{Reason: "negative device index, use krnl.Host() for the host device"})
	}
	if r.driver == nil {
		return nil, errors.WithStack(&DeviceIndexOutOfRangeError{Index: index, NumDevices: 0})
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, found := r.devices[index]; found {
		return d, nil
	}
	engine, err := r.driver.Open(index)
	if err != nil {
		if IsIndexOutOfRange(err) {
			return nil, err
		}
		return nil, errors.WithMessagef(err, "driver %q failed to open device %d", r.driver.Name(), index)
	}
	d := newAcceleratorDevice(r.driver.Name(), index, engine)
	klog.V(1).Infof("krnl: opened %s: %s", d, d.caps)
	r.devices[index] = d
	return d, nil
}

// Enumerate probes the device indices 0, 1, 2, ... and returns the accelerators found, in index order.
//
// Probing stops normally at the first out-of-range index. Any other failure also stops the enumeration,
// since the remaining indices are assumed unreachable: it is logged as a warning and returned along with
// the devices opened so far.
func (r *Registry) Enumerate() ([]*Device, error) {
	var devices []*Device
	if r.driver == nil {
		return devices, nil
	}
	for index := 0; index < r.maxProbeIndex; index++ {
		d, err := r.open(index)
		if err != nil {
			if IsIndexOutOfRange(err) {
				return devices, nil
			}
			klog.Warningf("krnl: failed to create device %d: %v", index, err)
			return devices, err
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// BuildDefault returns the best available accelerator: the one with the most parallelism, and the lowest
// index on ties.
//
// If there is none it returns a *ConfigurationError naming the runtime to install, or the host device
// if the registry was created WithHostFallback. The caller can check Device.Kind.
func (r *Registry) BuildDefault() (*Device, error) {
	devices, enumErr := r.Enumerate()
	var best *Device
	for _, d := range devices {
		if best == nil || d.caps.Parallelism() > best.caps.Parallelism() {
			best = d
		}
	}
	if best != nil {
		return best, nil
	}
	if r.hostFallback {
		klog.V(1).Infof("krnl: no accelerator found, falling back to host")
		return Host(), nil
	}
	cfgErr := &ConfigurationError{Reason: "no accelerator device found", Err: enumErr}
	if r.driver != nil {
		cfgErr.Runtime = r.driver.Runtime()
		cfgErr.Diagnostic = r.driver.Diagnostic()
	} else {
		cfgErr.Reason = "no accelerator driver registered"
		cfgErr.Diagnostic = "krnl_devices"
	}
	return nil, cfgErr
}

// Devices returns the accelerators opened so far, in index order.
func (r *Registry) Devices() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	devices := make([]*Device, 0, len(r.devices))
	for _, index := range slices.Sorted(maps.Keys(r.devices)) {
		devices = append(devices, r.devices[index])
	}
	return devices
}

// Close closes all the devices opened by the registry, and returns the first error.
func (r *Registry) Close() error {
	r.mu.Lock()
	devices := r.devices
	r.devices = make(map[int]*Device)
	r.mu.Unlock()
	var firstErr error
	for _, d := range devices {
		if err := d.Close(); err != nil {
			klog.Errorf("krnl: %v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
