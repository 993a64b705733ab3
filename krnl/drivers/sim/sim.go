// Package sim implements a software accelerator driver for krnl, and registers it with the name "sim".
//
// Simulated devices own their memory, separate from the host's, execute launches partitioned in
// work-groups that run concurrently, and report configurable capabilities. Faults (lost devices, failing
// probes, out of memory) can be injected, which makes the driver useful to test code dispatching kernels
// without a GPU runtime installed.
//
// To use it simply import with:
//
//	import _ "github.com/gomlx/gokrnl/krnl/drivers/sim"
//
// And calls to krnl.GetDriver("sim") will return it, configured from the environment: KRNL_SIM_DEVICES sets
// the number of devices (default 1), KRNL_SIM_NO_FLOAT64=1 removes 64-bit float support.
package sim

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/gokrnl/krnl"
	"github.com/pkg/errors"
	"golang.org/x/sys/cpu"
	"k8s.io/klog/v2"
)

const (
	// DriverName is the name the default driver is registered with.
	DriverName = "sim"

	// NumDevicesEnv is the environment variable with the number of devices of the registered driver.
	NumDevicesEnv = "KRNL_SIM_DEVICES"

	// NoFloat64Env, if set to a true value, removes krnl.FeatureFloat64 from the devices of the registered driver.
	NoFloat64Env = "KRNL_SIM_NO_FLOAT64"
)

func init() {
	krnl.RegisterDriver(NewFromEnv())
}

// DeviceConfig configures one simulated device.
type DeviceConfig struct {
	Capabilities krnl.Capabilities

	// ProbeError, if set, is returned by Driver.Open for this device, simulating a broken device.
	ProbeError error

	// LaunchDelay is added to every launch, to simulate long running kernels.
	LaunchDelay time.Duration
}

// Driver of simulated devices. It implements krnl.Driver.
type Driver struct {
	name    string
	configs []DeviceConfig

	mu      sync.Mutex
	engines map[int][]*Engine // All engines opened per device index, in opening order.

	compilations atomic.Int64
	launches     atomic.Int64
}

var _ krnl.Driver = (*Driver)(nil)

// New creates a driver with one device per config. Without configs there are no devices.
func New(configs ...DeviceConfig) *Driver {
	return NewNamed(DriverName, configs...)
}

// NewNamed creates a driver with the given name.
func NewNamed(name string, configs ...DeviceConfig) *Driver {
	return &Driver{
		name:    name,
		configs: append([]DeviceConfig(nil), configs...),
		engines: make(map[int][]*Engine),
	}
}

// NewWithDevices creates a driver with numDevices devices with DefaultCapabilities.
func NewWithDevices(numDevices int) *Driver {
	configs := make([]DeviceConfig, numDevices)
	for ii := range configs {
		configs[ii].Capabilities = DefaultCapabilities(ii)
	}
	return New(configs...)
}

// NewFromEnv creates the driver configured by NumDevicesEnv and NoFloat64Env.
func NewFromEnv() *Driver {
	numDevices := 1
	if v, found := os.LookupEnv(NumDevicesEnv); found {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			klog.Warningf("sim: invalid %s=%q, using 1 device", NumDevicesEnv, v)
		} else {
			numDevices = n
		}
	}
	d := NewWithDevices(numDevices)
	if noF64, _ := strconv.ParseBool(os.Getenv(NoFloat64Env)); noF64 {
		for ii := range d.configs {
			caps := &d.configs[ii].Capabilities
			caps.Features = caps.Features.Without(krnl.FeatureFloat64)
		}
	}
	return d
}

// DefaultCapabilities of a simulated device: it mirrors the host CPU, whose cores run the work-groups.
func DefaultCapabilities(index int) krnl.Capabilities {
	features := krnl.NewFeatures(krnl.FeatureInt8, krnl.FeatureInt16, krnl.FeatureInt64,
		krnl.FeatureFloat64, krnl.FeatureSubgroupBasic)
	// FMA as a proxy for F16C, present on all FMA-capable CPUs.
	if (cpu.X86.HasAVX && cpu.X86.HasFMA) || cpu.ARM64.HasFPHP {
		features = features.With(krnl.FeatureFloat16)
	}
	return krnl.Capabilities{
		Name:               fmt.Sprintf("krnl software accelerator #%d (%s/%s)", index, runtime.GOOS, runtime.GOARCH),
		MaxGroups:          uint32(runtime.NumCPU()),
		MaxThreadsPerGroup: 256,
		SubgroupThreads:    krnl.ThreadRange{Min: 1, Max: simdLanes()},
		Features:           features,
	}
}

// simdLanes returns the number of float32 lanes of the widest vector unit of the CPU.
func simdLanes() uint32 {
	switch {
	case cpu.X86.HasAVX512:
		return 16
	case cpu.X86.HasAVX2:
		return 8
	case cpu.X86.HasSSE2, cpu.ARM64.HasASIMD:
		return 4
	}
	return 1
}

// Name implements krnl.Driver.
func (d *Driver) Name() string { return d.name }

// Runtime implements krnl.Driver.
func (d *Driver) Runtime() string { return "the krnl software accelerator" }

// Diagnostic implements krnl.Driver.
func (d *Driver) Diagnostic() string { return "krnl_devices --driver=" + d.name }

// NumDevices returns the number of configured devices.
func (d *Driver) NumDevices() int { return len(d.configs) }

// Open implements krnl.Driver.
//
// A device can be opened any number of times, each returning a new Engine with its own memory, like
// separate clients of the same GPU.
func (d *Driver) Open(index int) (krnl.Engine, error) {
	if index < 0 || index >= len(d.configs) {
		return nil, errors.WithStack(&krnl.DeviceIndexOutOfRangeError{Index: index, NumDevices: len(d.configs)})
	}
	cfg := d.configs[index]
	if cfg.ProbeError != nil {
		return nil, errors.WithMessagef(cfg.ProbeError, "sim: probing device %d", index)
	}
	e := newEngine(d, index, cfg)
	d.mu.Lock()
	defer d.mu.Unlock()
	engines := d.engines[index][:0]
	for _, opened := range d.engines[index] {
		if !opened.closed.Load() {
			engines = append(engines, opened)
		}
	}
	d.engines[index] = append(engines, e)
	return e, nil
}

// Engine returns the last engine opened for the device, or nil if it wasn't opened.
func (d *Driver) Engine(index int) *Engine {
	d.mu.Lock()
	defer d.mu.Unlock()
	engines := d.engines[index]
	if len(engines) == 0 {
		return nil
	}
	return engines[len(engines)-1]
}

// Lose marks the device as lost, for every engine opened on it: every operation from now on fails with
// krnl.ErrDeviceLost, including launches already submitted.
func (d *Driver) Lose(index int) {
	d.mu.Lock()
	engines := append([]*Engine(nil), d.engines[index]...)
	d.mu.Unlock()
	for _, e := range engines {
		e.Lose()
	}
}

// Compilations returns the number of kernels compiled by all devices of the driver.
func (d *Driver) Compilations() int64 { return d.compilations.Load() }

// Launches returns the number of launches executed by all devices of the driver.
func (d *Driver) Launches() int64 { return d.launches.Load() }
