package sim

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/gomlx/gokrnl/krnl"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Engine is one opened simulated device. It implements krnl.Engine.
type Engine struct {
	driver      *Driver
	index       int
	caps        krnl.Capabilities
	launchDelay time.Duration

	lost, closed atomic.Bool
	allocated    atomic.Int64 // Bytes currently allocated.
	compilations atomic.Int64
}

var _ krnl.Engine = (*Engine)(nil)

func newEngine(driver *Driver, index int, cfg DeviceConfig) *Engine {
	return &Engine{driver: driver, index: index, caps: cfg.Capabilities, launchDelay: cfg.LaunchDelay}
}

// memory is an allocation of a simulated device.
type memory struct {
	engine *Engine
	data   []byte
	freed  atomic.Bool
}

func (m *memory) Size() int { return len(m.data) }

func (m *memory) Free() {
	if m.freed.CompareAndSwap(false, true) {
		m.engine.allocated.Add(-int64(len(m.data)))
		m.data = nil
	}
}

// program is a kernel "compiled" for a simulated device: its entry point and the work-group size.
type program struct {
	spec      *krnl.KernelSpec
	groupSize int
}

func (p *program) Name() string { return p.spec.Name }

// String implements fmt.Stringer.
func (e *Engine) String() string {
	return fmt.Sprintf("sim device #%d", e.index)
}

// check returns an error if the device can't be used.
func (e *Engine) check() error {
	if e.closed.Load() {
		return errors.Errorf("%s is closed", e)
	}
	if e.lost.Load() {
		return errors.WithStack(krnl.ErrDeviceLost)
	}
	return nil
}

// Lose marks the device as lost.
func (e *Engine) Lose() {
	klog.V(1).Infof("sim: %s lost", e)
	e.lost.Store(true)
}

// Allocated returns the number of bytes currently allocated on the device.
func (e *Engine) Allocated() int64 { return e.allocated.Load() }

// Compilations returns the number of kernels compiled on this device.
func (e *Engine) Compilations() int64 { return e.compilations.Load() }

// Capabilities implements krnl.Engine.
func (e *Engine) Capabilities() krnl.Capabilities { return e.caps }

// Alloc implements krnl.Engine.
func (e *Engine) Alloc(sizeBytes int) (krnl.Memory, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	if limit := e.caps.MemoryBytes; limit > 0 && uint64(e.allocated.Load())+uint64(sizeBytes) > limit {
		return nil, errors.Wrapf(krnl.ErrOutOfMemory, "%s: allocating %d bytes, %d of %d in use",
			e, sizeBytes, e.allocated.Load(), limit)
	}
	// Backed by uint64 words, so it is aligned for every element type.
	words := make([]uint64, (sizeBytes+7)/8)
	var data []byte
	if len(words) > 0 {
		data = unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), sizeBytes)
	}
	e.allocated.Add(int64(sizeBytes))
	return &memory{engine: e, data: data}, nil
}

// memoryOf returns the simulated memory behind a krnl.Memory of this engine.
func (e *Engine) memoryOf(mem krnl.Memory) (*memory, error) {
	m, ok := mem.(*memory)
	if !ok || m.engine != e {
		return nil, errors.Errorf("%s: memory %T doesn't belong to this device", e, mem)
	}
	if m.freed.Load() {
		return nil, errors.Errorf("%s: use of freed memory", e)
	}
	return m, nil
}

// Write implements krnl.Engine.
func (e *Engine) Write(dst krnl.Memory, src []byte) error {
	if err := e.check(); err != nil {
		return err
	}
	m, err := e.memoryOf(dst)
	if err != nil {
		return err
	}
	if len(src) != len(m.data) {
		return errors.Errorf("%s: writing %d bytes to an allocation of %d bytes", e, len(src), len(m.data))
	}
	copy(m.data, src)
	return nil
}

// Read implements krnl.Engine.
func (e *Engine) Read(dst []byte, src krnl.Memory) error {
	if err := e.check(); err != nil {
		return err
	}
	m, err := e.memoryOf(src)
	if err != nil {
		return err
	}
	if len(dst) != len(m.data) {
		return errors.Errorf("%s: reading %d bytes from an allocation of %d bytes", e, len(dst), len(m.data))
	}
	copy(dst, m.data)
	return nil
}

// Compile implements krnl.Engine.
func (e *Engine) Compile(spec *krnl.KernelSpec) (krnl.Program, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	if missing := e.caps.Features.Missing(spec.Requires); missing != 0 {
		return nil, errors.Errorf("%s: kernel %q requires unsupported features %s", e, spec.Name, missing)
	}
	if spec.Entry == nil {
		return nil, errors.Errorf("%s: kernel %q has no entry point", e, spec.Name)
	}
	e.compilations.Add(1)
	e.driver.compilations.Add(1)
	groupSize := int(e.caps.MaxThreadsPerGroup)
	if groupSize <= 0 {
		groupSize = 1
	}
	klog.V(2).Infof("sim: %s compiled kernel %q (%s), work-group size %d", e, spec.Name, spec.DType, groupSize)
	return &program{spec: spec, groupSize: groupSize}, nil
}

// Launch implements krnl.Engine. The elements are partitioned in work-groups, run concurrently by at most
// MaxGroups goroutines.
func (e *Engine) Launch(prog krnl.Program, items []krnl.Memory, uniforms []byte, length int) error {
	if err := e.check(); err != nil {
		return err
	}
	p, ok := prog.(*program)
	if !ok {
		return errors.Errorf("%s: program %T was not compiled by a sim device", e, prog)
	}
	elementSize := p.spec.DType.Size()
	rawItems := make([][]byte, len(items))
	for ii, mem := range items {
		m, err := e.memoryOf(mem)
		if err != nil {
			return err
		}
		if len(m.data) < length*elementSize {
			return errors.Errorf("%s: kernel %q item #%d has %d bytes, %d elements of %s need %d",
				e, p.spec.Name, ii, len(m.data), length, p.spec.DType, length*elementSize)
		}
		rawItems[ii] = m.data[:length*elementSize]
	}
	if e.launchDelay > 0 {
		time.Sleep(e.launchDelay)
	}
	// The device may have been lost while "running".
	if err := e.check(); err != nil {
		return err
	}
	e.driver.launches.Add(1)

	var g errgroup.Group
	g.SetLimit(max(int(e.caps.MaxGroups), 1))
	for start := 0; start < length; start += p.groupSize {
		end := min(start+p.groupSize, length)
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = errors.Errorf("kernel %q panicked on elements [%d, %d): %v", p.spec.Name, start, end, r)
				}
			}()
			p.spec.Entry(rawItems, uniforms, start, end)
			return nil
		})
	}
	return g.Wait()
}

// Close implements krnl.Engine.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if n := e.allocated.Load(); n > 0 {
		klog.V(1).Infof("sim: %s closed with %d bytes still allocated", e, n)
	}
	return nil
}
