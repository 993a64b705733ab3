package krnl

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// fakeDriver is a minimal in-memory Driver for the internal tests.
type fakeDriver struct {
	numDevices int
	caps       Capabilities

	// compileGate, if set, blocks every Compile until it is closed.
	compileGate chan struct{}
	compileErr  error

	compilations atomic.Int64
	mu           sync.Mutex
	engines      []*fakeEngine
}

func newFakeDriver(numDevices int) *fakeDriver {
	return &fakeDriver{
		numDevices: numDevices,
		caps: Capabilities{
			Name:               "fake",
			MaxGroups:          4,
			MaxThreadsPerGroup: 64,
			SubgroupThreads:    ThreadRange{Min: 1, Max: 4},
			Features:           AllFeatures(),
		},
	}
}

func (d *fakeDriver) Name() string       { return "fake" }
func (d *fakeDriver) Runtime() string    { return "FakeRT" }
func (d *fakeDriver) Diagnostic() string { return "fakeinfo --summary" }

func (d *fakeDriver) Open(index int) (Engine, error) {
	if index >= d.numDevices {
		return nil, errors.WithStack(&DeviceIndexOutOfRangeError{Index: index, NumDevices: d.numDevices})
	}
	e := &fakeEngine{driver: d}
	d.mu.Lock()
	d.engines = append(d.engines, e)
	d.mu.Unlock()
	return e, nil
}

type fakeEngine struct {
	driver *fakeDriver
	lost   atomic.Bool
	closed atomic.Bool
}

type fakeMemory []byte

func (m fakeMemory) Size() int { return len(m) }
func (m fakeMemory) Free()     {}

type fakeProgram struct{ spec *KernelSpec }

func (p fakeProgram) Name() string { return p.spec.Name }

func (e *fakeEngine) Capabilities() Capabilities { return e.driver.caps }

func (e *fakeEngine) Alloc(sizeBytes int) (Memory, error) {
	if e.lost.Load() {
		return nil, ErrDeviceLost
	}
	return fakeMemory(make([]byte, sizeBytes)), nil
}

func (e *fakeEngine) Write(dst Memory, src []byte) error {
	copy(dst.(fakeMemory), src)
	return nil
}

func (e *fakeEngine) Read(dst []byte, src Memory) error {
	if e.lost.Load() {
		return ErrDeviceLost
	}
	copy(dst, src.(fakeMemory))
	return nil
}

func (e *fakeEngine) Compile(spec *KernelSpec) (Program, error) {
	if gate := e.driver.compileGate; gate != nil {
		<-gate
	}
	e.driver.compilations.Add(1)
	if e.driver.compileErr != nil {
		return nil, e.driver.compileErr
	}
	return fakeProgram{spec: spec}, nil
}

func (e *fakeEngine) Launch(program Program, items []Memory, uniforms []byte, length int) error {
	if e.lost.Load() {
		return ErrDeviceLost
	}
	raw := make([][]byte, len(items))
	for ii, mem := range items {
		raw[ii] = mem.(fakeMemory)
	}
	program.(fakeProgram).spec.Entry(raw, uniforms, 0, length)
	return nil
}

func (e *fakeEngine) Close() error {
	e.closed.Store(true)
	return nil
}

// affineModule is y = a*x + b, with uniforms a and b.
var affineModule = MustNewModule[float32]("affine",
	func(items, uniforms []float32) { items[1] = uniforms[0]*items[0] + uniforms[1] },
	Item("x"), Uniform("a"), Uniform("b"), ItemMut("y"))
