package krnl

import (
	"sync"
	"testing"
	"time"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestCacheSingleFlight(t *testing.T) {
	driver := newFakeDriver(1)
	driver.compileGate = make(chan struct{})
	registry := NewRegistry(driver)
	defer func() { require.NoError(t, registry.Close()) }()
	device := must.M1(registry.Builder().Index(0).Done())

	cache := NewKernelCache()
	const numGoroutines = 16
	var wg sync.WaitGroup
	kernels := make([]*Kernel[float32], numGoroutines)
	errs := make([]error, numGoroutines)
	for ii := range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			kernels[ii], errs[ii] = affineModule.Build(cache, device)
		}()
	}
	// Let the goroutines pile up on the blocked compilation.
	time.Sleep(50 * time.Millisecond)
	close(driver.compileGate)
	wg.Wait()

	for ii := range numGoroutines {
		require.NoError(t, errs[ii])
		require.Equal(t, kernels[0].Program(), kernels[ii].Program())
	}
	require.Equal(t, int64(1), driver.compilations.Load())
	require.Equal(t, int64(1), cache.Compilations())
	require.Equal(t, 1, cache.Len())
}

func TestCacheDifferentKeysDontBlock(t *testing.T) {
	driver := newFakeDriver(1)
	registry := NewRegistry(driver)
	defer func() { require.NoError(t, registry.Close()) }()
	device := must.M1(registry.Builder().Index(0).Done())
	cache := NewKernelCache()

	// Block the device compilation, the host one must still go through.
	driver.compileGate = make(chan struct{})
	done := make(chan error)
	go func() {
		_, err := affineModule.Build(cache, device)
		done <- err
	}()
	hostKernel, err := affineModule.Build(cache, nil)
	require.NoError(t, err)
	require.Same(t, Host(), hostKernel.Device())
	close(driver.compileGate)
	require.NoError(t, <-done)
	require.Equal(t, 2, cache.Len())

	cache.Evict(device)
	require.Equal(t, 1, cache.Len())
}

func TestCacheMemoizesFailures(t *testing.T) {
	driver := newFakeDriver(1)
	driver.compileErr = errors.New("shader compiler crashed")
	registry := NewRegistry(driver)
	defer func() { require.NoError(t, registry.Close()) }()
	device := must.M1(registry.Builder().Index(0).Done())

	cache := NewKernelCache()
	for range 3 {
		_, err := affineModule.Build(cache, device)
		var compErr *CompilationError
		require.ErrorAs(t, err, &compErr)
		require.ErrorIs(t, err, driver.compileErr)
		require.Equal(t, "affine", compErr.Kernel)
	}
	require.Equal(t, int64(1), driver.compilations.Load())
}

func TestCacheMissingFeatures(t *testing.T) {
	driver := newFakeDriver(1)
	driver.caps.Features = driver.caps.Features.Without(FeatureFloat64)
	registry := NewRegistry(driver)
	defer func() { require.NoError(t, registry.Close()) }()
	device := must.M1(registry.Builder().Index(0).Done())

	module := MustNewModule[float64]("double", func(items, _ []float64) { items[1] = 2 * items[0] },
		Item("x"), ItemMut("y"))
	_, err := module.Build(NewKernelCache(), device)
	var compErr *CompilationError
	require.ErrorAs(t, err, &compErr)
	require.Equal(t, NewFeatures(FeatureFloat64), compErr.Missing)
	require.Zero(t, driver.compilations.Load(), "engine compiler is not called")

	// 32-bit kernels need no optional feature.
	_, err = affineModule.Build(NewKernelCache(), device)
	require.NoError(t, err)
}
