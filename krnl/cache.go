package krnl

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"
)

// KernelCache builds and memoizes one compiled kernel per (module, device) pair.
//
// It is safe for concurrent use. Concurrent first requests for the same pair share one compilation
// (single-flight), and requests for different pairs don't wait for each other. Compilation failures are
// memoized as well: a pairing that failed is not compiled again.
type KernelCache struct {
	mu      sync.RWMutex
	entries map[cacheKey]*cacheEntry

	group        singleflight.Group
	compilations atomic.Int64
}

type cacheKey struct {
	module, device uint64
}

func (k cacheKey) String() string {
	return fmt.Sprintf("%d/%d", k.module, k.device)
}

type cacheEntry struct {
	program Program
	err     error
}

// NewKernelCache creates an empty cache. Usually one is created per process, and shared.
func NewKernelCache() *KernelCache {
	return &KernelCache{entries: make(map[cacheKey]*cacheEntry)}
}

var (
	defaultCache     *KernelCache
	defaultCacheOnce sync.Once
)

// DefaultCache returns the process-wide KernelCache, created on first use.
func DefaultCache() *KernelCache {
	defaultCacheOnce.Do(func() { defaultCache = NewKernelCache() })
	return defaultCache
}

// Compilations returns how many compilations the cache executed, successful or not.
func (c *KernelCache) Compilations() int64 {
	return c.compilations.Load()
}

// Len returns the number of memoized pairs, including failed ones.
func (c *KernelCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Evict drops the entries of the device, e.g. after closing it.
func (c *KernelCache) Evict(device *Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.device == device.id {
			delete(c.entries, key)
		}
	}
}

func (c *KernelCache) lookup(key cacheKey) (*cacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, found := c.entries[key]
	return entry, found
}

// getOrBuild returns the program of the module for the device, compiling it on first use.
func (c *KernelCache) getOrBuild(module moduleDecl, device *Device) (Program, error) {
	key := cacheKey{module: module.ID(), device: device.id}
	if entry, found := c.lookup(key); found {
		return entry.program, entry.err
	}
	v, _, shared := c.group.Do(key.String(), func() (any, error) {
		// Another flight may have finished between lookup and Do.
		if entry, found := c.lookup(key); found {
			return entry, nil
		}
		entry := c.compile(module, device)
		c.mu.Lock()
		c.entries[key] = entry
		c.mu.Unlock()
		return entry, nil
	})
	if shared {
		klog.V(2).Infof("krnl: kernel %q for %s: shared compilation", module.Name(), device)
	}
	entry := v.(*cacheEntry)
	return entry.program, entry.err
}

func (c *KernelCache) compile(module moduleDecl, device *Device) *cacheEntry {
	c.compilations.Add(1)
	if device.IsHost() {
		return &cacheEntry{program: module.newHostProgram()}
	}
	spec := module.kernelSpec()
	if missing := device.caps.Features.Missing(spec.Requires); missing != 0 {
		return &cacheEntry{err: errors.WithStack(&CompilationError{
			Kernel: spec.Name, Device: device.String(), Missing: missing})}
	}
	klog.V(1).Infof("krnl: compiling kernel %q for %s", spec.Name, device)
	program, err := device.engine.Compile(spec)
	if err != nil {
		return &cacheEntry{err: errors.WithStack(&CompilationError{
			Kernel: spec.Name, Device: device.String(), Err: err})}
	}
	return &cacheEntry{program: program}
}
