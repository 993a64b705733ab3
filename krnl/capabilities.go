package krnl

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/gomlx/gokrnl/dtypes"
)

// Feature is an optional numeric or operation capability of an accelerator.
type Feature int

const (
	FeatureInt8 Feature = iota
	FeatureInt16
	FeatureInt64
	FeatureFloat16
	FeatureFloat64
	FeatureSubgroupBasic

	numFeatures
)

var featureNames = [numFeatures]string{
	FeatureInt8:          "shader_int8",
	FeatureInt16:         "shader_int16",
	FeatureInt64:         "shader_int64",
	FeatureFloat16:       "shader_float16",
	FeatureFloat64:       "shader_float64",
	FeatureSubgroupBasic: "subgroup_basic",
}

// String returns the name of the feature, as reported by the runtimes.
func (f Feature) String() string {
	if f >= 0 && f < numFeatures {
		return featureNames[f]
	}
	return fmt.Sprintf("Feature(%d)", int(f))
}

// Features is a set of Feature values.
type Features uint64

// NewFeatures returns the set with the given features.
func NewFeatures(features ...Feature) Features {
	var fs Features
	for _, f := range features {
		fs = fs.With(f)
	}
	return fs
}

// AllFeatures is the set with every known Feature.
func AllFeatures() Features {
	return Features(1)<<numFeatures - 1
}

// Has returns whether f is in the set.
func (fs Features) Has(f Feature) bool {
	return fs&(1<<f) != 0
}

// With returns a copy of the set with f added.
func (fs Features) With(f Feature) Features {
	return fs | 1<<f
}

// Without returns a copy of the set with f removed.
func (fs Features) Without(f Feature) Features {
	return fs &^ (1 << f)
}

// Missing returns the features of required that are not in fs.
func (fs Features) Missing(required Features) Features {
	return required &^ fs
}

// Len returns the number of features in the set.
func (fs Features) Len() int {
	return bits.OnesCount64(uint64(fs))
}

// List returns the features in the set, in increasing order.
func (fs Features) List() []Feature {
	list := make([]Feature, 0, fs.Len())
	for f := Feature(0); f < numFeatures; f++ {
		if fs.Has(f) {
			list = append(list, f)
		}
	}
	return list
}

// String implements fmt.Stringer.
func (fs Features) String() string {
	list := fs.List()
	names := make([]string, len(list))
	for ii, f := range list {
		names[ii] = f.String()
	}
	return "{" + strings.Join(names, ", ") + "}"
}

// FeaturesForDType returns the device features needed to hold and compute with elements of dtype.
// 32-bit types need no optional feature.
func FeaturesForDType(dtype dtypes.DType) Features {
	switch dtype {
	case dtypes.Int8, dtypes.Uint8:
		return NewFeatures(FeatureInt8)
	case dtypes.Int16, dtypes.Uint16:
		return NewFeatures(FeatureInt16)
	case dtypes.Int64, dtypes.Uint64:
		return NewFeatures(FeatureInt64)
	case dtypes.Float16:
		return NewFeatures(FeatureFloat16)
	case dtypes.Float64:
		return NewFeatures(FeatureFloat64)
	}
	return 0
}

// ThreadRange is an inclusive range of thread counts.
type ThreadRange struct {
	Min, Max uint32
}

// String implements fmt.Stringer.
func (r ThreadRange) String() string {
	return fmt.Sprintf("%d..=%d", r.Min, r.Max)
}

// Capabilities is the static description of an accelerator. Host devices have none.
type Capabilities struct {
	// Name of the device as reported by the runtime.
	Name string

	// MaxGroups is the maximum number of concurrently scheduled work-groups.
	MaxGroups uint32

	// MaxThreadsPerGroup is the maximum number of threads in one work-group.
	MaxThreadsPerGroup uint32

	// SubgroupThreads is the range of threads cooperating at hardware-warp granularity.
	SubgroupThreads ThreadRange

	// Features supported by the device.
	Features Features

	// MemoryBytes is the device memory size, 0 if unknown or unbounded.
	MemoryBytes uint64
}

// Parallelism is the number of threads the device can run at once.
func (c *Capabilities) Parallelism() uint64 {
	return uint64(c.MaxGroups) * uint64(c.MaxThreadsPerGroup)
}

// String implements fmt.Stringer.
func (c *Capabilities) String() string {
	return fmt.Sprintf("%s: max_groups=%d, max_threads_per_group=%d, subgroup_threads=%s, features=%s",
		c.Name, c.MaxGroups, c.MaxThreadsPerGroup, c.SubgroupThreads, c.Features)
}
