package krnl

import (
	"testing"

	"github.com/gomlx/gokrnl/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeatures(t *testing.T) {
	fs := NewFeatures(FeatureInt8, FeatureFloat64)
	require.True(t, fs.Has(FeatureInt8))
	require.False(t, fs.Has(FeatureFloat16))
	require.Equal(t, 2, fs.Len())
	require.Equal(t, "{shader_int8, shader_float64}", fs.String())
	require.Equal(t, []Feature{FeatureInt8, FeatureFloat64}, fs.List())

	fs = fs.With(FeatureFloat16).Without(FeatureInt8)
	require.Equal(t, NewFeatures(FeatureFloat16, FeatureFloat64), fs)
	require.Equal(t, NewFeatures(FeatureInt16), fs.Missing(NewFeatures(FeatureInt16, FeatureFloat64)))
	require.Zero(t, AllFeatures().Missing(fs))

	require.Equal(t, int(numFeatures), AllFeatures().Len())
	require.Equal(t, "{}", Features(0).String())
	require.Equal(t, "subgroup_basic", FeatureSubgroupBasic.String())
	require.Equal(t, "Feature(99)", Feature(99).String())
}

func TestFeaturesForDType(t *testing.T) {
	for dtype, want := range map[dtypes.DType]Features{
		dtypes.Int8:    NewFeatures(FeatureInt8),
		dtypes.Uint8:   NewFeatures(FeatureInt8),
		dtypes.Int16:   NewFeatures(FeatureInt16),
		dtypes.Uint64:  NewFeatures(FeatureInt64),
		dtypes.Float16: NewFeatures(FeatureFloat16),
		dtypes.Float64: NewFeatures(FeatureFloat64),
		dtypes.Int32:   0,
		dtypes.Float32: 0,
	} {
		assert.Equalf(t, want, FeaturesForDType(dtype), "dtype %s", dtype)
	}
}

func TestCapabilities(t *testing.T) {
	caps := newFakeDriver(1).caps
	require.Equal(t, uint64(4*64), caps.Parallelism())
	require.Contains(t, caps.String(), "subgroup_threads=1..=4")
	require.Contains(t, caps.String(), "max_threads_per_group=64")
}
