package krnl

import (
	"testing"

	"github.com/gomlx/gokrnl/dtypes"
	"github.com/stretchr/testify/require"
)

func TestNewModule(t *testing.T) {
	body := func(items, _ []int32) { items[0]++ }
	var argErr *ArgumentError

	_, err := NewModule[int32]("", body, ItemMut("y"))
	require.ErrorAs(t, err, &argErr)
	_, err = NewModule[int32]("k", nil, ItemMut("y"))
	require.ErrorAs(t, err, &argErr)
	_, err = NewModule[int32]("k", body, Item("x"), Uniform("a"))
	require.ErrorContains(t, err, "no ItemMut")
	_, err = NewModule[int32]("k", body, Item("x"), ItemMut("x"))
	require.ErrorContains(t, err, "more than once")
	_, err = NewModule[int32]("k", body, ItemMut("y"), Param{Name: "z", Kind: ParamKind(7)})
	require.ErrorContains(t, err, "invalid kind")
	_, err = NewModule[int32]("k", body, ItemMut(""))
	require.ErrorContains(t, err, "no name")

	require.Panics(t, func() { MustNewModule[int32]("", body) })

	m1, err := NewModule[int32]("k", body, ItemMut("y"))
	require.NoError(t, err)
	m2 := MustNewModule[int32]("k", body, ItemMut("y"))
	require.NotEqual(t, m1.ID(), m2.ID(), "modules have distinct identities")
}

func TestModuleSignature(t *testing.T) {
	require.Equal(t, "affine", affineModule.Name())
	require.Equal(t, 2, affineModule.NumItems())
	require.Equal(t, 2, affineModule.NumUniforms())
	require.Equal(t, dtypes.Float32, affineModule.DType())
	require.Zero(t, affineModule.Requires())
	require.Equal(t, "affine(#[item] x, #[uniform] a, #[uniform] b, #[item mut] y) [Float32]", affineModule.String())
	require.Equal(t, []string{"x", "y"}, affineModule.itemParamNames())

	spec := affineModule.kernelSpec()
	require.Equal(t, 2, spec.NumItems())
	require.Equal(t, dtypes.Float32, spec.DType)
}

func TestModuleRunPrivateCopies(t *testing.T) {
	// The body scribbles over a read-only item: only the ItemMut slot is written back.
	m := MustNewModule[int64]("swap", func(items, uniforms []int64) {
		items[0], items[1] = items[1]+uniforms[0], items[0]
	}, Item("x"), ItemMut("y"), Uniform("c"))
	require.Equal(t, NewFeatures(FeatureInt64), m.Requires())

	x, y := []int64{1, 2, 3}, []int64{10, 20, 30}
	m.run([][]int64{x, y}, []int64{100}, 0, 3)
	require.Equal(t, []int64{1, 2, 3}, x)
	require.Equal(t, []int64{1, 2, 3}, y)

	// Through the type-erased entry point, on a sub-range.
	x, y = []int64{1, 2, 3}, []int64{10, 20, 30}
	m.kernelSpec().Entry([][]byte{FlatDataToRaw(x), FlatDataToRaw(y)}, ScalarsToRaw([]int64{100}), 1, 2)
	require.Equal(t, []int64{10, 2, 30}, y)
}

func TestRaw(t *testing.T) {
	values := []float64{1.5, -2}
	raw := ScalarsToRaw(values)
	require.Len(t, raw, 16)
	require.Equal(t, values, RawToFlatData[float64](raw))
	require.Nil(t, FlatDataToRaw([]float32{}))
	require.Nil(t, RawToFlatData[float64](raw[:4]))
	require.Empty(t, ScalarsToRaw([]int8{}))
}
