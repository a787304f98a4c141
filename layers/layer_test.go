package layers_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-gesture/layers"
)

func TestMakeDivisible(t *testing.T) {
	tests := []struct {
		v    float64
		want int
	}{
		{16, 16},
		{12, 16},
		{8, 8},
		{48, 48},
		{80, 80},
		{3, 8},
		{27, 32},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, layers.MakeDivisible(tt.v, 8), "MakeDivisible(%v)", tt.v)
	}
}

func TestConv2DSamePadding(t *testing.T) {
	spec, err := layers.NewModelBuilder("conv", []int{216, 216, 3}).
		AddConv2D(16, 3, 2, layers.PaddingSame, false, "c").
		Compile()
	require.NoError(t, err)

	l := spec.Layers[0]
	assert.Equal(t, []int{-1, 108, 108, 16}, l.OutputShape)
	assert.Equal(t, layers.Padding{Top: 0, Bottom: 1, Left: 0, Right: 1}, layers.PaddingOf(&l))
	assert.Equal(t, []string{layers.ParamKernel}, l.ParameterNames)
	assert.Equal(t, [][]int{{3, 3, 3, 16}}, l.ParameterShapes)
	assert.EqualValues(t, 432, spec.TotalParameters)
}

func TestCorrectPad(t *testing.T) {
	tests := []struct {
		size       int
		top, total int
	}{
		{108, 0, 1},
		{27, 1, 2},
	}
	for _, tt := range tests {
		spec, err := layers.NewModelBuilder("pad", []int{tt.size, tt.size, 4}).
			AddCorrectPad(3, "p").
			AddDepthwiseConv2D(3, 2, layers.PaddingValid, false, "dw").
			Compile()
		require.NoError(t, err)

		p := layers.PaddingOf(&spec.Layers[0])
		assert.Equal(t, tt.top, p.Top)
		assert.Equal(t, tt.total, p.Top+p.Bottom)
		assert.Equal(t, (tt.size+1)/2, spec.Layers[1].OutputShape[1])
	}
}

func TestAddRequiresMatchingShapes(t *testing.T) {
	_, err := layers.NewModelBuilder("bad", []int{8, 8, 4}).
		AddConv2D(4, 1, 1, layers.PaddingSame, false, "a").
		AddConv2D(8, 1, 1, layers.PaddingSame, false, "b").
		AddAdd("sum", "a", "b").
		Compile()
	assert.Error(t, err)
}

func TestUnknownInputIsRejected(t *testing.T) {
	_, err := layers.NewModelBuilder("bad", []int{8, 8, 4}).
		AddAdd("sum", "nope", "also_nope").
		Compile()
	assert.Error(t, err)
}

func TestDuplicateNamesAreRejected(t *testing.T) {
	_, err := layers.NewModelBuilder("bad", []int{8}).
		AddDense(2, true, "d").
		AddDense(2, true, "d").
		Compile()
	assert.Error(t, err)
}

func TestMobileNetV2Layout(t *testing.T) {
	spec, err := layers.NewModelBuilder("m", []int{216, 216, 3}).
		AddMobileNetV2(0.5, "backbone").
		Compile()
	require.NoError(t, err)

	assert.Len(t, spec.Layers, 154)
	assert.EqualValues(t, 706224, spec.TotalParameters)
	assert.EqualValues(t, 706224-18544, spec.TrainableParameters())
	assert.Equal(t, []int{-1, 7, 7, 1280}, spec.OutputShape)
	assert.Len(t, spec.GroupIndices("backbone"), 154)

	for _, name := range []string{"Conv1", "expanded_conv_project_BN", "block_2_add", "block_16_project", "Conv_1_bn", "out_relu"} {
		assert.GreaterOrEqual(t, spec.LayerIndex(name), 0, name)
	}
	assert.Equal(t, -1, spec.LayerIndex("block_1_add"), "stride-2 block has no residual")
	assert.GreaterOrEqual(t, spec.LayerIndex("block_1_pad"), 0)
	assert.Equal(t, -1, spec.LayerIndex("block_2_pad"), "only stride-2 blocks pad")

	add := spec.Layers[spec.LayerIndex("block_2_add")]
	assert.Equal(t, []string{"block_1_project_BN", "block_2_project_BN"}, add.Inputs)
	assert.Equal(t, []int{-1, 54, 54, 16}, add.OutputShape)

	spatial := map[int]bool{}
	for _, l := range spec.Layers {
		if l.Type == layers.DepthwiseConv2D {
			spatial[l.OutputShape[1]] = true
		}
	}
	assert.Equal(t, map[int]bool{108: true, 54: true, 27: true, 14: true, 7: true}, spatial)
}

func TestMovingStatisticsAreNeverTrainable(t *testing.T) {
	spec, err := layers.NewModelBuilder("bn", []int{4, 4, 3}).
		AddBatchNorm(1e-3, 0.99, "bn").
		Compile()
	require.NoError(t, err)

	assert.EqualValues(t, 12, spec.TotalParameters)
	assert.EqualValues(t, 6, spec.TrainableParameters())

	spec.Layers[0].Trainable = false
	assert.EqualValues(t, 0, spec.TrainableParameters())
	assert.EqualValues(t, 12, spec.NonTrainableParameters())
}

func TestSpecSurvivesJSONRoundTrip(t *testing.T) {
	spec, err := layers.NewModelBuilder("rt", []int{32, 32, 3}).
		AddRandomRotation(0.1, "random_rotation").
		AddMobileNetV2(0.5, "backbone").
		AddGlobalAveragePooling2D("gap").
		AddDropout(0.4, "dropout").
		AddDense(5, true, "dense").
		AddSoftmax("softmax").
		Compile()
	require.NoError(t, err)

	raw, err := json.Marshal(spec)
	require.NoError(t, err)

	var loaded layers.ModelSpec
	require.NoError(t, json.Unmarshal(raw, &loaded))
	require.NoError(t, loaded.Recompile())

	assert.Equal(t, spec.TotalParameters, loaded.TotalParameters)
	assert.Equal(t, spec.OutputShape, loaded.OutputShape)
	for i := range spec.Layers {
		assert.Equal(t, spec.Layers[i].OutputShape, loaded.Layers[i].OutputShape, spec.Layers[i].Name)
		assert.Equal(t, spec.Layers[i].InputIndices, loaded.Layers[i].InputIndices, spec.Layers[i].Name)
	}
}
